package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/xhit/go-str2duration/v2"
)

// Load reads the TOML file at path over the built-in defaults, loads a .env
// file if present, and applies environment overrides. An empty path skips
// the file. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known environment variables and overwrites the
// corresponding fields when a variable is set. PORT, DATABASE_URL and
// REDIS_URL keep their conventional names.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setStr(&cfg.Server.Port, "PORT")

	// ── Store ──
	setStr(&cfg.Store.Driver, "STORE_DRIVER")
	setStr(&cfg.Store.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.Store.BuntPath, "BUNT_PATH")
	setStr(&cfg.Store.RedisURL, "REDIS_URL")
	setDuration(&cfg.Store.CacheTTL, "CACHE_TTL")
	// A database URL without an explicit driver means postgres, as before.
	if os.Getenv("DATABASE_URL") != "" && os.Getenv("STORE_DRIVER") == "" {
		cfg.Store.Driver = "postgres"
	}

	// ── Engine ──
	setStr(&cfg.Engine.Policy, "ENGINE_POLICY")
	setDecimal(&cfg.Engine.Step, "ENGINE_STEP")
	setDecimal(&cfg.Engine.BaseOffset, "ENGINE_BASE_OFFSET")
	setDecimal(&cfg.Engine.EarlyProtection, "ENGINE_EARLY_PROTECTION")
	setDuration(&cfg.Engine.Cooldown, "ENGINE_COOLDOWN")
	setDuration(&cfg.Engine.OverrideTTL, "ENGINE_OVERRIDE_TTL")
	setInt(&cfg.Engine.MaxLosingEpisodes, "ENGINE_MAX_LOSING_EPISODES")
	setInt64(&cfg.Engine.DefaultLot, "ENGINE_DEFAULT_LOT")

	// ── Execution ──
	setStr(&cfg.Execution.Mode, "EXECUTION_MODE")
	setDecimal(&cfg.Execution.PaperBalance, "EXECUTION_PAPER_BALANCE")
	setStr(&cfg.Execution.Stream, "EXECUTION_STREAM")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "FEED_WS_URL")
	setStringSlice(&cfg.Feed.Instruments, "FEED_INSTRUMENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := str2duration.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
