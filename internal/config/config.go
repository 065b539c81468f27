// Package config defines the service configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xhit/go-str2duration/v2"

	"github.com/optguard/position-engine/internal/execution"
	"github.com/optguard/position-engine/internal/instrument"
	"github.com/optguard/position-engine/internal/model"
	"github.com/optguard/position-engine/internal/position"
	"github.com/optguard/position-engine/internal/stoploss"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by environment variables.
type Config struct {
	Server    ServerConfig     `toml:"server"`
	Store     StoreConfig      `toml:"store"`
	Engine    EngineConfig     `toml:"engine"`
	Execution ExecutionConfig  `toml:"execution"`
	Feed      FeedConfig       `toml:"feed"`
	Lots      map[string]int64 `toml:"lots"`
	LogLevel  string           `toml:"log_level"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port         string   `toml:"port"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string   `toml:"driver"` // memory | postgres | bunt
	DatabaseURL string   `toml:"database_url"`
	BuntPath    string   `toml:"bunt_path"`
	RedisURL    string   `toml:"redis_url"`
	CacheTTL    Duration `toml:"cache_ttl"`
}

// EngineConfig is the policy bound to positions created from now on. Zero
// values keep the preset's setting.
type EngineConfig struct {
	Policy            string          `toml:"policy"`
	Step              decimal.Decimal `toml:"step"`
	BaseOffset        decimal.Decimal `toml:"base_offset"`
	EarlyProtection   decimal.Decimal `toml:"early_protection"`
	Cooldown          Duration        `toml:"cooldown"`
	OverrideTTL       Duration        `toml:"override_ttl"`
	MaxLosingEpisodes int             `toml:"max_losing_episodes"`
	DefaultLot        int64           `toml:"default_lot"`
}

// ExecutionConfig selects where intents go.
type ExecutionConfig struct {
	Mode         string          `toml:"mode"` // paper | stream | both
	PaperBalance decimal.Decimal `toml:"paper_balance"`
	Stream       string          `toml:"stream"`
}

// FeedConfig holds the optional live price feed.
type FeedConfig struct {
	WSURL       string   `toml:"ws_url"`
	Instruments []string `toml:"instruments"`
}

// Duration wraps time.Duration for TOML string decoding. Day and week units
// are accepted ("1d", "1w").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := str2duration.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(str2duration.String(d.Duration)), nil
}

// Defaults returns a Config with sensible defaults for local development.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  Duration{10 * time.Second},
			WriteTimeout: Duration{10 * time.Second},
		},
		Store: StoreConfig{
			Driver:   "memory",
			BuntPath: "positions.db",
			CacheTTL: Duration{30 * time.Second},
		},
		Engine: EngineConfig{
			Policy: position.PolicyStandard,
		},
		Execution: ExecutionConfig{
			Mode:         "paper",
			PaperBalance: execution.DefaultPaperBalance,
			Stream:       execution.DefaultStream,
		},
		LogLevel: "info",
	}
}

var validDrivers = map[string]bool{
	"memory":   true,
	"postgres": true,
	"bunt":     true,
}

var validModes = map[string]bool{
	"paper":  true,
	"stream": true,
	"both":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port == "" {
		errs = append(errs, "server: port must not be empty")
	}

	switch {
	case !validDrivers[c.Store.Driver]:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: memory, postgres, bunt)", c.Store.Driver))
	case c.Store.Driver == "postgres" && c.Store.DatabaseURL == "":
		errs = append(errs, "store: database_url is required for the postgres driver")
	case c.Store.Driver == "bunt" && c.Store.BuntPath == "":
		errs = append(errs, "store: bunt_path is required for the bunt driver")
	}
	if c.Store.CacheTTL.Duration < 0 {
		errs = append(errs, "store: cache_ttl must not be negative")
	}

	if _, err := c.Engine.ToPolicy(); err != nil {
		errs = append(errs, "engine: "+err.Error())
	}
	if c.Engine.DefaultLot < 0 {
		errs = append(errs, "engine: default_lot must not be negative")
	}

	if !validModes[c.Execution.Mode] {
		errs = append(errs, fmt.Sprintf("execution: unknown mode %q (valid: paper, stream, both)", c.Execution.Mode))
	}
	if c.Execution.Mode != "stream" && !c.Execution.PaperBalance.IsPositive() {
		errs = append(errs, "execution: paper_balance must be positive")
	}
	if c.Execution.Mode != "paper" && c.Store.RedisURL == "" {
		errs = append(errs, "execution: stream mode requires store.redis_url")
	}

	if c.Feed.WSURL != "" && len(c.Feed.Instruments) == 0 {
		errs = append(errs, "feed: instruments must be listed when ws_url is set")
	}
	for _, id := range c.Feed.Instruments {
		if _, err := instrument.Parse(id); err != nil {
			errs = append(errs, "feed: "+err.Error())
		}
	}

	for underlying, size := range c.Lots {
		if size <= 0 {
			errs = append(errs, fmt.Sprintf("lots: %s must be positive, got %d", underlying, size))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ToPolicy resolves the configured preset and applies any explicit
// overrides on top of it.
func (e EngineConfig) ToPolicy() (model.Policy, error) {
	p, err := position.PolicyByName(e.Policy)
	if err != nil {
		return model.Policy{}, err
	}
	if !e.Step.IsZero() {
		p.Step = e.Step
	}
	if !e.BaseOffset.IsZero() {
		p.BaseOffset = e.BaseOffset
	}
	if !e.EarlyProtection.IsZero() {
		p.EarlyProtection = e.EarlyProtection
	}
	if e.Cooldown.Duration != 0 {
		p.Cooldown = e.Cooldown.Duration
	}
	if e.OverrideTTL.Duration != 0 {
		p.OverrideTTL = e.OverrideTTL.Duration
	}
	if e.MaxLosingEpisodes != 0 {
		p.MaxLosingEpisodes = e.MaxLosingEpisodes
	}

	if _, err := stoploss.NewCalculator(p.Step, p.BaseOffset, p.EarlyProtection); err != nil {
		return model.Policy{}, err
	}
	switch {
	case p.Cooldown < 0 || p.OverrideTTL < 0:
		return model.Policy{}, fmt.Errorf("cooldown and override_ttl must not be negative")
	case p.MaxLosingEpisodes < 0:
		return model.Policy{}, fmt.Errorf("max_losing_episodes must not be negative")
	}
	return p, nil
}

// LotTable merges the configured lot sizes over the exchange defaults.
func (c *Config) LotTable() instrument.LotTable {
	return instrument.NewLotTable(c.Lots)
}
