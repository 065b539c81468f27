package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/optguard/position-engine/internal/api"
	"github.com/optguard/position-engine/internal/config"
	"github.com/optguard/position-engine/internal/engine"
	"github.com/optguard/position-engine/internal/execution"
	"github.com/optguard/position-engine/internal/feed"
	"github.com/optguard/position-engine/internal/metrics"
	"github.com/optguard/position-engine/internal/model"
	"github.com/optguard/position-engine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	policy, _ := cfg.Engine.ToPolicy()

	// --- Initialize store ---
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	var rdb *redis.Client
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	st, closeStore, err := openStore(context.Background(), cfg.Store, rdb)
	if err != nil {
		slog.Error("store initialization failed", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, closeStore)

	// --- Execution ---
	var executors execution.Multi
	var paper *execution.PaperExecutor
	if cfg.Execution.Mode != "stream" {
		paper = execution.NewPaperExecutor(cfg.Execution.PaperBalance)
		executors = append(executors, paper)
	}
	if cfg.Execution.Mode != "paper" {
		executors = append(executors, execution.NewStreamExecutor(rdb, cfg.Execution.Stream))
		slog.Info("publishing intents to Redis stream", "stream", cfg.Execution.Stream)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()

	// --- Engine ---
	eng := engine.New(st, executors,
		engine.WithBroadcaster(wsHub),
		engine.WithLogger(logger),
		engine.WithPolicy(policy),
	)
	if _, err := eng.Restore(context.Background()); err != nil {
		slog.Error("restore failed", "err", err)
		os.Exit(1)
	}

	apiSvc := api.NewService(eng, cfg.LotTable(), cfg.Engine.DefaultLot)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"position-engine","positions":%d}`, eng.Len())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time position updates. Registered
		// outside the timeout group so long-lived connections survive.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			apiSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		slog.Info("position-engine listening", "port", cfg.Server.Port, "policy", policy.Name, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Feed.WSURL != "" {
		ticks := make(chan model.Tick, 1024)
		var src feed.Feed = feed.NewWSFeed(cfg.Feed.WSURL, cfg.Feed.Instruments, logger)
		g.Go(func() error {
			defer close(ticks)
			if err := src.Stream(gctx, ticks); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("price feed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			if err := eng.Run(gctx, ticks); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		slog.Info("price feed enabled", "url", cfg.Feed.WSURL, "instruments", strings.Join(cfg.Feed.Instruments, ","))
	}

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("shutting down position-engine...")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("position-engine stopped with error", "err", err)
	}
	if paper != nil {
		slog.Info("paper wallet", "balance", paper.Balance().String(), "realized_pnl", paper.RealizedPnL().String())
	}
	fmt.Println("position-engine stopped")
}

// openStore builds the configured store, wrapped in the Redis read-through
// cache when a client is available.
func openStore(ctx context.Context, cfg config.StoreConfig, rdb *redis.Client) (store.Store, func(), error) {
	var st store.Store
	closeFn := func() {}

	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		st, closeFn = pg, pool.Close
		slog.Info("connected to PostgreSQL")
	case "bunt":
		bs, err := store.NewBuntStore(cfg.BuntPath)
		if err != nil {
			return nil, nil, err
		}
		st, closeFn = bs, func() { bs.Close() }
		slog.Info("using BuntDB store", "path", cfg.BuntPath)
	default:
		slog.Warn("using in-memory store (positions will not survive a restart)")
		st = store.NewMemoryStore()
	}

	if rdb != nil && cfg.CacheTTL.Duration > 0 {
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL.Duration)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.Duration)
	}
	return st, closeFn, nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
