// Package main is the entrypoint for the mediaforge API server. One process serves the
// HTTP API, runs the job scheduler and reaps stale webhook jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/mediaforge/internal/api"
	"github.com/kiranshivaraju/mediaforge/internal/api/handler"
	mw "github.com/kiranshivaraju/mediaforge/internal/api/middleware"
	"github.com/kiranshivaraju/mediaforge/internal/api/response"
	"github.com/kiranshivaraju/mediaforge/internal/artifact"
	"github.com/kiranshivaraju/mediaforge/internal/cache"
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/ingest"
	"github.com/kiranshivaraju/mediaforge/internal/notify"
	"github.com/kiranshivaraju/mediaforge/internal/progress"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/scheduler"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	migrationsDir   = "migrations"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "database_driver", cfg.Database.Driver,
		"default_provider", cfg.Providers.Default)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	notifier, closeNotifier, err := openNotifier(cfg.NATS)
	if err != nil {
		return err
	}
	defer closeNotifier()

	mirror, err := openMirror(ctx, cfg.Blob)
	if err != nil {
		return err
	}

	registry := provider.NewRegistryFromConfig(cfg.Providers)
	slog.Info("providers registered", "providers", registry.IDs())

	sched := scheduler.New(scheduler.Options{
		Store:         st,
		Registry:      registry,
		Mirror:        mirror,
		Notifier:      notifier,
		Config:        cfg.Scheduler,
		PublicBaseURL: cfg.Server.PublicBaseURL,
	})

	jobs := handler.JobDeps{
		Store:       st,
		Jobs:        sched,
		Stream:      progress.NewDistributor(st, notifier, cfg.Stream),
		Mirror:      mirror,
		Cache:       redisCache,
		SnapshotTTL: cfg.Blob.SignedURLTTL / 2,
	}
	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(redisCache, cfg.RateLimit.PerMinute),

		HealthHandler:  healthHandler(st, redisCache),
		WebhookHandler: handler.NewWebhookHandler(ingest.New(st, registry, sched, cfg.Webhook.Secret)),

		CreateJobHandler:  handler.NewCreateJobHandler(jobs),
		GetJobHandler:     handler.NewGetJobHandler(jobs),
		CancelJobHandler:  handler.NewCancelJobHandler(jobs),
		ListEventsHandler: handler.NewListEventsHandler(jobs),
		StreamHandler:     handler.NewStreamHandler(jobs),

		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: progress streams stay open until their job finishes. They end on
		// shutdown through BaseContext instead.
		IdleTimeout: 60 * time.Second,
	}
	if err := serve(ctx, srv, sched); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// serve recovers interrupted jobs, then runs srv, the scheduler and the reaper until ctx
// ends or one of them fails. Resumed jobs share the group context, so a failure stops
// them along with everything else.
func serve(ctx context.Context, srv *http.Server, sched *scheduler.Scheduler) error {
	g, gctx := errgroup.WithContext(ctx)
	srv.BaseContext = func(net.Listener) context.Context { return gctx }

	resumed, requeued, err := sched.Recover(gctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	slog.Info("recovered in-flight jobs", "resumed", resumed, "requeued", requeued)

	g.Go(func() error {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return sched.RunReaper(gctx) })

	return g.Wait()
}

// openStore connects the configured job store and returns a matching close func.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	if cfg.Driver == config.DriverSQLite {
		st, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		slog.Info("sqlite store opened", "path", cfg.SQLitePath)
		return st, func() { _ = st.Close() }, nil
	}

	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.URL, migrationsDir); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")
	return store.NewPostgresStore(pool), pool.Close, nil
}

// openNotifier uses NATS when configured so stream wake-ups reach every replica.
func openNotifier(cfg config.NATSConfig) (notify.Notifier, func(), error) {
	if cfg.URL == "" {
		return notify.NewLocal(), func() {}, nil
	}
	n, err := notify.ConnectNATS(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	slog.Info("nats connected")
	return n, n.Close, nil
}

// openMirror returns nil when no bucket is configured; results then keep provider URLs.
func openMirror(ctx context.Context, cfg config.BlobConfig) (*artifact.Mirror, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	blobs, err := artifact.NewS3Store(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create blob store: %w", err)
	}
	slog.Info("artifact mirroring enabled", "bucket", cfg.Bucket)
	return artifact.NewMirror(blobs, cfg.MaxDownloadBytes, cfg.SignedURLTTL, cfg.CopyTimeout), nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}
		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
