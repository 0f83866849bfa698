package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cfhttp "github.com/Strob0t/ratekeeper/internal/adapter/http"
	cfotel "github.com/Strob0t/ratekeeper/internal/adapter/otel"
	"github.com/Strob0t/ratekeeper/internal/adapter/postgres"
	"github.com/Strob0t/ratekeeper/internal/config"
	"github.com/Strob0t/ratekeeper/internal/logger"
	"github.com/Strob0t/ratekeeper/internal/middleware"
)

// idempotencyTTL is how long a replayable admin response is kept.
const idempotencyTTL = 24 * time.Hour

// migrateTimeout bounds the schema migration run at startup.
const migrateTimeout = 30 * time.Second

func runServe(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		printHelp()
		return err
	}
	cfg, path, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"config_file", path,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"cache_backend", cfg.Cache.Backend,
		"fetch_enabled", cfg.Fetch.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	shutdownOtel, err := cfotel.Init(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	// A database that is down at boot must not keep the service from
	// answering: the cascade still has the cache, the fetcher and defaults.
	mctx, cancelMigrate := context.WithTimeout(ctx, migrateTimeout)
	if err := postgres.RunMigrations(mctx, cfg.Postgres.DSN); err != nil {
		log.Warn("migrations not applied, run 'ratekeeper migrate up' once postgres is reachable", "error", err)
	} else {
		log.Info("migrations applied")
	}
	cancelMigrate()

	d, err := buildDeps(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()
	d.resolver.SetMetrics(metrics)

	if d.notifier != nil {
		unsubscribe, err := d.notifier.SubscribeInvalidations(func(key string) {
			ictx, cancel := context.WithTimeout(context.Background(), cfg.Resolver.CacheTimeout)
			defer cancel()
			d.resolver.Invalidate(ictx, key)
		})
		if err != nil {
			return fmt.Errorf("invalidation subscriber: %w", err)
		}
		defer unsubscribe()
	}

	// --- HTTP ---
	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	handlers := &cfhttp.Handlers{
		Resolver:     d.resolver,
		Audit:        logger.Audit(log),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Checks:       d.checks,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(cfhttp.Logger(log))
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfotel.HTTPMiddleware(cfg.Telemetry.ServiceName))
	r.Use(chimw.Recoverer)

	cfhttp.MountRoutes(r, handlers,
		middleware.AdminAuth(cfg.Admin.TokenHash, cfg.Admin.DefaultActor),
		limiter.Handler,
		middleware.Idempotency(d.cache, idempotencyTTL, log),
	)
	if cfg.Admin.TokenHash == "" {
		log.Warn("admin token hash not set, admin API is unauthenticated")
	}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
