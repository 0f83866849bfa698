package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	cfnats "github.com/Strob0t/ratekeeper/internal/adapter/nats"
	"github.com/Strob0t/ratekeeper/internal/adapter/natskv"
	"github.com/Strob0t/ratekeeper/internal/adapter/openai"
	"github.com/Strob0t/ratekeeper/internal/adapter/postgres"
	cfredis "github.com/Strob0t/ratekeeper/internal/adapter/redis"
	"github.com/Strob0t/ratekeeper/internal/adapter/ristretto"
	"github.com/Strob0t/ratekeeper/internal/adapter/tiered"
	"github.com/Strob0t/ratekeeper/internal/config"
	"github.com/Strob0t/ratekeeper/internal/port/cache"
	"github.com/Strob0t/ratekeeper/internal/port/fetcher"
	"github.com/Strob0t/ratekeeper/internal/resilience"
	"github.com/Strob0t/ratekeeper/internal/service"
)

// startupPingTimeout bounds each connectivity check made while wiring.
const startupPingTimeout = 5 * time.Second

// deps is the wired infrastructure behind one resolver. Close releases it in
// reverse order of acquisition.
type deps struct {
	pool     *pgxpool.Pool
	store    *postgres.Store
	cache    cache.Cache
	nats     *cfnats.Conn
	notifier *cfnats.Notifier
	resolver *service.Resolver

	// checks feed the readiness probe.
	checks  map[string]func(context.Context) error
	closers []func()
}

func (d *deps) onClose(fn func()) { d.closers = append(d.closers, fn) }

// Close releases every acquired resource.
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// buildDeps connects the store, the hot cache, the fetcher and, when NATS is
// configured, the invalidation notifier. It does not run migrations.
func buildDeps(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *deps, err error) {
	d := &deps{checks: make(map[string]func(context.Context) error)}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	// PostgreSQL. An unreachable server is not fatal: store reads fall
	// through to the fetcher and defaults, and the pool reconnects on its own.
	d.pool, err = postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	d.onClose(d.pool.Close)
	d.store = postgres.NewStore(d.pool)
	d.checks["postgres"] = d.store.Ping
	if perr := pingWithin(ctx, d.store.Ping); perr != nil {
		log.Warn("postgres unreachable, serving from cache, fetch and defaults", "error", perr)
	} else {
		log.Info("postgres connected", "max_conns", cfg.Postgres.MaxConns)
	}

	// NATS is required for the NATS KV tier and optional otherwise: without it
	// replicas only converge when their L1 entries expire.
	if cfg.NATS.URL != "" {
		conn, nerr := cfnats.Connect(ctx, cfg.NATS.URL, log)
		switch {
		case nerr == nil:
			d.nats = conn
			d.onClose(func() {
				if cerr := conn.Close(); cerr != nil {
					log.Warn("nats close failed", "error", cerr)
				}
			})
			d.checks["nats"] = conn.Ping
			d.notifier = cfnats.NewNotifier(conn, cfg.NATS.InvalidateSubject, log)
		case cfg.Cache.Backend == config.CacheTieredNATS:
			return nil, fmt.Errorf("nats: %w", nerr)
		default:
			log.Warn("nats unavailable, cross-replica invalidation disabled", "error", nerr)
		}
	}

	// Hot cache
	d.cache, err = buildCache(ctx, cfg, d, log)
	if err != nil {
		return nil, err
	}

	d.resolver = service.NewResolver(d.cache, d.store, buildFetcher(cfg, log), cfg.Resolver, log)
	if d.notifier != nil {
		d.resolver.SetPublisher(d.notifier)
	}
	return d, nil
}

// buildCache assembles the configured hot cache: ristretto alone, or
// ristretto in front of Redis or a NATS KV bucket.
func buildCache(ctx context.Context, cfg *config.Config, d *deps, log *slog.Logger) (cache.Cache, error) {
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	d.onClose(l1.Close)

	switch cfg.Cache.Backend {
	case config.CacheMemory:
		log.Info("hot cache ready", "backend", cfg.Cache.Backend)
		return l1, nil

	case config.CacheTieredRedis:
		// The client redials on demand, so a Redis that is down at boot
		// degrades the L2 tier instead of aborting startup.
		client, err := cfredis.Open(cfg.Redis.URL, cfg.Redis.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		d.onClose(func() {
			if cerr := client.Close(); cerr != nil {
				log.Warn("redis close failed", "error", cerr)
			}
		})
		ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		d.checks["redis"] = ping
		if perr := pingWithin(ctx, ping); perr != nil {
			log.Warn("redis unreachable, l2 cache degraded", "error", perr)
		}
		log.Info("hot cache ready", "backend", cfg.Cache.Backend, "l1_ttl", cfg.Cache.L1TTL)
		return tiered.New(l1, cfredis.New(client, cfg.Redis.Prefix), cfg.Cache.L1TTL), nil

	case config.CacheTieredNATS:
		if d.nats == nil {
			return nil, errors.New("nats kv cache requires a nats connection")
		}
		kv, err := natskv.Open(ctx, d.nats.JetStream(), cfg.NATS.KVBucket, cfg.Resolver.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("nats kv: %w", err)
		}
		log.Info("hot cache ready", "backend", cfg.Cache.Backend, "bucket", cfg.NATS.KVBucket)
		return tiered.New(l1, kv, cfg.Cache.L1TTL), nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
}

// pingWithin runs a startup health check bounded by startupPingTimeout.
func pingWithin(ctx context.Context, ping func(context.Context) error) error {
	pctx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	defer cancel()
	return ping(pctx)
}

// buildFetcher returns the model-backed fetcher behind a circuit breaker, or
// a disabled fetcher when the layer is switched off.
func buildFetcher(cfg *config.Config, log *slog.Logger) fetcher.Fetcher {
	if !cfg.Fetch.Enabled {
		log.Info("generative fetch disabled")
		return fetcher.Disabled{}
	}
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	log.Info("generative fetch enabled", "model", cfg.OpenAI.Model, "base_url", cfg.OpenAI.BaseURL)
	return openai.New(cfg.OpenAI, breaker, log)
}
