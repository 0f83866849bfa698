package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Strob0t/ratekeeper/internal/config"
	"github.com/Strob0t/ratekeeper/internal/domain/taxrate"
	"github.com/Strob0t/ratekeeper/internal/service"
)

// unreachableConfig points every backend at a closed local port.
func unreachableConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Postgres.DSN = "postgres://ratekeeper@127.0.0.1:1/ratekeeper?sslmode=disable&connect_timeout=1"
	cfg.Postgres.MinConns = 0
	cfg.Redis.URL = "redis://127.0.0.1:1/0"
	cfg.Cache.Backend = config.CacheTieredRedis
	cfg.NATS.URL = ""
	cfg.Fetch.Enabled = false
	return &cfg
}

func TestBuildDeps_DegradesWhenBackendsAreDown(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d, err := buildDeps(ctx, unreachableConfig(), log)
	if err != nil {
		t.Fatalf("startup must survive unreachable redis and postgres: %v", err)
	}
	defer d.Close()

	for _, name := range []string{"postgres", "redis"} {
		check, ok := d.checks[name]
		if !ok {
			t.Fatalf("missing %s readiness check", name)
		}
		if err := check(ctx); err == nil {
			t.Errorf("%s check should fail against a closed port", name)
		}
	}

	res := d.resolver.Resolve(ctx, taxrate.KindGST, "")
	if res.Source != taxrate.SourceCompiled {
		t.Fatalf("expected compiled defaults, got %s", res.Source)
	}
	if err := taxrate.Validate(res.Set); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	_, err = d.resolver.Override(ctx, service.OverrideRequest{
		Kind: taxrate.KindGST, Payload: json.RawMessage(`{"valid_rates":[0,5,12,18]}`), CreatedBy: "alice",
	})
	if err == nil {
		t.Fatal("override cannot succeed without a store")
	}
}

func TestBuildDeps_RejectsMalformedRedisURL(t *testing.T) {
	cfg := unreachableConfig()
	cfg.Redis.URL = "not-a-url"
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := buildDeps(context.Background(), cfg, log); err == nil {
		t.Fatal("expected error for malformed redis url")
	}
}

func TestBuildCache_MemoryRegistersL1Close(t *testing.T) {
	cfg := unreachableConfig()
	cfg.Cache.Backend = config.CacheMemory
	d := &deps{checks: make(map[string]func(context.Context) error)}

	c, err := buildCache(context.Background(), cfg, d, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("nil cache")
	}
	if len(d.closers) != 1 {
		t.Fatalf("expected the l1 close to be registered, got %d closers", len(d.closers))
	}
	d.Close()
	if d.closers != nil {
		t.Fatal("Close should drop the closers")
	}
}
