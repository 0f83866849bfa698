// Package cachetest provides a compliance suite every cache.Cache adapter runs
// in its own tests.
package cachetest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/Strob0t/ratekeeper/internal/port/cache"
)

// Settle is called after each write for adapters whose writes become visible
// asynchronously (ristretto buffers Set). May be nil.
type Settle func()

// RunComplianceTests runs the standard compliance suite against c.
func RunComplianceTests(t *testing.T, c cache.Cache, settle Settle) {
	t.Helper()
	ctx := context.Background()
	if settle == nil {
		settle = func() {}
	}

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "itr:2025-26", []byte(`{"source":"manual"}`), time.Minute); err != nil {
			t.Fatal(err)
		}
		settle()
		val, found, err := c.Get(ctx, "itr:2025-26")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if !bytes.Equal(val, []byte(`{"source":"manual"}`)) {
			t.Fatalf("unexpected value %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "gst:never-written")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for unknown key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "gst:none", []byte("v"), time.Minute)
		settle()
		if err := c.Delete(ctx, "gst:none"); err != nil {
			t.Fatal(err)
		}
		settle()
		_, found, err := c.Get(ctx, "gst:none")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		if err := c.Delete(ctx, "itr:1900-01"); err != nil {
			t.Fatalf("Delete of missing key should not error: %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "itr:2026-27", []byte("v1"), time.Minute)
		settle()
		_ = c.Set(ctx, "itr:2026-27", []byte("v2"), time.Minute)
		settle()
		val, found, err := c.Get(ctx, "itr:2026-27")
		if err != nil {
			t.Fatal(err)
		}
		if !found || string(val) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %q (found=%v)", val, found)
		}
	})
}
