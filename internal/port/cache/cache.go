// Package cache defines the port interface for the hot parameter cache.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. Implementations report a
// miss as (nil, false, nil); errors are transport or backend failures.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
