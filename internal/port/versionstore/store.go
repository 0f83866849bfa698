// Package versionstore defines the durable, versioned parameter store port.
package versionstore

import (
	"context"

	"github.com/Strob0t/ratekeeper/internal/domain/taxrate"
)

// Store keeps an append-only sequence of versions per (kind, scope), exactly
// one of which is active.
type Store interface {
	// GetActive returns the active version, or domain.ErrNotFound.
	GetActive(ctx context.Context, kind taxrate.Kind, scope string) (*taxrate.ConfigVersion, error)

	// Save inserts version max+1 as active and deactivates the previous one,
	// atomically. Concurrent saves for one key serialize.
	Save(ctx context.Context, req taxrate.SaveRequest) (*taxrate.ConfigVersion, error)

	// ListVersions returns versions newest first.
	ListVersions(ctx context.Context, q taxrate.HistoryQuery) ([]taxrate.ConfigVersion, error)

	// GetVersion returns one version of a key, or domain.ErrNotFound.
	GetVersion(ctx context.Context, kind taxrate.Kind, scope string, version int) (*taxrate.ConfigVersion, error)
}
