// Package fetcher defines the port for generating candidate parameter sets
// from an external model.
package fetcher

import (
	"context"
	"errors"

	"github.com/Strob0t/ratekeeper/internal/domain/taxrate"
)

// Fetcher produces a validated candidate value. It never returns an error:
// transport failures, timeouts and rejected answers are reported through the
// Lookup status.
type Fetcher interface {
	Fetch(ctx context.Context, kind taxrate.Kind, scope string) taxrate.Lookup
}

var errDisabled = errors.New("generative fetch disabled")

// Disabled is a Fetcher that never has a value.
type Disabled struct{}

// Fetch always reports the layer as unavailable.
func (Disabled) Fetch(context.Context, taxrate.Kind, string) taxrate.Lookup {
	return taxrate.Unavailable(errDisabled)
}
