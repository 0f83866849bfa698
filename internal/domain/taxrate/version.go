package taxrate

import (
	"encoding/json"
	"time"
)

// ConfigVersion is one immutable, persisted parameter-set version. Exactly one
// version per (Kind, Scope) is active at any time.
type ConfigVersion struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Scope     string          `json:"scope,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Source    Source          `json:"source"`
	Version   int             `json:"version"`
	IsActive  bool            `json:"is_active"`
	CreatedBy string          `json:"created_by"`
	Notes     string          `json:"notes"`
	CreatedAt time.Time       `json:"created_at"`
}

// Set decodes the stored payload.
func (v *ConfigVersion) Set() (ParameterSet, error) {
	return Decode(v.Kind, v.Payload)
}

// VersionSummary is a ConfigVersion without its payload, as listed in history.
type VersionSummary struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope,omitempty"`
	Version   int       `json:"version"`
	Source    Source    `json:"source"`
	IsActive  bool      `json:"is_active"`
	CreatedBy string    `json:"created_by"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary drops the payload.
func (v *ConfigVersion) Summary() VersionSummary {
	return VersionSummary{
		ID:        v.ID,
		Scope:     v.Scope,
		Version:   v.Version,
		Source:    v.Source,
		IsActive:  v.IsActive,
		CreatedBy: v.CreatedBy,
		Notes:     v.Notes,
		CreatedAt: v.CreatedAt,
	}
}

// SaveRequest holds the fields of a new version. Version numbering and
// activation are the store's job.
type SaveRequest struct {
	Kind      Kind
	Scope     string
	Payload   json.RawMessage
	Source    Source
	CreatedBy string
	Notes     string
}

// HistoryQuery selects versions for listing. AllScopes ignores Scope and
// returns versions of every scope of Kind.
type HistoryQuery struct {
	Kind      Kind
	Scope     string
	AllScopes bool
	Limit     int
}
