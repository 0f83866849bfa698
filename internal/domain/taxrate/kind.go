// Package taxrate defines the parameter sets resolved by ratekeeper: income-tax
// slab tables and GST rate sets, their persisted versions, the compiled-in
// defaults and the structural validator shared by the generative and manual
// write paths.
package taxrate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind names a parameter-set type.
type Kind string

const (
	// KindITR is the income-tax slab table, scoped by assessment year.
	KindITR Kind = "itr"
	// KindGST is the global set of valid GST rates.
	KindGST Kind = "gst"
)

// ErrUnknownKind is returned by ParseKind for names that are not a Kind.
var ErrUnknownKind = errors.New("unknown parameter kind")

// Kinds returns every known kind.
func Kinds() []Kind { return []Kind{KindITR, KindGST} }

// ParseKind converts a path or flag value into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindITR, KindGST:
		return k, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownKind)
	}
}

// Scoped reports whether values of this kind vary per assessment year.
func (k Kind) Scoped() bool { return k == KindITR }

// Source records where a parameter set came from.
type Source string

const (
	SourceCompiled  Source = "compiled"
	SourceManual    Source = "manual"
	SourceGenerated Source = "generated"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceCompiled, SourceManual, SourceGenerated:
		return true
	}
	return false
}

// DefaultAssessmentYear is used when a scoped kind is resolved without a scope.
const DefaultAssessmentYear = "2025-26"

var ayPattern = regexp.MustCompile(`^(\d{4})-(\d{2})$`)

// ValidAssessmentYear reports whether s looks like "2025-26", where the
// second part is the year following the first.
func ValidAssessmentYear(s string) bool {
	m := ayPattern.FindStringSubmatch(s)
	if m == nil {
		return false
	}
	start, _ := strconv.Atoi(m[1])
	end, _ := strconv.Atoi(m[2])
	return (start+1)%100 == end
}

// NormalizeScope maps a caller-supplied scope onto the scope a value is stored
// under. Global kinds always normalize to "", scoped kinds fall back to
// defaultScope when none is given.
func NormalizeScope(kind Kind, scope, defaultScope string) string {
	if !kind.Scoped() {
		return ""
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return defaultScope
	}
	return scope
}

// Key returns the hot-cache key for a (kind, scope) pair: "{kind}:{scope}",
// with "none" standing in for the global scope.
func Key(kind Kind, scope string) string {
	if scope == "" {
		scope = "none"
	}
	return string(kind) + ":" + scope
}
