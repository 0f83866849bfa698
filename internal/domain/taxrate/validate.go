package taxrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/Strob0t/ratekeeper/internal/domain"
)

const (
	maxSlabRate  = 100
	maxGSTRate   = 50
	minRateCount = 3
	minBrackets  = 2
)

// Problem is one rule a payload broke.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a payload. It matches
// domain.ErrValidation under errors.Is.
type ValidationError struct {
	Kind     Kind
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Field == "" {
			parts = append(parts, p.Message)
			continue
		}
		parts = append(parts, p.Field+": "+p.Message)
	}
	return fmt.Sprintf("%s payload invalid: %s", e.Kind, strings.Join(parts, "; "))
}

// Unwrap ties the error to the domain sentinel.
func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

func (e *ValidationError) add(field, format string, args ...any) {
	e.Problems = append(e.Problems, Problem{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// Parse decodes a raw payload for kind and scope and validates it. Optional
// slab scalars missing from the payload are taken from the compiled default.
// The returned error is a *ValidationError whenever the payload itself is at
// fault.
func Parse(kind Kind, scope string, raw []byte) (ParameterSet, error) {
	verr := &ValidationError{Kind: kind}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		verr.add("", "payload must be a JSON object")
		return nil, verr
	}

	switch kind {
	case KindITR:
		return parseSlabs(scope, raw, fields, verr)
	case KindGST:
		return parseRates(raw, verr)
	default:
		return nil, fmt.Errorf("parse %q: %w", kind, ErrUnknownKind)
	}
}

func parseSlabs(scope string, raw []byte, fields map[string]json.RawMessage, verr *ValidationError) (ParameterSet, error) {
	for _, name := range requiredScalars {
		v, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			verr.add(name, "required field is missing")
		}
	}
	if len(verr.Problems) > 0 {
		return nil, verr
	}

	// Start from the default so optional scalars absent from the payload keep
	// their compiled value; lists are replaced wholesale by json.Unmarshal.
	cfg := DefaultSlabs(scope)
	cfg.OldRegimeSlabs, cfg.OldRegimeSeniorSlabs = nil, nil
	cfg.OldRegimeSuperSeniorSlabs, cfg.NewRegimeSlabs = nil, nil
	cfg.SurchargeSlabs = nil
	if err := json.Unmarshal(raw, cfg); err != nil {
		verr.add("", "malformed payload: %v", err)
		return nil, verr
	}

	switch {
	case cfg.AssessmentYear == "":
		cfg.AssessmentYear = scope
	case scope != "" && cfg.AssessmentYear != scope:
		verr.add("assessment_year", "payload is for %s, requested %s", cfg.AssessmentYear, scope)
	}

	validateSlabs(cfg, verr)
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseRates(raw []byte, verr *ValidationError) (ParameterSet, error) {
	cfg := &RateSetConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		verr.add("valid_rates", "malformed rate list: %v", err)
		return nil, verr
	}
	validateRates(cfg, verr)
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the structural invariants of an already decoded set.
func Validate(set ParameterSet) error {
	switch s := set.(type) {
	case *SlabConfig:
		verr := &ValidationError{Kind: KindITR}
		validateSlabs(s, verr)
		return verr.orNil()
	case *RateSetConfig:
		verr := &ValidationError{Kind: KindGST}
		validateRates(s, verr)
		return verr.orNil()
	case nil:
		return &ValidationError{Problems: []Problem{{Message: "no parameter set"}}}
	default:
		return fmt.Errorf("validate %T: %w", set, ErrUnknownKind)
	}
}

func validateSlabs(cfg *SlabConfig, verr *ValidationError) {
	for _, list := range cfg.bracketLists() {
		validateBrackets(list.field, list.slabs, verr)
	}
	validateSurcharge(cfg.SurchargeSlabs, verr)
	for _, s := range cfg.scalars() {
		if v := float64(*s.value); !within(v, 0, math.MaxFloat64) {
			verr.add(s.field, "must be a non-negative finite number, got %v", v)
		}
	}
	if cfg.AssessmentYear != "" && !ValidAssessmentYear(cfg.AssessmentYear) {
		verr.add("assessment_year", "%q is not of the form YYYY-YY", cfg.AssessmentYear)
	}
}

func validateBrackets(field string, slabs []Bracket, verr *ValidationError) {
	if len(slabs) < minBrackets {
		verr.add(field, "needs at least %d brackets, got %d", minBrackets, len(slabs))
		return
	}
	var prev *float64
	for i, b := range slabs {
		last := i == len(slabs)-1
		if !within(b.Rate, 0, maxSlabRate) {
			verr.add(fmt.Sprintf("%s[%d]", field, i), "rate %v outside [0,%d]", b.Rate, maxSlabRate)
		}
		switch {
		case last && !b.Open():
			verr.add(fmt.Sprintf("%s[%d]", field, i), "last bracket must be open-ended")
		case !last && b.Open():
			verr.add(fmt.Sprintf("%s[%d]", field, i), "only the last bracket may be open-ended")
		case !last:
			if !within(*b.Upper, 0, math.MaxFloat64) {
				verr.add(fmt.Sprintf("%s[%d]", field, i), "upper bound must be a non-negative finite number")
			}
			if prev != nil && !(*b.Upper > *prev) {
				verr.add(fmt.Sprintf("%s[%d]", field, i), "brackets must be sorted ascending by upper bound")
			}
			prev = b.Upper
		}
	}
}

func validateSurcharge(bands []SurchargeBand, verr *ValidationError) {
	const field = "surcharge_slabs"
	if len(bands) == 0 {
		verr.add(field, "needs at least one band")
		return
	}
	for i, b := range bands {
		at := fmt.Sprintf("%s[%d]", field, i)
		last := i == len(bands)-1
		if !within(b.Lower, 0, math.MaxFloat64) {
			verr.add(at, "lower bound must be a non-negative finite number")
		}
		if b.Upper != nil && !finite(*b.Upper) {
			verr.add(at, "upper bound must be finite")
		}
		if !within(b.Rate, 0, maxSlabRate) {
			verr.add(at, "rate %v outside [0,%d]", b.Rate, maxSlabRate)
		}
		if i > 0 && !(b.Lower > bands[i-1].Lower) {
			verr.add(at, "bands must be sorted ascending by lower bound")
		}
		switch {
		case last && b.Upper != nil:
			verr.add(at, "last band must be open-ended")
		case !last && b.Upper == nil:
			verr.add(at, "only the last band may be open-ended")
		case b.Upper != nil && *b.Upper <= b.Lower:
			verr.add(at, "upper bound must exceed lower bound")
		}
	}
}

func validateRates(cfg *RateSetConfig, verr *ValidationError) {
	const field = "valid_rates"
	rates := cfg.normalized()
	if len(rates) < minRateCount {
		verr.add(field, "needs at least %d distinct rates, got %d", minRateCount, len(rates))
	}
	for _, r := range rates {
		if !within(r, 0, maxGSTRate) {
			verr.add(field, "rate %v outside [0,%d]", r, maxGSTRate)
		}
	}
}
