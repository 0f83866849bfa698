package taxrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Bracket is one progressive slab: income up to Upper is taxed at Rate percent.
// A nil Upper is the open-ended top bracket.
type Bracket struct {
	Upper *float64
	Rate  float64
}

// Open reports whether the bracket has no upper bound.
func (b Bracket) Open() bool { return b.Upper == nil }

// MarshalJSON encodes the bracket as [upper_or_null, rate].
func (b Bracket) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{b.Upper, b.Rate})
}

// UnmarshalJSON accepts [upper_or_null, rate] where either number may also be
// a numeric string.
func (b *Bracket) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("bracket: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("bracket: want 2 elements, got %d", len(raw))
	}
	upper, err := parseNumber(raw[0], true)
	if err != nil {
		return fmt.Errorf("bracket upper bound: %w", err)
	}
	rate, err := parseNumber(raw[1], false)
	if err != nil {
		return fmt.Errorf("bracket rate: %w", err)
	}
	b.Upper, b.Rate = upper, *rate
	return nil
}

// SurchargeBand applies Rate percent surcharge to income in [Lower, Upper).
type SurchargeBand struct {
	Lower float64
	Upper *float64
	Rate  float64
}

// MarshalJSON encodes the band as [lower, upper_or_null, rate].
func (s SurchargeBand) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{s.Lower, s.Upper, s.Rate})
}

// UnmarshalJSON accepts [lower, upper_or_null, rate].
func (s *SurchargeBand) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("surcharge band: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("surcharge band: want 3 elements, got %d", len(raw))
	}
	lower, err := parseNumber(raw[0], false)
	if err != nil {
		return fmt.Errorf("surcharge lower bound: %w", err)
	}
	upper, err := parseNumber(raw[1], true)
	if err != nil {
		return fmt.Errorf("surcharge upper bound: %w", err)
	}
	rate, err := parseNumber(raw[2], false)
	if err != nil {
		return fmt.Errorf("surcharge rate: %w", err)
	}
	s.Lower, s.Upper, s.Rate = *lower, upper, *rate
	return nil
}

// parseNumber decodes a JSON number or numeric string. null yields nil when
// nullable is set and an error otherwise.
func parseNumber(raw json.RawMessage, nullable bool) (*float64, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		if nullable {
			return nil, nil
		}
		return nil, fmt.Errorf("null not allowed")
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s == "" || s == "None" {
			if nullable {
				return nil, nil
			}
			return nil, fmt.Errorf("empty number")
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || !finite(f) {
			return nil, fmt.Errorf("%q is not a finite number", s)
		}
		return &f, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || !finite(f) {
		return nil, fmt.Errorf("%s is not a finite number", raw)
	}
	return &f, nil
}

// finite rejects NaN and the infinities, which ParseFloat accepts as strings.
func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// within reports lo <= f <= hi. It is false for NaN.
func within(f, lo, hi float64) bool { return f >= lo && f <= hi }

// Amount is a non-negative scalar that decodes from a number or numeric string.
type Amount float64

// UnmarshalJSON accepts numbers and numeric strings.
func (a *Amount) UnmarshalJSON(data []byte) error {
	f, err := parseNumber(data, false)
	if err != nil {
		return err
	}
	*a = Amount(*f)
	return nil
}

// SlabConfig carries every income-tax parameter for one assessment year.
type SlabConfig struct {
	AssessmentYear string `json:"assessment_year"`

	OldRegimeSlabs            []Bracket `json:"old_regime_slabs"`
	OldRegimeSeniorSlabs      []Bracket `json:"old_regime_senior_slabs"`
	OldRegimeSuperSeniorSlabs []Bracket `json:"old_regime_super_senior_slabs"`
	NewRegimeSlabs            []Bracket `json:"new_regime_slabs"`

	Rebate87AOldLimit Amount `json:"rebate_87a_old_limit"`
	Rebate87AOldMax   Amount `json:"rebate_87a_old_max"`
	Rebate87ANewLimit Amount `json:"rebate_87a_new_limit"`
	Rebate87ANewMax   Amount `json:"rebate_87a_new_max"`

	Section80CMax        Amount `json:"section_80c_max"`
	Section80DMaxSelf    Amount `json:"section_80d_max_self"`
	Section80DMaxSenior  Amount `json:"section_80d_max_senior"`
	Section80DMaxParents Amount `json:"section_80d_max_parents"`
	Section80DMaxTotal   Amount `json:"section_80d_max_total"`
	Section80TTAMax      Amount `json:"section_80tta_max"`
	Section80CCD1BMax    Amount `json:"section_80ccd_1b_max"`

	StandardDeductionSalary    Amount `json:"standard_deduction_salary"`
	StandardDeductionNewRegime Amount `json:"standard_deduction_new_regime"`

	SurchargeSlabs []SurchargeBand `json:"surcharge_slabs"`
	CessRate       Amount          `json:"cess_rate"`
}

// Kind implements ParameterSet.
func (*SlabConfig) Kind() Kind { return KindITR }

type bracketList struct {
	field string
	slabs []Bracket
}

func (c *SlabConfig) bracketLists() []bracketList {
	return []bracketList{
		{"old_regime_slabs", c.OldRegimeSlabs},
		{"old_regime_senior_slabs", c.OldRegimeSeniorSlabs},
		{"old_regime_super_senior_slabs", c.OldRegimeSuperSeniorSlabs},
		{"new_regime_slabs", c.NewRegimeSlabs},
	}
}

type scalarField struct {
	field string
	value *Amount
}

// scalars lists every named cap and threshold, in JSON field order.
func (c *SlabConfig) scalars() []scalarField {
	return []scalarField{
		{"rebate_87a_old_limit", &c.Rebate87AOldLimit},
		{"rebate_87a_old_max", &c.Rebate87AOldMax},
		{"rebate_87a_new_limit", &c.Rebate87ANewLimit},
		{"rebate_87a_new_max", &c.Rebate87ANewMax},
		{"section_80c_max", &c.Section80CMax},
		{"section_80d_max_self", &c.Section80DMaxSelf},
		{"section_80d_max_senior", &c.Section80DMaxSenior},
		{"section_80d_max_parents", &c.Section80DMaxParents},
		{"section_80d_max_total", &c.Section80DMaxTotal},
		{"section_80tta_max", &c.Section80TTAMax},
		{"section_80ccd_1b_max", &c.Section80CCD1BMax},
		{"standard_deduction_salary", &c.StandardDeductionSalary},
		{"standard_deduction_new_regime", &c.StandardDeductionNewRegime},
		{"cess_rate", &c.CessRate},
	}
}

// requiredScalars must be present in any submitted slab payload; the rest are
// filled from the compiled default when missing.
var requiredScalars = []string{
	"rebate_87a_old_limit",
	"rebate_87a_old_max",
	"rebate_87a_new_limit",
	"rebate_87a_new_max",
	"section_80c_max",
	"cess_rate",
}

// TaxOn applies progressive brackets to a taxable income and returns the tax
// before rebate, surcharge and cess.
func TaxOn(income float64, slabs []Bracket) float64 {
	var tax, lower float64
	for _, b := range slabs {
		if income <= lower {
			break
		}
		upper := income
		if b.Upper != nil && *b.Upper < income {
			upper = *b.Upper
		}
		tax += (upper - lower) * b.Rate / 100
		if b.Upper == nil {
			break
		}
		lower = *b.Upper
	}
	return tax
}
