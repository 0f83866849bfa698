package taxrate

import (
	"encoding/json"
	"fmt"
	"slices"
)

// RateSetConfig is the unordered set of valid GST percentages, used by
// invoice anomaly checks.
type RateSetConfig struct {
	Rates []float64
}

// Kind implements ParameterSet.
func (*RateSetConfig) Kind() Kind { return KindGST }

// Contains reports whether rate is a member of the set.
func (r *RateSetConfig) Contains(rate float64) bool {
	return slices.Contains(r.Rates, rate)
}

// normalized returns the members sorted ascending without duplicates.
func (r *RateSetConfig) normalized() []float64 {
	out := slices.Clone(r.Rates)
	slices.Sort(out)
	return slices.Compact(out)
}

type rateSetJSON struct {
	ValidRates []Amount `json:"valid_rates"`
}

// MarshalJSON encodes {"valid_rates": [...]} with members sorted and unique.
func (r *RateSetConfig) MarshalJSON() ([]byte, error) {
	rates := r.normalized()
	if rates == nil {
		rates = []float64{}
	}
	return json.Marshal(struct {
		ValidRates []float64 `json:"valid_rates"`
	}{rates})
}

// UnmarshalJSON decodes {"valid_rates": [...]}, collapsing duplicates.
func (r *RateSetConfig) UnmarshalJSON(data []byte) error {
	var v rateSetJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("rate set: %w", err)
	}
	rates := make([]float64, 0, len(v.ValidRates))
	for _, a := range v.ValidRates {
		rates = append(rates, float64(a))
	}
	r.Rates = rates
	r.Rates = r.normalized()
	return nil
}
