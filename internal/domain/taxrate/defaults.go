package taxrate

// Defaults returns the compiled-in parameter set for kind, the last resort when
// no other layer can answer. It never fails: an unknown kind yields nil, which
// callers rule out with ParseKind.
func Defaults(kind Kind, scope string) ParameterSet {
	switch kind {
	case KindITR:
		if scope == "" {
			scope = DefaultAssessmentYear
		}
		return DefaultSlabs(scope)
	case KindGST:
		return DefaultRates()
	}
	return nil
}

func bound(v float64) *float64 { return &v }

// DefaultSlabs returns the Finance Act 2025 slabs stamped with the given
// assessment year.
func DefaultSlabs(assessmentYear string) *SlabConfig {
	return &SlabConfig{
		AssessmentYear: assessmentYear,
		OldRegimeSlabs: []Bracket{
			{bound(250000), 0},
			{bound(500000), 5},
			{bound(1000000), 20},
			{nil, 30},
		},
		OldRegimeSeniorSlabs: []Bracket{
			{bound(300000), 0},
			{bound(500000), 5},
			{bound(1000000), 20},
			{nil, 30},
		},
		OldRegimeSuperSeniorSlabs: []Bracket{
			{bound(500000), 0},
			{bound(1000000), 20},
			{nil, 30},
		},
		NewRegimeSlabs: []Bracket{
			{bound(300000), 0},
			{bound(700000), 5},
			{bound(1000000), 10},
			{bound(1200000), 15},
			{bound(1500000), 20},
			{nil, 30},
		},
		Rebate87AOldLimit:          500000,
		Rebate87AOldMax:            12500,
		Rebate87ANewLimit:          700000,
		Rebate87ANewMax:            25000,
		Section80CMax:              150000,
		Section80DMaxSelf:          25000,
		Section80DMaxSenior:        50000,
		Section80DMaxParents:       50000,
		Section80DMaxTotal:         100000,
		Section80TTAMax:            10000,
		Section80CCD1BMax:          50000,
		StandardDeductionSalary:    75000,
		StandardDeductionNewRegime: 75000,
		SurchargeSlabs: []SurchargeBand{
			{5000000, bound(10000000), 10},
			{10000000, bound(20000000), 15},
			{20000000, bound(50000000), 25},
			{50000000, nil, 37},
		},
		CessRate: 4,
	}
}

// DefaultRates returns the standard GST rate schedule.
func DefaultRates() *RateSetConfig {
	return &RateSetConfig{Rates: []float64{0, 0.1, 0.25, 1.5, 3, 5, 6, 7.5, 12, 14, 18, 28}}
}
