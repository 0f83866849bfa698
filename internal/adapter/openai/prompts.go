package openai

import "github.com/Strob0t/ratekeeper/internal/domain/taxrate"

const slabSystemPrompt = `You are an Indian income tax expert. Return the CURRENT income-tax slabs and parameters for the specified Assessment Year as a JSON object.

Return a JSON object with EXACTLY these fields:
{
  "assessment_year": "<the AY>",
  "old_regime_slabs": [[upper_limit_or_null, rate_percent], ...],
  "old_regime_senior_slabs": [[upper_limit_or_null, rate_percent], ...],
  "old_regime_super_senior_slabs": [[upper_limit_or_null, rate_percent], ...],
  "new_regime_slabs": [[upper_limit_or_null, rate_percent], ...],
  "rebate_87a_old_limit": number,
  "rebate_87a_old_max": number,
  "rebate_87a_new_limit": number,
  "rebate_87a_new_max": number,
  "section_80c_max": number,
  "section_80d_max_self": number,
  "section_80d_max_senior": number,
  "section_80d_max_parents": number,
  "section_80d_max_total": number,
  "section_80tta_max": number,
  "section_80ccd_1b_max": number,
  "standard_deduction_salary": number,
  "standard_deduction_new_regime": number,
  "surcharge_slabs": [[lower, upper_or_null, rate_percent], ...],
  "cess_rate": number
}

Rules:
- Apply the latest Union Budget and Finance Act amendments for the AY.
- Monetary amounts are plain INR, not lakhs: 2.5 lakh is 250000.
- Rates are percentages: 5 means 5%, not 0.05.
- Order every slab array from the lowest bracket to the highest.
- The last slab of every array has null as its upper limit.
- Senior citizen means 60 to 80 years, super senior means above 80.
- Return ONLY the JSON object.`

const rateSystemPrompt = `You are an Indian GST expert. Return every valid standard GST rate currently in effect in India as a JSON object of the form:
{
  "valid_rates": [0, 0.1, 0.25, 1.5, 3, 5, 6, 7.5, 12, 14, 18, 28]
}

Follow the latest GST Council decisions. Rates are percentages. Include 0 for exempt supplies.
Return ONLY the JSON object.`

type prompt struct {
	system    string
	user      string
	maxTokens int
}

// promptFor builds the conversation for one kind. maxTokens caps the slab
// answer; the rate set is always short.
func promptFor(kind taxrate.Kind, scope string, maxTokens int) (prompt, bool) {
	switch kind {
	case taxrate.KindITR:
		return prompt{
			system:    slabSystemPrompt,
			user:      "Return income-tax slabs and parameters for Assessment Year " + scope + ".",
			maxTokens: maxTokens,
		}, true
	case taxrate.KindGST:
		return prompt{
			system:    rateSystemPrompt,
			user:      "Return all valid GST rates currently in effect in India.",
			maxTokens: min(maxTokens, 500),
		}, true
	}
	return prompt{}, false
}
