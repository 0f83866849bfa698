package taxrate

import (
	"encoding/json"
	"fmt"
)

// ParameterSet is one complete configuration value: a *SlabConfig or a
// *RateSetConfig.
type ParameterSet interface {
	Kind() Kind
}

// Decode unmarshals a stored or cached payload without validating it. Values
// are validated once, on the way in (see Parse).
func Decode(kind Kind, raw []byte) (ParameterSet, error) {
	var set ParameterSet
	switch kind {
	case KindITR:
		set = &SlabConfig{}
	case KindGST:
		set = &RateSetConfig{}
	default:
		return nil, fmt.Errorf("decode %q: %w", kind, ErrUnknownKind)
	}
	if err := json.Unmarshal(raw, set); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return set, nil
}

// Encode marshals a parameter set into its canonical JSON payload.
func Encode(set ParameterSet) (json.RawMessage, error) {
	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", set.Kind(), err)
	}
	return data, nil
}
