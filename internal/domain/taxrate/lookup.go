package taxrate

// Status is the outcome of asking one layer for a value.
type Status int

const (
	// StatusFound means the layer produced a usable value.
	StatusFound Status = iota
	// StatusUnavailable means the layer could not be asked (down, timed out,
	// disabled) or had nothing.
	StatusUnavailable
	// StatusInvalid means the layer answered with something that failed
	// parsing or validation.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusUnavailable:
		return "unavailable"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// Lookup is a layer's answer. Set is non-nil only when Status is StatusFound;
// Reason explains the other two outcomes.
type Lookup struct {
	Status Status
	Set    ParameterSet
	Reason error
}

// Found wraps a usable value.
func Found(set ParameterSet) Lookup { return Lookup{Status: StatusFound, Set: set} }

// Unavailable records that the layer had no value to give.
func Unavailable(reason error) Lookup { return Lookup{Status: StatusUnavailable, Reason: reason} }

// Invalid records that the layer's value was rejected.
func Invalid(reason error) Lookup { return Lookup{Status: StatusInvalid, Reason: reason} }

// OK reports whether the lookup produced a value.
func (l Lookup) OK() bool { return l.Status == StatusFound && l.Set != nil }
