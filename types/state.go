package types

import (
	"fmt"
	"math"
)

// State is the workflow state carried by a checkpoint: a map of top-level
// channel names to structured values. Values are restricted to the universal
// data-interchange kinds (string, number, bool, nil, []any, map[string]any);
// anything else is rejected on network-facing write paths.
type State map[string]any

// ValidateStructured checks that every value in the state is representable as
// structured, text-encodable data. It walks nested sequences and maps; any
// value outside the permitted kinds fails validation.
func (s State) ValidateStructured() error {
	for key, value := range s {
		if err := validateValue(value, key); err != nil {
			return NewError(ErrValidation, err.Error())
		}
	}
	return nil
}

func validateValue(v any, path string) error {
	switch val := v.(type) {
	case nil, string, bool:
		return nil
	case float64, float32:
		f := toFloat64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%s: non-finite number is not representable", path)
		}
		return nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case []any:
		for i, item := range val {
			if err := validateValue(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for k, item := range val {
			if err := validateValue(item, path+"."+k); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s: value of type %T is not structured data", path, v)
	}
}

func toFloat64(v any) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case float32:
		return float64(f)
	}
	return 0
}

// Clone returns a shallow copy of the state. Top-level keys can be overlaid
// on the copy without mutating the source.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a copy of s with every key from overlay replacing the
// corresponding key in s. Overlay values replace wholesale; there is no
// deep merge of nested maps.
func (s State) Merge(overlay State) State {
	out := s.Clone()
	if out == nil {
		out = make(State, len(overlay))
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
