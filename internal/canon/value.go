package canon

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Value is the tagged variant carried by every recorded payload. Adapters
// convert their native types at the boundary via FromAny; everything inside
// the engine operates on this closed set of shapes.
type Value interface {
	isValue()
}

// Null is the JSON null value.
type Null struct{}

// Bool is a boolean scalar.
type Bool bool

// Int is an integer scalar, serialised exactly.
type Int int64

// Float is a floating-point scalar, rounded to six decimal places in the
// canonical form.
type Float float64

// Str is a string scalar, normalised before hashing.
type Str string

// List is an ordered sequence of values.
type List []Value

// Map is an associative container. Canonical serialisation emits entries
// sorted by key, so the fingerprint is independent of insertion order.
type Map map[string]Value

func (Null) isValue()  {}
func (Bool) isValue()  {}
func (Int) isValue()   {}
func (Float) isValue() {}
func (Str) isValue()   {}
func (List) isValue()  {}
func (Map) isValue()   {}

// SortedKeys returns the map's keys in ascending byte order.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromAny converts an arbitrary Go value into a Value. Supported inputs are
// the JSON-compatible scalar types, []any, map[string]any, json.Number,
// time.Time (serialised as RFC 3339), and anything implementing
// fmt.Stringer. Typed slices and maps must be converted by the caller.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return Str(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint64:
		return Int(val), nil
	case float32:
		return Float(val), nil
	case float64:
		// JSON decoding produces float64 for every number; fold values
		// that are exactly integral back into Int so fingerprints do not
		// depend on which decoder produced the tree.
		if val == float64(int64(val)) {
			return Int(int64(val)), nil
		}
		return Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("canon: invalid number %q: %w", val.String(), err)
		}
		return Float(f), nil
	case time.Time:
		return Str(val.UTC().Format(time.RFC3339Nano)), nil
	case []any:
		list := make(List, len(val))
		for i, elem := range val {
			cv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("canon: list[%d]: %w", i, err)
			}
			list[i] = cv
		}
		return list, nil
	case map[string]any:
		m := make(Map, len(val))
		for k, elem := range val {
			cv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("canon: map[%q]: %w", k, err)
			}
			m[k] = cv
		}
		return m, nil
	case []string:
		list := make(List, len(val))
		for i, s := range val {
			list[i] = Str(s)
		}
		return list, nil
	case map[string]string:
		m := make(Map, len(val))
		for k, s := range val {
			m[k] = Str(s)
		}
		return m, nil
	case fmt.Stringer:
		return Str(val.String()), nil
	default:
		return nil, fmt.Errorf("canon: unsupported type %T", v)
	}
}

// MustFromAny is like FromAny but panics on error. Use only in tests or
// when inputs are known to be convertible.
func MustFromAny(v any) Value {
	cv, err := FromAny(v)
	if err != nil {
		panic(err)
	}
	return cv
}

// ToAny converts a Value back into the corresponding JSON-compatible Go
// representation (nil, bool, int64, float64, string, []any, map[string]any).
func ToAny(v Value) any {
	switch val := v.(type) {
	case Null:
		return nil
	case Bool:
		return bool(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Str:
		return string(val)
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case Map:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}
