package canon

import (
	"regexp"
	"strings"
)

// volatileKeys are payload fields that change between otherwise identical
// runs and therefore must not contribute to a fingerprint when an adapter
// opts into volatile-field stripping.
var volatileKeys = map[string]struct{}{
	"timestamp":      {},
	"created_at":     {},
	"updated_at":     {},
	"id":             {},
	"uuid":           {},
	"session_id":     {},
	"correlation_id": {},
	"trace_id":       {},
	"span_id":        {},
}

var uuidPattern = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// StripVolatile returns a copy of the value with volatile fields removed
// and embedded UUIDs replaced by a placeholder. Adapters whose inputs carry
// per-run identifiers apply this before MakeKey so replays still match.
func StripVolatile(v Value) Value {
	switch val := v.(type) {
	case Map:
		out := make(Map, len(val))
		for k, elem := range val {
			if _, volatile := volatileKeys[strings.ToLower(k)]; volatile {
				continue
			}
			out[k] = StripVolatile(elem)
		}
		return out
	case List:
		out := make(List, len(val))
		for i, elem := range val {
			out[i] = StripVolatile(elem)
		}
		return out
	case Str:
		return Str(uuidPattern.ReplaceAllString(string(val), "<UUID>"))
	default:
		return v
	}
}
