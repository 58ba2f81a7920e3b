package redact

import (
	"fmt"
	"sync"

	"github.com/allaspectsdev/reel/internal/canon"
)

// Filter applies the configured scrub pass to every string leaf of every
// recorded payload. It is applied once, before a value reaches the writer.
type Filter struct {
	mu    sync.RWMutex
	level Level
	rules []Rule
}

// NewFilter creates a filter for the given level.
func NewFilter(level Level) (*Filter, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("redact: unknown level %q", level)
	}
	return &Filter{level: level, rules: rulesForLevel(level)}, nil
}

// Level returns the active redaction level.
func (f *Filter) Level() Level {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.level
}

// SetLevel swaps the active rule set. Used by the config watcher.
func (f *Filter) SetLevel(level Level) error {
	if !level.Valid() {
		return fmt.Errorf("redact: unknown level %q", level)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = level
	f.rules = rulesForLevel(level)
	return nil
}

// AddRule appends a custom rule to the active set.
func (f *Filter) AddRule(r Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, r)
}

// RemoveRule deletes a rule by name. Returns false if no rule matched.
func (f *Filter) RemoveRule(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rules {
		if r.Name == name {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Text scrubs a single string through every active rule.
func (f *Filter) Text(text string) string {
	f.mu.RLock()
	rules := f.rules
	f.mu.RUnlock()
	for _, r := range rules {
		text = r.Apply(text)
	}
	return text
}

// Any recursively scrubs the string leaves of a JSON-compatible tree,
// returning a redacted copy. Map keys are left untouched.
func (f *Filter) Any(v any) any {
	switch val := v.(type) {
	case string:
		return f.Text(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = f.Any(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = f.Any(elem)
		}
		return out
	default:
		return v
	}
}

// Map scrubs a payload map. Nil input yields nil.
func (f *Filter) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return f.Any(m).(map[string]any)
}

// Value scrubs the string leaves of a canon.Value tree.
func (f *Filter) Value(v canon.Value) canon.Value {
	switch val := v.(type) {
	case canon.Str:
		return canon.Str(f.Text(string(val)))
	case canon.Map:
		out := make(canon.Map, len(val))
		for k, elem := range val {
			out[k] = f.Value(elem)
		}
		return out
	case canon.List:
		out := make(canon.List, len(val))
		for i, elem := range val {
			out[i] = f.Value(elem)
		}
		return out
	default:
		return v
	}
}

var (
	defaultMu     sync.Mutex
	defaultFilter *Filter
)

// Default returns the process-wide filter, creating a standard-level one on
// first use. Hosts may replace it with SetDefault.
func Default() *Filter {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultFilter == nil {
		defaultFilter, _ = NewFilter(LevelStandard)
	}
	return defaultFilter
}

// SetDefault replaces the process-wide filter.
func SetDefault(f *Filter) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultFilter = f
}

// ResetDefault discards the process-wide filter. For tests.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultFilter = nil
}
