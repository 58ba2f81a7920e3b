package canon

import (
	"fmt"
	"strconv"
	"strings"
)

// IOKey uniquely identifies one recorded IO edge within a recording. Its
// canonical string form is the colon-joined tuple
// event_type:adapter:agent_id:tool_name:call_index:input_fingerprint.
type IOKey struct {
	EventType        string
	Adapter          string
	AgentID          string
	ToolName         string
	CallIndex        int
	InputFingerprint string
}

// String returns the canonical lookup form of the key.
func (k IOKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%d:%s",
		k.EventType, k.Adapter, k.AgentID, k.ToolName, k.CallIndex, k.InputFingerprint)
}

// ParseIOKey parses the canonical string form back into an IOKey. The
// fingerprint occupies the final field; earlier fields must not contain
// colons (adapters enforce this at the boundary).
func ParseIOKey(s string) (IOKey, error) {
	parts := strings.SplitN(s, ":", 6)
	if len(parts) != 6 {
		return IOKey{}, fmt.Errorf("canon: malformed io key %q", s)
	}
	idx, err := strconv.Atoi(parts[4])
	if err != nil {
		return IOKey{}, fmt.Errorf("canon: io key %q: bad call index: %w", s, err)
	}
	return IOKey{
		EventType:        parts[0],
		Adapter:          parts[1],
		AgentID:          parts[2],
		ToolName:         parts[3],
		CallIndex:        idx,
		InputFingerprint: parts[5],
	}, nil
}

// MakeKey fingerprints the input and assembles the composite lookup key for
// an IO edge.
func (f *Fingerprinter) MakeKey(eventType, adapter, agentID, toolName string, callIndex int, input any) (IOKey, error) {
	fp, err := f.Fingerprint(input)
	if err != nil {
		return IOKey{}, fmt.Errorf("canon: fingerprint input for %s/%s: %w", agentID, toolName, err)
	}
	return IOKey{
		EventType:        eventType,
		Adapter:          adapter,
		AgentID:          agentID,
		ToolName:         toolName,
		CallIndex:        callIndex,
		InputFingerprint: fp,
	}, nil
}
