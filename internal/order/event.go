// Package order assigns every recorded event its place in the deterministic
// total order: a monotonic global step, a per-(agent, tool) call index, and
// an optional parent step for nested operations. Persistence runs through a
// single writer goroutine so the on-disk order always equals step order.
package order

import (
	"time"

	"github.com/google/uuid"
)

// Event is an event stamped with ordering information. Once handed to the
// writer it is immutable.
type Event struct {
	EventID    string         `json:"event_id"`
	Step       int64          `json:"step"`
	ParentStep *int64         `json:"parent_step,omitempty"`
	AgentID    string         `json:"agent_id"`
	ToolName   string         `json:"tool_name,omitempty"`
	CallIndex  int            `json:"call_index"`
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"event_type"`
	Data       map[string]any `json:"data,omitempty"`
}

// newEventID returns a fresh random event identifier. Event IDs are
// diagnostic only; they never participate in lookup keys.
func newEventID() string {
	return uuid.NewString()
}
