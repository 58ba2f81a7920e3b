// Package telemetry defines the typed event stream the engine exposes to
// its structured-logging collaborator. When no sink is installed the core
// runs silently.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the telemetry event vocabulary.
type EventType string

const (
	EventRecordingNote  EventType = "recording.note"
	EventRecordingStart EventType = "recording.start"
	EventRecordingStop  EventType = "recording.stop"
	EventReplayStart    EventType = "replay.start"
	EventReplayMatched  EventType = "replay.matched"
	EventReplayMismatch EventType = "replay.mismatch"
	EventLLMCallStarted EventType = "llm.call.started"
	EventLLMCallChunk   EventType = "llm.call.chunk"
	EventLLMCallFinish  EventType = "llm.call.finished"
	EventToolCall       EventType = "tool.call"
	EventSandboxExec    EventType = "sandbox.exec"
	EventVCSOperation   EventType = "vcs.operation"
)

// Level mirrors logging severity for sinks that route on it.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one typed telemetry record.
type Event struct {
	EventID          string         `json:"event_id"`
	Timestamp        time.Time      `json:"timestamp"`
	EventType        EventType      `json:"event_type"`
	Level            Level          `json:"level"`
	SessionID        string         `json:"session_id,omitempty"`
	TaskID           string         `json:"task_id,omitempty"`
	AgentID          string         `json:"agent_id,omitempty"`
	RecordingSession string         `json:"recording_session,omitempty"`
	ReplayStatus     string         `json:"replay_status,omitempty"`
	IOKey            string         `json:"io_key,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event stamped with a fresh ID and the current time.
// Callers that need deterministic timestamps overwrite Timestamp from
// their clock provider.
func NewEvent(eventType EventType, level Level) Event {
	return Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Level:     level,
	}
}
