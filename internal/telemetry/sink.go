package telemetry

import (
	"sync"

	"github.com/rs/zerolog"
)

// Sink accepts telemetry events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Emit(Event)
}

// Emit forwards an event to a possibly-nil sink.
func Emit(s Sink, e Event) {
	if s != nil {
		s.Emit(e)
	}
}

// ZerologSink writes each event as one structured log line.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink wraps a zerolog logger.
func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger}
}

// Emit logs the event at its declared level.
func (s *ZerologSink) Emit(e Event) {
	var ev *zerolog.Event
	switch e.Level {
	case LevelDebug:
		ev = s.logger.Debug()
	case LevelWarn:
		ev = s.logger.Warn()
	case LevelError:
		ev = s.logger.Error()
	default:
		ev = s.logger.Info()
	}

	ev = ev.
		Str("event_id", e.EventID).
		Time("event_time", e.Timestamp).
		Str("event_type", string(e.EventType))
	if e.SessionID != "" {
		ev = ev.Str("session_id", e.SessionID)
	}
	if e.TaskID != "" {
		ev = ev.Str("task_id", e.TaskID)
	}
	if e.AgentID != "" {
		ev = ev.Str("agent_id", e.AgentID)
	}
	if e.RecordingSession != "" {
		ev = ev.Str("recording_session", e.RecordingSession)
	}
	if e.ReplayStatus != "" {
		ev = ev.Str("replay_status", e.ReplayStatus)
	}
	if e.IOKey != "" {
		ev = ev.Str("io_key", e.IOKey)
	}
	if len(e.Data) > 0 {
		ev = ev.Interface("data", e.Data)
	}
	ev.Msg(string(e.EventType))
}

// CollectorSink retains every emitted event in memory. For tests.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

// NewCollectorSink creates an empty collector.
func NewCollectorSink() *CollectorSink {
	return &CollectorSink{}
}

// Emit appends the event.
func (s *CollectorSink) Emit(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

// Events returns a copy of everything emitted so far.
func (s *CollectorSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns the emitted events with the given type.
func (s *CollectorSink) ByType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}
