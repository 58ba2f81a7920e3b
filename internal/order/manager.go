package order

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Clock is the minimal time source the manager needs; satisfied by the
// determinism package's providers.
type Clock interface {
	Now() time.Time
}

// systemClock is the fallback when no clock is supplied.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// PersistFunc writes one event to durable storage. It is invoked by the
// writer goroutine only, in strict step order.
type PersistFunc func(*Event) error

// Callback is invoked by the writer after an event has been persisted.
type Callback func(*Event)

type queued struct {
	event    *Event
	callback Callback
}

// DefaultQueueSize bounds the write queue. Producers block when it fills;
// there is no silent drop.
const DefaultQueueSize = 1024

// Manager assigns ordering to events and serialises their persistence
// through one writer goroutine.
type Manager struct {
	mu          sync.Mutex
	step        int64
	callIndexes map[string]map[string]int
	parentStack []int64
	clock       Clock

	queue    chan queued
	writerWG sync.WaitGroup
	started  bool
	stopped  bool
}

// NewManager creates a manager with the given queue bound. A queueSize of
// zero or less uses DefaultQueueSize.
func NewManager(queueSize int) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		callIndexes: make(map[string]map[string]int),
		clock:       systemClock{},
		queue:       make(chan queued, queueSize),
	}
}

// SetClock replaces the timestamp source. Call before the first event.
func (m *Manager) SetClock(c Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = c
}

// CreateEvent stamps a new event with the next global step, the current
// call index for (agentID, toolName), the top of the parent stack, and a
// timestamp from the active clock. The event is not yet persisted.
func (m *Manager) CreateEvent(eventType, agentID, toolName string, data map[string]any) *Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.step++
	tools, ok := m.callIndexes[agentID]
	if !ok {
		tools = make(map[string]int)
		m.callIndexes[agentID] = tools
	}
	callIndex := tools[toolName]
	tools[toolName] = callIndex + 1

	var parent *int64
	if n := len(m.parentStack); n > 0 {
		p := m.parentStack[n-1]
		parent = &p
	}

	return &Event{
		EventID:    newEventID(),
		Step:       m.step,
		ParentStep: parent,
		AgentID:    agentID,
		ToolName:   toolName,
		CallIndex:  callIndex,
		Timestamp:  m.clock.Now(),
		EventType:  eventType,
		Data:       data,
	}
}

// PushParent records step as the active parent for subsequently created
// events. Pair with PopParent; the EnterStep helper does both.
func (m *Manager) PushParent(step int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parentStack = append(m.parentStack, step)
}

// PopParent removes the most recent parent step. Returns false when the
// stack is empty.
func (m *Manager) PopParent() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.parentStack)
	if n == 0 {
		return 0, false
	}
	step := m.parentStack[n-1]
	m.parentStack = m.parentStack[:n-1]
	return step, true
}

// EnterStep pushes step as the active parent and returns the function that
// pops it:
//
//	defer m.EnterStep(ev.Step)()
func (m *Manager) EnterStep(step int64) func() {
	m.PushParent(step)
	return func() { m.PopParent() }
}

// CallIndex returns the next call index that would be assigned for the
// (agentID, toolName) pair.
func (m *Manager) CallIndex(agentID, toolName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callIndexes[agentID][toolName]
}

// StartWriter launches the single writer goroutine. persist is called for
// every dequeued event in FIFO order; callbacks run after persistence.
func (m *Manager) StartWriter(persist PersistFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("order: writer already started")
	}
	if m.stopped {
		// A previous session closed the queue; a fresh one backs the new
		// writer.
		m.queue = make(chan queued, cap(m.queue))
	}
	m.started = true
	m.stopped = false

	m.writerWG.Add(1)
	go func() {
		defer m.writerWG.Done()
		for item := range m.queue {
			if err := persist(item.event); err != nil {
				log.Error().Err(err).
					Int64("step", item.event.Step).
					Str("event_type", item.event.EventType).
					Msg("event writer: persist failed")
			}
			if item.callback != nil {
				item.callback(item.event)
			}
		}
	}()
	return nil
}

// Enqueue hands an event to the writer. Blocks when the queue is full;
// returns an error after StopWriter.
func (m *Manager) Enqueue(ev *Event, cb Callback) (err error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("order: writer stopped")
	}
	queue := m.queue
	m.mu.Unlock()

	// StopWriter may close the queue between the check above and the
	// send; surface that shutdown race as an error, not a panic.
	defer func() {
		if recover() != nil {
			err = fmt.Errorf("order: writer stopped")
		}
	}()
	queue <- queued{event: ev, callback: cb}
	return nil
}

// StopWriter closes the queue and waits up to timeout for the writer to
// drain. Remaining items are still written; on timeout it logs and returns
// without waiting further.
func (m *Manager) StopWriter(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.started = false
	close(m.queue)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.writerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("event writer: drain timed out")
		return fmt.Errorf("order: writer drain timed out after %s", timeout)
	}
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	GlobalStep   int64
	ActiveAgents int
	QueueDepth   int
}

// Snapshot returns current counter values.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		GlobalStep:   m.step,
		ActiveAgents: len(m.callIndexes),
		QueueDepth:   len(m.queue),
	}
}

// ResetAgent clears the call-index counters for one agent.
func (m *Manager) ResetAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callIndexes, agentID)
}

// Reset clears every counter and the parent stack. Tests call this between
// recordings; a live manager must be stopped first.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.step = 0
	m.callIndexes = make(map[string]map[string]int)
	m.parentStack = nil
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns the process-wide manager, creating it on first use.
// Recorders construct their own managers; the default serves hosts that
// share one ordering domain across adapters.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager(0)
	}
	return defaultManager
}

// ResetDefault discards the process-wide manager. For tests.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultManager = nil
}
