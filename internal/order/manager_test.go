package order

import (
	"sync"
	"testing"
	"time"
)

func TestCreateEventAssignsMonotonicSteps(t *testing.T) {
	m := NewManager(0)
	var prev int64
	for i := 0; i < 100; i++ {
		ev := m.CreateEvent("tool.call", "agent-1", "search", nil)
		if ev.Step <= prev {
			t.Fatalf("step %d not greater than previous %d", ev.Step, prev)
		}
		prev = ev.Step
	}
}

func TestCallIndexPerAgentTool(t *testing.T) {
	m := NewManager(0)

	for want := 0; want < 3; want++ {
		ev := m.CreateEvent("llm.call.started", "agent-1", "openai", nil)
		if ev.CallIndex != want {
			t.Errorf("agent-1/openai call %d: got index %d", want, ev.CallIndex)
		}
	}

	// A different tool on the same agent starts back at zero.
	if ev := m.CreateEvent("tool.call", "agent-1", "search", nil); ev.CallIndex != 0 {
		t.Errorf("agent-1/search: got index %d, want 0", ev.CallIndex)
	}

	// A different agent on the same tool starts back at zero.
	if ev := m.CreateEvent("llm.call.started", "agent-2", "openai", nil); ev.CallIndex != 0 {
		t.Errorf("agent-2/openai: got index %d, want 0", ev.CallIndex)
	}
}

func TestParentStepTracking(t *testing.T) {
	m := NewManager(0)

	root := m.CreateEvent("task.start", "agent-1", "", nil)
	if root.ParentStep != nil {
		t.Errorf("root event has parent %d", *root.ParentStep)
	}

	leave := m.EnterStep(root.Step)
	child := m.CreateEvent("tool.call", "agent-1", "search", nil)
	if child.ParentStep == nil || *child.ParentStep != root.Step {
		t.Errorf("child parent = %v, want %d", child.ParentStep, root.Step)
	}
	if child.ParentStep != nil && *child.ParentStep >= child.Step {
		t.Error("parent_step must be less than step")
	}
	leave()

	after := m.CreateEvent("task.end", "agent-1", "", nil)
	if after.ParentStep != nil {
		t.Errorf("event after scope exit has parent %d", *after.ParentStep)
	}
}

func TestConcurrentCreateEventUniqueSteps(t *testing.T) {
	m := NewManager(0)
	const agents = 8
	const perAgent = 200

	var wg sync.WaitGroup
	steps := make(chan int64, agents*perAgent)
	for a := 0; a < agents; a++ {
		wg.Add(1)
		go func(agent int) {
			defer wg.Done()
			for i := 0; i < perAgent; i++ {
				ev := m.CreateEvent("tool.call", "agent", "tool", nil)
				steps <- ev.Step
			}
		}(a)
	}
	wg.Wait()
	close(steps)

	seen := make(map[int64]bool, agents*perAgent)
	for s := range steps {
		if seen[s] {
			t.Fatalf("duplicate step %d", s)
		}
		seen[s] = true
	}
	if len(seen) != agents*perAgent {
		t.Errorf("got %d unique steps, want %d", len(seen), agents*perAgent)
	}
}

func TestWriterPreservesFIFOOrder(t *testing.T) {
	m := NewManager(16)

	var mu sync.Mutex
	var persisted []int64
	err := m.StartWriter(func(ev *Event) error {
		mu.Lock()
		persisted = append(persisted, ev.Step)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("StartWriter: %v", err)
	}

	for i := 0; i < 50; i++ {
		ev := m.CreateEvent("tool.call", "agent-1", "tool", nil)
		if err := m.Enqueue(ev, nil); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := m.StopWriter(5 * time.Second); err != nil {
		t.Fatalf("StopWriter: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(persisted) != 50 {
		t.Fatalf("persisted %d events, want 50", len(persisted))
	}
	for i := 1; i < len(persisted); i++ {
		if persisted[i] <= persisted[i-1] {
			t.Fatalf("disk order violates step order at %d: %d after %d",
				i, persisted[i], persisted[i-1])
		}
	}
}

func TestWriterCallbackRunsAfterPersist(t *testing.T) {
	m := NewManager(4)

	persisted := make(map[string]bool)
	var mu sync.Mutex
	if err := m.StartWriter(func(ev *Event) error {
		mu.Lock()
		persisted[ev.EventID] = true
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("StartWriter: %v", err)
	}

	done := make(chan struct{})
	ev := m.CreateEvent("tool.call", "a", "t", nil)
	if err := m.Enqueue(ev, func(e *Event) {
		mu.Lock()
		ok := persisted[e.EventID]
		mu.Unlock()
		if !ok {
			t.Error("callback ran before persistence")
		}
		close(done)
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
	if err := m.StopWriter(time.Second); err != nil {
		t.Fatalf("StopWriter: %v", err)
	}
}

func TestEnqueueAfterStopFails(t *testing.T) {
	m := NewManager(1)
	if err := m.StartWriter(func(*Event) error { return nil }); err != nil {
		t.Fatalf("StartWriter: %v", err)
	}
	if err := m.StopWriter(time.Second); err != nil {
		t.Fatalf("StopWriter: %v", err)
	}
	if err := m.Enqueue(m.CreateEvent("x", "a", "", nil), nil); err == nil {
		t.Error("expected error enqueueing after stop")
	}
}

func TestResetClearsCounters(t *testing.T) {
	m := NewManager(0)
	m.CreateEvent("tool.call", "agent-1", "search", nil)
	m.Reset()

	ev := m.CreateEvent("tool.call", "agent-1", "search", nil)
	if ev.Step != 1 || ev.CallIndex != 0 {
		t.Errorf("after reset: step=%d callIndex=%d, want 1/0", ev.Step, ev.CallIndex)
	}
}
