package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/allaspectsdev/reel/internal/record"
)

// FixtureRecording records a small session with three llm calls and one
// token stream and returns the storage path and recording id. Tests that
// need a realistic on-disk recording start here.
func FixtureRecording(t *testing.T) (storage, recordingID string) {
	t.Helper()
	storage = t.TempDir()

	r, err := record.New(record.Options{
		OutputDir:   storage,
		AdapterName: "fixture-adapter",
		Seeds:       []int64{1},
	})
	if err != nil {
		t.Fatalf("fixture recorder: %v", err)
	}

	recordingID, err = r.Start(context.Background(), "fixture-session")
	if err != nil {
		t.Fatalf("fixture start: %v", err)
	}

	calls := []struct{ prompt, response string }{
		{"p1", "r1"},
		{"p2", "r2"},
		{"p1", "r3"},
	}
	for _, c := range calls {
		if _, err := r.RecordEvent("llm_call", "agent-1", "openai",
			map[string]any{"prompt": c.prompt},
			map[string]any{"response": c.response},
			10*time.Millisecond, nil); err != nil {
			t.Fatalf("fixture event: %v", err)
		}
	}

	streamID, err := r.StartStream("agent-1", "llm_stream", map[string]any{"prompt": "story"})
	if err != nil {
		t.Fatalf("fixture stream: %v", err)
	}
	for _, chunk := range []string{"Once", " upon", " a", " time"} {
		if err := r.RecordChunk(streamID, chunk, nil, false); err != nil {
			t.Fatalf("fixture chunk: %v", err)
		}
	}
	if err := r.RecordChunk(streamID, "", nil, true); err != nil {
		t.Fatalf("fixture final chunk: %v", err)
	}
	if err := r.FinishStream(streamID, 4); err != nil {
		t.Fatalf("fixture finish stream: %v", err)
	}

	if _, err := r.Stop(context.Background()); err != nil {
		t.Fatalf("fixture stop: %v", err)
	}
	return storage, recordingID
}
