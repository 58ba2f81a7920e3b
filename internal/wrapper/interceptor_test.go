package wrapper

import (
	"context"
	"errors"
	"testing"

	"github.com/allaspectsdev/reel/internal/failure"
	"github.com/allaspectsdev/reel/internal/record"
	"github.com/allaspectsdev/reel/internal/replay"
)

func searchCapability(calls *int) Capability {
	return FuncCapability{
		KindName: KindToolCall,
		ToolName: "search",
		InvokeFn: func(ctx context.Context, input any) (map[string]any, error) {
			*calls++
			query := input.(map[string]any)["query"].(string)
			return map[string]any{"results": "results for " + query}, nil
		},
	}
}

func TestInterceptorRecordsThenReplays(t *testing.T) {
	storage := t.TempDir()
	rec, err := record.New(record.Options{OutputDir: storage, AdapterName: "test-adapter"})
	if err != nil {
		t.Fatalf("record.New: %v", err)
	}
	recID, err := rec.Start(context.Background(), "s")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	liveCalls := 0
	live := New(searchCapability(&liveCalls), "agent-1", rec, nil)

	out, err := live.Call(context.Background(), map[string]any{"query": "go testing"})
	if err != nil {
		t.Fatalf("live call: %v", err)
	}
	if out["results"] != "results for go testing" {
		t.Errorf("live output = %v", out)
	}
	// Second call with the same input gets call index 1.
	if _, err := live.Call(context.Background(), map[string]any{"query": "go testing"}); err != nil {
		t.Fatalf("second live call: %v", err)
	}
	if liveCalls != 2 {
		t.Errorf("live invocations = %d, want 2", liveCalls)
	}
	if _, err := rec.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	player, err := replay.NewPlayer(replay.Options{
		StoragePath: storage, Mode: replay.ModeStrict, Failures: failure.NewHandler(),
	})
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	if err := player.Load(context.Background(), recID); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := player.StartReplay(""); err != nil {
		t.Fatalf("StartReplay: %v", err)
	}

	replayCalls := 0
	replayed := New(searchCapability(&replayCalls), "agent-1", nil, player)

	for i := 0; i < 2; i++ {
		out, err := replayed.Call(context.Background(), map[string]any{"query": "go testing"})
		if err != nil {
			t.Fatalf("replay call %d: %v", i, err)
		}
		if out["results"] != "results for go testing" {
			t.Errorf("replay output %d = %v", i, out)
		}
	}
	if replayCalls != 0 {
		t.Errorf("live client invoked %d times during replay", replayCalls)
	}
}

func TestInterceptorStrictMissReturnsTypedError(t *testing.T) {
	storage := t.TempDir()
	rec, err := record.New(record.Options{OutputDir: storage, AdapterName: "test-adapter"})
	if err != nil {
		t.Fatalf("record.New: %v", err)
	}
	recID, err := rec.Start(context.Background(), "s")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := rec.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	player, err := replay.NewPlayer(replay.Options{
		StoragePath: storage, Mode: replay.ModeStrict, Failures: failure.NewHandler(),
	})
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	if err := player.Load(context.Background(), recID); err != nil {
		t.Fatalf("Load: %v", err)
	}

	calls := 0
	i := New(searchCapability(&calls), "agent-1", nil, player)
	_, err = i.Call(context.Background(), map[string]any{"query": "never recorded"})
	if err == nil {
		t.Fatal("expected error on strict miss")
	}
	var typed *failure.Error
	if !errors.As(err, &typed) || typed.Mode != failure.ReplayLookupMismatch {
		t.Errorf("unexpected error: %v", err)
	}
	if calls != 0 {
		t.Error("live client invoked on strict miss")
	}
}

func TestInterceptorWarnMissReturnsNil(t *testing.T) {
	storage := t.TempDir()
	rec, err := record.New(record.Options{OutputDir: storage, AdapterName: "test-adapter"})
	if err != nil {
		t.Fatalf("record.New: %v", err)
	}
	recID, err := rec.Start(context.Background(), "s")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := rec.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	player, err := replay.NewPlayer(replay.Options{
		StoragePath: storage, Mode: replay.ModeWarn, Failures: failure.NewHandler(),
	})
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	if err := player.Load(context.Background(), recID); err != nil {
		t.Fatalf("Load: %v", err)
	}

	calls := 0
	i := New(searchCapability(&calls), "agent-1", nil, player)
	out, err := i.Call(context.Background(), map[string]any{"query": "never recorded"})
	if err != nil {
		t.Fatalf("warn mode returned error: %v", err)
	}
	if out != nil {
		t.Errorf("warn mode output = %v, want nil", out)
	}
}

func TestInterceptorPassThroughWithoutRecorderOrPlayer(t *testing.T) {
	calls := 0
	i := New(searchCapability(&calls), "agent-1", nil, nil)
	out, err := i.Call(context.Background(), map[string]any{"query": "x"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["results"] != "results for x" || calls != 1 {
		t.Errorf("pass-through failed: %v (calls=%d)", out, calls)
	}
}
