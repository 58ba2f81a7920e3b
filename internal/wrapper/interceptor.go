// Package wrapper layers record/replay over an arbitrary call site without
// editing the adapter. The adapter supplies a Capability describing how to
// key the input and how to perform the live call; the interceptor decides
// per mode whether to invoke, capture, or serve from the recording.
package wrapper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/reel/internal/failure"
	"github.com/allaspectsdev/reel/internal/record"
	"github.com/allaspectsdev/reel/internal/replay"
)

// IO edge kinds the interceptor records.
const (
	KindLLMCall      = "llm_call"
	KindToolCall     = "tool_call"
	KindSandboxExec  = "sandbox_exec"
	KindVCSOperation = "vcs_operation"
)

// Capability is what an adapter supplies for one interceptable call site.
type Capability interface {
	// Kind is the IO edge kind, one of the Kind constants.
	Kind() string
	// Tool names the tool, model, or operation being wrapped.
	Tool() string
	// Describe converts the adapter's native input into the payload map
	// that keys the IO edge.
	Describe(input any) (map[string]any, error)
	// Invoke performs the live call.
	Invoke(ctx context.Context, input any) (map[string]any, error)
}

// FuncCapability builds a Capability from plain functions.
type FuncCapability struct {
	KindName   string
	ToolName   string
	DescribeFn func(input any) (map[string]any, error)
	InvokeFn   func(ctx context.Context, input any) (map[string]any, error)
}

// Kind implements Capability.
func (f FuncCapability) Kind() string { return f.KindName }

// Tool implements Capability.
func (f FuncCapability) Tool() string { return f.ToolName }

// Describe implements Capability.
func (f FuncCapability) Describe(input any) (map[string]any, error) {
	if f.DescribeFn == nil {
		m, ok := input.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("wrapper: input is %T, want map[string]any", input)
		}
		return m, nil
	}
	return f.DescribeFn(input)
}

// Invoke implements Capability.
func (f FuncCapability) Invoke(ctx context.Context, input any) (map[string]any, error) {
	if f.InvokeFn == nil {
		return nil, fmt.Errorf("wrapper: no live invocation available")
	}
	return f.InvokeFn(ctx, input)
}

// Interceptor wraps one capability for one agent. In live mode it invokes
// and records; in replay mode it serves recorded outputs under the
// player's mismatch semantics.
type Interceptor struct {
	capability Capability
	agentID    string
	recorder   *record.Recorder
	player     *replay.Player

	mu        sync.Mutex
	callIndex int
}

// New creates an interceptor. A non-nil player selects replay mode;
// otherwise a non-nil recorder captures live calls; with neither the
// interceptor is a transparent pass-through.
func New(capability Capability, agentID string, recorder *record.Recorder, player *replay.Player) *Interceptor {
	return &Interceptor{
		capability: capability,
		agentID:    agentID,
		recorder:   recorder,
		player:     player,
	}
}

// Call runs the wrapped call site. Replay misses follow the player mode:
// strict returns a typed lookup-mismatch error, warn proceeds with a nil
// output, hybrid is resolved inside the player.
func (i *Interceptor) Call(ctx context.Context, input any) (map[string]any, error) {
	desc, err := i.capability.Describe(input)
	if err != nil {
		return nil, fmt.Errorf("wrapper: describe input: %w", err)
	}

	if i.player != nil {
		return i.replayCall(desc)
	}
	return i.liveCall(ctx, input, desc)
}

func (i *Interceptor) replayCall(desc map[string]any) (map[string]any, error) {
	i.mu.Lock()
	index := i.callIndex
	i.callIndex++
	i.mu.Unlock()

	matched, output := i.player.GetRecordedOutput(
		i.capability.Kind(), i.capability.Tool(), desc, index, i.agentID)
	if matched {
		return output, nil
	}

	switch i.player.Mode() {
	case replay.ModeWarn:
		log.Warn().Str("tool", i.capability.Tool()).Int("call_index", index).
			Msg("proceeding with null output after replay miss")
		return nil, nil
	default:
		return nil, failure.NewError(failure.ReplayLookupMismatch,
			fmt.Errorf("wrapper: no recorded output for %s/%s call %d (agent %s)",
				i.capability.Kind(), i.capability.Tool(), index, i.agentID))
	}
}

func (i *Interceptor) liveCall(ctx context.Context, input any, desc map[string]any) (map[string]any, error) {
	start := clockNow(i.recorder)
	output, err := i.capability.Invoke(ctx, input)
	if err != nil {
		return nil, err
	}
	duration := clockNow(i.recorder).Sub(start)

	if i.recorder != nil {
		if _, rerr := i.recorder.RecordEvent(
			i.capability.Kind(), i.agentID, i.capability.Tool(),
			desc, output, duration, nil); rerr != nil {
			log.Error().Err(rerr).Str("tool", i.capability.Tool()).
				Msg("recording failed for live call")
		}
	}
	return output, nil
}

func clockNow(r *record.Recorder) time.Time {
	if r != nil {
		return r.Determinism().Clock().Now()
	}
	return time.Now().UTC()
}
