package stream

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/reel/internal/canon"
)

// Client is the underlying LLM streaming client a wrapper forwards to in
// live mode.
type Client interface {
	// StreamCompletion starts a completion and returns a channel of
	// content chunks. The channel closes when the stream ends.
	StreamCompletion(ctx context.Context, prompt, model string, params map[string]any) (<-chan string, error)
}

// CaptureSink is the recorder surface the wrapper feeds during live
// streaming. Implemented by record.Recorder.
type CaptureSink interface {
	StartStream(agentID, toolName string, inputs map[string]any) (string, error)
	RecordChunk(streamID, content string, metadata map[string]any, isFinal bool) error
	FinishStream(streamID string, totalTokens int) error
}

// Source is the player surface the wrapper reads during replay.
// Implemented by replay.Player.
type Source interface {
	StreamTokens(streamID string) ([]Token, bool)
}

// StreamIdentity derives the lookup identity of an LLM stream from the
// agent and the stable hash of the prompt. Recorder and player must agree
// on this derivation.
func StreamIdentity(fp *canon.Fingerprinter, agentID, prompt string) (string, error) {
	hash, err := fp.HashPrompt(prompt, nil)
	if err != nil {
		return "", fmt.Errorf("stream: hash prompt: %w", err)
	}
	return fmt.Sprintf("llm_stream_%s_%s", agentID, hash[:16]), nil
}

// LLMWrapper hides the record/replay decision from the adapter: in live
// mode it forwards to the client and captures; in replay mode it serves
// the recorded stream or reports a miss.
type LLMWrapper struct {
	client         Client
	recorder       CaptureSink
	player         Source
	fp             *canon.Fingerprinter
	preserveTiming bool
}

// NewLLMWrapper builds a wrapper. recorder may be nil (no capture);
// player non-nil switches the wrapper into replay mode.
func NewLLMWrapper(client Client, recorder CaptureSink, player Source, fp *canon.Fingerprinter, preserveTiming bool) *LLMWrapper {
	return &LLMWrapper{
		client:         client,
		recorder:       recorder,
		player:         player,
		fp:             fp,
		preserveTiming: preserveTiming,
	}
}

// ReplayMode reports whether the wrapper serves from a recording.
func (w *LLMWrapper) ReplayMode() bool {
	return w.player != nil
}

// StreamCompletion streams content chunks for the prompt. In replay mode
// the recorded stream is served; a missing recording is an error rather
// than a silent fallthrough to the live service.
func (w *LLMWrapper) StreamCompletion(ctx context.Context, prompt, model, agentID string, params map[string]any) (<-chan string, error) {
	if w.player != nil {
		return w.replayStream(ctx, prompt, agentID)
	}
	return w.liveStream(ctx, prompt, model, agentID, params)
}

func (w *LLMWrapper) replayStream(ctx context.Context, prompt, agentID string) (<-chan string, error) {
	streamID, err := StreamIdentity(w.fp, agentID, prompt)
	if err != nil {
		return nil, err
	}
	tokens, ok := w.player.StreamTokens(streamID)
	if !ok {
		return nil, fmt.Errorf("stream: no recorded stream for %s", streamID)
	}

	replay := NewReplay(tokens, w.preserveTiming)
	out := make(chan string)
	go func() {
		defer close(out)
		for tok := range replay.Stream(ctx) {
			if tok.IsFinal {
				continue
			}
			select {
			case out <- tok.Content:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (w *LLMWrapper) liveStream(ctx context.Context, prompt, model, agentID string, params map[string]any) (<-chan string, error) {
	inputs := map[string]any{"prompt": prompt, "model": model}
	for k, v := range params {
		inputs[k] = v
	}

	var streamID string
	if w.recorder != nil {
		id, err := w.recorder.StartStream(agentID, "llm_stream", inputs)
		if err != nil {
			return nil, fmt.Errorf("stream: start capture: %w", err)
		}
		streamID = id
	}

	upstream, err := w.client.StreamCompletion(ctx, prompt, model, params)
	if err != nil {
		return nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)
		count := 0
		for chunk := range upstream {
			if w.recorder != nil {
				if err := w.recorder.RecordChunk(streamID, chunk, nil, false); err != nil {
					log.Error().Err(err).Str("stream_id", streamID).Msg("chunk capture failed")
				}
			}
			count++
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if w.recorder != nil {
			if err := w.recorder.RecordChunk(streamID, "", nil, true); err != nil {
				log.Error().Err(err).Str("stream_id", streamID).Msg("final chunk capture failed")
			}
			if err := w.recorder.FinishStream(streamID, count); err != nil {
				log.Error().Err(err).Str("stream_id", streamID).Msg("finish capture failed")
			}
		}
	}()
	return out, nil
}
