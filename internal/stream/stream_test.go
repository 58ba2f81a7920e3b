package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allaspectsdev/reel/internal/canon"
)

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time {
	c.t = c.t.Add(10 * time.Millisecond)
	return c.t
}

func capturedTokens(t *testing.T, contents ...string) []Token {
	t.Helper()
	c := NewCapture("stream-1", &fixedClock{t: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)})
	for _, content := range contents {
		if _, err := c.Add(content, nil, false); err != nil {
			t.Fatalf("add %q: %v", content, err)
		}
	}
	if _, err := c.Add("", nil, true); err != nil {
		t.Fatalf("add final: %v", err)
	}
	return c.Tokens()
}

func TestCaptureAssignsMonotonicIndices(t *testing.T) {
	tokens := capturedTokens(t, "Once", " upon", " a", " time")
	require.Len(t, tokens, 5)
	for i, tok := range tokens {
		assert.Equal(t, i, tok.Index)
	}
	assert.True(t, tokens[4].IsFinal)
	require.NoError(t, Validate(tokens))
}

func TestCaptureRejectsAppendAfterFinal(t *testing.T) {
	c := NewCapture("s", nil)
	_, err := c.Add("", nil, true)
	require.NoError(t, err)
	_, err = c.Add("late", nil, false)
	assert.Error(t, err)
}

func TestValidateDetectsMalformedStreams(t *testing.T) {
	base := capturedTokens(t, "a", "b")

	gap := append([]Token{}, base...)
	gap[1].Index = 5
	assert.Error(t, Validate(gap), "index gap")

	noFinal := base[:2]
	assert.Error(t, Validate(noFinal), "missing final token")

	midFinal := append([]Token{}, base...)
	midFinal[0].IsFinal = true
	assert.Error(t, Validate(midFinal), "final token not last")
}

func TestReplayYieldsRecordedOrder(t *testing.T) {
	tokens := capturedTokens(t, "Once", " upon", " a", " time")
	r := NewReplay(tokens, false)

	got := r.Contents()
	assert.Equal(t, []string{"Once", " upon", " a", " time"}, got)
	assert.Equal(t, "Once upon a time", MergeContent(tokens))
}

func TestReplayNextIterator(t *testing.T) {
	tokens := capturedTokens(t, "x", "y")
	r := NewReplay(tokens, false)

	var contents []string
	for {
		tok, ok, err := r.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		if !tok.IsFinal {
			contents = append(contents, tok.Content)
		}
	}
	assert.Equal(t, []string{"x", "y"}, contents)
}

type countingSleeper struct {
	calls  int
	totals time.Duration
}

func (s *countingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.calls++
	s.totals += d
	return nil
}

func TestReplayPreserveTimingUsesCappedDelays(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tokens := []Token{
		{StreamID: "s", Index: 0, Content: "a", Timestamp: now},
		{StreamID: "s", Index: 1, Content: "b", Timestamp: now.Add(20 * time.Millisecond)},
		// Recorded gap of five seconds must be capped at one.
		{StreamID: "s", Index: 2, Content: "c", Timestamp: now.Add(5 * time.Second)},
		{StreamID: "s", Index: 3, IsFinal: true, Timestamp: now.Add(5*time.Second + time.Millisecond)},
	}

	r := NewReplay(tokens, true)
	sleeper := &countingSleeper{}
	r.SetSleeper(sleeper)

	for {
		_, ok, err := r.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
	}

	assert.Equal(t, 3, sleeper.calls)
	assert.Equal(t, 20*time.Millisecond+MaxInterTokenDelay+time.Millisecond, sleeper.totals)
}

func TestReplayStreamChannelCancellation(t *testing.T) {
	tokens := capturedTokens(t, "a", "b", "c")
	r := NewReplay(tokens, false)

	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Stream(ctx)

	<-ch
	cancel()

	// The channel must close shortly after cancellation.
	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("stream channel did not close after cancellation")
		}
	}
}

func TestReplaySortsOutOfOrderTokens(t *testing.T) {
	tokens := capturedTokens(t, "a", "b")
	shuffled := []Token{tokens[2], tokens[0], tokens[1]}
	r := NewReplay(shuffled, false)
	assert.Equal(t, []string{"a", "b"}, r.Contents())
}

func TestAnalyzeTiming(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tokens := []Token{
		{Index: 0, Timestamp: now},
		{Index: 1, Timestamp: now.Add(100 * time.Millisecond)},
		{Index: 2, Timestamp: now.Add(400 * time.Millisecond)},
	}

	a := AnalyzeTiming(tokens)
	assert.Equal(t, 3, a.TotalTokens)
	assert.InDelta(t, 0.4, a.TotalDuration, 1e-9)
	assert.InDelta(t, 0.2, a.AverageDelay, 1e-9)
	assert.InDelta(t, 0.1, a.MinDelay, 1e-9)
	assert.InDelta(t, 0.3, a.MaxDelay, 1e-9)
	assert.InDelta(t, 7.5, a.TokensPerSecond, 1e-9)
}

func TestSplitContentPreservesWords(t *testing.T) {
	chunks := SplitContent("the quick brown fox jumps", 10, true)
	var rebuilt string
	for _, c := range chunks {
		rebuilt += c
	}
	assert.Equal(t, "the quick brown fox jumps", rebuilt)
	for _, c := range chunks[:len(chunks)-1] {
		assert.LessOrEqual(t, len(c), 10)
	}
}

func TestStreamIdentityStable(t *testing.T) {
	fp, err := canon.NewFingerprinter(canon.AlgorithmBlake3)
	require.NoError(t, err)

	a, err := StreamIdentity(fp, "agent-1", "hello    world")
	require.NoError(t, err)
	b, err := StreamIdentity(fp, "agent-1", "hello world")
	require.NoError(t, err)
	assert.Equal(t, a, b, "whitespace-normalised prompts share identity")

	c, err := StreamIdentity(fp, "agent-2", "hello world")
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "different agents have distinct identities")
}

type scriptedClient struct {
	chunks []string
}

func (c *scriptedClient) StreamCompletion(ctx context.Context, prompt, model string, params map[string]any) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for _, chunk := range c.chunks {
			out <- chunk
		}
	}()
	return out, nil
}

type memorySink struct {
	captures map[string]*Capture
	finished map[string]int
}

func newMemorySink() *memorySink {
	return &memorySink{captures: make(map[string]*Capture), finished: make(map[string]int)}
}

func (s *memorySink) StartStream(agentID, toolName string, inputs map[string]any) (string, error) {
	id := "stream_" + agentID
	s.captures[id] = NewCapture(id, nil)
	return id, nil
}

func (s *memorySink) RecordChunk(streamID, content string, metadata map[string]any, isFinal bool) error {
	_, err := s.captures[streamID].Add(content, metadata, isFinal)
	return err
}

func (s *memorySink) FinishStream(streamID string, totalTokens int) error {
	s.finished[streamID] = totalTokens
	return nil
}

func (s *memorySink) StreamTokens(streamID string) ([]Token, bool) {
	c, ok := s.captures[streamID]
	if !ok {
		return nil, false
	}
	return c.Tokens(), true
}

func TestLLMWrapperLiveCapture(t *testing.T) {
	fp, err := canon.NewFingerprinter(canon.AlgorithmBlake3)
	require.NoError(t, err)

	sink := newMemorySink()
	client := &scriptedClient{chunks: []string{"Once", " upon", " a", " time"}}
	w := NewLLMWrapper(client, sink, nil, fp, false)

	ch, err := w.StreamCompletion(context.Background(), "tell me a story", "gpt-4", "agent-1", nil)
	require.NoError(t, err)

	var got []string
	for chunk := range ch {
		got = append(got, chunk)
	}
	assert.Equal(t, []string{"Once", " upon", " a", " time"}, got)

	tokens, ok := sink.StreamTokens("stream_agent-1")
	require.True(t, ok)
	require.NoError(t, Validate(tokens))
	assert.Equal(t, 4, sink.finished["stream_agent-1"])
}

type identitySource struct {
	fp     *canon.Fingerprinter
	tokens []Token
	prompt string
	agent  string
}

func (s *identitySource) StreamTokens(streamID string) ([]Token, bool) {
	want, err := StreamIdentity(s.fp, s.agent, s.prompt)
	if err != nil || streamID != want {
		return nil, false
	}
	return s.tokens, true
}

func TestLLMWrapperReplayServesRecording(t *testing.T) {
	fp, err := canon.NewFingerprinter(canon.AlgorithmBlake3)
	require.NoError(t, err)

	tokens := capturedTokens(t, "Once", " upon", " a", " time")
	source := &identitySource{fp: fp, tokens: tokens, prompt: "tell me a story", agent: "agent-1"}
	w := NewLLMWrapper(nil, nil, source, fp, false)
	require.True(t, w.ReplayMode())

	ch, err := w.StreamCompletion(context.Background(), "tell me a story", "gpt-4", "agent-1", nil)
	require.NoError(t, err)

	var rebuilt string
	for chunk := range ch {
		rebuilt += chunk
	}
	assert.Equal(t, "Once upon a time", rebuilt)

	// An unknown prompt is a miss, not a silent live call.
	_, err = w.StreamCompletion(context.Background(), "different prompt", "gpt-4", "agent-1", nil)
	assert.Error(t, err)
}
