package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// Clock is the minimal time source a capture needs.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Capture accumulates the tokens of one live stream. A token with
// IsFinal=true closes the capture to further appends.
type Capture struct {
	mu       sync.Mutex
	streamID string
	clock    Clock
	tokens   []Token
	start    time.Time
	end      time.Time
	complete bool
}

// NewCapture starts an empty capture for streamID. A nil clock uses the
// system clock.
func NewCapture(streamID string, clock Clock) *Capture {
	if clock == nil {
		clock = systemClock{}
	}
	return &Capture{
		streamID: streamID,
		clock:    clock,
		start:    clock.Now(),
	}
}

// StreamID returns the capture's stream identity.
func (c *Capture) StreamID() string {
	return c.streamID
}

// Add appends a token with the next index and the current timestamp.
// Fails once the stream has been closed by a final token.
func (c *Capture) Add(content string, metadata map[string]any, isFinal bool) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.complete {
		return Token{}, fmt.Errorf("stream: %s already closed by final token", c.streamID)
	}

	index := len(c.tokens)
	tok := Token{
		ChunkID:   fmt.Sprintf("%s_chunk_%04d", c.streamID, index),
		StreamID:  c.streamID,
		Index:     index,
		Content:   content,
		Timestamp: c.clock.Now(),
		Metadata:  metadata,
		IsFinal:   isFinal,
	}
	c.tokens = append(c.tokens, tok)

	if isFinal {
		c.complete = true
		c.end = tok.Timestamp
	}
	return tok, nil
}

// Tokens returns a copy of the captured tokens.
func (c *Capture) Tokens() []Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Token, len(c.tokens))
	copy(out, c.tokens)
	return out
}

// FullContent concatenates every non-final token captured so far.
func (c *Capture) FullContent() string {
	return MergeContent(c.Tokens())
}

// Complete reports whether a final token has closed the capture.
func (c *Capture) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Summary describes a finished (or abandoned) capture for the stream's
// summary event.
type Summary struct {
	StreamID    string  `json:"stream_id"`
	TotalChunks int     `json:"total_chunks"`
	TotalTokens int     `json:"total_tokens"`
	StartTime   string  `json:"start_time"`
	EndTime     string  `json:"end_time,omitempty"`
	DurationMS  float64 `json:"duration_ms,omitempty"`
	Complete    bool    `json:"complete"`
}

// Summarize builds the summary. totalTokens < 0 asks for a model-tokenizer
// count of the merged content, falling back to the chunk count when the
// tokenizer is unavailable.
func (c *Capture) Summarize(totalTokens int) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		StreamID:    c.streamID,
		TotalChunks: len(c.tokens),
		StartTime:   c.start.Format(time.RFC3339Nano),
		Complete:    c.complete,
	}
	if c.complete {
		s.EndTime = c.end.Format(time.RFC3339Nano)
		s.DurationMS = float64(c.end.Sub(c.start)) / float64(time.Millisecond)
	}

	if totalTokens >= 0 {
		s.TotalTokens = totalTokens
	} else {
		s.TotalTokens = CountTokens(MergeContent(c.tokens))
	}
	return s
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens counts model tokens in content with the cl100k_base
// encoding. When the encoding cannot be loaded (offline hosts), it falls
// back to a whitespace-free length heuristic of one token per four bytes.
func CountTokens(content string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return (len(content) + 3) / 4
	}
	return len(encoding.Encode(content, nil, nil))
}
