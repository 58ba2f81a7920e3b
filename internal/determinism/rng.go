package determinism

import (
	"crypto/rand"
	"fmt"
	mathrand "math/rand"
	"sync"

	"github.com/google/uuid"
)

// RNG abstracts the randomness source used by the engine. Replay
// implementations return typed errors on exhaustion or parameter mismatch;
// live implementations never fail.
type RNG interface {
	// Seed re-seeds the generator. A no-op in replay mode.
	Seed(seed int64)
	// Float01 returns a value in [0, 1).
	Float01() (float64, error)
	// IntRange returns a value in [lo, hi] inclusive.
	IntRange(lo, hi int64) (int64, error)
	// Choice returns one element of seq.
	Choice(seq []string) (string, error)
	// UUID returns a random version-4 UUID string.
	UUID() (string, error)
}

// ExhaustionError reports a replay RNG or clock asked for more values than
// were recorded.
type ExhaustionError struct {
	Kind  string
	Index int
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("determinism: no more recorded %s values (requested index %d)", e.Kind, e.Index)
}

// ParamMismatchError reports a replay draw invoked with different parameters
// than the recorded call at the same sequence position.
type ParamMismatchError struct {
	Kind     string
	Index    int
	Recorded string
	Actual   string
}

func (e *ParamMismatchError) Error() string {
	return fmt.Sprintf("determinism: %s parameter mismatch at index %d: recorded %s, got %s",
		e.Kind, e.Index, e.Recorded, e.Actual)
}

// IntDraw is one recorded IntRange call.
type IntDraw struct {
	Lo    int64 `json:"lo" yaml:"lo"`
	Hi    int64 `json:"hi" yaml:"hi"`
	Value int64 `json:"value" yaml:"value"`
}

// RNGLog holds every value handed out by a recording RNG, keyed by kind.
// It is attached to the manifest and drives the replay RNG.
type RNGLog struct {
	Float01  []float64 `json:"float01,omitempty" yaml:"float01,omitempty"`
	IntRange []IntDraw `json:"int_range,omitempty" yaml:"int_range,omitempty"`
	Choice   []string  `json:"choice,omitempty" yaml:"choice,omitempty"`
	UUID     []string  `json:"uuid,omitempty" yaml:"uuid,omitempty"`
}

// SystemRNG is the live randomness source. With a seed it is a
// deterministic PRNG; without one it draws from crypto/rand-seeded state.
type SystemRNG struct {
	mu  sync.Mutex
	rng *mathrand.Rand
}

// NewSystemRNG creates a live RNG. seed may be nil for entropy seeding.
func NewSystemRNG(seed *int64) *SystemRNG {
	s := entropySeed()
	if seed != nil {
		s = *seed
	}
	return &SystemRNG{rng: mathrand.New(mathrand.NewSource(s))}
}

func entropySeed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand is documented never to fail on supported platforms;
		// fall back to a fixed seed rather than panic.
		return 1
	}
	var s int64
	for _, x := range b {
		s = s<<8 | int64(x)
	}
	return s
}

// Seed re-seeds the generator.
func (r *SystemRNG) Seed(seed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng = mathrand.New(mathrand.NewSource(seed))
}

// Float01 returns a value in [0, 1).
func (r *SystemRNG) Float01() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64(), nil
}

// IntRange returns a value in [lo, hi] inclusive.
func (r *SystemRNG) IntRange(lo, hi int64) (int64, error) {
	if hi < lo {
		return 0, fmt.Errorf("determinism: int range [%d, %d] is empty", lo, hi)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo + r.rng.Int63n(hi-lo+1), nil
}

// Choice returns one element of seq.
func (r *SystemRNG) Choice(seq []string) (string, error) {
	if len(seq) == 0 {
		return "", fmt.Errorf("determinism: choice from empty sequence")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return seq[r.rng.Intn(len(seq))], nil
}

// UUID returns a version-4 UUID drawn from this generator, so seeded runs
// produce a reproducible UUID sequence.
func (r *SystemRNG) UUID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := uuid.NewRandomFromReader(rngReader{r.rng})
	if err != nil {
		return "", fmt.Errorf("determinism: uuid: %w", err)
	}
	return id.String(), nil
}

// rngReader adapts a math/rand source to io.Reader for uuid generation.
type rngReader struct {
	rng *mathrand.Rand
}

func (r rngReader) Read(p []byte) (int, error) {
	return r.rng.Read(p)
}

// RecordingRNG wraps a live RNG and appends every draw to a log.
type RecordingRNG struct {
	mu     sync.Mutex
	system *SystemRNG
	log    RNGLog
}

// NewRecordingRNG creates a recording RNG. seed may be nil.
func NewRecordingRNG(seed *int64) *RecordingRNG {
	return &RecordingRNG{system: NewSystemRNG(seed)}
}

// Seed re-seeds the underlying generator.
func (r *RecordingRNG) Seed(seed int64) {
	r.system.Seed(seed)
}

// Float01 draws and records a value.
func (r *RecordingRNG) Float01() (float64, error) {
	v, err := r.system.Float01()
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.log.Float01 = append(r.log.Float01, v)
	r.mu.Unlock()
	return v, nil
}

// IntRange draws and records a value with its parameters.
func (r *RecordingRNG) IntRange(lo, hi int64) (int64, error) {
	v, err := r.system.IntRange(lo, hi)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.log.IntRange = append(r.log.IntRange, IntDraw{Lo: lo, Hi: hi, Value: v})
	r.mu.Unlock()
	return v, nil
}

// Choice draws and records a value.
func (r *RecordingRNG) Choice(seq []string) (string, error) {
	v, err := r.system.Choice(seq)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.log.Choice = append(r.log.Choice, v)
	r.mu.Unlock()
	return v, nil
}

// UUID draws and records a value.
func (r *RecordingRNG) UUID() (string, error) {
	v, err := r.system.UUID()
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.log.UUID = append(r.log.UUID, v)
	r.mu.Unlock()
	return v, nil
}

// Log returns a copy of everything recorded so far.
func (r *RecordingRNG) Log() RNGLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := RNGLog{
		Float01:  append([]float64(nil), r.log.Float01...),
		IntRange: append([]IntDraw(nil), r.log.IntRange...),
		Choice:   append([]string(nil), r.log.Choice...),
		UUID:     append([]string(nil), r.log.UUID...),
	}
	return out
}

// ReplayRNG serves previously recorded values in order, verifying that each
// draw is requested with the parameters it was recorded with.
type ReplayRNG struct {
	mu      sync.Mutex
	log     RNGLog
	float01 int
	intIdx  int
	choice  int
	uuidIdx int
}

// NewReplayRNG creates a replay RNG over a recorded log.
func NewReplayRNG(log RNGLog) *ReplayRNG {
	return &ReplayRNG{log: log}
}

// Seed is a no-op in replay mode.
func (r *ReplayRNG) Seed(int64) {}

// Float01 replays the next recorded value.
func (r *ReplayRNG) Float01() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.float01 >= len(r.log.Float01) {
		return 0, &ExhaustionError{Kind: "float01", Index: r.float01}
	}
	v := r.log.Float01[r.float01]
	r.float01++
	return v, nil
}

// IntRange replays the next recorded value after verifying (lo, hi) match
// the recorded call.
func (r *ReplayRNG) IntRange(lo, hi int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.intIdx >= len(r.log.IntRange) {
		return 0, &ExhaustionError{Kind: "int_range", Index: r.intIdx}
	}
	draw := r.log.IntRange[r.intIdx]
	if draw.Lo != lo || draw.Hi != hi {
		return 0, &ParamMismatchError{
			Kind:     "int_range",
			Index:    r.intIdx,
			Recorded: fmt.Sprintf("(%d, %d)", draw.Lo, draw.Hi),
			Actual:   fmt.Sprintf("(%d, %d)", lo, hi),
		}
	}
	r.intIdx++
	return draw.Value, nil
}

// Choice replays the next recorded value after verifying it is a member of
// the provided sequence.
func (r *ReplayRNG) Choice(seq []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.choice >= len(r.log.Choice) {
		return "", &ExhaustionError{Kind: "choice", Index: r.choice}
	}
	v := r.log.Choice[r.choice]
	found := false
	for _, s := range seq {
		if s == v {
			found = true
			break
		}
	}
	if !found {
		return "", &ParamMismatchError{
			Kind:     "choice",
			Index:    r.choice,
			Recorded: v,
			Actual:   fmt.Sprintf("sequence of %d entries not containing it", len(seq)),
		}
	}
	r.choice++
	return v, nil
}

// UUID replays the next recorded value.
func (r *ReplayRNG) UUID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uuidIdx >= len(r.log.UUID) {
		return "", &ExhaustionError{Kind: "uuid", Index: r.uuidIdx}
	}
	v := r.log.UUID[r.uuidIdx]
	r.uuidIdx++
	return v, nil
}
