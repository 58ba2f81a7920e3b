package failure

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/reel/internal/telemetry"
)

// Context carries what a recovery strategy needs to act on a failure.
type Context struct {
	// RecordingDir is the recording directory, for repair strategies.
	RecordingDir string
	// Retry re-runs the failed operation, for RetryWithBackoff. When nil
	// the handler degrades to FallbackGraceful.
	Retry func() error
	// MaxRetries bounds retry attempts; zero means the default of 3.
	MaxRetries int
	// BaseDelay is the initial backoff interval; zero means 1s.
	BaseDelay time.Duration
	// Detail is attached to the failure history and telemetry.
	Detail map[string]any
}

// Record is one entry of the append-only failure history.
type Record struct {
	Mode               Mode
	Error              string
	Timestamp          time.Time
	Strategy           Strategy
	RecoveryAttempted  bool
	RecoverySuccessful bool
	Detail             map[string]any
}

// Outcome reports how a failure was resolved.
type Outcome struct {
	Strategy  Strategy
	Recovered bool
}

// Callback observes failures of a specific mode.
type Callback func(Record)

// Handler applies per-mode recovery strategies and records every failure.
type Handler struct {
	mu         sync.Mutex
	strategies map[Mode]Strategy
	history    []Record
	callbacks  map[Mode][]Callback
	sink       telemetry.Sink
}

// NewHandler creates a handler with the default strategy mapping.
func NewHandler() *Handler {
	return &Handler{
		strategies: DefaultStrategies(),
		callbacks:  make(map[Mode][]Callback),
	}
}

// SetSink installs the telemetry sink failures are reported to.
func (h *Handler) SetSink(sink telemetry.Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// SetStrategy overrides the strategy for one mode.
func (h *Handler) SetStrategy(mode Mode, s Strategy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strategies[mode] = s
}

// OnFailure registers a callback invoked after every failure of the given
// mode, recovered or not.
func (h *Handler) OnFailure(mode Mode, cb Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks[mode] = append(h.callbacks[mode], cb)
}

// Handle classifies the failure, applies the configured strategy, appends
// the outcome to the history, and emits telemetry. A nil error return
// means the failure was absorbed; the typed *Error return means it must
// propagate.
func (h *Handler) Handle(ctx context.Context, mode Mode, cause error, fctx Context) (Outcome, error) {
	h.mu.Lock()
	strategy, ok := h.strategies[mode]
	h.mu.Unlock()
	if !ok {
		strategy = FailFast
	}

	log.Error().Err(cause).Str("failure_mode", string(mode)).Str("strategy", string(strategy)).
		Msg("failure detected")

	rec := Record{
		Mode:      mode,
		Timestamp: time.Now().UTC(),
		Strategy:  strategy,
		Detail:    fctx.Detail,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	outcome, err := h.execute(ctx, strategy, mode, cause, fctx)
	rec.RecoveryAttempted = strategy != FailFast
	rec.RecoverySuccessful = err == nil && outcome.Recovered

	h.append(rec)
	h.notify(mode, rec)
	h.emit(rec)

	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (h *Handler) execute(ctx context.Context, strategy Strategy, mode Mode, cause error, fctx Context) (Outcome, error) {
	switch strategy {
	case FailFast:
		return Outcome{Strategy: strategy}, NewError(mode, cause)

	case FallbackGraceful:
		log.Warn().Str("failure_mode", string(mode)).Msg("falling back to neutral value")
		return Outcome{Strategy: strategy, Recovered: true}, nil

	case SkipAndLog:
		log.Warn().Str("failure_mode", string(mode)).Err(cause).Msg("skipping operation")
		return Outcome{Strategy: strategy, Recovered: true}, nil

	case RetryWithBackoff:
		if fctx.Retry == nil {
			log.Warn().Str("failure_mode", string(mode)).Msg("no retry operation supplied, falling back")
			return Outcome{Strategy: FallbackGraceful, Recovered: true}, nil
		}
		if err := h.retry(ctx, fctx); err != nil {
			return Outcome{Strategy: strategy}, NewError(mode, err)
		}
		return Outcome{Strategy: strategy, Recovered: true}, nil

	case RepairAndContinue:
		if err := h.repair(mode, fctx); err != nil {
			return Outcome{Strategy: strategy}, NewError(mode, err)
		}
		return Outcome{Strategy: strategy, Recovered: true}, nil

	default:
		return Outcome{Strategy: strategy}, NewError(mode, cause)
	}
}

// retry re-runs the failed operation with exponential backoff and bounded
// attempts.
func (h *Handler) retry(ctx context.Context, fctx Context) error {
	attempts := fctx.MaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	base := fctx.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = base

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fctx.Retry()
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(attempts)))
	return err
}

func (h *Handler) append(rec Record) {
	h.mu.Lock()
	h.history = append(h.history, rec)
	h.mu.Unlock()
}

func (h *Handler) notify(mode Mode, rec Record) {
	h.mu.Lock()
	cbs := append([]Callback(nil), h.callbacks[mode]...)
	h.mu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("failure callback panicked")
				}
			}()
			cb(rec)
		}()
	}
}

func (h *Handler) emit(rec Record) {
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()

	e := telemetry.NewEvent(telemetry.EventRecordingNote, telemetry.LevelError)
	e.Data = map[string]any{
		"failure_mode":        string(rec.Mode),
		"strategy":            string(rec.Strategy),
		"recovery_attempted":  rec.RecoveryAttempted,
		"recovery_successful": rec.RecoverySuccessful,
		"error":               rec.Error,
	}
	telemetry.Emit(sink, e)
}

// History returns a copy of the failure history.
func (h *Handler) History() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(h.history))
	copy(out, h.history)
	return out
}

// Stats summarises the failure history.
type Stats struct {
	TotalFailures      int
	RecoveryAttempted  int
	RecoverySuccessful int
	ByMode             map[Mode]int
}

// Statistics aggregates the history into counts.
func (h *Handler) Statistics() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := Stats{ByMode: make(map[Mode]int)}
	stats.TotalFailures = len(h.history)
	for _, rec := range h.history {
		if rec.RecoveryAttempted {
			stats.RecoveryAttempted++
		}
		if rec.RecoverySuccessful {
			stats.RecoverySuccessful++
		}
		stats.ByMode[rec.Mode]++
	}
	return stats
}

var (
	defaultMu      sync.Mutex
	defaultHandler *Handler
)

// Default returns the process-wide handler, creating it on first use.
func Default() *Handler {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultHandler == nil {
		defaultHandler = NewHandler()
	}
	return defaultHandler
}

// ResetDefault discards the process-wide handler. For tests.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultHandler = nil
}
