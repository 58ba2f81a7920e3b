// Package replay loads a recording, verifies its integrity, and serves
// match-or-miss lookups for recorded IO edges and streams. Mismatch
// behaviour follows the configured replay mode; faults route through the
// failure handler.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/reel/internal/artifact"
	"github.com/allaspectsdev/reel/internal/canon"
	"github.com/allaspectsdev/reel/internal/determinism"
	"github.com/allaspectsdev/reel/internal/failure"
	"github.com/allaspectsdev/reel/internal/integrity"
	"github.com/allaspectsdev/reel/internal/record"
	"github.com/allaspectsdev/reel/internal/stream"
	"github.com/allaspectsdev/reel/internal/telemetry"
	"github.com/allaspectsdev/reel/internal/tracing"
)

// Mode governs what a lookup miss does.
type Mode string

const (
	// ModeStrict logs an error and returns no output on any mismatch.
	ModeStrict Mode = "strict"
	// ModeWarn logs a warning and returns no output.
	ModeWarn Mode = "warn"
	// ModeHybrid serves the recorded output despite a fingerprint
	// mismatch; a missing key still misses.
	ModeHybrid Mode = "hybrid"
)

// Valid reports whether m is a recognised replay mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeStrict, ModeWarn, ModeHybrid:
		return true
	}
	return false
}

// Mismatch kinds tracked in statistics and telemetry.
const (
	MismatchMissing     = "missing_recording"
	MismatchFingerprint = "fingerprint_mismatch"
)

// identityCacheSize bounds the prompt-to-stream-identity memo.
const identityCacheSize = 512

// Options configures a Player.
type Options struct {
	// StoragePath is the parent directory holding recordings.
	StoragePath string
	// Mode selects mismatch behaviour; empty means strict.
	Mode Mode
	// PreserveTiming reproduces recorded inter-token delays on stream
	// replay handles created by the player.
	PreserveTiming bool
	// Sink receives telemetry; nil runs silently.
	Sink telemetry.Sink
	// Failures handles replay faults; nil uses the process default.
	Failures *failure.Handler
}

// recordedIO is one loaded IO edge.
type recordedIO struct {
	inputFingerprint string
	input            map[string]any
	output           map[string]any
	ioType           string
	callIndex        int
}

// Stats is a snapshot of replay counters.
type Stats struct {
	TotalReplays  int
	MismatchCount int
	ByKind        map[string]int
	SuccessRate   float64
	LoadedIOs     int
	LoadedStreams int
	Mode          Mode
	RecordingID   string
	ReplayID      string
}

// Player replays one loaded recording. Lookups are non-blocking; Load
// performs all I/O up front.
type Player struct {
	opts     Options
	failures *failure.Handler
	sink     telemetry.Sink
	det      *determinism.Manager

	mu          sync.Mutex
	fp          *canon.Fingerprinter
	manifest    *artifact.Manifest
	recordingID string
	replayID    string
	sessionID   string
	ios         map[string]recordedIO
	streams     map[string][]stream.Token
	identities  *lru.Cache[string, string]

	totalReplays  int
	mismatchCount int
	byKind        map[string]int
}

// NewPlayer creates a player over the given storage path.
func NewPlayer(opts Options) (*Player, error) {
	if opts.StoragePath == "" {
		return nil, fmt.Errorf("replay: storage path required")
	}
	if opts.Mode == "" {
		opts.Mode = ModeStrict
	}
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("replay: unknown mode %q", opts.Mode)
	}
	failures := opts.Failures
	if failures == nil {
		failures = failure.Default()
	}
	identities, err := lru.New[string, string](identityCacheSize)
	if err != nil {
		return nil, fmt.Errorf("replay: identity cache: %w", err)
	}
	return &Player{
		opts:       opts,
		failures:   failures,
		sink:       opts.Sink,
		det:        determinism.NewManager(),
		ios:        make(map[string]recordedIO),
		streams:    make(map[string][]stream.Token),
		identities: identities,
		byKind:     make(map[string]int),
	}, nil
}

// Determinism exposes the player's clock/RNG manager; StartReplay switches
// it into replay mode.
func (p *Player) Determinism() *determinism.Manager {
	return p.det
}

// Load opens a recording: manifest validation, per-file hash checks, and
// streaming of events and chunks into the in-memory lookup maps.
// Integrity faults route through the failure handler and, when repaired,
// loading continues from the recovered artifacts.
func (p *Player) Load(ctx context.Context, recordingID string) error {
	ctx, span := tracing.StartReplaySpan(ctx, "load", recordingID)
	defer span.End()

	dir := filepath.Join(p.opts.StoragePath, recordingID)
	if _, err := os.Stat(dir); err != nil {
		_, herr := p.failures.Handle(ctx, failure.ReplayRecordingNotFound,
			fmt.Errorf("replay: recording %s not found: %w", recordingID, err),
			failure.Context{Detail: map[string]any{"recording_id": recordingID}})
		return herr
	}

	layout := artifact.NewLayout(dir, false)
	manifest, err := integrity.VerifyManifest(layout.ManifestPath())
	if err != nil {
		outcome, herr := p.failures.Handle(ctx, failure.ReplayManifestCorrupted, err,
			failure.Context{RecordingDir: dir})
		if herr != nil {
			return herr
		}
		if !outcome.Recovered {
			return failure.NewError(failure.ReplayManifestCorrupted, err)
		}
		manifest, err = integrity.VerifyManifest(layout.ManifestPath())
		if err != nil {
			return failure.NewError(failure.ReplayManifestCorrupted, err)
		}
	}

	checker, err := integrity.NewChecker(canon.Algorithm(manifest.HashAlgorithm))
	if err != nil {
		return err
	}
	for name, expected := range manifest.FileHashes {
		if err := checker.VerifyFile(filepath.Join(dir, name), expected.Hash); err != nil {
			if _, herr := p.failures.Handle(ctx, failure.ReplayIntegrityCheckFailed, err,
				failure.Context{RecordingDir: dir}); herr != nil {
				return herr
			}
		}
	}

	fp, err := canon.NewFingerprinter(canon.Algorithm(manifest.HashAlgorithm))
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.fp = fp
	p.manifest = manifest
	p.recordingID = recordingID
	p.ios = make(map[string]recordedIO)
	p.streams = make(map[string][]stream.Token)
	p.mu.Unlock()

	if err := p.loadEvents(ctx, dir); err != nil {
		return err
	}
	if err := p.loadChunks(ctx, dir); err != nil {
		return err
	}

	p.mu.Lock()
	ios, streams := len(p.ios), len(p.streams)
	p.mu.Unlock()
	log.Info().Str("recording_id", recordingID).Int("io_edges", ios).
		Int("streams", streams).Msg("recording loaded")
	return nil
}

// lookupKey is the map key used for IO edges: the IO key with the input
// fingerprint stripped, so a changed input is detected as a fingerprint
// mismatch rather than an absent key.
func lookupKey(eventType, adapter, agentID, toolName string, callIndex int) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", eventType, adapter, agentID, toolName, callIndex)
}

func (p *Player) loadEvents(ctx context.Context, dir string) error {
	segments, err := artifact.EventSegments(dir)
	if err != nil {
		return err
	}
	for _, segment := range segments {
		lines, err := readAllLines(segment)
		if err != nil {
			outcome, herr := p.failures.Handle(ctx, failure.ReplayEventsCorrupted, err,
				failure.Context{RecordingDir: dir})
			if herr != nil {
				return herr
			}
			if !outcome.Recovered {
				return failure.NewError(failure.ReplayEventsCorrupted, err)
			}
			recovered := filepath.Join(dir, artifact.RecoveredName(filepath.Base(segment)))
			lines, err = readAllLines(recovered)
			if err != nil {
				return failure.NewError(failure.ReplayEventsCorrupted, err)
			}
			log.Warn().Str("segment", filepath.Base(segment)).
				Msg("loaded events from recovered file")
		}

		for _, line := range lines {
			var ev record.RecordedEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				log.Warn().Err(err).Msg("skipping malformed event")
				continue
			}
			if ev.IOKey == "" {
				continue
			}
			key, err := canon.ParseIOKey(ev.IOKey)
			if err != nil {
				log.Warn().Err(err).Str("io_key", ev.IOKey).Msg("skipping event with malformed key")
				continue
			}
			p.mu.Lock()
			p.ios[lookupKey(key.EventType, key.Adapter, key.AgentID, key.ToolName, key.CallIndex)] = recordedIO{
				inputFingerprint: ev.InputFingerprint,
				input:            ev.Inputs,
				output:           ev.Outputs,
				ioType:           ev.EventType,
				callIndex:        ev.CallIndex,
			}
			p.mu.Unlock()
		}
	}
	return nil
}

func (p *Player) loadChunks(ctx context.Context, dir string) error {
	var path string
	for _, candidate := range []string{
		filepath.Join(dir, artifact.ChunksName),
		filepath.Join(dir, artifact.ChunksName+artifact.CompressedSuffix),
	} {
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	if path == "" {
		return nil
	}

	lines, err := readAllLines(path)
	if err != nil {
		outcome, herr := p.failures.Handle(ctx, failure.DataPartialCorruption, err,
			failure.Context{RecordingDir: dir})
		if herr != nil {
			return herr
		}
		if !outcome.Recovered {
			return failure.NewError(failure.DataPartialCorruption, err)
		}
		recovered := filepath.Join(dir, artifact.RecoveredName(filepath.Base(path)))
		lines, err = readAllLines(recovered)
		if err != nil {
			return failure.NewError(failure.DataPartialCorruption, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range lines {
		var tok stream.Token
		if err := json.Unmarshal(line, &tok); err != nil {
			log.Warn().Err(err).Msg("skipping malformed chunk")
			continue
		}
		if tok.StreamID == "" {
			continue
		}
		p.streams[tok.StreamID] = append(p.streams[tok.StreamID], tok)
	}
	for id := range p.streams {
		tokens := p.streams[id]
		sort.Slice(tokens, func(i, j int) bool { return tokens[i].Index < tokens[j].Index })
		p.streams[id] = tokens
	}
	return nil
}

// readAllLines collects every record of a stream file, failing on
// truncation so the caller can route recovery.
func readAllLines(path string) ([][]byte, error) {
	var lines [][]byte
	err := artifact.ReadLinesFile(path, func(line []byte) error {
		if !json.Valid(line) {
			return fmt.Errorf("replay: malformed record in %s", filepath.Base(path))
		}
		lines = append(lines, append([]byte(nil), line...))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// StartReplay opens a replay session over the loaded recording: counters
// reset, the determinism manager freezes at the recording's start instant
// with the recorded RNG log, and a sibling replay directory is created.
func (p *Player) StartReplay(parentSessionID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.manifest == nil {
		return "", fmt.Errorf("replay: no recording loaded")
	}

	replayID := fmt.Sprintf("%s%s_%s", artifact.ReplayPrefix, p.recordingID, uuid.NewString()[:8])
	if err := os.MkdirAll(filepath.Join(p.opts.StoragePath, replayID), 0o755); err != nil {
		return "", fmt.Errorf("replay: create replay dir: %w", err)
	}

	p.replayID = replayID
	p.sessionID = parentSessionID
	p.totalReplays = 0
	p.mismatchCount = 0
	p.byKind = make(map[string]int)

	var rngLog determinism.RNGLog
	if p.manifest.RNGLog != nil {
		rngLog = *p.manifest.RNGLog
	}
	p.det.SetReplayMode(p.manifest.StartTime, rngLog)

	e := telemetry.NewEvent(telemetry.EventReplayStart, telemetry.LevelInfo)
	e.SessionID = parentSessionID
	e.RecordingSession = p.recordingID
	e.Data = map[string]any{"replay_id": replayID, "mode": string(p.opts.Mode)}
	telemetry.Emit(p.sink, e)

	log.Info().Str("replay_id", replayID).Str("recording_id", p.recordingID).
		Str("mode", string(p.opts.Mode)).Msg("replay started")
	return replayID, nil
}

// GetRecordedOutput looks up the recorded output for an IO edge. The
// boolean reports whether a usable output was found under the active
// replay mode.
func (p *Player) GetRecordedOutput(eventType, toolName string, input map[string]any, callIndex int, agentID string) (bool, map[string]any) {
	p.mu.Lock()
	if p.manifest == nil {
		p.mu.Unlock()
		return false, nil
	}
	p.totalReplays++
	adapter := p.manifest.AdapterName
	fp := p.fp
	rec, present := p.ios[lookupKey(eventType, adapter, agentID, toolName, callIndex)]
	p.mu.Unlock()

	key, err := fp.MakeKey(eventType, adapter, agentID, toolName, callIndex, input)
	if err != nil {
		p.handleMismatch(MismatchMissing, "", map[string]any{"error": err.Error()})
		return false, nil
	}

	if !present {
		p.handleMismatch(MismatchMissing, key.String(), nil)
		return false, nil
	}

	if rec.inputFingerprint != key.InputFingerprint {
		detail := map[string]any{
			"expected_fingerprint": rec.inputFingerprint,
			"actual_fingerprint":   key.InputFingerprint,
			"input_diff":           InputDiff(rec.input, input),
		}
		p.handleMismatch(MismatchFingerprint, key.String(), detail)
		if p.opts.Mode == ModeHybrid {
			log.Warn().Str("io_key", key.String()).
				Msg("hybrid mode: serving recorded output despite fingerprint mismatch")
			return true, rec.output
		}
		return false, nil
	}

	p.mu.Lock()
	replayID := p.replayID
	p.mu.Unlock()

	e := telemetry.NewEvent(telemetry.EventReplayMatched, telemetry.LevelDebug)
	e.RecordingSession = p.recordingID
	e.ReplayStatus = "matched"
	e.IOKey = key.String()
	e.Data = map[string]any{"replay_id": replayID}
	telemetry.Emit(p.sink, e)

	return true, rec.output
}

// handleMismatch updates counters, emits telemetry, and logs at the
// severity the replay mode prescribes.
func (p *Player) handleMismatch(kind, ioKey string, detail map[string]any) {
	p.mu.Lock()
	p.mismatchCount++
	p.byKind[kind]++
	recordingID := p.recordingID
	p.mu.Unlock()

	e := telemetry.NewEvent(telemetry.EventReplayMismatch, telemetry.LevelWarn)
	e.RecordingSession = recordingID
	e.ReplayStatus = kind
	e.IOKey = ioKey
	e.Data = detail
	telemetry.Emit(p.sink, e)

	msg := "replay mismatch"
	switch p.opts.Mode {
	case ModeStrict:
		log.Error().Str("kind", kind).Str("io_key", ioKey).Msg(msg)
	case ModeWarn:
		log.Warn().Str("kind", kind).Str("io_key", ioKey).Msg(msg)
	case ModeHybrid:
		log.Info().Str("kind", kind).Str("io_key", ioKey).Msg(msg)
	}
}

// StreamTokens returns the recorded tokens of a stream in index order.
func (p *Player) StreamTokens(streamID string) ([]stream.Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tokens, ok := p.streams[streamID]
	if !ok {
		return nil, false
	}
	out := make([]stream.Token, len(tokens))
	copy(out, tokens)
	return out, true
}

// ReplayStream creates a replay handle over a recorded stream.
func (p *Player) ReplayStream(streamID string, preserveTiming bool) (*stream.Replay, bool) {
	tokens, ok := p.StreamTokens(streamID)
	if !ok {
		return nil, false
	}
	r := stream.NewReplay(tokens, preserveTiming)
	r.SetSleeper(p.det.Clock())
	return r, true
}

// ReplayLLMStream resolves the stream identity for (agentID, prompt) and
// returns a replay handle. Identities are memoized per prompt.
func (p *Player) ReplayLLMStream(prompt, agentID string) (*stream.Replay, error) {
	p.mu.Lock()
	fp := p.fp
	p.mu.Unlock()
	if fp == nil {
		return nil, fmt.Errorf("replay: no recording loaded")
	}

	cacheKey := agentID + "\x00" + prompt
	streamID, ok := p.identities.Get(cacheKey)
	if !ok {
		id, err := stream.StreamIdentity(fp, agentID, prompt)
		if err != nil {
			return nil, err
		}
		streamID = id
		p.identities.Add(cacheKey, id)
	}

	r, found := p.ReplayStream(streamID, p.opts.PreserveTiming)
	if !found {
		p.handleMismatch(MismatchMissing, streamID, map[string]any{"stream_id": streamID})
		return nil, fmt.Errorf("replay: no recorded stream for %s", streamID)
	}
	return r, nil
}

// FinishStream validates that a recorded stream is complete. Requesting
// the finish of a partial stream routes through the failure handler.
func (p *Player) FinishStream(ctx context.Context, streamID string) error {
	tokens, ok := p.StreamTokens(streamID)
	if !ok {
		return fmt.Errorf("replay: no recorded stream for %s", streamID)
	}
	if stream.IsComplete(tokens) {
		return nil
	}
	_, herr := p.failures.Handle(ctx, failure.ReplayEventsCorrupted,
		fmt.Errorf("replay: stream %s has no final token", streamID),
		failure.Context{RecordingDir: filepath.Join(p.opts.StoragePath, p.recordingID)})
	return herr
}

// Statistics returns a snapshot of the replay counters.
func (p *Player) Statistics() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	byKind := make(map[string]int, len(p.byKind))
	for k, v := range p.byKind {
		byKind[k] = v
	}
	s := Stats{
		TotalReplays:  p.totalReplays,
		MismatchCount: p.mismatchCount,
		ByKind:        byKind,
		LoadedIOs:     len(p.ios),
		LoadedStreams: len(p.streams),
		Mode:          p.opts.Mode,
		RecordingID:   p.recordingID,
		ReplayID:      p.replayID,
	}
	if p.totalReplays > 0 {
		s.SuccessRate = float64(p.totalReplays-p.mismatchCount) / float64(p.totalReplays)
	}
	return s
}

// Mode returns the configured replay mode.
func (p *Player) Mode() Mode {
	return p.opts.Mode
}

// Manifest returns the loaded manifest, or nil.
func (p *Player) Manifest() *artifact.Manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest
}

// IOKeys lists the loaded lookup keys, for diagnostics.
func (p *Player) IOKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.ios))
	for k := range p.ios {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Diff describes how an actual input deviates from the recorded one.
type Diff struct {
	AddedKeys     []string                  `json:"added_keys"`
	RemovedKeys   []string                  `json:"removed_keys"`
	ChangedValues map[string]map[string]any `json:"changed_values"`
}

// InputDiff computes the key-level difference between the recorded and
// actual inputs, for mismatch telemetry.
func InputDiff(recorded, actual map[string]any) Diff {
	diff := Diff{ChangedValues: make(map[string]map[string]any)}

	for k := range actual {
		if _, ok := recorded[k]; !ok {
			diff.AddedKeys = append(diff.AddedKeys, k)
		}
	}
	for k := range recorded {
		if _, ok := actual[k]; !ok {
			diff.RemovedKeys = append(diff.RemovedKeys, k)
		}
	}
	sort.Strings(diff.AddedKeys)
	sort.Strings(diff.RemovedKeys)

	for k, rv := range recorded {
		av, ok := actual[k]
		if !ok {
			continue
		}
		if !equalJSON(rv, av) {
			diff.ChangedValues[k] = map[string]any{"recorded": rv, "actual": av}
		}
	}
	return diff
}

// equalJSON compares two values through their JSON forms, which matches
// how the payloads were persisted.
func equalJSON(a, b any) bool {
	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return strings.TrimSpace(string(aj)) == strings.TrimSpace(string(bj))
}
