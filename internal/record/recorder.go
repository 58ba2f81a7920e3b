// Package record owns the recording session: it accepts events and stream
// chunks, sequences them through the ordering manager, scrubs them through
// the redaction filter, persists them via a single background writer over a
// bounded queue, and emits the manifest on stop.
package record

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/reel/internal/artifact"
	"github.com/allaspectsdev/reel/internal/canon"
	"github.com/allaspectsdev/reel/internal/determinism"
	"github.com/allaspectsdev/reel/internal/failure"
	"github.com/allaspectsdev/reel/internal/integrity"
	"github.com/allaspectsdev/reel/internal/order"
	"github.com/allaspectsdev/reel/internal/redact"
	"github.com/allaspectsdev/reel/internal/stream"
	"github.com/allaspectsdev/reel/internal/telemetry"
	"github.com/allaspectsdev/reel/internal/tracing"
)

// DefaultMaxFileSize is the events-file rotation threshold in uncompressed
// bytes.
const DefaultMaxFileSize = 100 * 1024 * 1024

// writerDrainTimeout bounds how long Stop waits for the writer goroutine.
const writerDrainTimeout = 5 * time.Second

// Options configures a Recorder.
type Options struct {
	// OutputDir is the parent directory recordings are created under.
	OutputDir string
	// AdapterName identifies the framework adapter being recorded.
	AdapterName string
	// AdapterVersion is stamped into the manifest.
	AdapterVersion string
	// HashAlgorithm selects the fingerprint and file-hash algorithm.
	// Empty means blake3.
	HashAlgorithm canon.Algorithm
	// RedactionLevel selects the scrub rule set. Empty means standard.
	RedactionLevel redact.Level
	// Compression enables per-line zstd framing of events and chunks.
	Compression bool
	// MaxFileSize is the rotation threshold in uncompressed bytes; zero
	// means DefaultMaxFileSize.
	MaxFileSize int64
	// QueueSize bounds the write queue; zero means the ordering default.
	QueueSize int
	// ConfigDigest, ModelIDs and Seeds are provenance stamped into the
	// manifest.
	ConfigDigest string
	ModelIDs     []string
	Seeds        []int64
	// Sink receives telemetry; nil runs silently.
	Sink telemetry.Sink
	// Failures handles recording faults; nil uses the process default.
	Failures *failure.Handler
}

// RecordedEvent is the JSON line shape persisted for every event. Events
// carrying an IO key are the replayable IO edges.
type RecordedEvent struct {
	EventID          string         `json:"event_id"`
	Timestamp        time.Time      `json:"timestamp"`
	EventType        string         `json:"event_type"`
	AgentID          string         `json:"agent_id"`
	ToolName         string         `json:"tool_name,omitempty"`
	Step             int64          `json:"step"`
	ParentStep       *int64         `json:"parent_step,omitempty"`
	CallIndex        int            `json:"call_index"`
	Inputs           map[string]any `json:"inputs,omitempty"`
	Outputs          map[string]any `json:"outputs,omitempty"`
	DurationMS       float64        `json:"duration_ms,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	IOKey            string         `json:"io_key,omitempty"`
	InputFingerprint string         `json:"input_fingerprint,omitempty"`
}

// Chunk is the JSON line shape persisted for every stream token.
type Chunk struct {
	stream.Token
}

// Checkpoint is the logical marker appended to checkpoints.jsonl.
type Checkpoint struct {
	Label      string         `json:"label"`
	Timestamp  time.Time      `json:"timestamp"`
	EventCount int            `json:"event_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Recorder owns one recording session and its directory for the session's
// lifetime.
type Recorder struct {
	opts     Options
	fp       *canon.Fingerprinter
	filter   *redact.Filter
	ordering *order.Manager
	det      *determinism.Manager
	failures *failure.Handler
	sink     telemetry.Sink

	mu          sync.Mutex
	recording   bool
	aborted     bool
	recordingID string
	sessionID   string
	layout      artifact.Layout
	lock        *artifact.Lock
	startTime   time.Time

	segment      int
	eventsFile   *os.File
	eventsWriter *artifact.LineWriter

	chunkMu      sync.Mutex
	chunksFile   *os.File
	chunksWriter *artifact.LineWriter

	streams    map[string]*stream.Capture
	eventCount int
	chunkCount int
}

// New creates a Recorder. The session starts with Start.
func New(opts Options) (*Recorder, error) {
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("record: output directory required")
	}
	if opts.AdapterName == "" {
		return nil, fmt.Errorf("record: adapter name required")
	}
	if opts.HashAlgorithm == "" {
		opts.HashAlgorithm = canon.AlgorithmBlake3
	}
	if opts.RedactionLevel == "" {
		opts.RedactionLevel = redact.LevelStandard
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.AdapterVersion == "" {
		opts.AdapterVersion = "unknown"
	}

	fp, err := canon.NewFingerprinter(opts.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	filter, err := redact.NewFilter(opts.RedactionLevel)
	if err != nil {
		return nil, err
	}
	failures := opts.Failures
	if failures == nil {
		failures = failure.Default()
	}

	det := determinism.NewManager()
	var seed *int64
	if len(opts.Seeds) > 0 {
		seed = &opts.Seeds[0]
	}
	det.SetRecordingMode(seed)

	return &Recorder{
		opts:     opts,
		fp:       fp,
		filter:   filter,
		ordering: order.NewManager(opts.QueueSize),
		det:      det,
		failures: failures,
		sink:     opts.Sink,
		streams:  make(map[string]*stream.Capture),
	}, nil
}

// Fingerprinter exposes the session's fingerprinter so wrappers share the
// same key derivation.
func (r *Recorder) Fingerprinter() *canon.Fingerprinter {
	return r.fp
}

// Determinism exposes the session's clock/RNG manager.
func (r *Recorder) Determinism() *determinism.Manager {
	return r.det
}

// RecordingID returns the active recording's ID, or empty.
func (r *Recorder) RecordingID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordingID
}

// Start begins a recording session, creating and exclusively claiming the
// recording directory, and launching the background writer.
func (r *Recorder) Start(ctx context.Context, sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		log.Warn().Str("recording_id", r.recordingID).Msg("recording already in progress")
		return r.recordingID, nil
	}

	recordingID := fmt.Sprintf("rec_%s_%d", uuid.NewString()[:8], time.Now().Unix())
	dir := filepath.Join(r.opts.OutputDir, recordingID)

	ctx, span := tracing.StartRecordingSpan(ctx, "start", recordingID)
	defer span.End()

	init := func() error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		lock, err := artifact.AcquireLock(dir)
		if err != nil {
			return err
		}
		r.lock = lock
		return nil
	}
	if err := init(); err != nil {
		if _, herr := r.failures.Handle(ctx, failure.RecordingInitFailed, err,
			failure.Context{Retry: init}); herr != nil {
			return "", herr
		}
	}

	// Fresh determinism logs for every session.
	var seed *int64
	if len(r.opts.Seeds) > 0 {
		seed = &r.opts.Seeds[0]
	}
	r.det.SetRecordingMode(seed)

	r.layout = artifact.NewLayout(dir, r.opts.Compression)
	r.segment = 0
	r.eventCount = 0
	r.chunkCount = 0
	r.streams = make(map[string]*stream.Capture)
	r.ordering.Reset()
	r.ordering.SetClock(r.det.Clock())
	r.startTime = r.det.Clock().Now()
	r.recordingID = recordingID
	r.sessionID = sessionID
	r.aborted = false

	if err := r.openEventsFile(); err != nil {
		return "", failure.NewError(failure.RecordingInitFailed, err)
	}
	if err := r.openChunksFile(); err != nil {
		return "", failure.NewError(failure.RecordingInitFailed, err)
	}

	if err := r.ordering.StartWriter(r.persistEvent); err != nil {
		return "", failure.NewError(failure.RecordingInitFailed, err)
	}
	r.recording = true

	e := telemetry.NewEvent(telemetry.EventRecordingStart, telemetry.LevelInfo)
	e.Timestamp = r.startTime
	e.SessionID = sessionID
	e.RecordingSession = recordingID
	e.Data = map[string]any{
		"adapter_name":    r.opts.AdapterName,
		"adapter_version": r.opts.AdapterVersion,
		"artifacts_path":  dir,
	}
	telemetry.Emit(r.sink, e)

	log.Info().Str("recording_id", recordingID).Str("dir", dir).
		Bool("compression", r.opts.Compression).Msg("recording started")
	return recordingID, nil
}

// RecordEvent records one IO edge: it is ordered, keyed, redacted, and
// queued for the background writer. Blocks when the write queue is full.
func (r *Recorder) RecordEvent(eventType, agentID, toolName string, inputs, outputs map[string]any, duration time.Duration, metadata map[string]any) (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", fmt.Errorf("record: not recording")
	}
	r.mu.Unlock()

	ordered := r.ordering.CreateEvent(eventType, agentID, toolName, nil)

	key, err := r.fp.MakeKey(eventType, r.opts.AdapterName, agentID, toolName, ordered.CallIndex, inputs)
	if err != nil {
		return "", err
	}

	rec := &RecordedEvent{
		EventID:          ordered.EventID,
		Timestamp:        ordered.Timestamp,
		EventType:        eventType,
		AgentID:          agentID,
		ToolName:         toolName,
		Step:             ordered.Step,
		ParentStep:       ordered.ParentStep,
		CallIndex:        ordered.CallIndex,
		Inputs:           r.filter.Map(inputs),
		Outputs:          r.filter.Map(outputs),
		DurationMS:       float64(duration) / float64(time.Millisecond),
		Metadata:         r.filter.Map(metadata),
		IOKey:            key.String(),
		InputFingerprint: key.InputFingerprint,
	}

	ordered.Data = map[string]any{"recorded": rec}
	if err := r.ordering.Enqueue(ordered, nil); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.eventCount++
	r.mu.Unlock()

	e := telemetry.NewEvent(telemetry.EventRecordingNote, telemetry.LevelDebug)
	e.Timestamp = ordered.Timestamp
	e.AgentID = agentID
	e.SessionID = r.sessionID
	e.RecordingSession = r.recordingID
	e.IOKey = rec.IOKey
	e.Data = map[string]any{"tool_name": toolName, "step": ordered.Step}
	telemetry.Emit(r.sink, e)

	return ordered.EventID, nil
}

// persistEvent runs on the writer goroutine only: it serialises the
// recorded event and appends it to the active segment, rotating when the
// segment exceeds the size threshold.
func (r *Recorder) persistEvent(ev *order.Event) error {
	rec, ok := ev.Data["recorded"].(*RecordedEvent)
	if !ok {
		return fmt.Errorf("record: writer received event without payload")
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("record: marshal event: %w", err)
	}
	if _, err := r.eventsWriter.WriteLine(line); err != nil {
		return err
	}
	if r.eventsWriter.Written() > r.opts.MaxFileSize {
		if err := r.rotateEvents(); err != nil {
			return err
		}
	}
	return nil
}

// StartStream opens a token capture. Streams whose inputs carry a string
// prompt derive their identity from (agent_id, stable_hash(prompt)) so
// replay lookups can re-derive it; other streams get a random identity.
func (r *Recorder) StartStream(agentID, toolName string, inputs map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return "", fmt.Errorf("record: not recording")
	}

	var streamID string
	if prompt, ok := inputs["prompt"].(string); ok {
		id, err := stream.StreamIdentity(r.fp, agentID, prompt)
		if err != nil {
			return "", err
		}
		streamID = id
	} else {
		streamID = fmt.Sprintf("stream_%s", uuid.NewString()[:8])
	}

	r.streams[streamID] = stream.NewCapture(streamID, r.det.Clock())

	e := telemetry.NewEvent(telemetry.EventLLMCallStarted, telemetry.LevelDebug)
	e.AgentID = agentID
	e.SessionID = r.sessionID
	e.RecordingSession = r.recordingID
	e.Data = map[string]any{"stream_id": streamID, "tool_name": toolName}
	telemetry.Emit(r.sink, e)

	return streamID, nil
}

// RecordChunk appends a redacted token to the stream and persists it. A
// final chunk closes the stream to further appends.
func (r *Recorder) RecordChunk(streamID, content string, metadata map[string]any, isFinal bool) error {
	r.mu.Lock()
	capture, ok := r.streams[streamID]
	recording := r.recording
	r.mu.Unlock()
	if !recording {
		return fmt.Errorf("record: not recording")
	}
	if !ok {
		return fmt.Errorf("record: unknown stream %s", streamID)
	}

	tok, err := capture.Add(r.filter.Text(content), r.filter.Map(metadata), isFinal)
	if err != nil {
		return err
	}

	line, err := json.Marshal(Chunk{Token: tok})
	if err != nil {
		return fmt.Errorf("record: marshal chunk: %w", err)
	}

	r.chunkMu.Lock()
	_, werr := r.chunksWriter.WriteLine(line)
	r.chunkMu.Unlock()
	if werr != nil {
		return werr
	}

	r.mu.Lock()
	r.chunkCount++
	r.mu.Unlock()

	e := telemetry.NewEvent(telemetry.EventLLMCallChunk, telemetry.LevelDebug)
	e.RecordingSession = r.recordingID
	e.Data = map[string]any{"stream_id": streamID, "index": tok.Index, "is_final": isFinal}
	telemetry.Emit(r.sink, e)

	return nil
}

// FinishStream emits the stream's summary event. totalTokens < 0 lets the
// tokenizer count the merged content.
func (r *Recorder) FinishStream(streamID string, totalTokens int) error {
	r.mu.Lock()
	capture, ok := r.streams[streamID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("record: unknown stream %s", streamID)
	}

	summary := capture.Summarize(totalTokens)

	ordered := r.ordering.CreateEvent(string(telemetry.EventLLMCallFinish), "", "", nil)
	rec := &RecordedEvent{
		EventID:   ordered.EventID,
		Timestamp: ordered.Timestamp,
		EventType: string(telemetry.EventLLMCallFinish),
		Step:      ordered.Step,
		CallIndex: ordered.CallIndex,
		Metadata: map[string]any{
			"stream_id":    summary.StreamID,
			"total_chunks": summary.TotalChunks,
			"total_tokens": summary.TotalTokens,
			"complete":     summary.Complete,
		},
	}
	ordered.Data = map[string]any{"recorded": rec}
	if err := r.ordering.Enqueue(ordered, nil); err != nil {
		return err
	}
	r.mu.Lock()
	r.eventCount++
	r.mu.Unlock()

	e := telemetry.NewEvent(telemetry.EventLLMCallFinish, telemetry.LevelDebug)
	e.RecordingSession = r.recordingID
	e.Data = map[string]any{"stream_id": streamID, "total_chunks": summary.TotalChunks}
	telemetry.Emit(r.sink, e)
	return nil
}

// EnterStep marks an event as the active parent for nested operations and
// returns the function that leaves the scope.
func (r *Recorder) EnterStep(step int64) func() {
	return r.ordering.EnterStep(step)
}

// CheckpointNow appends a logical marker to checkpoints.jsonl for tests
// and partial replay.
func (r *Recorder) CheckpointNow(label string, metadata map[string]any) error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return fmt.Errorf("record: not recording")
	}
	cp := Checkpoint{
		Label:      label,
		Timestamp:  r.det.Clock().Now(),
		EventCount: r.eventCount,
		Metadata:   metadata,
	}
	path := r.layout.CheckpointsPath()
	r.mu.Unlock()

	line, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("record: marshal checkpoint: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("record: open checkpoints: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("record: write checkpoint: %w", err)
	}
	return nil
}

// Abort marks the session as cancelled; Stop still flushes buffered
// events and writes a manifest flagged aborted=true.
func (r *Recorder) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
}

// Stop drains the writer, closes the artifact files, writes the manifest
// (with per-file hashes, determinism logs, and self-hash), and releases
// the directory.
func (r *Recorder) Stop(ctx context.Context) (*artifact.Manifest, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, fmt.Errorf("record: no recording in progress")
	}
	r.recording = false
	aborted := r.aborted
	if ctx.Err() != nil {
		aborted = true
	}
	r.mu.Unlock()

	ctx, span := tracing.StartRecordingSpan(ctx, "stop", r.recordingID)
	defer span.End()
	tracing.SetRecordingAttributes(ctx, r.opts.AdapterName, r.eventCount, r.chunkCount, r.opts.Compression)

	if err := r.ordering.StopWriter(writerDrainTimeout); err != nil {
		log.Warn().Err(err).Msg("writer drain incomplete at stop")
	}
	r.closeFiles()

	endTime := r.det.Clock().Now()
	clockLog, rngLog, err := r.det.RecordedData()
	if err != nil {
		log.Warn().Err(err).Msg("determinism logs unavailable")
	}

	manifest, err := r.buildManifest(endTime, clockLog, rngLog, aborted)
	if err != nil {
		return nil, failure.NewError(failure.RecordingIOError, err)
	}
	if err := manifest.WriteFile(r.layout.ManifestPath()); err != nil {
		return nil, failure.NewError(failure.RecordingIOError, err)
	}
	// A backup copy enables manifest repair after corruption.
	if data, err := os.ReadFile(r.layout.ManifestPath()); err == nil {
		_ = os.WriteFile(r.layout.ManifestBackupPath(), data, 0o644)
	}

	if r.lock != nil {
		if err := r.lock.Release(); err != nil {
			log.Warn().Err(err).Msg("lock release failed")
		}
		r.lock = nil
	}

	e := telemetry.NewEvent(telemetry.EventRecordingStop, telemetry.LevelInfo)
	e.Timestamp = endTime
	e.SessionID = r.sessionID
	e.RecordingSession = r.recordingID
	e.Data = map[string]any{
		"event_count":  manifest.EventCount,
		"total_chunks": manifest.TotalChunks,
		"aborted":      aborted,
	}
	telemetry.Emit(r.sink, e)

	log.Info().Str("recording_id", r.recordingID).Int("events", manifest.EventCount).
		Int("chunks", manifest.TotalChunks).Bool("aborted", aborted).Msg("recording stopped")
	return manifest, nil
}

func (r *Recorder) buildManifest(endTime time.Time, clockLog []time.Time, rngLog determinism.RNGLog, aborted bool) (*artifact.Manifest, error) {
	checker, err := integrity.NewChecker(r.opts.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	files, err := artifact.DataFiles(r.layout.Dir)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]artifact.FileHash, len(files))
	var total int64
	for _, name := range files {
		path := filepath.Join(r.layout.Dir, name)
		hash, err := checker.FileHash(path)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		hashes[name] = artifact.FileHash{Hash: hash, Size: info.Size(), Algorithm: string(r.opts.HashAlgorithm)}
		total += info.Size()
	}

	m := &artifact.Manifest{
		RecordingID:        r.recordingID,
		SchemaVersion:      artifact.SchemaVersion,
		StartTime:          r.startTime,
		EndTime:            endTime,
		AdapterName:        r.opts.AdapterName,
		AdapterVersion:     r.opts.AdapterVersion,
		HashAlgorithm:      string(r.opts.HashAlgorithm),
		FileHashes:         hashes,
		EventCount:         r.eventCount,
		TotalChunks:        r.chunkCount,
		RedactionApplied:   r.filter.Level() != redact.LevelNone,
		CompressionEnabled: r.opts.Compression,
		ArtifactsSizeBytes: total,
		GitSHA:             discoverGitSHA(r.opts.OutputDir),
		ConfigDigest:       r.opts.ConfigDigest,
		ModelIDs:           r.opts.ModelIDs,
		Seeds:              r.opts.Seeds,
		ClockLog:           clockLog,
		Aborted:            aborted,
	}
	if len(rngLog.Float01) > 0 || len(rngLog.IntRange) > 0 || len(rngLog.Choice) > 0 || len(rngLog.UUID) > 0 {
		m.RNGLog = &rngLog
	}

	content, err := m.EncodeForHash()
	if err != nil {
		return nil, err
	}
	selfHash, err := checker.DataHash(content)
	if err != nil {
		return nil, err
	}
	m.ManifestHash = selfHash
	return m, nil
}

func (r *Recorder) openEventsFile() error {
	f, err := os.Create(r.layout.EventsPath(r.segment))
	if err != nil {
		return fmt.Errorf("record: create events file: %w", err)
	}
	w, err := artifact.NewLineWriter(f, r.opts.Compression)
	if err != nil {
		f.Close()
		return err
	}
	r.eventsFile = f
	r.eventsWriter = w
	return nil
}

func (r *Recorder) openChunksFile() error {
	f, err := os.Create(r.layout.ChunksPath())
	if err != nil {
		return fmt.Errorf("record: create chunks file: %w", err)
	}
	w, err := artifact.NewLineWriter(f, r.opts.Compression)
	if err != nil {
		f.Close()
		return err
	}
	r.chunksFile = f
	r.chunksWriter = w
	return nil
}

// rotateEvents closes the active segment and opens the next numbered one.
// Runs on the writer goroutine.
func (r *Recorder) rotateEvents() error {
	if err := r.eventsWriter.Close(); err != nil {
		return err
	}
	if err := r.eventsFile.Close(); err != nil {
		return err
	}
	r.segment++
	log.Info().Int("segment", r.segment).Msg("events file rotated")
	return r.openEventsFile()
}

func (r *Recorder) closeFiles() {
	if r.eventsWriter != nil {
		_ = r.eventsWriter.Close()
		r.eventsWriter = nil
	}
	if r.eventsFile != nil {
		_ = r.eventsFile.Close()
		r.eventsFile = nil
	}
	r.chunkMu.Lock()
	if r.chunksWriter != nil {
		_ = r.chunksWriter.Close()
		r.chunksWriter = nil
	}
	if r.chunksFile != nil {
		_ = r.chunksFile.Close()
		r.chunksFile = nil
	}
	r.chunkMu.Unlock()
}

// discoverGitSHA reports the HEAD commit of the repository containing dir,
// or empty when none is discoverable.
func discoverGitSHA(dir string) string {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
