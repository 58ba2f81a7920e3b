package record

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/allaspectsdev/reel/internal/artifact"
	"github.com/allaspectsdev/reel/internal/canon"
	"github.com/allaspectsdev/reel/internal/integrity"
	"github.com/allaspectsdev/reel/internal/telemetry"
)

func newTestRecorder(t *testing.T, opts Options) *Recorder {
	t.Helper()
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	if opts.AdapterName == "" {
		opts.AdapterName = "test-adapter"
	}
	if opts.AdapterVersion == "" {
		opts.AdapterVersion = "1.0.0"
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRecordLifecycleProducesVerifiableRecording(t *testing.T) {
	out := t.TempDir()
	r := newTestRecorder(t, Options{OutputDir: out, HashAlgorithm: canon.AlgorithmSHA256})

	recID, err := r.Start(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if recID == "" {
		t.Fatal("empty recording id")
	}

	for i, prompt := range []string{"p1", "p2", "p1"} {
		_, err := r.RecordEvent("llm_call", "agent-1", "openai",
			map[string]any{"prompt": prompt},
			map[string]any{"response": []string{"r1", "r2", "r3"}[i]},
			25*time.Millisecond, nil)
		if err != nil {
			t.Fatalf("RecordEvent %d: %v", i, err)
		}
	}

	manifest, err := r.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if manifest.EventCount != 3 {
		t.Errorf("event count = %d, want 3", manifest.EventCount)
	}
	if manifest.Aborted {
		t.Error("manifest flagged aborted")
	}

	report := integrity.VerifyRecording(filepath.Join(out, recID))
	if !report.Success {
		t.Fatalf("integrity check failed: errors=%v warnings=%v", report.Errors, report.Warnings)
	}
}

func readEvents(t *testing.T, dir string) []RecordedEvent {
	t.Helper()
	segments, err := artifact.EventSegments(dir)
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	var events []RecordedEvent
	for _, seg := range segments {
		err := artifact.ReadLinesFile(seg, func(line []byte) error {
			var ev RecordedEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
		if err != nil {
			t.Fatalf("read %s: %v", seg, err)
		}
	}
	return events
}

func TestRecordedEventsCarryOrderingAndKeys(t *testing.T) {
	out := t.TempDir()
	r := newTestRecorder(t, Options{OutputDir: out})

	recID, err := r.Start(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.RecordEvent("llm_call", "agent-1", "openai",
			map[string]any{"prompt": "same"}, map[string]any{"n": i}, 0, nil); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}
	if _, err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events := readEvents(t, filepath.Join(out, recID))
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	var prevStep int64
	for i, ev := range events {
		if ev.Step <= prevStep {
			t.Errorf("event %d: step %d not increasing", i, ev.Step)
		}
		prevStep = ev.Step
		if ev.CallIndex != i {
			t.Errorf("event %d: call index %d", i, ev.CallIndex)
		}
		if ev.IOKey == "" || ev.InputFingerprint == "" {
			t.Errorf("event %d missing io key or fingerprint", i)
		}
		key, err := canon.ParseIOKey(ev.IOKey)
		if err != nil {
			t.Fatalf("event %d: parse key: %v", i, err)
		}
		if key.CallIndex != i || key.AgentID != "agent-1" {
			t.Errorf("event %d: key %+v", i, key)
		}
	}
}

func TestRecordEventRedactsPayloads(t *testing.T) {
	out := t.TempDir()
	r := newTestRecorder(t, Options{OutputDir: out})

	recID, err := r.Start(context.Background(), "s")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.RecordEvent("tool_call", "a", "mail",
		map[string]any{"to": "dev@example.com"},
		map[string]any{"status": "sent from 10.1.2.3"}, 0, nil); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if _, err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events := readEvents(t, filepath.Join(out, recID))
	if got := events[0].Inputs["to"]; got != "[EMAIL_REDACTED]" {
		t.Errorf("input not redacted: %v", got)
	}
	if got := events[0].Outputs["status"]; got != "sent from [IP_REDACTED]" {
		t.Errorf("output not redacted: %v", got)
	}
}

func TestEventsFileRotation(t *testing.T) {
	out := t.TempDir()
	r := newTestRecorder(t, Options{OutputDir: out, MaxFileSize: 256})

	recID, err := r.Start(context.Background(), "s")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := r.RecordEvent("tool_call", "a", "t",
			map[string]any{"payload": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"},
			map[string]any{"ok": true}, 0, nil); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}
	manifest, err := r.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	segments, err := artifact.EventSegments(filepath.Join(out, recID))
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(segments) < 2 {
		t.Errorf("expected rotation, got %d segment(s)", len(segments))
	}
	for _, seg := range segments {
		name := filepath.Base(seg)
		if _, listed := manifest.FileHashes[name]; !listed {
			t.Errorf("segment %s not in manifest", name)
		}
	}

	events := readEvents(t, filepath.Join(out, recID))
	if len(events) != 20 {
		t.Errorf("got %d events across segments, want 20", len(events))
	}
}

func TestCompressedRecordingRoundTrips(t *testing.T) {
	out := t.TempDir()
	r := newTestRecorder(t, Options{OutputDir: out, Compression: true})

	recID, err := r.Start(context.Background(), "s")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.RecordEvent("llm_call", "a", "gpt",
		map[string]any{"prompt": "hi"}, map[string]any{"response": "hello"}, 0, nil); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if _, err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	dir := filepath.Join(out, recID)
	if _, err := os.Stat(filepath.Join(dir, "events_000.jsonl.zst")); err != nil {
		t.Fatalf("compressed events file missing: %v", err)
	}
	events := readEvents(t, dir)
	if len(events) != 1 || events[0].Outputs["response"] != "hello" {
		t.Errorf("compressed events did not round trip: %+v", events)
	}
}

func TestStreamCaptureThroughRecorder(t *testing.T) {
	out := t.TempDir()
	sink := telemetry.NewCollectorSink()
	r := newTestRecorder(t, Options{OutputDir: out, Sink: sink})

	recID, err := r.Start(context.Background(), "s")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	streamID, err := r.StartStream("agent-1", "llm_stream", map[string]any{"prompt": "story"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	for _, chunk := range []string{"Once", " upon", " a", " time"} {
		if err := r.RecordChunk(streamID, chunk, nil, false); err != nil {
			t.Fatalf("RecordChunk: %v", err)
		}
	}
	if err := r.RecordChunk(streamID, "", nil, true); err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if err := r.FinishStream(streamID, 4); err != nil {
		t.Fatalf("FinishStream: %v", err)
	}

	manifest, err := r.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if manifest.TotalChunks != 5 {
		t.Errorf("total chunks = %d, want 5", manifest.TotalChunks)
	}

	// The chunk file holds all five tokens with the derived stream id.
	count := 0
	err = artifact.ReadLinesFile(filepath.Join(out, recID, artifact.ChunksName), func(line []byte) error {
		var c Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return err
		}
		if c.StreamID != streamID {
			t.Errorf("chunk stream id %s, want %s", c.StreamID, streamID)
		}
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("read chunks: %v", err)
	}
	if count != 5 {
		t.Errorf("chunk lines = %d, want 5", count)
	}

	if got := len(sink.ByType(telemetry.EventLLMCallChunk)); got != 5 {
		t.Errorf("chunk telemetry events = %d, want 5", got)
	}
}

func TestRecordChunkAfterFinalFails(t *testing.T) {
	r := newTestRecorder(t, Options{})
	if _, err := r.Start(context.Background(), "s"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	streamID, err := r.StartStream("a", "llm_stream", map[string]any{"prompt": "x"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := r.RecordChunk(streamID, "", nil, true); err != nil {
		t.Fatalf("final: %v", err)
	}
	if err := r.RecordChunk(streamID, "late", nil, false); err == nil {
		t.Error("append after final token should fail")
	}
	if _, err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestCheckpointAppends(t *testing.T) {
	out := t.TempDir()
	r := newTestRecorder(t, Options{OutputDir: out})

	recID, err := r.Start(context.Background(), "s")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.CheckpointNow("phase-1", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("CheckpointNow: %v", err)
	}
	if err := r.CheckpointNow("phase-2", nil); err != nil {
		t.Fatalf("CheckpointNow: %v", err)
	}
	if _, err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(out, recID, artifact.CheckpointsName))
	if err != nil {
		t.Fatalf("read checkpoints: %v", err)
	}
	var labels []string
	for _, line := range splitLines(data) {
		var cp Checkpoint
		if err := json.Unmarshal(line, &cp); err != nil {
			t.Fatalf("parse checkpoint: %v", err)
		}
		labels = append(labels, cp.Label)
	}
	if len(labels) != 2 || labels[0] != "phase-1" || labels[1] != "phase-2" {
		t.Errorf("labels = %v", labels)
	}
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func TestAbortFlagsManifest(t *testing.T) {
	r := newTestRecorder(t, Options{})
	if _, err := r.Start(context.Background(), "s"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.RecordEvent("tool_call", "a", "t", map[string]any{"x": 1}, nil, 0, nil); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	r.Abort()
	manifest, err := r.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !manifest.Aborted {
		t.Error("manifest not flagged aborted")
	}
	// Buffered events were still flushed.
	if manifest.EventCount != 1 {
		t.Errorf("event count = %d, want 1", manifest.EventCount)
	}
}

func TestRecordEventOutsideSessionFails(t *testing.T) {
	r := newTestRecorder(t, Options{})
	if _, err := r.RecordEvent("tool_call", "a", "t", nil, nil, 0, nil); err == nil {
		t.Error("expected error outside a session")
	}
}

func TestManifestSeedsAndDeterminismLogs(t *testing.T) {
	out := t.TempDir()
	r := newTestRecorder(t, Options{OutputDir: out, Seeds: []int64{42}})

	if _, err := r.Start(context.Background(), "s"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.Determinism().RNG().Float01(); err != nil {
		t.Fatalf("Float01: %v", err)
	}
	if _, err := r.Determinism().RNG().IntRange(1, 6); err != nil {
		t.Fatalf("IntRange: %v", err)
	}

	manifest, err := r.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(manifest.Seeds) != 1 || manifest.Seeds[0] != 42 {
		t.Errorf("seeds = %v", manifest.Seeds)
	}
	if manifest.RNGLog == nil || len(manifest.RNGLog.Float01) != 1 || len(manifest.RNGLog.IntRange) != 1 {
		t.Errorf("rng log = %+v", manifest.RNGLog)
	}
}
