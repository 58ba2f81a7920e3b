package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/allaspectsdev/reel/internal/artifact"
	"github.com/allaspectsdev/reel/internal/failure"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func manifestFixture(id string, end time.Time) *artifact.Manifest {
	return &artifact.Manifest{
		RecordingID:        id,
		SchemaVersion:      artifact.SchemaVersion,
		StartTime:          end.Add(-time.Minute),
		EndTime:            end,
		AdapterName:        "langchain",
		AdapterVersion:     "0.3.0",
		HashAlgorithm:      "blake3",
		EventCount:         5,
		TotalChunks:        2,
		ArtifactsSizeBytes: 2048,
		CompressionEnabled: true,
		RedactionApplied:   true,
	}
}

func TestRegisterAndGet(t *testing.T) {
	s := newTestStore(t)
	end := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Register("/tmp/rec_a", manifestFixture("rec_a", end)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rec, err := s.Get("rec_a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.AdapterName != "langchain" || rec.EventCount != 5 || !rec.CompressionEnabled {
		t.Errorf("row = %+v", rec)
	}
	if !rec.EndTime.Equal(end) {
		t.Errorf("end time = %v, want %v", rec.EndTime, end)
	}
}

func TestGetMissingReturnsTypedError(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("rec_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"rec_old", "rec_mid", "rec_new"} {
		if err := s.Register("/tmp/"+id, manifestFixture(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}

	rows, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0].RecordingID != "rec_new" || rows[2].RecordingID != "rec_old" {
		t.Errorf("order = %s, %s, %s", rows[0].RecordingID, rows[1].RecordingID, rows[2].RecordingID)
	}

	limited, err := s.List(2)
	if err != nil {
		t.Fatalf("List(2): %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited rows = %d", len(limited))
	}
}

func TestDeleteRemovesFiles(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "rec_del")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "events_000.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.Register(dir, manifestFixture("rec_del", time.Now().UTC())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Delete("rec_del", true); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := s.Get("rec_del"); !errors.Is(err, ErrNotFound) {
		t.Error("row survived delete")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("recording directory survived delete")
	}
}

func TestCleanupOldKeepsNewest(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	for i, id := range []string{"rec_1", "rec_2", "rec_3", "rec_4"} {
		end := now.Add(-time.Duration(i) * time.Hour)
		if err := s.Register("/tmp/"+id, manifestFixture(id, end)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	removed, err := s.CleanupOld(2, 30, false)
	if err != nil {
		t.Fatalf("CleanupOld: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	rows, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 2 || rows[0].RecordingID != "rec_1" {
		t.Errorf("survivors = %+v", rows)
	}
}

func TestStatsAggregates(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"rec_a", "rec_b"} {
		if err := s.Register("/tmp/"+id, manifestFixture(id, now)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.RecordingCount != 2 || stats.TotalBytes != 4096 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFailureHistoryPersistence(t *testing.T) {
	s := newTestStore(t)

	h := failure.NewHandler()
	s.AttachHandler(h, "rec_a")

	_, _ = h.Handle(context.Background(), failure.ReplayLookupMismatch,
		errors.New("missing key"), failure.Context{})
	_, _ = h.Handle(context.Background(), failure.RecordingDiskFull,
		errors.New("no space"), failure.Context{})

	rows, err := s.Failures(0)
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	modes := map[string]bool{}
	for _, r := range rows {
		modes[r.Mode] = true
		if r.RecordingID != "rec_a" {
			t.Errorf("recording id = %s", r.RecordingID)
		}
	}
	if !modes[string(failure.ReplayLookupMismatch)] || !modes[string(failure.RecordingDiskFull)] {
		t.Errorf("modes = %v", modes)
	}
}

func TestPruneRemovesOldRows(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().UTC().AddDate(0, 0, -60)
	fresh := time.Now().UTC()

	if err := s.Register("/tmp/rec_old", manifestFixture("rec_old", old)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("/tmp/rec_new", manifestFixture("rec_new", fresh)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	n, err := s.Prune(30)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := s.Get("rec_new"); err != nil {
		t.Error("fresh row pruned")
	}
}
