package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/allaspectsdev/reel/internal/artifact"
)

// Recording is one catalog row summarising a recording's manifest.
type Recording struct {
	RecordingID        string
	Dir                string
	AdapterName        string
	AdapterVersion     string
	StartTime          time.Time
	EndTime            time.Time
	EventCount         int
	TotalChunks        int
	SizeBytes          int64
	HashAlgorithm      string
	CompressionEnabled bool
	RedactionApplied   bool
	Aborted            bool
	Reconstructed      bool
	GitSHA             string
	RegisteredAt       time.Time
}

// ErrNotFound reports a recording id absent from the catalog.
var ErrNotFound = errors.New("store: recording not found")

// Register inserts or replaces the catalog row for a recording, taking
// the summary from its manifest.
func (s *Store) Register(dir string, m *artifact.Manifest) error {
	_, err := s.writer.Exec(`
		INSERT OR REPLACE INTO recordings (
			recording_id, dir, adapter_name, adapter_version,
			start_time, end_time, event_count, total_chunks, size_bytes,
			hash_algorithm, compression_enabled, redaction_applied,
			aborted, reconstructed, git_sha, registered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RecordingID, dir, m.AdapterName, m.AdapterVersion,
		m.StartTime.UTC().Format(time.RFC3339Nano),
		m.EndTime.UTC().Format(time.RFC3339Nano),
		m.EventCount, m.TotalChunks, m.ArtifactsSizeBytes,
		m.HashAlgorithm, boolInt(m.CompressionEnabled), boolInt(m.RedactionApplied),
		boolInt(m.Aborted), boolInt(m.Reconstructed), m.GitSHA,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: register recording %s: %w", m.RecordingID, err)
	}
	return nil
}

// Get returns one catalog row.
func (s *Store) Get(recordingID string) (*Recording, error) {
	row := s.reader.QueryRow(selectRecording+" WHERE recording_id = ?", recordingID)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, recordingID)
	}
	return rec, err
}

// List returns catalog rows newest-first, up to limit (0 means all).
func (s *Store) List(limit int) ([]*Recording, error) {
	q := selectRecording + " ORDER BY end_time DESC"
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.reader.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list recordings: %w", err)
	}
	defer rows.Close()

	var out []*Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list recordings iteration: %w", err)
	}
	return out, nil
}

// Delete removes a catalog row and, when removeFiles is set, the
// recording directory itself.
func (s *Store) Delete(recordingID string, removeFiles bool) error {
	rec, err := s.Get(recordingID)
	if err != nil {
		return err
	}

	if _, err := s.writer.Exec("DELETE FROM recordings WHERE recording_id = ?", recordingID); err != nil {
		return fmt.Errorf("store: delete recording %s: %w", recordingID, err)
	}
	if removeFiles {
		if err := os.RemoveAll(rec.Dir); err != nil {
			return fmt.Errorf("store: remove recording dir %s: %w", rec.Dir, err)
		}
	}
	return nil
}

// CleanupOld removes all but the newest keepCount rows and every row whose
// end time is older than maxAgeDays. Returns the number of rows removed.
func (s *Store) CleanupOld(keepCount, maxAgeDays int, removeFiles bool) (int, error) {
	all, err := s.List(0)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	removed := 0
	for i, rec := range all {
		if i < keepCount && !rec.EndTime.Before(cutoff) {
			continue
		}
		if err := s.Delete(rec.RecordingID, removeFiles); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// StorageStats summarises the catalog.
type StorageStats struct {
	RecordingCount int
	TotalBytes     int64
	OldestEndTime  time.Time
	NewestEndTime  time.Time
}

// Stats aggregates the catalog rows.
func (s *Store) Stats() (StorageStats, error) {
	var stats StorageStats
	var oldest, newest sql.NullString
	err := s.reader.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), MIN(end_time), MAX(end_time)
		FROM recordings`).Scan(&stats.RecordingCount, &stats.TotalBytes, &oldest, &newest)
	if err != nil {
		return stats, fmt.Errorf("store: stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestEndTime, _ = time.Parse(time.RFC3339Nano, oldest.String)
	}
	if newest.Valid {
		stats.NewestEndTime, _ = time.Parse(time.RFC3339Nano, newest.String)
	}
	return stats, nil
}

const selectRecording = `
	SELECT recording_id, dir, adapter_name, adapter_version,
	       start_time, end_time, event_count, total_chunks, size_bytes,
	       hash_algorithm, compression_enabled, redaction_applied,
	       aborted, reconstructed, git_sha, registered_at
	FROM recordings`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (*Recording, error) {
	var rec Recording
	var start, end, registered string
	var compression, redaction, aborted, reconstructed int
	err := row.Scan(
		&rec.RecordingID, &rec.Dir, &rec.AdapterName, &rec.AdapterVersion,
		&start, &end, &rec.EventCount, &rec.TotalChunks, &rec.SizeBytes,
		&rec.HashAlgorithm, &compression, &redaction,
		&aborted, &reconstructed, &rec.GitSHA, &registered,
	)
	if err != nil {
		return nil, err
	}
	rec.StartTime, _ = time.Parse(time.RFC3339Nano, start)
	rec.EndTime, _ = time.Parse(time.RFC3339Nano, end)
	rec.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registered)
	rec.CompressionEnabled = compression != 0
	rec.RedactionApplied = redaction != 0
	rec.Aborted = aborted != 0
	rec.Reconstructed = reconstructed != 0
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
