package store

import (
	"fmt"
	"time"

	"github.com/allaspectsdev/reel/internal/failure"
)

// FailureEntry is one persisted failure-history row.
type FailureEntry struct {
	ID                 int64
	RecordingID        string
	Mode               string
	Strategy           string
	Error              string
	RecoveryAttempted  bool
	RecoverySuccessful bool
	Timestamp          time.Time
}

// LogFailure appends a failure record to the persisted history. The ID
// field of the entry is assigned by the database.
func (s *Store) LogFailure(recordingID string, rec failure.Record) (int64, error) {
	result, err := s.writer.Exec(`
		INSERT INTO failure_history (
			recording_id, failure_mode, strategy, error_message,
			recovery_attempted, recovery_successful, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		recordingID, string(rec.Mode), string(rec.Strategy), rec.Error,
		boolInt(rec.RecoveryAttempted), boolInt(rec.RecoverySuccessful),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("store: log failure: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: log failure last insert id: %w", err)
	}
	return id, nil
}

// AttachHandler registers a persistence callback for every failure mode
// so the handler's history is mirrored into the catalog.
func (s *Store) AttachHandler(h *failure.Handler, recordingID string) {
	modes := []failure.Mode{
		failure.RecordingInitFailed, failure.RecordingIOError,
		failure.RecordingDiskFull, failure.RecordingPermissionDenied,
		failure.ReplayRecordingNotFound, failure.ReplayIntegrityCheckFailed,
		failure.ReplayManifestCorrupted, failure.ReplayEventsCorrupted,
		failure.ReplayLookupMismatch, failure.ReplayInputFingerprintMismatch,
		failure.SystemOutOfMemory, failure.SystemDependencyMissing,
		failure.SystemPermissionError, failure.DataCorruptionDetected,
		failure.DataPartialCorruption, failure.DataSchemaMismatch,
	}
	for _, mode := range modes {
		h.OnFailure(mode, func(rec failure.Record) {
			_, _ = s.LogFailure(recordingID, rec)
		})
	}
}

// Failures returns persisted failure rows, newest first, up to limit
// (0 means all).
func (s *Store) Failures(limit int) ([]*FailureEntry, error) {
	q := `
		SELECT id, recording_id, failure_mode, strategy, error_message,
		       recovery_attempted, recovery_successful, timestamp
		FROM failure_history
		ORDER BY timestamp DESC, id DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.reader.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list failures: %w", err)
	}
	defer rows.Close()

	var out []*FailureEntry
	for rows.Next() {
		var e FailureEntry
		var attempted, successful int
		var ts string
		if err := rows.Scan(&e.ID, &e.RecordingID, &e.Mode, &e.Strategy, &e.Error,
			&attempted, &successful, &ts); err != nil {
			return nil, fmt.Errorf("store: scan failure row: %w", err)
		}
		e.RecoveryAttempted = attempted != 0
		e.RecoverySuccessful = successful != 0
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list failures iteration: %w", err)
	}
	return out, nil
}
