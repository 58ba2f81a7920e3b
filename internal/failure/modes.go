// Package failure classifies faults in the record-replay engine, applies a
// per-class recovery strategy, and keeps an append-only failure history.
// Mismatches and recoverable corruption never surface to adapters; only
// unrecoverable faults propagate, as typed errors carrying their mode.
package failure

// Mode is the failure taxonomy.
type Mode string

const (
	// Recording side.
	RecordingInitFailed       Mode = "recording_init_failed"
	RecordingIOError          Mode = "recording_io_error"
	RecordingDiskFull         Mode = "recording_disk_full"
	RecordingPermissionDenied Mode = "recording_permission_denied"

	// Replay side.
	ReplayRecordingNotFound       Mode = "replay_recording_not_found"
	ReplayIntegrityCheckFailed    Mode = "replay_integrity_check_failed"
	ReplayManifestCorrupted       Mode = "replay_manifest_corrupted"
	ReplayEventsCorrupted         Mode = "replay_events_corrupted"
	ReplayLookupMismatch          Mode = "replay_lookup_mismatch"
	ReplayInputFingerprintMismatch Mode = "replay_input_fingerprint_mismatch"

	// System.
	SystemOutOfMemory       Mode = "system_out_of_memory"
	SystemDependencyMissing Mode = "system_dependency_missing"
	SystemPermissionError   Mode = "system_permission_error"

	// Data corruption.
	DataCorruptionDetected Mode = "data_corruption_detected"
	DataPartialCorruption  Mode = "data_partial_corruption"
	DataSchemaMismatch     Mode = "data_schema_mismatch"
)

// Strategy is a recovery strategy applied when a failure of some mode
// occurs.
type Strategy string

const (
	// FailFast propagates the fault immediately.
	FailFast Strategy = "fail_fast"
	// FallbackGraceful recovers with a neutral value.
	FallbackGraceful Strategy = "fallback_graceful"
	// RetryWithBackoff re-runs the operation with exponential backoff.
	RetryWithBackoff Strategy = "retry_with_backoff"
	// RepairAndContinue attempts an artifact repair, then continues.
	RepairAndContinue Strategy = "repair_and_continue"
	// SkipAndLog skips the operation with a warning.
	SkipAndLog Strategy = "skip_and_log"
)

// DefaultStrategies maps every failure mode to its default recovery
// strategy.
func DefaultStrategies() map[Mode]Strategy {
	return map[Mode]Strategy{
		RecordingInitFailed:       RetryWithBackoff,
		RecordingIOError:          RetryWithBackoff,
		RecordingDiskFull:         FailFast,
		RecordingPermissionDenied: FailFast,

		ReplayRecordingNotFound:        FailFast,
		ReplayIntegrityCheckFailed:     RepairAndContinue,
		ReplayManifestCorrupted:        RepairAndContinue,
		ReplayEventsCorrupted:          RepairAndContinue,
		ReplayLookupMismatch:           FallbackGraceful,
		ReplayInputFingerprintMismatch: FallbackGraceful,

		SystemOutOfMemory:       FailFast,
		SystemDependencyMissing: FallbackGraceful,
		SystemPermissionError:   FailFast,

		DataCorruptionDetected: RepairAndContinue,
		DataPartialCorruption:  RepairAndContinue,
		DataSchemaMismatch:     FallbackGraceful,
	}
}

// Error is a typed error carrying the failure mode that produced it.
type Error struct {
	Mode Mode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Mode)
	}
	return string(e.Mode) + ": " + e.Err.Error()
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps cause with its failure mode.
func NewError(mode Mode, cause error) *Error {
	return &Error{Mode: mode, Err: cause}
}
