package store

// SQL schema constants for the catalog tables.

const schemaRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
    recording_id TEXT PRIMARY KEY,
    dir TEXT NOT NULL,
    adapter_name TEXT NOT NULL,
    adapter_version TEXT NOT NULL DEFAULT '',
    start_time TEXT NOT NULL,
    end_time TEXT NOT NULL,
    event_count INTEGER NOT NULL DEFAULT 0,
    total_chunks INTEGER NOT NULL DEFAULT 0,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    hash_algorithm TEXT NOT NULL DEFAULT '',
    compression_enabled INTEGER NOT NULL DEFAULT 0,
    redaction_applied INTEGER NOT NULL DEFAULT 0,
    aborted INTEGER NOT NULL DEFAULT 0,
    reconstructed INTEGER NOT NULL DEFAULT 0,
    git_sha TEXT NOT NULL DEFAULT '',
    registered_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recordings_end_time ON recordings(end_time);
CREATE INDEX IF NOT EXISTS idx_recordings_adapter ON recordings(adapter_name);
`

const schemaFailureHistory = `
CREATE TABLE IF NOT EXISTS failure_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id TEXT NOT NULL DEFAULT '',
    failure_mode TEXT NOT NULL,
    strategy TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    recovery_attempted INTEGER NOT NULL DEFAULT 0,
    recovery_successful INTEGER NOT NULL DEFAULT 0,
    timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failure_history_mode ON failure_history(failure_mode);
CREATE INDEX IF NOT EXISTS idx_failure_history_timestamp ON failure_history(timestamp);
`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// allSchemas lists every DDL block applied by the initial migration.
var allSchemas = []string{
	schemaRecordings,
	schemaFailureHistory,
}
