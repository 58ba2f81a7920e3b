package integrity

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/allaspectsdev/reel/internal/artifact"
	"github.com/allaspectsdev/reel/internal/canon"
)

// Report is the result of a full recording check.
type Report struct {
	RecordingDir  string   `json:"recording_dir"`
	HashAlgorithm string   `json:"hash_algorithm"`
	ManifestValid bool     `json:"manifest_valid"`
	FilesChecked  int      `json:"files_checked"`
	FilesPassed   int      `json:"files_passed"`
	FilesFailed   int      `json:"files_failed"`
	Errors        []string `json:"errors"`
	Warnings      []string `json:"warnings"`
	OrphanedFiles []string `json:"orphaned_files"`
	MissingFiles  []string `json:"missing_files"`
	Success       bool     `json:"success"`
}

// VerifyRecording runs the comprehensive integrity check of a recording
// directory: manifest validation, per-file hash verification, orphan and
// missing-file detection, and event-stream invariants.
func VerifyRecording(dir string) *Report {
	report := &Report{RecordingDir: dir}

	manifest, err := VerifyManifest(artifact.NewLayout(dir, false).ManifestPath())
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}
	report.ManifestValid = true
	report.HashAlgorithm = manifest.HashAlgorithm

	checker, err := NewChecker(canon.Algorithm(manifest.HashAlgorithm))
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	for name, expected := range manifest.FileHashes {
		report.FilesChecked++
		path := filepath.Join(dir, name)
		if err := checker.VerifyFile(path, expected.Hash); err != nil {
			report.FilesFailed++
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.FilesPassed++
	}

	checkFileSets(dir, manifest, report)
	checkEventStream(dir, manifest, report)

	report.Success = report.FilesFailed == 0 && len(report.Errors) == 0
	return report
}

// checkFileSets detects orphaned files (present but uncatalogued) and
// missing files (catalogued but absent). Orphans are warnings; missing
// files are errors.
func checkFileSets(dir string, manifest *artifact.Manifest, report *Report) {
	actual, err := artifact.DataFiles(dir)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	actualSet := make(map[string]bool, len(actual))
	for _, name := range actual {
		actualSet[name] = true
	}

	for _, name := range actual {
		if _, listed := manifest.FileHashes[name]; !listed {
			report.OrphanedFiles = append(report.OrphanedFiles, name)
		}
	}
	if len(report.OrphanedFiles) > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("orphaned files found: %v", report.OrphanedFiles))
	}

	for name := range manifest.FileHashes {
		if !actualSet[name] {
			report.MissingFiles = append(report.MissingFiles, name)
		}
	}
	if len(report.MissingFiles) > 0 {
		report.Errors = append(report.Errors,
			fmt.Sprintf("missing files: %v", report.MissingFiles))
	}
}

// checkEventStream validates the recorded events against the manifest:
// the event count matches, every event carries the required fields, and
// timestamps are non-decreasing. Concurrency does not guarantee monotonic
// arrival times at the writer, so a timestamp regression is only a
// warning.
func checkEventStream(dir string, manifest *artifact.Manifest, report *Report) {
	segments, err := artifact.EventSegments(dir)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	if len(segments) == 0 {
		report.Warnings = append(report.Warnings, "no events files found")
		return
	}

	count := 0
	var prev time.Time
	warnedOrder := false
	for _, segment := range segments {
		err := artifact.ReadLinesFile(segment, func(line []byte) error {
			var event map[string]any
			if err := json.Unmarshal(line, &event); err != nil {
				return fmt.Errorf("integrity: invalid event json in %s: %w", filepath.Base(segment), err)
			}
			for _, field := range []string{"timestamp", "event_type"} {
				if _, ok := event[field]; !ok {
					report.Warnings = append(report.Warnings,
						fmt.Sprintf("event %d missing required field %q", count, field))
				}
			}
			if raw, ok := event["timestamp"].(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					if !warnedOrder && !prev.IsZero() && ts.Before(prev) {
						report.Warnings = append(report.Warnings,
							fmt.Sprintf("non-monotonic timestamp at event %d", count))
						warnedOrder = true
					}
					prev = ts
				}
			}
			count++
			return nil
		})
		if err != nil {
			if errors.Is(err, artifact.ErrTruncated) {
				report.Errors = append(report.Errors,
					fmt.Sprintf("truncated events file %s", filepath.Base(segment)))
				continue
			}
			report.Errors = append(report.Errors, err.Error())
		}
	}

	if count != manifest.EventCount {
		report.Errors = append(report.Errors,
			fmt.Sprintf("event count mismatch: manifest says %d, found %d", manifest.EventCount, count))
	}
}
