package failure

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/reel/internal/artifact"
	"github.com/allaspectsdev/reel/internal/canon"
	"github.com/allaspectsdev/reel/internal/integrity"
)

// repair dispatches to the artifact repair that fits the failure mode.
func (h *Handler) repair(mode Mode, fctx Context) error {
	if fctx.RecordingDir == "" {
		return fmt.Errorf("failure: no recording directory for repair")
	}
	switch mode {
	case ReplayManifestCorrupted, ReplayIntegrityCheckFailed:
		return RepairManifest(fctx.RecordingDir)
	case ReplayEventsCorrupted, DataPartialCorruption, DataCorruptionDetected:
		return RecoverStreams(fctx.RecordingDir)
	default:
		return fmt.Errorf("failure: no repair available for %s", mode)
	}
}

// RepairManifest restores the manifest from its backup when one exists,
// and otherwise reconstructs it by rehashing every data file. Reconstructed
// manifests carry reconstructed=true so consumers know provenance fields
// were lost.
func RepairManifest(dir string) error {
	layout := artifact.NewLayout(dir, false)

	if _, err := os.Stat(layout.ManifestBackupPath()); err == nil {
		data, err := os.ReadFile(layout.ManifestBackupPath())
		if err != nil {
			return fmt.Errorf("failure: read manifest backup: %w", err)
		}
		if err := os.WriteFile(layout.ManifestPath(), data, 0o644); err != nil {
			return fmt.Errorf("failure: restore manifest backup: %w", err)
		}
		log.Info().Str("dir", dir).Msg("manifest restored from backup")
		return nil
	}

	return ReconstructManifest(dir, canon.AlgorithmSHA256)
}

// ReconstructManifest rebuilds a minimal manifest by hashing every data
// file in the recording directory.
func ReconstructManifest(dir string, algorithm canon.Algorithm) error {
	checker, err := integrity.NewChecker(algorithm)
	if err != nil {
		return err
	}

	files, err := artifact.DataFiles(dir)
	if err != nil {
		return err
	}

	hashes := make(map[string]artifact.FileHash, len(files))
	var total int64
	eventCount := 0
	chunkCount := 0
	for _, name := range files {
		path := filepath.Join(dir, name)
		hash, err := checker.FileHash(path)
		if err != nil {
			return fmt.Errorf("failure: rehash %s: %w", name, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failure: stat %s: %w", name, err)
		}
		hashes[name] = artifact.FileHash{Hash: hash, Size: info.Size(), Algorithm: string(algorithm)}
		total += info.Size()

		count := 0
		if artifact.IsEventsFile(name) || artifact.IsChunksFile(name) {
			// Best-effort record counting; a corrupt tail stops the count
			// at the last intact record.
			_ = artifact.ReadLinesFile(path, func([]byte) error {
				count++
				return nil
			})
		}
		if artifact.IsEventsFile(name) {
			eventCount += count
		}
		if artifact.IsChunksFile(name) {
			chunkCount += count
		}
	}

	now := time.Now().UTC()
	m := &artifact.Manifest{
		RecordingID:        filepath.Base(dir),
		SchemaVersion:      artifact.SchemaVersion,
		StartTime:          now,
		EndTime:            now,
		AdapterName:        "unknown",
		AdapterVersion:     "unknown",
		HashAlgorithm:      string(algorithm),
		FileHashes:         hashes,
		EventCount:         eventCount,
		TotalChunks:        chunkCount,
		RedactionApplied:   true,
		CompressionEnabled: false,
		ArtifactsSizeBytes: total,
		Reconstructed:      true,
	}

	if err := m.WriteFile(artifact.NewLayout(dir, false).ManifestPath()); err != nil {
		return err
	}
	log.Info().Str("dir", dir).Int("files", len(files)).Msg("manifest reconstructed")
	return nil
}

// RecoverStreams reads every event and chunk stream in the directory line
// by line, discards lines that fail to parse, and writes the salvaged
// records to *_recovered sibling files. Returns the first error that
// prevents recovery entirely; per-line damage is absorbed.
func RecoverStreams(dir string) error {
	segments, err := artifact.EventSegments(dir)
	if err != nil {
		return err
	}

	layout := artifact.NewLayout(dir, false)
	candidates := append([]string{}, segments...)
	for _, chunks := range []string{layout.ChunksPath(), layout.ChunksPath() + artifact.CompressedSuffix} {
		if _, err := os.Stat(chunks); err == nil {
			candidates = append(candidates, chunks)
		}
	}

	for _, path := range candidates {
		if _, err := RecoverFile(path); err != nil {
			return err
		}
	}
	return nil
}

// RecoverFile salvages the well-formed JSON lines of one stream file into
// an uncompressed *_recovered sibling. Returns the number of records kept.
func RecoverFile(path string) (int, error) {
	var kept [][]byte
	err := artifact.ReadLinesFile(path, func(line []byte) error {
		if !json.Valid(line) {
			log.Warn().Str("file", filepath.Base(path)).Msg("skipping corrupted record")
			return nil
		}
		kept = append(kept, append([]byte(nil), line...))
		return nil
	})
	if err != nil && !errors.Is(err, artifact.ErrTruncated) {
		return 0, fmt.Errorf("failure: recover %s: %w", path, err)
	}

	recoveredPath := filepath.Join(filepath.Dir(path), artifact.RecoveredName(filepath.Base(path)))
	out, err := os.Create(recoveredPath)
	if err != nil {
		return 0, fmt.Errorf("failure: create %s: %w", recoveredPath, err)
	}
	defer out.Close()

	w, err := artifact.NewLineWriter(out, false)
	if err != nil {
		return 0, err
	}
	for _, line := range kept {
		if _, err := w.WriteLine(line); err != nil {
			return 0, err
		}
	}
	if err := w.Close(); err != nil {
		return 0, err
	}

	log.Info().Str("file", filepath.Base(path)).Int("records", len(kept)).
		Str("recovered", filepath.Base(recoveredPath)).Msg("stream recovered")
	return len(kept), nil
}
