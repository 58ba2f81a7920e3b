// Package artifact defines the on-disk shape of a recording: directory
// layout, manifest format, and the newline-delimited line codec shared by
// the recorder, player, integrity checker, and failure handler. Keeping it
// a leaf package lets those components depend on the layout without
// depending on each other.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// ManifestName is the manifest file inside a recording directory.
	ManifestName = "manifest.yaml"
	// ManifestBackupName is the optional manifest backup used for repair.
	ManifestBackupName = "manifest.yaml.backup"
	// ChunksName is the stream-chunk file (plus compression suffix).
	ChunksName = "chunks.jsonl"
	// CheckpointsName is the uncompressed checkpoint file.
	CheckpointsName = "checkpoints.jsonl"
	// LockName marks exclusive recorder ownership of a directory.
	LockName = ".reel.lock"
	// CompressedSuffix is appended to event/chunk files when per-line zstd
	// framing is enabled.
	CompressedSuffix = ".zst"
	// ReplayPrefix names the sibling directories a player owns.
	ReplayPrefix = "replay_"
)

// Layout resolves the file paths of one recording directory.
type Layout struct {
	Dir        string
	Compressed bool
}

// NewLayout creates a layout rooted at dir.
func NewLayout(dir string, compressed bool) Layout {
	return Layout{Dir: dir, Compressed: compressed}
}

// ManifestPath returns the manifest location.
func (l Layout) ManifestPath() string {
	return filepath.Join(l.Dir, ManifestName)
}

// ManifestBackupPath returns the manifest backup location.
func (l Layout) ManifestBackupPath() string {
	return filepath.Join(l.Dir, ManifestBackupName)
}

// EventsPath returns the events segment file for the given rotation index.
func (l Layout) EventsPath(segment int) string {
	name := fmt.Sprintf("events_%03d.jsonl", segment)
	if l.Compressed {
		name += CompressedSuffix
	}
	return filepath.Join(l.Dir, name)
}

// ChunksPath returns the stream-chunk file.
func (l Layout) ChunksPath() string {
	name := ChunksName
	if l.Compressed {
		name += CompressedSuffix
	}
	return filepath.Join(l.Dir, name)
}

// CheckpointsPath returns the checkpoint file; checkpoints are never
// compressed.
func (l Layout) CheckpointsPath() string {
	return filepath.Join(l.Dir, CheckpointsName)
}

// LockPath returns the ownership lock file.
func (l Layout) LockPath() string {
	return filepath.Join(l.Dir, LockName)
}

// IsEventsFile reports whether name (a bare file name) is an events segment
// in either compressed or uncompressed form.
func IsEventsFile(name string) bool {
	trimmed := strings.TrimSuffix(name, CompressedSuffix)
	return strings.HasPrefix(trimmed, "events_") && strings.HasSuffix(trimmed, ".jsonl")
}

// IsChunksFile reports whether name is the chunks stream.
func IsChunksFile(name string) bool {
	return strings.TrimSuffix(name, CompressedSuffix) == ChunksName
}

// IsCompressed reports whether name carries the per-line zstd suffix.
func IsCompressed(name string) bool {
	return strings.HasSuffix(name, CompressedSuffix)
}

// EventSegments lists the event segment files present in dir, in rotation
// order.
func EventSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: read dir %s: %w", dir, err)
	}
	var segments []string
	for _, e := range entries {
		if e.IsDir() || !IsEventsFile(e.Name()) {
			continue
		}
		segments = append(segments, filepath.Join(dir, e.Name()))
	}
	sort.Strings(segments)
	return segments, nil
}

// DataFiles lists every regular file in dir except the manifest, its
// backup, and the ownership lock. These are the files a manifest must
// account for.
func DataFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: read dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch e.Name() {
		case ManifestName, ManifestBackupName, LockName:
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// RecoveredName derives the sibling file name that holds records salvaged
// from a corrupted stream: events_000.jsonl -> events_000_recovered.jsonl.
// The compression suffix is dropped; recovered files are always plain.
func RecoveredName(name string) string {
	trimmed := strings.TrimSuffix(name, CompressedSuffix)
	ext := filepath.Ext(trimmed)
	return strings.TrimSuffix(trimmed, ext) + "_recovered" + ext
}
