package artifact

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/allaspectsdev/reel/internal/determinism"
)

// SchemaVersion is written into every new manifest. Readers accept any
// version with major 1.
const SchemaVersion = "1.1.0"

// FileHash describes one file catalogued by the manifest. On disk the new
// form is a mapping {hash, size, algorithm}; the legacy form, a bare hex
// string, is still accepted on read.
type FileHash struct {
	Hash      string `yaml:"hash"`
	Size      int64  `yaml:"size"`
	Algorithm string `yaml:"algorithm"`
}

// UnmarshalYAML accepts both the structured and the legacy bare-string
// forms.
func (f *FileHash) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var hash string
		if err := node.Decode(&hash); err != nil {
			return err
		}
		*f = FileHash{Hash: hash}
		return nil
	}
	type plain FileHash
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*f = FileHash(p)
	return nil
}

// Manifest is the metadata and hash catalogue describing one recording.
type Manifest struct {
	RecordingID        string                `yaml:"recording_id"`
	SchemaVersion      string                `yaml:"schema_version"`
	StartTime          time.Time             `yaml:"start_time"`
	EndTime            time.Time             `yaml:"end_time"`
	AdapterName        string                `yaml:"adapter_name"`
	AdapterVersion     string                `yaml:"adapter_version"`
	HashAlgorithm      string                `yaml:"hash_algorithm"`
	FileHashes         map[string]FileHash   `yaml:"file_hashes"`
	EventCount         int                   `yaml:"event_count"`
	TotalChunks        int                   `yaml:"total_chunks"`
	RedactionApplied   bool                  `yaml:"redaction_applied"`
	CompressionEnabled bool                  `yaml:"compression_enabled"`
	ArtifactsSizeBytes int64                 `yaml:"artifacts_size_bytes"`
	GitSHA             string                `yaml:"git_sha,omitempty"`
	ConfigDigest       string                `yaml:"config_digest,omitempty"`
	ModelIDs           []string              `yaml:"model_ids,omitempty"`
	Seeds              []int64               `yaml:"seeds,omitempty"`
	ClockLog           []time.Time           `yaml:"clock_log,omitempty"`
	RNGLog             *determinism.RNGLog   `yaml:"rng_log,omitempty"`
	ManifestHash       string                `yaml:"manifest_hash,omitempty"`
	Reconstructed      bool                  `yaml:"reconstructed,omitempty"`
	Aborted            bool                  `yaml:"aborted,omitempty"`
}

// requiredManifestKeys must all be present for a manifest to validate.
var requiredManifestKeys = []string{
	"recording_id", "schema_version", "start_time", "end_time",
	"adapter_name", "adapter_version", "hash_algorithm", "file_hashes",
	"event_count", "total_chunks", "compression_enabled", "redaction_applied",
}

// Encode serialises the manifest as sorted-key YAML with LF line endings.
// The struct is routed through a generic map so key order is independent of
// field declaration order.
func (m *Manifest) Encode() ([]byte, error) {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("artifact: marshal manifest: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("artifact: normalise manifest: %w", err)
	}
	out, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("artifact: marshal manifest tree: %w", err)
	}
	return out, nil
}

// EncodeForHash serialises the manifest with the manifest_hash field
// removed, which is the exact byte sequence the self-hash covers.
func (m *Manifest) EncodeForHash() ([]byte, error) {
	clone := *m
	clone.ManifestHash = ""
	return clone.Encode()
}

// WriteFile writes the manifest to path.
func (m *Manifest) WriteFile(path string) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("artifact: write manifest %s: %w", path, err)
	}
	return nil
}

// ReadManifest parses and structurally validates the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("artifact: read manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest parses manifest bytes and validates required keys and the
// schema version.
func ParseManifest(data []byte) (*Manifest, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("artifact: invalid manifest yaml: %w", err)
	}
	for _, key := range requiredManifestKeys {
		if _, ok := tree[key]; !ok {
			return nil, fmt.Errorf("artifact: manifest missing required field %q", key)
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("artifact: decode manifest: %w", err)
	}
	if err := CheckSchemaVersion(m.SchemaVersion); err != nil {
		return nil, err
	}
	return &m, nil
}

// CheckSchemaVersion accepts any schema version with major 1.
func CheckSchemaVersion(version string) error {
	if !strings.HasPrefix(version, "1.") {
		return fmt.Errorf("artifact: incompatible schema version %q", version)
	}
	return nil
}
