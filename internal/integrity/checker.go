// Package integrity verifies recorded artifacts: file hashes against the
// manifest catalogue, manifest structure and self-hash, and event-stream
// invariants. It reports problems; recovery lives in the failure package.
package integrity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/allaspectsdev/reel/internal/artifact"
	"github.com/allaspectsdev/reel/internal/canon"
)

// ErrHashMismatch reports file content that does not match its catalogued
// hash.
var ErrHashMismatch = errors.New("integrity: hash mismatch")

// Checker computes and verifies hashes with a fixed algorithm.
type Checker struct {
	fp *canon.Fingerprinter
}

// NewChecker creates a checker for the given algorithm.
func NewChecker(algorithm canon.Algorithm) (*Checker, error) {
	fp, err := canon.NewFingerprinter(algorithm)
	if err != nil {
		return nil, err
	}
	return &Checker{fp: fp}, nil
}

// Algorithm returns the configured hash algorithm.
func (c *Checker) Algorithm() canon.Algorithm {
	return c.fp.Algorithm()
}

// FileHash streams the file at path through the configured hash.
func (c *Checker) FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("integrity: open %s: %w", path, err)
	}
	defer f.Close()

	h, err := c.fp.Algorithm().New()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("integrity: read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DataHash hashes raw bytes.
func (c *Checker) DataHash(data []byte) (string, error) {
	return c.fp.HashData(data)
}

// VerifyFile compares the file's hash against expected.
func (c *Checker) VerifyFile(path, expected string) error {
	actual, err := c.FileHash(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrHashMismatch, path, expected, actual)
	}
	return nil
}

// VerifyManifest parses the manifest at path and validates its structure,
// hash-algorithm enum, and self-hash when present. The self-hash covers
// the manifest bytes with the manifest_hash field removed and uses the
// manifest's own declared algorithm.
func VerifyManifest(path string) (*artifact.Manifest, error) {
	m, err := artifact.ReadManifest(path)
	if err != nil {
		return nil, err
	}
	if !canon.Algorithm(m.HashAlgorithm).Valid() {
		return nil, fmt.Errorf("integrity: manifest declares unknown hash algorithm %q", m.HashAlgorithm)
	}

	if m.ManifestHash != "" {
		checker, err := NewChecker(canon.Algorithm(m.HashAlgorithm))
		if err != nil {
			return nil, err
		}
		content, err := m.EncodeForHash()
		if err != nil {
			return nil, err
		}
		actual, err := checker.DataHash(content)
		if err != nil {
			return nil, err
		}
		if actual != m.ManifestHash {
			return nil, fmt.Errorf("integrity: manifest self-hash mismatch: expected %s, got %s",
				m.ManifestHash, actual)
		}
	}
	return m, nil
}
