package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm identifies the hash used for fingerprints and manifest file
// hashes. The algorithm is a session constant recorded in the manifest.
type Algorithm string

const (
	// AlgorithmBlake3 is the preferred fingerprint algorithm.
	AlgorithmBlake3 Algorithm = "blake3"
	// AlgorithmBlake2b is the first fallback.
	AlgorithmBlake2b Algorithm = "blake2b"
	// AlgorithmSHA256 uses the standard library SHA-256.
	AlgorithmSHA256 Algorithm = "sha256"
	// AlgorithmSHA3_256 uses SHA3-256.
	AlgorithmSHA3_256 Algorithm = "sha3_256"
)

// Algorithms lists every supported algorithm in preference order.
var Algorithms = []Algorithm{AlgorithmBlake3, AlgorithmBlake2b, AlgorithmSHA256, AlgorithmSHA3_256}

// Valid reports whether a is one of the supported algorithms.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmBlake3, AlgorithmBlake2b, AlgorithmSHA256, AlgorithmSHA3_256:
		return true
	}
	return false
}

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case AlgorithmBlake3:
		return blake3.New(), nil
	case AlgorithmBlake2b:
		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, fmt.Errorf("canon: blake2b: %w", err)
		}
		return h, nil
	case AlgorithmSHA256:
		return sha256.New(), nil
	case AlgorithmSHA3_256:
		return sha3.New256(), nil
	default:
		return nil, fmt.Errorf("canon: unsupported hash algorithm %q", a)
	}
}

// Fingerprinter computes canonical fingerprints with a fixed algorithm.
// The zero value is not usable; construct with NewFingerprinter.
type Fingerprinter struct {
	algorithm Algorithm
}

// NewFingerprinter creates a Fingerprinter for the given algorithm.
func NewFingerprinter(a Algorithm) (*Fingerprinter, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("canon: unsupported hash algorithm %q", a)
	}
	return &Fingerprinter{algorithm: a}, nil
}

// Algorithm returns the configured algorithm.
func (f *Fingerprinter) Algorithm() Algorithm {
	return f.algorithm
}

// Fingerprint computes the hex fingerprint of an arbitrary value. The input
// is converted through FromAny and serialised canonically, so the result is
// stable across platforms, process restarts, and map insertion order.
func (f *Fingerprinter) Fingerprint(v any) (string, error) {
	cv, err := FromAny(v)
	if err != nil {
		return "", err
	}
	return f.FingerprintValue(cv)
}

// FingerprintValue computes the hex fingerprint of an already-converted
// Value.
func (f *Fingerprinter) FingerprintValue(v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	h, err := f.algorithm.New()
	if err != nil {
		return "", err
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashData computes the hex digest of raw bytes with the configured
// algorithm, without canonicalisation. Used for file and manifest hashing.
func (f *Fingerprinter) HashData(data []byte) (string, error) {
	h, err := f.algorithm.New()
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashPrompt fingerprints a prompt together with its parameters. Streaming
// lookups derive their stream identity from this value.
func (f *Fingerprinter) HashPrompt(prompt string, params map[string]any) (string, error) {
	return f.Fingerprint(map[string]any{"prompt": prompt, "params": params})
}
