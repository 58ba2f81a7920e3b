package redact

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// RetentionClass selects the cleanup policy for recorded artifacts.
type RetentionClass string

const (
	ClassDevelopment RetentionClass = "development"
	ClassCI          RetentionClass = "ci"
	ClassProduction  RetentionClass = "production"
	ClassAudit       RetentionClass = "audit"
)

// Valid reports whether c is a recognised retention class.
func (c RetentionClass) Valid() bool {
	switch c {
	case ClassDevelopment, ClassCI, ClassProduction, ClassAudit:
		return true
	}
	return false
}

// RetentionPolicy bounds the age and size of retained artifacts.
type RetentionPolicy struct {
	Class       RetentionClass
	MaxAgeDays  int
	MaxSizeMB   int64
	AutoCleanup bool
}

// defaultPolicies are the per-class defaults.
var defaultPolicies = map[RetentionClass]RetentionPolicy{
	ClassDevelopment: {Class: ClassDevelopment, MaxAgeDays: 7, MaxSizeMB: 100, AutoCleanup: true},
	ClassCI:          {Class: ClassCI, MaxAgeDays: 30, MaxSizeMB: 500, AutoCleanup: true},
	ClassProduction:  {Class: ClassProduction, MaxAgeDays: 90, MaxSizeMB: 1000, AutoCleanup: false},
	ClassAudit:       {Class: ClassAudit, MaxAgeDays: 365, MaxSizeMB: 5000, AutoCleanup: false},
}

// RetentionManager evaluates retention policies and performs cleanup.
type RetentionManager struct {
	policies map[RetentionClass]RetentionPolicy
	now      func() time.Time
}

// NewRetentionManager creates a manager with the default policies.
func NewRetentionManager() *RetentionManager {
	policies := make(map[RetentionClass]RetentionPolicy, len(defaultPolicies))
	for k, v := range defaultPolicies {
		policies[k] = v
	}
	return &RetentionManager{policies: policies, now: time.Now}
}

// SetPolicy overrides the policy for one class.
func (m *RetentionManager) SetPolicy(p RetentionPolicy) {
	m.policies[p.Class] = p
}

// Policy returns the policy for a class and whether one is configured.
func (m *RetentionManager) Policy(c RetentionClass) (RetentionPolicy, bool) {
	p, ok := m.policies[c]
	return p, ok
}

// ShouldRetain reports whether the file at path satisfies the class policy:
// its age and size are both within bounds. Missing files are not retained.
func (m *RetentionManager) ShouldRetain(path string, class RetentionClass) bool {
	policy, ok := m.policies[class]
	if !ok {
		return true
	}

	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	age := m.now().Sub(info.ModTime())
	if age > time.Duration(policy.MaxAgeDays)*24*time.Hour {
		return false
	}
	if info.Size() > policy.MaxSizeMB*1024*1024 {
		return false
	}
	return true
}

// CleanupStats summarises one cleanup pass.
type CleanupStats struct {
	Cleaned  int
	Retained int
	Errors   []string
}

// Cleanup walks dir and deletes every file that fails the class policy.
// With dryRun set, candidates are counted but not deleted. Classes with
// AutoCleanup disabled are a no-op.
func (m *RetentionManager) Cleanup(dir string, class RetentionClass, dryRun bool) CleanupStats {
	var stats CleanupStats

	policy, ok := m.policies[class]
	if !ok || !policy.AutoCleanup {
		return stats
	}
	if _, err := os.Stat(dir); err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("directory %s: %v", dir, err))
		return stats
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		if d.IsDir() {
			return nil
		}

		if m.ShouldRetain(path, class) {
			stats.Retained++
			return nil
		}

		if !dryRun {
			if err := os.Remove(path); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("remove %s: %v", path, err))
				return nil
			}
		}
		stats.Cleaned++
		log.Debug().Str("path", path).Bool("dry_run", dryRun).Msg("retention: cleaned file")
		return nil
	})
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("walk %s: %v", dir, err))
	}

	return stats
}
