package redact

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

func mustCompile(t *testing.T, pattern string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(pattern)
	if err != nil {
		t.Fatalf("compile %q: %v", pattern, err)
	}
	return re
}

func writeAged(t *testing.T, dir, name string, age time.Duration, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func TestShouldRetainAgeBound(t *testing.T) {
	m := NewRetentionManager()
	dir := t.TempDir()

	fresh := writeAged(t, dir, "fresh.jsonl", time.Hour, 10)
	stale := writeAged(t, dir, "stale.jsonl", 8*24*time.Hour, 10)

	if !m.ShouldRetain(fresh, ClassDevelopment) {
		t.Error("fresh file should be retained under development policy")
	}
	if m.ShouldRetain(stale, ClassDevelopment) {
		t.Error("8-day-old file should not be retained under development policy")
	}
	// The same file is fine under the 30-day CI policy.
	if !m.ShouldRetain(stale, ClassCI) {
		t.Error("8-day-old file should be retained under ci policy")
	}
}

func TestShouldRetainMissingFile(t *testing.T) {
	m := NewRetentionManager()
	if m.ShouldRetain(filepath.Join(t.TempDir(), "gone"), ClassAudit) {
		t.Error("missing file reported as retained")
	}
}

func TestCleanupDeletesExpired(t *testing.T) {
	m := NewRetentionManager()
	dir := t.TempDir()

	writeAged(t, dir, "keep.jsonl", time.Hour, 10)
	stalePath := writeAged(t, dir, "drop.jsonl", 10*24*time.Hour, 10)

	stats := m.Cleanup(dir, ClassDevelopment, false)
	if stats.Cleaned != 1 || stats.Retained != 1 {
		t.Fatalf("cleaned=%d retained=%d, want 1/1 (errors: %v)",
			stats.Cleaned, stats.Retained, stats.Errors)
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Error("expired file still exists after cleanup")
	}
}

func TestCleanupDryRunKeepsFiles(t *testing.T) {
	m := NewRetentionManager()
	dir := t.TempDir()
	stalePath := writeAged(t, dir, "drop.jsonl", 10*24*time.Hour, 10)

	stats := m.Cleanup(dir, ClassDevelopment, true)
	if stats.Cleaned != 1 {
		t.Fatalf("cleaned=%d, want 1", stats.Cleaned)
	}
	if _, err := os.Stat(stalePath); err != nil {
		t.Error("dry run deleted the file")
	}
}

func TestCleanupRespectsAutoCleanupFlag(t *testing.T) {
	m := NewRetentionManager()
	dir := t.TempDir()
	writeAged(t, dir, "old.jsonl", 400*24*time.Hour, 10)

	// Production and audit default to auto_cleanup=false.
	for _, class := range []RetentionClass{ClassProduction, ClassAudit} {
		stats := m.Cleanup(dir, class, false)
		if stats.Cleaned != 0 || stats.Retained != 0 {
			t.Errorf("class %s: cleanup ran despite auto_cleanup=false: %+v", class, stats)
		}
	}
}

func TestDefaultPolicyTable(t *testing.T) {
	m := NewRetentionManager()
	tests := []struct {
		class   RetentionClass
		ageDays int
		sizeMB  int64
		auto    bool
	}{
		{ClassDevelopment, 7, 100, true},
		{ClassCI, 30, 500, true},
		{ClassProduction, 90, 1000, false},
		{ClassAudit, 365, 5000, false},
	}
	for _, tt := range tests {
		p, ok := m.Policy(tt.class)
		if !ok {
			t.Fatalf("no policy for %s", tt.class)
		}
		if p.MaxAgeDays != tt.ageDays || p.MaxSizeMB != tt.sizeMB || p.AutoCleanup != tt.auto {
			t.Errorf("%s: got %+v", tt.class, p)
		}
	}
}
