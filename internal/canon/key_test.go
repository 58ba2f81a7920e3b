package canon

import (
	"strings"
	"testing"
)

func TestMakeKeyString(t *testing.T) {
	f, err := NewFingerprinter(AlgorithmBlake3)
	if err != nil {
		t.Fatalf("new fingerprinter: %v", err)
	}

	key, err := f.MakeKey("llm_call", "langchain", "agent-1", "openai", 3, map[string]any{"prompt": "hi"})
	if err != nil {
		t.Fatalf("make key: %v", err)
	}

	s := key.String()
	if !strings.HasPrefix(s, "llm_call:langchain:agent-1:openai:3:") {
		t.Errorf("unexpected key prefix: %s", s)
	}
	if key.InputFingerprint == "" {
		t.Error("empty input fingerprint")
	}
}

func TestParseIOKeyRoundTrip(t *testing.T) {
	orig := IOKey{
		EventType:        "tool_call",
		Adapter:          "crewai",
		AgentID:          "agent-2",
		ToolName:         "search",
		CallIndex:        7,
		InputFingerprint: "abc123",
	}

	parsed, err := ParseIOKey(orig.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != orig {
		t.Errorf("round trip mismatch: got %+v, want %+v", parsed, orig)
	}
}

func TestParseIOKeyRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "a:b:c", "a:b:c:d:notanint:f"} {
		if _, err := ParseIOKey(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestMakeKeyEqualInputsEqualKeys(t *testing.T) {
	f, err := NewFingerprinter(AlgorithmSHA256)
	if err != nil {
		t.Fatalf("new fingerprinter: %v", err)
	}

	k1, err := f.MakeKey("llm_call", "adapter", "a", "gpt", 0, map[string]any{"x": 1, "y": 2})
	if err != nil {
		t.Fatalf("make key 1: %v", err)
	}
	k2, err := f.MakeKey("llm_call", "adapter", "a", "gpt", 0, map[string]any{"y": 2, "x": 1})
	if err != nil {
		t.Fatalf("make key 2: %v", err)
	}
	if k1 != k2 {
		t.Errorf("keys differ for equal inputs: %s vs %s", k1, k2)
	}
}

func TestStripVolatile(t *testing.T) {
	v := MustFromAny(map[string]any{
		"prompt":     "run 123e4567-e89b-12d3-a456-426614174000 again",
		"session_id": "s-1",
		"Timestamp":  "2026-01-01T00:00:00Z",
		"nested":     map[string]any{"trace_id": "t", "keep": "yes"},
	})

	stripped, ok := StripVolatile(v).(Map)
	if !ok {
		t.Fatal("expected Map")
	}
	if _, present := stripped["session_id"]; present {
		t.Error("session_id survived stripping")
	}
	if _, present := stripped["Timestamp"]; present {
		t.Error("Timestamp survived stripping (case-insensitive match expected)")
	}
	if got := stripped["prompt"]; got != Str("run <UUID> again") {
		t.Errorf("uuid not replaced: %v", got)
	}
	nested := stripped["nested"].(Map)
	if _, present := nested["trace_id"]; present {
		t.Error("nested trace_id survived stripping")
	}
	if nested["keep"] != Str("yes") {
		t.Error("non-volatile nested field lost")
	}
}
