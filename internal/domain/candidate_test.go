package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParsePriorityRoundTrip(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"low", "normal", "high", "critical"} {
		priority, err := ParsePriority(name)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		if priority.String() != name {
			t.Fatalf("expected %q, got %q", name, priority.String())
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatalf("expected error for unknown priority")
	}
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()

	if !(PriorityLow < PriorityNormal && PriorityNormal < PriorityHigh && PriorityHigh < PriorityCritical) {
		t.Fatalf("expected strictly increasing priority ordinals")
	}
}

func TestCandidateJSONPriorityByName(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"id":"n1","event_type":"deploy_failed","channel":"dingtalk","priority":"high","content":{"project":"api"},"created_at":"2026-08-25T10:00:00Z"}`)
	candidate, err := DecodeCandidate(raw)
	if err != nil {
		t.Fatalf("decode candidate: %v", err)
	}
	if candidate.Priority != PriorityHigh {
		t.Fatalf("expected high priority, got %v", candidate.Priority)
	}

	encoded, err := json.Marshal(candidate)
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	if !strings.Contains(string(encoded), `"priority":"high"`) {
		t.Fatalf("expected priority encoded by name, got %s", encoded)
	}
}

func TestDecodeCandidateValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"missing id", `{"event_type":"e","channel":"c","priority":"low"}`},
		{"missing event type", `{"id":"n1","channel":"c","priority":"low"}`},
		{"missing channel", `{"id":"n1","event_type":"e","priority":"low"}`},
		{"unknown priority", `{"id":"n1","event_type":"e","channel":"c","priority":"urgent"}`},
		{"zero priority", `{"id":"n1","event_type":"e","channel":"c"}`},
	}
	for _, testCase := range cases {
		if _, err := DecodeCandidate([]byte(testCase.raw)); err == nil {
			t.Fatalf("%s: expected validation error", testCase.name)
		}
	}
}

func TestFingerprintStability(t *testing.T) {
	t.Parallel()

	base := Candidate{
		ID:        "n1",
		EventType: "deploy_failed",
		Channel:   "dingtalk",
		Priority:  PriorityNormal,
		Content: map[string]string{
			ContentFieldProject:   "api",
			ContentFieldOperation: "deploy",
			ContentFieldError:     "timeout",
			ContentFieldTitle:     "deploy failed",
		},
		CreatedAt: time.Now().UTC(),
	}
	twin := base
	twin.ID = "n2"
	twin.CreatedAt = base.CreatedAt.Add(time.Minute)

	if base.Fingerprint() != twin.Fingerprint() {
		t.Fatalf("expected equal fingerprints for equal content fields")
	}
	if len(base.Fingerprint()) != 8 {
		t.Fatalf("expected 8-char fingerprint, got %q", base.Fingerprint())
	}

	other := base
	other.Content = map[string]string{ContentFieldProject: "web"}
	if base.Fingerprint() == other.Fingerprint() {
		t.Fatalf("expected different fingerprints for different projects")
	}
}

func TestDecodeCandidatesReaderBatch(t *testing.T) {
	t.Parallel()

	raw := `[{"id":"n1","event_type":"e","channel":"c","priority":"low"},{"id":"n2","event_type":"e","channel":"c","priority":"critical"}]`
	candidates, err := DecodeCandidatesReader(json.NewDecoder(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(candidates) != 2 || candidates[1].Priority != PriorityCritical {
		t.Fatalf("unexpected batch: %+v", candidates)
	}

	if _, err := DecodeCandidatesReader(json.NewDecoder(strings.NewReader("[]"))); err == nil {
		t.Fatalf("expected error for empty batch")
	}
}
