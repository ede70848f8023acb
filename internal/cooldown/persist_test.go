package cooldown

import (
	"testing"
	"time"

	"notifier/internal/domain"
)

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	rule := Rule{
		Name:         "burst",
		Scope:        ScopeEventType,
		Algorithm:    AlgorithmStatic,
		BaseSec:      120,
		TriggerCount: 1,
		WindowSec:    300,
	}
	source, sourceNow := newTestGate(t, []Rule{rule}, start)

	if suppressed, _, _ := source.ShouldCooldown(testContext(), domain.PriorityNormal); !suppressed {
		t.Fatalf("expected active cooldown in source gate")
	}
	*sourceNow = sourceNow.Add(30 * time.Second)

	snapshot := source.ExportState()
	if snapshot.Version != SnapshotVersion || len(snapshot.States) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	raw, err := EncodeSnapshot(snapshot)
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}
	decoded, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}

	target, _ := newTestGate(t, []Rule{rule}, *sourceNow)
	if imported := target.ImportState(decoded); imported != 1 {
		t.Fatalf("expected 1 imported state, got %d", imported)
	}

	suppressed, reason, remaining := target.ShouldCooldown(testContext(), domain.PriorityNormal)
	if !suppressed || reason != "cooldown active (event_type)" {
		t.Fatalf("expected restored suppression, got %v %q", suppressed, reason)
	}
	if remaining == nil || *remaining != 90 {
		t.Fatalf("expected 90s remaining after restore, got %v", remaining)
	}
}

func TestImportSkipsUnknownVersion(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	gate, _ := newTestGate(t, nil, start)

	snapshot := Snapshot{
		Version: SnapshotVersion + 1,
		States: []SnapshotState{
			{Key: "event:deploy_failed", Scope: ScopeEventType, TriggerCount: 1, LastTrigger: start},
		},
	}
	if imported := gate.ImportState(snapshot); imported != 0 {
		t.Fatalf("expected version mismatch no-op, got %d imports", imported)
	}
	if status := gate.Status(); status.TotalStates != 0 {
		t.Fatalf("expected untouched gate, got %d states", status.TotalStates)
	}
}

func TestImportSkipsStaleAndMalformedEntries(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	gate, _ := newTestGate(t, nil, start)

	snapshot := Snapshot{
		Version: SnapshotVersion,
		States: []SnapshotState{
			{Key: "event:stale", Scope: ScopeEventType, TriggerCount: 2, LastTrigger: start.Add(-2 * time.Hour)},
			{Key: "event:unstamped", Scope: ScopeEventType, TriggerCount: 2},
			{Key: "   ", Scope: ScopeEventType, TriggerCount: 2, LastTrigger: start},
			{Key: "event:negative", Scope: ScopeEventType, TriggerCount: -1, LastTrigger: start},
			{Key: "event:fresh", Scope: ScopeEventType, TriggerCount: 2, LastTrigger: start.Add(-10 * time.Minute)},
		},
	}
	if imported := gate.ImportState(snapshot); imported != 1 {
		t.Fatalf("expected only fresh entry imported, got %d", imported)
	}
	if status := gate.StatusFor(ScopeEventType, "fresh"); !status.Known || status.TriggerCount != 2 {
		t.Fatalf("unexpected restored state: %+v", status)
	}
	if status := gate.StatusFor(ScopeEventType, "stale"); status.Known {
		t.Fatalf("expected stale entry skipped")
	}
}

func TestImportDerivesScopeFromKey(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	gate, _ := newTestGate(t, nil, start)

	snapshot := Snapshot{
		Version: SnapshotVersion,
		States: []SnapshotState{
			{Key: "channel:dingtalk", Scope: "bogus", TriggerCount: 3, LastTrigger: start},
			{Key: "unprefixed", Scope: "bogus", TriggerCount: 3, LastTrigger: start},
		},
	}
	if imported := gate.ImportState(snapshot); imported != 1 {
		t.Fatalf("expected 1 derived-scope import, got %d", imported)
	}
	status := gate.StatusFor(ScopeChannel, "dingtalk")
	if !status.Known || status.Scope != ScopeChannel {
		t.Fatalf("expected channel scope derived from key, got %+v", status)
	}
}

func TestExportOmitsIdleStates(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	gate, now := newTestGate(t, nil, start)

	gate.ForceCooldown(ScopeEventType, "expired", 10, "test")
	gate.ForceCooldown(ScopeEventType, "running", 600, "test")
	*now = now.Add(time.Minute)

	// Both carry trigger counts, so both survive; a reset state does not.
	gate.ForceCooldown(ScopeEventType, "blank", 10, "test")
	gate.ResetCounter(ScopeEventType, "blank")

	snapshot := gate.ExportState()
	if len(snapshot.States) != 2 {
		t.Fatalf("expected 2 exported states, got %d", len(snapshot.States))
	}
	if snapshot.States[0].Key != "event:expired" || snapshot.States[1].Key != "event:running" {
		t.Fatalf("unexpected export order: %+v", snapshot.States)
	}
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := DecodeSnapshot([]byte("{not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}
