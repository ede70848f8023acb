package throttle

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"notifier/internal/domain"
	"notifier/internal/ratewindow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGate(t *testing.T, limits Limits, start time.Time) (*Gate, *time.Time) {
	t.Helper()
	current := start
	gate := NewGate(limits, testLogger(), func() time.Time { return current })
	return gate, &current
}

func candidate(eventType, channel string, priority domain.Priority, seq int) domain.Candidate {
	return domain.Candidate{
		ID:        fmt.Sprintf("%s-%d", eventType, seq),
		EventType: eventType,
		Channel:   channel,
		Priority:  priority,
		Content:   map[string]string{domain.ContentFieldTitle: fmt.Sprintf("title-%d", seq)},
	}
}

func TestEvaluateAllowsAndRecordsWindows(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	gate, _ := newTestGate(t, DefaultLimits(), start)

	decision := gate.Evaluate(candidate("deploy_failed", "dingtalk", domain.PriorityNormal, 1))
	if decision.Action != domain.ActionAllow {
		t.Fatalf("expected allow, got %+v", decision)
	}

	status := gate.Status()
	if status.Stats.Allowed != 1 || status.Stats.Evaluations != 1 {
		t.Fatalf("unexpected stats: %+v", status.Stats)
	}
	// Global, channel, and event windows each received a record.
	if status.TrackedWindows != 3 {
		t.Fatalf("expected 3 tracked windows, got %d", status.TrackedWindows)
	}
	if status.DuplicateCached != 1 {
		t.Fatalf("expected 1 cached fingerprint, got %d", status.DuplicateCached)
	}
}

func TestDuplicateFilteredInsideWindow(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	gate, now := newTestGate(t, DefaultLimits(), start)

	repeat := candidate("deploy_failed", "dingtalk", domain.PriorityNormal, 1)
	if decision := gate.Evaluate(repeat); decision.Action != domain.ActionAllow {
		t.Fatalf("expected first sight allowed, got %+v", decision)
	}

	*now = now.Add(30 * time.Second)
	decision := gate.Evaluate(repeat)
	if decision.Action != domain.ActionBlock || !strings.HasPrefix(decision.Reason, "duplicate filtered") {
		t.Fatalf("expected duplicate block, got %+v", decision)
	}

	// Past the duplicate window the entry is reseeded.
	*now = now.Add(301 * time.Second)
	if decision := gate.Evaluate(repeat); decision.Action != domain.ActionAllow {
		t.Fatalf("expected reseed after stale entry, got %+v", decision)
	}
	if stats := gate.Status().Stats; stats.DuplicatesFiltered != 1 {
		t.Fatalf("expected 1 filtered duplicate, got %d", stats.DuplicatesFiltered)
	}
}

func TestCriticalDuplicatesPassLimitedRepeats(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	gate, now := newTestGate(t, DefaultLimits(), start)

	repeat := candidate("db_down", "dingtalk", domain.PriorityCritical, 1)
	// First sight plus two repeats pass, the third repeat is filtered.
	for i := 0; i < 3; i++ {
		if decision := gate.Evaluate(repeat); decision.Action != domain.ActionAllow {
			t.Fatalf("evaluation %d: expected allow, got %+v", i+1, decision)
		}
		*now = now.Add(10 * time.Second)
	}
	if decision := gate.Evaluate(repeat); decision.Action != domain.ActionBlock {
		t.Fatalf("expected third repeat filtered, got %+v", decision)
	}
	if stats := gate.Status().Stats; stats.CriticalRepeats != 2 {
		t.Fatalf("expected 2 critical repeats, got %d", stats.CriticalRepeats)
	}
}

func TestGlobalMinuteLimitDelaysThenBurstBlocks(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	limits := Limits{MaxPerMinute: 5, MaxPerHour: 100, BurstWindowSec: 10, BurstLimit: 100}
	gate, now := newTestGate(t, limits, start)

	for i := 0; i < 5; i++ {
		decision := gate.Evaluate(candidate(fmt.Sprintf("event-%d", i), "dingtalk", domain.PriorityCritical, i))
		if decision.Action != domain.ActionAllow {
			t.Fatalf("candidate %d: expected allow, got %+v", i+1, decision)
		}
		*now = now.Add(2 * time.Second)
	}

	decision := gate.Evaluate(candidate("event-5", "dingtalk", domain.PriorityCritical, 5))
	if decision.Action != domain.ActionDelay || decision.Reason != "global rate limit reached" {
		t.Fatalf("expected global delay, got %+v", decision)
	}
	// 5 records spanning 8s: 60/5 - 2 = 10.
	if decision.DelaySeconds == nil || *decision.DelaySeconds != 10 {
		t.Fatalf("expected suggested delay 10s, got %v", decision.DelaySeconds)
	}
}

func TestGlobalBurstBlocks(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	limits := Limits{MaxPerMinute: 5, MaxPerHour: 100, BurstWindowSec: 10, BurstLimit: 5}
	gate, now := newTestGate(t, limits, start)

	for i := 0; i < 5; i++ {
		gate.Evaluate(candidate(fmt.Sprintf("event-%d", i), "dingtalk", domain.PriorityCritical, i))
		*now = now.Add(time.Second)
	}
	decision := gate.Evaluate(candidate("event-5", "dingtalk", domain.PriorityCritical, 5))
	if decision.Action != domain.ActionBlock || decision.Reason != "global burst limit reached" {
		t.Fatalf("expected burst block, got %+v", decision)
	}
}

func TestGlobalHourlyLimitBlocks(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	limits := Limits{MaxPerMinute: 100, MaxPerHour: 5, BurstWindowSec: 10, BurstLimit: 100}
	gate, now := newTestGate(t, limits, start)

	for i := 0; i < 5; i++ {
		decision := gate.Evaluate(candidate(fmt.Sprintf("event-%d", i), "dingtalk", domain.PriorityCritical, i))
		if decision.Action != domain.ActionAllow {
			t.Fatalf("candidate %d: expected allow, got %+v", i+1, decision)
		}
		*now = now.Add(2 * time.Minute)
	}
	decision := gate.Evaluate(candidate("event-5", "dingtalk", domain.PriorityCritical, 5))
	if decision.Action != domain.ActionBlock || decision.Reason != "global hourly limit reached" {
		t.Fatalf("expected hourly block, got %+v", decision)
	}
}

func TestChannelLimitDelaysShortAndBlocksLong(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	limits := Limits{
		MaxPerMinute: 100,
		MaxPerHour:   1000,
		Channels: map[string]ChannelLimit{
			"dingtalk": {MaxPerMinute: 3},
			"sms":      {MaxPerMinute: 1},
		},
	}
	gate, now := newTestGate(t, limits, start)

	for i := 0; i < 3; i++ {
		decision := gate.Evaluate(candidate(fmt.Sprintf("event-%d", i), "dingtalk", domain.PriorityCritical, i))
		if decision.Action != domain.ActionAllow {
			t.Fatalf("candidate %d: expected allow, got %+v", i+1, decision)
		}
		*now = now.Add(time.Second)
	}
	decision := gate.Evaluate(candidate("event-3", "dingtalk", domain.PriorityCritical, 3))
	if decision.Action != domain.ActionDelay {
		t.Fatalf("expected short channel delay, got %+v", decision)
	}
	// 3 records spanning 2s: 60/3 - 1 = 19, inside the 30s delay bound.
	if decision.DelaySeconds == nil || *decision.DelaySeconds != 19 {
		t.Fatalf("expected suggested delay 19s, got %v", decision.DelaySeconds)
	}

	// A single-slot channel suggests a full-window wait, which turns into a block.
	if decision := gate.Evaluate(candidate("page", "sms", domain.PriorityCritical, 0)); decision.Action != domain.ActionAllow {
		t.Fatalf("expected first sms candidate allowed, got %+v", decision)
	}
	decision = gate.Evaluate(candidate("page", "sms", domain.PriorityCritical, 1))
	if decision.Action != domain.ActionBlock || decision.Reason != "channel rate limit reached (sms)" {
		t.Fatalf("expected channel block, got %+v", decision)
	}
}

func TestEventCooldownAndPerMinuteCap(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	limits := Limits{
		MaxPerMinute: 100,
		MaxPerHour:   1000,
		Events: map[string]EventLimit{
			"deploy":    {CooldownSec: 120},
			"heartbeat": {MaxPerMinute: 2},
		},
	}
	gate, now := newTestGate(t, limits, start)

	if decision := gate.Evaluate(candidate("deploy", "dingtalk", domain.PriorityNormal, 0)); decision.Action != domain.ActionAllow {
		t.Fatalf("expected first deploy allowed, got %+v", decision)
	}
	*now = now.Add(30 * time.Second)
	decision := gate.Evaluate(candidate("deploy", "dingtalk", domain.PriorityNormal, 1))
	if decision.Action != domain.ActionBlock || decision.Reason != "event cooldown (90s left)" {
		t.Fatalf("expected event cooldown block, got %+v", decision)
	}
	*now = now.Add(91 * time.Second)
	if decision := gate.Evaluate(candidate("deploy", "dingtalk", domain.PriorityNormal, 2)); decision.Action != domain.ActionAllow {
		t.Fatalf("expected deploy allowed after gap, got %+v", decision)
	}

	for i := 0; i < 2; i++ {
		decision := gate.Evaluate(candidate("heartbeat", "dingtalk", domain.PriorityNormal, i))
		if decision.Action != domain.ActionAllow {
			t.Fatalf("heartbeat %d: expected allow, got %+v", i+1, decision)
		}
		*now = now.Add(time.Second)
	}
	decision = gate.Evaluate(candidate("heartbeat", "dingtalk", domain.PriorityNormal, 2))
	if decision.Action != domain.ActionBlock || decision.Reason != "event rate limit reached (heartbeat)" {
		t.Fatalf("expected event cap block, got %+v", decision)
	}
}

func TestLoadSheddingByPriority(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	limits := Limits{MaxPerMinute: 10, MaxPerHour: 1000, BurstWindowSec: 10, BurstLimit: 100}
	gate, now := newTestGate(t, limits, start)

	// Fill the global window to 90% load with critical traffic.
	for i := 0; i < 9; i++ {
		decision := gate.Evaluate(candidate(fmt.Sprintf("fill-%d", i), "dingtalk", domain.PriorityCritical, i))
		if decision.Action != domain.ActionAllow {
			t.Fatalf("fill %d: expected allow, got %+v", i+1, decision)
		}
		*now = now.Add(time.Second)
	}

	decision := gate.Evaluate(candidate("shed-low", "dingtalk", domain.PriorityLow, 0))
	if decision.Action != domain.ActionBlock || decision.Reason != "load shedding (low)" {
		t.Fatalf("expected low priority shed, got %+v", decision)
	}
	decision = gate.Evaluate(candidate("shed-normal", "dingtalk", domain.PriorityNormal, 0))
	if decision.Action != domain.ActionBlock || decision.Reason != "load shedding (normal)" {
		t.Fatalf("expected normal priority shed, got %+v", decision)
	}
	decision = gate.Evaluate(candidate("shed-high", "dingtalk", domain.PriorityHigh, 0))
	if decision.Action != domain.ActionDelay || decision.DelaySeconds == nil || *decision.DelaySeconds != 5 {
		t.Fatalf("expected high priority deferred 5s, got %+v", decision)
	}
	decision = gate.Evaluate(candidate("pass-critical", "dingtalk", domain.PriorityCritical, 0))
	if decision.Action != domain.ActionAllow {
		t.Fatalf("expected critical to pass under load, got %+v", decision)
	}
}

func TestEvaluateFailsOpenOnPanic(t *testing.T) {
	t.Parallel()

	// A nil duplicate cache makes the first cache write panic.
	gate := &Gate{
		limits:  DefaultLimits().normalized(),
		windows: ratewindow.New(ratewindow.DefaultCapacity),
		now:     time.Now,
		logger:  testLogger(),
	}

	decision := gate.Evaluate(candidate("deploy_failed", "dingtalk", domain.PriorityNormal, 0))
	if decision.Action != domain.ActionAllow || decision.Reason != "throttle evaluation failed (fail open)" {
		t.Fatalf("expected fail-open allow, got %+v", decision)
	}
	if stats := gate.Status().Stats; stats.Failures != 1 {
		t.Fatalf("expected 1 failure recorded, got %d", stats.Failures)
	}
}

func TestEnqueueDrainReady(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	gate, now := newTestGate(t, DefaultLimits(), start)

	gate.Enqueue(candidate("a", "dingtalk", domain.PriorityNormal, 0), 5)
	gate.Enqueue(candidate("b", "dingtalk", domain.PriorityNormal, 1), 10)
	gate.Enqueue(candidate("c", "dingtalk", domain.PriorityNormal, 2), 20)

	if ready := gate.DrainReady(); len(ready) != 0 {
		t.Fatalf("expected nothing due yet, got %d", len(ready))
	}

	*now = now.Add(10 * time.Second)
	ready := gate.DrainReady()
	if len(ready) != 2 {
		t.Fatalf("expected 2 due candidates, got %d", len(ready))
	}
	if gate.QueuedDelayed() != 1 {
		t.Fatalf("expected 1 candidate still queued, got %d", gate.QueuedDelayed())
	}

	*now = now.Add(time.Minute)
	if ready := gate.DrainReady(); len(ready) != 1 || ready[0].EventType != "c" {
		t.Fatalf("expected final candidate drained, got %+v", ready)
	}
	if ready := gate.DrainReady(); len(ready) != 0 {
		t.Fatalf("expected empty queue, got %d", len(ready))
	}
}

func TestMaintainPrunesStaleDuplicatesAndWindows(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	gate, now := newTestGate(t, DefaultLimits(), start)

	gate.Evaluate(candidate("old", "dingtalk", domain.PriorityNormal, 0))
	*now = now.Add(4 * time.Minute)
	gate.Evaluate(candidate("fresh", "dingtalk", domain.PriorityNormal, 1))
	*now = now.Add(2 * time.Minute)

	if removed := gate.Maintain(*now); removed != 1 {
		t.Fatalf("expected 1 stale duplicate removed, got %d", removed)
	}
	if status := gate.Status(); status.DuplicateCached != 1 {
		t.Fatalf("expected fresh fingerprint kept, got %d", status.DuplicateCached)
	}

	*now = now.Add(2 * time.Hour)
	gate.Maintain(*now)
	if status := gate.Status(); status.TrackedWindows != 0 || status.DuplicateCached != 0 {
		t.Fatalf("expected all windows and duplicates pruned, got %+v", status)
	}
}

func TestMaintenanceStartStop(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	gate, _ := newTestGate(t, DefaultLimits(), start)

	gate.StartMaintenance(time.Millisecond)
	gate.StartMaintenance(time.Millisecond)
	gate.StopMaintenance()
	gate.StopMaintenance()
}

func TestReconfigureSwapsLimits(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	gate, _ := newTestGate(t, Limits{MaxPerMinute: 1, MaxPerHour: 1000, BurstWindowSec: 10, BurstLimit: 100}, start)

	if decision := gate.Evaluate(candidate("a", "dingtalk", domain.PriorityCritical, 0)); decision.Action != domain.ActionAllow {
		t.Fatalf("expected first candidate allowed, got %+v", decision)
	}
	if decision := gate.Evaluate(candidate("b", "dingtalk", domain.PriorityCritical, 1)); decision.Action != domain.ActionDelay {
		t.Fatalf("expected delay at old limit, got %+v", decision)
	}

	gate.Reconfigure(Limits{MaxPerMinute: 100, MaxPerHour: 1000})
	if decision := gate.Evaluate(candidate("c", "dingtalk", domain.PriorityCritical, 2)); decision.Action != domain.ActionAllow {
		t.Fatalf("expected allow after reconfigure, got %+v", decision)
	}
}
