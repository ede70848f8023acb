package throttle

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"notifier/internal/domain"
	"notifier/internal/ratewindow"
)

const (
	// DefaultMaintenanceInterval paces duplicate-cache and window pruning.
	DefaultMaintenanceInterval = time.Minute
	// maintJoinTimeout bounds waiting for the maintenance goroutine on stop.
	maintJoinTimeout = 5 * time.Second
	// windowRetention bounds how long rate-window records survive pruning.
	windowRetention = time.Hour

	// globalKey tracks the shared admission window.
	globalKey = "global"
	// channelKeyPrefix namespaces per-channel windows.
	channelKeyPrefix = "channel:"
	// eventKeyPrefix namespaces per-event windows.
	eventKeyPrefix = "event:"

	// criticalDuplicateLimit caps how many duplicate repeats critical traffic may pass.
	criticalDuplicateLimit = 3
	// channelDelayMaxSec turns an over-long channel delay into a block.
	channelDelayMaxSec = 30
	// delayCapSec bounds any suggested delay.
	delayCapSec = 60
	// delaySampleSize bounds window entries used for delay suggestion.
	delaySampleSize = 10
)

// Stats keeps lifetime gate counters.
// Params: monotonic counters updated under the gate mutex.
// Returns: read-only snapshot via Status.
type Stats struct {
	Evaluations        uint64 `json:"evaluations"`
	Allowed            uint64 `json:"allowed"`
	Blocked            uint64 `json:"blocked"`
	Delayed            uint64 `json:"delayed"`
	Merged             uint64 `json:"merged"`
	DuplicatesFiltered uint64 `json:"duplicates_filtered"`
	CriticalRepeats    uint64 `json:"critical_repeats"`
	Failures           uint64 `json:"failures"`
}

// GateStatus aggregates gate state for monitoring export.
// Params: cache and queue sizes plus lifetime stats.
// Returns: detached aggregate snapshot.
type GateStatus struct {
	TrackedWindows  int   `json:"tracked_windows"`
	DuplicateCached int   `json:"duplicate_cached"`
	QueuedDelayed   int   `json:"queued_delayed"`
	Stats           Stats `json:"stats"`
}

// dupEntry tracks one fingerprint in the duplicate cache.
type dupEntry struct {
	lastSeen time.Time
	count    int
}

// delayedItem is one deferred candidate with its due time.
type delayedItem struct {
	dueAt     time.Time
	candidate domain.Candidate
}

// Gate rate-limits, deduplicates, and load-sheds notification candidates.
// Params: policy limits, shared rate windows, duplicate cache, delayed queue,
// injected clock, and logger.
// Returns: throttle admission gate.
type Gate struct {
	mu      sync.Mutex
	limits  Limits
	windows *ratewindow.Windows
	dups    map[string]*dupEntry
	delayed []delayedItem
	stats   Stats
	now     func() time.Time
	logger  *slog.Logger

	maintStop chan struct{}
	maintDone chan struct{}
}

// NewGate creates a throttle gate from configured limits.
// Params: policy limits (zero fields defaulted), logger, and now function
// (defaults to time.Now when nil).
// Returns: initialized gate.
func NewGate(limits Limits, logger *slog.Logger, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		limits:  limits.normalized(),
		windows: ratewindow.New(ratewindow.DefaultCapacity),
		dups:    make(map[string]*dupEntry),
		now:     now,
		logger:  logger,
	}
}

// Reconfigure replaces the active limits.
// Params: new policy limits (zero fields defaulted).
// Returns: limits swapped; windows, caches, and queue are preserved.
func (g *Gate) Reconfigure(limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = limits.normalized()
}

// Evaluate decides admission for one candidate.
// Params: validated candidate.
// Returns: allow/block/delay decision with reason; degrades to allow on
// internal failure.
func (g *Gate) Evaluate(candidate domain.Candidate) (decision domain.Decision) {
	defer func() {
		if cause := recover(); cause != nil {
			g.logger.Error("throttle evaluation failed", "panic", fmt.Sprint(cause))
			g.mu.Lock()
			g.stats.Failures++
			g.mu.Unlock()
			decision = domain.Decision{Action: domain.ActionAllow, Reason: "throttle evaluation failed (fail open)"}
		}
	}()
	return g.evaluate(candidate)
}

// evaluate runs the check cascade under the gate mutex.
// Params: validated candidate.
// Returns: decision from the first failing check, else allow.
func (g *Gate) evaluate(candidate domain.Candidate) domain.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.stats.Evaluations++

	if decision, terminal := g.duplicateCheckLocked(candidate, now); terminal {
		return g.countLocked(decision)
	}
	if decision, terminal := g.globalCheckLocked(now); terminal {
		return g.countLocked(decision)
	}
	if decision, terminal := g.channelCheckLocked(candidate.Channel, now); terminal {
		return g.countLocked(decision)
	}
	if decision, terminal := g.eventCheckLocked(candidate.EventType, now); terminal {
		return g.countLocked(decision)
	}
	if decision, terminal := g.loadCheckLocked(candidate.Priority, now); terminal {
		return g.countLocked(decision)
	}

	g.windows.Record(globalKey, now)
	g.windows.Record(channelKeyPrefix+candidate.Channel, now)
	g.windows.Record(eventKeyPrefix+candidate.EventType, now)
	return g.countLocked(domain.Decision{Action: domain.ActionAllow, Reason: "allowed"})
}

// countLocked bumps the outcome counter matching one decision.
// Params: final decision; gate mutex must be held.
// Returns: decision unchanged.
func (g *Gate) countLocked(decision domain.Decision) domain.Decision {
	switch decision.Action {
	case domain.ActionAllow:
		g.stats.Allowed++
	case domain.ActionBlock:
		g.stats.Blocked++
	case domain.ActionDelay:
		g.stats.Delayed++
	case domain.ActionMerge:
		g.stats.Merged++
	}
	return decision
}

// duplicateCheckLocked updates the duplicate cache and filters repeats.
// Params: candidate and current time; gate mutex must be held.
// Returns: terminal block for duplicates inside the window; critical traffic
// passes its first repeats.
func (g *Gate) duplicateCheckLocked(candidate domain.Candidate, now time.Time) (domain.Decision, bool) {
	window := secondsToDuration(g.limits.DuplicateWindowSec)
	fingerprint := candidate.Fingerprint()
	entry, ok := g.dups[fingerprint]
	if !ok || now.Sub(entry.lastSeen) >= window {
		g.dups[fingerprint] = &dupEntry{lastSeen: now, count: 1}
		return domain.Decision{}, false
	}

	prior := entry.count
	entry.count++
	entry.lastSeen = now
	if candidate.Priority == domain.PriorityCritical && prior < criticalDuplicateLimit {
		g.stats.CriticalRepeats++
		return domain.Decision{}, false
	}
	g.stats.DuplicatesFiltered++
	return domain.Decision{
		Action: domain.ActionBlock,
		Reason: fmt.Sprintf("duplicate filtered (%d repeats)", prior),
	}, true
}

// globalCheckLocked enforces global per-minute, burst, and hourly caps.
// Params: current time; gate mutex must be held.
// Returns: terminal block on burst or hourly overflow, terminal delay on a
// plain per-minute overflow.
func (g *Gate) globalCheckLocked(now time.Time) (domain.Decision, bool) {
	minuteCount := g.windows.CountSince(globalKey, now, time.Minute)
	if minuteCount >= g.limits.MaxPerMinute {
		burstCount := g.windows.CountSince(globalKey, now, secondsToDuration(g.limits.BurstWindowSec))
		if burstCount >= g.limits.BurstLimit {
			return domain.Decision{Action: domain.ActionBlock, Reason: "global burst limit reached"}, true
		}
		delay := g.suggestDelayLocked(globalKey, 60, minuteCount)
		return domain.Decision{
			Action:       domain.ActionDelay,
			Reason:       "global rate limit reached",
			DelaySeconds: &delay,
		}, true
	}
	if g.windows.CountSince(globalKey, now, time.Hour) >= g.limits.MaxPerHour {
		return domain.Decision{Action: domain.ActionBlock, Reason: "global hourly limit reached"}, true
	}
	return domain.Decision{}, false
}

// channelCheckLocked enforces the per-channel per-minute cap.
// Params: channel name and current time; gate mutex must be held.
// Returns: terminal delay when short, terminal block when the suggested delay
// exceeds the channel delay bound.
func (g *Gate) channelCheckLocked(channel string, now time.Time) (domain.Decision, bool) {
	limit, ok := g.limits.Channels[channel]
	if !ok || limit.MaxPerMinute <= 0 {
		return domain.Decision{}, false
	}
	key := channelKeyPrefix + channel
	count := g.windows.CountSince(key, now, time.Minute)
	if count < limit.MaxPerMinute {
		return domain.Decision{}, false
	}
	delay := g.suggestDelayLocked(key, 60, count)
	if delay <= channelDelayMaxSec {
		return domain.Decision{
			Action:       domain.ActionDelay,
			Reason:       "channel rate limit reached (" + channel + ")",
			DelaySeconds: &delay,
		}, true
	}
	return domain.Decision{Action: domain.ActionBlock, Reason: "channel rate limit reached (" + channel + ")"}, true
}

// eventCheckLocked enforces per-event send gap and per-minute cap.
// Params: event type and current time; gate mutex must be held.
// Returns: terminal block when the gap or cap is violated.
func (g *Gate) eventCheckLocked(eventType string, now time.Time) (domain.Decision, bool) {
	limit, ok := g.limits.Events[eventType]
	if !ok {
		return domain.Decision{}, false
	}
	key := eventKeyPrefix + eventType
	if limit.CooldownSec > 0 {
		if last, found := g.windows.Last(key); found {
			elapsed := now.Sub(last).Seconds()
			if elapsed < limit.CooldownSec {
				return domain.Decision{
					Action: domain.ActionBlock,
					Reason: fmt.Sprintf("event cooldown (%.0fs left)", limit.CooldownSec-elapsed),
				}, true
			}
		}
	}
	if limit.MaxPerMinute > 0 && g.windows.CountSince(key, now, time.Minute) >= limit.MaxPerMinute {
		return domain.Decision{Action: domain.ActionBlock, Reason: "event rate limit reached (" + eventType + ")"}, true
	}
	return domain.Decision{}, false
}

// loadCheckLocked sheds low-weight traffic under high global load.
// Params: resolved priority and current time; gate mutex must be held.
// Returns: terminal delay for high priority, terminal block below that;
// critical traffic always passes.
func (g *Gate) loadCheckLocked(priority domain.Priority, now time.Time) (domain.Decision, bool) {
	if priority == domain.PriorityCritical {
		return domain.Decision{}, false
	}
	load := float64(g.windows.CountSince(globalKey, now, time.Minute)) / float64(g.limits.MaxPerMinute)
	if load > 1 {
		load = 1
	}
	if load <= 1-g.limits.weight(priority) {
		return domain.Decision{}, false
	}
	if priority == domain.PriorityHigh {
		delay := load * 10
		if delay > 5 {
			delay = 5
		}
		return domain.Decision{
			Action:       domain.ActionDelay,
			Reason:       "high load, high priority deferred",
			DelaySeconds: &delay,
		}, true
	}
	return domain.Decision{
		Action: domain.ActionBlock,
		Reason: "load shedding (" + priority.String() + ")",
	}, true
}

// suggestDelayLocked estimates how long a caller should wait for window room.
// Params: window key, window length in seconds, and current window count; gate
// mutex must be held.
// Returns: suggested delay seconds in [1, 60], or 0 for an empty window.
func (g *Gate) suggestDelayLocked(key string, windowSec float64, count int) float64 {
	if count == 0 {
		return 0
	}
	tail := g.windows.Tail(key, delaySampleSize)
	avgInterval := 0.0
	if tail.Count > 1 {
		avgInterval = tail.Last.Sub(tail.First).Seconds() / float64(tail.Count-1)
	}
	suggested := windowSec/float64(count) - avgInterval
	if suggested < 1 {
		suggested = 1
	}
	if suggested > delayCapSec {
		suggested = delayCapSec
	}
	return suggested
}

// Enqueue defers one candidate until delay seconds have passed.
// Params: candidate and delay seconds.
// Returns: candidate stored with its due time.
func (g *Gate) Enqueue(candidate domain.Candidate, delaySec float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delayed = append(g.delayed, delayedItem{
		dueAt:     g.now().Add(secondsToDuration(delaySec)),
		candidate: candidate,
	})
}

// DrainReady removes and returns every queued candidate whose due time passed.
// Params: none.
// Returns: due candidates in unspecified order; queue keeps the rest.
func (g *Gate) DrainReady() []domain.Candidate {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var ready []domain.Candidate
	kept := g.delayed[:0]
	for _, item := range g.delayed {
		if item.dueAt.After(now) {
			kept = append(kept, item)
			continue
		}
		ready = append(ready, item.candidate)
	}
	g.delayed = kept
	return ready
}

// QueuedDelayed returns the current delayed-queue length.
// Params: none.
// Returns: number of queued candidates.
func (g *Gate) QueuedDelayed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.delayed)
}

// MarkMerged records one candidate handed to the message-grouping collaborator.
// Params: none.
// Returns: merged counter incremented.
func (g *Gate) MarkMerged() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.Merged++
}

// Status returns the aggregate gate snapshot.
// Params: none.
// Returns: cache and queue sizes plus lifetime stats.
func (g *Gate) Status() GateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GateStatus{
		TrackedWindows:  g.windows.Keys(),
		DuplicateCached: len(g.dups),
		QueuedDelayed:   len(g.delayed),
		Stats:           g.stats,
	}
}

// Maintain removes stale duplicate entries and prunes aged window records.
// Params: current time.
// Returns: number of removed duplicate entries.
func (g *Gate) Maintain(now time.Time) int {
	g.mu.Lock()
	window := secondsToDuration(g.limits.DuplicateWindowSec)
	removed := 0
	for fingerprint, entry := range g.dups {
		if now.Sub(entry.lastSeen) >= window {
			delete(g.dups, fingerprint)
			removed++
		}
	}
	g.mu.Unlock()

	g.windows.PruneBefore(now, windowRetention)
	return removed
}

// StartMaintenance launches the periodic background cleanup.
// Params: interval (DefaultMaintenanceInterval when <=0).
// Returns: maintenance goroutine started; no-op when already running.
func (g *Gate) StartMaintenance(interval time.Duration) {
	g.mu.Lock()
	if g.maintStop != nil {
		g.mu.Unlock()
		return
	}
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	g.maintStop = stop
	g.maintDone = done
	g.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if removed := g.Maintain(g.now()); removed > 0 {
					g.logger.Debug("throttle duplicates pruned", "removed", removed)
				}
			}
		}
	}()
}

// StopMaintenance stops the background cleanup with a bounded join.
// Params: none.
// Returns: maintenance stopped or join timeout logged.
func (g *Gate) StopMaintenance() {
	g.mu.Lock()
	stop := g.maintStop
	done := g.maintDone
	g.maintStop = nil
	g.maintDone = nil
	g.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(maintJoinTimeout):
		g.logger.Warn("throttle maintenance stop timed out")
	}
}

// secondsToDuration converts float seconds into time.Duration.
// Params: duration in seconds.
// Returns: converted duration.
func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
