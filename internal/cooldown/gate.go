package cooldown

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"notifier/internal/domain"
)

const (
	// DefaultSweepInterval paces the background state sweep.
	DefaultSweepInterval = 5 * time.Minute
	// inactiveTTL is how long an inactive state survives before sweep removal.
	inactiveTTL = time.Hour
	// sweepJoinTimeout bounds waiting for the sweeper goroutine on stop.
	sweepJoinTimeout = 5 * time.Second
	// adaptiveSampleSize bounds history entries used for frequency estimation.
	adaptiveSampleSize = 10
)

// Stats keeps lifetime gate counters.
// Params: monotonic counters updated under the gate mutex.
// Returns: read-only snapshot via Status.
type Stats struct {
	Evaluations uint64 `json:"evaluations"`
	Suppressed  uint64 `json:"suppressed"`
	Started     uint64 `json:"started"`
	Bypassed    uint64 `json:"bypassed"`
	Forced      uint64 `json:"forced"`
	Cancelled   uint64 `json:"cancelled"`
	Resets      uint64 `json:"resets"`
	Swept       uint64 `json:"swept"`
	Failures    uint64 `json:"failures"`
}

// StateStatus describes one cooldown state for monitoring.
// Params: key identity, activity, and trigger bookkeeping.
// Returns: detached status snapshot.
type StateStatus struct {
	Key          string    `json:"key"`
	Scope        Scope     `json:"scope"`
	Algorithm    Algorithm `json:"algorithm"`
	Known        bool      `json:"known"`
	Active       bool      `json:"active"`
	RemainingSec float64   `json:"remaining_sec"`
	TriggerCount int       `json:"trigger_count"`
	LastTrigger  time.Time `json:"last_trigger,omitempty"`
}

// GateStatus aggregates gate state for monitoring export.
// Params: state totals, active state details, and lifetime stats.
// Returns: detached aggregate snapshot.
type GateStatus struct {
	TotalStates  int           `json:"total_states"`
	ActiveStates int           `json:"active_states"`
	Active       []StateStatus `json:"active,omitempty"`
	Stats        Stats         `json:"stats"`
}

// Gate suppresses repeated notifications through multi-scope backoff rules.
// Params: ordered rules, per-key state map, injected clock, and logger.
// Returns: cooldown admission gate.
type Gate struct {
	mu     sync.Mutex
	rules  []Rule
	states map[string]*State
	stats  Stats
	now    func() time.Time
	logger *slog.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewGate creates a cooldown gate from configured rules.
// Params: ordered rules (invalid ones logged and skipped; empty falls back to
// defaults), logger, and now function (defaults to time.Now when nil).
// Returns: initialized gate.
func NewGate(rules []Rule, logger *slog.Logger, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	gate := &Gate{
		states: make(map[string]*State),
		now:    now,
		logger: logger,
	}
	gate.rules = gate.filterRules(rules)
	return gate
}

// filterRules normalizes rules and drops invalid entries with a log record.
// Params: configured rule list.
// Returns: accepted rules (defaults when input yields none).
func (g *Gate) filterRules(rules []Rule) []Rule {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	accepted := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		normalized := rule.normalized()
		if err := normalized.Validate(); err != nil {
			g.logger.Warn("cooldown rule skipped", "rule", rule.Name, "error", err.Error())
			continue
		}
		accepted = append(accepted, normalized)
	}
	if len(accepted) == 0 {
		g.logger.Warn("no valid cooldown rules configured, applying defaults")
		for _, rule := range DefaultRules() {
			accepted = append(accepted, rule.normalized())
		}
	}
	return accepted
}

// Reconfigure replaces the active rule set.
// Params: new ordered rule list (invalid entries logged and skipped).
// Returns: rules swapped; existing states keep their originating rule copy.
func (g *Gate) Reconfigure(rules []Rule) {
	filtered := g.filterRules(rules)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = filtered
}

// ShouldCooldown decides whether a candidate is suppressed by backoff.
// Params: candidate context and resolved priority.
// Returns: suppression flag, human-readable reason, and remaining/installed
// duration seconds; degrades to not-suppressed on internal failure.
func (g *Gate) ShouldCooldown(ctx Context, priority domain.Priority) (suppressed bool, reason string, remaining *float64) {
	defer func() {
		if cause := recover(); cause != nil {
			g.logger.Error("cooldown evaluation failed", "panic", fmt.Sprint(cause))
			g.mu.Lock()
			g.stats.Failures++
			g.mu.Unlock()
			suppressed, reason, remaining = false, "cooldown evaluation failed (fail open)", nil
		}
	}()
	return g.evaluate(ctx, priority)
}

// evaluate runs rule evaluation under the gate mutex.
// Params: candidate context and resolved priority.
// Returns: suppression outcome from the first matching rule.
func (g *Gate) evaluate(ctx Context, priority domain.Priority) (bool, string, *float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.stats.Evaluations++
	for i := range g.rules {
		rule := g.rules[i]
		if rule.bypassed(priority) {
			g.stats.Bypassed++
			continue
		}
		key := ScopeKey(rule.Scope, ctx)
		state := g.ensureStateLocked(key, rule)
		if state.ActiveAt(now) {
			g.stats.Suppressed++
			left := state.RemainingAt(now)
			return true, "cooldown active (" + string(rule.Scope) + ")", &left
		}

		state.history.Append(now)
		state.TriggerCount++
		state.LastTrigger = now
		if !shouldStart(rule, state, now) {
			continue
		}

		duration := computeDuration(rule, state, now)
		state.StartTime = now
		state.EndTime = now.Add(secondsToDuration(duration))
		g.stats.Started++
		g.stats.Suppressed++
		g.logger.Debug("cooldown triggered",
			"key", key, "scope", string(rule.Scope), "algorithm", string(rule.Algorithm), "duration_sec", duration)
		installed := duration
		return true, "triggered cooldown (" + string(rule.Scope) + ")", &installed
	}
	return false, "", nil
}

// shouldStart decides whether the trigger threshold is met for one rule.
// Params: rule, mutated state, and current time.
// Returns: true when a new cooldown window must start.
//
// Non-sliding rules with window_sec=0 fall back to cumulative counting; this
// dual mode mirrors the original throttling policy and is kept on purpose.
func shouldStart(rule Rule, state *State, now time.Time) bool {
	if rule.Algorithm == AlgorithmSliding || rule.WindowSec > 0 {
		cutoff := now.Add(-secondsToDuration(rule.WindowSec))
		return state.history.CountSince(cutoff) >= rule.TriggerCount
	}
	return state.TriggerCount >= rule.TriggerCount
}

// computeDuration derives the cooldown duration for a starting window.
// Params: rule, mutated state, and current time.
// Returns: duration seconds (clamped for non-static algorithms).
func computeDuration(rule Rule, state *State, now time.Time) float64 {
	switch rule.Algorithm {
	case AlgorithmStatic:
		return rule.BaseSec
	case AlgorithmExponential:
		over := state.TriggerCount - rule.TriggerCount
		if over < 0 {
			over = 0
		}
		return clampDuration(rule.BaseSec*math.Pow(rule.Multiplier, float64(over)), rule)
	case AlgorithmAdaptive:
		frequency := recentFrequency(state.history.Tail(adaptiveSampleSize))
		duration := rule.BaseSec
		if frequency > 0 {
			factor := frequency / 10
			if factor > 5 {
				factor = 5
			}
			duration = rule.BaseSec * factor
		}
		return clampDuration(duration, rule)
	case AlgorithmSliding:
		cutoff := now.Add(-secondsToDuration(rule.WindowSec))
		inWindow := state.history.CountSince(cutoff)
		density := float64(inWindow) / (rule.WindowSec / 60)
		scale := density / 2
		if scale < 1 {
			scale = 1
		}
		return clampDuration(rule.BaseSec*scale, rule)
	default:
		return rule.BaseSec
	}
}

// recentFrequency estimates triggers per minute over sampled history.
// Params: oldest-first timestamp sample.
// Returns: events per minute (0 when span is empty).
func recentFrequency(sample []time.Time) float64 {
	if len(sample) < 2 {
		return 0
	}
	span := sample[len(sample)-1].Sub(sample[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(sample)) / span * 60
}

// clampDuration bounds duration into the rule clamp range.
// Params: raw duration seconds and owning rule.
// Returns: duration within [min_sec, max_sec].
func clampDuration(duration float64, rule Rule) float64 {
	if duration < rule.MinSec {
		return rule.MinSec
	}
	if duration > rule.MaxSec {
		return rule.MaxSec
	}
	return duration
}

// secondsToDuration converts float seconds into time.Duration.
// Params: duration in seconds.
// Returns: converted duration.
func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// ensureStateLocked gets or lazily creates state for one key.
// Params: prefixed state key and originating rule; gate mutex must be held.
// Returns: mutable state pointer.
func (g *Gate) ensureStateLocked(key string, rule Rule) *State {
	if existing, ok := g.states[key]; ok {
		return existing
	}
	state := newState(rule)
	g.states[key] = state
	return state
}

// ForceCooldown unconditionally installs an active window for one key.
// Params: scope, raw key, duration seconds, and administrative reason.
// Returns: window installed from a throwaway static rule.
func (g *Gate) ForceCooldown(scope Scope, key string, durationSec float64, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	stateKey := StateKey(scope, key)
	rule := Rule{
		Name:         "forced",
		Scope:        scope,
		Algorithm:    AlgorithmStatic,
		BaseSec:      durationSec,
		TriggerCount: 1,
	}.normalized()
	state := g.ensureStateLocked(stateKey, rule)
	state.rule = rule
	state.StartTime = now
	state.EndTime = now.Add(secondsToDuration(durationSec))
	state.TriggerCount++
	state.LastTrigger = now
	state.history.Append(now)
	g.stats.Forced++
	g.logger.Info("cooldown forced", "key", stateKey, "duration_sec", durationSec, "reason", reason)
}

// CancelCooldown removes state for one key.
// Params: scope and raw key.
// Returns: true when a state existed.
func (g *Gate) CancelCooldown(scope Scope, key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	stateKey := StateKey(scope, key)
	if _, ok := g.states[stateKey]; !ok {
		return false
	}
	delete(g.states, stateKey)
	g.stats.Cancelled++
	return true
}

// ResetCounter clears trigger bookkeeping and force-ends any active window.
// Params: scope and raw key.
// Returns: true when a state existed.
func (g *Gate) ResetCounter(scope Scope, key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.states[StateKey(scope, key)]
	if !ok {
		return false
	}
	state.TriggerCount = 0
	state.history.Clear()
	state.EndTime = g.now()
	g.stats.Resets++
	return true
}

// StatusFor returns detail for one (scope, key) state.
// Params: scope and raw key.
// Returns: state detail or an inactive/unknown stub.
func (g *Gate) StatusFor(scope Scope, key string) StateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	stateKey := StateKey(scope, key)
	state, ok := g.states[stateKey]
	if !ok {
		return StateStatus{Key: stateKey, Scope: scope}
	}
	return g.stateStatusLocked(stateKey, state)
}

// Status returns the aggregate gate snapshot.
// Params: none.
// Returns: totals, active state details, and lifetime stats.
func (g *Gate) Status() GateStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	status := GateStatus{
		TotalStates: len(g.states),
		Stats:       g.stats,
	}
	for key, state := range g.states {
		if !state.ActiveAt(now) {
			continue
		}
		status.ActiveStates++
		status.Active = append(status.Active, g.stateStatusLocked(key, state))
	}
	sort.Slice(status.Active, func(i, j int) bool {
		return status.Active[i].Key < status.Active[j].Key
	})
	return status
}

// stateStatusLocked builds one detached state detail.
// Params: state key and state pointer; gate mutex must be held.
// Returns: status snapshot.
func (g *Gate) stateStatusLocked(key string, state *State) StateStatus {
	now := g.now()
	return StateStatus{
		Key:          key,
		Scope:        state.rule.Scope,
		Algorithm:    state.rule.Algorithm,
		Known:        true,
		Active:       state.ActiveAt(now),
		RemainingSec: state.RemainingAt(now),
		TriggerCount: state.TriggerCount,
		LastTrigger:  state.LastTrigger,
	}
}

// Sweep removes states inactive for longer than the inactive TTL.
// Params: current time.
// Returns: number of removed states.
func (g *Gate) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key, state := range g.states {
		if state.ActiveAt(now) {
			continue
		}
		reference := state.EndTime
		if state.LastTrigger.After(reference) {
			reference = state.LastTrigger
		}
		if reference.IsZero() || now.Sub(reference) <= inactiveTTL {
			continue
		}
		delete(g.states, key)
		removed++
	}
	g.stats.Swept += uint64(removed)
	return removed
}

// StartSweeper launches the periodic background sweep.
// Params: sweep interval (DefaultSweepInterval when <=0).
// Returns: sweeper goroutine started; no-op when already running.
func (g *Gate) StartSweeper(interval time.Duration) {
	g.mu.Lock()
	if g.sweepStop != nil {
		g.mu.Unlock()
		return
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	g.sweepStop = stop
	g.sweepDone = done
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
				if removed := g.Sweep(g.now()); removed > 0 {
					g.logger.Debug("cooldown states swept", "removed", removed)
				}
			}
		}
	}()
}

// StopSweeper stops the background sweep with a bounded join.
// Params: none.
// Returns: sweeper stopped or join timeout logged.
func (g *Gate) StopSweeper() {
	g.mu.Lock()
	stop := g.sweepStop
	done := g.sweepDone
	g.sweepStop = nil
	g.sweepDone = nil
	g.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(sweepJoinTimeout):
		g.logger.Warn("cooldown sweeper stop timed out")
	}
}
