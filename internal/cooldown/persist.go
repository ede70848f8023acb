package cooldown

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// SnapshotVersion marks the supported export schema.
	SnapshotVersion = 1
	// importMaxAge rejects imported entries whose last trigger is older.
	importMaxAge = time.Hour
)

// SnapshotState is one serialized cooldown state.
// Params: prefixed key, scope, window bounds, and trigger bookkeeping.
// Returns: portable state record.
type SnapshotState struct {
	Key          string      `json:"key"`
	Scope        Scope       `json:"scope"`
	StartTime    time.Time   `json:"start_time"`
	EndTime      time.Time   `json:"end_time"`
	TriggerCount int         `json:"trigger_count"`
	LastTrigger  time.Time   `json:"last_trigger"`
	History      []time.Time `json:"history,omitempty"`
}

// Snapshot is the versioned gate export structure.
// Params: schema version, export time, and serialized states.
// Returns: portable gate state for persistence.
type Snapshot struct {
	Version    int             `json:"version"`
	ExportedAt time.Time       `json:"exported_at"`
	States     []SnapshotState `json:"states"`
}

// ExportState serializes states that are active or carry trigger history.
// Params: none.
// Returns: versioned snapshot with deterministic key order.
func (g *Gate) ExportState() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	snapshot := Snapshot{Version: SnapshotVersion, ExportedAt: now}
	keys := make([]string, 0, len(g.states))
	for key, state := range g.states {
		if !state.ActiveAt(now) && state.TriggerCount == 0 {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		state := g.states[key]
		snapshot.States = append(snapshot.States, SnapshotState{
			Key:          key,
			Scope:        state.rule.Scope,
			StartTime:    state.StartTime,
			EndTime:      state.EndTime,
			TriggerCount: state.TriggerCount,
			LastTrigger:  state.LastTrigger,
			History:      state.history.Snapshot(),
		})
	}
	return snapshot
}

// ImportState restores states from a snapshot of a known schema version.
// Params: snapshot to merge into the gate.
// Returns: number of imported states; unknown versions are a logged no-op and
// stale or malformed entries are logged and skipped.
func (g *Gate) ImportState(snapshot Snapshot) int {
	if snapshot.Version != SnapshotVersion {
		g.logger.Warn("cooldown import skipped", "version", snapshot.Version, "supported", SnapshotVersion)
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	imported := 0
	for _, entry := range snapshot.States {
		if err := g.importEntryLocked(entry, now); err != nil {
			g.logger.Warn("cooldown import entry skipped", "key", entry.Key, "error", err.Error())
			continue
		}
		imported++
	}
	return imported
}

// importEntryLocked restores one snapshot entry.
// Params: serialized state and current time; gate mutex must be held.
// Returns: error when the entry is malformed or stale.
func (g *Gate) importEntryLocked(entry SnapshotState, now time.Time) error {
	if strings.TrimSpace(entry.Key) == "" {
		return fmt.Errorf("empty state key")
	}
	if entry.LastTrigger.IsZero() || now.Sub(entry.LastTrigger) > importMaxAge {
		return fmt.Errorf("stale entry (last trigger %s)", entry.LastTrigger)
	}
	if entry.TriggerCount < 0 {
		return fmt.Errorf("negative trigger count %d", entry.TriggerCount)
	}

	scope := entry.Scope
	if _, err := ParseScope(string(scope)); err != nil {
		derived, ok := scopeFromKey(entry.Key)
		if !ok {
			return fmt.Errorf("unresolvable scope for key")
		}
		scope = derived
	}

	state := newState(g.ruleForScopeLocked(scope))
	state.StartTime = entry.StartTime
	state.EndTime = entry.EndTime
	state.TriggerCount = entry.TriggerCount
	state.LastTrigger = entry.LastTrigger
	for _, at := range entry.History {
		state.history.Append(at)
	}
	g.states[entry.Key] = state
	return nil
}

// ruleForScopeLocked best-effort matches a configured rule for one scope.
// Params: target scope; gate mutex must be held.
// Returns: first scope-matching rule, else the first configured rule, else a
// synthesized static global default.
func (g *Gate) ruleForScopeLocked(scope Scope) Rule {
	for _, rule := range g.rules {
		if rule.Scope == scope {
			return rule
		}
	}
	if len(g.rules) > 0 {
		return g.rules[0]
	}
	return Rule{
		Name:         "default",
		Scope:        ScopeGlobal,
		Algorithm:    AlgorithmStatic,
		BaseSec:      60,
		TriggerCount: 1,
	}.normalized()
}

// EncodeSnapshot serializes one snapshot into JSON bytes.
// Params: snapshot structure.
// Returns: encoded bytes or marshal error.
func EncodeSnapshot(snapshot Snapshot) ([]byte, error) {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode cooldown snapshot: %w", err)
	}
	return body, nil
}

// DecodeSnapshot parses JSON bytes into one snapshot.
// Params: encoded snapshot bytes.
// Returns: decoded snapshot or unmarshal error.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode cooldown snapshot: %w", err)
	}
	return snapshot, nil
}
