package cooldown

import "time"

// historyCapacity bounds stored trigger timestamps per state.
const historyCapacity = 100

// triggerHistory is a fixed-capacity ring buffer of trigger timestamps.
// Params: backing buffer with oldest-first eviction.
// Returns: bounded trigger record for windowed counting.
type triggerHistory struct {
	buf  []time.Time
	head int
	size int
}

// newTriggerHistory creates an empty ring buffer.
// Params: fixed capacity (>0).
// Returns: initialized history.
func newTriggerHistory(capacity int) *triggerHistory {
	return &triggerHistory{buf: make([]time.Time, capacity)}
}

// Append records one trigger timestamp, evicting the oldest at capacity.
// Params: trigger time.
// Returns: timestamp stored in ring order.
func (h *triggerHistory) Append(at time.Time) {
	if h.size < len(h.buf) {
		h.buf[(h.head+h.size)%len(h.buf)] = at
		h.size++
		return
	}
	h.buf[h.head] = at
	h.head = (h.head + 1) % len(h.buf)
}

// Len returns number of stored timestamps.
// Params: none.
// Returns: current size.
func (h *triggerHistory) Len() int {
	return h.size
}

// At returns stored timestamp by oldest-first index.
// Params: index in [0, Len).
// Returns: timestamp at position.
func (h *triggerHistory) At(index int) time.Time {
	return h.buf[(h.head+index)%len(h.buf)]
}

// CountSince counts stored timestamps at or after cutoff.
// Params: cutoff time.
// Returns: number of qualifying timestamps.
func (h *triggerHistory) CountSince(cutoff time.Time) int {
	count := 0
	for i := h.size - 1; i >= 0; i-- {
		if h.At(i).Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// Tail returns the newest at-most-n timestamps oldest-first.
// Params: maximum sample size.
// Returns: copied timestamp slice.
func (h *triggerHistory) Tail(n int) []time.Time {
	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	for i := h.size - n; i < h.size; i++ {
		out = append(out, h.At(i))
	}
	return out
}

// Snapshot returns all stored timestamps oldest-first.
// Params: none.
// Returns: copied timestamp slice.
func (h *triggerHistory) Snapshot() []time.Time {
	return h.Tail(h.size)
}

// Clear removes all stored timestamps.
// Params: none.
// Returns: empty history in place.
func (h *triggerHistory) Clear() {
	h.head = 0
	h.size = 0
}

// State tracks cooldown lifecycle for one (scope, key).
// Params: owning rule copy, window bounds, and trigger bookkeeping.
// Returns: mutable per-key cooldown state.
type State struct {
	rule         Rule
	StartTime    time.Time
	EndTime      time.Time
	TriggerCount int
	LastTrigger  time.Time
	history      *triggerHistory
}

// newState creates untracked state bound to one rule.
// Params: normalized rule copy.
// Returns: initialized state with empty history.
func newState(rule Rule) *State {
	return &State{rule: rule, history: newTriggerHistory(historyCapacity)}
}

// ActiveAt reports whether a cooldown window covers the given time.
// Params: current time.
// Returns: true while now precedes window end.
func (s *State) ActiveAt(now time.Time) bool {
	return now.Before(s.EndTime)
}

// RemainingAt returns seconds left in the active window.
// Params: current time.
// Returns: remaining seconds clamped to >=0.
func (s *State) RemainingAt(now time.Time) float64 {
	remaining := s.EndTime.Sub(now).Seconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}
