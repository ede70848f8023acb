package ratewindow

import (
	"sync"
	"time"
)

// DefaultCapacity bounds stored timestamps per key.
const DefaultCapacity = 1000

// Windows keeps bounded time-ordered event records per key.
// Params: per-key timestamp sequences with oldest-first eviction.
// Returns: sliding-window counters shared by admission gates.
type Windows struct {
	mu       sync.Mutex
	capacity int
	series   map[string][]time.Time
}

// TailStats summarizes the newest entries of one key window.
// Params: first/last timestamps of the sampled tail and sample size.
// Returns: interval statistics for delay computation.
type TailStats struct {
	First time.Time
	Last  time.Time
	Count int
}

// New creates empty windows with per-key capacity bound.
// Params: capacity per key (DefaultCapacity when <=0).
// Returns: initialized windows.
func New(capacity int) *Windows {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Windows{
		capacity: capacity,
		series:   make(map[string][]time.Time),
	}
}

// Record appends one event timestamp for key, evicting the oldest at capacity.
// Params: window key and event time.
// Returns: record stored in key sequence.
func (w *Windows) Record(key string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	stamps := w.series[key]
	if len(stamps) >= w.capacity {
		drop := len(stamps) - w.capacity + 1
		stamps = append(stamps[:0], stamps[drop:]...)
	}
	w.series[key] = append(stamps, at)
}

// CountSince counts records for key newer than now minus window.
// Params: window key, current time, and lookback duration.
// Returns: record count inside window.
func (w *Windows) CountSince(key string, now time.Time, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	stamps := w.series[key]
	if len(stamps) == 0 {
		return 0
	}
	cutoff := now.Add(-window)
	count := 0
	for i := len(stamps) - 1; i >= 0; i-- {
		if stamps[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// Last returns the newest record for key.
// Params: window key.
// Returns: newest timestamp and existence flag.
func (w *Windows) Last(key string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	stamps := w.series[key]
	if len(stamps) == 0 {
		return time.Time{}, false
	}
	return stamps[len(stamps)-1], true
}

// Tail summarizes the newest at-most-n records for key.
// Params: window key and maximum sample size.
// Returns: tail statistics (zero value when key is empty).
func (w *Windows) Tail(key string, n int) TailStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stamps := w.series[key]
	if len(stamps) == 0 || n <= 0 {
		return TailStats{}
	}
	start := 0
	if len(stamps) > n {
		start = len(stamps) - n
	}
	tail := stamps[start:]
	return TailStats{
		First: tail[0],
		Last:  tail[len(tail)-1],
		Count: len(tail),
	}
}

// PruneBefore drops records older than now minus maxAge and removes empty keys.
// Params: current time and maximum record age.
// Returns: number of dropped records.
func (w *Windows) PruneBefore(now time.Time, maxAge time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-maxAge)
	dropped := 0
	for key, stamps := range w.series {
		keep := 0
		for ; keep < len(stamps); keep++ {
			if !stamps[keep].Before(cutoff) {
				break
			}
		}
		if keep == 0 {
			continue
		}
		dropped += keep
		if keep == len(stamps) {
			delete(w.series, key)
			continue
		}
		w.series[key] = append(stamps[:0], stamps[keep:]...)
	}
	return dropped
}

// Keys returns number of tracked keys.
// Params: none.
// Returns: current key count.
func (w *Windows) Keys() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.series)
}
