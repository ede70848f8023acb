package throttle

import "notifier/internal/domain"

// ChannelLimit configures rate bounds for one notification channel.
// Params: per-minute admission cap.
// Returns: channel-scoped throttle policy.
type ChannelLimit struct {
	MaxPerMinute int
}

// EventLimit configures rate bounds for one event type.
// Params: minimum gap between sends and per-minute admission cap.
// Returns: event-scoped throttle policy.
type EventLimit struct {
	CooldownSec  float64
	MaxPerMinute int
}

// Limits configures the full throttle gate policy.
// Params: global caps, burst detection, duplicate window, scoped limits, and
// priority weights for load shedding.
// Returns: policy applied by the gate; zero fields take defaults.
type Limits struct {
	MaxPerMinute       int
	MaxPerHour         int
	BurstWindowSec     float64
	BurstLimit         int
	DuplicateWindowSec float64
	Channels           map[string]ChannelLimit
	Events             map[string]EventLimit
	PriorityWeights    map[domain.Priority]float64
}

// DefaultLimits returns the built-in throttle policy.
// Params: none.
// Returns: policy with global 20/min and 100/h caps and standard weights.
func DefaultLimits() Limits {
	return Limits{
		MaxPerMinute:       20,
		MaxPerHour:         100,
		BurstWindowSec:     10,
		BurstLimit:         5,
		DuplicateWindowSec: 300,
		PriorityWeights:    DefaultPriorityWeights(),
	}
}

// DefaultPriorityWeights returns the built-in priority weight table.
// Params: none.
// Returns: weight per priority; higher weight survives higher load.
func DefaultPriorityWeights() map[domain.Priority]float64 {
	return map[domain.Priority]float64{
		domain.PriorityLow:      0.2,
		domain.PriorityNormal:   0.5,
		domain.PriorityHigh:     0.8,
		domain.PriorityCritical: 1.0,
	}
}

// normalized fills defaulted fields of one limits value.
// Params: limits as configured.
// Returns: limits copy with zero fields replaced by defaults.
func (l Limits) normalized() Limits {
	defaults := DefaultLimits()
	if l.MaxPerMinute <= 0 {
		l.MaxPerMinute = defaults.MaxPerMinute
	}
	if l.MaxPerHour <= 0 {
		l.MaxPerHour = defaults.MaxPerHour
	}
	if l.BurstWindowSec <= 0 {
		l.BurstWindowSec = defaults.BurstWindowSec
	}
	if l.BurstLimit <= 0 {
		l.BurstLimit = defaults.BurstLimit
	}
	if l.DuplicateWindowSec <= 0 {
		l.DuplicateWindowSec = defaults.DuplicateWindowSec
	}
	if len(l.PriorityWeights) == 0 {
		l.PriorityWeights = DefaultPriorityWeights()
	}
	return l
}

// weight resolves the shedding weight for one priority.
// Params: resolved candidate priority.
// Returns: configured weight or the built-in default for that priority.
func (l Limits) weight(priority domain.Priority) float64 {
	if w, ok := l.PriorityWeights[priority]; ok {
		return w
	}
	if w, ok := DefaultPriorityWeights()[priority]; ok {
		return w
	}
	return 0.5
}
