package cooldown

import (
	"errors"
	"fmt"
	"strings"

	"notifier/internal/domain"
)

// Scope partitions cooldown state by one candidate dimension.
// Params: constants for event type, channel, content hash, project, global.
// Returns: normalized scope usage across rules and states.
type Scope string

const (
	// ScopeEventType keys cooldown state by event type.
	ScopeEventType Scope = "event_type"
	// ScopeChannel keys cooldown state by notification channel.
	ScopeChannel Scope = "channel"
	// ScopeContentHash keys cooldown state by content digest.
	ScopeContentHash Scope = "content_hash"
	// ScopeProject keys cooldown state by project.
	ScopeProject Scope = "project"
	// ScopeGlobal keys one shared cooldown state.
	ScopeGlobal Scope = "global"
)

// Algorithm selects the cooldown duration strategy for one rule.
// Params: constants static/exponential/adaptive/sliding.
// Returns: normalized algorithm usage across rules.
type Algorithm string

const (
	// AlgorithmStatic applies the base duration unchanged.
	AlgorithmStatic Algorithm = "static"
	// AlgorithmExponential grows duration geometrically with repeated triggers.
	AlgorithmExponential Algorithm = "exponential"
	// AlgorithmAdaptive scales duration by recent trigger frequency.
	AlgorithmAdaptive Algorithm = "adaptive"
	// AlgorithmSliding scales duration by trigger density inside the window.
	AlgorithmSliding Algorithm = "sliding"
)

// ParseScope converts scope name into typed scope.
// Params: case-insensitive scope name.
// Returns: parsed scope or error on unknown name.
func ParseScope(value string) (Scope, error) {
	switch Scope(strings.TrimSpace(strings.ToLower(value))) {
	case ScopeEventType:
		return ScopeEventType, nil
	case ScopeChannel:
		return ScopeChannel, nil
	case ScopeContentHash:
		return ScopeContentHash, nil
	case ScopeProject:
		return ScopeProject, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	default:
		return "", fmt.Errorf("unsupported cooldown scope %q", value)
	}
}

// ParseAlgorithm converts algorithm name into typed algorithm.
// Params: case-insensitive algorithm name.
// Returns: parsed algorithm or error on unknown name.
func ParseAlgorithm(value string) (Algorithm, error) {
	switch Algorithm(strings.TrimSpace(strings.ToLower(value))) {
	case AlgorithmStatic:
		return AlgorithmStatic, nil
	case AlgorithmExponential:
		return AlgorithmExponential, nil
	case AlgorithmAdaptive:
		return AlgorithmAdaptive, nil
	case AlgorithmSliding:
		return AlgorithmSliding, nil
	default:
		return "", fmt.Errorf("unsupported cooldown algorithm %q", value)
	}
}

// Rule configures one cooldown policy for a scope.
// Params: scope, algorithm, durations in seconds, trigger thresholds, and bypass set.
// Returns: immutable rule applied by the gate.
type Rule struct {
	Name        string
	Scope       Scope
	Algorithm   Algorithm
	BaseSec     float64
	MaxSec      float64
	MinSec      float64
	Multiplier  float64
	DecayFactor float64
	// TriggerCount is the threshold of qualifying triggers before a window starts.
	TriggerCount int
	// WindowSec bounds windowed trigger counting; 0 switches non-sliding
	// algorithms to cumulative counting.
	WindowSec      float64
	PriorityBypass []domain.Priority
}

// Validate checks rule consistency before the gate accepts it.
// Params: rule fields after normalization.
// Returns: validation error when rule cannot be applied.
func (r Rule) Validate() error {
	if _, err := ParseScope(string(r.Scope)); err != nil {
		return err
	}
	if _, err := ParseAlgorithm(string(r.Algorithm)); err != nil {
		return err
	}
	if r.BaseSec <= 0 {
		return errors.New("base_sec must be >0")
	}
	if r.TriggerCount < 1 {
		return errors.New("trigger_count must be >=1")
	}
	if r.MinSec < 0 || r.MaxSec < 0 || r.WindowSec < 0 {
		return errors.New("durations must be >=0")
	}
	if r.MaxSec > 0 && r.MinSec > r.MaxSec {
		return errors.New("min_sec must not exceed max_sec")
	}
	if r.Algorithm == AlgorithmSliding && r.WindowSec <= 0 {
		return errors.New("sliding algorithm requires window_sec >0")
	}
	for _, priority := range r.PriorityBypass {
		if !priority.Valid() {
			return fmt.Errorf("unsupported bypass priority %d", int(priority))
		}
	}
	return nil
}

// normalized fills defaulted numeric fields of one rule.
// Params: rule as configured.
// Returns: rule copy with multiplier and clamp defaults applied.
func (r Rule) normalized() Rule {
	if r.Multiplier <= 0 {
		r.Multiplier = 2.0
	}
	if r.MinSec <= 0 {
		r.MinSec = 1
	}
	if r.MaxSec <= 0 {
		r.MaxSec = 3600
	}
	return r
}

// bypassed reports whether priority is exempt from this rule.
// Params: resolved candidate priority.
// Returns: true when rule must be skipped.
func (r Rule) bypassed(priority domain.Priority) bool {
	for _, exempt := range r.PriorityBypass {
		if exempt == priority {
			return true
		}
	}
	return false
}

// DefaultRules returns the built-in cooldown policy set.
// Params: none.
// Returns: ordered rules applied when no custom rules are configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:           "event-burst",
			Scope:          ScopeEventType,
			Algorithm:      AlgorithmExponential,
			BaseSec:        60,
			MinSec:         30,
			MaxSec:         3600,
			Multiplier:     2.0,
			TriggerCount:   3,
			WindowSec:      300,
			PriorityBypass: []domain.Priority{domain.PriorityCritical},
		},
		{
			Name:           "channel-flood",
			Scope:          ScopeChannel,
			Algorithm:      AlgorithmSliding,
			BaseSec:        30,
			MinSec:         15,
			MaxSec:         1800,
			TriggerCount:   10,
			WindowSec:      60,
			PriorityBypass: []domain.Priority{domain.PriorityCritical},
		},
		{
			Name:         "content-repeat",
			Scope:        ScopeContentHash,
			Algorithm:    AlgorithmStatic,
			BaseSec:      300,
			MinSec:       60,
			MaxSec:       1800,
			TriggerCount: 2,
			WindowSec:    600,
		},
		{
			Name:           "global-surge",
			Scope:          ScopeGlobal,
			Algorithm:      AlgorithmAdaptive,
			BaseSec:        30,
			MinSec:         10,
			MaxSec:         600,
			TriggerCount:   30,
			WindowSec:      60,
			PriorityBypass: []domain.Priority{domain.PriorityHigh, domain.PriorityCritical},
		},
	}
}

// Context carries candidate dimensions for scope key derivation.
// Params: routing dimensions and content fields of one candidate.
// Returns: input for rule evaluation.
type Context struct {
	EventType string
	Channel   string
	Project   string
	Operation string
	Title     string
	Body      string
}

// ContextFromCandidate builds cooldown context from one candidate.
// Params: validated candidate.
// Returns: context with content fields extracted.
func ContextFromCandidate(candidate domain.Candidate) Context {
	return Context{
		EventType: candidate.EventType,
		Channel:   candidate.Channel,
		Project:   candidate.ContentField(domain.ContentFieldProject),
		Operation: candidate.ContentField(domain.ContentFieldOperation),
		Title:     candidate.ContentField(domain.ContentFieldTitle),
		Body:      candidate.ContentField(domain.ContentFieldError),
	}
}

// ScopeKey derives the state key for one scope and context.
// Params: rule scope and candidate context.
// Returns: prefixed state key string.
func ScopeKey(scope Scope, ctx Context) string {
	switch scope {
	case ScopeEventType:
		return "event:" + ctx.EventType
	case ScopeChannel:
		return "channel:" + ctx.Channel
	case ScopeContentHash:
		return "content:" + domain.ShortHash(ctx.EventType, ctx.Title, ctx.Body, ctx.Operation)
	case ScopeProject:
		return "project:" + ctx.Project
	case ScopeGlobal:
		return "global"
	default:
		return "unknown:" + ctx.EventType
	}
}

// StateKey builds the state key for administrative operations.
// Params: scope and raw (unprefixed) key value.
// Returns: prefixed state key matching evaluation keys.
func StateKey(scope Scope, key string) string {
	switch scope {
	case ScopeEventType:
		return "event:" + key
	case ScopeChannel:
		return "channel:" + key
	case ScopeContentHash:
		return "content:" + key
	case ScopeProject:
		return "project:" + key
	case ScopeGlobal:
		return "global"
	default:
		return "unknown:" + key
	}
}

// scopeFromKey derives scope from one prefixed state key.
// Params: prefixed state key.
// Returns: derived scope and success flag.
func scopeFromKey(key string) (Scope, bool) {
	switch {
	case key == "global":
		return ScopeGlobal, true
	case strings.HasPrefix(key, "event:"):
		return ScopeEventType, true
	case strings.HasPrefix(key, "channel:"):
		return ScopeChannel, true
	case strings.HasPrefix(key, "content:"):
		return ScopeContentHash, true
	case strings.HasPrefix(key, "project:"):
		return ScopeProject, true
	default:
		return "", false
	}
}
