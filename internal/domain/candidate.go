package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority ranks one notification candidate for admission decisions.
// Params: ordinal constants from PriorityLow to PriorityCritical.
// Returns: comparable priority level used by throttling policy.
type Priority int

const (
	// PriorityLow marks informational notifications shed first under load.
	PriorityLow Priority = iota + 1
	// PriorityNormal marks default notifications.
	PriorityNormal
	// PriorityHigh marks notifications delayed rather than dropped under load.
	PriorityHigh
	// PriorityCritical marks notifications exempt from load shedding.
	PriorityCritical
)

// Content field names contributing to the duplicate fingerprint.
const (
	ContentFieldProject   = "project"
	ContentFieldOperation = "operation"
	ContentFieldError     = "error"
	ContentFieldTitle     = "title"
)

// ParsePriority converts priority name into ordinal priority.
// Params: case-insensitive priority name.
// Returns: parsed priority or error on unknown name.
func ParsePriority(value string) (Priority, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unsupported priority %q", value)
	}
}

// String returns lower-case priority name.
// Params: none.
// Returns: priority name or "unknown".
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether priority is one of the defined levels.
// Params: none.
// Returns: true for defined ordinal values.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// MarshalJSON encodes priority as its name.
// Params: none.
// Returns: quoted priority name bytes.
func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("marshal priority: unsupported value %d", int(p))
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes priority from its name.
// Params: quoted priority name bytes.
// Returns: decode error on unknown name.
func (p *Priority) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return fmt.Errorf("decode priority: %w", err)
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Action identifies one admission outcome for a candidate.
// Params: constants allow/block/delay/merge.
// Returns: normalized action usage across pipeline.
type Action string

const (
	// ActionAllow admits the candidate for immediate dispatch.
	ActionAllow Action = "allow"
	// ActionBlock drops the candidate.
	ActionBlock Action = "block"
	// ActionDelay defers the candidate into the delayed queue.
	ActionDelay Action = "delay"
	// ActionMerge hands the candidate to the message-grouping collaborator.
	ActionMerge Action = "merge"
)

// Decision is one throttle gate outcome for a candidate.
// Params: action, human-readable reason, and optional delay seconds.
// Returns: admission decision consumed by the dispatch layer.
type Decision struct {
	Action       Action   `json:"action"`
	Reason       string   `json:"reason"`
	DelaySeconds *float64 `json:"delay_seconds,omitempty"`
}

// Candidate is one outbound notification awaiting admission.
// Params: identity, routing dimensions, priority, content fields, and creation time.
// Returns: immutable candidate payload for gate evaluation.
type Candidate struct {
	ID        string            `json:"id"`
	EventType string            `json:"event_type"`
	Channel   string            `json:"channel"`
	Priority  Priority          `json:"priority"`
	Content   map[string]string `json:"content,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ContentField reads one content field tolerating a nil map.
// Params: content field name.
// Returns: field value or empty string.
func (c Candidate) ContentField(name string) string {
	if c.Content == nil {
		return ""
	}
	return c.Content[name]
}

// Fingerprint derives the stable duplicate-suppression hash for candidate.
// Params: none.
// Returns: 8-hex-char digest over event type, channel, and fixed content fields.
func (c Candidate) Fingerprint() string {
	return ShortHash(
		c.EventType,
		c.Channel,
		c.ContentField(ContentFieldProject),
		c.ContentField(ContentFieldOperation),
		c.ContentField(ContentFieldError),
		c.ContentField(ContentFieldTitle),
	)
}

// ShortHash hashes ordered parts into a truncated stable digest.
// Params: ordered string parts.
// Returns: first 8 hex chars of SHA1 over newline-joined parts.
func ShortHash(parts ...string) string {
	digest := sha1.Sum([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(digest[:])[:8]
}

// Validate validates one candidate against the intake contract.
// Params: candidate fields parsed from transport.
// Returns: validation error when contract is violated.
func (c Candidate) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(c.EventType) == "" {
		return errors.New("event_type is required")
	}
	if strings.TrimSpace(c.Channel) == "" {
		return errors.New("channel is required")
	}
	if !c.Priority.Valid() {
		return fmt.Errorf("unsupported priority %d", int(c.Priority))
	}
	return nil
}

// DecodeCandidate decodes and validates one candidate payload.
// Params: JSON document bytes.
// Returns: validated candidate or decode/validation error.
func DecodeCandidate(raw []byte) (Candidate, error) {
	var candidate Candidate
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return Candidate{}, fmt.Errorf("decode candidate: %w", err)
	}
	if err := candidate.Validate(); err != nil {
		return Candidate{}, err
	}
	return candidate, nil
}

// DecodeCandidatesReader decodes and validates one batch of candidates from stream.
// Params: reader with one JSON array of candidates.
// Returns: validated candidate slice or decode/validation error.
func DecodeCandidatesReader(reader *json.Decoder) ([]Candidate, error) {
	var candidates []Candidate
	if err := reader.Decode(&candidates); err != nil {
		return nil, fmt.Errorf("decode candidate batch: %w", err)
	}
	if len(candidates) == 0 {
		return nil, errors.New("candidate batch must contain at least one candidate")
	}
	for i := range candidates {
		if err := candidates[i].Validate(); err != nil {
			return nil, fmt.Errorf("candidate[%d]: %w", i, err)
		}
	}
	return candidates, nil
}
