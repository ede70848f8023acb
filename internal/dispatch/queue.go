package dispatch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"notifier/internal/domain"
)

// SourceLive marks jobs admitted straight through the gates.
const SourceLive = "live"

// SourceDelayed marks jobs re-dispatched from the delayed queue.
const SourceDelayed = "delayed"

// Job is one admitted notification handed to the delivery layer.
// Params: deterministic id, admitted candidate, admission source, and timestamp.
// Returns: queue unit consumed by delivery workers.
type Job struct {
	ID         string           `json:"id"`
	Source     string           `json:"source"`
	Candidate  domain.Candidate `json:"candidate"`
	AdmittedAt time.Time        `json:"admitted_at"`
}

// BuildJobID creates a deterministic id for one dispatch job.
// Params: admitted candidate and admission source.
// Returns: stable SHA1-based id string used for broker-side deduplication.
func BuildJobID(candidate domain.Candidate, source string) string {
	raw := fmt.Sprintf(
		"%s|%s|%s|%s|%s|%d",
		source,
		candidate.ID,
		candidate.EventType,
		candidate.Channel,
		candidate.Fingerprint(),
		candidate.CreatedAt.UnixNano(),
	)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewJob builds one dispatch job for an admitted candidate.
// Params: candidate, admission source, and admission time.
// Returns: job with derived id.
func NewJob(candidate domain.Candidate, source string, admittedAt time.Time) Job {
	return Job{
		ID:         BuildJobID(candidate, source),
		Source:     source,
		Candidate:  candidate,
		AdmittedAt: admittedAt,
	}
}

// Producer hands admitted jobs to the delivery layer.
// Params: context and dispatch job payload.
// Returns: dispatch error.
type Producer interface {
	Dispatch(ctx context.Context, job Job) error
	Close() error
}

// InprocProducer forwards jobs to an in-process handler.
// Params: handler callback invoked per job.
// Returns: producer for single-instance mode.
type InprocProducer struct {
	handler func(ctx context.Context, job Job) error
}

// NewInprocProducer creates an in-process dispatch producer.
// Params: handler callback (nil makes dispatch a no-op).
// Returns: initialized producer.
func NewInprocProducer(handler func(ctx context.Context, job Job) error) *InprocProducer {
	return &InprocProducer{handler: handler}
}

// Dispatch invokes the handler for one job.
// Params: context and dispatch job.
// Returns: handler error.
func (p *InprocProducer) Dispatch(ctx context.Context, job Job) error {
	if p.handler == nil {
		return nil
	}
	return p.handler(ctx, job)
}

// Close is a no-op for the in-process producer.
// Params: none.
// Returns: nil.
func (p *InprocProducer) Close() error {
	return nil
}
