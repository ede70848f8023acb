package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"notifier/internal/clock"
	"notifier/internal/config"
	"notifier/internal/cooldown"
	"notifier/internal/dispatch"
	"notifier/internal/domain"
	"notifier/internal/state"
	"notifier/internal/throttle"
)

// MergeHandler receives candidates marked for message grouping.
// Params: context and candidate selected for merge.
// Returns: hand-off error.
type MergeHandler func(ctx context.Context, candidate domain.Candidate) error

// Status is the aggregated runtime view for the status endpoint.
// Params: service identity plus per-gate status snapshots.
// Returns: JSON-serializable status document.
type Status struct {
	Service  string              `json:"service"`
	Mode     string              `json:"mode"`
	Cooldown cooldown.GateStatus `json:"cooldown"`
	Throttle throttle.GateStatus `json:"throttle"`
}

// Manager coordinates the cooldown gate, throttle gate, and dispatch hand-off.
// Params: runtime config, both gates, dispatch producer, logger, and clock.
// Returns: candidate sink and periodic worker entrypoint.
type Manager struct {
	mu           sync.RWMutex
	cfg          config.Config
	cooldownGate *cooldown.Gate
	throttleGate *throttle.Gate
	producer     dispatch.Producer
	mergeHandler MergeHandler
	logger       *slog.Logger
	clock        clock.Clock
}

// NewManager creates manager with initial configuration.
// Params: initial config, constructed gates, logger, and clock.
// Returns: initialized manager.
func NewManager(cfg config.Config, cooldownGate *cooldown.Gate, throttleGate *throttle.Gate, logger *slog.Logger, clk clock.Clock) *Manager {
	return &Manager{
		cfg:          cfg,
		cooldownGate: cooldownGate,
		throttleGate: throttleGate,
		logger:       logger,
		clock:        clk,
	}
}

// SetProducer replaces the runtime dispatch producer.
// Params: producer built from active dispatch config.
// Returns: producer reference swapped atomically.
func (m *Manager) SetProducer(producer dispatch.Producer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producer = producer
}

// SetMergeHandler replaces the message-grouping hand-off callback.
// Params: merge handler (nil disables the hand-off).
// Returns: handler reference swapped atomically.
func (m *Manager) SetMergeHandler(handler MergeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeHandler = handler
}

// Push runs one candidate through both gates and dispatches on admission.
// Params: validated candidate from ingest interfaces.
// Returns: admission decision and dispatch error when hand-off fails.
func (m *Manager) Push(candidate domain.Candidate) (domain.Decision, error) {
	return m.process(context.Background(), candidate)
}

// PushBatch runs a batch of candidates through the gates in order.
// Params: validated candidate slice.
// Returns: per-candidate decisions and first dispatch error.
func (m *Manager) PushBatch(candidates []domain.Candidate) ([]domain.Decision, error) {
	ctx := context.Background()
	decisions := make([]domain.Decision, 0, len(candidates))
	for _, candidate := range candidates {
		decision, err := m.process(ctx, candidate)
		if err != nil {
			return decisions, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

// process evaluates one candidate: cooldown first, then throttle cascade.
// Params: context and candidate payload.
// Returns: final decision and dispatch error.
func (m *Manager) process(ctx context.Context, candidate domain.Candidate) (domain.Decision, error) {
	cooldownCtx := cooldown.ContextFromCandidate(candidate)
	suppressed, reason, remaining := m.cooldownGate.ShouldCooldown(cooldownCtx, candidate.Priority)
	if suppressed {
		// Cooldown suppression short-circuits before any throttle bookkeeping.
		m.logger.Debug("candidate suppressed by cooldown",
			"candidate_id", candidate.ID,
			"event_type", candidate.EventType,
			"channel", candidate.Channel,
			"reason", reason,
		)
		return domain.Decision{
			Action:       domain.ActionBlock,
			Reason:       reason,
			DelaySeconds: remaining,
		}, nil
	}

	decision := m.throttleGate.Evaluate(candidate)
	switch decision.Action {
	case domain.ActionAllow:
		if err := m.dispatchCandidate(ctx, candidate, dispatch.SourceLive); err != nil {
			return decision, err
		}
	case domain.ActionDelay:
		delaySec := 1.0
		if decision.DelaySeconds != nil {
			delaySec = *decision.DelaySeconds
		}
		m.throttleGate.Enqueue(candidate, delaySec)
	case domain.ActionMerge:
		m.throttleGate.MarkMerged()
		if handler := m.mergeHandlerSnapshot(); handler != nil {
			if err := handler(ctx, candidate); err != nil {
				m.logger.Error("merge hand-off failed", "candidate_id", candidate.ID, "error", err.Error())
			}
		}
	case domain.ActionBlock:
		m.logger.Debug("candidate blocked by throttle",
			"candidate_id", candidate.ID,
			"event_type", candidate.EventType,
			"channel", candidate.Channel,
			"reason", decision.Reason,
		)
	}
	return decision, nil
}

// DrainTick re-dispatches delayed candidates whose deferral elapsed.
// Params: context for dispatch operations.
// Returns: count of re-dispatched candidates.
func (m *Manager) DrainTick(ctx context.Context) int {
	ready := m.throttleGate.DrainReady()
	dispatched := 0
	for _, candidate := range ready {
		// Delayed candidates were already admitted; they bypass both gates here.
		if err := m.dispatchCandidate(ctx, candidate, dispatch.SourceDelayed); err != nil {
			m.logger.Error("delayed dispatch failed, requeueing",
				"candidate_id", candidate.ID,
				"error", err.Error(),
			)
			m.throttleGate.Enqueue(candidate, redispatchRetrySeconds)
			continue
		}
		dispatched++
	}
	return dispatched
}

// redispatchRetrySeconds defers retried delayed candidates after dispatch failures.
const redispatchRetrySeconds = 5.0

// dispatchCandidate hands one admitted candidate to the dispatch producer.
// Params: context, candidate, and admission source marker.
// Returns: producer error.
func (m *Manager) dispatchCandidate(ctx context.Context, candidate domain.Candidate, source string) error {
	producer := m.producerSnapshot()
	if producer == nil {
		return nil
	}
	job := dispatch.NewJob(candidate, source, m.clock.Now())
	if err := producer.Dispatch(ctx, job); err != nil {
		return fmt.Errorf("dispatch candidate %s: %w", candidate.ID, err)
	}
	return nil
}

// ApplyConfig atomically replaces active config and reconfigures both gates.
// Params: validated new config snapshot.
// Returns: config and gate policies swapped in place.
func (m *Manager) ApplyConfig(cfg config.Config) {
	m.cooldownGate.Reconfigure(config.BuildCooldownRules(cfg))
	m.throttleGate.Reconfigure(config.BuildThrottleLimits(cfg))

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.logger.Info("gate policies reconfigured")
}

// ForceCooldown starts an operator-requested cooldown on one state.
// Params: scope, scope key, duration seconds, and audit reason.
// Returns: none.
func (m *Manager) ForceCooldown(scope cooldown.Scope, key string, durationSec float64, reason string) {
	m.cooldownGate.ForceCooldown(scope, key, durationSec, reason)
}

// CancelCooldown ends an active cooldown window early.
// Params: scope and scope key.
// Returns: true when an active window was cancelled.
func (m *Manager) CancelCooldown(scope cooldown.Scope, key string) bool {
	return m.cooldownGate.CancelCooldown(scope, key)
}

// ResetCooldown clears trigger counters and history for one state.
// Params: scope and scope key.
// Returns: true when a tracked state was reset.
func (m *Manager) ResetCooldown(scope cooldown.Scope, key string) bool {
	return m.cooldownGate.ResetCounter(scope, key)
}

// CooldownStatusFor reads one cooldown state snapshot.
// Params: scope and scope key.
// Returns: state status (zero-value stub for untracked keys).
func (m *Manager) CooldownStatusFor(scope cooldown.Scope, key string) cooldown.StateStatus {
	return m.cooldownGate.StatusFor(scope, key)
}

// Status aggregates both gate statuses for the status endpoint.
// Params: none.
// Returns: aggregated runtime status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	name := m.cfg.Service.Name
	mode := m.cfg.Service.Mode
	m.mu.RUnlock()
	return Status{
		Service:  name,
		Mode:     mode,
		Cooldown: m.cooldownGate.Status(),
		Throttle: m.throttleGate.Status(),
	}
}

// SaveSnapshot persists the cooldown gate state into the state store.
// Params: context and state backend.
// Returns: encode or store error.
func (m *Manager) SaveSnapshot(ctx context.Context, store state.Store) error {
	blob, err := cooldown.EncodeSnapshot(m.cooldownGate.ExportState())
	if err != nil {
		return fmt.Errorf("encode cooldown snapshot: %w", err)
	}
	if err := store.SaveSnapshot(ctx, state.SnapshotKeyCooldown, blob); err != nil {
		return fmt.Errorf("save cooldown snapshot: %w", err)
	}
	return nil
}

// RestoreSnapshot loads persisted cooldown state from the state store.
// Params: context and state backend.
// Returns: count of imported states and load error (missing snapshot is not an error).
func (m *Manager) RestoreSnapshot(ctx context.Context, store state.Store) (int, error) {
	blob, err := store.LoadSnapshot(ctx, state.SnapshotKeyCooldown)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("load cooldown snapshot: %w", err)
	}
	snapshot, err := cooldown.DecodeSnapshot(blob)
	if err != nil {
		return 0, fmt.Errorf("decode cooldown snapshot: %w", err)
	}
	imported := m.cooldownGate.ImportState(snapshot)
	if imported > 0 {
		m.logger.Info("cooldown state restored", "imported", imported)
	}
	return imported, nil
}

// producerSnapshot returns current producer pointer under read lock.
// Params: none.
// Returns: producer reference or nil.
func (m *Manager) producerSnapshot() dispatch.Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producer
}

// mergeHandlerSnapshot returns current merge handler under read lock.
// Params: none.
// Returns: merge handler or nil.
func (m *Manager) mergeHandlerSnapshot() MergeHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mergeHandler
}
