package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"incidents/internal/clock"
	"incidents/internal/config"
	"incidents/internal/correlate"
	"incidents/internal/domain"
	"incidents/internal/escalate"
	"incidents/internal/keylock"
	"incidents/internal/notify"
	"incidents/internal/oncall"
	"incidents/internal/permanent"
	"incidents/internal/sched"
	"incidents/internal/state"
	"incidents/internal/suppress"

	"github.com/nats-io/nuid"
)

// Manager orchestrates the alert pipeline: suppression, correlation, and
// escalation. Unrelated alerts are processed in parallel; alerts resolving
// to one correlation key are serialized by a per-key lock so two alerts
// arriving within microseconds never create two incidents.
// Params: config snapshot, store, notification dispatcher, scheduler, clock.
// Returns: alert processing and incident lifecycle operations.
type Manager struct {
	cfg        config.Config
	logger     *slog.Logger
	store      state.Store
	locks      *keylock.KeyLock
	suppressor *suppress.Manager
	correlator *correlate.Engine
	escalator  *escalate.Manager
	clk        clock.Clock
}

// NewManager builds the orchestrator and its pipeline stages.
// Params: config snapshot, logger, store, dispatcher, scheduler, and clock.
// Returns: initialized manager.
func NewManager(
	cfg config.Config,
	logger *slog.Logger,
	store state.Store,
	dispatcher *notify.Dispatcher,
	scheduler sched.Scheduler,
	clk clock.Clock,
) *Manager {
	locks := keylock.New()
	location := config.SuppressLocation(cfg.Suppress)
	resolver := oncall.NewResolver(cfg.OnCall, location, clk)
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		locks:      locks,
		suppressor: suppress.NewManager(cfg.Suppress, clk, store, logger),
		correlator: correlate.NewEngine(cfg.Correlate, correlate.AreasFromConfig(cfg.Correlate.Area)),
		escalator:  escalate.NewManager(cfg.Escalation, scheduler, clk, store, locks, resolver, dispatcher, logger),
		clk:        clk,
	}
}

// ProcessAlert runs one alert through suppression, correlation, and
// incident creation with escalation start.
// Params: context and decoded alert.
// Returns: nil when processed or suppressed; permanent error for invalid
// alerts; transient error when persistence failed and the caller should
// redeliver.
func (m *Manager) ProcessAlert(ctx context.Context, alert domain.Alert) error {
	if err := alert.Validate(); err != nil {
		return permanent.Mark(err)
	}

	if decision := m.suppressor.Evaluate(ctx, alert); decision.Suppress {
		return nil
	}

	candidates := m.correlator.Candidates(alert)
	for _, candidate := range candidates {
		merged, err := m.tryMerge(ctx, candidate, alert)
		if err != nil {
			return err
		}
		if merged {
			return nil
		}
	}

	return m.createIncident(ctx, alert, candidates)
}

// Acknowledge marks an incident as owned and stops its escalation timers.
// Params: context and incident id.
// Returns: error when the incident is unknown or already resolved.
func (m *Manager) Acknowledge(ctx context.Context, incidentID string) error {
	return m.escalator.Acknowledge(ctx, incidentID)
}

// Resolve closes an incident and frees its correlation key.
// Params: context and incident id.
// Returns: error when the incident is unknown.
func (m *Manager) Resolve(ctx context.Context, incidentID string) error {
	return m.escalator.Resolve(ctx, incidentID)
}

// GetIncident loads one incident for the read API.
// Params: context and incident id.
// Returns: incident snapshot or lookup error.
func (m *Manager) GetIncident(ctx context.Context, incidentID string) (domain.Incident, error) {
	incident, _, err := m.store.GetIncident(ctx, incidentID)
	return incident, err
}

// tryMerge attempts to append the alert to an active incident for one
// correlation candidate, serialized under the candidate's key lock.
// Params: context, rule candidate, and alert.
// Returns: true when merged; transient error on persistence failure.
func (m *Manager) tryMerge(ctx context.Context, candidate correlate.Candidate, alert domain.Alert) (bool, error) {
	unlock := m.locks.Lock(candidate.Key)
	defer unlock()
	return m.mergeLocked(ctx, candidate.Key, candidate.Rule, alert)
}

// mergeLocked runs the read-modify-write merge loop under the key lock.
// A revision conflict means another engine instance updated the incident;
// the merge re-reads and retries. A rule of nil accepts any active incident
// bound to the key.
// Params: context, correlation key, optional rule predicate, and alert.
// Returns: true when merged, false when no matching active incident exists.
func (m *Manager) mergeLocked(ctx context.Context, key string, rule correlate.Rule, alert domain.Alert) (bool, error) {
	retryMax := m.cfg.Escalation.UpdateRetryMax
	var lastErr error
	for attempt := 0; attempt < retryMax; attempt++ {
		incident, revision, err := m.store.GetActiveByKey(ctx, key)
		if errors.Is(err, state.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if rule != nil && !m.correlator.Matches(rule, incident, alert) {
			return false, nil
		}

		reopened := incident.Status == domain.IncidentStatusAcknowledged
		incident.Merge(alert, m.clk.Now())
		if reopened {
			incident.Status = domain.IncidentStatusOpen
		}

		newRevision, err := m.store.UpdateIncident(ctx, incident.ID, revision, incident)
		if errors.Is(err, state.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return false, err
		}

		m.logger.Info("alert correlated into incident",
			"alert_id", alert.ID,
			"incident_id", incident.ID,
			"correlation_key", key,
			"alert_count", len(incident.Alerts))
		if reopened {
			if err := m.escalator.Resume(ctx, incident, newRevision); err != nil {
				m.logger.Error("escalation resume failed", "incident_id", incident.ID, "error", err)
			}
		}
		return true, nil
	}
	return false, fmt.Errorf("merge into correlation key %q exhausted %d attempts: %w", key, retryMax, lastErr)
}

// createIncident creates a fresh incident for an uncorrelated alert and
// starts its escalation, serialized under the primary key lock. The incident
// is indexed under every candidate key the alert derives, so a later alert
// arriving through any rule finds it; a candidate key another active
// incident already holds stays with that incident.
// Two incidents must never be active for one key; if the primary key turns
// out to be bound the alert merges into the existing incident instead.
// Params: context, alert, and its correlation candidates in rule order.
// Returns: transient error on persistence failure.
func (m *Manager) createIncident(ctx context.Context, alert domain.Alert, candidates []correlate.Candidate) error {
	keys := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		keys = append(keys, candidate.Key)
	}
	if len(keys) == 0 {
		keys = []string{m.correlator.CreateKey(alert)}
	}
	key := keys[0]

	unlock := m.locks.Lock(key)
	defer unlock()

	// An alert for the same key may have won the lock first.
	merged, err := m.mergeLocked(ctx, key, nil, alert)
	if err != nil {
		return err
	}
	if merged {
		return nil
	}

	now := m.clk.Now()
	incident := domain.NewIncident(nextIncidentID(), key, alert, now)
	incident.CorrelationKeys = keys
	revision, err := m.store.PutIncident(ctx, incident)
	if errors.Is(err, state.ErrConflict) {
		m.logger.Error("correlation key already bound to an active incident",
			"correlation_key", key,
			"alert_id", alert.ID,
			"rejected_incident_id", incident.ID)
		merged, mergeErr := m.mergeLocked(ctx, key, nil, alert)
		if mergeErr != nil {
			return mergeErr
		}
		if !merged {
			return fmt.Errorf("correlation key %q is bound but holds no active incident", key)
		}
		return nil
	}
	if err != nil {
		return err
	}

	m.logger.Info("incident created",
		"incident_id", incident.ID,
		"correlation_key", key,
		"equipment_id", incident.EquipmentID,
		"alert_type", incident.Type,
		"severity", incident.Severity)

	return m.escalator.StartEscalation(ctx, incident, revision)
}

// nextIncidentID generates a unique incident identifier.
// Params: none.
// Returns: new id string.
func nextIncidentID() string {
	return "inc-" + nuid.Next()
}
