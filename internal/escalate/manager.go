package escalate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"incidents/internal/clock"
	"incidents/internal/config"
	"incidents/internal/domain"
	"incidents/internal/keylock"
	"incidents/internal/notify"
	"incidents/internal/oncall"
	"incidents/internal/sched"
	"incidents/internal/state"
)

// Manager drives the per-incident escalation state machine.
// Levels are dispatched in order by cancellable timers; acknowledging or
// resolving an incident cancels every outstanding timer, and a timer that
// fires after cancellation re-checks status and becomes a no-op.
// Params: escalation policies, scheduler, store, per-key locks, contact
// resolver, and notification dispatcher.
// Returns: escalation lifecycle operations for the orchestrator.
type Manager struct {
	cfg        config.EscalationConfig
	scheduler  sched.Scheduler
	clk        clock.Clock
	store      state.Store
	locks      *keylock.KeyLock
	resolver   *oncall.Resolver
	dispatcher *notify.Dispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]map[sched.Handle]struct{}
}

// NewManager creates the escalation manager.
// Params: escalation settings and collaborators.
// Returns: initialized manager with no pending timers.
func NewManager(
	cfg config.EscalationConfig,
	scheduler sched.Scheduler,
	clk clock.Clock,
	store state.Store,
	locks *keylock.KeyLock,
	resolver *oncall.Resolver,
	dispatcher *notify.Dispatcher,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cfg:        cfg,
		scheduler:  scheduler,
		clk:        clk,
		store:      store,
		locks:      locks,
		resolver:   resolver,
		dispatcher: dispatcher,
		logger:     logger,
		pending:    make(map[string]map[sched.Handle]struct{}),
	}
}

// StartEscalation begins the escalation ladder for a fresh incident.
// The caller must hold the correlation-key lock for the incident. When no
// policy matches, the incident stays open without escalation; that outcome
// is logged, never silently swallowed.
// Params: context, persisted incident, and its current store revision.
// Returns: persistence error from an immediate level-1 dispatch.
func (m *Manager) StartEscalation(ctx context.Context, incident domain.Incident, revision uint64) error {
	policy, ok := m.selectPolicy(incident)
	if !ok {
		m.logger.Warn("no escalation policy matches incident",
			"incident_id", incident.ID,
			"equipment_id", incident.EquipmentID,
			"alert_type", incident.Type,
			"severity", incident.Severity)
		return nil
	}
	if len(policy.Level) == 0 {
		return nil
	}

	first := policy.Level[0]
	if first.DelayMinutes == 0 {
		return m.dispatchLevel(ctx, &incident, revision, policy, 0, true)
	}
	m.scheduleLevel(incident.ID, incident.CorrelationKey, policy, 0, minutes(first.DelayMinutes), true)
	return nil
}

// Resume restarts the escalation ladder after a new alert reopened an
// acknowledged incident. The caller must hold the correlation-key lock.
// Params: context, reopened incident, and its current store revision.
// Returns: persistence error from an immediate level-1 dispatch.
func (m *Manager) Resume(ctx context.Context, incident domain.Incident, revision uint64) error {
	return m.StartEscalation(ctx, incident, revision)
}

// Acknowledge stops escalation for an incident without closing it.
// All pending timers are cancelled; escalation does not resume unless a new
// alert correlates into the incident.
// Params: context and incident id.
// Returns: error when the incident is unknown or already resolved.
func (m *Manager) Acknowledge(ctx context.Context, incidentID string) error {
	return m.transition(ctx, incidentID, func(incident *domain.Incident, now time.Time) error {
		switch incident.Status {
		case domain.IncidentStatusResolved:
			return fmt.Errorf("incident %s is already resolved", incidentID)
		case domain.IncidentStatusAcknowledged:
			return nil
		}
		incident.Status = domain.IncidentStatusAcknowledged
		incident.AcknowledgedAt = &now
		return nil
	})
}

// Resolve closes an incident and frees its correlation key.
// All pending timers are cancelled; a timer firing later is a no-op.
// Params: context and incident id.
// Returns: error when the incident is unknown.
func (m *Manager) Resolve(ctx context.Context, incidentID string) error {
	return m.transition(ctx, incidentID, func(incident *domain.Incident, now time.Time) error {
		if incident.Status == domain.IncidentStatusResolved {
			return nil
		}
		incident.Status = domain.IncidentStatusResolved
		incident.ResolvedAt = &now
		return nil
	})
}

// transition applies one status change under the correlation-key lock.
// Params: incident id and mutation applied to the loaded incident.
// Returns: lookup, mutation, or persistence error.
func (m *Manager) transition(ctx context.Context, incidentID string, apply func(*domain.Incident, time.Time) error) error {
	probe, _, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}

	unlock := m.locks.Lock(probe.CorrelationKey)
	defer unlock()

	incident, revision, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}

	before := incident.Status
	now := m.clk.Now()
	if err := apply(&incident, now); err != nil {
		return err
	}
	m.cancelTimers(incidentID)
	if incident.Status == before {
		return nil
	}
	incident.UpdatedAt = now
	_, err = m.persistWithRetry(ctx, incident, revision)
	return err
}

// selectPolicy picks the first policy whose conditions match the incident.
// Params: incident.
// Returns: matched policy and true, or false when none matches.
func (m *Manager) selectPolicy(incident domain.Incident) (config.EscalationPolicy, bool) {
	for _, policy := range m.cfg.Policy {
		if policyMatches(policy.Conditions, incident) {
			return policy, true
		}
	}
	return config.EscalationPolicy{}, false
}

// scheduleLevel registers a cancellable timer for one level dispatch.
// Params: incident identity, policy, level index, delay, and whether the
// fired dispatch should chain the following level.
// Returns: nothing; the handle is tracked for cancellation.
func (m *Manager) scheduleLevel(incidentID, correlationKey string, policy config.EscalationPolicy, idx int, delay time.Duration, chainNext bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles, ok := m.pending[incidentID]
	if !ok {
		handles = make(map[sched.Handle]struct{})
		m.pending[incidentID] = handles
	}
	// The callback reads the handle under mu, so a timer firing before
	// After returns still observes the assignment below.
	var handle sched.Handle
	fired := func() {
		m.mu.Lock()
		m.forgetLocked(incidentID, handle)
		m.mu.Unlock()
		m.fireLevel(incidentID, correlationKey, policy, idx, chainNext)
	}
	handle = m.scheduler.After(delay, fired)
	handles[handle] = struct{}{}
}

// fireLevel runs one scheduled level dispatch under the key lock.
// The status guard makes late timers no-ops after acknowledge/resolve.
// Params: incident identity, policy, level index, and chain flag.
// Returns: nothing; failures are logged.
func (m *Manager) fireLevel(incidentID, correlationKey string, policy config.EscalationPolicy, idx int, chainNext bool) {
	ctx := context.Background()

	unlock := m.locks.Lock(correlationKey)
	defer unlock()

	incident, revision, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			m.logger.Error("escalation timer failed to load incident", "incident_id", incidentID, "error", err)
		}
		return
	}
	if incident.Status != domain.IncidentStatusOpen && incident.Status != domain.IncidentStatusEscalated {
		return
	}
	if err := m.dispatchLevel(ctx, &incident, revision, policy, idx, chainNext); err != nil {
		m.logger.Error("escalation dispatch failed to persist",
			"incident_id", incidentID,
			"level", policy.Level[idx].Level,
			"error", err)
	}
}

// dispatchLevel notifies every (channel, contact) pair for one level and
// persists the resulting incident state. The caller holds the key lock.
// Delivery failures are recorded per contact and never abort the dispatch;
// only persistence failure is returned.
// Params: incident, its revision, policy, level index, and chain flag.
// Returns: persistence error after retries.
func (m *Manager) dispatchLevel(ctx context.Context, incident *domain.Incident, revision uint64, policy config.EscalationPolicy, idx int, chainNext bool) error {
	level := policy.Level[idx]
	contacts := m.resolver.OnCall(level.ContactRoles)
	if len(contacts) == 0 {
		m.logger.Warn("no contacts on call for escalation level",
			"incident_id", incident.ID,
			"policy", policy.Name,
			"level", level.Level,
			"roles", level.ContactRoles)
	}

	for _, channel := range level.Channels {
		for _, contact := range contacts {
			sentAt := m.clk.Now()
			record := domain.NotificationRecord{
				Channel:   channel,
				Recipient: contact.ID,
				Level:     level.Level,
				SentAt:    sentAt,
			}
			err := m.dispatcher.Send(ctx, channel, notify.Notification{
				Incident: *incident,
				Level:    level.Level,
				Contact:  contact,
			})
			if err != nil {
				record.Error = err.Error()
				m.logger.Error("notification delivery failed",
					"incident_id", incident.ID,
					"channel", channel,
					"recipient", contact.ID,
					"level", level.Level,
					"error", err)
			} else {
				deliveredAt := m.clk.Now()
				record.DeliveredAt = &deliveredAt
			}
			incident.Notifications = append(incident.Notifications, record)
		}
	}

	now := m.clk.Now()
	incident.EscalationLevel = level.Level
	incident.Status = domain.IncidentStatusEscalated
	incident.UpdatedAt = now

	if _, err := m.persistWithRetry(ctx, *incident, revision); err != nil {
		return err
	}

	if chainNext && idx+1 < len(policy.Level) {
		next := policy.Level[idx+1]
		m.scheduleLevel(incident.ID, incident.CorrelationKey, policy, idx+1, minutes(next.DelayMinutes), true)
	}
	if level.Repeat && level.RepeatIntervalMinutes > 0 {
		m.scheduleLevel(incident.ID, incident.CorrelationKey, policy, idx, minutes(level.RepeatIntervalMinutes), false)
	}
	return nil
}

// persistWithRetry updates incident state with revision CAS and backoff.
// A conflict reloads the incident, keeps the appended notifications, and
// retries; exhausted retries are surfaced for operator visibility.
// Params: incident snapshot to persist and expected revision.
// Returns: new revision or final error.
func (m *Manager) persistWithRetry(ctx context.Context, incident domain.Incident, revision uint64) (uint64, error) {
	backoff := time.Duration(m.cfg.UpdateRetryBackoffMS) * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < m.cfg.UpdateRetryMax; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, ctx.Err()
			case <-timer.C:
			}

			fresh, freshRevision, err := m.store.GetIncident(ctx, incident.ID)
			if err != nil {
				return 0, err
			}
			incident = reconcile(fresh, incident)
			revision = freshRevision
		}

		newRevision, err := m.store.UpdateIncident(ctx, incident.ID, revision, incident)
		if err == nil {
			return newRevision, nil
		}
		lastErr = err
		if !errors.Is(err, state.ErrConflict) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("incident %s update exhausted %d attempts: %w", incident.ID, m.cfg.UpdateRetryMax, lastErr)
}

// reconcile merges local escalation progress onto a freshly loaded incident.
// Notifications appended locally but missing remotely are re-appended;
// escalation level never decreases.
// Params: fresh store copy and locally mutated copy.
// Returns: merged incident for the retry write.
func reconcile(fresh, local domain.Incident) domain.Incident {
	if len(local.Notifications) > len(fresh.Notifications) {
		fresh.Notifications = append(fresh.Notifications, local.Notifications[len(fresh.Notifications):]...)
	}
	if local.EscalationLevel > fresh.EscalationLevel {
		fresh.EscalationLevel = local.EscalationLevel
	}
	if fresh.Status.Active() {
		fresh.Status = local.Status
	}
	fresh.Severity = domain.MaxSeverity(fresh.Severity, local.Severity)
	if local.UpdatedAt.After(fresh.UpdatedAt) {
		fresh.UpdatedAt = local.UpdatedAt
	}
	return fresh
}

// cancelTimers cancels every pending timer for one incident.
// Params: incident id.
// Returns: nothing.
func (m *Manager) cancelTimers(incidentID string) {
	m.mu.Lock()
	handles := m.pending[incidentID]
	delete(m.pending, incidentID)
	m.mu.Unlock()

	for handle := range handles {
		m.scheduler.Cancel(handle)
	}
}

// forgetLocked drops a fired timer handle from the pending set.
// The caller holds mu.
// Params: incident id and handle.
// Returns: nothing.
func (m *Manager) forgetLocked(incidentID string, handle sched.Handle) {
	if handles, ok := m.pending[incidentID]; ok {
		delete(handles, handle)
		if len(handles) == 0 {
			delete(m.pending, incidentID)
		}
	}
}

// PendingTimers reports the number of outstanding timers for one incident.
// Params: incident id.
// Returns: pending timer count.
func (m *Manager) PendingTimers(incidentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[incidentID])
}

// policyMatches tests policy conditions against incident attributes.
// Params: conditions and incident.
// Returns: true when every non-empty allow-list matches.
func policyMatches(conditions config.PolicyConditions, incident domain.Incident) bool {
	if !listMatches(conditions.Severities, string(incident.Severity)) {
		return false
	}
	if !listMatches(conditions.AlertTypes, incident.Type) {
		return false
	}
	return listMatches(conditions.EquipmentIDs, incident.EquipmentID)
}

// listMatches reports allow-list membership.
// Params: allow-list and candidate value.
// Returns: true on membership; an empty list matches everything.
func listMatches(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}

// minutes converts a whole-minute config value to a duration.
// Params: minutes.
// Returns: duration.
func minutes(value int) time.Duration {
	return time.Duration(value) * time.Minute
}
