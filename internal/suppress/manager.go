package suppress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"incidents/internal/clock"
	"incidents/internal/config"
	"incidents/internal/domain"
	"incidents/internal/state"
)

// Rule name constants used in decisions and audit records.
const (
	RuleMaintenance = "maintenance_window"
	RuleFlapping    = "flapping"
	RuleDuplicate   = "duplicate"
	RuleOffHours    = "off_hours"
	RuleKnownIssue  = "known_issue"
)

// Decision describes the outcome of suppression evaluation for one alert.
// Params: suppression verdict with matched rule and human-readable reason.
// Returns: pass-through when Suppress is false.
type Decision struct {
	Suppress bool
	Rule     string
	Reason   string
}

// Manager evaluates ordered suppression rules against incoming alerts.
// Trackers live in process memory; losing them under-suppresses but never
// blocks ingestion.
// Params: suppression settings, clock, audit store, and logger.
// Returns: first-match decisions; rule order is fixed.
type Manager struct {
	cfg      config.SuppressConfig
	location *time.Location
	clk      clock.Clock
	store    state.Store
	logger   *slog.Logger

	mu         sync.Mutex
	flapSeen   map[string][]time.Time
	duplicates map[string]time.Time
}

// NewManager creates a suppression manager with empty occurrence trackers.
// Params: suppression settings, clock, audit store, and logger.
// Returns: initialized manager.
func NewManager(cfg config.SuppressConfig, clk clock.Clock, store state.Store, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		location:   config.SuppressLocation(cfg),
		clk:        clk,
		store:      store,
		logger:     logger,
		flapSeen:   make(map[string][]time.Time),
		duplicates: make(map[string]time.Time),
	}
}

// Evaluate runs suppression rules in order and records the audit trail.
// Params: context and validated alert.
// Returns: first matching suppression decision or a pass-through decision.
func (m *Manager) Evaluate(ctx context.Context, alert domain.Alert) Decision {
	now := m.clk.Now()
	decision := m.decide(alert, now)
	if !decision.Suppress {
		return decision
	}

	m.logger.Info("alert suppressed",
		"alert_id", alert.ID,
		"equipment_id", alert.EquipmentID,
		"alert_type", alert.Type,
		"rule", decision.Rule,
		"reason", decision.Reason)

	record := domain.SuppressionRecord{
		Rule:         decision.Rule,
		AlertID:      alert.ID,
		EquipmentID:  alert.EquipmentID,
		AlertType:    alert.Type,
		Reason:       decision.Reason,
		SuppressedAt: now,
	}
	if err := m.store.AppendSuppression(ctx, record); err != nil {
		m.logger.Error("suppression audit write failed", "alert_id", alert.ID, "error", err)
	}
	return decision
}

// decide applies the fixed rule order and updates the trackers.
// Params: alert and current time.
// Returns: first matching decision.
func (m *Manager) decide(alert domain.Alert, now time.Time) Decision {
	if window, ok := m.activeMaintenance(alert.EquipmentID, now); ok {
		return Decision{
			Suppress: true,
			Rule:     RuleMaintenance,
			Reason:   fmt.Sprintf("equipment %s in maintenance until %s", alert.EquipmentID, window.End.UTC().Format(time.RFC3339)),
		}
	}

	if count, flapping := m.trackFlapping(alert, now); flapping {
		return Decision{
			Suppress: true,
			Rule:     RuleFlapping,
			Reason:   fmt.Sprintf("%d %s alerts on %s within %s", count, alert.Type, alert.EquipmentID, time.Duration(m.cfg.FlapWindowSec)*time.Second),
		}
	}

	if m.duplicateSeen(alert, now) {
		return Decision{
			Suppress: true,
			Rule:     RuleDuplicate,
			Reason:   fmt.Sprintf("duplicate of %s alert seen within %s", alert.Type, time.Duration(m.cfg.DuplicateWindowSec)*time.Second),
		}
	}

	if alert.Severity == domain.SeverityLow && m.offHours(now) {
		return Decision{
			Suppress: true,
			Rule:     RuleOffHours,
			Reason:   fmt.Sprintf("low severity alert outside %02d:00-%02d:00 %s", m.cfg.OffHoursStartHour, m.cfg.OffHoursEndHour, m.location),
		}
	}

	if issue, ok := m.activeKnownIssue(alert, now); ok {
		return Decision{
			Suppress: true,
			Rule:     RuleKnownIssue,
			Reason:   fmt.Sprintf("known issue on %s until %s", alert.EquipmentID, issue.Expires.UTC().Format(time.RFC3339)),
		}
	}

	m.recordDuplicate(alert, now)
	return Decision{}
}

// trackFlapping records the occurrence and checks the sliding window count.
// The count includes the current alert, so the threshold is the number of
// alerts allowed through before the window starts suppressing.
// Params: alert and current time.
// Returns: in-window count and true when the count exceeds the threshold.
func (m *Manager) trackFlapping(alert domain.Alert, now time.Time) (int, bool) {
	key := alert.EquipmentID + "|" + alert.Type
	window := time.Duration(m.cfg.FlapWindowSec) * time.Second

	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(pruneWindow(m.flapSeen[key], now, window), now)
	m.flapSeen[key] = history
	return len(history), len(history) > m.cfg.FlapThreshold
}

// duplicateSeen reports whether an identical alert signature is still fresh.
// Params: alert and current time.
// Returns: true when a non-expired signature entry exists.
func (m *Manager) duplicateSeen(alert domain.Alert, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.duplicates[duplicateKey(alert)]
	if !ok {
		return false
	}
	if !expiry.After(now) {
		delete(m.duplicates, duplicateKey(alert))
		return false
	}
	return true
}

// recordDuplicate stores the signature of a processed alert with an expiry.
// Only alerts that pass suppression are recorded, so the next identical
// alert inside the window is caught.
// Params: alert and current time.
// Returns: nothing.
func (m *Manager) recordDuplicate(alert domain.Alert, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicates[duplicateKey(alert)] = now.Add(time.Duration(m.cfg.DuplicateWindowSec) * time.Second)
}

// activeMaintenance finds a maintenance window covering the current time.
// Params: equipment id and current time.
// Returns: matched window and true, or false when none covers the time.
func (m *Manager) activeMaintenance(equipmentID string, now time.Time) (config.MaintenanceWindow, bool) {
	for _, window := range m.cfg.Maintenance {
		if window.EquipmentID != equipmentID {
			continue
		}
		if !now.Before(window.Start) && now.Before(window.End) {
			return window, true
		}
	}
	return config.MaintenanceWindow{}, false
}

// activeKnownIssue finds an unexpired known issue matching the alert.
// Params: alert and current time.
// Returns: matched issue and true, or false when none applies.
func (m *Manager) activeKnownIssue(alert domain.Alert, now time.Time) (config.KnownIssueConfig, bool) {
	for _, issue := range m.cfg.KnownIssue {
		if issue.EquipmentID != alert.EquipmentID {
			continue
		}
		if !now.Before(issue.Expires) {
			continue
		}
		for _, alertType := range issue.AlertTypes {
			if alertType == alert.Type {
				return issue, true
			}
		}
	}
	return config.KnownIssueConfig{}, false
}

// offHours reports whether the current time is a weekend or outside working hours.
// Params: current time.
// Returns: true when local time is off-hours.
func (m *Manager) offHours(now time.Time) bool {
	local := now.In(m.location)
	if day := local.Weekday(); day == time.Saturday || day == time.Sunday {
		return true
	}
	hour := local.Hour()
	return hour < m.cfg.OffHoursStartHour || hour >= m.cfg.OffHoursEndHour
}

// duplicateKey builds the duplicate tracker signature.
// Params: alert.
// Returns: signature string over equipment, type, and message.
func duplicateKey(alert domain.Alert) string {
	return alert.EquipmentID + "|" + alert.Type + "|" + alert.Message
}

// pruneWindow drops occurrences older than the retention window.
// Params: occurrence times oldest first, reference time, and retention window.
// Returns: retained suffix of the slice.
func pruneWindow(history []time.Time, now time.Time, retain time.Duration) []time.Time {
	cutoff := now.Add(-retain)
	idx := 0
	for idx < len(history) && !history[idx].After(cutoff) {
		idx++
	}
	return history[idx:]
}
