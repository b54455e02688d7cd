package domain

import "time"

// IncidentStatus is incident lifecycle state.
// Params: open/acknowledged/escalated/resolved constants.
// Returns: state transitions for escalation and storage.
type IncidentStatus string

const (
	// IncidentStatusOpen indicates a fresh incident awaiting first dispatch.
	IncidentStatusOpen IncidentStatus = "open"
	// IncidentStatusAcknowledged indicates a human took ownership.
	IncidentStatusAcknowledged IncidentStatus = "acknowledged"
	// IncidentStatusEscalated indicates at least one escalation level dispatched.
	IncidentStatusEscalated IncidentStatus = "escalated"
	// IncidentStatusResolved indicates terminal closed state.
	IncidentStatusResolved IncidentStatus = "resolved"
)

// Active reports whether the status still binds the correlation key.
// Params: none.
// Returns: true for open/acknowledged/escalated.
func (s IncidentStatus) Active() bool {
	switch s {
	case IncidentStatusOpen, IncidentStatusAcknowledged, IncidentStatusEscalated:
		return true
	default:
		return false
	}
}

// NotificationRecord is one delivery attempt appended to an incident.
// Params: channel, recipient, and attempt outcome metadata.
// Returns: append-only dispatch audit entry.
type NotificationRecord struct {
	Channel     string     `json:"channel"`
	Recipient   string     `json:"recipient"`
	Level       int        `json:"level"`
	SentAt      time.Time  `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Incident is the deduplicated aggregate humans act on.
// Params: correlation identity, constituent alerts, status, and timers audit.
// Returns: mutable aggregate owned by the incident store.
type Incident struct {
	ID              string               `json:"id"`
	CorrelationKey  string               `json:"correlation_key"`
	CorrelationKeys []string             `json:"correlation_keys,omitempty"`
	Alerts          []Alert              `json:"alerts"`
	EquipmentID     string               `json:"equipment_id"`
	Type            string               `json:"type"`
	Severity        Severity             `json:"severity"`
	Status          IncidentStatus       `json:"status"`
	EscalationLevel int                  `json:"escalation_level"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	AcknowledgedAt  *time.Time           `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time           `json:"resolved_at,omitempty"`
	Notifications   []NotificationRecord `json:"notifications"`
}

// NewIncident creates an open incident from its triggering alert. The
// primary correlation key names the incident's identity; callers binding the
// incident under additional rule keys extend CorrelationKeys before storing.
// Params: incident ID, primary correlation key, triggering alert, and
// creation time.
// Returns: initialized incident with one constituent alert.
func NewIncident(id, correlationKey string, alert Alert, now time.Time) Incident {
	return Incident{
		ID:              id,
		CorrelationKey:  correlationKey,
		CorrelationKeys: []string{correlationKey},
		Alerts:          []Alert{alert},
		EquipmentID:     alert.EquipmentID,
		Type:            alert.Type,
		Severity:        alert.Severity,
		Status:          IncidentStatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// BoundKeys lists every correlation key the incident is indexed under while
// active.
// Params: none.
// Returns: bound keys with the primary key first; incidents stored before
// multi-key binding fall back to the primary key alone.
func (i Incident) BoundKeys() []string {
	if len(i.CorrelationKeys) > 0 {
		return i.CorrelationKeys
	}
	return []string{i.CorrelationKey}
}

// Merge appends one correlated alert and raises incident severity.
// Params: new constituent alert and merge time.
// Returns: incident mutated in place.
func (i *Incident) Merge(alert Alert, now time.Time) {
	i.Alerts = append(i.Alerts, alert)
	i.Severity = MaxSeverity(i.Severity, alert.Severity)
	i.UpdatedAt = now
}

// SuppressionRecord is one suppression audit entry.
// Params: rule name, suppressed alert identity, and reason.
// Returns: append-only reporting record, never read back into control flow.
type SuppressionRecord struct {
	Rule         string    `json:"rule"`
	AlertID      string    `json:"alert_id"`
	EquipmentID  string    `json:"equipment_id"`
	AlertType    string    `json:"alert_type"`
	Reason       string    `json:"reason"`
	SuppressedAt time.Time `json:"suppressed_at"`
}
