package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Severity is alert/incident urgency level.
// Params: low/medium/high/critical constants.
// Returns: ordered severity used by suppression and escalation policies.
type Severity string

const (
	// SeverityLow marks informational equipment conditions.
	SeverityLow Severity = "low"
	// SeverityMedium marks conditions needing attention this shift.
	SeverityMedium Severity = "medium"
	// SeverityHigh marks conditions degrading production.
	SeverityHigh Severity = "high"
	// SeverityCritical marks conditions stopping production.
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns numeric severity order.
// Params: none.
// Returns: 1..4 for known severities, 0 for unknown.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether severity is a known constant.
// Params: none.
// Returns: true for low/medium/high/critical.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the more urgent of two severities.
// Params: two severity values.
// Returns: severity with higher rank (first argument on tie).
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Alert is one immutable equipment condition fact from the alert source.
// Params: identity, equipment dimensions, severity, and event timestamp.
// Returns: validated inbound payload for suppression and correlation.
type Alert struct {
	ID          string   `json:"id"`
	EquipmentID string   `json:"equipment_id"`
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Value       *float64 `json:"value,omitempty"`
	Threshold   *float64 `json:"threshold,omitempty"`
	DT          int64    `json:"dt"`
}

// Time converts alert unix-milliseconds timestamp into UTC time.
// Params: none.
// Returns: converted UTC time.
func (a Alert) Time() time.Time {
	return time.UnixMilli(a.DT).UTC()
}

// Validate validates one alert against the ingestion contract.
// Params: alert fields parsed from transport.
// Returns: validation error when schema is violated.
func (a Alert) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(a.EquipmentID) == "" {
		return errors.New("equipment_id is required")
	}
	if strings.TrimSpace(a.Type) == "" {
		return errors.New("type is required")
	}
	if !a.Severity.Valid() {
		return fmt.Errorf("unsupported severity %q", a.Severity)
	}
	if a.DT <= 0 {
		return errors.New("dt must be >0")
	}
	return nil
}

// DecodeAlert decodes and validates one alert payload.
// Params: JSON document bytes.
// Returns: validated alert or decode/validation error.
func DecodeAlert(raw []byte) (Alert, error) {
	var alert Alert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	if err := alert.Validate(); err != nil {
		return Alert{}, err
	}
	return alert, nil
}

// DecodeAlertReader decodes and validates one alert payload from stream.
// Params: reader with one JSON object.
// Returns: validated alert or decode/validation error.
func DecodeAlertReader(reader *json.Decoder) (Alert, error) {
	var alert Alert
	if err := reader.Decode(&alert); err != nil {
		return Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	if err := alert.Validate(); err != nil {
		return Alert{}, err
	}
	return alert, nil
}

// DecodeAlertsReader decodes and validates one batch of alerts from stream.
// Params: reader with one JSON array of alerts.
// Returns: validated alert slice or decode/validation error.
func DecodeAlertsReader(reader *json.Decoder) ([]Alert, error) {
	var alerts []Alert
	if err := reader.Decode(&alerts); err != nil {
		return nil, fmt.Errorf("decode alert batch: %w", err)
	}
	if len(alerts) == 0 {
		return nil, errors.New("alert batch must contain at least one alert")
	}
	for i := range alerts {
		if err := alerts[i].Validate(); err != nil {
			return nil, fmt.Errorf("alert[%d]: %w", i, err)
		}
	}
	return alerts, nil
}
