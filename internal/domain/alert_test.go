package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSeverityRankOrder(t *testing.T) {
	t.Parallel()

	ordered := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Fatalf("severity %q must rank above %q", ordered[i], ordered[i-1])
		}
	}
	if Severity("urgent").Valid() {
		t.Fatalf("unknown severity must be invalid")
	}
}

func TestMaxSeverity(t *testing.T) {
	t.Parallel()

	if got := MaxSeverity(SeverityLow, SeverityCritical); got != SeverityCritical {
		t.Fatalf("expected critical, got %q", got)
	}
	if got := MaxSeverity(SeverityHigh, SeverityMedium); got != SeverityHigh {
		t.Fatalf("expected high, got %q", got)
	}
	if got := MaxSeverity(SeverityMedium, SeverityMedium); got != SeverityMedium {
		t.Fatalf("expected medium, got %q", got)
	}
}

func TestAlertTimeConvertsUnixMillis(t *testing.T) {
	t.Parallel()

	alert := Alert{DT: 1739876543210}
	expected := time.Date(2025, 2, 18, 11, 2, 23, 210e6, time.UTC)
	if !alert.Time().Equal(expected) {
		t.Fatalf("expected %v, got %v", expected, alert.Time())
	}
}

func TestDecodeAlert(t *testing.T) {
	t.Parallel()

	alert, err := DecodeAlert([]byte(validAlertJSON("a1")))
	if err != nil {
		t.Fatalf("decode alert: %v", err)
	}
	if alert.EquipmentID != "press-07" || alert.Type != "TEMP_HIGH" {
		t.Fatalf("unexpected alert %+v", alert)
	}
}

func TestDecodeAlertRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing id":        `{"equipment_id":"press-07","type":"TEMP_HIGH","severity":"high","dt":1}`,
		"missing equipment": `{"id":"a1","type":"TEMP_HIGH","severity":"high","dt":1}`,
		"missing type":      `{"id":"a1","equipment_id":"press-07","severity":"high","dt":1}`,
		"bad severity":      `{"id":"a1","equipment_id":"press-07","type":"TEMP_HIGH","severity":"urgent","dt":1}`,
		"zero dt":           `{"id":"a1","equipment_id":"press-07","type":"TEMP_HIGH","severity":"high","dt":0}`,
	}
	for name, payload := range cases {
		if _, err := DecodeAlert([]byte(payload)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestDecodeAlertsReaderRejectsEmptyBatch(t *testing.T) {
	t.Parallel()

	if _, err := DecodeAlertsReader(json.NewDecoder(strings.NewReader("[]"))); err == nil {
		t.Fatalf("expected error for empty batch")
	}
}

func TestIncidentMergeRaisesSeverity(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	first := Alert{ID: "a1", EquipmentID: "press-07", Type: "VIBRATION_HIGH", Severity: SeverityMedium, DT: created.UnixMilli()}
	incident := NewIncident("inc-1", "equip:press-07", first, created)

	if incident.Status != IncidentStatusOpen {
		t.Fatalf("fresh incident must be open, got %q", incident.Status)
	}

	later := created.Add(30 * time.Second)
	second := Alert{ID: "a2", EquipmentID: "press-07", Type: "TEMP_HIGH", Severity: SeverityCritical, DT: later.UnixMilli()}
	incident.Merge(second, later)

	if len(incident.Alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(incident.Alerts))
	}
	if incident.Severity != SeverityCritical {
		t.Fatalf("expected severity raised to critical, got %q", incident.Severity)
	}
	if !incident.UpdatedAt.Equal(later) {
		t.Fatalf("expected updated_at %v, got %v", later, incident.UpdatedAt)
	}
	if !incident.CreatedAt.Equal(created) {
		t.Fatalf("created_at must not change on merge")
	}
}

func TestIncidentStatusActive(t *testing.T) {
	t.Parallel()

	for _, status := range []IncidentStatus{IncidentStatusOpen, IncidentStatusAcknowledged, IncidentStatusEscalated} {
		if !status.Active() {
			t.Fatalf("status %q must be active", status)
		}
	}
	if IncidentStatusResolved.Active() {
		t.Fatalf("resolved must not be active")
	}
}

func validAlertJSON(id string) string {
	return `{"id":"` + id + `","equipment_id":"press-07","type":"TEMP_HIGH","severity":"high","message":"temperature above threshold","value":92.5,"threshold":85,"dt":1739876543210}`
}
