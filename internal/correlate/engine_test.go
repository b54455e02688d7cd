package correlate

import (
	"testing"
	"time"

	"incidents/internal/config"
	"incidents/internal/domain"
)

var correlateStart = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func testCorrelateConfig() config.CorrelateConfig {
	return config.CorrelateConfig{
		WindowSec:        300,
		PerformanceTypes: []string{"CYCLE_TIME_HIGH", "THROUGHPUT_LOW", "QUALITY_DROP"},
		Cascade: []config.CascadePair{
			{FromType: "POWER_LOSS", ToType: "CONTROLLER_OFFLINE", WindowSec: 60},
			{FromType: "CONTROLLER_OFFLINE", ToType: "SENSOR_TIMEOUT", WindowSec: 120},
		},
		Area: map[string]string{
			"press-07": "stamping",
			"press-08": "stamping",
			"mill-03":  "machining",
		},
	}
}

func newTestEngine() *Engine {
	cfg := testCorrelateConfig()
	return NewEngine(cfg, AreasFromConfig(cfg.Area))
}

func correlateAlert(equipmentID, alertType string, at time.Time) domain.Alert {
	return domain.Alert{
		ID:          "a-" + equipmentID + "-" + alertType,
		EquipmentID: equipmentID,
		Type:        alertType,
		Severity:    domain.SeverityHigh,
		Message:     alertType + " on " + equipmentID,
		DT:          at.UnixMilli(),
	}
}

func TestCandidatesPriorityOrder(t *testing.T) {
	t.Parallel()

	engine := newTestEngine()
	alert := correlateAlert("press-07", "SENSOR_TIMEOUT", correlateStart)

	candidates := engine.Candidates(alert)
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d: %+v", len(candidates), candidates)
	}
	expected := []struct {
		rule string
		key  string
	}{
		{"same_equipment", "equip:press-07"},
		{"same_area", "area:stamping"},
		{"cascade", "cascade:press-07:POWER_LOSS"},
	}
	for i, want := range expected {
		if candidates[i].Rule.Name() != want.rule || candidates[i].Key != want.key {
			t.Fatalf("candidate %d: expected %s/%s, got %s/%s",
				i, want.rule, want.key, candidates[i].Rule.Name(), candidates[i].Key)
		}
	}
}

func TestSameEquipmentWindow(t *testing.T) {
	t.Parallel()

	rule := &SameEquipmentRule{Window: 5 * time.Minute}
	first := correlateAlert("press-07", "VIBRATION_HIGH", correlateStart)

	inside := correlateAlert("press-07", "TEMP_HIGH", correlateStart.Add(4*time.Minute))
	if !rule.Correlate(first, inside) {
		t.Fatalf("alerts within the window must correlate")
	}
	outside := correlateAlert("press-07", "TEMP_HIGH", correlateStart.Add(6*time.Minute))
	if rule.Correlate(first, outside) {
		t.Fatalf("alerts outside the window must not correlate")
	}
	other := correlateAlert("mill-03", "TEMP_HIGH", correlateStart.Add(time.Minute))
	if rule.Correlate(first, other) {
		t.Fatalf("different equipment must not correlate")
	}
}

func TestSameAreaLookup(t *testing.T) {
	t.Parallel()

	engine := newTestEngine()
	first := correlateAlert("press-07", "TEMP_HIGH", correlateStart)
	neighbor := correlateAlert("press-08", "PRESSURE_ABNORMAL", correlateStart.Add(time.Minute))

	incident := domain.NewIncident("inc-1", "area:stamping", first, correlateStart)
	var areaRule Rule
	for _, candidate := range engine.Candidates(neighbor) {
		if candidate.Rule.Name() == "same_area" {
			areaRule = candidate.Rule
		}
	}
	if areaRule == nil {
		t.Fatalf("expected a same_area candidate for mapped equipment")
	}
	if !engine.Matches(areaRule, incident, neighbor) {
		t.Fatalf("same-area alerts within the window must match")
	}

	crossArea := correlateAlert("mill-03", "TEMP_HIGH", correlateStart.Add(time.Minute))
	if engine.Matches(areaRule, incident, crossArea) {
		t.Fatalf("different areas must not match")
	}

	unmapped := correlateAlert("robot-99", "TEMP_HIGH", correlateStart)
	for _, candidate := range engine.Candidates(unmapped) {
		if candidate.Rule.Name() == "same_area" {
			t.Fatalf("unmapped equipment must not produce an area candidate")
		}
	}
}

func TestCascadeOrderedPairs(t *testing.T) {
	t.Parallel()

	rule := NewCascadeRule(testCorrelateConfig().Cascade)

	power := correlateAlert("press-07", "POWER_LOSS", correlateStart)
	offline := correlateAlert("press-07", "CONTROLLER_OFFLINE", correlateStart.Add(45*time.Second))
	if !rule.Correlate(power, offline) {
		t.Fatalf("cascade pair within its window must correlate")
	}

	late := correlateAlert("press-07", "CONTROLLER_OFFLINE", correlateStart.Add(90*time.Second))
	if rule.Correlate(power, late) {
		t.Fatalf("cascade pair outside its window must not correlate")
	}

	// The direction matters: the effect cannot precede the cause.
	if rule.Correlate(offline, power) {
		t.Fatalf("reversed cascade order must not correlate")
	}

	// The second pair carries its own window.
	timeout := correlateAlert("press-07", "SENSOR_TIMEOUT", correlateStart.Add(45*time.Second+110*time.Second))
	if !rule.Correlate(offline, timeout) {
		t.Fatalf("second cascade pair within its own window must correlate")
	}
}

func TestCascadeChainRootKey(t *testing.T) {
	t.Parallel()

	rule := NewCascadeRule(testCorrelateConfig().Cascade)

	for _, alertType := range []string{"POWER_LOSS", "CONTROLLER_OFFLINE", "SENSOR_TIMEOUT"} {
		key, ok := rule.Key(correlateAlert("press-07", alertType, correlateStart))
		if !ok || key != "cascade:press-07:POWER_LOSS" {
			t.Fatalf("type %s: expected chain-root key, got %q (ok=%v)", alertType, key, ok)
		}
	}
	if _, ok := rule.Key(correlateAlert("press-07", "TEMP_HIGH", correlateStart)); ok {
		t.Fatalf("type outside the cascade chain must not key")
	}
}

func TestPerformanceTypeSet(t *testing.T) {
	t.Parallel()

	rule := NewPerformanceRule([]string{"CYCLE_TIME_HIGH", "THROUGHPUT_LOW"}, 5*time.Minute)

	cycle := correlateAlert("press-07", "CYCLE_TIME_HIGH", correlateStart)
	throughput := correlateAlert("press-07", "THROUGHPUT_LOW", correlateStart.Add(2*time.Minute))
	if !rule.Correlate(cycle, throughput) {
		t.Fatalf("two performance types within the window must correlate")
	}

	temp := correlateAlert("press-07", "TEMP_HIGH", correlateStart.Add(time.Minute))
	if rule.Correlate(cycle, temp) {
		t.Fatalf("non-performance type must not correlate")
	}

	key, ok := rule.Key(cycle)
	if !ok || key != "perf:press-07" {
		t.Fatalf("expected perf key, got %q (ok=%v)", key, ok)
	}
}

func TestCreateKeyUsesFirstApplicableRule(t *testing.T) {
	t.Parallel()

	engine := newTestEngine()

	// Same-equipment applies to everything, so it always wins.
	if key := engine.CreateKey(correlateAlert("press-07", "TEMP_HIGH", correlateStart)); key != "equip:press-07" {
		t.Fatalf("expected equip key, got %q", key)
	}
	if key := engine.CreateKey(correlateAlert("robot-99", "POWER_LOSS", correlateStart)); key != "equip:robot-99" {
		t.Fatalf("expected equip key for cascade-typed alert, got %q", key)
	}
}
