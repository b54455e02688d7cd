package correlate

import (
	"incidents/internal/config"
	"incidents/internal/domain"
)

// AreaLookup resolves the physical area an equipment unit belongs to.
// Params: equipment id.
// Returns: area name and true, or false when the equipment is unmapped.
type AreaLookup func(equipmentID string) (string, bool)

// Candidate pairs one rule with the correlation key it derives for an alert.
// Params: rule reference and derived key.
// Returns: lookup candidate for the orchestrator, priority order preserved.
type Candidate struct {
	Rule Rule
	Key  string
}

// Engine holds the ordered correlation rule set.
// Params: fixed-priority rules built from configuration.
// Returns: key derivation and pairwise matching for the orchestrator.
type Engine struct {
	rules []Rule
}

// NewEngine builds the rule set in fixed priority order.
// Params: correlation settings and area lookup collaborator.
// Returns: engine with same-equipment, same-area, cascade, and
// performance-degradation rules.
func NewEngine(cfg config.CorrelateConfig, areas AreaLookup) *Engine {
	window := windowDuration(cfg.WindowSec)
	return &Engine{
		rules: []Rule{
			&SameEquipmentRule{Window: window},
			&SameAreaRule{Window: window, Areas: areas},
			NewCascadeRule(cfg.Cascade),
			NewPerformanceRule(cfg.PerformanceTypes, window),
		},
	}
}

// Candidates derives correlation keys for an alert in rule priority order.
// Params: alert.
// Returns: one candidate per rule that applies to the alert.
func (e *Engine) Candidates(alert domain.Alert) []Candidate {
	candidates := make([]Candidate, 0, len(e.rules))
	for _, rule := range e.rules {
		key, ok := rule.Key(alert)
		if !ok {
			continue
		}
		candidates = append(candidates, Candidate{Rule: rule, Key: key})
	}
	return candidates
}

// Matches tests a rule's pairwise predicate against every alert in the incident.
// Params: rule, candidate incident, and incoming alert.
// Returns: true when any existing alert pairs with the incoming one.
func (e *Engine) Matches(rule Rule, incident domain.Incident, alert domain.Alert) bool {
	for _, existing := range incident.Alerts {
		if rule.Correlate(existing, alert) {
			return true
		}
	}
	return false
}

// CreateKey derives the correlation key for a fresh incident.
// The first rule that applies to the lone alert supplies the key, so a later
// correlated alert looks up the same identity.
// Params: alert.
// Returns: correlation key for the new incident.
func (e *Engine) CreateKey(alert domain.Alert) string {
	for _, rule := range e.rules {
		if key, ok := rule.Key(alert); ok {
			return key
		}
	}
	return equipmentKey(alert.EquipmentID)
}

// AreasFromConfig builds an area lookup from the static config table.
// Params: equipment to area mapping.
// Returns: lookup function over the table.
func AreasFromConfig(table map[string]string) AreaLookup {
	return func(equipmentID string) (string, bool) {
		area, ok := table[equipmentID]
		return area, ok
	}
}
