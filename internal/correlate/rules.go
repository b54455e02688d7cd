package correlate

import (
	"time"

	"incidents/internal/config"
	"incidents/internal/domain"
)

const defaultWindowSec = 300

// Rule derives correlation keys and decides whether two alerts are symptoms
// of the same underlying problem.
// Params: key derivation per alert and pairwise correlation predicate.
// Returns: rule behavior; Key returning false means the rule does not apply.
type Rule interface {
	Name() string
	Key(alert domain.Alert) (string, bool)
	Correlate(existing, incoming domain.Alert) bool
}

// SameEquipmentRule correlates alerts on one equipment unit within a window.
type SameEquipmentRule struct {
	Window time.Duration
}

func (r *SameEquipmentRule) Name() string { return "same_equipment" }

func (r *SameEquipmentRule) Key(alert domain.Alert) (string, bool) {
	return equipmentKey(alert.EquipmentID), true
}

func (r *SameEquipmentRule) Correlate(existing, incoming domain.Alert) bool {
	return existing.EquipmentID == incoming.EquipmentID && within(existing, incoming, r.Window)
}

// SameAreaRule correlates alerts from equipment sharing one physical area.
type SameAreaRule struct {
	Window time.Duration
	Areas  AreaLookup
}

func (r *SameAreaRule) Name() string { return "same_area" }

func (r *SameAreaRule) Key(alert domain.Alert) (string, bool) {
	if r.Areas == nil {
		return "", false
	}
	area, ok := r.Areas(alert.EquipmentID)
	if !ok {
		return "", false
	}
	return "area:" + area, true
}

func (r *SameAreaRule) Correlate(existing, incoming domain.Alert) bool {
	if r.Areas == nil {
		return false
	}
	existingArea, ok := r.Areas(existing.EquipmentID)
	if !ok {
		return false
	}
	incomingArea, ok := r.Areas(incoming.EquipmentID)
	if !ok {
		return false
	}
	return existingArea == incomingArea && within(existing, incoming, r.Window)
}

// CascadeRule correlates ordered symptom pairs on one equipment unit, each
// pair carrying its own window instead of the shared default.
type CascadeRule struct {
	pairs []config.CascadePair
	roots map[string]string
}

// NewCascadeRule builds the cascade rule and resolves chain roots, so a pair
// chain a->b, b->c keys alert type c under root a.
// Params: configured pairs.
// Returns: cascade rule.
func NewCascadeRule(pairs []config.CascadePair) *CascadeRule {
	roots := make(map[string]string)
	for _, pair := range pairs {
		if _, ok := roots[pair.FromType]; !ok {
			roots[pair.FromType] = pair.FromType
		}
		roots[pair.ToType] = roots[pair.FromType]
	}
	return &CascadeRule{pairs: pairs, roots: roots}
}

func (r *CascadeRule) Name() string { return "cascade" }

func (r *CascadeRule) Key(alert domain.Alert) (string, bool) {
	root, ok := r.roots[alert.Type]
	if !ok {
		return "", false
	}
	return "cascade:" + alert.EquipmentID + ":" + root, true
}

func (r *CascadeRule) Correlate(existing, incoming domain.Alert) bool {
	if existing.EquipmentID != incoming.EquipmentID {
		return false
	}
	for _, pair := range r.pairs {
		if existing.Type != pair.FromType || incoming.Type != pair.ToType {
			continue
		}
		window := windowDuration(pair.WindowSec)
		delta := incoming.Time().Sub(existing.Time())
		if delta >= 0 && delta <= window {
			return true
		}
	}
	return false
}

// PerformanceRule correlates performance-related alert types on one
// equipment unit regardless of the specific type.
type PerformanceRule struct {
	types  map[string]struct{}
	window time.Duration
}

// NewPerformanceRule builds the performance-degradation rule.
// Params: performance alert type set and shared window.
// Returns: performance rule.
func NewPerformanceRule(types []string, window time.Duration) *PerformanceRule {
	set := make(map[string]struct{}, len(types))
	for _, alertType := range types {
		set[alertType] = struct{}{}
	}
	return &PerformanceRule{types: set, window: window}
}

func (r *PerformanceRule) Name() string { return "performance_degradation" }

func (r *PerformanceRule) Key(alert domain.Alert) (string, bool) {
	if _, ok := r.types[alert.Type]; !ok {
		return "", false
	}
	return "perf:" + alert.EquipmentID, true
}

func (r *PerformanceRule) Correlate(existing, incoming domain.Alert) bool {
	if existing.EquipmentID != incoming.EquipmentID {
		return false
	}
	if _, ok := r.types[existing.Type]; !ok {
		return false
	}
	if _, ok := r.types[incoming.Type]; !ok {
		return false
	}
	return within(existing, incoming, r.window)
}

// equipmentKey builds the default correlation key scheme.
// Params: equipment id.
// Returns: key string.
func equipmentKey(equipmentID string) string {
	return "equip:" + equipmentID
}

// within reports whether two alerts fall inside one shared time window.
// Params: two alerts and the window size.
// Returns: true when the absolute timestamp delta is at most the window.
func within(existing, incoming domain.Alert, window time.Duration) bool {
	delta := incoming.Time().Sub(existing.Time())
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}

// windowDuration converts a configured window with default fallback.
// Params: window in seconds.
// Returns: duration, defaulting when the value is not positive.
func windowDuration(sec int) time.Duration {
	if sec <= 0 {
		sec = defaultWindowSec
	}
	return time.Duration(sec) * time.Second
}
