package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"incidents/internal/domain"
)

// MemoryStore keeps incident state in process memory for single-instance mode.
// Params: in-memory incident map, active-key index, and suppression audit log.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu           sync.RWMutex
	incidents    map[string]memoryIncident
	activeKeys   map[string]string
	suppressions []domain.SuppressionRecord
}

type memoryIncident struct {
	payload  []byte
	revision uint64
}

// NewMemoryStore creates in-memory incident store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents:  make(map[string]memoryIncident),
		activeKeys: make(map[string]string),
	}
}

// GetIncident returns incident payload and revision.
// Params: incident ID key.
// Returns: stored incident, revision, or ErrNotFound.
func (s *MemoryStore) GetIncident(_ context.Context, incidentID string) (domain.Incident, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.incidents[incidentID]
	if !ok {
		return domain.Incident{}, 0, ErrNotFound
	}
	incident, err := decodeIncident(entry.payload)
	if err != nil {
		return domain.Incident{}, 0, err
	}
	return incident, entry.revision, nil
}

// GetActiveByKey returns the active incident bound to one correlation key.
// Params: correlation key.
// Returns: active incident, revision, or ErrNotFound when key is free.
func (s *MemoryStore) GetActiveByKey(_ context.Context, correlationKey string) (domain.Incident, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	incidentID, ok := s.activeKeys[correlationKey]
	if !ok {
		return domain.Incident{}, 0, ErrNotFound
	}
	entry, ok := s.incidents[incidentID]
	if !ok {
		return domain.Incident{}, 0, ErrNotFound
	}
	incident, err := decodeIncident(entry.payload)
	if err != nil {
		return domain.Incident{}, 0, err
	}
	if !incident.Status.Active() {
		return domain.Incident{}, 0, ErrNotFound
	}
	return incident, entry.revision, nil
}

// PutIncident writes a fresh incident and binds every correlation key it is
// indexed under. A secondary key already held by another active incident
// stays with its holder, so each key maps to at most one active incident.
// Params: incident payload with unbound primary correlation key.
// Returns: first revision or ErrConflict when the primary key is taken.
func (s *MemoryStore) PutIncident(_ context.Context, incident domain.Incident) (uint64, error) {
	payload, err := encodeIncident(incident)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if incident.Status.Active() {
		if _, bound := s.activeKeys[incident.CorrelationKey]; bound {
			return 0, ErrConflict
		}
		for _, key := range incident.BoundKeys() {
			if _, bound := s.activeKeys[key]; bound {
				continue
			}
			s.activeKeys[key] = incident.ID
		}
	}
	rev := s.incidents[incident.ID].revision + 1
	s.incidents[incident.ID] = memoryIncident{payload: payload, revision: rev}
	return rev, nil
}

// UpdateIncident replaces incident payload using expected revision CAS.
// Params: incident ID, expected revision, and replacement payload.
// Returns: new revision or ErrConflict; releases the key bindings on resolve.
func (s *MemoryStore) UpdateIncident(_ context.Context, incidentID string, expectedRevision uint64, incident domain.Incident) (uint64, error) {
	payload, err := encodeIncident(incident)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.incidents[incidentID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.incidents[incidentID] = memoryIncident{payload: payload, revision: rev}
	if !incident.Status.Active() {
		for _, key := range incident.BoundKeys() {
			if s.activeKeys[key] == incidentID {
				delete(s.activeKeys, key)
			}
		}
	}
	return rev, nil
}

// AppendSuppression appends one suppression audit record.
// Params: suppression record.
// Returns: nil (in-memory append).
func (s *MemoryStore) AppendSuppression(_ context.Context, record domain.SuppressionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressions = append(s.suppressions, record)
	return nil
}

// Suppressions returns a copy of the audit trail for reporting.
// Params: none.
// Returns: appended suppression records in write order.
func (s *MemoryStore) Suppressions() []domain.SuppressionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.SuppressionRecord(nil), s.suppressions...)
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

// encodeIncident serializes incident for storage.
// Params: incident payload.
// Returns: JSON bytes or encode error.
func encodeIncident(incident domain.Incident) ([]byte, error) {
	payload, err := json.Marshal(incident)
	if err != nil {
		return nil, fmt.Errorf("encode incident: %w", err)
	}
	return payload, nil
}

// decodeIncident deserializes one stored incident.
// Params: JSON bytes.
// Returns: incident or decode error.
func decodeIncident(payload []byte) (domain.Incident, error) {
	var incident domain.Incident
	if err := json.Unmarshal(payload, &incident); err != nil {
		return domain.Incident{}, fmt.Errorf("decode incident: %w", err)
	}
	return incident, nil
}
