package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"incidents/internal/config"
	"incidents/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists incidents in JetStream KV buckets shared by engine instances.
// Params: NATS connection, incident bucket, active-key index bucket, and audit stream.
// Returns: KV-backed store implementation with read-your-writes revisions.
type NATSStore struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	incidentKV nats.KeyValue
	keyKV      nats.KeyValue
	settings   config.NATSStateConfig
}

// NewNATSStore creates KV buckets and the audit stream, then returns the backend.
// Params: NATS/JetStream settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	incidentKV, err := openBucket(js, settings.IncidentBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	keyKV, err := openBucket(js, settings.KeyBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if err := ensureAuditStream(js, settings); err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSStore{
		nc:         nc,
		js:         js,
		incidentKV: incidentKV,
		keyKV:      keyKV,
		settings:   settings,
	}, nil
}

// openBucket opens or creates one KV bucket.
// Params: JetStream context, bucket name, and create permission.
// Returns: KV handle or setup error.
func openBucket(js nats.JetStreamContext, bucket string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// ensureAuditStream creates the suppression audit stream when absent.
// Params: JetStream context and state settings.
// Returns: stream setup error.
func ensureAuditStream(js nats.JetStreamContext, settings config.NATSStateConfig) error {
	if _, err := js.StreamInfo(settings.AuditStream); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     settings.AuditStream,
		Subjects: []string{settings.AuditSubject},
	})
	if err != nil {
		return fmt.Errorf("create audit stream %q: %w", settings.AuditStream, err)
	}
	return nil
}

// GetIncident reads one incident and its KV revision.
// Params: incident ID key.
// Returns: incident payload, revision, or ErrNotFound.
func (s *NATSStore) GetIncident(_ context.Context, incidentID string) (domain.Incident, uint64, error) {
	entry, err := s.incidentKV.Get(sanitizeKey(incidentID))
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return domain.Incident{}, 0, ErrNotFound
		}
		return domain.Incident{}, 0, fmt.Errorf("get incident: %w", err)
	}
	var incident domain.Incident
	if err := json.Unmarshal(entry.Value(), &incident); err != nil {
		return domain.Incident{}, 0, fmt.Errorf("decode incident: %w", err)
	}
	return incident, entry.Revision(), nil
}

// GetActiveByKey resolves the active incident bound to one correlation key.
// Params: correlation key.
// Returns: active incident, revision, or ErrNotFound; clears stale bindings.
func (s *NATSStore) GetActiveByKey(ctx context.Context, correlationKey string) (domain.Incident, uint64, error) {
	binding, err := s.keyKV.Get(sanitizeKey(correlationKey))
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return domain.Incident{}, 0, ErrNotFound
		}
		return domain.Incident{}, 0, fmt.Errorf("get key binding: %w", err)
	}
	incident, revision, err := s.GetIncident(ctx, string(binding.Value()))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = s.keyKV.Delete(sanitizeKey(correlationKey))
			return domain.Incident{}, 0, ErrNotFound
		}
		return domain.Incident{}, 0, err
	}
	if !incident.Status.Active() {
		_ = s.keyKV.Delete(sanitizeKey(correlationKey))
		return domain.Incident{}, 0, ErrNotFound
	}
	return incident, revision, nil
}

// PutIncident writes a fresh incident and binds every correlation key it is
// indexed under. A secondary key already held by another active incident
// stays with its holder.
// Params: incident payload with unbound primary correlation key.
// Returns: first revision or ErrConflict when another instance bound the
// primary key first.
func (s *NATSStore) PutIncident(_ context.Context, incident domain.Incident) (uint64, error) {
	payload, err := json.Marshal(incident)
	if err != nil {
		return 0, fmt.Errorf("encode incident: %w", err)
	}
	if incident.Status.Active() {
		if err := s.bindKeys(incident); err != nil {
			return 0, err
		}
	}
	rev, err := s.incidentKV.Put(sanitizeKey(incident.ID), payload)
	if err != nil {
		return 0, fmt.Errorf("put incident: %w", err)
	}
	return rev, nil
}

// bindKeys claims the incident's correlation keys in the index bucket. The
// primary key must be free; a secondary key another active incident holds is
// skipped.
// Params: active incident with its primary key first in BoundKeys.
// Returns: ErrConflict for a taken primary key, or a bind error after
// rolling back the keys claimed so far.
func (s *NATSStore) bindKeys(incident domain.Incident) error {
	claimed := make([]string, 0, len(incident.CorrelationKeys))
	for _, key := range incident.BoundKeys() {
		_, err := s.keyKV.Create(sanitizeKey(key), []byte(incident.ID))
		if err == nil {
			claimed = append(claimed, key)
			continue
		}
		if errors.Is(err, nats.ErrKeyExists) {
			if key == incident.CorrelationKey {
				_ = s.releaseKeys(incident.ID, claimed)
				return ErrConflict
			}
			continue
		}
		_ = s.releaseKeys(incident.ID, claimed)
		return fmt.Errorf("bind correlation key %q: %w", key, err)
	}
	return nil
}

// releaseKeys deletes key bindings the incident still owns; bindings taken
// over by another incident are left alone.
// Params: incident id and candidate keys.
// Returns: first release error.
func (s *NATSStore) releaseKeys(incidentID string, keys []string) error {
	for _, key := range keys {
		entry, err := s.keyKV.Get(sanitizeKey(key))
		if err != nil {
			if err == nats.ErrKeyNotFound {
				continue
			}
			return fmt.Errorf("release correlation key %q: %w", key, err)
		}
		if string(entry.Value()) != incidentID {
			continue
		}
		if err := s.keyKV.Delete(sanitizeKey(key)); err != nil && err != nats.ErrKeyNotFound {
			return fmt.Errorf("release correlation key %q: %w", key, err)
		}
	}
	return nil
}

// UpdateIncident updates incident payload using expected revision CAS.
// Params: incident ID, expected revision, and replacement payload.
// Returns: new revision or ErrConflict; releases the key bindings on resolve.
func (s *NATSStore) UpdateIncident(_ context.Context, incidentID string, expectedRevision uint64, incident domain.Incident) (uint64, error) {
	payload, err := json.Marshal(incident)
	if err != nil {
		return 0, fmt.Errorf("encode incident: %w", err)
	}
	rev, err := s.incidentKV.Update(sanitizeKey(incidentID), payload, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update incident: %w", err)
	}
	if !incident.Status.Active() {
		if err := s.releaseKeys(incident.ID, incident.BoundKeys()); err != nil {
			return 0, err
		}
	}
	return rev, nil
}

// AppendSuppression publishes one audit record to the suppression stream.
// Params: suppression record.
// Returns: publish error.
func (s *NATSStore) AppendSuppression(_ context.Context, record domain.SuppressionRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode suppression record: %w", err)
	}
	if _, err := s.js.Publish(s.settings.AuditSubject, payload); err != nil {
		return fmt.Errorf("publish suppression record: %w", err)
	}
	return nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// sanitizeKey converts identifiers into KV-safe key tokens.
// Params: raw key with possible separators like ':'.
// Returns: sanitized string with unsupported chars replaced by underscore.
func sanitizeKey(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
