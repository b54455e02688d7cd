package state

import (
	"context"
	"errors"

	"incidents/internal/domain"
)

var (
	// ErrNotFound indicates absent incident or key binding.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update or an already-bound key.
	ErrConflict = errors.New("revision conflict")
)

// Store provides incident persistence and suppression audit operations.
// Params: CRUD by incident id, active lookup by correlation key, and append-only audit.
// Returns: backend persistence behavior; the single source of incident truth.
type Store interface {
	GetIncident(ctx context.Context, incidentID string) (domain.Incident, uint64, error)
	GetActiveByKey(ctx context.Context, correlationKey string) (domain.Incident, uint64, error)
	PutIncident(ctx context.Context, incident domain.Incident) (uint64, error)
	UpdateIncident(ctx context.Context, incidentID string, expectedRevision uint64, incident domain.Incident) (uint64, error)
	AppendSuppression(ctx context.Context, record domain.SuppressionRecord) error
	Close() error
}
