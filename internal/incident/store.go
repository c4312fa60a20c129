package incident

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a tenant-scoped lookup matches nothing.
var ErrNotFound = errors.New("incident not found")

// Store is the persistence interface for incidents and their analyses.
// Every method is scoped by tenant; implementations must never return or
// mutate a row belonging to another tenant.
type Store interface {
	// Upsert inserts inc, or updates the row with the same (TenantID, ExternalID).
	// The returned bool is true only when this call created the row.
	Upsert(ctx context.Context, inc *Incident) (*Incident, bool, error)

	Get(ctx context.Context, tenantID, id string) (*Incident, bool, error)
	GetByExecution(ctx context.Context, tenantID, executionID string) (*Incident, bool, error)
	SetExecution(ctx context.Context, tenantID, id, executionID string) error

	// Related returns up to limit incidents of the same service, newest first,
	// excluding excludeID.
	Related(ctx context.Context, tenantID, service, excludeID string, limit int) ([]*Incident, error)

	// SaveAnalysis upserts by (IncidentID, TenantID).
	SaveAnalysis(ctx context.Context, a *Analysis) (*Analysis, error)
	GetAnalysis(ctx context.Context, tenantID, incidentID string) (*Analysis, bool, error)
}
