// Package memstore provides an in-memory implementation of incident.Store
// and tenant.Resolver. Suitable for dev/testing.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/tenant"
)

type naturalKey struct {
	tenantID   string
	externalID string
}

type analysisKey struct {
	tenantID   string
	incidentID string
}

// Store holds incidents, analyses and tenant keys in memory.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident // incident ID -> incident
	natural   map[naturalKey]string         // (tenant, external ID) -> incident ID
	analyses  map[analysisKey]*incident.Analysis
	tenants   map[string]tenant.Tenant // webhook key -> tenant

	now func() time.Time
}

// New initializes an empty Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		natural:   make(map[naturalKey]string),
		analyses:  make(map[analysisKey]*incident.Analysis),
		tenants:   make(map[string]tenant.Tenant),
		now:       time.Now,
	}
}

// AddTenant registers key as the webhook key of t.
func (s *Store) AddTenant(key string, t tenant.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[key] = t
}

// Resolve implements tenant.Resolver.
func (s *Store) Resolve(_ context.Context, key string) (*tenant.Tenant, error) {
	if key == "" {
		return nil, tenant.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[key]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return &t, nil
}

// Upsert inserts inc or updates the row sharing its (TenantID, ExternalID).
// The existence check and the write happen under one lock, so concurrent
// duplicates see exactly one insert.
func (s *Store) Upsert(_ context.Context, inc *incident.Incident) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key := naturalKey{tenantID: inc.TenantID, externalID: inc.ExternalID}

	if id, ok := s.natural[key]; ok {
		existing := s.incidents[id]
		updated := inc.Clone()
		updated.ID = existing.ID
		updated.Status = existing.Status
		updated.ExecutionID = existing.ExecutionID
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = now
		s.incidents[id] = updated
		return updated.Clone(), false, nil
	}

	created := inc.Clone()
	if created.ID == "" {
		created.ID = ulid.Make().String()
	}
	if created.Status == "" {
		created.Status = incident.StatusOpen
	}
	created.CreatedAt = now
	created.UpdatedAt = now
	s.incidents[created.ID] = created
	s.natural[key] = created.ID
	return created.Clone(), true, nil
}

// Get retrieves an incident by ID within a tenant. Returns a copy.
func (s *Store) Get(_ context.Context, tenantID, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok || inc.TenantID != tenantID {
		return nil, false, nil
	}
	return inc.Clone(), true, nil
}

// GetByExecution retrieves the incident a workflow run was started for.
func (s *Store) GetByExecution(_ context.Context, tenantID, executionID string) (*incident.Incident, bool, error) {
	if executionID == "" {
		return nil, false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inc := range s.incidents {
		if inc.TenantID == tenantID && inc.ExecutionID == executionID {
			return inc.Clone(), true, nil
		}
	}
	return nil, false, nil
}

// SetExecution links a workflow run to an incident.
func (s *Store) SetExecution(_ context.Context, tenantID, id, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok || inc.TenantID != tenantID {
		return incident.ErrNotFound
	}
	inc.ExecutionID = executionID
	inc.UpdatedAt = s.now().UTC()
	return nil
}

// Related returns the newest incidents of a service within a tenant.
func (s *Store) Related(_ context.Context, tenantID, service, excludeID string, limit int) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*incident.Incident
	for _, inc := range s.incidents {
		if inc.TenantID != tenantID || inc.Service != service || inc.ID == excludeID {
			continue
		}
		out = append(out, inc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveAnalysis upserts the analysis for (IncidentID, TenantID).
func (s *Store) SaveAnalysis(_ context.Context, a *incident.Analysis) (*incident.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[a.IncidentID]
	if !ok || inc.TenantID != a.TenantID {
		return nil, incident.ErrNotFound
	}

	now := s.now().UTC()
	key := analysisKey{tenantID: a.TenantID, incidentID: a.IncidentID}
	cp := *a
	if cp.Confidence == "" {
		cp.Confidence = incident.ConfidenceUnknown
	}
	if existing, ok := s.analyses[key]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		if cp.ID == "" {
			cp.ID = ulid.Make().String()
		}
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.analyses[key] = &cp

	out := cp
	return &out, nil
}

// GetAnalysis retrieves the current analysis of an incident.
func (s *Store) GetAnalysis(_ context.Context, tenantID, incidentID string) (*incident.Analysis, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analyses[analysisKey{tenantID: tenantID, incidentID: incidentID}]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

// Len returns the number of stored incidents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.incidents)
}
