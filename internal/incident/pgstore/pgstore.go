// Package pgstore provides a PostgreSQL implementation of incident.Store and
// tenant.Resolver.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/tenant"
)

var tracer = otel.Tracer("github.com/linnemanlabs/beacon/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents and analyses in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `id, tenant_id, external_id, source, severity, status, service, title,
	description, logs, metrics, context, execution_id, event_time, created_at, updated_at`

const analysisColumns = `id, incident_id, tenant_id, execution_id, analysis, remediation,
	documentation, confidence_level, created_at, updated_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Upsert inserts inc or updates the row with the same (tenant_id, external_id)
// in a single statement. xmax is zero only for the row version the INSERT
// created, which makes the returned bool exact under concurrent duplicates.
func (s *Store) Upsert(ctx context.Context, inc *incident.Incident) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Upsert", "UPSERT")
	defer span.End()

	logsJSON, metricsJSON, contextJSON, err := marshalPayload(inc)
	if err != nil {
		return nil, false, fail(span, err)
	}

	id := inc.ID
	if id == "" {
		id = ulid.Make().String()
	}
	status := inc.Status
	if status == "" {
		status = incident.StatusOpen
	}
	now := time.Now().UTC()

	query := `INSERT INTO incidents (
		id, tenant_id, external_id, source, severity, status, service, title,
		description, logs, metrics, context, event_time, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
	ON CONFLICT (tenant_id, external_id) DO UPDATE SET
		source      = EXCLUDED.source,
		severity    = EXCLUDED.severity,
		service     = EXCLUDED.service,
		title       = EXCLUDED.title,
		description = EXCLUDED.description,
		logs        = EXCLUDED.logs,
		metrics     = EXCLUDED.metrics,
		context     = EXCLUDED.context,
		event_time  = EXCLUDED.event_time,
		updated_at  = EXCLUDED.updated_at
	RETURNING id, status, execution_id, created_at, updated_at, (xmax = 0) AS inserted`

	out := inc.Clone()
	var (
		st       string
		inserted bool
	)
	err = s.pool.QueryRow(ctx, query,
		id, inc.TenantID, inc.ExternalID, string(inc.Source), string(inc.Severity), string(status),
		inc.Service, inc.Title, inc.Description, logsJSON, metricsJSON, contextJSON,
		inc.Timestamp.UTC(), now,
	).Scan(&out.ID, &st, &out.ExecutionID, &out.CreatedAt, &out.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("upsert incident: %w", err))
	}
	out.Status = incident.Status(st)

	span.SetAttributes(attribute.Bool("beacon.incident.inserted", inserted))
	return out, inserted, nil
}

// Get retrieves an incident by ID within a tenant.
//
//nolint:dupl // similar structure to GetByExecution is intentional
func (s *Store) Get(ctx context.Context, tenantID, id string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE tenant_id = $1 AND id = $2`
	inc, err := scanIncident(s.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return inc, inc != nil, nil
}

// GetByExecution retrieves the incident a workflow run was started for.
//
//nolint:dupl // similar structure to Get is intentional
func (s *Store) GetByExecution(ctx context.Context, tenantID, executionID string) (*incident.Incident, bool, error) {
	if executionID == "" {
		return nil, false, nil
	}
	ctx, span := startSpan(ctx, "pgstore.GetByExecution", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE tenant_id = $1 AND execution_id = $2 LIMIT 1`
	inc, err := scanIncident(s.pool.QueryRow(ctx, query, tenantID, executionID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return inc, inc != nil, nil
}

// SetExecution links a workflow run to an incident.
func (s *Store) SetExecution(ctx context.Context, tenantID, id, executionID string) error {
	ctx, span := startSpan(ctx, "pgstore.SetExecution", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET execution_id = $3, updated_at = $4 WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, executionID, time.Now().UTC(),
	)
	if err != nil {
		return fail(span, fmt.Errorf("set execution: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return nil
}

// Related returns the newest incidents of a service within a tenant.
func (s *Store) Related(ctx context.Context, tenantID, service, excludeID string, limit int) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.Related", "SELECT")
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE tenant_id = $1 AND service = $2 AND id <> $3
		ORDER BY created_at DESC, id DESC LIMIT $4`
	rows, err := s.pool.Query(ctx, query, tenantID, service, excludeID, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query related: %w", err))
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate related: %w", err))
	}
	return out, nil
}

// SaveAnalysis upserts by (incident_id, tenant_id). The insert only happens
// when the incident exists inside the same tenant.
func (s *Store) SaveAnalysis(ctx context.Context, a *incident.Analysis) (*incident.Analysis, error) {
	ctx, span := startSpan(ctx, "pgstore.SaveAnalysis", "UPSERT")
	defer span.End()

	id := a.ID
	if id == "" {
		id = ulid.Make().String()
	}
	conf := a.Confidence
	if conf == "" {
		conf = incident.ConfidenceUnknown
	}

	query := `INSERT INTO ai_analyses (` + analysisColumns + `)
	SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::text, $7::text, $8::text,
		$9::timestamptz, $9::timestamptz
	WHERE EXISTS (SELECT 1 FROM incidents WHERE id = $2::text AND tenant_id = $3::text)
	ON CONFLICT (incident_id, tenant_id) DO UPDATE SET
		execution_id     = EXCLUDED.execution_id,
		analysis         = EXCLUDED.analysis,
		remediation      = EXCLUDED.remediation,
		documentation    = EXCLUDED.documentation,
		confidence_level = EXCLUDED.confidence_level,
		updated_at       = EXCLUDED.updated_at
	RETURNING ` + analysisColumns

	out, err := scanAnalysis(s.pool.QueryRow(ctx, query,
		id, a.IncidentID, a.TenantID, a.ExecutionID, a.Analysis, a.Remediation,
		a.Documentation, string(conf), time.Now().UTC(),
	))
	if err != nil {
		return nil, fail(span, err)
	}
	if out == nil {
		return nil, incident.ErrNotFound
	}
	return out, nil
}

// GetAnalysis retrieves the current analysis of an incident.
func (s *Store) GetAnalysis(ctx context.Context, tenantID, incidentID string) (*incident.Analysis, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetAnalysis", "SELECT")
	defer span.End()

	query := `SELECT ` + analysisColumns + ` FROM ai_analyses WHERE tenant_id = $1 AND incident_id = $2`
	a, err := scanAnalysis(s.pool.QueryRow(ctx, query, tenantID, incidentID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return a, a != nil, nil
}

// Resolve implements tenant.Resolver. Keys are stored as SHA-256 digests.
func (s *Store) Resolve(ctx context.Context, key string) (*tenant.Tenant, error) {
	if key == "" {
		return nil, tenant.ErrNotFound
	}
	ctx, span := startSpan(ctx, "pgstore.Resolve", "SELECT")
	defer span.End()

	var t tenant.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name FROM organizations WHERE webhook_key = $1`,
		tenant.KeyDigest(key),
	).Scan(&t.ID, &t.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tenant.ErrNotFound
		}
		return nil, fail(span, fmt.Errorf("resolve tenant: %w", err))
	}
	return &t, nil
}

// AddTenant registers a tenant with its webhook key, replacing the key of an
// existing tenant with the same ID.
func (s *Store) AddTenant(ctx context.Context, key string, t tenant.Tenant) error {
	ctx, span := startSpan(ctx, "pgstore.AddTenant", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, webhook_key) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, webhook_key = EXCLUDED.webhook_key`,
		t.ID, t.Name, tenant.KeyDigest(key),
	)
	if err != nil {
		return fail(span, fmt.Errorf("add tenant: %w", err))
	}
	return nil
}

func marshalPayload(inc *incident.Incident) (logsJSON, metricsJSON, contextJSON []byte, err error) {
	logs := inc.Logs
	if logs == nil {
		logs = []string{}
	}
	if logsJSON, err = json.Marshal(logs); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal logs: %w", err)
	}
	metrics := inc.Metrics
	if metrics == nil {
		metrics = map[string]any{}
	}
	if metricsJSON, err = json.Marshal(metrics); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metrics: %w", err)
	}
	ictx := inc.Context
	if ictx == nil {
		ictx = map[string]string{}
	}
	if contextJSON, err = json.Marshal(ictx); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal context: %w", err)
	}
	return logsJSON, metricsJSON, contextJSON, nil
}

// scanIncident scans a single row. Returns (nil, nil) when no row is found.
func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc                            incident.Incident
		source, severity, status       string
		logsJSON, metricsJSON, ctxJSON []byte
	)
	err := row.Scan(
		&inc.ID, &inc.TenantID, &inc.ExternalID, &source, &severity, &status, &inc.Service, &inc.Title,
		&inc.Description, &logsJSON, &metricsJSON, &ctxJSON, &inc.ExecutionID, &inc.Timestamp,
		&inc.CreatedAt, &inc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.Source = incident.Source(source)
	inc.Severity = incident.Severity(severity)
	inc.Status = incident.Status(status)

	if err := json.Unmarshal(logsJSON, &inc.Logs); err != nil {
		return nil, fmt.Errorf("unmarshal logs: %w", err)
	}
	if err := json.Unmarshal(metricsJSON, &inc.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal metrics: %w", err)
	}
	if err := json.Unmarshal(ctxJSON, &inc.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return &inc, nil
}

// scanAnalysis scans a single row. Returns (nil, nil) when no row is found.
func scanAnalysis(row pgx.Row) (*incident.Analysis, error) {
	var (
		a    incident.Analysis
		conf string
	)
	err := row.Scan(
		&a.ID, &a.IncidentID, &a.TenantID, &a.ExecutionID, &a.Analysis, &a.Remediation,
		&a.Documentation, &conf, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan analysis: %w", err)
	}
	a.Confidence = incident.Confidence(conf)
	return &a, nil
}
