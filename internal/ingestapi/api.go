// Package ingestapi exposes the ingestion gateway over HTTP.
package ingestapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/beacon/internal/audit"
	"github.com/linnemanlabs/beacon/internal/authmw"
	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/ingest"
	"github.com/linnemanlabs/beacon/internal/ratelimit"
	"github.com/linnemanlabs/beacon/internal/reconcile"
	"github.com/linnemanlabs/beacon/internal/tenant"
	"github.com/linnemanlabs/beacon/internal/workflow"
)

// IngestService defines the business operations ingestapi needs.
type IngestService interface {
	Admit(ctx context.Context, t *tenant.Tenant, key string) bool
	Ingest(ctx context.Context, t *tenant.Tenant, source incident.Source, body []byte) (*ingest.Result, error)
	Get(ctx context.Context, tenantID, id string) (*incident.Incident, *incident.Analysis, bool, error)
	IncidentForExecution(ctx context.Context, tenantID, executionID string) (*incident.Incident, bool, error)
	SaveAnalysis(ctx context.Context, a *incident.Analysis) (*incident.Analysis, error)
}

// Executions reads workflow runs from the orchestration engine.
type Executions interface {
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	ExecutionURL(id string) string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger     log.Logger
	svc        IngestService
	resolver   tenant.Resolver
	executions Executions
	tasks      reconcile.Tasks
	policy     ratelimit.Policy
	devMode    bool
	trail      audit.Reader
}

// Option configures an API.
type Option func(*API)

// WithExecutions enables the execution status endpoint.
func WithExecutions(e Executions, tasks reconcile.Tasks) Option {
	return func(a *API) {
		a.executions = e
		a.tasks = tasks
	}
}

// WithPolicy sets the rate limit advertised to callers.
func WithPolicy(p ratelimit.Policy) Option {
	return func(a *API) { a.policy = p }
}

// WithAuditTrail adds the recorded audit events to incident responses.
func WithAuditTrail(r audit.Reader) Option {
	return func(a *API) { a.trail = r }
}

// WithDevMode includes error detail in 500 responses.
func WithDevMode(on bool) Option {
	return func(a *API) { a.devMode = on }
}

// New creates a new API handler.
func New(logger log.Logger, svc IngestService, resolver tenant.Resolver, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("ingest service is required"))
	}
	if resolver == nil {
		panic(xerrors.New("tenant resolver is required"))
	}
	a := &API{
		logger:   logger,
		svc:      svc,
		resolver: resolver,
		tasks:    reconcile.DefaultTasks(),
		policy:   ratelimit.Policy{Limit: ratelimit.DefaultLimit, Window: ratelimit.DefaultWindow},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/webhooks/ingest", a.handleCapabilities)

	r.Group(func(r chi.Router) {
		r.Use(authmw.Tenant(a.resolver))
		r.Post("/webhooks/ingest", a.handleIngest)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/executions/{id}", a.handleGetExecution)
		r.Post("/analyses/save", a.handleSaveAnalysis)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// internalError logs err and answers 500, with detail only in dev mode.
func (a *API) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	log.FromContext(r.Context()).Error(r.Context(), err, msg)
	if a.devMode {
		writeError(w, http.StatusInternalServerError, msg+": "+err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

// requestID returns the correlation ID for r, minting one when the request
// arrived without it.
func requestID(w http.ResponseWriter, r *http.Request) string {
	if id := w.Header().Get("X-Request-Id"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	id := ulid.Make().String()
	w.Header().Set("X-Request-Id", id)
	return id
}

func mustTenant(r *http.Request) *tenant.Tenant {
	t, ok := tenant.FromContext(r.Context())
	if !ok {
		panic(xerrors.New("tenant middleware not installed"))
	}
	return t
}
