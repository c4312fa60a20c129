package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/beacon/internal/audit"
	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/normalize"
	"github.com/linnemanlabs/beacon/internal/poller"
	"github.com/linnemanlabs/beacon/internal/ratelimit"
	"github.com/linnemanlabs/beacon/internal/tenant"
	"github.com/linnemanlabs/beacon/internal/workflow"
)

// ErrMalformedPayload is returned when the request body is not a JSON object.
var ErrMalformedPayload = errors.New("malformed payload")

// Workflow starts analysis executions.
type Workflow interface {
	Enabled() bool
	Trigger(ctx context.Context, req workflow.TriggerRequest) (*workflow.Triggered, error)
}

// ExecutionPoller follows an execution to a terminal state.
type ExecutionPoller interface {
	Run(ctx context.Context, id string, deadline time.Time) *poller.Result
}

// Reconciler stores the results of a successful execution.
type Reconciler interface {
	Reconcile(ctx context.Context, tenantID, incidentID string, exec *workflow.Execution) (*incident.Analysis, error)
}

// Notifier announces analysis outcomes.
type Notifier interface {
	NotifyAnalysis(ctx context.Context, inc *incident.Incident, a *incident.Analysis, executionURL string) error
	NotifyFailure(ctx context.Context, inc *incident.Incident, state workflow.State, executionURL string) error
}

// URLer builds the engine UI link for an execution.
type URLer interface {
	ExecutionURL(id string) string
}

// Result is the outcome of one ingestion.
type Result struct {
	Incident *incident.Incident
	IsNew    bool

	// Escalated is set when the incident met the escalation criteria and a
	// trigger was attempted; Triggered reports whether it succeeded.
	Escalated   bool
	Triggered   bool
	ExecutionID string
}

// Service is the business boundary for ingestion.
type Service struct {
	store      incident.Store
	limiter    ratelimit.Limiter
	workflow   Workflow
	poller     ExecutionPoller
	reconciler Reconciler
	notifier   Notifier
	audit      audit.Log
	logger     log.Logger
	hooks      Hooks

	relatedLimit int
	pollTimeout  time.Duration
	now          func() time.Time

	followers sync.WaitGroup
	stopCtx   context.Context
	stop      context.CancelFunc
}

// Option configures a Service.
type Option func(*Service)

// WithLimiter sets the per-key admission limiter. Without one every request
// is admitted.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithWorkflow enables escalation. p and r follow triggered executions.
func WithWorkflow(w Workflow, p ExecutionPoller, r Reconciler) Option {
	return func(s *Service) {
		s.workflow = w
		s.poller = p
		s.reconciler = r
	}
}

// WithNotifier sets the sink for analysis outcomes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithAudit sets the audit log.
func WithAudit(l audit.Log) Option {
	return func(s *Service) { s.audit = l }
}

// WithHooks sets instrumentation callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Service) { s.hooks = h }
}

// WithRelatedIncidents attaches up to n prior incidents of the same service
// to each trigger.
func WithRelatedIncidents(n int) Option {
	return func(s *Service) { s.relatedLimit = n }
}

// WithPollTimeout bounds how long a triggered execution is followed.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Service) { s.pollTimeout = d }
}

// NewService creates the ingestion service.
func NewService(store incident.Store, logger log.Logger, opts ...Option) *Service {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:  store,
		logger: logger,
		audit:  audit.Nop{},
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.stopCtx, s.stop = context.WithCancel(context.Background())
	return s
}

// Admit applies the rate limit for a tenant key. Rejections are counted and
// audited.
func (s *Service) Admit(ctx context.Context, t *tenant.Tenant, key string) bool {
	if s.limiter == nil {
		return true
	}
	if s.limiter.Allow(ctx, tenant.KeyDigest(key)) {
		return true
	}
	if s.hooks.OnRateLimited != nil {
		s.hooks.OnRateLimited()
	}
	s.record(ctx, audit.Event{Kind: audit.KindRateLimited, TenantID: t.ID})
	return false
}

// Ingest normalizes body as source and stores it for the tenant. Input errors
// are ErrMalformedPayload or *normalize.Error; anything else is internal.
func (s *Service) Ingest(ctx context.Context, t *tenant.Tenant, source incident.Source, body []byte) (*Result, error) {
	start := s.now()
	res, err := s.ingest(ctx, t, source, body)
	if s.hooks.OnIngest != nil {
		s.hooks.OnIngest(string(source), ingestOutcome(res, err), time.Since(start).Seconds())
	}
	return res, err
}

func ingestOutcome(res *Result, err error) string {
	var nerr *normalize.Error
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.As(err, &nerr):
		return "invalid"
	case err != nil:
		return "error"
	case res.IsNew:
		return "created"
	}
	return "duplicate"
}

func (s *Service) ingest(ctx context.Context, t *tenant.Tenant, source incident.Source, body []byte) (*Result, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, ErrMalformedPayload
	}

	inc, err := normalize.Normalize(source, body, s.now())
	if err != nil {
		return nil, err
	}
	inc.TenantID = t.ID

	stored, isNew, err := s.store.Upsert(ctx, inc)
	if err != nil {
		return nil, fmt.Errorf("upsert incident: %w", err)
	}

	L := s.logger.With("tenant_id", t.ID, "incident_id", stored.ID, "source", source)
	res := &Result{Incident: stored, IsNew: isNew, ExecutionID: stored.ExecutionID}

	kind := audit.KindDuplicate
	if isNew {
		kind = audit.KindIngested
	}
	s.record(ctx, audit.Event{Kind: kind, TenantID: t.ID, IncidentID: stored.ID, Source: string(source), State: string(stored.Severity)})
	L.Info(ctx, "incident ingested", "is_new", isNew, "severity", stored.Severity, "external_id", stored.ExternalID)

	// duplicates never re-trigger
	if !isNew || !stored.Severity.Escalates() || s.workflow == nil || !s.workflow.Enabled() {
		return res, nil
	}

	res.Escalated = true

	// the execution outlives the request, so a client disconnect must not abort it
	tctx := context.WithoutCancel(ctx)
	execID, err := s.trigger(tctx, stored)
	if err != nil {
		L.Error(ctx, err, "workflow trigger failed; incident kept without analysis")
		s.record(ctx, audit.Event{Kind: audit.KindTriggerFailed, TenantID: t.ID, IncidentID: stored.ID, Detail: err.Error()})
		return res, nil
	}

	res.Triggered = true
	res.ExecutionID = execID
	stored.ExecutionID = execID
	s.record(ctx, audit.Event{Kind: audit.KindTriggered, TenantID: t.ID, IncidentID: stored.ID, ExecutionID: execID})
	L.Info(ctx, "workflow triggered", "execution_id", execID)

	if err := s.store.SetExecution(tctx, t.ID, stored.ID, execID); err != nil {
		L.Error(ctx, err, "failed to link execution to incident", "execution_id", execID)
		s.record(ctx, audit.Event{Kind: audit.KindLinkFailed, TenantID: t.ID, IncidentID: stored.ID, ExecutionID: execID, Detail: err.Error()})
	}

	if s.poller != nil {
		s.followers.Add(1)
		go s.follow(tctx, stored.Clone(), execID)
	}
	return res, nil
}

// trigger starts the workflow with the incident and its related context.
func (s *Service) trigger(ctx context.Context, inc *incident.Incident) (string, error) {
	agg, err := incident.Aggregate(ctx, s.store, inc, s.relatedLimit)
	if err != nil {
		s.logger.Warn(ctx, "related incident lookup failed", "err", err, "incident_id", inc.ID)
	}
	req := workflow.TriggerRequest{Incident: inc, TenantID: inc.TenantID, Aggregation: agg}

	trig, err := s.workflow.Trigger(ctx, req)
	if err != nil {
		s.triggerHook("error")
		return "", err
	}
	s.triggerHook("success")
	return trig.ExecutionID, nil
}

func (s *Service) triggerHook(result string) {
	if s.hooks.OnTrigger != nil {
		s.hooks.OnTrigger(result)
	}
}

// follow polls a triggered execution, reconciles a successful one and
// announces the outcome. It runs detached from the request.
func (s *Service) follow(ctx context.Context, inc *incident.Incident, execID string) {
	defer s.followers.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(s.stopCtx, cancel)
	defer release()

	L := s.logger.With("tenant_id", inc.TenantID, "incident_id", inc.ID, "execution_id", execID)

	var deadline time.Time
	if s.pollTimeout > 0 {
		deadline = s.now().Add(s.pollTimeout)
	}
	pr := s.poller.Run(ctx, execID, deadline)
	if !pr.State.Terminal() {
		L.Warn(ctx, "stopped following execution", "state", pr.State, "err", pr.Err)
		return
	}

	s.record(ctx, audit.Event{Kind: audit.KindExecutionDone, TenantID: inc.TenantID, IncidentID: inc.ID, ExecutionID: execID, State: string(pr.State)})
	if s.hooks.OnTerminal != nil {
		s.hooks.OnTerminal(string(pr.State))
	}
	L.Info(ctx, "execution finished", "state", pr.State, "polls", pr.Polls, "duration", pr.Duration.Seconds())

	url := s.executionURL(execID)
	if pr.State != workflow.StateSuccess {
		s.notifyFailure(ctx, L, inc, pr.State, url)
		return
	}

	a, err := s.reconciler.Reconcile(ctx, inc.TenantID, inc.ID, pr.Execution)
	if err != nil {
		L.Error(ctx, err, "reconciliation failed")
		s.record(ctx, audit.Event{Kind: audit.KindAnalysisFailed, TenantID: inc.TenantID, IncidentID: inc.ID, ExecutionID: execID, Detail: err.Error()})
		return
	}
	s.record(ctx, audit.Event{Kind: audit.KindAnalysisSaved, TenantID: inc.TenantID, IncidentID: inc.ID, ExecutionID: execID})

	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyAnalysis(ctx, inc, a, url); err != nil {
		L.Error(ctx, err, "analysis notification failed")
		s.record(ctx, audit.Event{Kind: audit.KindNotifyFailed, TenantID: inc.TenantID, IncidentID: inc.ID, ExecutionID: execID, Detail: err.Error()})
	}
}

func (s *Service) notifyFailure(ctx context.Context, L log.Logger, inc *incident.Incident, state workflow.State, url string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyFailure(ctx, inc, state, url); err != nil {
		L.Error(ctx, err, "failure notification failed")
		s.record(ctx, audit.Event{Kind: audit.KindNotifyFailed, TenantID: inc.TenantID, IncidentID: inc.ID, ExecutionID: inc.ExecutionID, Detail: err.Error()})
	}
}

func (s *Service) executionURL(id string) string {
	if u, ok := s.workflow.(URLer); ok {
		return u.ExecutionURL(id)
	}
	return ""
}

// Get returns a tenant's incident and its analysis, if any.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*incident.Incident, *incident.Analysis, bool, error) {
	inc, ok, err := s.store.Get(ctx, tenantID, id)
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	a, _, err := s.store.GetAnalysis(ctx, tenantID, id)
	if err != nil {
		return nil, nil, false, err
	}
	return inc, a, true, nil
}

// IncidentForExecution returns the tenant's incident linked to an execution.
func (s *Service) IncidentForExecution(ctx context.Context, tenantID, executionID string) (*incident.Incident, bool, error) {
	return s.store.GetByExecution(ctx, tenantID, executionID)
}

// SaveAnalysis stores an analysis posted by the workflow itself. The incident
// must belong to the tenant.
func (s *Service) SaveAnalysis(ctx context.Context, a *incident.Analysis) (*incident.Analysis, error) {
	saved, err := s.store.SaveAnalysis(ctx, a)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{Kind: audit.KindAnalysisPosted, TenantID: a.TenantID, IncidentID: a.IncidentID, ExecutionID: a.ExecutionID})
	return saved, nil
}

// Shutdown waits for background followers until ctx is done, then cancels
// the ones still running.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.followers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.stop()
		return ctx.Err()
	}
}

func (s *Service) record(ctx context.Context, e audit.Event) {
	if e.RequestID == "" {
		e.RequestID = httpmw.RequestIDFromContext(ctx)
	}
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Warn(ctx, "audit record failed", "err", err, "kind", e.Kind)
	}
}
