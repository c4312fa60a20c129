package ingestapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/beacon/internal/audit"
	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/reconcile"
	"github.com/linnemanlabs/beacon/internal/workflow"
)

// maxTrailEvents caps the audit events returned with an incident.
const maxTrailEvents = 50

type executionResponse struct {
	ExecutionID string            `json:"executionId"`
	Status      workflow.State    `json:"status"`
	StartDate   *time.Time        `json:"startDate,omitempty"`
	EndDate     *time.Time        `json:"endDate,omitempty"`
	Duration    float64           `json:"duration"`
	Outputs     map[string]any    `json:"outputs"`
	AIResults   reconcile.Results `json:"aiResults"`
	URL         string            `json:"url"`
	Message     string            `json:"message,omitempty"`
}

type saveAnalysisRequest struct {
	IncidentID    string              `json:"incidentId"`
	ExecutionID   string              `json:"executionId"`
	Analysis      string              `json:"analysis"`
	Remediation   string              `json:"remediation"`
	Documentation string              `json:"documentation"`
	Confidence    incident.Confidence `json:"confidence_level"`
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := mustTenant(r)
	id := chi.URLParam(r, "id")

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("beacon.incident.id", id))

	inc, an, ok, err := a.svc.Get(ctx, t.ID, id)
	if err != nil {
		a.internalError(w, r, err, "failed to get incident")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	body := map[string]any{
		"incident": inc,
		"analysis": an,
	}
	if a.trail != nil {
		events := a.trail.Recent(t.ID, inc.ID, maxTrailEvents)
		if events == nil {
			events = []audit.Event{}
		}
		body["events"] = events
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := mustTenant(r)
	id := chi.URLParam(r, "id")

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("beacon.execution.id", id))

	if a.executions == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow engine not configured")
		return
	}

	// executions are only visible to the tenant whose incident started them
	if _, ok, err := a.svc.IncidentForExecution(ctx, t.ID, id); err != nil {
		a.internalError(w, r, err, "failed to look up execution")
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	exec, err := a.executions.GetExecution(ctx, id)
	switch {
	case errors.Is(err, workflow.ErrUnauthorized):
		a.logger.Warn(ctx, "workflow engine rejected credentials", "execution_id", id)
		writeJSON(w, http.StatusOK, executionResponse{
			ExecutionID: id,
			Status:      workflow.StatePending,
			Outputs:     map[string]any{},
			URL:         a.executions.ExecutionURL(id),
			Message:     "workflow engine rejected the configured credentials; check kestra-username/kestra-password or kestra-token",
		})
		return
	case err != nil:
		a.logger.Error(ctx, err, "failed to fetch execution", "execution_id", id)
		writeError(w, http.StatusBadGateway, "workflow engine unavailable")
		return
	}

	outputs := exec.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	writeJSON(w, http.StatusOK, executionResponse{
		ExecutionID: exec.ID,
		Status:      exec.State,
		StartDate:   exec.StartDate,
		EndDate:     exec.EndDate,
		Duration:    exec.Duration,
		Outputs:     outputs,
		AIResults:   a.tasks.Extract(outputs),
		URL:         exec.URL,
	})
}

func (a *API) handleSaveAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := mustTenant(r)

	var req saveAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	req.IncidentID = strings.TrimSpace(req.IncidentID)
	if req.IncidentID == "" {
		writeError(w, http.StatusBadRequest, "incidentId is required")
		return
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("beacon.incident.id", req.IncidentID),
		attribute.String("beacon.execution.id", req.ExecutionID),
	)

	saved, err := a.svc.SaveAnalysis(ctx, &incident.Analysis{
		IncidentID:    req.IncidentID,
		TenantID:      t.ID,
		ExecutionID:   req.ExecutionID,
		Analysis:      req.Analysis,
		Remediation:   req.Remediation,
		Documentation: req.Documentation,
		Confidence:    req.Confidence,
	})
	switch {
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, "incident not found")
		return
	case err != nil:
		a.internalError(w, r, err, "failed to save analysis")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"analysis_id": saved.ID,
		"incident_id": saved.IncidentID,
	})
}
