package ingestapi

import (
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/beacon/internal/authmw"
	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/ingest"
	"github.com/linnemanlabs/beacon/internal/normalize"
)

type rateLimitInfo struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
}

type capabilities struct {
	Status         string            `json:"status"`
	Endpoint       string            `json:"endpoint"`
	Sources        []incident.Source `json:"sources"`
	DefaultSource  incident.Source   `json:"default_source"`
	Authentication string            `json:"authentication"`
	RateLimit      rateLimitInfo     `json:"rate_limit"`
}

type kestraStatus struct {
	Triggered   bool   `json:"triggered"`
	ExecutionID string `json:"execution_id,omitempty"`
}

type ingestResponse struct {
	Success        bool              `json:"success"`
	IncidentID     string            `json:"incident_id"`
	OrganizationID string            `json:"organization_id"`
	Severity       incident.Severity `json:"severity"`
	IsDuplicate    bool              `json:"is_duplicate"`
	RequestID      string            `json:"request_id"`
	Kestra         *kestraStatus     `json:"kestra,omitempty"`
}

func (a *API) rateLimit() rateLimitInfo {
	return rateLimitInfo{Limit: a.policy.Limit, WindowSeconds: int(a.policy.Window.Seconds())}
}

func (a *API) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, capabilities{
		Status:         "ok",
		Endpoint:       "/webhooks/ingest",
		Sources:        incident.Sources,
		DefaultSource:  incident.SourceGeneric,
		Authentication: authmw.HeaderKey + " header or key query parameter",
		RateLimit:      a.rateLimit(),
	})
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t := mustTenant(r)
	reqID := requestID(w, r)

	if !a.svc.Admit(ctx, t, authmw.KeyFromContext(ctx)) {
		rl := a.rateLimit()
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":          "rate limit exceeded",
			"limit":          rl.Limit,
			"window_seconds": rl.WindowSeconds,
			"request_id":     reqID,
		})
		return
	}

	source, ok := incident.ParseSource(r.URL.Query().Get("source"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported source")
		return
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("beacon.tenant.id", t.ID),
		attribute.String("beacon.source", string(source)),
	)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := a.svc.Ingest(ctx, t, source, body)
	var nerr *normalize.Error
	switch {
	case errors.Is(err, ingest.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	case errors.As(err, &nerr):
		writeError(w, http.StatusBadRequest, nerr.Error())
		return
	case err != nil:
		a.internalError(w, r, err, "ingestion failed")
		return
	}

	span.SetAttributes(
		attribute.String("beacon.incident.id", res.Incident.ID),
		attribute.Bool("beacon.incident.new", res.IsNew),
	)
	log.FromContext(ctx).Info(ctx, "webhook accepted",
		"incident_id", res.Incident.ID, "source", source, "is_new", res.IsNew, "request_id", reqID)

	resp := ingestResponse{
		Success:        true,
		IncidentID:     res.Incident.ID,
		OrganizationID: t.ID,
		Severity:       res.Incident.Severity,
		IsDuplicate:    !res.IsNew,
		RequestID:      reqID,
	}
	if res.Escalated {
		resp.Kestra = &kestraStatus{Triggered: res.Triggered, ExecutionID: res.ExecutionID}
	}

	code := http.StatusOK
	if res.IsNew {
		code = http.StatusCreated
	}
	writeJSON(w, code, resp)
}
