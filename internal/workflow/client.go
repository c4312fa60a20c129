// Package workflow is the client for the external orchestration engine
// (Kestra) that runs the incident analysis flow.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/beacon/internal/incident"
)

const (
	// DefaultTimeout bounds a single engine call.
	DefaultTimeout = 15 * time.Second

	maxResponseBytes = 4 << 20
)

// ErrUnauthorized is returned when the engine rejects the configured
// credentials (401/403).
var ErrUnauthorized = errors.New("workflow: engine rejected credentials")

var tracer = otel.Tracer("github.com/linnemanlabs/beacon/internal/workflow")

// Config locates the analysis flow.
type Config struct {
	URL        string
	Namespace  string
	Flow       string
	WebhookKey string

	// Basic auth, or a bearer token when Token is set.
	Username string
	Password string
	Token    string

	Timeout time.Duration
}

// Client triggers and inspects executions of the analysis flow.
type Client struct {
	cfg  Config
	base string
	http *http.Client
}

// New creates a client. An empty URL yields a disabled client whose Trigger
// and GetExecution fail immediately.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Enabled reports whether an engine URL is configured.
func (c *Client) Enabled() bool { return c.base != "" }

// TriggerRequest is the body posted to the flow's webhook trigger.
type TriggerRequest struct {
	Incident    *incident.Incident    `json:"incident"`
	TenantID    string                `json:"tenantId"`
	Aggregation *incident.Aggregation `json:"aggregation,omitempty"`
}

// Triggered is the outcome of a successful trigger.
type Triggered struct {
	ExecutionID string `json:"execution_id"`
	State       State  `json:"status"`
}

// Execution is the engine's view of a run, reduced to what the gateway needs.
type Execution struct {
	ID          string         `json:"executionId"`
	State       State          `json:"status"`
	EngineState string         `json:"engineStatus"`
	StartDate   *time.Time     `json:"startDate"`
	EndDate     *time.Time     `json:"endDate"`
	Duration    float64        `json:"duration"`
	Outputs     map[string]any `json:"outputs"`
	URL         string         `json:"url"`
}

// engine wire format for executions.
type kestraExecution struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	FlowID    string `json:"flowId"`
	State     struct {
		Current   string     `json:"current"`
		StartDate *time.Time `json:"startDate"`
		EndDate   *time.Time `json:"endDate"`
		Duration  string     `json:"duration"`
	} `json:"state"`
	TaskRunList []struct {
		TaskID  string `json:"taskId"`
		Outputs any    `json:"outputs"`
	} `json:"taskRunList"`
	Outputs map[string]any `json:"outputs"`
}

// Trigger starts the analysis flow for inc. Transport failures and non-2xx
// responses are returned as errors; the caller decides whether they matter.
func (c *Client) Trigger(ctx context.Context, req TriggerRequest) (*Triggered, error) {
	ctx, span := tracer.Start(ctx, "workflow.Trigger", trace.WithAttributes(
		attribute.String("beacon.tenant.id", req.TenantID),
		attribute.String("beacon.workflow.flow", c.cfg.Namespace+"/"+c.cfg.Flow),
	))
	defer span.End()
	if req.Incident != nil {
		span.SetAttributes(attribute.String("beacon.incident.id", req.Incident.ID))
	}

	if !c.Enabled() {
		return nil, fail(span, errors.New("workflow: engine URL not configured"))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fail(span, fmt.Errorf("workflow: marshal trigger: %w", err))
	}

	endpoint := fmt.Sprintf("%s/api/v1/executions/webhook/%s/%s/%s", c.base,
		url.PathEscape(c.cfg.Namespace), url.PathEscape(c.cfg.Flow), url.PathEscape(c.cfg.WebhookKey))

	var exec kestraExecution
	if err := c.do(ctx, http.MethodPost, endpoint, body, &exec); err != nil {
		return nil, fail(span, err)
	}
	if exec.ID == "" {
		return nil, fail(span, errors.New("workflow: trigger response has no execution id"))
	}

	span.SetAttributes(attribute.String("beacon.execution.id", exec.ID))
	return &Triggered{ExecutionID: exec.ID, State: MapState(exec.State.Current)}, nil
}

// GetExecution fetches the current state of an execution.
func (c *Client) GetExecution(ctx context.Context, id string) (*Execution, error) {
	ctx, span := tracer.Start(ctx, "workflow.GetExecution", trace.WithAttributes(
		attribute.String("beacon.execution.id", id),
	))
	defer span.End()

	if !c.Enabled() {
		return nil, fail(span, errors.New("workflow: engine URL not configured"))
	}

	var exec kestraExecution
	if err := c.do(ctx, http.MethodGet, c.base+"/api/v1/executions/"+url.PathEscape(id), nil, &exec); err != nil {
		return nil, fail(span, err)
	}

	out := &Execution{
		ID:          exec.ID,
		State:       MapState(exec.State.Current),
		EngineState: exec.State.Current,
		StartDate:   exec.State.StartDate,
		EndDate:     exec.State.EndDate,
		Outputs:     make(map[string]any, len(exec.TaskRunList)+len(exec.Outputs)),
		URL:         c.ExecutionURL(exec.ID),
	}
	if out.ID == "" {
		out.ID = id
		out.URL = c.ExecutionURL(id)
	}
	if d, ok := ParseISODuration(exec.State.Duration); ok {
		out.Duration = d
	}
	for k, v := range exec.Outputs {
		out.Outputs[k] = v
	}
	// task outputs win over flow outputs of the same name
	for _, tr := range exec.TaskRunList {
		if tr.TaskID != "" && tr.Outputs != nil {
			out.Outputs[tr.TaskID] = tr.Outputs
		}
	}

	span.SetAttributes(attribute.String("beacon.execution.state", string(out.State)))
	return out, nil
}

// ExecutionURL is the engine UI link for an execution.
func (c *Client) ExecutionURL(id string) string {
	if c.base == "" || id == "" {
		return ""
	}
	return fmt.Sprintf("%s/ui/executions/%s/%s/%s", c.base,
		url.PathEscape(c.cfg.Namespace), url.PathEscape(c.cfg.Flow), url.PathEscape(id))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return fmt.Errorf("workflow: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req) //nolint:gosec // endpoint is built from trusted config
	if err != nil {
		return fmt.Errorf("workflow: %s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("workflow: engine returned %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("workflow: decode response: %w", err)
	}
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
