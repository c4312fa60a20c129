package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/incident/memstore"
	"github.com/linnemanlabs/beacon/internal/workflow"
)

const envelope = `{"candidates":[{"content":{"parts":[{"text":"Root cause: pool exhaustion"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"totalTokenCount":42}}`

func TestExtractText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    any
		want   string
		wantOK bool
	}{
		{"nil", nil, "", false},
		{"empty string", "   ", "", false},
		{"plain string", "  disk is full ", "disk is full", true},
		{"envelope as JSON text", envelope, "Root cause: pool exhaustion", true},
		{"envelope decoded", map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": "decoded text"}}}}},
		}, "decoded text", true},
		{"envelope under body", map[string]any{"body": envelope, "code": float64(200)}, "Root cause: pool exhaustion", true},
		{"plain body", map[string]any{"body": "restart the pods"}, "restart the pods", true},
		{"value wrapper", map[string]any{"value": "doc text"}, "doc text", true},
		{"JSON string with wrapper", `{"output":"from script"}`, "from script", true},
		{"envelope without text", map[string]any{"candidates": []any{}}, `{"candidates":[]}`, true},
		{"structure fallback", map[string]any{"steps": []any{"a", "b"}}, `{"steps":["a","b"]}`, true},
		{"number", float64(3), "3", true},
		{"json array text", `["x"]`, `["x"]`, true},
		{"malformed json text", `{not json}`, `{not json}`, true},
		{"bytes", []byte("raw bytes"), "raw bytes", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractText(tt.raw)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ExtractText() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestExtractText_NeverReturnsEnvelope(t *testing.T) {
	t.Parallel()

	got, _ := ExtractText(envelope)
	if strings.Contains(got, "candidates") {
		t.Errorf("envelope leaked into text: %q", got)
	}
}

func seedIncident(t *testing.T, s *memstore.Store, tenantID string) *incident.Incident {
	t.Helper()
	inc, _, err := s.Upsert(context.Background(), &incident.Incident{
		TenantID: tenantID, ExternalID: "generic-1", Source: incident.SourceGeneric,
		Severity: incident.SeverityHigh, Title: "t", Service: "s", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return inc
}

func successExec(id string, outputs map[string]any) *workflow.Execution {
	return &workflow.Execution{ID: id, State: workflow.StateSuccess, Outputs: outputs}
}

func TestReconcile_SavesAndOverwrites(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	inc := seedIncident(t, s, "t1")

	var results []string
	r := New(s, Tasks{}, log.Nop(), Hooks{OnReconcile: func(res string) { results = append(results, res) }})

	first, err := r.Reconcile(context.Background(), "t1", inc.ID, successExec("e1", map[string]any{
		DefaultAnalysisTask:      map[string]any{"body": envelope},
		DefaultRemediationTask:   "scale the pool",
		DefaultDocumentationTask: map[string]any{"sections": []any{"summary"}},
		"confidence_level":       "High",
	}))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if first.Analysis != "Root cause: pool exhaustion" {
		t.Errorf("Analysis = %q", first.Analysis)
	}
	if first.Remediation != "scale the pool" {
		t.Errorf("Remediation = %q", first.Remediation)
	}
	if first.Documentation != `{"sections":["summary"]}` {
		t.Errorf("Documentation = %q", first.Documentation)
	}
	if first.Confidence != incident.ConfidenceHigh {
		t.Errorf("Confidence = %q", first.Confidence)
	}

	second, err := r.Reconcile(context.Background(), "t1", inc.ID, successExec("e2", map[string]any{
		DefaultAnalysisTask: "second pass",
	}))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("analysis ID changed: %q -> %q", first.ID, second.ID)
	}

	got, ok, _ := s.GetAnalysis(context.Background(), "t1", inc.ID)
	if !ok || got.Analysis != "second pass" || got.ExecutionID != "e2" || got.Remediation != "" {
		t.Errorf("stored analysis = %+v", got)
	}
	if got.Confidence != incident.ConfidenceUnknown {
		t.Errorf("Confidence = %q, want unknown", got.Confidence)
	}
	if len(results) != 2 || results[0] != "saved" || results[1] != "saved" {
		t.Errorf("hook results = %v", results)
	}
}

func TestReconcile_CustomTasks(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	inc := seedIncident(t, s, "t1")
	r := New(s, Tasks{Analysis: "rca"}, nil)

	if r.Tasks().Remediation != DefaultRemediationTask {
		t.Errorf("unset task not defaulted: %+v", r.Tasks())
	}
	a, err := r.Reconcile(context.Background(), "t1", inc.ID, successExec("e", map[string]any{"rca": "custom"}))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if a.Analysis != "custom" {
		t.Errorf("Analysis = %q", a.Analysis)
	}
}

func TestReconcile_Rejects(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	inc := seedIncident(t, s, "t1")
	r := New(s, Tasks{}, nil)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, "t1", inc.ID, &workflow.Execution{ID: "e", State: workflow.StateFailed}); !errors.Is(err, ErrNotSuccessful) {
		t.Errorf("failed execution err = %v", err)
	}
	if _, err := r.Reconcile(ctx, "t1", inc.ID, nil); !errors.Is(err, ErrNotSuccessful) {
		t.Errorf("nil execution err = %v", err)
	}
	if _, err := r.Reconcile(ctx, "t1", inc.ID, successExec("e", map[string]any{"other": "x"})); !errors.Is(err, ErrNoResults) {
		t.Errorf("empty outputs err = %v", err)
	}
	if _, err := r.Reconcile(ctx, "t2", inc.ID, successExec("e", map[string]any{DefaultAnalysisTask: "x"})); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("cross-tenant err = %v, want ErrNotFound", err)
	}
	if _, ok, _ := s.GetAnalysis(ctx, "t1", inc.ID); ok {
		t.Error("no analysis should have been stored")
	}
}

func TestNew_NilStorePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("New(nil) did not panic")
		}
	}()
	New(nil, Tasks{}, nil)
}
