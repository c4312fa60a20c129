package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/workflow"
)

// Default task identifiers of the analysis flow.
const (
	DefaultAnalysisTask      = "analyze_incident"
	DefaultRemediationTask   = "generate_remediation"
	DefaultDocumentationTask = "generate_documentation"
)

var (
	// ErrNotSuccessful is returned for executions that did not end in SUCCESS.
	ErrNotSuccessful = errors.New("reconcile: execution did not succeed")

	// ErrNoResults is returned when none of the three tasks produced output.
	ErrNoResults = errors.New("reconcile: execution has no analysis output")
)

// Tasks names the flow tasks that produce each artifact.
type Tasks struct {
	Analysis      string
	Remediation   string
	Documentation string
}

// DefaultTasks returns the stock task identifiers.
func DefaultTasks() Tasks {
	return Tasks{
		Analysis:      DefaultAnalysisTask,
		Remediation:   DefaultRemediationTask,
		Documentation: DefaultDocumentationTask,
	}
}

// Results are the three text artifacts of an execution.
type Results struct {
	Analysis      string `json:"analysis"`
	Remediation   string `json:"remediation"`
	Documentation string `json:"documentation"`
}

// Empty reports whether no artifact was found.
func (r Results) Empty() bool {
	return r.Analysis == "" && r.Remediation == "" && r.Documentation == ""
}

// Extract applies ExtractText to each task's output.
func (t Tasks) Extract(outputs map[string]any) Results {
	var r Results
	r.Analysis, _ = ExtractText(outputs[t.Analysis])
	r.Remediation, _ = ExtractText(outputs[t.Remediation])
	r.Documentation, _ = ExtractText(outputs[t.Documentation])
	return r
}

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnReconcile func(result string)
}

// Reconciler writes execution results onto incidents.
type Reconciler struct {
	store  incident.Store
	tasks  Tasks
	logger log.Logger
	hooks  Hooks
}

// New creates a Reconciler. Empty task names fall back to the defaults.
func New(store incident.Store, tasks Tasks, logger log.Logger, hooks ...Hooks) *Reconciler {
	if store == nil {
		panic(xerrors.New("reconcile.New: nil store"))
	}
	def := DefaultTasks()
	if tasks.Analysis == "" {
		tasks.Analysis = def.Analysis
	}
	if tasks.Remediation == "" {
		tasks.Remediation = def.Remediation
	}
	if tasks.Documentation == "" {
		tasks.Documentation = def.Documentation
	}
	if logger == nil {
		logger = log.Nop()
	}
	var h Hooks
	if len(hooks) > 0 {
		h = hooks[0]
	}
	return &Reconciler{store: store, tasks: tasks, logger: logger, hooks: h}
}

// Tasks returns the configured task identifiers.
func (r *Reconciler) Tasks() Tasks { return r.tasks }

// Reconcile extracts the artifacts of a successful execution and upserts them
// as the incident's analysis, replacing any earlier one.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID, incidentID string, exec *workflow.Execution) (*incident.Analysis, error) {
	a, err := r.reconcile(ctx, tenantID, incidentID, exec)
	result := "saved"
	switch {
	case errors.Is(err, ErrNotSuccessful):
		result = "skipped"
	case errors.Is(err, ErrNoResults):
		result = "empty"
	case err != nil:
		result = "error"
	}
	if r.hooks.OnReconcile != nil {
		r.hooks.OnReconcile(result)
	}
	return a, err
}

func (r *Reconciler) reconcile(ctx context.Context, tenantID, incidentID string, exec *workflow.Execution) (*incident.Analysis, error) {
	if exec == nil || exec.State != workflow.StateSuccess {
		return nil, ErrNotSuccessful
	}

	res := r.tasks.Extract(exec.Outputs)
	if res.Empty() {
		r.logger.Warn(ctx, "execution finished without analysis output",
			"execution_id", exec.ID, "incident_id", incidentID)
		return nil, ErrNoResults
	}

	a, err := r.store.SaveAnalysis(ctx, &incident.Analysis{
		IncidentID:    incidentID,
		TenantID:      tenantID,
		ExecutionID:   exec.ID,
		Analysis:      res.Analysis,
		Remediation:   res.Remediation,
		Documentation: res.Documentation,
		Confidence:    confidence(exec.Outputs),
	})
	if err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}

	r.logger.Info(ctx, "analysis reconciled",
		"execution_id", exec.ID, "incident_id", incidentID, "analysis_id", a.ID)
	return a, nil
}

// confidence reads an optional confidence output of the flow.
func confidence(outputs map[string]any) incident.Confidence {
	for _, k := range []string{"confidence_level", "confidence"} {
		s, ok := ExtractText(outputs[k])
		if !ok {
			continue
		}
		switch c := incident.Confidence(strings.ToLower(strings.Trim(s, `" `))); c {
		case incident.ConfidenceHigh, incident.ConfidenceMedium, incident.ConfidenceLow:
			return c
		}
	}
	return incident.ConfidenceUnknown
}
