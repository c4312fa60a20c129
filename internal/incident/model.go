package incident

import (
	"strings"
	"time"
)

// Source identifies the monitoring tool an incident was ingested from.
type Source string

const (
	SourceDatadog    Source = "datadog"
	SourcePagerDuty  Source = "pagerduty"
	SourceCloudWatch Source = "cloudwatch"
	SourcePrometheus Source = "prometheus"
	SourceGeneric    Source = "generic"
)

// Sources lists every supported source in display order.
var Sources = []Source{SourceDatadog, SourcePagerDuty, SourceCloudWatch, SourcePrometheus, SourceGeneric}

// ParseSource maps a request parameter to a Source. Empty means generic.
func ParseSource(s string) (Source, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SourceGeneric, true
	}
	for _, src := range Sources {
		if string(src) == s {
			return src, true
		}
	}
	return "", false
}

// Severity is the canonical severity vocabulary.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Escalates reports whether incidents of this severity start the analysis workflow.
func (s Severity) Escalates() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// Valid reports whether s is one of the four canonical severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusOpen is the state every incident is created in
	StatusOpen Status = "open"

	// StatusInvestigating means someone (or the workflow) is looking at it
	StatusInvestigating Status = "investigating"

	// StatusResolved means the underlying problem is fixed
	StatusResolved Status = "resolved"

	// StatusClosed means no further work is expected
	StatusClosed Status = "closed"
)

// Incident is the canonical, source-agnostic representation of an alert.
type Incident struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	ExternalID  string            `json:"external_id"`
	Source      Source            `json:"source"`
	Severity    Severity          `json:"severity"`
	Status      Status            `json:"status"`
	Service     string            `json:"service"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Logs        []string          `json:"logs"`
	Metrics     map[string]any    `json:"metrics"`
	Context     map[string]string `json:"context"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so stores never share slices or maps with callers.
func (i *Incident) Clone() *Incident {
	cp := *i
	if i.Logs != nil {
		cp.Logs = append([]string(nil), i.Logs...)
	}
	if i.Metrics != nil {
		cp.Metrics = make(map[string]any, len(i.Metrics))
		for k, v := range i.Metrics {
			cp.Metrics[k] = v
		}
	}
	if i.Context != nil {
		cp.Context = make(map[string]string, len(i.Context))
		for k, v := range i.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

// Confidence is informational only; nothing branches on it.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceUnknown Confidence = "unknown"
)

// Analysis holds the three text artifacts produced by the analysis workflow.
// There is at most one per incident; later reconciliations overwrite it.
type Analysis struct {
	ID            string     `json:"id"`
	IncidentID    string     `json:"incident_id"`
	TenantID      string     `json:"tenant_id"`
	ExecutionID   string     `json:"execution_id"`
	Analysis      string     `json:"analysis"`
	Remediation   string     `json:"remediation"`
	Documentation string     `json:"documentation"`
	Confidence    Confidence `json:"confidence_level"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
