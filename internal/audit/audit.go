// Package audit records the lifecycle of ingested incidents and their
// workflow executions. Memory keeps a bounded ring in process; Kafka publishes
// to a topic shared by every instance.
package audit

import (
	"context"
	"time"
)

// Kind classifies an audit event.
type Kind string

const (
	KindIngested       Kind = "incident.ingested"
	KindDuplicate      Kind = "incident.duplicate"
	KindRateLimited    Kind = "ingest.rate_limited"
	KindTriggered      Kind = "workflow.triggered"
	KindTriggerFailed  Kind = "workflow.trigger_failed"
	KindLinkFailed     Kind = "workflow.link_failed"
	KindExecutionDone  Kind = "execution.finished"
	KindAnalysisSaved  Kind = "analysis.saved"
	KindAnalysisFailed Kind = "analysis.failed"
	KindAnalysisPosted Kind = "analysis.posted"
	KindNotifyFailed   Kind = "notify.failed"
)

// Event is one audit record. TenantID is always set.
type Event struct {
	Time        time.Time `json:"time"`
	Kind        Kind      `json:"kind"`
	TenantID    string    `json:"tenant_id"`
	IncidentID  string    `json:"incident_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Source      string    `json:"source,omitempty"`
	State       string    `json:"state,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Log accepts audit events. Implementations are safe for concurrent use.
type Log interface {
	Record(ctx context.Context, e Event) error
}

// Reader returns recorded events for a tenant, oldest first. An empty
// incidentID matches every incident.
type Reader interface {
	Recent(tenantID, incidentID string, limit int) []Event
}

// Nop discards every event.
type Nop struct{}

// Record implements Log.
func (Nop) Record(context.Context, Event) error { return nil }
