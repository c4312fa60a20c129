package normalize

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/beacon/internal/incident"
)

var pagerDutyUrgency = map[string]incident.Severity{
	"high": incident.SeverityHigh,
	"low":  incident.SeverityLow,
}

// pagerDuty handles v3 webhooks ({event:{data}}) and v2 webhooks
// ({messages:[{incident}]}). A bare incident object is also accepted.
func pagerDuty(p gjson.Result, _ time.Time) (*incident.Incident, error) {
	var data, envelope gjson.Result
	switch {
	case p.Get("event.data").IsObject():
		envelope = p.Get("event")
		data = envelope.Get("data")
	case p.Get("messages.0.incident").IsObject():
		envelope = p.Get("messages.0")
		data = envelope.Get("incident")
	case p.Get("incident").IsObject():
		envelope = p
		data = p.Get("incident")
	default:
		envelope = p
		data = p
	}

	id := first(data, "id", "incident_key")
	if id == "" {
		id = first(envelope, "id")
	}

	inc := &incident.Incident{
		ExternalID: prefixed(incident.SourcePagerDuty, id),
		Title:      first(data, "title", "summary", "description"),
		Service:    first(data, "service.summary", "service.name", "service.id"),
		Timestamp:  firstTime(envelope, "occurred_at", "created_on"),
		Metrics:    map[string]any{},
		Context:    map[string]string{},
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = firstTime(data, "created_at", "created_on")
	}

	priority := first(data, "priority.summary", "priority.name")
	urgency := first(data, "urgency")
	inc.Severity = severityFromPriority(priority)
	if inc.Severity == "" {
		inc.Severity = severity(pagerDutyUrgency, urgency)
	}

	inc.Description = first(data, "description", "body.details", "summary")
	inc.Logs = appendIf(nil, inc.Description)
	if d := data.Get("body.details"); d.IsObject() {
		inc.Logs = appendIf(inc.Logs, d.Raw)
	}

	setIf(inc.Context, "status", first(data, "status"))
	setIf(inc.Context, "urgency", urgency)
	setIf(inc.Context, "priority", priority)
	setIf(inc.Context, "url", first(data, "html_url"))
	setIf(inc.Context, "event_type", first(envelope, "event_type", "event"))
	setIf(inc.Context, "incident_key", first(data, "incident_key"))
	setIf(inc.Context, "escalation_policy", first(data, "escalation_policy.summary"))
	if n := data.Get("number"); n.Exists() {
		inc.Metrics["incident_number"] = metricValue(n)
	} else if n := data.Get("incident_number"); n.Exists() {
		inc.Metrics["incident_number"] = metricValue(n)
	}
	return inc, nil
}

// severityFromPriority maps P1..P5. An unrecognised priority returns "" so
// urgency can decide.
func severityFromPriority(priority string) incident.Severity {
	switch priority {
	case "P1", "p1":
		return incident.SeverityCritical
	case "P2", "p2":
		return incident.SeverityHigh
	case "P3", "p3":
		return incident.SeverityMedium
	case "P4", "p4", "P5", "p5":
		return incident.SeverityLow
	}
	return ""
}
