package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/beacon/internal/incident"
)

// prometheus handles Alertmanager webhooks ({alerts:[...]}) and single alert
// objects. The first firing alert is the primary one; the rest are recorded
// in the logs.
func prometheus(p gjson.Result, _ time.Time) (*incident.Incident, error) {
	alerts := []gjson.Result{p}
	if a := p.Get("alerts"); a.IsArray() {
		alerts = a.Array()
		if len(alerts) == 0 {
			return nil, &Error{Source: incident.SourcePrometheus, Reason: "alerts is empty"}
		}
	}

	primary := 0
	firing := 0
	for i, a := range alerts {
		if alertStatus(a, p) == "firing" {
			if firing == 0 {
				primary = i
			}
			firing++
		}
	}
	a := alerts[primary]
	labels := a.Get("labels")
	annotations := a.Get("annotations")

	inc := &incident.Incident{
		ExternalID: prefixed(incident.SourcePrometheus, first(a, "fingerprint")),
		Title:      first(labels, "alertname"),
		Service:    first(labels, "service", "app", "application", "job"),
		Severity:   severity(nil, first(labels, "severity", "priority")),
		Timestamp:  firstTime(a, "startsAt"),
		Metrics:    map[string]any{"alert_count": float64(len(alerts)), "firing_count": float64(firing)},
		Context:    map[string]string{},
	}
	if inc.Title == "" {
		inc.Title = first(annotations, "summary", "title")
	}
	inc.Description = first(annotations, "description", "message", "summary")
	inc.Logs = appendIf(nil, inc.Description)

	for i, other := range alerts {
		if i == primary {
			continue
		}
		inc.Logs = append(inc.Logs, fmt.Sprintf("%s [%s]: %s",
			first(other.Get("labels"), "alertname"),
			alertStatus(other, p),
			first(other.Get("annotations"), "summary", "description"),
		))
	}

	common := p.Get("commonLabels")
	if common.IsObject() {
		stringMap(common, inc.Context)
	}
	stringMap(labels, inc.Context)
	setIf(inc.Context, "status", alertStatus(a, p))
	setIf(inc.Context, "generator_url", first(a, "generatorURL"))
	setIf(inc.Context, "external_url", first(p, "externalURL"))
	setIf(inc.Context, "receiver", first(p, "receiver"))
	setIf(inc.Context, "runbook_url", first(annotations, "runbook_url", "runbook"))
	if v := annotations.Get("value"); v.Exists() {
		inc.Metrics["value"] = metricValue(v)
	}
	return inc, nil
}

// alertStatus returns the alert's status, the group status, or "firing".
func alertStatus(a, group gjson.Result) string {
	if s := strings.ToLower(first(a, "status")); s != "" {
		return s
	}
	if s := strings.ToLower(first(group, "status")); s != "" {
		return s
	}
	return "firing"
}
