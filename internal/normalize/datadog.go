package normalize

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/beacon/internal/incident"
)

// datadogSeverities covers alert_type values that differ from the common table.
var datadogSeverities = map[string]incident.Severity{
	"error":   incident.SeverityHigh,
	"warning": incident.SeverityMedium,
	"info":    incident.SeverityLow,
	"success": incident.SeverityLow,
}

func datadog(p gjson.Result, _ time.Time) (*incident.Incident, error) {
	inc := &incident.Incident{
		ExternalID: prefixed(incident.SourceDatadog, first(p, "id", "alert_id", "event_id", "aggreg_key")),
		Title:      first(p, "title", "event_title", "alert_title"),
		Severity:   severity(datadogSeverities, first(p, "severity"), first(p, "alert_type"), first(p, "priority")),
		Timestamp:  firstTime(p, "date", "last_updated"),
		Metrics:    map[string]any{},
		Context:    map[string]string{},
	}

	body := first(p, "body", "text", "message")
	inc.Description = body
	inc.Logs = appendIf(nil, body)

	tags := datadogTags(p.Get("tags"))
	for k, v := range tags {
		inc.Context["tag."+k] = v
	}
	inc.Service = first(p, "service")
	if inc.Service == "" {
		inc.Service = tags["service"]
	}

	host := first(p, "host", "hostname")
	if host == "" {
		host = tags["host"]
	}
	setIf(inc.Context, "host", host)
	setIf(inc.Context, "env", tags["env"])
	setIf(inc.Context, "url", first(p, "url", "link"))
	setIf(inc.Context, "alert_type", first(p, "alert_type"))
	setIf(inc.Context, "alert_transition", first(p, "alert_transition"))
	setIf(inc.Context, "org", first(p, "org.name", "org_name"))

	metric := first(p, "metric", "alert_metric")
	setIf(inc.Context, "metric", metric)
	if v := p.Get("value"); v.Exists() && v.Type != gjson.Null {
		name := metric
		if name == "" {
			name = "value"
		}
		inc.Metrics[name] = metricValue(v)
	}
	if q := first(p, "alert_query", "query"); q != "" {
		inc.Context["query"] = q
	}
	return inc, nil
}

// datadogTags accepts "k:v,k2:v2" or ["k:v", ...]. Tags without a colon map
// to an empty value.
func datadogTags(r gjson.Result) map[string]string {
	out := map[string]string{}
	var raw []string
	switch {
	case r.IsArray():
		for _, t := range r.Array() {
			raw = append(raw, t.String())
		}
	case r.Type == gjson.String:
		raw = strings.Split(r.Str, ",")
	}
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		k, v, _ := strings.Cut(t, ":")
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
