package normalize

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/beacon/internal/incident"
)

// generic accepts a caller-defined shape, so it validates the fields every
// other normalizer can derive: title and service must be non-empty strings.
func generic(p gjson.Result, _ time.Time) (*incident.Incident, error) {
	title := p.Get("title")
	if title.Type != gjson.String || str(title) == "" {
		return nil, &Error{Source: incident.SourceGeneric, Reason: "title is required and must be a non-empty string"}
	}
	service := p.Get("service")
	if service.Type != gjson.String || str(service) == "" {
		return nil, &Error{Source: incident.SourceGeneric, Reason: "service is required and must be a non-empty string"}
	}

	inc := &incident.Incident{
		ExternalID:  prefixed(incident.SourceGeneric, first(p, "id", "external_id")),
		Title:       str(title),
		Service:     str(service),
		Description: first(p, "description", "message"),
		Severity:    severity(nil, first(p, "severity", "priority")),
		Timestamp:   firstTime(p, "timestamp", "time"),
		Logs:        []string{},
		Metrics:     map[string]any{},
		Context:     map[string]string{},
	}

	logs := p.Get("logs")
	switch {
	case logs.IsArray():
		for _, l := range logs.Array() {
			if l.Type == gjson.String {
				inc.Logs = appendIf(inc.Logs, l.Str)
			} else {
				inc.Logs = appendIf(inc.Logs, l.Raw)
			}
		}
	case logs.Type == gjson.String:
		inc.Logs = appendIf(inc.Logs, logs.Str)
	}
	if m := p.Get("metrics"); m.IsObject() {
		metricMap(m, inc.Metrics)
	}
	if c := p.Get("context"); c.IsObject() {
		stringMap(c, inc.Context)
	}
	return inc, nil
}
