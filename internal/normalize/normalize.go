// Package normalize maps vendor alert payloads onto the canonical
// incident.Incident. Normalizers are pure: the only input besides the payload
// is the ingestion time.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/beacon/internal/incident"
)

// UnknownService is used when a payload names no service or component.
const UnknownService = "unknown"

// Error reports a payload the selected normalizer cannot accept. It is always
// the caller's input that is at fault.
type Error struct {
	Source incident.Source
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize %s: %s", e.Source, e.Reason)
}

type normalizer func(p gjson.Result, now time.Time) (*incident.Incident, error)

var normalizers = map[incident.Source]normalizer{
	incident.SourceDatadog:    datadog,
	incident.SourcePagerDuty:  pagerDuty,
	incident.SourceCloudWatch: cloudWatch,
	incident.SourcePrometheus: prometheus,
	incident.SourceGeneric:    generic,
}

var defaultTitles = map[incident.Source]string{
	incident.SourceDatadog:    "Datadog Alert",
	incident.SourcePagerDuty:  "PagerDuty Incident",
	incident.SourceCloudWatch: "CloudWatch Alarm",
	incident.SourcePrometheus: "Prometheus Alert",
	incident.SourceGeneric:    "Alert",
}

// Normalize converts raw into an Incident for source. The returned incident
// has no tenant or store-assigned fields set. Every successful result carries
// a non-empty title, service and external ID and a canonical severity.
func Normalize(source incident.Source, raw []byte, now time.Time) (*incident.Incident, error) {
	fn, ok := normalizers[source]
	if !ok {
		return nil, &Error{Source: source, Reason: "unsupported source"}
	}
	if !gjson.ValidBytes(raw) {
		return nil, &Error{Source: source, Reason: "payload is not valid JSON"}
	}
	p := gjson.ParseBytes(raw)
	if !p.IsObject() {
		return nil, &Error{Source: source, Reason: "payload must be a JSON object"}
	}

	inc, err := fn(p, now)
	if err != nil {
		return nil, err
	}
	finish(source, inc, now)
	return inc, nil
}

// finish fills the defaults shared by every source.
func finish(source incident.Source, inc *incident.Incident, now time.Time) {
	inc.Source = source
	inc.Title = strings.TrimSpace(inc.Title)
	if inc.Title == "" {
		inc.Title = defaultTitles[source]
	}
	inc.Service = strings.TrimSpace(inc.Service)
	if inc.Service == "" {
		inc.Service = UnknownService
	}
	if !inc.Severity.Valid() {
		inc.Severity = incident.SeverityMedium
	}
	if inc.Logs == nil {
		inc.Logs = []string{}
	}
	if inc.Metrics == nil {
		inc.Metrics = map[string]any{}
	}
	if inc.Context == nil {
		inc.Context = map[string]string{}
	}
	if inc.ExternalID == "" {
		inc.ExternalID = fallbackID(source, inc, now)
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = now
	}
	inc.Timestamp = inc.Timestamp.UTC()
}

// fallbackID derives an external ID for payloads without a native one. It
// hashes the normalized content with the source's event time, so exact
// replays deduplicate while a re-fired alert does not. Without an event time
// the ingestion time is used and every request gets its own ID.
func fallbackID(source incident.Source, inc *incident.Incident, now time.Time) string {
	ts := inc.Timestamp
	if ts.IsZero() {
		ts = now
	}
	h := sha256.New()
	for _, part := range []string{
		strings.ToLower(inc.Title),
		strings.ToLower(inc.Service),
		string(inc.Severity),
		ts.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return string(source) + "-" + hex.EncodeToString(h.Sum(nil))[:16]
}

func prefixed(source incident.Source, id string) string {
	if id == "" {
		return ""
	}
	return string(source) + "-" + id
}

// str returns r as a trimmed string when it is a JSON string or number.
func str(r gjson.Result) string {
	switch r.Type {
	case gjson.String, gjson.Number:
		return strings.TrimSpace(r.String())
	}
	return ""
}

// first returns the first non-empty string found under paths.
func first(p gjson.Result, paths ...string) string {
	for _, path := range paths {
		if s := str(p.Get(path)); s != "" {
			return s
		}
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700", // CloudWatch StateChangeTime
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
}

// parseTime accepts unix seconds or milliseconds, as numbers or numeric
// strings, and the layouts in timeLayouts.
func parseTime(r gjson.Result) (time.Time, bool) {
	switch r.Type {
	case gjson.Number:
		return unixTime(r.Int()), r.Int() > 0
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			return unixTime(n), true
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func unixTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// firstTime returns the first parseable time under paths.
func firstTime(p gjson.Result, paths ...string) time.Time {
	for _, path := range paths {
		if t, ok := parseTime(p.Get(path)); ok {
			return t
		}
	}
	return time.Time{}
}

// commonSeverities is consulted after a source's own table. Anything absent
// from both maps to MEDIUM.
var commonSeverities = map[string]incident.Severity{
	"critical":      incident.SeverityCritical,
	"crit":          incident.SeverityCritical,
	"fatal":         incident.SeverityCritical,
	"emergency":     incident.SeverityCritical,
	"disaster":      incident.SeverityCritical,
	"page":          incident.SeverityCritical,
	"p1":            incident.SeverityCritical,
	"sev1":          incident.SeverityCritical,
	"high":          incident.SeverityHigh,
	"error":         incident.SeverityHigh,
	"major":         incident.SeverityHigh,
	"p2":            incident.SeverityHigh,
	"sev2":          incident.SeverityHigh,
	"medium":        incident.SeverityMedium,
	"moderate":      incident.SeverityMedium,
	"warning":       incident.SeverityMedium,
	"warn":          incident.SeverityMedium,
	"normal":        incident.SeverityMedium,
	"p3":            incident.SeverityMedium,
	"sev3":          incident.SeverityMedium,
	"low":           incident.SeverityLow,
	"minor":         incident.SeverityLow,
	"info":          incident.SeverityLow,
	"informational": incident.SeverityLow,
	"notice":        incident.SeverityLow,
	"none":          incident.SeverityLow,
	"ok":            incident.SeverityLow,
	"success":       incident.SeverityLow,
	"recovery":      incident.SeverityLow,
	"resolved":      incident.SeverityLow,
	"p4":            incident.SeverityLow,
	"p5":            incident.SeverityLow,
	"sev4":          incident.SeverityLow,
	"sev5":          incident.SeverityLow,
}

// severity maps the first recognised value in vals through table and then
// commonSeverities.
func severity(table map[string]incident.Severity, vals ...string) incident.Severity {
	for _, v := range vals {
		k := strings.ToLower(strings.TrimSpace(v))
		if k == "" {
			continue
		}
		if s, ok := table[k]; ok {
			return s
		}
		if s, ok := commonSeverities[k]; ok {
			return s
		}
	}
	return incident.SeverityMedium
}

// stringMap flattens a JSON object into string values. Nested values keep
// their raw JSON text.
func stringMap(r gjson.Result, into map[string]string) {
	r.ForEach(func(k, v gjson.Result) bool {
		key := k.String()
		if key == "" {
			return true
		}
		switch v.Type {
		case gjson.String:
			into[key] = v.Str
		case gjson.Null:
		default:
			into[key] = v.Raw
		}
		return true
	})
}

// metricMap copies a JSON object into metrics, keeping numbers numeric.
func metricMap(r gjson.Result, into map[string]any) {
	r.ForEach(func(k, v gjson.Result) bool {
		key := k.String()
		if key == "" || v.Type == gjson.Null {
			return true
		}
		into[key] = metricValue(v)
		return true
	})
}

func metricValue(v gjson.Result) any {
	switch v.Type {
	case gjson.Number:
		if f := v.Float(); finite(f) {
			return f
		}
		return v.Raw
	case gjson.String:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil && finite(f) {
			return f
		}
		return v.Str
	case gjson.True, gjson.False:
		return v.Bool()
	}
	return v.Raw
}

// finite reports whether f survives JSON encoding.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func setIf(m map[string]string, key, val string) {
	if val != "" {
		m[key] = val
	}
}

func appendIf(logs []string, s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return logs
	}
	return append(logs, s)
}
