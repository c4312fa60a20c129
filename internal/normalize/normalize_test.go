package normalize

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/beacon/internal/incident"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustNormalize(t *testing.T, source incident.Source, payload string) *incident.Incident {
	t.Helper()
	inc, err := Normalize(source, []byte(payload), testNow)
	if err != nil {
		t.Fatalf("Normalize(%s): %v", source, err)
	}
	return inc
}

// Every supported source, with a minimal and a rich payload.
var validPayloads = []struct {
	name    string
	source  incident.Source
	payload string
}{
	{"datadog empty", incident.SourceDatadog, `{}`},
	{"datadog full", incident.SourceDatadog, `{"id":"123","title":"CPU high","body":"cpu at 99%","alert_type":"error","tags":"service:api,env:prod","date":1767225600}`},
	{"pagerduty empty", incident.SourcePagerDuty, `{}`},
	{"pagerduty v3", incident.SourcePagerDuty, `{"event":{"id":"E1","event_type":"incident.triggered","occurred_at":"2026-01-01T00:00:00Z","data":{"id":"PABC","title":"DB down","urgency":"high","priority":{"summary":"P1"},"service":{"summary":"billing"},"status":"triggered"}}}`},
	{"pagerduty v2", incident.SourcePagerDuty, `{"messages":[{"event":"incident.trigger","incident":{"id":"PV2","title":"Queue backlog","urgency":"low","service":{"name":"worker"}}}]}`},
	{"cloudwatch empty", incident.SourceCloudWatch, `{}`},
	{"cloudwatch alarm", incident.SourceCloudWatch, `{"AlarmName":"api-5xx","NewStateValue":"ALARM","Trigger":{"Namespace":"AWS/ApplicationELB"}}`},
	{"prometheus single", incident.SourcePrometheus, `{"labels":{"alertname":"X"}}`},
	{"prometheus webhook", incident.SourcePrometheus, `{"alerts":[{"status":"firing","labels":{"alertname":"HighLatency","severity":"warning","service":"search"}}]}`},
	{"generic", incident.SourceGeneric, `{"title":"t","service":"s"}`},
	{"generic bad severity", incident.SourceGeneric, `{"title":"t","service":"s","severity":"apocalyptic"}`},
}

func TestNormalize_ValidPayloadsProduceCanonicalFields(t *testing.T) {
	t.Parallel()

	for _, tt := range validPayloads {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inc := mustNormalize(t, tt.source, tt.payload)
			if !inc.Severity.Valid() {
				t.Errorf("Severity = %q, not canonical", inc.Severity)
			}
			if inc.Title == "" {
				t.Error("Title is empty")
			}
			if inc.Service == "" {
				t.Error("Service is empty")
			}
			if !strings.HasPrefix(inc.ExternalID, string(tt.source)+"-") {
				t.Errorf("ExternalID = %q, want %q prefix", inc.ExternalID, tt.source)
			}
			if inc.Source != tt.source {
				t.Errorf("Source = %q, want %q", inc.Source, tt.source)
			}
			if inc.Logs == nil || inc.Metrics == nil || inc.Context == nil {
				t.Error("collections must be non-nil")
			}
			if inc.Timestamp.IsZero() {
				t.Error("Timestamp is zero")
			}
		})
	}
}

func TestNormalize_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		source  incident.Source
		payload string
		reason  string
	}{
		{"unknown source", incident.Source("nagios"), `{}`, "unsupported"},
		{"invalid json", incident.SourceGeneric, `{"title":`, "valid JSON"},
		{"array payload", incident.SourceDatadog, `[1,2]`, "JSON object"},
		{"generic missing title", incident.SourceGeneric, `{"service":"api"}`, "title"},
		{"generic numeric title", incident.SourceGeneric, `{"title":42,"service":"api"}`, "title"},
		{"generic blank title", incident.SourceGeneric, `{"title":"  ","service":"api"}`, "title"},
		{"generic missing service", incident.SourceGeneric, `{"title":"t"}`, "service"},
		{"generic object service", incident.SourceGeneric, `{"title":"t","service":{"name":"api"}}`, "service"},
		{"prometheus no alerts", incident.SourcePrometheus, `{"alerts":[]}`, "empty"},
		{"sns with text message", incident.SourceCloudWatch, `{"Type":"Notification","Message":"hello"}`, "SNS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Normalize(tt.source, []byte(tt.payload), testNow)
			var nerr *Error
			if !errors.As(err, &nerr) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if !strings.Contains(nerr.Reason, tt.reason) {
				t.Errorf("Reason = %q, want it to mention %q", nerr.Reason, tt.reason)
			}
		})
	}
}

func TestDatadog(t *testing.T) {
	t.Parallel()

	inc := mustNormalize(t, incident.SourceDatadog, `{
		"id": 987,
		"title": "[Triggered] CPU high on api",
		"body": "cpu.user at 97%",
		"alert_type": "error",
		"priority": "normal",
		"tags": ["service:api", "env:prod", "team:core"],
		"host": "ip-10-0-0-1",
		"date": 1767225600000,
		"metric": "system.cpu.user",
		"value": "97.2",
		"url": "https://app.datadoghq.com/monitors/1"
	}`)

	if inc.ExternalID != "datadog-987" {
		t.Errorf("ExternalID = %q", inc.ExternalID)
	}
	if inc.Severity != incident.SeverityHigh {
		t.Errorf("Severity = %q, want HIGH", inc.Severity)
	}
	if inc.Service != "api" {
		t.Errorf("Service = %q, want api", inc.Service)
	}
	if inc.Context["env"] != "prod" || inc.Context["host"] != "ip-10-0-0-1" || inc.Context["tag.team"] != "core" {
		t.Errorf("Context = %v", inc.Context)
	}
	if inc.Metrics["system.cpu.user"] != 97.2 {
		t.Errorf("Metrics = %v", inc.Metrics)
	}
	if len(inc.Logs) != 1 || inc.Logs[0] != "cpu.user at 97%" {
		t.Errorf("Logs = %v", inc.Logs)
	}
	if want := time.UnixMilli(1767225600000).UTC(); !inc.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", inc.Timestamp, want)
	}
}

func TestDatadogTags_CommaString(t *testing.T) {
	t.Parallel()

	inc := mustNormalize(t, incident.SourceDatadog, `{"title":"x","tags":"service:web, env:staging,flag"}`)
	if inc.Service != "web" {
		t.Errorf("Service = %q, want web", inc.Service)
	}
	if inc.Context["env"] != "staging" {
		t.Errorf("env = %q", inc.Context["env"])
	}
	if _, ok := inc.Context["tag.flag"]; !ok {
		t.Error("bare tag missing from context")
	}
}

func TestPagerDuty_SeverityFromPriorityThenUrgency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    incident.Severity
	}{
		{"P1", `{"event":{"data":{"id":"a","priority":{"summary":"P1"},"urgency":"low"}}}`, incident.SeverityCritical},
		{"P2", `{"event":{"data":{"id":"a","priority":{"summary":"P2"}}}}`, incident.SeverityHigh},
		{"P3", `{"event":{"data":{"id":"a","priority":{"summary":"P3"}}}}`, incident.SeverityMedium},
		{"P5", `{"event":{"data":{"id":"a","priority":{"summary":"P5"}}}}`, incident.SeverityLow},
		{"urgency high", `{"event":{"data":{"id":"a","urgency":"high"}}}`, incident.SeverityHigh},
		{"urgency low", `{"event":{"data":{"id":"a","urgency":"low"}}}`, incident.SeverityLow},
		{"neither", `{"event":{"data":{"id":"a"}}}`, incident.SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := mustNormalize(t, incident.SourcePagerDuty, tt.payload).Severity; got != tt.want {
				t.Errorf("Severity = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPagerDuty_V3(t *testing.T) {
	t.Parallel()

	inc := mustNormalize(t, incident.SourcePagerDuty, validPayloads[3].payload)
	if inc.ExternalID != "pagerduty-PABC" {
		t.Errorf("ExternalID = %q", inc.ExternalID)
	}
	if inc.Service != "billing" || inc.Title != "DB down" {
		t.Errorf("Service/Title = %q/%q", inc.Service, inc.Title)
	}
	if inc.Context["event_type"] != "incident.triggered" || inc.Context["status"] != "triggered" {
		t.Errorf("Context = %v", inc.Context)
	}
	if !inc.Timestamp.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Timestamp = %v", inc.Timestamp)
	}
}

func TestCloudWatch_SNSEnvelope(t *testing.T) {
	t.Parallel()

	alarm := `{\"AlarmName\":\"checkout-critical-latency\",\"AlarmDescription\":\"p99 latency\",\"NewStateValue\":\"ALARM\",\"NewStateReason\":\"Threshold Crossed\",\"StateChangeTime\":\"2026-01-01T10:00:00.000+0000\",\"Region\":\"US East (N. Virginia)\",\"Trigger\":{\"MetricName\":\"Latency\",\"Namespace\":\"AWS/ECS\",\"Threshold\":1.5,\"Dimensions\":[{\"name\":\"ClusterName\",\"value\":\"prod\"},{\"name\":\"ServiceName\",\"value\":\"checkout\"}]}}`
	inc := mustNormalize(t, incident.SourceCloudWatch, `{"Type":"Notification","MessageId":"m-1","Message":"`+alarm+`"}`)

	if inc.ExternalID != "cloudwatch-checkout-critical-latency" {
		t.Errorf("ExternalID = %q", inc.ExternalID)
	}
	if inc.Severity != incident.SeverityCritical {
		t.Errorf("Severity = %q, want CRITICAL", inc.Severity)
	}
	if inc.Service != "checkout" {
		t.Errorf("Service = %q, want checkout (ServiceName before ClusterName)", inc.Service)
	}
	if inc.Metrics["threshold"] != 1.5 {
		t.Errorf("Metrics = %v", inc.Metrics)
	}
	if inc.Context["sns_message_id"] != "m-1" || inc.Context["metric"] != "Latency" {
		t.Errorf("Context = %v", inc.Context)
	}
	if len(inc.Logs) != 1 || inc.Logs[0] != "Threshold Crossed" {
		t.Errorf("Logs = %v", inc.Logs)
	}
	if !inc.Timestamp.Equal(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Timestamp = %v", inc.Timestamp)
	}
}

func TestCloudWatch_StateSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state string
		want  incident.Severity
	}{
		{"ALARM", incident.SeverityHigh},
		{"INSUFFICIENT_DATA", incident.SeverityMedium},
		{"OK", incident.SeverityLow},
		{"SOMETHING_NEW", incident.SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			t.Parallel()
			inc := mustNormalize(t, incident.SourceCloudWatch, `{"AlarmName":"a","NewStateValue":"`+tt.state+`"}`)
			if inc.Severity != tt.want {
				t.Errorf("Severity = %q, want %q", inc.Severity, tt.want)
			}
		})
	}
}

func TestCloudWatch_SameAlarmSameExternalID(t *testing.T) {
	t.Parallel()

	payload := `{"AlarmName":"orders-queue-depth","NewStateValue":"ALARM","Trigger":{"Namespace":"AWS/SQS"}}`
	a, _ := Normalize(incident.SourceCloudWatch, []byte(payload), testNow)
	b, _ := Normalize(incident.SourceCloudWatch, []byte(payload), testNow.Add(time.Second))
	if a.ExternalID != b.ExternalID {
		t.Errorf("ExternalID differs: %q vs %q", a.ExternalID, b.ExternalID)
	}
	if a.Service != "AWS/SQS" {
		t.Errorf("Service = %q, want namespace fallback", a.Service)
	}
}

func TestPrometheus_CriticalCheckoutWithoutFingerprint(t *testing.T) {
	t.Parallel()

	payload := `{"labels":{"alertname":"CheckoutErrors","severity":"critical","service":"checkout"},"annotations":{"summary":"errors"}}`
	a := mustNormalize(t, incident.SourcePrometheus, payload)
	b := mustNormalize(t, incident.SourcePrometheus, payload)
	c, err := Normalize(incident.SourcePrometheus, []byte(payload), testNow.Add(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	if a.Severity != incident.SeverityCritical {
		t.Errorf("Severity = %q, want CRITICAL", a.Severity)
	}
	if a.Service != "checkout" {
		t.Errorf("Service = %q, want checkout", a.Service)
	}
	if !strings.HasPrefix(a.ExternalID, "prometheus-") {
		t.Errorf("ExternalID = %q", a.ExternalID)
	}
	if a.ExternalID != b.ExternalID {
		t.Error("same payload at the same instant must hash identically")
	}
	if a.ExternalID == c.ExternalID {
		t.Error("requests at different instants without startsAt must get distinct IDs")
	}
}

func TestPrometheus_FallbackIDUsesStartsAt(t *testing.T) {
	t.Parallel()

	payload := `{"labels":{"alertname":"A","service":"s"},"startsAt":"2026-02-01T00:00:00Z"}`
	a := mustNormalize(t, incident.SourcePrometheus, payload)
	b, _ := Normalize(incident.SourcePrometheus, []byte(payload), testNow.Add(time.Hour))
	if a.ExternalID != b.ExternalID {
		t.Errorf("replay of the same alert got a new ID: %q vs %q", a.ExternalID, b.ExternalID)
	}
}

func TestPrometheus_FirstFiringAlertIsPrimary(t *testing.T) {
	t.Parallel()

	inc := mustNormalize(t, incident.SourcePrometheus, `{
		"status": "firing",
		"receiver": "beacon",
		"alerts": [
			{"status":"resolved","fingerprint":"r1","labels":{"alertname":"Old","severity":"info"},"annotations":{"summary":"old one"}},
			{"status":"firing","fingerprint":"f1","labels":{"alertname":"DiskFull","severity":"high","job":"node"},"annotations":{"description":"disk at 99%"}},
			{"status":"firing","fingerprint":"f2","labels":{"alertname":"DiskFull","severity":"high","job":"node"},"annotations":{"summary":"second"}}
		]
	}`)

	if inc.ExternalID != "prometheus-f1" {
		t.Errorf("ExternalID = %q, want prometheus-f1", inc.ExternalID)
	}
	if inc.Severity != incident.SeverityHigh || inc.Service != "node" {
		t.Errorf("Severity/Service = %q/%q", inc.Severity, inc.Service)
	}
	want := []string{"disk at 99%", "Old [resolved]: old one", "DiskFull [firing]: second"}
	if len(inc.Logs) != len(want) {
		t.Fatalf("Logs = %v, want %v", inc.Logs, want)
	}
	for i := range want {
		if inc.Logs[i] != want[i] {
			t.Errorf("Logs[%d] = %q, want %q", i, inc.Logs[i], want[i])
		}
	}
	if inc.Metrics["firing_count"] != float64(2) || inc.Metrics["alert_count"] != float64(3) {
		t.Errorf("Metrics = %v", inc.Metrics)
	}
	if inc.Context["receiver"] != "beacon" || inc.Context["alertname"] != "DiskFull" {
		t.Errorf("Context = %v", inc.Context)
	}
}

func TestGeneric(t *testing.T) {
	t.Parallel()

	inc := mustNormalize(t, incident.SourceGeneric, `{
		"id": "evt-1",
		"title": "Payment failures",
		"service": "payments",
		"severity": "HIGH",
		"description": "card declines spiking",
		"logs": ["line one", {"k":"v"}, "line three"],
		"metrics": {"error_rate": 0.3, "region": "eu", "count": "12"},
		"context": {"version": "1.2.3", "replicas": 3},
		"timestamp": "2026-02-02T02:02:02Z"
	}`)

	if inc.ExternalID != "generic-evt-1" {
		t.Errorf("ExternalID = %q", inc.ExternalID)
	}
	if inc.Severity != incident.SeverityHigh {
		t.Errorf("Severity = %q", inc.Severity)
	}
	if len(inc.Logs) != 3 || inc.Logs[1] != `{"k":"v"}` {
		t.Errorf("Logs = %v", inc.Logs)
	}
	if inc.Metrics["error_rate"] != 0.3 || inc.Metrics["region"] != "eu" || inc.Metrics["count"] != float64(12) {
		t.Errorf("Metrics = %v", inc.Metrics)
	}
	if inc.Context["version"] != "1.2.3" || inc.Context["replicas"] != "3" {
		t.Errorf("Context = %v", inc.Context)
	}
}

func TestGeneric_NonFiniteMetricsStayEncodable(t *testing.T) {
	t.Parallel()

	inc := mustNormalize(t, incident.SourceGeneric, `{
		"title": "Ratio broke",
		"service": "api",
		"metrics": {"ratio": "NaN", "peak": "Infinity", "floor": "-Inf", "huge": 1e999, "ok": "2.5"}
	}`)

	want := map[string]any{
		"ratio": "NaN",
		"peak":  "Infinity",
		"floor": "-Inf",
		"huge":  "1e999",
		"ok":    2.5,
	}
	for k, v := range want {
		if inc.Metrics[k] != v {
			t.Errorf("Metrics[%q] = %#v, want %#v", k, inc.Metrics[k], v)
		}
	}
	if _, err := json.Marshal(inc); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
}

func TestSeverity_DefaultsToMedium(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   []string
		want incident.Severity
	}{
		{nil, incident.SeverityMedium},
		{[]string{""}, incident.SeverityMedium},
		{[]string{"bogus"}, incident.SeverityMedium},
		{[]string{"", "Critical"}, incident.SeverityCritical},
		{[]string{"bogus", "warn"}, incident.SeverityMedium},
		{[]string{"Sev2"}, incident.SeverityHigh},
		{[]string{"INFO"}, incident.SeverityLow},
	}
	for _, tt := range tests {
		if got := severity(nil, tt.in...); got != tt.want {
			t.Errorf("severity(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inputs := []string{
		`{"t":1767225600}`,
		`{"t":1767225600000}`,
		`{"t":"1767225600"}`,
		`{"t":"2026-01-01T00:00:00Z"}`,
		`{"t":"2026-01-01T01:00:00+01:00"}`,
		`{"t":"2026-01-01T00:00:00.000+0000"}`,
	}
	for _, in := range inputs {
		inc := mustNormalize(t, incident.SourceGeneric, `{"title":"t","service":"s","timestamp":`+in[5:len(in)-1]+`}`)
		if !inc.Timestamp.Equal(want) {
			t.Errorf("%s: Timestamp = %v, want %v", in, inc.Timestamp, want)
		}
	}

	inc := mustNormalize(t, incident.SourceGeneric, `{"title":"t","service":"s","timestamp":"yesterday"}`)
	if !inc.Timestamp.Equal(testNow) {
		t.Errorf("unparseable timestamp = %v, want ingestion time", inc.Timestamp)
	}
}

func FuzzNormalize(f *testing.F) {
	for _, p := range validPayloads {
		f.Add(string(p.source), p.payload)
	}
	f.Add("generic", `{"title":null}`)
	f.Add("cloudwatch", `{"Type":"Notification","Message":"{\"AlarmName\":1}"}`)

	f.Fuzz(func(t *testing.T, source, payload string) {
		inc, err := Normalize(incident.Source(source), []byte(payload), testNow)
		if err != nil {
			var nerr *Error
			if !errors.As(err, &nerr) {
				t.Fatalf("non-normalize error: %v", err)
			}
			return
		}
		if !inc.Severity.Valid() || inc.Title == "" || inc.ExternalID == "" {
			t.Fatalf("incomplete incident: %+v", inc)
		}
	})
}
