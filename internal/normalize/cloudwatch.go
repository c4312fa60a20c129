package normalize

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/beacon/internal/incident"
)

// serviceDimensions are checked in order for the alarm's service.
var serviceDimensions = []string{
	"ServiceName",
	"FunctionName",
	"DBInstanceIdentifier",
	"DBClusterIdentifier",
	"ClusterName",
	"LoadBalancer",
	"TargetGroup",
	"QueueName",
	"TableName",
	"AutoScalingGroupName",
	"InstanceId",
}

// cloudWatch handles alarm state-change documents, optionally delivered inside
// an SNS notification whose Message is the alarm JSON.
func cloudWatch(p gjson.Result, _ time.Time) (*incident.Incident, error) {
	var snsID string
	if first(p, "Type") == "Notification" {
		msg := p.Get("Message")
		if msg.Type != gjson.String || !gjson.Valid(msg.Str) {
			return nil, &Error{Source: incident.SourceCloudWatch, Reason: "SNS Message is not an alarm document"}
		}
		snsID = first(p, "MessageId")
		p = gjson.Parse(msg.Str)
		if !p.IsObject() {
			return nil, &Error{Source: incident.SourceCloudWatch, Reason: "SNS Message is not an alarm document"}
		}
	}

	name := first(p, "AlarmName")
	desc := first(p, "AlarmDescription")
	state := first(p, "NewStateValue")

	inc := &incident.Incident{
		ExternalID:  prefixed(incident.SourceCloudWatch, name),
		Title:       name,
		Description: desc,
		Severity:    cloudWatchSeverity(state, name, desc),
		Timestamp:   firstTime(p, "StateChangeTime"),
		Metrics:     map[string]any{},
		Context:     map[string]string{},
	}
	if inc.Title == "" {
		inc.Title = desc
	}
	inc.Logs = appendIf(nil, first(p, "NewStateReason"))

	trigger := p.Get("Trigger")
	dims := map[string]string{}
	trigger.Get("Dimensions").ForEach(func(_, d gjson.Result) bool {
		k := first(d, "name", "Name")
		if k != "" {
			dims[k] = first(d, "value", "Value")
		}
		return true
	})
	for _, k := range serviceDimensions {
		if dims[k] != "" {
			inc.Service = dims[k]
			break
		}
	}
	if inc.Service == "" {
		inc.Service = first(trigger, "Namespace")
	}
	for k, v := range dims {
		inc.Context["dimension."+k] = v
	}

	setIf(inc.Context, "state", state)
	setIf(inc.Context, "old_state", first(p, "OldStateValue"))
	setIf(inc.Context, "region", first(p, "Region"))
	setIf(inc.Context, "account", first(p, "AWSAccountId"))
	setIf(inc.Context, "alarm_arn", first(p, "AlarmArn"))
	setIf(inc.Context, "namespace", first(trigger, "Namespace"))
	setIf(inc.Context, "comparison", first(trigger, "ComparisonOperator"))
	setIf(inc.Context, "sns_message_id", snsID)

	metric := first(trigger, "MetricName")
	setIf(inc.Context, "metric", metric)
	if th := trigger.Get("Threshold"); th.Exists() {
		inc.Metrics["threshold"] = metricValue(th)
	}
	if ep := trigger.Get("EvaluationPeriods"); ep.Exists() {
		inc.Metrics["evaluation_periods"] = metricValue(ep)
	}
	if period := trigger.Get("Period"); period.Exists() {
		inc.Metrics["period_seconds"] = metricValue(period)
	}
	return inc, nil
}

func cloudWatchSeverity(state, name, desc string) incident.Severity {
	switch strings.ToUpper(state) {
	case "ALARM":
		if strings.Contains(strings.ToLower(name+" "+desc), "critical") {
			return incident.SeverityCritical
		}
		return incident.SeverityHigh
	case "INSUFFICIENT_DATA":
		return incident.SeverityMedium
	case "OK":
		return incident.SeverityLow
	}
	return incident.SeverityMedium
}
