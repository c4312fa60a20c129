// Package slack posts analysis outcomes to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/beacon/internal/incident"
	"github.com/linnemanlabs/beacon/internal/workflow"
)

const (
	maxSectionLen = 2900
	httpTimeout   = 10 * time.Second
)

// Notifier sends incident analyses to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, every Notify
// call is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:     logger,
	}
}

// NotifyAnalysis announces a completed analysis of inc.
func (n *Notifier) NotifyAnalysis(ctx context.Context, inc *incident.Incident, a *incident.Analysis, executionURL string) error {
	return n.post(ctx, inc, analysisMessage(inc, a, executionURL))
}

// NotifyFailure announces that the analysis workflow for inc ended in state
// without producing results.
func (n *Notifier) NotifyFailure(ctx context.Context, inc *incident.Incident, state workflow.State, executionURL string) error {
	return n.post(ctx, inc, failureMessage(inc, state, executionURL))
}

func (n *Notifier) post(ctx context.Context, inc *incident.Incident, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "incident_id", inc.ID, "tenant_id", inc.TenantID)
	return nil
}

func analysisMessage(inc *incident.Incident, a *incident.Analysis, executionURL string) map[string]any {
	blocks := []map[string]any{
		headerBlock(fmt.Sprintf("%s Analysis Complete: %s", severityEmoji(inc.Severity), inc.Title)),
		{"type": "divider"},
		fieldsBlock(inc, executionURL),
		{"type": "divider"},
		textSection("Analysis", a.Analysis),
	}
	if a.Remediation != "" {
		blocks = append(blocks, textSection("Remediation", a.Remediation))
	}
	blocks = append(blocks,
		map[string]any{"type": "divider"},
		contextBlock(inc, a.UpdatedAt, string(a.Confidence)),
	)
	return map[string]any{"blocks": blocks}
}

func failureMessage(inc *incident.Incident, state workflow.State, executionURL string) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(fmt.Sprintf("\U0001f534 Analysis %s: %s", failureVerb(state), inc.Title)),
			{"type": "divider"},
			fieldsBlock(inc, executionURL),
			{"type": "divider"},
			textSection("Workflow", fmt.Sprintf("Execution ended in state `%s` without analysis results.", state)),
			{"type": "divider"},
			contextBlock(inc, time.Time{}, ""),
		},
	}
}

func failureVerb(state workflow.State) string {
	switch state {
	case workflow.StateTimedOut:
		return "Timed Out"
	case workflow.StateKilled:
		return "Cancelled"
	case workflow.StateUnknown:
		return "Unknown"
	default:
		return "Failed"
	}
}

func headerBlock(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(inc *incident.Incident, executionURL string) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", inc.Severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Service:* %s", inc.Service),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Source:* %s", inc.Source),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Tenant:* %s", inc.TenantID),
		},
	}
	if executionURL != "" {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Execution:* <%s|%s>", executionURL, inc.ExecutionID),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func textSection(title, body string) map[string]any {
	text := truncate(body, maxSectionLen)
	if text == "" {
		text = "_No " + title + " available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s*\n\n%s", title, text),
		},
	}
}

func contextBlock(inc *incident.Incident, ts time.Time, confidence string) map[string]any {
	if ts.IsZero() {
		ts = inc.UpdatedAt
	}
	text := fmt.Sprintf("beacon • incident %s • %s", inc.ID, ts.UTC().Format("2006-01-02 15:04 UTC"))
	if confidence != "" {
		text += " • confidence " + confidence
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func severityEmoji(s incident.Severity) string {
	switch s {
	case incident.SeverityCritical:
		return "\U0001f534" // red circle
	case incident.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case incident.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
