package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bluewave-labs/flagwise/internal/models"
)

// Channel defines the interface for alert notification delivery.
type Channel interface {
	Send(ctx context.Context, rec *models.EnrichedRecord) error
	Type() string
	Recipient() string
}

// WebhookChannel posts a flat JSON alert to an arbitrary HTTP endpoint.
type WebhookChannel struct {
	URL     string
	Timeout time.Duration
	client  *http.Client
}

// NewWebhookChannel creates a generic webhook notification channel.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (w *WebhookChannel) Type() string {
	return "webhook"
}

func (w *WebhookChannel) Recipient() string {
	return w.URL
}

func (w *WebhookChannel) Send(ctx context.Context, rec *models.EnrichedRecord) error {
	payload := map[string]interface{}{
		"request_id":  rec.ID.String(),
		"risk_score":  rec.RiskScore,
		"flag_reason": rec.FlagReason,
		"src_ip":      rec.SrcIP,
		"provider":    rec.Provider,
		"model":       rec.Model,
		"timestamp":   rec.Timestamp.UTC().Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Flagwise-Consumer/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// SlackChannel sends rich alert messages to a Slack incoming webhook.
type SlackChannel struct {
	WebhookURL    string
	Timeout       time.Duration
	PreviewLength int
	DashboardURL  string
	client        *http.Client
}

// NewSlackChannel creates a Slack notification channel. previewLength bounds
// how much of the prompt is quoted in the message; dashboardURL is the base
// for the per-request deep link.
func NewSlackChannel(webhookURL string, timeout time.Duration, previewLength int, dashboardURL string) *SlackChannel {
	return &SlackChannel{
		WebhookURL:    webhookURL,
		Timeout:       timeout,
		PreviewLength: previewLength,
		DashboardURL:  dashboardURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *SlackChannel) Type() string {
	return "slack"
}

func (s *SlackChannel) Recipient() string {
	return "slack_webhook"
}

func (s *SlackChannel) Send(ctx context.Context, rec *models.EnrichedRecord) error {
	jsonData, err := json.Marshal(s.buildPayload(rec))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack returned status %d: %s", resp.StatusCode, body)
	}

	return nil
}

func (s *SlackChannel) buildPayload(rec *models.EnrichedRecord) map[string]interface{} {
	preview := rec.Prompt
	if len(preview) > s.PreviewLength {
		preview = preview[:s.PreviewLength] + "..."
	}

	reason := rec.FlagReason
	if reason == "" {
		reason = "Unknown"
	}

	emoji, color := riskDisplay(rec.RiskScore)
	dashboardLink := fmt.Sprintf("%s/requests/%s", s.DashboardURL, rec.ID)

	return map[string]interface{}{
		"text": fmt.Sprintf("🚨 Shadow AI Alert: High-risk LLM request detected (Risk Score: %d)", rec.RiskScore),
		"attachments": []map[string]interface{}{
			{
				"color": color,
				"blocks": []map[string]interface{}{
					{
						"type": "header",
						"text": map[string]interface{}{
							"type":  "plain_text",
							"text":  fmt.Sprintf("%s Shadow AI Security Alert", emoji),
							"emoji": true,
						},
					},
					{
						"type": "section",
						"fields": []map[string]interface{}{
							{"type": "mrkdwn", "text": fmt.Sprintf("*Risk Score:* %d/100", rec.RiskScore)},
							{"type": "mrkdwn", "text": fmt.Sprintf("*Source IP:* %s", rec.SrcIP)},
							{"type": "mrkdwn", "text": fmt.Sprintf("*Provider:* %s", rec.Provider)},
							{"type": "mrkdwn", "text": fmt.Sprintf("*Model:* %s", rec.Model)},
						},
					},
					{
						"type": "section",
						"text": map[string]interface{}{
							"type": "mrkdwn",
							"text": fmt.Sprintf("*Triggered Rules:* %s", reason),
						},
					},
					{
						"type": "section",
						"text": map[string]interface{}{
							"type": "mrkdwn",
							"text": fmt.Sprintf("*Prompt Preview:*\n```%s```", preview),
						},
					},
					{
						"type": "section",
						"text": map[string]interface{}{
							"type": "mrkdwn",
							"text": fmt.Sprintf("*Timestamp:* %s", rec.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")),
						},
					},
					{
						"type": "actions",
						"elements": []map[string]interface{}{
							{
								"type": "button",
								"text": map[string]interface{}{
									"type":  "plain_text",
									"text":  "View Details",
									"emoji": true,
								},
								"url":   dashboardLink,
								"style": "primary",
							},
						},
					},
				},
			},
		},
	}
}

// riskDisplay maps a risk score to the message emoji and attachment color.
func riskDisplay(score int) (string, string) {
	switch {
	case score >= 80:
		return "🔴", "danger"
	case score >= 60:
		return "🟠", "warning"
	case score >= 40:
		return "🟡", "#ffcc00"
	default:
		return "🟢", "good"
	}
}
