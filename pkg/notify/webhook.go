package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook POSTs notifications as JSON to a configured endpoint. Any status
// outside 2xx is an error.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a webhook notifier. An empty URL disables it.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Name() string  { return "webhook" }
func (w *Webhook) Enabled() bool { return w.url != "" }

type webhookPayload struct {
	RuleID              string  `json:"ruleId"`
	RuleName            string  `json:"ruleName"`
	PolicyID            string  `json:"policyId"`
	PolicyName          string  `json:"policyName"`
	CurrentDenyRate     float64 `json:"currentDenyRate"`
	ThresholdPercentage float64 `json:"thresholdPercentage"`
	WindowSeconds       int64   `json:"windowSeconds"`
	TotalRequests       int64   `json:"totalRequests"`
	DeniedRequests      int64   `json:"deniedRequests"`
	TriggeredAt         string  `json:"triggeredAt"`
	Severity            string  `json:"severity"`
	Test                bool    `json:"test"`
}

func (w *Webhook) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookPayload{
		RuleID:              n.RuleID.String(),
		RuleName:            n.RuleName,
		PolicyID:            n.PolicyID.String(),
		PolicyName:          n.PolicyName,
		CurrentDenyRate:     n.CurrentDenyRate,
		ThresholdPercentage: n.ThresholdPercentage,
		WindowSeconds:       n.WindowSeconds,
		TotalRequests:       n.TotalRequests,
		DeniedRequests:      n.DeniedRequests,
		TriggeredAt:         n.TriggeredAt.UTC().Format(time.RFC3339),
		Severity:            string(n.Severity),
		Test:                n.Test,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %s", resp.Status)
	}
	return nil
}
