// Package notify holds the outbound side-effect collaborators: the decision
// webhook for the workflow pipeline and the client-facing mailer. Both are
// fire-once and bounded by a timeout; the caller commits status first and
// treats any failure here as non-fatal.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DecisionPayload describes an operator decision for the workflow webhook.
type DecisionPayload struct {
	Action    string `json:"action"`
	ThreadID  string `json:"thread_id"`
	DealID    string `json:"deal_id"`
	AIReply   string `json:"ai_reply"`
	FromEmail string `json:"from_email"`
}

type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook builds a dispatcher for the given URL. An empty URL disables
// dispatch entirely.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) Enabled() bool {
	return w.url != ""
}

func (w *Webhook) Dispatch(ctx context.Context, payload DecisionPayload) error {
	if w.url == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
