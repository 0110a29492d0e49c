// Package notify pushes urgent alerts to an external webhook. Delivery is
// strictly best-effort: a dead webhook costs a log line, never a pipeline
// failure.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const requestTimeout = 5 * time.Second

// Notification is the webhook payload.
type Notification struct {
	Tier  int    `json:"tier"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

// Webhook delivers notifications via HTTP POST. A zero URL disables it.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a Webhook sink. An empty url yields a disabled sink
// whose Send is a no-op.
func NewWebhook(url string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

// Enabled reports whether a webhook URL is configured.
func (w *Webhook) Enabled() bool { return w.url != "" }

// Send posts n to the webhook. Errors are returned for observability but
// callers treat them as advisory.
func (w *Webhook) Send(ctx context.Context, n Notification) error {
	if !w.Enabled() {
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook delivery failed", "tier", n.Tier, "error", err)
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.logger.Warn("webhook rejected notification",
			"tier", n.Tier, "status", resp.StatusCode)
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("notification delivered", "tier", n.Tier, "title", n.Title)
	return nil
}
