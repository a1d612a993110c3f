// Package notify delivers gate-open and run-terminal notifications to an
// external channel (Slack, Telegram, or any webhook-shaped receiver). The
// channel only displays the message and relays the human's click back to
// the decision endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client posts notification payloads to a configured webhook URL.
type Client struct {
	url    string
	client *http.Client
}

// NewClient creates a notification client. An empty URL disables delivery;
// every method becomes a no-op so callers need no nil checks.
func NewClient(url string) *Client {
	return &Client{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Enabled reports whether a notification URL is configured.
func (c *Client) Enabled() bool {
	return c.url != ""
}

// Post sends a JSON payload to the notification channel.
func (c *Client) Post(ctx context.Context, payload interface{}) error {
	if c.url == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification channel returned %d", resp.StatusCode)
	}
	return nil
}
