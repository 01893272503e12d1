package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/muxfleet/muxfleet/internal/events"
)

// WebhookConfig filters and addresses the webhook channel.
type WebhookConfig struct {
	URL         string        `json:"url"`
	MinPriority int           `json:"min_priority,omitempty"`
	Kinds       []events.Kind `json:"kinds,omitempty"`
}

// WebhookChannel POSTs notifications as JSON to an external endpoint.
type WebhookChannel struct {
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhookChannel(cfg WebhookConfig) *WebhookChannel {
	return &WebhookChannel{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	if !c.matches(n) {
		return nil
	}

	payload := map[string]any{
		"kind":       string(n.Kind),
		"target":     n.Target,
		"recipient":  n.Recipient.String(),
		"message":    n.Message,
		"priority":   n.Priority,
		"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// matches applies the priority floor and kind filter. Priority 1 is the
// most urgent, so higher numbers fall below the floor.
func (c *WebhookChannel) matches(n Notification) bool {
	if c.cfg.MinPriority > 0 && n.Priority > c.cfg.MinPriority {
		return false
	}
	if len(c.cfg.Kinds) == 0 {
		return true
	}
	for _, k := range c.cfg.Kinds {
		if n.Kind == k {
			return true
		}
	}
	return false
}
