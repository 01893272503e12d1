package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/notifications"
)

// SlackConfig addresses a Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel,omitempty"`
	Username   string `json:"username,omitempty"`
	Filter
}

// SlackChannel posts notifications as colored attachments to a Slack
// incoming webhook.
type SlackChannel struct {
	cfg    SlackConfig
	client *http.Client
}

func NewSlackChannel(cfg SlackConfig) *SlackChannel {
	return &SlackChannel{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, n notifications.Notification) error {
	if c.cfg.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}
	if !c.cfg.pass(n) {
		return nil
	}

	fields := []map[string]any{
		{"title": "Kind", "value": string(n.Kind), "short": true},
		{"title": "Priority", "value": priorityLabel(n.Priority), "short": true},
	}
	if n.Target != "" {
		fields = append(fields, map[string]any{"title": "Agent", "value": n.Target, "short": true})
	}

	payload := map[string]any{
		"text": fmt.Sprintf("muxfleet: %s", n.Kind),
		"attachments": []map[string]any{
			{
				"color":  slackColor(n.Priority),
				"text":   n.Message,
				"fields": fields,
				"ts":     n.CreatedAt.Unix(),
			},
		},
	}
	if c.cfg.Channel != "" {
		payload["channel"] = c.cfg.Channel
	}
	if c.cfg.Username != "" {
		payload["username"] = c.cfg.Username
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

func slackColor(priority int) string {
	switch priority {
	case events.PriorityCritical:
		return "danger"
	case events.PriorityHigh:
		return "warning"
	default:
		return "good"
	}
}
