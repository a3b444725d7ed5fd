package notifier

import (
	"context"
	"net/http"
)

// WebhookSender posts a generic JSON document to a URL
type WebhookSender struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSender creates a webhook sender
func NewWebhookSender(name, url string, headers map[string]string, client *http.Client) *WebhookSender {
	return &WebhookSender{name: name, url: url, headers: headers, client: client}
}

type webhookPayload struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Format   string `json:"format"`
	Severity string `json:"severity"`
	Kind     string `json:"kind"`
	AlertID  string `json:"alert_id,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	Resolved bool   `json:"resolved"`
}

// Send delivers msg
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	return postJSON(ctx, s.client, s.name, s.url, s.headers, webhookPayload{
		Title:    msg.Title,
		Body:     msg.Body,
		Format:   "text",
		Severity: string(msg.Severity),
		Kind:     string(msg.Kind),
		AlertID:  msg.AlertID,
		GroupID:  msg.GroupID,
		Resolved: msg.Resolved,
	})
}
