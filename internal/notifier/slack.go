package notifier

import (
	"context"
	"net/http"
)

// SlackSender posts to a Slack incoming webhook
type SlackSender struct {
	name   string
	url    string
	client *http.Client
}

// NewSlackSender creates a Slack sender
func NewSlackSender(name, url string, client *http.Client) *SlackSender {
	return &SlackSender{name: name, url: url, client: client}
}

// Send delivers msg
func (s *SlackSender) Send(ctx context.Context, msg Message) error {
	return postJSON(ctx, s.client, s.name, s.url, nil, map[string]string{"text": msg.Text()})
}
