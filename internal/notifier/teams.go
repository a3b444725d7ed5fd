package notifier

import (
	"context"
	"net/http"
	"strings"

	"github.com/heartline/alertd/internal/types"
)

// TeamsSender posts a MessageCard to a Microsoft Teams webhook
type TeamsSender struct {
	name   string
	url    string
	client *http.Client
}

// NewTeamsSender creates a Teams sender
func NewTeamsSender(name, url string, client *http.Client) *TeamsSender {
	return &TeamsSender{name: name, url: url, client: client}
}

type messageCard struct {
	Type       string `json:"@type"`
	Context    string `json:"@context"`
	ThemeColor string `json:"themeColor"`
	Summary    string `json:"summary"`
	Title      string `json:"title"`
	Text       string `json:"text"`
}

// Send delivers msg
func (s *TeamsSender) Send(ctx context.Context, msg Message) error {
	color := "FFA500"
	switch {
	case msg.Resolved:
		color = "2EB886"
	case msg.Severity == types.SeverityCritical:
		color = "D40000"
	}
	return postJSON(ctx, s.client, s.name, s.url, nil, messageCard{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: color,
		Summary:    msg.Title,
		Title:      msg.Title,
		// Teams renders markdown; keep line breaks
		Text: strings.ReplaceAll(msg.Body, "\n", "  \n"),
	})
}
