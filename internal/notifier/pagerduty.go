package notifier

import (
	"context"
	"net/http"
)

// DefaultPagerDutyURL is the Events API v2 endpoint
const DefaultPagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutySender triggers and resolves PagerDuty incidents. The alert id
// (or incident id) is the dedup key so a resolution closes the page it
// belongs to.
type PagerDutySender struct {
	name       string
	url        string
	routingKey string
	client     *http.Client
}

// NewPagerDutySender creates a PagerDuty sender
func NewPagerDutySender(name, url, routingKey string, client *http.Client) *PagerDutySender {
	if url == "" {
		url = DefaultPagerDutyURL
	}
	return &PagerDutySender{name: name, url: url, routingKey: routingKey, client: client}
}

type pdEvent struct {
	RoutingKey  string     `json:"routing_key"`
	EventAction string     `json:"event_action"`
	DedupKey    string     `json:"dedup_key"`
	Payload     *pdPayload `json:"payload,omitempty"`
}

type pdPayload struct {
	Summary       string            `json:"summary"`
	Source        string            `json:"source"`
	Severity      string            `json:"severity"`
	CustomDetails map[string]string `json:"custom_details,omitempty"`
}

// Send delivers msg
func (s *PagerDutySender) Send(ctx context.Context, msg Message) error {
	key := msg.AlertID
	if msg.GroupID != "" && msg.Kind == KindIncident {
		key = msg.GroupID
	}
	event := pdEvent{RoutingKey: s.routingKey, DedupKey: key}
	if msg.Resolved {
		event.EventAction = "resolve"
	} else {
		severity := "warning"
		if msg.Severity == "critical" {
			severity = "critical"
		}
		event.EventAction = "trigger"
		event.Payload = &pdPayload{
			Summary:       msg.Title,
			Source:        "alertd",
			Severity:      severity,
			CustomDetails: map[string]string{"details": msg.Body},
		}
	}
	return postJSON(ctx, s.client, s.name, s.url, nil, event)
}
