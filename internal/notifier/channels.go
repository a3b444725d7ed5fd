package notifier

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/heartline/alertd/internal/config"
)

// Sender delivers a formatted message through one provider
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFactory builds the sender of a configured channel
type SenderFactory func(name string, cfg config.ChannelConfig, client *http.Client) (Sender, error)

// NewSender builds the provider sender for a channel configuration
func NewSender(name string, cfg config.ChannelConfig, client *http.Client) (Sender, error) {
	switch cfg.Type {
	case config.ChannelWebhook:
		url := cfg.ResolveURL()
		if url == "" {
			return nil, fmt.Errorf("webhook url is required")
		}
		return NewWebhookSender(name, url, cfg.Headers, client), nil
	case config.ChannelSlack:
		url := cfg.ResolveURL()
		if url == "" {
			return nil, fmt.Errorf("slack webhook url is required")
		}
		return NewSlackSender(name, url, client), nil
	case config.ChannelTeams:
		url := cfg.ResolveURL()
		if url == "" {
			return nil, fmt.Errorf("teams webhook url is required")
		}
		return NewTeamsSender(name, url, client), nil
	case config.ChannelPagerDuty:
		key := os.Getenv(cfg.PagerDuty.IntegrationKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("pagerduty integration key is not set")
		}
		return NewPagerDutySender(name, cfg.ResolveURL(), key, client), nil
	case config.ChannelSMS:
		tw := cfg.Twilio
		token := os.Getenv(tw.AuthTokenEnv)
		if tw.AccountSID == "" || token == "" || tw.From == "" {
			return nil, fmt.Errorf("twilio account_sid, auth token and from are required")
		}
		return NewSMSSender(name, tw.BaseURL, tw.AccountSID, token, tw.From, cfg.Recipients, client), nil
	case config.ChannelEmail:
		sm := cfg.SMTP
		if sm.Host == "" || sm.From == "" {
			return nil, fmt.Errorf("smtp host and from are required")
		}
		password := ""
		if sm.PasswordEnv != "" {
			password = os.Getenv(sm.PasswordEnv)
		}
		return NewEmailSender(name, sm.Host, sm.Port, sm.Username, password, sm.From, sm.StartTLS, cfg.Recipients), nil
	}
	return nil, fmt.Errorf("unsupported channel type %q", cfg.Type)
}

// brokenSender stands in for a channel whose configuration is incomplete
type brokenSender struct {
	name string
	err  error
}

func (s brokenSender) Send(context.Context, Message) error {
	return &DeliveryError{Channel: s.name, Err: s.err}
}
