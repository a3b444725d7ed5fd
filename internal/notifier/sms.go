package notifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// DefaultTwilioURL is the Twilio REST API base
const DefaultTwilioURL = "https://api.twilio.com"

const maxSMSLength = 1600

// SMSSender sends text messages through the Twilio REST API, one request
// per recipient
type SMSSender struct {
	name       string
	baseURL    string
	accountSID string
	authToken  string
	from       string
	recipients []string
	client     *http.Client
}

// NewSMSSender creates a Twilio sender
func NewSMSSender(name, baseURL, accountSID, authToken, from string, recipients []string, client *http.Client) *SMSSender {
	if baseURL == "" {
		baseURL = DefaultTwilioURL
	}
	return &SMSSender{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		recipients: recipients,
		client:     client,
	}
}

// Send delivers msg to every recipient. The failure is transient if any
// recipient failed transiently.
func (s *SMSSender) Send(ctx context.Context, msg Message) error {
	to := mergeRecipients(s.recipients, msg.Recipients)
	if len(to) == 0 {
		return &DeliveryError{Channel: s.name, Err: fmt.Errorf("no recipients")}
	}
	body := msg.Title
	if msg.Body != "" {
		body += "\n" + msg.Body
	}
	if len(body) > maxSMSLength {
		body = body[:maxSMSLength]
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, url.PathEscape(s.accountSID))
	var errs *multierror.Error
	transient := false
	for _, number := range to {
		form := url.Values{"To": {number}, "From": {s.from}, "Body": {body}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return &DeliveryError{Channel: s.name, Err: fmt.Errorf("failed to create request: %w", err)}
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(s.accountSID, s.authToken)
		if err := do(s.client, s.name, req); err != nil {
			transient = transient || IsTransient(err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", number, err))
		}
	}
	if errs.ErrorOrNil() == nil {
		return nil
	}
	return &DeliveryError{Channel: s.name, Transient: transient, Err: errs}
}

// mergeRecipients appends extra to base without duplicates
func mergeRecipients(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, r := range list {
			if r == "" || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
