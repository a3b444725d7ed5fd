package notifier

import (
	"errors"
	"fmt"

	"github.com/heartline/alertd/internal/types"
)

// Kind of notification
type Kind string

const (
	KindAlert      Kind = "alert"
	KindRepeat     Kind = "repeat"
	KindResolution Kind = "resolution"
	KindIncident   Kind = "incident"
)

// Outcome of one dispatch attempt
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeFiltered    Outcome = "filtered"
	OutcomeRateLimited Outcome = "rate-limited"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeDryRun      Outcome = "dry-run"
)

// Notification is what the engine asks to deliver
type Notification struct {
	Kind  Kind
	Alert types.Alert
	// Group and Members are set for incident notifications
	Group   *types.CorrelationGroup
	Members []types.Alert
	// Step is the escalation step index, -1 outside escalation
	Step int
	// Recipients are added to the channel's own recipients
	Recipients []string
}

// Message is a notification formatted for delivery
type Message struct {
	Title      string
	Body       string
	Severity   types.Severity
	Kind       Kind
	AlertID    string
	GroupID    string
	Resolved   bool
	Recipients []string
}

// Result describes what happened to one send
type Result struct {
	Channel  string
	Outcome  Outcome
	Attempts int
	Err      error
}

// DeliveryError is returned by senders for a failed delivery
type DeliveryError struct {
	Channel    string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failed with status %d: %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Transient
	}
	return false
}
