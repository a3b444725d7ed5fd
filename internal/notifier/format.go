package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/heartline/alertd/internal/types"
)

// Format renders a notification into a channel independent message
func Format(n Notification) Message {
	msg := Message{
		Severity:   n.Alert.Severity,
		Kind:       n.Kind,
		AlertID:    n.Alert.ID,
		Resolved:   n.Kind == KindResolution,
		Recipients: n.Recipients,
	}
	rule := ""
	if n.Group != nil {
		msg.GroupID = n.Group.ID
		rule = n.Group.RuleName
	}

	emoji := severityEmoji(n.Alert.Severity)
	switch {
	case n.Kind == KindResolution && n.Group != nil:
		msg.Title = fmt.Sprintf("🟢 RESOLVED INCIDENT %s: %d alerts", rule, len(n.Members))
	case n.Kind == KindResolution:
		msg.Title = fmt.Sprintf("🟢 RESOLVED: %s", n.Alert.MetricName)
	case n.Kind == KindRepeat:
		msg.Title = fmt.Sprintf("%s REPEAT (%dx): %s", emoji, n.Alert.OccurrenceCount, n.Alert.MetricName)
	case n.Kind == KindIncident:
		msg.Title = fmt.Sprintf("%s INCIDENT %s: %d related alerts", emoji, rule, len(n.Members))
	default:
		msg.Title = fmt.Sprintf("%s %s: %s", emoji, strings.ToUpper(string(n.Alert.Severity)), n.Alert.MetricName)
	}

	var b strings.Builder
	if n.Group != nil && len(n.Members) > 0 {
		for _, m := range n.Members {
			fmt.Fprintf(&b, "- %s [%s] %s\n", m.ID, m.Severity, m.Message)
		}
	} else {
		writeAlert(&b, n.Alert)
	}
	if n.Step >= 0 && n.Kind != KindResolution {
		fmt.Fprintf(&b, "Escalation step: %d\n", n.Step+1)
	}
	msg.Body = strings.TrimRight(b.String(), "\n")
	return msg
}

func writeAlert(b *strings.Builder, a types.Alert) {
	if a.Message != "" {
		fmt.Fprintf(b, "%s\n\n", a.Message)
	}
	fmt.Fprintf(b, "Metric: %s\n", a.MetricName)
	fmt.Fprintf(b, "Value: %g\n", a.Value)
	fmt.Fprintf(b, "Severity: %s\n", a.Severity)
	if a.Category != "" {
		fmt.Fprintf(b, "Category: %s\n", a.Category)
	}
	fmt.Fprintf(b, "First seen: %s\n", a.FirstSeenAt.Format(time.RFC3339))
	if a.OccurrenceCount > 1 {
		fmt.Fprintf(b, "Occurrences: %d\n", a.OccurrenceCount)
	}
	if a.CorrelationGroupID != "" {
		fmt.Fprintf(b, "Incident: %s\n", a.CorrelationGroupID)
	}
	if a.ResolvedAt != nil {
		fmt.Fprintf(b, "Resolved at: %s\n", a.ResolvedAt.Format(time.RFC3339))
	}
}

func severityEmoji(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "🔴"
	case types.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// Text joins title and body for plain text channels
func (m Message) Text() string {
	if m.Body == "" {
		return m.Title
	}
	return m.Title + "\n\n" + m.Body
}
