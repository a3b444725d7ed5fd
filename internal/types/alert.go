package types

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Severity of an alert
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so upgrades can be detected.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AlertState is a node of the alert state machine
type AlertState string

const (
	StateRaised       AlertState = "raised"
	StateCorrelated   AlertState = "correlated"
	StateSuppressed   AlertState = "suppressed"
	StateEscalating   AlertState = "escalating"
	StateAcknowledged AlertState = "acknowledged"
	StateResolved     AlertState = "resolved"
)

// SuppressionReason records why delivery of an alert was withheld
type SuppressionReason string

const (
	SuppressedNone        SuppressionReason = ""
	SuppressedDuplicate   SuppressionReason = "duplicate"
	SuppressedMaintenance SuppressionReason = "maintenance"
	SuppressedCascade     SuppressionReason = "cascade"
)

// Alert rules. An alert id is derived from the metric and the rule, never
// from the occurrence.
const (
	RuleThreshold = "threshold"
	RuleStale     = "stale"
)

// ErrStateViolation is returned for an edge the state machine does not have.
var ErrStateViolation = errors.New("alert state violation")

var transitions = map[AlertState]map[AlertState]bool{
	StateRaised: {
		StateCorrelated:   true,
		StateSuppressed:   true,
		StateEscalating:   true,
		StateAcknowledged: true,
		StateResolved:     true,
	},
	StateCorrelated: {
		StateSuppressed:   true,
		StateEscalating:   true,
		StateAcknowledged: true,
		StateResolved:     true,
	},
	StateSuppressed: {
		StateCorrelated: true,
		StateEscalating: true,
		StateResolved:   true,
	},
	StateEscalating: {
		StateSuppressed:   true,
		StateAcknowledged: true,
		StateResolved:     true,
	},
	StateAcknowledged: {
		StateResolved: true,
	},
	StateResolved: {},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Staying in the same non-terminal state is always allowed.
func CanTransition(from, to AlertState) bool {
	if from == to {
		return from != StateResolved
	}
	return transitions[from][to]
}

// CheckTransition wraps ErrStateViolation with the offending edge.
func CheckTransition(id string, from, to AlertState) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: alert %s %s -> %s", ErrStateViolation, id, from, to)
}

// MetricSample is a single observation produced by a metric source
type MetricSample struct {
	MetricName string    `json:"metric"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// Alert represents the lifecycle of one metric breaching one rule
type Alert struct {
	ID                  string            `json:"id"`
	MetricName          string            `json:"metric"`
	Rule                string            `json:"rule"`
	Category            string            `json:"category"`
	Severity            Severity          `json:"severity"`
	State               AlertState        `json:"state"`
	Value               float64           `json:"value"`
	Message             string            `json:"message"`
	FirstSeenAt         time.Time         `json:"first_seen_at"`
	LastSeenAt          time.Time         `json:"last_seen_at"`
	OccurrenceCount     int               `json:"occurrence_count"`
	CorrelationGroupID  string            `json:"correlation_group_id,omitempty"`
	EscalationStepIndex int               `json:"escalation_step_index"`
	SuppressedBy        SuppressionReason `json:"suppressed_by,omitempty"`
	Delivered           bool              `json:"delivered"`
	AcknowledgedBy      string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt      *time.Time        `json:"acknowledged_at,omitempty"`
	ResolvedAt          *time.Time        `json:"resolved_at,omitempty"`
}

// AlertID builds the stable identity of an alert
func AlertID(metric, rule string) string {
	return metric + ":" + rule
}

// Active reports whether the alert has not been resolved yet
func (a Alert) Active() bool {
	return a.State != StateResolved
}

// GroupState of a correlation group
type GroupState string

const (
	GroupOpen     GroupState = "open"
	GroupExpired  GroupState = "expired"
	GroupResolved GroupState = "resolved"
)

// CorrelationGroup is an incident: alerts judged to share a root cause
type CorrelationGroup struct {
	ID              string          `json:"id"`
	RuleName        string          `json:"rule"`
	State           GroupState      `json:"state"`
	TimeWindowStart time.Time       `json:"time_window_start"`
	TimeWindow      time.Duration   `json:"time_window"`
	MemberAlertIDs  map[string]bool `json:"members"`
	Score           float64         `json:"score"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// Members returns the member ids in a stable order
func (g CorrelationGroup) Members() []string {
	ids := make([]string, 0, len(g.MemberAlertIDs))
	for id := range g.MemberAlertIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a copy that does not share the member set
func (g CorrelationGroup) Clone() CorrelationGroup {
	members := make(map[string]bool, len(g.MemberAlertIDs))
	for id := range g.MemberAlertIDs {
		members[id] = true
	}
	g.MemberAlertIDs = members
	return g
}

// EventKind of a raw evaluation result
type EventKind string

const (
	EventFiring   EventKind = "firing"
	EventResolved EventKind = "resolved"
)

// AlertEvent is a raw evaluation result for one metric and rule
type AlertEvent struct {
	Kind       EventKind `json:"kind"`
	MetricName string    `json:"metric"`
	Rule       string    `json:"rule"`
	Category   string    `json:"category,omitempty"`
	Severity   Severity  `json:"severity,omitempty"`
	Value      float64   `json:"value"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// AlertID returns the id of the alert the event belongs to
func (e AlertEvent) AlertID() string {
	return AlertID(e.MetricName, e.Rule)
}
