package alerter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/store"
	"github.com/heartline/alertd/internal/types"
)

// SuppressionFilter withholds delivery of alerts that would only add noise.
// Maintenance and cascade vetoes move an alert into the suppressed state;
// the duplicate veto only skips notifications for one occurrence.
type SuppressionFilter struct {
	log         zerolog.Logger
	store       store.AlertStore
	maintenance *Maintenance

	mu         sync.Mutex
	duplicates config.DuplicateRule
	parents    map[string][]config.CascadeRule // child metric -> rules naming it
	history    map[string][]time.Time          // alert id -> occurrence timestamps
}

// Occurrence is the duplicate window verdict for one raw event
type Occurrence struct {
	InWindow  int
	Duplicate bool
}

// NewSuppressionFilter creates a filter for rules
func NewSuppressionFilter(log zerolog.Logger, st store.AlertStore, maintenance *Maintenance, rules config.SuppressionConfig) *SuppressionFilter {
	f := &SuppressionFilter{
		log:         log.With().Str("component", "suppression").Logger(),
		store:       st,
		maintenance: maintenance,
		history:     make(map[string][]time.Time),
	}
	f.Apply(rules)
	return f
}

// Apply installs new rules. Occurrence history is kept.
func (f *SuppressionFilter) Apply(rules config.SuppressionConfig) {
	parents := make(map[string][]config.CascadeRule)
	for _, rule := range rules.Cascade {
		for _, child := range rule.Children {
			parents[child] = append(parents[child], rule)
		}
	}

	f.mu.Lock()
	f.duplicates = rules.Duplicates
	f.parents = parents
	f.mu.Unlock()
}

// RecordOccurrence records a breach of alertID at and reports whether the
// occurrence exceeds the duplicate budget of the sliding window.
func (f *SuppressionFilter) RecordOccurrence(alertID string, at time.Time) Occurrence {
	f.mu.Lock()
	defer f.mu.Unlock()

	rule := f.duplicates
	if !rule.IsEnabled() {
		return Occurrence{InWindow: 1}
	}
	cutoff := at.Add(-rule.TimeWindow)

	timestamps := f.history[alertID]
	pruned := make([]time.Time, 0, len(timestamps)+1)
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	pruned = append(pruned, at)
	f.history[alertID] = pruned

	occ := Occurrence{InWindow: len(pruned), Duplicate: len(pruned) > rule.MaxOccurrences}
	if occ.Duplicate {
		f.log.Debug().Str("alert_id", alertID).Int("occurrences", occ.InWindow).Msg("Duplicate occurrence")
	}
	return occ
}

// RepeatsNotify reports whether in-budget repeats send a repeat notice
func (f *SuppressionFilter) RepeatsNotify() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duplicates.RepeatsNotify()
}

// Forget drops the occurrence history of a resolved alert
func (f *SuppressionFilter) Forget(alertID string) {
	f.mu.Lock()
	delete(f.history, alertID)
	f.mu.Unlock()
}

// Check evaluates the maintenance and cascade rules for alert at now. Both
// rules are evaluated; the first veto found is reported with a detail
// naming the window or parent.
func (f *SuppressionFilter) Check(ctx context.Context, alert types.Alert, now time.Time) (types.SuppressionReason, string, error) {
	maintenance, inMaintenance := f.maintenance.Active(alert.MetricName, now)
	parent, cascaded, err := f.cascade(ctx, alert, now)
	if err != nil {
		return types.SuppressedNone, "", err
	}
	switch {
	case inMaintenance:
		return types.SuppressedMaintenance, maintenance, nil
	case cascaded:
		return types.SuppressedCascade, parent, nil
	}
	return types.SuppressedNone, "", nil
}

// cascade reports whether an unresolved parent alert raised less than the
// rule's delay ago covers alert
func (f *SuppressionFilter) cascade(ctx context.Context, alert types.Alert, now time.Time) (string, bool, error) {
	f.mu.Lock()
	rules := f.parents[alert.MetricName]
	f.mu.Unlock()

	for _, rule := range rules {
		if rule.ParentMetric == alert.MetricName {
			continue
		}
		parent, ok, err := f.store.Get(ctx, types.AlertID(rule.ParentMetric, types.RuleThreshold))
		if err != nil {
			return "", false, fmt.Errorf("looking up cascade parent %s: %w", rule.ParentMetric, err)
		}
		if !ok || !parent.Active() {
			continue
		}
		if now.Before(parent.FirstSeenAt.Add(rule.SuppressionDelay)) {
			return rule.ParentMetric, true, nil
		}
	}
	return "", false, nil
}

// Cleanup removes occurrence history older than the duplicate window
func (f *SuppressionFilter) Cleanup(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := now.Add(-f.duplicates.TimeWindow)
	for key, timestamps := range f.history {
		pruned := make([]time.Time, 0, len(timestamps))
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				pruned = append(pruned, ts)
			}
		}
		if len(pruned) == 0 {
			delete(f.history, key)
		} else {
			f.history[key] = pruned
		}
	}
}
