package alerter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/store"
	"github.com/heartline/alertd/internal/types"
)

// CorrelationEngine groups alerts of related metrics into incidents. It
// tracks which group each alert belongs to and which incident notices were
// already sent, so that one incident produces one notice per step and
// channel instead of one per member.
type CorrelationEngine struct {
	log   zerolog.Logger
	store store.AlertStore
	newID func() string

	mu       sync.Mutex
	rules    []config.CorrelationRule
	open     map[string]string // rule name -> open group id
	groups   map[string]*trackedGroup
	assigned map[string]string // alert id -> group id
}

type trackedGroup struct {
	group   types.CorrelationGroup
	pending map[string]bool // unresolved members
	claims  map[claim]bool  // incident notices already sent
}

type claim struct {
	step    int
	channel string
	kind    string
}

type candidate struct {
	rule    config.CorrelationRule
	members []types.Alert
	score   float64
}

// NewCorrelationEngine creates a correlation engine for rules
func NewCorrelationEngine(log zerolog.Logger, st store.AlertStore, rules []config.CorrelationRule) *CorrelationEngine {
	return &CorrelationEngine{
		log:      log.With().Str("component", "correlation").Logger(),
		store:    st,
		newID:    uuid.NewString,
		rules:    rules,
		open:     make(map[string]string),
		groups:   make(map[string]*trackedGroup),
		assigned: make(map[string]string),
	}
}

// Apply installs new rules. Groups already formed keep running.
func (c *CorrelationEngine) Apply(rules []config.CorrelationRule) {
	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
}

// Restore rebuilds the tracking state from the store after a restart
func (c *CorrelationEngine) Restore(ctx context.Context) error {
	groups, err := c.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("listing groups: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range groups {
		if g.State == types.GroupResolved {
			continue
		}
		tg := &trackedGroup{group: g.Clone(), pending: make(map[string]bool), claims: make(map[claim]bool)}
		for _, id := range g.Members() {
			a, ok, err := c.store.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("loading member %s: %w", id, err)
			}
			if ok && a.Active() {
				tg.pending[id] = true
				c.assigned[id] = g.ID
			}
		}
		c.groups[g.ID] = tg
		if g.State == types.GroupOpen {
			c.open[g.RuleName] = g.ID
		}
	}
	c.log.Info().Int("groups", len(c.groups)).Msg("Correlation state restored")
	return nil
}

// Evaluate runs the rules naming alert's metric. It returns the group the
// alert belongs to after evaluation (nil if none) and the ids of other
// alerts newly tagged with it.
func (c *CorrelationEngine) Evaluate(ctx context.Context, alert types.Alert, now time.Time) (*types.CorrelationGroup, []string, error) {
	if alert.Rule != types.RuleThreshold {
		return nil, nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gid, ok := c.assigned[alert.ID]; ok {
		if tg, ok := c.groups[gid]; ok {
			g := tg.group.Clone()
			return &g, nil, nil
		}
	}
	if err := c.expireLocked(ctx, now); err != nil {
		return nil, nil, err
	}

	var candidates []candidate
	for _, rule := range c.rules {
		if !containsMetric(rule.Metrics, alert.MetricName) {
			continue
		}
		cand, err := c.qualify(ctx, rule, alert, now)
		if err != nil {
			return nil, nil, err
		}
		if cand.score >= rule.Threshold {
			candidates = append(candidates, cand)
		}
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i].rule.Metrics) != len(candidates[j].rule.Metrics) {
			return len(candidates[i].rule.Metrics) > len(candidates[j].rule.Metrics)
		}
		return candidates[i].rule.Name < candidates[j].rule.Name
	})
	best := candidates[0]

	tg, ok := c.groups[c.open[best.rule.Name]]
	if !ok {
		tg = &trackedGroup{
			group: types.CorrelationGroup{
				ID:              c.newID(),
				RuleName:        best.rule.Name,
				State:           types.GroupOpen,
				TimeWindowStart: now,
				TimeWindow:      best.rule.TimeWindow,
				MemberAlertIDs:  make(map[string]bool),
				CreatedAt:       now,
			},
			pending: make(map[string]bool),
			claims:  make(map[claim]bool),
		}
	}

	var tagged []string
	for _, member := range best.members {
		if _, taken := c.assigned[member.ID]; taken {
			continue
		}
		tg.group.MemberAlertIDs[member.ID] = true
		tg.pending[member.ID] = true
		if member.ID != alert.ID {
			tagged = append(tagged, member.ID)
		}
	}
	tg.group.TimeWindowStart = now
	tg.group.Score = best.score

	if err := c.store.UpsertGroup(ctx, tg.group.Clone()); err != nil {
		return nil, nil, fmt.Errorf("saving group %s: %w", tg.group.ID, err)
	}
	for id := range tg.pending {
		c.assigned[id] = tg.group.ID
	}
	if !ok {
		c.groups[tg.group.ID] = tg
		c.open[best.rule.Name] = tg.group.ID
		c.log.Info().
			Str("group_id", tg.group.ID).
			Str("rule", best.rule.Name).
			Float64("score", best.score).
			Strs("members", tg.group.Members()).
			Msg("Incident opened")
	}

	g := tg.group.Clone()
	return &g, tagged, nil
}

// qualify collects the rule's metrics that have an unresolved threshold
// alert last seen within the rule's window
func (c *CorrelationEngine) qualify(ctx context.Context, rule config.CorrelationRule, trigger types.Alert, now time.Time) (candidate, error) {
	cand := candidate{rule: rule}
	for _, metric := range rule.Metrics {
		a := trigger
		if metric != trigger.MetricName {
			var (
				ok  bool
				err error
			)
			a, ok, err = c.store.Get(ctx, types.AlertID(metric, types.RuleThreshold))
			if err != nil {
				return cand, fmt.Errorf("loading alert for %s: %w", metric, err)
			}
			if !ok {
				continue
			}
		}
		if !a.Active() || now.Sub(a.LastSeenAt) > rule.TimeWindow {
			continue
		}
		cand.members = append(cand.members, a)
	}
	if len(rule.Metrics) > 0 {
		cand.score = float64(len(cand.members)) / float64(len(rule.Metrics))
	}
	return cand, nil
}

// Expire closes open groups whose window elapsed without a new member
func (c *CorrelationEngine) Expire(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expireLocked(ctx, now)
}

func (c *CorrelationEngine) expireLocked(ctx context.Context, now time.Time) error {
	for rule, gid := range c.open {
		tg := c.groups[gid]
		if now.Before(tg.group.TimeWindowStart.Add(tg.group.TimeWindow)) {
			continue
		}
		tg.group.State = types.GroupExpired
		if err := c.store.UpsertGroup(ctx, tg.group.Clone()); err != nil {
			return fmt.Errorf("expiring group %s: %w", gid, err)
		}
		delete(c.open, rule)
		c.log.Debug().Str("group_id", gid).Str("rule", rule).Msg("Incident window expired")
	}
	return nil
}

// MemberResolved records that alertID resolved. When it was the last
// unresolved member the group is resolved and returned together with the
// channels that received an incident notice for it.
func (c *CorrelationEngine) MemberResolved(ctx context.Context, alertID string, now time.Time) (*types.CorrelationGroup, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gid, ok := c.assigned[alertID]
	if !ok {
		return nil, nil, nil
	}
	delete(c.assigned, alertID)
	tg, ok := c.groups[gid]
	if !ok {
		return nil, nil, nil
	}
	delete(tg.pending, alertID)
	if len(tg.pending) > 0 {
		return nil, nil, nil
	}

	tg.group.State = types.GroupResolved
	tg.group.ResolvedAt = &now
	if err := c.store.UpsertGroup(ctx, tg.group.Clone()); err != nil {
		return nil, nil, fmt.Errorf("resolving group %s: %w", gid, err)
	}
	if c.open[tg.group.RuleName] == gid {
		delete(c.open, tg.group.RuleName)
	}
	delete(c.groups, gid)
	c.log.Info().Str("group_id", gid).Str("rule", tg.group.RuleName).Msg("Incident resolved")

	seen := make(map[string]bool)
	var channels []string
	for cl := range tg.claims {
		if !seen[cl.channel] {
			seen[cl.channel] = true
			channels = append(channels, cl.channel)
		}
	}
	sort.Strings(channels)

	g := tg.group.Clone()
	return &g, channels, nil
}

// Claim marks the incident notice (group, step, channel, kind) as sent.
// It returns false if it was already claimed.
func (c *CorrelationEngine) Claim(groupID string, step int, channel, kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	tg, ok := c.groups[groupID]
	if !ok {
		return false
	}
	key := claim{step: step, channel: channel, kind: kind}
	if tg.claims[key] {
		return false
	}
	tg.claims[key] = true
	return true
}

// Group returns a tracked unresolved group
func (c *CorrelationEngine) Group(groupID string) (types.CorrelationGroup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tg, ok := c.groups[groupID]
	if !ok {
		return types.CorrelationGroup{}, false
	}
	return tg.group.Clone(), true
}

// GroupOf returns the group id alertID is assigned to
func (c *CorrelationEngine) GroupOf(alertID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gid, ok := c.assigned[alertID]
	return gid, ok
}

// OpenCount returns the number of unresolved groups
func (c *CorrelationEngine) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

func containsMetric(metrics []string, metric string) bool {
	for _, m := range metrics {
		if m == metric {
			return true
		}
	}
	return false
}
