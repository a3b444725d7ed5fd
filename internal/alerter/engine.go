package alerter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/metrics"
	"github.com/heartline/alertd/internal/notifier"
	"github.com/heartline/alertd/internal/store"
	"github.com/heartline/alertd/internal/types"
)

const (
	defaultShards = 8
	shardQueue    = 256
	jobTimeout    = 30 * time.Second
)

var (
	// ErrAlertNotFound is returned for operator actions on unknown alerts
	ErrAlertNotFound = errors.New("alert not found")
	// ErrStopped is returned once the engine is shutting down
	ErrStopped = errors.New("engine stopped")
)

// Dispatcher delivers one notification through one channel
type Dispatcher interface {
	Send(ctx context.Context, channel string, n notifier.Notification) notifier.Result
}

type op int

const (
	opEvent op = iota
	opFire
	opAck
	opResolve
	opTag
	opResume
)

// job is one unit of work for the shard owning alertID
type job struct {
	op         op
	alertID    string
	event      types.AlertEvent
	step       int
	generation uint64
	user       string
	groupID    string
	done       chan error
}

// Engine manages the alert lifecycle. Work for an alert id is always
// handled by the same shard goroutine, so evaluation results, escalation
// fires and operator actions for one alert never interleave while
// unrelated alerts proceed in parallel.
type Engine struct {
	logger     zerolog.Logger
	store      store.AlertStore
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	now        func() time.Time

	cfg         atomic.Pointer[config.Config]
	maintenance *Maintenance
	suppression *SuppressionFilter
	correlation *CorrelationEngine
	scheduler   *Scheduler

	mu      sync.RWMutex
	stopped bool
	shards  []chan job
	workers sync.WaitGroup

	held sync.Map // alert id -> metric, suppressed by maintenance

	loopCancel    context.CancelFunc
	loops         sync.WaitGroup
	async         sync.WaitGroup
	sends         sync.WaitGroup
	deliverCtx    context.Context
	cancelDeliver context.CancelFunc
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithEngineMetrics records alert lifecycle metrics
func WithEngineMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithShards sets the number of shard goroutines
func WithShards(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.shards = make([]chan job, n)
		}
	}
}

// NewEngine creates a new alert engine
func NewEngine(cfg *config.Config, st store.AlertStore, dispatcher Dispatcher, logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		logger:     logger.With().Str("component", "engine").Logger(),
		store:      st,
		dispatcher: dispatcher,
		now:        time.Now,
		shards:     make([]chan job, defaultShards),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.Store(cfg)
	e.maintenance = NewMaintenance(logger, cfg.Maintenance)
	e.suppression = NewSuppressionFilter(logger, st, e.maintenance, cfg.Suppression)
	e.correlation = NewCorrelationEngine(logger, st, cfg.Correlation.Rules)
	e.scheduler = NewScheduler(logger, cfg.Intervals.EscalationTick, e.fire)
	e.scheduler.now = e.now
	e.deliverCtx, e.cancelDeliver = context.WithCancel(context.Background())
	for i := range e.shards {
		e.shards[i] = make(chan job, shardQueue)
	}
	return e
}

// Start restores state from the store and starts the shard workers, the
// escalation loop and the housekeeping loops.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.correlation.Restore(ctx); err != nil {
		return fmt.Errorf("restoring incidents: %w", err)
	}
	if err := e.restore(ctx); err != nil {
		return fmt.Errorf("restoring alerts: %w", err)
	}

	for _, ch := range e.shards {
		e.workers.Add(1)
		go e.work(ch)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel
	cfg := e.cfg.Load()
	e.loops.Add(3)
	go func() {
		defer e.loops.Done()
		e.scheduler.Run(loopCtx)
	}()
	go func() {
		defer e.loops.Done()
		e.every(loopCtx, cfg.Intervals.EscalationTick, e.sweep)
	}()
	go func() {
		defer e.loops.Done()
		e.every(loopCtx, cfg.Intervals.RetentionCleanup, e.purge)
	}()

	e.logger.Info().Int("shards", len(e.shards)).Msg("Alert engine started")
	return nil
}

// restore re-arms escalation runs and maintenance holds of alerts that
// survived a restart. Steps that came due while the process was down are
// skipped rather than sent late.
func (e *Engine) restore(ctx context.Context) error {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return err
	}
	cfg := e.cfg.Load()
	now := e.now()
	for _, a := range active {
		switch {
		case a.State == types.StateSuppressed && a.SuppressedBy == types.SuppressedMaintenance:
			e.held.Store(a.ID, a.MetricName)
		case a.State == types.StateEscalating:
			if name, policy, ok := policyFor(cfg, a); ok && len(policy.Steps) > 0 {
				e.scheduler.Start(a.ID, name, policy.Steps, a.FirstSeenAt, now)
			}
		}
	}
	return nil
}

func (e *Engine) every(ctx context.Context, interval time.Duration, fn func(context.Context, time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx, e.now())
		}
	}
}

// Stop cancels every escalation run, drains the shard queues and waits up
// to grace for in-flight notifications before dropping them.
func (e *Engine) Stop(grace time.Duration) {
	if e.loopCancel != nil {
		e.loopCancel()
	}
	e.loops.Wait()
	e.scheduler.Stop()

	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		for _, ch := range e.shards {
			close(ch)
		}
	}
	e.mu.Unlock()
	e.workers.Wait()
	e.async.Wait()

	done := make(chan struct{})
	go func() {
		e.sends.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warn().Dur("grace", grace).Msg("Dropping in-flight notifications at shutdown")
	}
	e.cancelDeliver()
	e.logger.Info().Msg("Alert engine stopped")
}

// Apply swaps in a reloaded configuration
func (e *Engine) Apply(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.maintenance.SetWindows(cfg.Maintenance)
	e.suppression.Apply(cfg.Suppression)
	e.correlation.Apply(cfg.Correlation.Rules)
	e.logger.Info().Msg("Alert engine configuration applied")
}

// Config returns the configuration in use
func (e *Engine) Config() *config.Config {
	return e.cfg.Load()
}

func (e *Engine) shardFor(alertID string) chan job {
	h := fnv.New32a()
	h.Write([]byte(alertID))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// enqueue hands j to its shard and returns the channel its result arrives on
func (e *Engine) enqueue(ctx context.Context, j job) (chan error, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return nil, ErrStopped
	}
	j.done = make(chan error, 1)
	select {
	case e.shardFor(j.alertID) <- j:
		return j.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) submit(ctx context.Context, j job) error {
	done, err := e.enqueue(ctx, j)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitAsync submits j without waiting for it
func (e *Engine) submitAsync(j job) {
	e.async.Add(1)
	go func() {
		defer e.async.Done()
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if err := e.submit(ctx, j); err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, types.ErrStateViolation) {
			e.logger.Error().Err(err).Str("alert_id", j.alertID).Msg("Background alert update failed")
		}
	}()
}

func (e *Engine) work(ch chan job) {
	defer e.workers.Done()
	for j := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		j.done <- e.handle(ctx, j)
		cancel()
	}
}

func (e *Engine) handle(ctx context.Context, j job) error {
	switch j.op {
	case opEvent:
		if j.event.Kind == types.EventResolved {
			return e.onResolved(ctx, j.event)
		}
		return e.onFiring(ctx, j.event)
	case opFire:
		return e.onFire(ctx, j.alertID, j.step, j.generation)
	case opAck:
		return e.onAck(ctx, j.alertID, j.user)
	case opResolve:
		return e.onManualResolve(ctx, j.alertID, j.user)
	case opTag:
		return e.onTag(ctx, j.alertID, j.groupID)
	case opResume:
		return e.onResume(ctx, j.alertID)
	}
	return fmt.Errorf("unknown job %d", j.op)
}

// ProcessBatch applies the events of one evaluation tick and waits until
// every event has been handled or ctx ends. Events of one alert are applied
// in order. Dropped state transitions are logged, not returned.
func (e *Engine) ProcessBatch(ctx context.Context, events []types.AlertEvent) error {
	pending := make([]chan error, 0, len(events))
	var errs *multierror.Error
	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = e.now()
		}
		done, err := e.enqueue(ctx, job{op: opEvent, alertID: ev.AlertID(), event: ev})
		if err != nil {
			return err
		}
		pending = append(pending, done)
	}
	for _, done := range pending {
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, types.ErrStateViolation) {
				errs = multierror.Append(errs, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.refreshGauges(ctx)
	return errs.ErrorOrNil()
}

// Acknowledge records an operator acknowledgement and stops escalation
func (e *Engine) Acknowledge(ctx context.Context, alertID, user string) error {
	return e.submit(ctx, job{op: opAck, alertID: alertID, user: user})
}

// Resolve resolves an alert by hand. The evaluator raises it again if the
// metric is still breaching.
func (e *Engine) Resolve(ctx context.Context, alertID, user string) error {
	return e.submit(ctx, job{op: opResolve, alertID: alertID, user: user})
}

// fire is the scheduler callback
func (e *Engine) fire(alertID string, step int, generation uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	err := e.submit(ctx, job{op: opFire, alertID: alertID, step: step, generation: generation})
	if err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, types.ErrStateViolation) {
		e.logger.Error().Err(err).Str("alert_id", alertID).Int("step", step).Msg("Escalation step failed")
	}
}

// save persists next if prev -> next.State is a valid edge and the stored
// state is still prev. An empty prev creates the record.
func (e *Engine) save(ctx context.Context, prev types.AlertState, next types.Alert) error {
	if prev != "" {
		if err := types.CheckTransition(next.ID, prev, next.State); err != nil {
			e.violation(err)
			return err
		}
	}
	ok, err := e.store.CompareAndSwap(ctx, next.ID, prev, next)
	if err != nil {
		return fmt.Errorf("saving alert %s: %w", next.ID, err)
	}
	if !ok {
		err := fmt.Errorf("%w: alert %s is no longer %q", types.ErrStateViolation, next.ID, prev)
		e.violation(err)
		return err
	}
	return nil
}

func (e *Engine) violation(err error) {
	e.metrics.Violation()
	e.logger.Error().Err(err).Msg("Dropping invalid alert transition")
}

func (e *Engine) onFiring(ctx context.Context, ev types.AlertEvent) error {
	id := ev.AlertID()
	now := ev.At

	cur, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading alert %s: %w", id, err)
	}
	if ok && !cur.Active() {
		if err := e.store.Archive(ctx, id); err != nil {
			return fmt.Errorf("archiving alert %s: %w", id, err)
		}
		ok = false
	}

	if !ok {
		alert := types.Alert{
			ID:              id,
			MetricName:      ev.MetricName,
			Rule:            ev.Rule,
			Category:        ev.Category,
			Severity:        ev.Severity,
			State:           types.StateRaised,
			Value:           ev.Value,
			Message:         ev.Message,
			FirstSeenAt:     now,
			LastSeenAt:      now,
			OccurrenceCount: 1,
		}
		if err := e.save(ctx, "", alert); err != nil {
			return err
		}
		e.suppression.RecordOccurrence(id, now)
		e.metrics.Raised(ev.Rule, string(ev.Severity))
		e.logger.Info().
			Str("alert_id", id).
			Str("severity", string(ev.Severity)).
			Float64("value", ev.Value).
			Msg("Alert raised")
		return e.advance(ctx, alert, now)
	}

	prev := cur.State
	upgrade := ev.Severity.Rank() > cur.Severity.Rank()
	cur.Severity = ev.Severity
	cur.Value = ev.Value
	cur.Message = ev.Message
	cur.LastSeenAt = now
	cur.OccurrenceCount++
	if ev.Category != "" {
		cur.Category = ev.Category
	}
	occ := e.suppression.RecordOccurrence(id, now)
	if err := e.save(ctx, prev, cur); err != nil {
		return err
	}

	switch cur.State {
	case types.StateRaised, types.StateCorrelated, types.StateSuppressed:
		return e.advance(ctx, cur, now)
	case types.StateEscalating:
		held, err := e.hold(ctx, cur, now)
		if err != nil || held {
			return err
		}
		if upgrade {
			e.logger.Warn().Str("alert_id", id).Str("severity", string(cur.Severity)).Msg("Alert severity upgraded, restarting escalation")
			return e.escalate(ctx, cur, now)
		}
		if occ.Duplicate {
			e.metrics.Suppressed(string(types.SuppressedDuplicate))
			return nil
		}
		if cur.Delivered && e.suppression.RepeatsNotify() && hasSteps(e.cfg.Load(), cur) {
			e.notifyChannels(cur, routingFor(e.cfg.Load(), cur.Severity), notifier.KindRepeat, -1)
		}
	}
	return nil
}

// hold moves an escalating alert back to suppressed when a maintenance
// window or a cascade parent now covers it. Its run is cancelled; alerts
// held by maintenance resume from step 0 once the window ends.
func (e *Engine) hold(ctx context.Context, alert types.Alert, now time.Time) (bool, error) {
	reason, detail, err := e.suppression.Check(ctx, alert, now)
	if err != nil {
		return false, err
	}
	if reason == types.SuppressedNone {
		return false, nil
	}
	e.scheduler.Cancel(alert.ID)
	alert.State = types.StateSuppressed
	alert.SuppressedBy = reason
	if err := e.save(ctx, types.StateEscalating, alert); err != nil {
		return false, err
	}
	if reason == types.SuppressedMaintenance {
		e.held.Store(alert.ID, alert.MetricName)
	}
	e.metrics.Suppressed(string(reason))
	e.logger.Info().
		Str("alert_id", alert.ID).
		Str("reason", string(reason)).
		Str("by", detail).
		Msg("Escalation halted, alert suppressed")
	return true, nil
}

// advance runs correlation and suppression for an alert that is not yet
// escalating and starts escalation if nothing vetoes it
func (e *Engine) advance(ctx context.Context, alert types.Alert, now time.Time) error {
	if alert.CorrelationGroupID == "" {
		group, tagged, err := e.correlation.Evaluate(ctx, alert, now)
		if err != nil {
			return err
		}
		if group != nil {
			prev := alert.State
			alert.CorrelationGroupID = group.ID
			if alert.State == types.StateRaised || alert.State == types.StateSuppressed {
				alert.State = types.StateCorrelated
			}
			if err := e.save(ctx, prev, alert); err != nil {
				return err
			}
			for _, id := range tagged {
				e.submitAsync(job{op: opTag, alertID: id, groupID: group.ID})
			}
		}
	}

	reason, detail, err := e.suppression.Check(ctx, alert, now)
	if err != nil {
		return err
	}
	if reason != types.SuppressedNone {
		if alert.State == types.StateSuppressed && alert.SuppressedBy == reason {
			return nil
		}
		prev := alert.State
		alert.State = types.StateSuppressed
		alert.SuppressedBy = reason
		if err := e.save(ctx, prev, alert); err != nil {
			return err
		}
		if reason == types.SuppressedMaintenance {
			e.held.Store(alert.ID, alert.MetricName)
		}
		e.metrics.Suppressed(string(reason))
		e.logger.Info().
			Str("alert_id", alert.ID).
			Str("reason", string(reason)).
			Str("by", detail).
			Msg("Alert suppressed")
		return nil
	}
	return e.escalate(ctx, alert, now)
}

// escalate moves alert into escalating, dispatches step 0 and schedules
// the rest of its policy. Without a policy the alert is notified once
// through severity routing.
func (e *Engine) escalate(ctx context.Context, alert types.Alert, now time.Time) error {
	prev := alert.State
	alert.State = types.StateEscalating
	alert.SuppressedBy = types.SuppressedNone
	alert.Delivered = true
	alert.EscalationStepIndex = 0
	if err := e.save(ctx, prev, alert); err != nil {
		return err
	}
	e.held.Delete(alert.ID)

	cfg := e.cfg.Load()
	name, policy, ok := policyFor(cfg, alert)
	if !ok || len(policy.Steps) == 0 {
		e.scheduler.Cancel(alert.ID)
		e.notifyChannels(alert, routingFor(cfg, alert.Severity), notifier.KindAlert, -1)
		return nil
	}

	e.dispatchStep(ctx, alert, policy.Steps[0], 0)
	gen := e.scheduler.Start(alert.ID, name, policy.Steps, alert.FirstSeenAt, now)
	e.logger.Info().
		Str("alert_id", alert.ID).
		Str("policy", name).
		Uint64("generation", gen).
		Msg("Escalation started")
	return nil
}

func (e *Engine) onFire(ctx context.Context, alertID string, step int, generation uint64) error {
	stepCfg, ok := e.scheduler.Step(alertID, generation, step)
	if !ok {
		e.logger.Debug().Str("alert_id", alertID).Int("step", step).Msg("Discarding superseded escalation step")
		return nil
	}
	cur, found, err := e.store.Get(ctx, alertID)
	if err != nil {
		return fmt.Errorf("loading alert %s: %w", alertID, err)
	}
	if !found || cur.State != types.StateEscalating {
		e.scheduler.Cancel(alertID)
		return nil
	}
	if held, err := e.hold(ctx, cur, e.now()); err != nil || held {
		return err
	}

	cur.EscalationStepIndex = step
	if err := e.save(ctx, types.StateEscalating, cur); err != nil {
		return err
	}
	e.logger.Warn().
		Str("alert_id", alertID).
		Int("step", step).
		Strs("channels", stepCfg.Channels).
		Bool("management", stepCfg.EscalateToManagement).
		Msg("Escalating unresolved alert")
	e.dispatchStep(ctx, cur, stepCfg, step)
	return nil
}

// dispatchStep sends one escalation step. Members of an incident share one
// incident notice per step and channel.
func (e *Engine) dispatchStep(ctx context.Context, alert types.Alert, step config.EscalationStep, index int) {
	cfg := e.cfg.Load()
	gid, _ := e.correlation.GroupOf(alert.ID)
	group, grouped := e.correlation.Group(gid)

	for _, ch := range step.Channels {
		n := notifier.Notification{Kind: notifier.KindAlert, Alert: alert, Step: index}
		if step.EscalateToManagement {
			n.Recipients = managementFor(cfg, ch)
		}
		if grouped {
			if !e.correlation.Claim(group.ID, index, ch, string(notifier.KindIncident)) {
				e.logger.Debug().Str("alert_id", alert.ID).Str("group_id", group.ID).Str("channel", ch).Msg("Incident notice already sent")
				continue
			}
			g := group
			n.Kind = notifier.KindIncident
			n.Group = &g
			n.Members = e.members(ctx, group)
		}
		e.deliver(ch, n)
	}
}

func (e *Engine) onResolved(ctx context.Context, ev types.AlertEvent) error {
	id := ev.AlertID()
	cur, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading alert %s: %w", id, err)
	}
	if !ok || !cur.Active() {
		return nil
	}
	return e.resolve(ctx, cur, ev.At, "")
}

func (e *Engine) onManualResolve(ctx context.Context, alertID, user string) error {
	cur, ok, err := e.store.Get(ctx, alertID)
	if err != nil {
		return fmt.Errorf("loading alert %s: %w", alertID, err)
	}
	if !ok {
		return ErrAlertNotFound
	}
	if !cur.Active() {
		return types.CheckTransition(alertID, cur.State, types.StateResolved)
	}
	return e.resolve(ctx, cur, e.now(), user)
}

// resolve closes alert, cancels its escalation and sends the resolution
// notices owed to whoever was told about it
func (e *Engine) resolve(ctx context.Context, alert types.Alert, now time.Time, user string) error {
	e.scheduler.Cancel(alert.ID)
	prev := alert.State
	alert.State = types.StateResolved
	alert.ResolvedAt = &now
	if err := e.save(ctx, prev, alert); err != nil {
		return err
	}
	e.held.Delete(alert.ID)
	e.suppression.Forget(alert.ID)
	e.metrics.Resolved(alert.Rule)
	event := e.logger.Info().Str("alert_id", alert.ID).Dur("duration", now.Sub(alert.FirstSeenAt))
	if user != "" {
		event = event.Str("user", user)
	}
	event.Msg("Alert resolved")

	_, grouped := e.correlation.GroupOf(alert.ID)
	group, channels, err := e.correlation.MemberResolved(ctx, alert.ID, now)
	if err != nil {
		return err
	}
	window, quiet := e.maintenance.Active(alert.MetricName, now)
	switch {
	case quiet:
		if alert.Delivered || group != nil {
			e.logger.Info().Str("alert_id", alert.ID).Str("window", window).Msg("Resolution notice withheld during maintenance")
		}
	case group != nil:
		if len(channels) == 0 && alert.Delivered {
			channels = resolutionChannels(e.cfg.Load(), alert)
		}
		members := e.members(ctx, *group)
		for _, ch := range channels {
			g := *group
			e.deliver(ch, notifier.Notification{Kind: notifier.KindResolution, Alert: alert, Group: &g, Members: members, Step: -1})
		}
	case grouped:
		// the incident resolution covers it
	case alert.Delivered:
		e.notifyChannels(alert, resolutionChannels(e.cfg.Load(), alert), notifier.KindResolution, -1)
	}
	return nil
}

func (e *Engine) onAck(ctx context.Context, alertID, user string) error {
	cur, ok, err := e.store.Get(ctx, alertID)
	if err != nil {
		return fmt.Errorf("loading alert %s: %w", alertID, err)
	}
	if !ok {
		return ErrAlertNotFound
	}
	prev := cur.State
	now := e.now()
	cur.State = types.StateAcknowledged
	cur.AcknowledgedBy = user
	cur.AcknowledgedAt = &now
	if err := e.save(ctx, prev, cur); err != nil {
		return err
	}
	e.scheduler.Cancel(alertID)
	e.logger.Info().Str("alert_id", alertID).Str("user", user).Msg("Alert acknowledged")
	return nil
}

func (e *Engine) onTag(ctx context.Context, alertID, groupID string) error {
	cur, ok, err := e.store.Get(ctx, alertID)
	if err != nil {
		return fmt.Errorf("loading alert %s: %w", alertID, err)
	}
	if !ok || !cur.Active() || cur.CorrelationGroupID != "" {
		return nil
	}
	prev := cur.State
	cur.CorrelationGroupID = groupID
	if cur.State == types.StateRaised {
		cur.State = types.StateCorrelated
	}
	return e.save(ctx, prev, cur)
}

// onResume re-runs suppression for an alert held by a maintenance window
// that has ended; escalation starts again from step 0
func (e *Engine) onResume(ctx context.Context, alertID string) error {
	cur, ok, err := e.store.Get(ctx, alertID)
	if err != nil {
		return fmt.Errorf("loading alert %s: %w", alertID, err)
	}
	if !ok || cur.State != types.StateSuppressed || cur.SuppressedBy != types.SuppressedMaintenance {
		return nil
	}
	e.logger.Info().Str("alert_id", alertID).Msg("Maintenance ended, resuming escalation")
	cur.SuppressedBy = types.SuppressedNone
	return e.advance(ctx, cur, e.now())
}

// sweep releases alerts whose maintenance ended and expires idle incidents
func (e *Engine) sweep(ctx context.Context, now time.Time) {
	e.held.Range(func(key, value interface{}) bool {
		id, metric := key.(string), value.(string)
		if _, active := e.maintenance.Active(metric, now); !active {
			e.held.Delete(id)
			e.submitAsync(job{op: opResume, alertID: id})
		}
		return true
	})
	if err := e.correlation.Expire(ctx, now); err != nil {
		e.logger.Error().Err(err).Msg("Failed to expire incidents")
	}
	e.metrics.SetPending(e.scheduler.Pending())
}

// purge drops resolved records past retention
func (e *Engine) purge(ctx context.Context, now time.Time) {
	cutoff := now.Add(-e.cfg.Load().Retention.ResolvedAlerts)
	n, err := e.store.Purge(ctx, cutoff)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to purge resolved alerts")
		return
	}
	e.suppression.Cleanup(now)
	e.metrics.AddPurged(n)
	if n > 0 {
		e.logger.Info().Int("purged", n).Time("before", cutoff).Msg("Purged resolved records")
	}
}

func (e *Engine) refreshGauges(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return
	}
	e.metrics.SetActive(len(active), e.correlation.OpenCount())
	e.metrics.SetPending(e.scheduler.Pending())
}

// deliver sends n in the background; Stop waits for it within the grace
func (e *Engine) deliver(channel string, n notifier.Notification) {
	e.sends.Add(1)
	go func() {
		defer e.sends.Done()
		e.dispatcher.Send(e.deliverCtx, channel, n)
	}()
}

func (e *Engine) notifyChannels(alert types.Alert, channels []string, kind notifier.Kind, step int) {
	for _, ch := range channels {
		e.deliver(ch, notifier.Notification{Kind: kind, Alert: alert, Step: step})
	}
}

func (e *Engine) members(ctx context.Context, group types.CorrelationGroup) []types.Alert {
	members := make([]types.Alert, 0, len(group.MemberAlertIDs))
	for _, id := range group.Members() {
		a, ok, err := e.store.Get(ctx, id)
		if err != nil {
			e.logger.Warn().Err(err).Str("alert_id", id).Msg("Failed to load incident member")
			continue
		}
		if ok {
			members = append(members, a)
		}
	}
	return members
}

// policyFor looks up the escalation policy by category, then by severity
func policyFor(cfg *config.Config, alert types.Alert) (string, config.EscalationPolicy, bool) {
	if alert.Category != "" {
		if p, ok := cfg.Escalation.Policies[alert.Category]; ok {
			return alert.Category, p, true
		}
	}
	name := string(alert.Severity)
	p, ok := cfg.Escalation.Policies[name]
	return name, p, ok
}

// hasSteps reports whether alert escalates through a policy. Alerts
// without one are notified once and never repeat.
func hasSteps(cfg *config.Config, alert types.Alert) bool {
	_, policy, ok := policyFor(cfg, alert)
	return ok && len(policy.Steps) > 0
}

// routingFor returns the channels for a severity, falling back to "default"
func routingFor(cfg *config.Config, severity types.Severity) []string {
	if channels, ok := cfg.Notifications.Routing[string(severity)]; ok {
		return channels
	}
	return cfg.Notifications.Routing["default"]
}

// managementFor returns the management contacts for a channel, keyed by
// channel name or channel type
func managementFor(cfg *config.Config, channel string) []string {
	if contacts, ok := cfg.Notifications.Management[channel]; ok {
		return contacts
	}
	if ch, ok := cfg.Notifications.Channels[channel]; ok {
		return cfg.Notifications.Management[ch.Type]
	}
	return nil
}

// resolutionChannels returns every channel the alert was escalated to so
// far, or its severity routing when it had no policy
func resolutionChannels(cfg *config.Config, alert types.Alert) []string {
	_, policy, ok := policyFor(cfg, alert)
	if !ok || len(policy.Steps) == 0 {
		return routingFor(cfg, alert.Severity)
	}
	seen := make(map[string]bool)
	var out []string
	for i, step := range policy.Steps {
		if i > alert.EscalationStepIndex {
			break
		}
		for _, ch := range step.Channels {
			if !seen[ch] {
				seen[ch] = true
				out = append(out, ch)
			}
		}
	}
	return out
}

// Maintenance returns the maintenance tracker
func (e *Engine) Maintenance() *Maintenance {
	return e.maintenance
}

// Runs returns the active escalation runs
func (e *Engine) Runs() []Run {
	return e.scheduler.Runs()
}

// ActiveAlerts returns the unresolved alerts
func (e *Engine) ActiveAlerts(ctx context.Context) ([]types.Alert, error) {
	return e.store.ListActive(ctx)
}

// Alerts returns every current alert record
func (e *Engine) Alerts(ctx context.Context) ([]types.Alert, error) {
	return e.store.List(ctx)
}

// Alert returns one alert
func (e *Engine) Alert(ctx context.Context, id string) (types.Alert, error) {
	a, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return types.Alert{}, err
	}
	if !ok {
		return types.Alert{}, ErrAlertNotFound
	}
	return a, nil
}

// History returns the archived occurrences of an alert id
func (e *Engine) History(ctx context.Context, id string) ([]types.Alert, error) {
	return e.store.History(ctx, id)
}

// Incidents returns every correlation group in the store
func (e *Engine) Incidents(ctx context.Context) ([]types.CorrelationGroup, error) {
	return e.store.ListGroups(ctx)
}

// Incident returns a correlation group and its member alerts
func (e *Engine) Incident(ctx context.Context, id string) (types.CorrelationGroup, []types.Alert, bool, error) {
	g, ok, err := e.store.GetGroup(ctx, id)
	if err != nil || !ok {
		return types.CorrelationGroup{}, nil, false, err
	}
	return g, e.members(ctx, g), true, nil
}
