package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/metrics"
	"github.com/heartline/alertd/internal/types"
)

// MetricSource returns the latest sample of a metric
type MetricSource interface {
	Latest(metric string) (types.MetricSample, bool)
}

// Target consumes the events of a tick
type Target interface {
	ProcessBatch(ctx context.Context, events []types.AlertEvent) error
	ActiveAlerts(ctx context.Context) ([]types.Alert, error)
}

// staleFactor is how many intervals a sample may age before the metric is stale
const staleFactor = 2

// Evaluator compares the latest metric samples against the configured
// thresholds and turns breaches and recoveries into alert events
type Evaluator struct {
	logger  zerolog.Logger
	source  MetricSource
	target  Target
	metrics *metrics.Metrics
	now     func() time.Time
	cfg     atomic.Pointer[config.Config]
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithMetrics records tick durations
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates a new threshold evaluator
func NewEvaluator(cfg *config.Config, source MetricSource, target Target, logger zerolog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		logger: logger.With().Str("component", "evaluator").Logger(),
		source: source,
		target: target,
		now:    time.Now,
	}
	e.cfg.Store(cfg)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply installs a reloaded configuration. It takes effect on the next tick.
func (e *Evaluator) Apply(cfg *config.Config) {
	e.cfg.Store(cfg)
}

// Run evaluates every interval until ctx is cancelled. Ticks run one at a
// time; a tick that outlives its interval is abandoned.
func (e *Evaluator) Run(ctx context.Context) {
	interval := e.cfg.Load().Intervals.Alerts
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", interval).Int("thresholds", len(e.cfg.Load().Specs)).Msg("Evaluator started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Evaluator stopped")
			return
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("Evaluation tick failed")
			}
			if next := e.cfg.Load().Intervals.Alerts; next != interval {
				interval = next
				ticker.Reset(interval)
				e.logger.Info().Dur("interval", interval).Msg("Evaluation interval changed")
			}
		}
	}
}

// Tick runs one evaluation pass and hands its events to the target, all
// within one interval
func (e *Evaluator) Tick(ctx context.Context) error {
	cfg := e.cfg.Load()
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, cfg.Intervals.Alerts)
	defer cancel()

	events, err := e.Evaluate(ctx, e.now())
	if err == nil && len(events) > 0 {
		err = e.target.ProcessBatch(ctx, events)
	}

	abandoned := errors.Is(err, context.DeadlineExceeded)
	e.metrics.Tick(time.Since(start).Seconds(), abandoned)
	if abandoned {
		e.logger.Warn().
			Dur("budget", cfg.Intervals.Alerts).
			Int("events", len(events)).
			Msg("Evaluation tick abandoned")
		return nil
	}
	if err != nil {
		return fmt.Errorf("evaluation tick: %w", err)
	}
	if len(events) > 0 {
		e.logger.Debug().Int("events", len(events)).Dur("took", time.Since(start)).Msg("Evaluation tick complete")
	}
	return nil
}

// Evaluate compares every threshold against the latest sample at now
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) ([]types.AlertEvent, error) {
	cfg := e.cfg.Load()

	alerts, err := e.target.ActiveAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active alerts: %w", err)
	}
	active := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		active[a.ID] = true
	}

	maxAge := staleFactor * cfg.Intervals.Alerts
	var events []types.AlertEvent
	for _, spec := range cfg.Specs {
		if err := ctx.Err(); err != nil {
			return events, err
		}

		staleID := types.AlertID(spec.MetricName, types.RuleStale)
		sample, ok := e.source.Latest(spec.MetricName)
		if !ok || now.Sub(sample.Timestamp) > maxAge {
			events = append(events, staleEvent(spec, sample, ok, now))
			continue
		}
		if active[staleID] {
			events = append(events, types.AlertEvent{
				Kind:       types.EventResolved,
				MetricName: spec.MetricName,
				Rule:       types.RuleStale,
				Category:   spec.Category,
				At:         now,
			})
		}

		value := sample.Value
		if spec.ValueType == config.ValueInteger {
			value = math.Trunc(value)
		}
		severity, limit, breached := classify(spec, value)
		switch {
		case breached:
			events = append(events, types.AlertEvent{
				Kind:       types.EventFiring,
				MetricName: spec.MetricName,
				Rule:       types.RuleThreshold,
				Category:   spec.Category,
				Severity:   severity,
				Value:      value,
				Message:    fmt.Sprintf("%s is %s %s threshold %v (value %v)", spec.MetricName, spec.Comparison, severity, limit, value),
				At:         now,
			})
		case active[types.AlertID(spec.MetricName, types.RuleThreshold)]:
			events = append(events, types.AlertEvent{
				Kind:       types.EventResolved,
				MetricName: spec.MetricName,
				Rule:       types.RuleThreshold,
				Category:   spec.Category,
				Value:      value,
				At:         now,
			})
		}
	}
	return events, nil
}

func staleEvent(spec config.ThresholdSpec, sample types.MetricSample, found bool, now time.Time) types.AlertEvent {
	msg := fmt.Sprintf("no sample received for %s", spec.MetricName)
	if found {
		msg = fmt.Sprintf("last sample for %s is %s old", spec.MetricName, now.Sub(sample.Timestamp).Truncate(time.Second))
	}
	return types.AlertEvent{
		Kind:       types.EventFiring,
		MetricName: spec.MetricName,
		Rule:       types.RuleStale,
		Category:   spec.Category,
		Severity:   types.SeverityWarning,
		Value:      sample.Value,
		Message:    msg,
		At:         now,
	}
}

// classify returns the most severe level value breaches. Levels are
// inclusive: a value equal to the level breaches it.
func classify(spec config.ThresholdSpec, value float64) (types.Severity, float64, bool) {
	breaches := func(limit float64) bool {
		if spec.Comparison == config.ComparisonBelow {
			return value <= limit
		}
		return value >= limit
	}
	switch {
	case spec.HasCritical && breaches(spec.Critical):
		return types.SeverityCritical, spec.Critical, true
	case spec.HasWarning && breaches(spec.Warning):
		return types.SeverityWarning, spec.Warning, true
	}
	return "", 0, false
}
