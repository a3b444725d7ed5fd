package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/metrics"
)

const (
	defaultRetryInterval = 500 * time.Millisecond
	defaultRetryMax      = 10 * time.Second
)

// Dispatcher delivers notifications through the configured channels. Each
// send passes the channel's enable flag, severity filter and rate budget
// before reaching the provider; providers are guarded by a circuit breaker
// and retried with exponential backoff on transient failures.
type Dispatcher struct {
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	limiter       *RateLimiter
	client        *http.Client
	factory       SenderFactory
	retryInterval time.Duration

	mu       sync.RWMutex
	channels map[string]*channel
	dryRun   bool
	timeout  time.Duration

	inflight sync.WaitGroup
}

type channel struct {
	name    string
	cfg     config.ChannelConfig
	sender  Sender
	breaker *gobreaker.CircuitBreaker
}

// ChannelStatus is a snapshot of one channel for the status endpoint
type ChannelStatus struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
	Breaker string `json:"breaker"`
	Budget  Budget `json:"budget"`
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithMetrics records outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithHTTPClient replaces the HTTP client used by web based channels
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithSenderFactory replaces the provider sender constructor
func WithSenderFactory(f SenderFactory) Option {
	return func(d *Dispatcher) { d.factory = f }
}

// WithRateLimiter replaces the rate limiter
func WithRateLimiter(r *RateLimiter) Option {
	return func(d *Dispatcher) { d.limiter = r }
}

// WithRetryInterval sets the first backoff interval
func WithRetryInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.retryInterval = interval }
}

// NewDispatcher creates a dispatcher for cfg
func NewDispatcher(cfg config.NotificationConfig, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:        logger.With().Str("component", "dispatcher").Logger(),
		limiter:       NewRateLimiter(),
		client:        &http.Client{},
		factory:       NewSender,
		retryInterval: defaultRetryInterval,
		channels:      make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.Apply(cfg)
	return d
}

// Apply installs a new notification configuration. Breakers and rate
// budgets of channels that keep their name survive the swap.
func (d *Dispatcher) Apply(cfg config.NotificationConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string]*channel, len(cfg.Channels))
	for name, chCfg := range cfg.Channels {
		sender, err := d.factory(name, chCfg, d.client)
		if err != nil {
			if chCfg.Enabled && !cfg.DisableExternalSends {
				d.logger.Error().Err(err).Str("channel", name).Msg("Channel is misconfigured, sends will fail")
			}
			sender = brokenSender{name: name, err: err}
		}
		ch := &channel{name: name, cfg: chCfg, sender: sender}
		if old, ok := d.channels[name]; ok && old.cfg.Type == chCfg.Type {
			ch.breaker = old.breaker
		} else {
			ch.breaker = newBreaker(name, d.logger)
		}
		next[name] = ch
		d.limiter.SetLimits(name, chCfg.RateLimit)
	}
	for name := range d.channels {
		if _, ok := next[name]; !ok {
			d.limiter.Remove(name)
		}
	}
	d.channels = next
	d.dryRun = cfg.DisableExternalSends
	d.timeout = cfg.SendTimeout
	if d.timeout <= 0 {
		d.timeout = config.DefaultSendTimeout
	}
}

func newBreaker(name string, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("channel", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Channel circuit breaker changed state")
		},
	})
}

// Send delivers n through the named channel and reports the outcome. It
// never returns an error: failures are outcomes.
func (d *Dispatcher) Send(ctx context.Context, name string, n Notification) Result {
	d.inflight.Add(1)
	defer d.inflight.Done()

	res := d.send(ctx, name, n)
	d.metrics.Notification(name, string(n.Kind), string(res.Outcome))

	event := d.logger.Info()
	switch res.Outcome {
	case OutcomeFailed:
		event = d.logger.Error().Err(res.Err).Int("attempts", res.Attempts)
	case OutcomeRateLimited, OutcomeSkipped:
		event = d.logger.Warn()
	case OutcomeFiltered:
		event = d.logger.Debug()
	}
	event.
		Str("channel", name).
		Str("alert_id", n.Alert.ID).
		Str("kind", string(n.Kind)).
		Str("outcome", string(res.Outcome)).
		Msg("Notification dispatched")
	return res
}

func (d *Dispatcher) send(ctx context.Context, name string, n Notification) Result {
	d.mu.RLock()
	ch, ok := d.channels[name]
	dryRun, timeout := d.dryRun, d.timeout
	d.mu.RUnlock()

	res := Result{Channel: name}
	if !ok || !ch.cfg.Enabled {
		res.Outcome = OutcomeSkipped
		return res
	}
	if !severityAllowed(ch.cfg.SeverityFilter, string(n.Alert.Severity)) {
		res.Outcome = OutcomeFiltered
		return res
	}
	if !d.limiter.Allow(name) {
		res.Outcome = OutcomeRateLimited
		return res
	}

	msg := Format(n)
	if dryRun {
		d.logger.Info().
			Str("channel", name).
			Str("title", msg.Title).
			Strs("recipients", mergeRecipients(ch.cfg.Recipients, msg.Recipients)).
			Msg("External sends disabled, not delivering")
		res.Outcome = OutcomeDryRun
		return res
	}

	var policy backoff.BackOff = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(d.retryInterval),
		backoff.WithMaxInterval(defaultRetryMax),
		backoff.WithMaxElapsedTime(0),
	)
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, uint64(ch.cfg.MaxRetries())), ctx)

	err := backoff.RetryNotify(func() error {
		res.Attempts++
		_, err := ch.breaker.Execute(func() (interface{}, error) {
			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return nil, ch.sender.Send(sendCtx, msg)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%s circuit open: %w", name, err))
		case !IsTransient(err):
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		d.logger.Warn().Err(err).Str("channel", name).Dur("retry_in", wait).Msg("Transient delivery failure, retrying")
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	res.Outcome = OutcomeSent
	return res
}

func severityAllowed(filter []string, severity string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, s := range filter {
		if s == severity {
			return true
		}
	}
	return false
}

// Flush waits up to grace for in-flight sends. It reports false when
// sends were still running at the deadline.
func (d *Dispatcher) Flush(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		d.logger.Warn().Dur("grace", grace).Msg("Dropping in-flight notifications at shutdown")
		return false
	}
}

// Channels returns the status of every configured channel
func (d *Dispatcher) Channels() []ChannelStatus {
	budgets := d.limiter.Budgets()
	d.mu.RLock()
	out := make([]ChannelStatus, 0, len(d.channels))
	for name, ch := range d.channels {
		out = append(out, ChannelStatus{
			Name:    name,
			Type:    ch.cfg.Type,
			Enabled: ch.cfg.Enabled,
			Breaker: ch.breaker.State().String(),
			Budget:  budgets[name],
		})
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
