package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/types"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func fakeFactory(senders map[string]*recordingSender) SenderFactory {
	return func(name string, _ config.ChannelConfig, _ *http.Client) (Sender, error) {
		s, ok := senders[name]
		if !ok {
			s = &recordingSender{}
			senders[name] = s
		}
		return s, nil
	}
}

func criticalAlert() Notification {
	return Notification{
		Kind: KindAlert,
		Step: 0,
		Alert: types.Alert{
			ID:         "system.cpu.usage:threshold",
			MetricName: "system.cpu.usage",
			Severity:   types.SeverityCritical,
			Value:      95,
		},
	}
}

func warningAlert() Notification {
	n := criticalAlert()
	n.Alert.Severity = types.SeverityWarning
	return n
}

func TestDispatcherGates(t *testing.T) {
	senders := map[string]*recordingSender{}
	cfg := config.NotificationConfig{
		Channels: map[string]config.ChannelConfig{
			"sms":   {Type: config.ChannelSMS, Enabled: true, SeverityFilter: []string{"critical"}, RateLimit: config.RateLimit{MaxPerHour: 1}},
			"slack": {Type: config.ChannelSlack, Enabled: true, RateLimit: config.RateLimit{MaxPerHour: 5}},
			"teams": {Type: config.ChannelTeams, Enabled: false},
		},
	}
	d := NewDispatcher(cfg, zerolog.Nop(), WithSenderFactory(fakeFactory(senders)))
	ctx := context.Background()

	assert.Equal(t, OutcomeFiltered, d.Send(ctx, "sms", warningAlert()).Outcome)
	// the filtered send did not consume the budget
	assert.Equal(t, OutcomeSent, d.Send(ctx, "sms", criticalAlert()).Outcome)
	assert.Equal(t, OutcomeRateLimited, d.Send(ctx, "sms", criticalAlert()).Outcome)

	assert.Equal(t, OutcomeSkipped, d.Send(ctx, "teams", criticalAlert()).Outcome)
	assert.Equal(t, OutcomeSkipped, d.Send(ctx, "carrier-pigeon", criticalAlert()).Outcome)
	assert.Equal(t, 0, senders["teams"].count())

	for i := 0; i < 5; i++ {
		assert.Equal(t, OutcomeSent, d.Send(ctx, "slack", criticalAlert()).Outcome)
	}
	res := d.Send(ctx, "slack", criticalAlert())
	assert.Equal(t, OutcomeRateLimited, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Equal(t, 5, senders["slack"].count(), "rate limited sends are dropped, not queued")
}

func TestDispatcherDryRun(t *testing.T) {
	senders := map[string]*recordingSender{}
	cfg := config.NotificationConfig{
		DisableExternalSends: true,
		Channels: map[string]config.ChannelConfig{
			"slack": {Type: config.ChannelSlack, Enabled: true},
		},
	}
	d := NewDispatcher(cfg, zerolog.Nop(), WithSenderFactory(fakeFactory(senders)))
	assert.Equal(t, OutcomeDryRun, d.Send(context.Background(), "slack", criticalAlert()).Outcome)
	assert.Equal(t, 0, senders["slack"].count())
}

func TestWebhookRetriesTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.NotificationConfig{Channels: map[string]config.ChannelConfig{
		"hook": {Type: config.ChannelWebhook, Enabled: true, URL: srv.URL},
	}}
	d := NewDispatcher(cfg, zerolog.Nop(), WithRetryInterval(time.Millisecond))
	res := d.Send(context.Background(), "hook", criticalAlert())
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := config.NotificationConfig{Channels: map[string]config.ChannelConfig{
		"hook": {Type: config.ChannelWebhook, Enabled: true, URL: srv.URL},
	}}
	d := NewDispatcher(cfg, zerolog.Nop(), WithRetryInterval(time.Millisecond))
	res := d.Send(context.Background(), "hook", criticalAlert())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	var de *DeliveryError
	require.True(t, errors.As(res.Err, &de))
	assert.Equal(t, http.StatusUnauthorized, de.StatusCode)
	assert.False(t, de.Transient)
}

func TestRetriesStopAtBudget(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	retries := 2
	cfg := config.NotificationConfig{Channels: map[string]config.ChannelConfig{
		"pager": {Type: config.ChannelWebhook, Enabled: true, URL: srv.URL, Retries: &retries},
	}}
	d := NewDispatcher(cfg, zerolog.Nop(), WithRetryInterval(time.Millisecond))
	res := d.Send(context.Background(), "pager", criticalAlert())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.True(t, IsTransient(res.Err))
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	failing := &recordingSender{err: &DeliveryError{Channel: "slack", StatusCode: 403}}
	senders := map[string]*recordingSender{"slack": failing}
	cfg := config.NotificationConfig{Channels: map[string]config.ChannelConfig{
		"slack": {Type: config.ChannelSlack, Enabled: true},
	}}
	d := NewDispatcher(cfg, zerolog.Nop(), WithSenderFactory(fakeFactory(senders)))

	for i := 0; i < 5; i++ {
		assert.Equal(t, OutcomeFailed, d.Send(context.Background(), "slack", criticalAlert()).Outcome)
	}
	res := d.Send(context.Background(), "slack", criticalAlert())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, errors.Is(res.Err, gobreaker.ErrOpenState))
	assert.Equal(t, 5, failing.count())
	assert.Equal(t, "open", d.Channels()[0].Breaker)
}

func TestApplyKeepsBudgetsAcrossReload(t *testing.T) {
	senders := map[string]*recordingSender{}
	cfg := config.NotificationConfig{Channels: map[string]config.ChannelConfig{
		"slack": {Type: config.ChannelSlack, Enabled: true, RateLimit: config.RateLimit{MaxPerHour: 1}},
	}}
	d := NewDispatcher(cfg, zerolog.Nop(), WithSenderFactory(fakeFactory(senders)))
	assert.Equal(t, OutcomeSent, d.Send(context.Background(), "slack", criticalAlert()).Outcome)

	d.Apply(cfg)
	assert.Equal(t, OutcomeRateLimited, d.Send(context.Background(), "slack", criticalAlert()).Outcome)
}

func TestMisconfiguredChannelFails(t *testing.T) {
	cfg := config.NotificationConfig{Channels: map[string]config.ChannelConfig{
		"hook": {Type: config.ChannelWebhook, Enabled: true},
	}}
	d := NewDispatcher(cfg, zerolog.Nop())
	res := d.Send(context.Background(), "hook", criticalAlert())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.False(t, IsTransient(res.Err))
}

func TestSendTimeoutBoundsDelivery(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	zero := 0
	cfg := config.NotificationConfig{
		SendTimeout: 50 * time.Millisecond,
		Channels: map[string]config.ChannelConfig{
			"hook": {Type: config.ChannelWebhook, Enabled: true, URL: srv.URL, Retries: &zero},
		},
	}
	d := NewDispatcher(cfg, zerolog.Nop())
	start := time.Now()
	res := d.Send(context.Background(), "hook", criticalAlert())
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, IsTransient(res.Err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFlushWaitsForInflightSends(t *testing.T) {
	d := NewDispatcher(config.NotificationConfig{}, zerolog.Nop())
	assert.True(t, d.Flush(10*time.Millisecond))

	d.inflight.Add(1)
	assert.False(t, d.Flush(10*time.Millisecond))
	d.inflight.Done()
}

func decodeJSON(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&out))
	return out
}
