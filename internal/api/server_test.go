package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/alertd/internal/alerter"
	"github.com/heartline/alertd/internal/collector"
	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/logging"
	"github.com/heartline/alertd/internal/metrics"
	"github.com/heartline/alertd/internal/notifier"
	"github.com/heartline/alertd/internal/store"
	"github.com/heartline/alertd/internal/types"
)

const apiConfig = `
thresholds:
  system:
    system.cpu.usage: {warning: 70, critical: 90}
notifications:
  routing:
    critical: [slack]
  channels:
    slack: {type: slack, enabled: true}
escalation:
  policies:
    critical:
      steps:
        - {delay: 0s, channels: [slack]}
        - {delay: 5m, channels: [slack]}
`

type nopDispatcher struct{}

func (nopDispatcher) Send(_ context.Context, channel string, _ notifier.Notification) notifier.Result {
	return notifier.Result{Channel: channel, Outcome: notifier.OutcomeSent}
}

type testServer struct {
	server   *Server
	engine   *alerter.Engine
	registry *collector.Registry
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg, err := config.Parse([]byte(apiConfig), config.EnvProduction)
	require.NoError(t, err)
	cfg.Intervals.EscalationTick = time.Hour
	cfg.Intervals.RetentionCleanup = time.Hour

	reg := prometheus.NewRegistry()
	engine := alerter.NewEngine(cfg, store.NewMemoryStore(), nopDispatcher{}, zerolog.Nop(), alerter.WithEngineMetrics(metrics.New(reg)))
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { engine.Stop(time.Second) })

	registry := collector.NewRegistry()
	s := NewServer(engine, registry, zerolog.Nop(), ":0")
	s.SetGatherer(reg)
	return &testServer{server: s, engine: engine, registry: registry, handler: s.Router()}
}

func (ts *testServer) fire(t *testing.T, metric string, severity types.Severity) {
	t.Helper()
	require.NoError(t, ts.engine.ProcessBatch(context.Background(), []types.AlertEvent{{
		Kind:       types.EventFiring,
		MetricName: metric,
		Rule:       types.RuleThreshold,
		Severity:   severity,
		Value:      95,
		At:         time.Now(),
	}}))
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestAlertLifecycleOverAPI(t *testing.T) {
	ts := newTestServer(t)
	ts.fire(t, "system.cpu.usage", types.SeverityCritical)

	rec, body := ts.do(t, http.MethodGet, "/api/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, body = ts.do(t, http.MethodGet, "/api/alerts/system.cpu.usage:threshold", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	alert := body["alert"].(map[string]interface{})
	assert.Equal(t, "escalating", alert["state"])
	assert.Contains(t, body, "escalation")

	rec, body = ts.do(t, http.MethodPost, "/api/alerts/system.cpu.usage:threshold/ack", map[string]string{"user": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	alert = body["alert"].(map[string]interface{})
	assert.Equal(t, "acknowledged", alert["state"])
	assert.Equal(t, "alice", alert["acknowledged_by"])

	rec, _ = ts.do(t, http.MethodGet, "/api/alerts?state=escalating", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = ts.do(t, http.MethodPost, "/api/alerts/system.cpu.usage:threshold/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "resolved", body["alert"].(map[string]interface{})["state"])

	// resolved alerts leave the active list but stay in ?all=true
	_, body = ts.do(t, http.MethodGet, "/api/alerts", nil)
	assert.Equal(t, float64(0), body["count"])
	_, body = ts.do(t, http.MethodGet, "/api/alerts?all=true", nil)
	assert.Equal(t, float64(1), body["count"])

	rec, _ = ts.do(t, http.MethodPost, "/api/alerts/system.cpu.usage:threshold/ack", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnknownAlert(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodGet, "/api/alerts/nope:threshold", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], "not found")

	rec, _ = ts.do(t, http.MethodPost, "/api/alerts/nope:threshold/ack", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/api/incidents/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = ts.do(t, http.MethodGet, "/api/alerts/nope:threshold/history", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["history"])
}

func TestPushMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/metrics", map[string]interface{}{
		"samples": []map[string]interface{}{
			{"metric": "app.response_time", "value": 250},
			{"metric": "db.connections", "value": 12, "timestamp": "2024-03-01T12:00:00Z"},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, float64(2), body["accepted"])

	s, ok := ts.registry.Latest("app.response_time")
	require.True(t, ok)
	assert.Equal(t, 250.0, s.Value)
	assert.WithinDuration(t, time.Now(), s.Timestamp, time.Minute)

	s, ok = ts.registry.Latest("db.connections")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), s.Timestamp.UTC())

	rec, _ = ts.do(t, http.MethodPost, "/api/metrics", map[string]interface{}{
		"samples": []map[string]interface{}{{"value": 1}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/metrics", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMaintenanceToggle(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPut, "/api/maintenance", map[string]string{"reason": "core upgrade"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["manual"])
	assert.Equal(t, "core upgrade", body["reason"])

	ts.fire(t, "system.cpu.usage", types.SeverityCritical)
	a, err := ts.engine.Alert(context.Background(), "system.cpu.usage:threshold")
	require.NoError(t, err)
	assert.Equal(t, types.StateSuppressed, a.State)
	assert.Equal(t, types.SuppressedMaintenance, a.SuppressedBy)

	rec, body = ts.do(t, http.MethodDelete, "/api/maintenance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["manual"])

	_, body = ts.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, float64(1), body["active_alerts"])
	assert.Contains(t, body, "build")
}

func TestReload(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/api/reload", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	calls := 0
	ts.server.SetReloadFunc(func() error {
		calls++
		if calls > 1 {
			return errors.New("bad yaml")
		}
		return nil
	})
	rec, _ = ts.do(t, http.MethodPost, "/api/reload", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body := ts.do(t, http.MethodPost, "/api/reload", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "bad yaml", body["error"])
}

func TestLogs(t *testing.T) {
	ts := newTestServer(t)
	buf := logging.NewBuffer(10)
	ts.server.SetLogBuffer(buf)
	for i := 0; i < 3; i++ {
		fmt.Fprintf(buf, `{"level":"info","message":"line %d"}`+"\n", i)
	}
	fmt.Fprint(buf, `{"level":"error","message":"boom"}`+"\n")

	_, body := ts.do(t, http.MethodGet, "/api/logs?limit=2", nil)
	assert.Equal(t, float64(2), body["count"])

	_, body = ts.do(t, http.MethodGet, "/api/logs?level=error", nil)
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].(map[string]interface{})["message"])

	rec, _ := ts.do(t, http.MethodGet, "/api/logs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.fire(t, "system.cpu.usage", types.SeverityCritical)

	rec, _ := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alertd_")
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	rec, _ := ts.do(t, http.MethodDelete, "/api/alerts", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
