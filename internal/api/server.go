package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/heartline/alertd/internal/alerter"
	"github.com/heartline/alertd/internal/collector"
	"github.com/heartline/alertd/internal/logging"
	"github.com/heartline/alertd/internal/types"
	"github.com/heartline/alertd/internal/version"
)

// ReloadFunc is called when a configuration reload is requested
type ReloadFunc func() error

// HealthFunc reports the state of the metric collectors
type HealthFunc func() map[string]collector.TargetHealth

// Server provides the HTTP API
type Server struct {
	engine   *alerter.Engine
	samples  collector.Sink
	logger   zerolog.Logger
	addr     string
	now      func() time.Time
	started  time.Time
	gatherer prometheus.Gatherer

	mu        sync.RWMutex
	logBuffer *logging.Buffer
	reload    ReloadFunc
	health    HealthFunc

	srv *http.Server
}

// NewServer creates a new API server. Pushed metric samples are recorded
// into samples.
func NewServer(engine *alerter.Engine, samples collector.Sink, logger zerolog.Logger, addr string) *Server {
	return &Server{
		engine:   engine,
		samples:  samples,
		logger:   logger.With().Str("component", "api").Logger(),
		addr:     addr,
		now:      time.Now,
		started:  time.Now(),
		gatherer: prometheus.DefaultGatherer,
	}
}

// SetLogBuffer sets the buffer served at /api/logs
func (s *Server) SetLogBuffer(b *logging.Buffer) {
	s.mu.Lock()
	s.logBuffer = b
	s.mu.Unlock()
}

// SetReloadFunc sets the function behind POST /api/reload
func (s *Server) SetReloadFunc(fn ReloadFunc) {
	s.mu.Lock()
	s.reload = fn
	s.mu.Unlock()
}

// SetHealthFunc sets the collector health source for /status
func (s *Server) SetHealthFunc(fn HealthFunc) {
	s.mu.Lock()
	s.health = fn
	s.mu.Unlock()
}

// SetGatherer sets the registry served at /metrics
func (s *Server) SetGatherer(g prometheus.Gatherer) {
	s.gatherer = g
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	a := r.PathPrefix("/api").Subrouter()
	a.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	a.HandleFunc("/alerts/{id}", s.handleAlert).Methods(http.MethodGet)
	a.HandleFunc("/alerts/{id}/history", s.handleHistory).Methods(http.MethodGet)
	a.HandleFunc("/alerts/{id}/ack", s.handleAck).Methods(http.MethodPost)
	a.HandleFunc("/alerts/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	a.HandleFunc("/incidents", s.handleIncidents).Methods(http.MethodGet)
	a.HandleFunc("/incidents/{id}", s.handleIncident).Methods(http.MethodGet)
	a.HandleFunc("/escalations", s.handleEscalations).Methods(http.MethodGet)
	a.HandleFunc("/metrics", s.handlePushMetrics).Methods(http.MethodPost)
	a.HandleFunc("/maintenance", s.handleMaintenance).Methods(http.MethodGet)
	a.HandleFunc("/maintenance", s.handleMaintenanceOn).Methods(http.MethodPut)
	a.HandleFunc("/maintenance", s.handleMaintenanceOff).Methods(http.MethodDelete)
	a.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)
	a.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	return r
}

// Start serves the API until Shutdown is called
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("address", s.addr).Msg("Starting API server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.engine.ActiveAlerts(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	incidents, err := s.engine.Incidents(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	open := 0
	for _, g := range incidents {
		if g.State != types.GroupResolved {
			open++
		}
	}

	s.mu.RLock()
	health := s.health
	s.mu.RUnlock()
	var collectors map[string]collector.TargetHealth
	if health != nil {
		collectors = health()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_alerts":  len(alerts),
		"open_incidents": open,
		"escalations":    len(s.engine.Runs()),
		"maintenance":    s.engine.Maintenance().Status(s.now()),
		"collectors":     collectors,
		"time":           s.now().UTC().Format(time.RFC3339),
		"uptime":         time.Since(s.started).Truncate(time.Second).String(),
		"build":          version.Get(),
	})
}

// handleAlerts lists active alerts, or every current record with ?all=true.
// ?state= filters by state.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var (
		alerts []types.Alert
		err    error
	)
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		alerts, err = s.engine.Alerts(r.Context())
	} else {
		alerts, err = s.engine.ActiveAlerts(r.Context())
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := alerts[:0]
		for _, a := range alerts {
			if string(a.State) == state {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}
	if alerts == nil {
		alerts = []types.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	alert, err := s.engine.Alert(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := map[string]interface{}{"alert": alert}
	for _, run := range s.engine.Runs() {
		if run.AlertID == id {
			resp["escalation"] = run
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	history, err := s.engine.History(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if history == nil {
		history = []types.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"history": history,
	})
}

type operatorRequest struct {
	User string `json:"user"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.operatorAction(w, r, s.engine.Acknowledge, "acknowledged")
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.operatorAction(w, r, s.engine.Resolve, "resolved")
}

func (s *Server) operatorAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string, string) error, verb string) {
	id := mux.Vars(r)["id"]
	var req operatorRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.User == "" {
		req.User = "api"
	}
	if err := action(r.Context(), id, req.User); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info().Str("alert_id", id).Str("user", req.User).Msg("Alert " + verb + " via API")

	alert, err := s.engine.Alert(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alert": alert})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	groups, err := s.engine.Incidents(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if groups == nil {
		groups = []types.CorrelationGroup{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": groups,
		"count":     len(groups),
	})
}

func (s *Server) handleIncident(w http.ResponseWriter, r *http.Request) {
	group, members, ok, err := s.engine.Incident(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	if members == nil {
		members = []types.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incident": group,
		"members":  members,
	})
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	runs := s.engine.Runs()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escalations": runs,
		"count":       len(runs),
	})
}

type pushRequest struct {
	Samples []types.MetricSample `json:"samples"`
}

// handlePushMetrics records samples pushed by applications. Samples without
// a timestamp are stamped with the receive time.
func (s *Server) handlePushMetrics(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Samples) == 0 {
		writeError(w, http.StatusBadRequest, "no samples")
		return
	}
	for i, sample := range req.Samples {
		if sample.MetricName == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("sample %d: metric is required", i))
			return
		}
	}

	now := s.now()
	for _, sample := range req.Samples {
		if sample.Timestamp.IsZero() {
			sample.Timestamp = now
		}
		s.samples.Record(sample)
	}
	s.logger.Debug().Int("samples", len(req.Samples)).Msg("Metric samples pushed")
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Samples)})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Maintenance().Status(s.now()))
}

type maintenanceRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleMaintenanceOn(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	s.engine.Maintenance().SetManual(true, req.Reason)
	writeJSON(w, http.StatusOK, s.engine.Maintenance().Status(s.now()))
}

func (s *Server) handleMaintenanceOff(w http.ResponseWriter, r *http.Request) {
	s.engine.Maintenance().SetManual(false, "")
	writeJSON(w, http.StatusOK, s.engine.Maintenance().Status(s.now()))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	reload := s.reload
	s.mu.RUnlock()
	if reload == nil {
		writeError(w, http.StatusServiceUnavailable, "reload not available")
		return
	}
	if err := reload(); err != nil {
		s.logger.Error().Err(err).Msg("Configuration reload failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// handleLogs returns recent log entries. ?limit= caps the count (default
// 200), ?level= filters by level.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	s.mu.RLock()
	buf := s.logBuffer
	s.mu.RUnlock()
	entries := []logging.Entry{}
	if buf != nil {
		entries = buf.Recent(limit, r.URL.Query().Get("level"))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// fail maps engine errors to status codes
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alerter.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrStateViolation):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, alerter.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error().Err(err).Msg("API request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
