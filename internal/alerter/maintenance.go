package alerter

import (
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/heartline/alertd/internal/config"
)

// Maintenance answers whether alerts are currently in a maintenance window.
// A window is either a recurring cron schedule with a duration or a fixed
// start/end range; the operator can also switch maintenance on by hand.
type Maintenance struct {
	log zerolog.Logger

	mu      sync.RWMutex
	windows []window
	manual  bool
	reason  string
}

type window struct {
	name     string
	schedule cron.Schedule
	duration time.Duration
	start    time.Time
	end      time.Time
	metrics  map[string]bool
}

// MaintenanceStatus is a snapshot for the API
type MaintenanceStatus struct {
	Manual        bool     `json:"manual"`
	Reason        string   `json:"reason,omitempty"`
	ActiveWindows []string `json:"active_windows"`
}

// NewMaintenance creates a maintenance tracker for windows
func NewMaintenance(log zerolog.Logger, windows []config.MaintenanceWindow) *Maintenance {
	m := &Maintenance{log: log.With().Str("component", "maintenance").Logger()}
	m.SetWindows(windows)
	return m
}

// SetWindows replaces the configured windows
func (m *Maintenance) SetWindows(windows []config.MaintenanceWindow) {
	compiled := make([]window, 0, len(windows))
	for _, w := range windows {
		cw := window{name: w.Name, duration: w.Duration, start: w.Start, end: w.End}
		if w.Schedule != "" {
			spec := w.Schedule
			if w.Timezone != "" {
				spec = "CRON_TZ=" + w.Timezone + " " + spec
			}
			sched, err := config.ParseSchedule(spec)
			if err != nil {
				m.log.Error().Err(err).Str("window", w.Name).Msg("Skipping maintenance window")
				continue
			}
			cw.schedule = sched
		}
		if len(w.Metrics) > 0 {
			cw.metrics = make(map[string]bool, len(w.Metrics))
			for _, metric := range w.Metrics {
				cw.metrics[metric] = true
			}
		}
		compiled = append(compiled, cw)
	}

	m.mu.Lock()
	m.windows = compiled
	m.mu.Unlock()
}

// SetManual switches operator maintenance on or off
func (m *Maintenance) SetManual(on bool, reason string) {
	m.mu.Lock()
	m.manual = on
	m.reason = ""
	if on {
		m.reason = reason
	}
	m.mu.Unlock()
	m.log.Info().Bool("manual", on).Str("reason", reason).Msg("Maintenance mode changed")
}

// Active reports whether metric is covered by maintenance at now, and by
// which window ("manual" for the operator flag).
func (m *Maintenance) Active(metric string, now time.Time) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.manual {
		return "manual", true
	}
	for _, w := range m.windows {
		if w.metrics != nil && !w.metrics[metric] {
			continue
		}
		if w.activeAt(now) {
			return w.name, true
		}
	}
	return "", false
}

// Status returns the manual flag and the windows active at now
func (m *Maintenance) Status(now time.Time) MaintenanceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := MaintenanceStatus{Manual: m.manual, Reason: m.reason, ActiveWindows: []string{}}
	for _, w := range m.windows {
		if w.activeAt(now) {
			status.ActiveWindows = append(status.ActiveWindows, w.name)
		}
	}
	sort.Strings(status.ActiveWindows)
	return status
}

// activeAt reports whether an occurrence of the window started within the
// last duration
func (w window) activeAt(now time.Time) bool {
	if w.schedule == nil {
		return !now.Before(w.start) && now.Before(w.end)
	}
	return !w.schedule.Next(now.Add(-w.duration)).After(now)
}
