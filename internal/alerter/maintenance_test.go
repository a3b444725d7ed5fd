package alerter

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/heartline/alertd/internal/config"
)

func TestMaintenanceRecurringWindow(t *testing.T) {
	m := NewMaintenance(zerolog.Nop(), []config.MaintenanceWindow{
		{Name: "sunday-patching", Schedule: "0 3 * * SUN", Duration: time.Hour},
	})

	// 2024-03-03 is a Sunday
	tests := []struct {
		at     time.Time
		active bool
	}{
		{time.Date(2024, 3, 3, 2, 59, 0, 0, time.UTC), false},
		{time.Date(2024, 3, 3, 3, 0, 0, 0, time.UTC), true},
		{time.Date(2024, 3, 3, 3, 30, 0, 0, time.UTC), true},
		{time.Date(2024, 3, 3, 4, 0, 0, 0, time.UTC), false},
		{time.Date(2024, 3, 3, 4, 30, 0, 0, time.UTC), false},
		{time.Date(2024, 3, 4, 3, 30, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		name, ok := m.Active("system.cpu.usage", tt.at)
		assert.Equal(t, tt.active, ok, "at %s", tt.at)
		if ok {
			assert.Equal(t, "sunday-patching", name)
		}
	}
}

func TestMaintenanceFixedWindowAndScope(t *testing.T) {
	start := time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)
	m := NewMaintenance(zerolog.Nop(), []config.MaintenanceWindow{
		{Name: "db-migration", Start: start, End: start.Add(2 * time.Hour), Metrics: []string{"database.up"}},
	})

	_, ok := m.Active("database.up", start.Add(time.Hour))
	assert.True(t, ok)
	_, ok = m.Active("system.cpu.usage", start.Add(time.Hour))
	assert.False(t, ok)
	_, ok = m.Active("database.up", start.Add(2*time.Hour))
	assert.False(t, ok)

	status := m.Status(start.Add(time.Hour))
	assert.Equal(t, []string{"db-migration"}, status.ActiveWindows)
	assert.False(t, status.Manual)
}

func TestMaintenanceManualFlag(t *testing.T) {
	m := NewMaintenance(zerolog.Nop(), nil)

	m.SetManual(true, "core switch upgrade")
	name, ok := m.Active("anything", t0)
	assert.True(t, ok)
	assert.Equal(t, "manual", name)
	assert.Equal(t, "core switch upgrade", m.Status(t0).Reason)

	m.SetManual(false, "")
	_, ok = m.Active("anything", t0)
	assert.False(t, ok)
	assert.Empty(t, m.Status(t0).Reason)
	assert.Empty(t, m.Status(t0).ActiveWindows)
}

func TestMaintenanceSkipsInvalidSchedule(t *testing.T) {
	m := NewMaintenance(zerolog.Nop(), []config.MaintenanceWindow{
		{Name: "broken", Schedule: "not a cron", Duration: time.Hour},
		{Name: "nightly", Schedule: "@daily", Duration: time.Hour},
	})

	name, ok := m.Active("x", time.Date(2024, 3, 1, 0, 30, 0, 0, time.UTC))
	assert.True(t, ok)
	assert.Equal(t, "nightly", name)
}
