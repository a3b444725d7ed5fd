package alerter

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/alertd/internal/config"
	"github.com/heartline/alertd/internal/store"
	"github.com/heartline/alertd/internal/types"
)

func newFilter(t *testing.T, st store.AlertStore, rules config.SuppressionConfig) *SuppressionFilter {
	t.Helper()
	return NewSuppressionFilter(zerolog.Nop(), st, NewMaintenance(zerolog.Nop(), nil), rules)
}

func TestDuplicateWindowSlides(t *testing.T) {
	f := newFilter(t, store.NewMemoryStore(), config.SuppressionConfig{
		Duplicates: config.DuplicateRule{MaxOccurrences: 2, TimeWindow: 10 * time.Minute},
	})

	assert.False(t, f.RecordOccurrence("a", t0).Duplicate)
	assert.False(t, f.RecordOccurrence("a", t0.Add(time.Minute)).Duplicate)
	occ := f.RecordOccurrence("a", t0.Add(2*time.Minute))
	assert.True(t, occ.Duplicate)
	assert.Equal(t, 3, occ.InWindow)

	// the first two occurrences have left the window
	occ = f.RecordOccurrence("a", t0.Add(11*time.Minute+time.Second))
	assert.False(t, occ.Duplicate)
	assert.Equal(t, 2, occ.InWindow)

	assert.False(t, f.RecordOccurrence("b", t0.Add(2*time.Minute)).Duplicate)

	f.Forget("a")
	assert.Equal(t, 1, f.RecordOccurrence("a", t0.Add(12*time.Minute)).InWindow)
}

func TestDuplicateRuleDisabled(t *testing.T) {
	off := false
	f := newFilter(t, store.NewMemoryStore(), config.SuppressionConfig{
		Duplicates: config.DuplicateRule{Enabled: &off, MaxOccurrences: 1, TimeWindow: time.Hour, NotifyRepeats: &off},
	})

	for i := 0; i < 5; i++ {
		assert.False(t, f.RecordOccurrence("a", t0.Add(time.Duration(i)*time.Second)).Duplicate)
	}
	assert.False(t, f.RepeatsNotify())
}

func TestSuppressionCleanup(t *testing.T) {
	f := newFilter(t, store.NewMemoryStore(), config.SuppressionConfig{
		Duplicates: config.DuplicateRule{MaxOccurrences: 5, TimeWindow: time.Minute},
	})
	f.RecordOccurrence("a", t0)
	f.RecordOccurrence("b", t0.Add(50*time.Second))

	f.Cleanup(t0.Add(90 * time.Second))
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.NotContains(t, f.history, "a")
	assert.Len(t, f.history["b"], 1)
}

func TestCascadeCheck(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	f := newFilter(t, st, config.SuppressionConfig{
		Cascade: []config.CascadeRule{
			{ParentMetric: "database.up", Children: []string{"api.latency"}, SuppressionDelay: time.Minute},
		},
	})
	child := types.Alert{ID: types.AlertID("api.latency", types.RuleThreshold), MetricName: "api.latency", Rule: types.RuleThreshold}

	reason, _, err := f.Check(ctx, child, t0)
	require.NoError(t, err)
	assert.Equal(t, types.SuppressedNone, reason, "no parent alert")

	parent := types.Alert{
		ID:          types.AlertID("database.up", types.RuleThreshold),
		MetricName:  "database.up",
		Rule:        types.RuleThreshold,
		State:       types.StateEscalating,
		FirstSeenAt: t0,
	}
	require.NoError(t, st.Upsert(ctx, parent))

	reason, detail, err := f.Check(ctx, child, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.SuppressedCascade, reason)
	assert.Equal(t, "database.up", detail)

	reason, _, err = f.Check(ctx, child, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.SuppressedNone, reason, "parent older than the delay")

	parent.State = types.StateResolved
	require.NoError(t, st.Upsert(ctx, parent))
	reason, _, err = f.Check(ctx, child, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.SuppressedNone, reason, "resolved parent")
}

func TestMaintenanceTakesPrecedenceOverCascade(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	f := newFilter(t, st, config.SuppressionConfig{
		Cascade: []config.CascadeRule{
			{ParentMetric: "database.up", Children: []string{"api.latency"}, SuppressionDelay: time.Minute},
		},
	})
	require.NoError(t, st.Upsert(ctx, types.Alert{
		ID:          types.AlertID("database.up", types.RuleThreshold),
		MetricName:  "database.up",
		Rule:        types.RuleThreshold,
		State:       types.StateEscalating,
		FirstSeenAt: t0,
	}))
	f.maintenance.SetManual(true, "")

	reason, detail, err := f.Check(ctx, types.Alert{MetricName: "api.latency"}, t0)
	require.NoError(t, err)
	assert.Equal(t, types.SuppressedMaintenance, reason)
	assert.Equal(t, "manual", detail)
}
