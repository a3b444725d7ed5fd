package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/alertd/internal/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]func(t *testing.T) AlertStore {
	return map[string]func(t *testing.T) AlertStore{
		"memory": func(t *testing.T) AlertStore { return NewMemoryStore() },
		"redis": func(t *testing.T) AlertStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStoreWithClient(client, "test:")
		},
	}
}

func newAlert(metric string, state types.AlertState) types.Alert {
	return types.Alert{
		ID:              types.AlertID(metric, types.RuleThreshold),
		MetricName:      metric,
		Rule:            types.RuleThreshold,
		Severity:        types.SeverityWarning,
		State:           state,
		FirstSeenAt:     t0,
		LastSeenAt:      t0,
		OccurrenceCount: 1,
	}
}

func resolved(a types.Alert, at time.Time) types.Alert {
	a.State = types.StateResolved
	a.ResolvedAt = &at
	return a
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("upsert and get", func(t *testing.T) {
				s := open(t)
				a := newAlert("cpu", types.StateRaised)
				require.NoError(t, s.Upsert(ctx, a))

				got, ok, err := s.Get(ctx, a.ID)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, a.ID, got.ID)
				assert.Equal(t, types.StateRaised, got.State)
				assert.True(t, got.FirstSeenAt.Equal(t0))

				_, ok, err = s.Get(ctx, "missing:threshold")
				require.NoError(t, err)
				assert.False(t, ok)

				assert.Error(t, s.Upsert(ctx, types.Alert{}))
			})

			t.Run("compare and swap", func(t *testing.T) {
				s := open(t)
				a := newAlert("cpu", types.StateRaised)

				ok, err := s.CompareAndSwap(ctx, a.ID, "", a)
				require.NoError(t, err)
				assert.True(t, ok, "create when absent")

				ok, err = s.CompareAndSwap(ctx, a.ID, "", a)
				require.NoError(t, err)
				assert.False(t, ok, "create refused when present")

				next := a
				next.State = types.StateEscalating
				ok, err = s.CompareAndSwap(ctx, a.ID, types.StateCorrelated, next)
				require.NoError(t, err)
				assert.False(t, ok, "stale expectation")

				ok, err = s.CompareAndSwap(ctx, a.ID, types.StateRaised, next)
				require.NoError(t, err)
				assert.True(t, ok)

				got, _, err := s.Get(ctx, a.ID)
				require.NoError(t, err)
				assert.Equal(t, types.StateEscalating, got.State)

				_, err = s.CompareAndSwap(ctx, "other", types.StateRaised, next)
				assert.Error(t, err)
			})

			t.Run("concurrent swaps have one winner", func(t *testing.T) {
				s := open(t)
				a := newAlert("db", types.StateEscalating)
				require.NoError(t, s.Upsert(ctx, a))

				var wg sync.WaitGroup
				wins := make(chan int, 8)
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						next := a
						next.State = types.StateAcknowledged
						next.AcknowledgedBy = fmt.Sprintf("op-%d", i)
						ok, err := s.CompareAndSwap(ctx, a.ID, types.StateEscalating, next)
						if err == nil && ok {
							wins <- i
						}
					}(i)
				}
				wg.Wait()
				close(wins)
				assert.Len(t, wins, 1)
			})

			t.Run("listing", func(t *testing.T) {
				s := open(t)
				a := newAlert("a", types.StateEscalating)
				a.CorrelationGroupID = "g1"
				b := newAlert("b", types.StateRaised)
				b.FirstSeenAt = t0.Add(time.Second)
				b.CorrelationGroupID = "g1"
				c := resolved(newAlert("c", types.StateRaised), t0)
				for _, x := range []types.Alert{a, b, c} {
					require.NoError(t, s.Upsert(ctx, x))
				}

				all, err := s.List(ctx)
				require.NoError(t, err)
				assert.Len(t, all, 3)

				active, err := s.ListActive(ctx)
				require.NoError(t, err)
				require.Len(t, active, 2)
				assert.Equal(t, a.ID, active[0].ID)
				assert.Equal(t, b.ID, active[1].ID)

				members, err := s.ListByCorrelationGroup(ctx, "g1")
				require.NoError(t, err)
				assert.Len(t, members, 2)

				// resolving removes it from the active set
				require.NoError(t, s.Upsert(ctx, resolved(a, t0.Add(time.Minute))))
				active, err = s.ListActive(ctx)
				require.NoError(t, err)
				assert.Len(t, active, 1)
			})

			t.Run("archive keeps history", func(t *testing.T) {
				s := open(t)
				a := newAlert("cpu", types.StateEscalating)
				require.NoError(t, s.Upsert(ctx, a))
				assert.True(t, errors.Is(s.Archive(ctx, a.ID), types.ErrStateViolation))

				require.NoError(t, s.Upsert(ctx, resolved(a, t0.Add(time.Minute))))
				require.NoError(t, s.Archive(ctx, a.ID))
				_, ok, err := s.Get(ctx, a.ID)
				require.NoError(t, err)
				assert.False(t, ok)

				history, err := s.History(ctx, a.ID)
				require.NoError(t, err)
				require.Len(t, history, 1)
				assert.Equal(t, types.StateResolved, history[0].State)

				require.NoError(t, s.Archive(ctx, "never:threshold"))
			})

			t.Run("groups", func(t *testing.T) {
				s := open(t)
				g := types.CorrelationGroup{
					ID:              "g1",
					RuleName:        "db-outage",
					State:           types.GroupOpen,
					TimeWindowStart: t0,
					TimeWindow:      5 * time.Minute,
					MemberAlertIDs:  map[string]bool{"a:threshold": true},
					Score:           1,
					CreatedAt:       t0,
				}
				require.NoError(t, s.UpsertGroup(ctx, g))
				g.MemberAlertIDs["b:threshold"] = true

				got, ok, err := s.GetGroup(ctx, "g1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, "db-outage", got.RuleName)
				assert.Equal(t, []string{"a:threshold"}, got.Members())

				groups, err := s.ListGroups(ctx)
				require.NoError(t, err)
				assert.Len(t, groups, 1)

				_, ok, err = s.GetGroup(ctx, "nope")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("purge", func(t *testing.T) {
				s := open(t)
				old := resolved(newAlert("old", types.StateRaised), t0)
				fresh := resolved(newAlert("fresh", types.StateRaised), t0.Add(2*time.Hour))
				live := newAlert("live", types.StateEscalating)
				for _, x := range []types.Alert{old, fresh, live} {
					require.NoError(t, s.Upsert(ctx, x))
				}
				archived := resolved(newAlert("arch", types.StateRaised), t0)
				require.NoError(t, s.Upsert(ctx, archived))
				require.NoError(t, s.Archive(ctx, archived.ID))

				doneAt := t0
				require.NoError(t, s.UpsertGroup(ctx, types.CorrelationGroup{
					ID: "done", State: types.GroupResolved, ResolvedAt: &doneAt, CreatedAt: t0,
				}))
				require.NoError(t, s.UpsertGroup(ctx, types.CorrelationGroup{
					ID: "open", State: types.GroupOpen, TimeWindowStart: t0, TimeWindow: time.Minute, CreatedAt: t0,
				}))

				n, err := s.Purge(ctx, t0.Add(time.Hour))
				require.NoError(t, err)
				assert.Equal(t, 3, n)

				all, err := s.List(ctx)
				require.NoError(t, err)
				assert.Len(t, all, 2)
				history, err := s.History(ctx, archived.ID)
				require.NoError(t, err)
				assert.Empty(t, history)
				groups, err := s.ListGroups(ctx)
				require.NoError(t, err)
				require.Len(t, groups, 1)
				assert.Equal(t, "open", groups[0].ID)
			})
		})
	}
}
