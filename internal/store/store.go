// Package store holds the lifecycle records of alerts and incidents.
package store

import (
	"context"
	"time"

	"github.com/heartline/alertd/internal/types"
)

// AlertStore owns every Alert and CorrelationGroup record. Writes to one
// alert id are serialized by the implementation; CompareAndSwap is the
// only way the engine changes an alert's state.
type AlertStore interface {
	// Upsert stores alert unconditionally
	Upsert(ctx context.Context, alert types.Alert) error
	// Get returns the current record for id
	Get(ctx context.Context, id string) (types.Alert, bool, error)
	// List returns every current record, resolved ones included
	List(ctx context.Context) ([]types.Alert, error)
	// ListActive returns the unresolved records
	ListActive(ctx context.Context) ([]types.Alert, error)
	// ListByCorrelationGroup returns the current records tagged with groupID
	ListByCorrelationGroup(ctx context.Context, groupID string) ([]types.Alert, error)
	// CompareAndSwap stores next only if the current record's state is
	// expected. An empty expected state means "no current record".
	CompareAndSwap(ctx context.Context, id string, expected types.AlertState, next types.Alert) (bool, error)
	// Archive moves the current resolved record of id into history
	Archive(ctx context.Context, id string) error
	// History returns archived records of id, oldest first
	History(ctx context.Context, id string) ([]types.Alert, error)

	UpsertGroup(ctx context.Context, group types.CorrelationGroup) error
	GetGroup(ctx context.Context, id string) (types.CorrelationGroup, bool, error)
	ListGroups(ctx context.Context) ([]types.CorrelationGroup, error)

	// Purge removes resolved alerts, archived records and closed groups
	// that were closed before cutoff. It returns the number of records
	// removed.
	Purge(ctx context.Context, before time.Time) (int, error)
}

// closedAt returns when a group stopped accepting members
func closedAt(g types.CorrelationGroup) (time.Time, bool) {
	switch g.State {
	case types.GroupResolved:
		if g.ResolvedAt != nil {
			return *g.ResolvedAt, true
		}
		return g.TimeWindowStart.Add(g.TimeWindow), true
	case types.GroupExpired:
		return g.TimeWindowStart.Add(g.TimeWindow), true
	}
	return time.Time{}, false
}

func resolvedBefore(a types.Alert, before time.Time) bool {
	return a.State == types.StateResolved && a.ResolvedAt != nil && a.ResolvedAt.Before(before)
}
