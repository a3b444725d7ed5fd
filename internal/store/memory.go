package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/heartline/alertd/internal/types"
)

const lockStripes = 64

// MemoryStore is an in-process AlertStore. Writers of one alert id are
// serialized by a striped key lock; readers never block writers of other
// ids for longer than a map access.
type MemoryStore struct {
	keys [lockStripes]sync.Mutex

	mu      sync.RWMutex
	alerts  map[string]types.Alert
	history map[string][]types.Alert
	groups  map[string]types.CorrelationGroup
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:  make(map[string]types.Alert),
		history: make(map[string][]types.Alert),
		groups:  make(map[string]types.CorrelationGroup),
	}
}

func (s *MemoryStore) lockKey(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	m := &s.keys[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func (s *MemoryStore) Upsert(_ context.Context, alert types.Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}
	defer s.lockKey(alert.ID)()
	s.mu.Lock()
	s.alerts[alert.ID] = alert
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (types.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	return a, ok, nil
}

func (s *MemoryStore) List(_ context.Context) ([]types.Alert, error) {
	return s.filter(func(types.Alert) bool { return true }), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]types.Alert, error) {
	return s.filter(types.Alert.Active), nil
}

func (s *MemoryStore) ListByCorrelationGroup(_ context.Context, groupID string) ([]types.Alert, error) {
	return s.filter(func(a types.Alert) bool { return a.CorrelationGroupID == groupID }), nil
}

func (s *MemoryStore) filter(keep func(types.Alert) bool) []types.Alert {
	s.mu.RLock()
	out := make([]types.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if keep(a) {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()
	sortAlerts(out)
	return out
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, id string, expected types.AlertState, next types.Alert) (bool, error) {
	if next.ID != id {
		return false, fmt.Errorf("alert id mismatch: %s != %s", next.ID, id)
	}
	defer s.lockKey(id)()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[id]
	switch {
	case expected == "" && ok:
		return false, nil
	case expected != "" && (!ok || cur.State != expected):
		return false, nil
	}
	s.alerts[id] = next
	return true, nil
}

func (s *MemoryStore) Archive(_ context.Context, id string) error {
	defer s.lockKey(id)()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[id]
	if !ok {
		return nil
	}
	if cur.State != types.StateResolved {
		return fmt.Errorf("archive %s: %w", id, types.ErrStateViolation)
	}
	s.history[id] = append(s.history[id], cur)
	delete(s.alerts, id)
	return nil
}

func (s *MemoryStore) History(_ context.Context, id string) ([]types.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Alert(nil), s.history[id]...), nil
}

func (s *MemoryStore) UpsertGroup(_ context.Context, group types.CorrelationGroup) error {
	if group.ID == "" {
		return fmt.Errorf("group id is required")
	}
	s.mu.Lock()
	s.groups[group.ID] = group.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, id string) (types.CorrelationGroup, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return types.CorrelationGroup{}, false, nil
	}
	return g.Clone(), true, nil
}

func (s *MemoryStore) ListGroups(_ context.Context) ([]types.CorrelationGroup, error) {
	s.mu.RLock()
	out := make([]types.CorrelationGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Clone())
	}
	s.mu.RUnlock()
	sortGroups(out)
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, a := range s.alerts {
		if resolvedBefore(a, before) {
			delete(s.alerts, id)
			removed++
		}
	}
	for id, records := range s.history {
		kept := records[:0]
		for _, a := range records {
			if resolvedBefore(a, before) {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(s.history, id)
		} else {
			s.history[id] = kept
		}
	}
	for id, g := range s.groups {
		if at, closed := closedAt(g); closed && at.Before(before) {
			delete(s.groups, id)
			removed++
		}
	}
	return removed, nil
}

func sortAlerts(alerts []types.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].FirstSeenAt.Equal(alerts[j].FirstSeenAt) {
			return alerts[i].FirstSeenAt.Before(alerts[j].FirstSeenAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

func sortGroups(groups []types.CorrelationGroup) {
	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].CreatedAt.Before(groups[j].CreatedAt)
		}
		return groups[i].ID < groups[j].ID
	})
}
