package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heartline/alertd/internal/types"
)

const maxTxRetries = 16

// RedisStore keeps alerts and incidents in Redis. State changes use
// WATCH/MULTI optimistic transactions keyed on the alert record, which
// gives the same per-id serialization as MemoryStore across processes.
//
// Layout under the prefix:
//
//	alert:<id>          current record (JSON)
//	alerts              set of current ids
//	active              set of unresolved ids
//	group-alerts:<gid>  set of ids tagged with the group
//	history:<id>        archived records, scored by resolution time
//	archived            set of ids with history
//	group:<gid>         group record (JSON)
//	groups              set of group ids
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOptions configures NewRedisStore
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreWithClient(client, opts.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "alertd:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) alertKey(id string) string { return s.prefix + "alert:" + id }
func (s *RedisStore) groupAlertsKey(gid string) string { return s.prefix + "group-alerts:" + gid }
func (s *RedisStore) historyKey(id string) string { return s.prefix + "history:" + id }
func (s *RedisStore) groupKey(gid string) string { return s.prefix + "group:" + gid }
func (s *RedisStore) alertsKey() string { return s.prefix + "alerts" }
func (s *RedisStore) activeKey() string { return s.prefix + "active" }
func (s *RedisStore) archivedKey() string { return s.prefix + "archived" }
func (s *RedisStore) groupsKey() string { return s.prefix + "groups" }

func (s *RedisStore) Upsert(ctx context.Context, alert types.Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}
	_, err := s.update(ctx, alert.ID, func(*types.Alert) (*types.Alert, bool) {
		return &alert, true
	})
	return err
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, id string, expected types.AlertState, next types.Alert) (bool, error) {
	if next.ID != id {
		return false, fmt.Errorf("alert id mismatch: %s != %s", next.ID, id)
	}
	return s.update(ctx, id, func(cur *types.Alert) (*types.Alert, bool) {
		if expected == "" {
			return &next, cur == nil
		}
		return &next, cur != nil && cur.State == expected
	})
}

func (s *RedisStore) Archive(ctx context.Context, id string) error {
	key := s.alertKey(id)
	return s.retry(ctx, key, func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, key)
		if err != nil || cur == nil {
			return err
		}
		if cur.State != types.StateResolved {
			return fmt.Errorf("archive %s: %w", id, types.ErrStateViolation)
		}
		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("encoding alert %s: %w", id, err)
		}
		score := float64(cur.LastSeenAt.UnixMilli())
		if cur.ResolvedAt != nil {
			score = float64(cur.ResolvedAt.UnixMilli())
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, s.historyKey(id), redis.Z{Score: score, Member: data})
			pipe.SAdd(ctx, s.archivedKey(), id)
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.alertsKey(), id)
			pipe.SRem(ctx, s.activeKey(), id)
			if cur.CorrelationGroupID != "" {
				pipe.SRem(ctx, s.groupAlertsKey(cur.CorrelationGroupID), id)
			}
			return nil
		})
		return err
	})
}

// update runs mutate against the current record inside a WATCH transaction
// and writes its result when mutate approves
func (s *RedisStore) update(ctx context.Context, id string, mutate func(cur *types.Alert) (*types.Alert, bool)) (bool, error) {
	key := s.alertKey(id)
	applied := false
	err := s.retry(ctx, key, func(tx *redis.Tx) error {
		applied = false
		cur, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		next, ok := mutate(cur)
		if !ok {
			return nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding alert %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.alertsKey(), id)
			if next.Active() {
				pipe.SAdd(ctx, s.activeKey(), id)
			} else {
				pipe.SRem(ctx, s.activeKey(), id)
			}
			if cur != nil && cur.CorrelationGroupID != "" && cur.CorrelationGroupID != next.CorrelationGroupID {
				pipe.SRem(ctx, s.groupAlertsKey(cur.CorrelationGroupID), id)
			}
			if next.CorrelationGroupID != "" {
				pipe.SAdd(ctx, s.groupAlertsKey(next.CorrelationGroupID), id)
			}
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	})
	return applied, err
}

// retry repeats fn while a watched key changes underneath it
func (s *RedisStore) retry(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %s: too much contention", key)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, c getter, key string) (*types.Alert, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	var a types.Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return &a, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (types.Alert, bool, error) {
	a, err := s.read(ctx, s.client, s.alertKey(id))
	if err != nil || a == nil {
		return types.Alert{}, false, err
	}
	return *a, true, nil
}

func (s *RedisStore) List(ctx context.Context) ([]types.Alert, error) {
	return s.listSet(ctx, s.alertsKey())
}

func (s *RedisStore) ListActive(ctx context.Context) ([]types.Alert, error) {
	return s.listSet(ctx, s.activeKey())
}

func (s *RedisStore) ListByCorrelationGroup(ctx context.Context, groupID string) ([]types.Alert, error) {
	return s.listSet(ctx, s.groupAlertsKey(groupID))
}

func (s *RedisStore) listSet(ctx context.Context, setKey string) ([]types.Alert, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", setKey, err)
	}
	if len(ids) == 0 {
		return []types.Alert{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.alertKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", setKey, err)
	}
	out := make([]types.Alert, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// removed between SMEMBERS and MGET
			continue
		}
		var a types.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", keys[i], err)
		}
		out = append(out, a)
	}
	sortAlerts(out)
	return out, nil
}

func (s *RedisStore) History(ctx context.Context, id string) ([]types.Alert, error) {
	values, err := s.client.ZRange(ctx, s.historyKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loading history of %s: %w", id, err)
	}
	out := make([]types.Alert, 0, len(values))
	for _, raw := range values {
		var a types.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decoding history of %s: %w", id, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisStore) UpsertGroup(ctx context.Context, group types.CorrelationGroup) error {
	if group.ID == "" {
		return fmt.Errorf("group id is required")
	}
	data, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("encoding group %s: %w", group.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.groupKey(group.ID), data, 0)
		pipe.SAdd(ctx, s.groupsKey(), group.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing group %s: %w", group.ID, err)
	}
	return nil
}

func (s *RedisStore) GetGroup(ctx context.Context, id string) (types.CorrelationGroup, bool, error) {
	data, err := s.client.Get(ctx, s.groupKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.CorrelationGroup{}, false, nil
	}
	if err != nil {
		return types.CorrelationGroup{}, false, fmt.Errorf("reading group %s: %w", id, err)
	}
	var g types.CorrelationGroup
	if err := json.Unmarshal(data, &g); err != nil {
		return types.CorrelationGroup{}, false, fmt.Errorf("decoding group %s: %w", id, err)
	}
	return g, true, nil
}

func (s *RedisStore) ListGroups(ctx context.Context) ([]types.CorrelationGroup, error) {
	ids, err := s.client.SMembers(ctx, s.groupsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	out := make([]types.CorrelationGroup, 0, len(ids))
	for _, id := range ids {
		g, ok, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, g)
		}
	}
	sortGroups(out)
	return out, nil
}

func (s *RedisStore) Purge(ctx context.Context, before time.Time) (int, error) {
	removed := 0

	alerts, err := s.List(ctx)
	if err != nil {
		return removed, err
	}
	for _, a := range alerts {
		if !resolvedBefore(a, before) {
			continue
		}
		if _, err := s.purgeAlert(ctx, a.ID, before); err != nil {
			return removed, err
		}
		removed++
	}

	archived, err := s.client.SMembers(ctx, s.archivedKey()).Result()
	if err != nil {
		return removed, fmt.Errorf("listing archived alerts: %w", err)
	}
	cutoff := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	for _, id := range archived {
		n, err := s.client.ZRemRangeByScore(ctx, s.historyKey(id), "-inf", cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("purging history of %s: %w", id, err)
		}
		removed += int(n)
		left, err := s.client.ZCard(ctx, s.historyKey(id)).Result()
		if err == nil && left == 0 {
			s.client.SRem(ctx, s.archivedKey(), id)
		}
	}

	groups, err := s.ListGroups(ctx)
	if err != nil {
		return removed, err
	}
	for _, g := range groups {
		if at, closed := closedAt(g); closed && at.Before(before) {
			_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, s.groupKey(g.ID))
				pipe.SRem(ctx, s.groupsKey(), g.ID)
				return nil
			})
			if err != nil {
				return removed, fmt.Errorf("purging group %s: %w", g.ID, err)
			}
			removed++
		}
	}
	return removed, nil
}

// purgeAlert deletes the current record of id if it is still resolved
// before cutoff
func (s *RedisStore) purgeAlert(ctx context.Context, id string, before time.Time) (bool, error) {
	key := s.alertKey(id)
	deleted := false
	err := s.retry(ctx, key, func(tx *redis.Tx) error {
		cur, err := s.read(ctx, tx, key)
		if err != nil || cur == nil || !resolvedBefore(*cur, before) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.alertsKey(), id)
			pipe.SRem(ctx, s.activeKey(), id)
			if cur.CorrelationGroupID != "" {
				pipe.SRem(ctx, s.groupAlertsKey(cur.CorrelationGroupID), id)
			}
			return nil
		})
		deleted = err == nil
		return err
	})
	return deleted, err
}
