package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix        = "session:"
	createdIndexKey  = "session:index:created"
	terminalIndexKey = "session:index:terminal"

	maxUpdateRetries = 5
)

// RedisRegistry stores entries in Redis so that several API processes can
// share one view of live calls.
//
// Layout:
// - session:<call_id>          JSON Entry with TTL
// - session:index:created      ZSET call_id -> created_at (unix ms)
// - session:index:terminal     ZSET call_id -> terminal_at (unix ms)
//
// Update uses WATCH/MULTI so concurrent writers of one key retry rather than
// interleave; different keys never contend.
type RedisRegistry struct {
	rdb   redis.UniversalClient
	ttl   time.Duration
	clock func() time.Time
}

// NewRedisRegistry returns a registry whose entries expire after ttl even if
// nobody removes them. ttl should exceed the reaper's max session age.
func NewRedisRegistry(rdb redis.UniversalClient, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisRegistry{rdb: rdb, ttl: ttl, clock: time.Now}
}

func sessionKey(callID string) string { return keyPrefix + callID }

func (r *RedisRegistry) Create(ctx context.Context, callID, callerID, status string) error {
	now := r.clock().UTC()
	e := Entry{
		CallID:    callID,
		CallerID:  callerID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ok, err := r.rdb.SetNX(ctx, sessionKey(callID), string(b), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("session: create %s: %w", callID, err)
	}
	if !ok {
		return ErrExists
	}
	if err := r.rdb.ZAdd(ctx, createdIndexKey, redis.Z{Score: float64(now.UnixMilli()), Member: callID}).Err(); err != nil {
		return fmt.Errorf("session: index %s: %w", callID, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, callID string) (Entry, error) {
	b, err := r.rdb.Get(ctx, sessionKey(callID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("session: decode %s: %w", callID, err)
	}
	return e, nil
}

func (r *RedisRegistry) Update(ctx context.Context, callID string, fn func(*Entry) error) (Entry, error) {
	key := sessionKey(callID)
	var out Entry

	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			return fmt.Errorf("session: decode %s: %w", callID, err)
		}
		if err := fn(&e); err != nil {
			return err
		}
		e.CallID = callID
		e.UpdatedAt = r.clock().UTC()
		nb, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, string(nb), redis.KeepTTL)
			if e.TerminalAt != nil {
				p.ZAdd(ctx, terminalIndexKey, redis.Z{Score: float64(e.TerminalAt.UnixMilli()), Member: callID})
			}
			return nil
		})
		if err == nil {
			out = e
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Entry{}, err
	}
	return Entry{}, fmt.Errorf("session: update %s: too much contention", callID)
}

func (r *RedisRegistry) Remove(ctx context.Context, callID string) error {
	if err := r.rdb.Del(ctx, sessionKey(callID)).Err(); err != nil {
		return err
	}
	if err := r.rdb.ZRem(ctx, createdIndexKey, callID).Err(); err != nil {
		return err
	}
	return r.rdb.ZRem(ctx, terminalIndexKey, callID).Err()
}

func (r *RedisRegistry) Expired(ctx context.Context, now time.Time, maxAge, terminalGrace time.Duration) ([]Entry, error) {
	ids := map[string]struct{}{}
	collect := func(index string, cutoff time.Time) error {
		members, err := r.rdb.ZRangeByScore(ctx, index, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return err
		}
		for _, m := range members {
			ids[m] = struct{}{}
		}
		return nil
	}
	if maxAge > 0 {
		if err := collect(createdIndexKey, now.Add(-maxAge)); err != nil {
			return nil, err
		}
	}
	if err := collect(terminalIndexKey, now.Add(-terminalGrace)); err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(ids))
	for id := range ids {
		e, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Key expired by TTL; drop the dangling index members.
			_ = r.Remove(ctx, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if expired(e, now, maxAge, terminalGrace) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *RedisRegistry) Len(ctx context.Context) (int, error) {
	n, err := r.rdb.ZCard(ctx, createdIndexKey).Result()
	return int(n), err
}
