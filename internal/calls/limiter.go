package calls

import (
	"context"
	"sync"
	"time"

	"telecrm/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Limiter caps concurrently active calls per agent. A slot is taken by
// Initiate and given back on the call's terminal transition.
type Limiter interface {
	Acquire(ctx context.Context, callerID string) (bool, error)
	Release(ctx context.Context, callerID string) error
}

// NewLimiter returns nil when limit is not positive. With a client the cap is
// shared across instances; without one it only holds within this process.
func NewLimiter(rdb redis.UniversalClient, limit int, ttl time.Duration) Limiter {
	switch {
	case limit <= 0:
		return nil
	case rdb == nil:
		return NewMemoryLimiter(limit)
	default:
		return NewRedisLimiter(rdb, limit, ttl)
	}
}

// RedisLimiter shares the cap across API instances. The counter TTL bounds
// leaks from processes that die with calls in flight.
type RedisLimiter struct {
	rdb   redis.UniversalClient
	limit int
	ttl   time.Duration
}

func NewRedisLimiter(rdb redis.UniversalClient, limit int, ttl time.Duration) *RedisLimiter {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: ttl}
}

func activeKey(callerID string) string { return "calls:active:" + callerID }

func (l *RedisLimiter) Acquire(ctx context.Context, callerID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, activeKey(callerID), l.limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, callerID string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, activeKey(callerID))
}

// MemoryLimiter is the single-process Limiter.
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	active map[string]int
}

func NewMemoryLimiter(limit int) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, active: make(map[string]int)}
}

func (l *MemoryLimiter) Acquire(_ context.Context, callerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[callerID] >= l.limit {
		return false, nil
	}
	l.active[callerID]++
	return true, nil
}

func (l *MemoryLimiter) Release(_ context.Context, callerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[callerID] <= 1 {
		delete(l.active, callerID)
		return nil
	}
	l.active[callerID]--
	return nil
}
