package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lead-qualifier/pkg/utils"
)

var ErrDialCapacity = errors.New("dispatch: outbound dial capacity reached")

// DialLimiter caps concurrent outbound calls. A slot is held from dial until the
// session reaches a terminal state.
type DialLimiter interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// MemoryDialLimiter is a counting semaphore for one process. limit <= 0 means unlimited.
type MemoryDialLimiter struct {
	mu     sync.Mutex
	limit  int
	active int
}

func NewMemoryDialLimiter(limit int) *MemoryDialLimiter {
	return &MemoryDialLimiter{limit: limit}
}

func (l *MemoryDialLimiter) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.active >= l.limit {
		return false, nil
	}
	l.active++
	return true, nil
}

func (l *MemoryDialLimiter) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
	return nil
}

func (l *MemoryDialLimiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// RedisDialLimiter shares the cap across instances with the Redis concurrency-cap script.
type RedisDialLimiter struct {
	rdb   *redis.Client
	key   string
	limit int
	ttl   time.Duration
}

func NewRedisDialLimiter(rdb *redis.Client, limit int, ttl time.Duration) *RedisDialLimiter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisDialLimiter{rdb: rdb, key: "dial_cap:outbound", limit: limit, ttl: ttl}
}

func (l *RedisDialLimiter) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, l.key, l.limit, l.ttl)
}

func (l *RedisDialLimiter) Release(ctx context.Context) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, l.key)
}
