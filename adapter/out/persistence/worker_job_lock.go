package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Redis Locker
// =============================================================================

// RedisLocker implements out.Locker across processes with redislock.
type RedisLocker struct {
	client *redislock.Client
}

// NewRedisLocker creates a new Redis-backed locker.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

// Acquire obtains key without waiting.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (out.Lock, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, domain.ErrJobLocked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}
	return &redisLock{lock: lock}, nil
}

type redisLock struct {
	lock *redislock.Lock
}

func (l *redisLock) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		// expired while held
		return nil
	}
	return err
}

// =============================================================================
// Local Locker
// =============================================================================

// LocalLocker implements out.Locker inside one process. It is used when no
// Redis is configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocalLocker creates a process-local locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

// Acquire obtains key without waiting. An expired hold is taken over.
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (out.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, domain.ErrJobLocked
	}
	until := now.Add(ttl)
	l.held[key] = until
	return &localLock{locker: l, key: key, until: until}, nil
}

type localLock struct {
	locker *LocalLocker
	key    string
	until  time.Time
}

func (l *localLock) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	// only release our own hold
	if until, ok := l.locker.held[l.key]; ok && until.Equal(l.until) {
		delete(l.locker.held, l.key)
	}
	return nil
}

var (
	_ out.Locker = (*RedisLocker)(nil)
	_ out.Locker = (*LocalLocker)(nil)
)
