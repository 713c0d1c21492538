package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"

	"github.com/redis/go-redis/v9"
)

// OAuthStateKey Redis key prefix for OAuth state
const OAuthStateKey = "mailticket:oauth:state:"

var ErrStateNotFound = fmt.Errorf("%w: not found or expired", domain.ErrInvalidState)

// RedisOAuthStateStore keeps pending OAuth states in Redis (CSRF protection).
type RedisOAuthStateStore struct {
	client redis.UniversalClient
}

// NewRedisOAuthStateStore creates a new Redis OAuth state store.
func NewRedisOAuthStateStore(client redis.UniversalClient) *RedisOAuthStateStore {
	return &RedisOAuthStateStore{client: client}
}

// Store saves state for jobID until ttl expires.
func (s *RedisOAuthStateStore) Store(ctx context.Context, state string, jobID int64, ttl time.Duration) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	if jobID <= 0 {
		return errors.New("job id must be positive")
	}

	if err := s.client.Set(ctx, OAuthStateKey+state, jobID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store OAuth state: %w", err)
	}
	return nil
}

// Consume validates state and deletes it (one-time use).
func (s *RedisOAuthStateStore) Consume(ctx context.Context, state string) (int64, error) {
	if state == "" {
		return 0, errors.New("state cannot be empty")
	}

	// GETDEL is atomic, a replayed state is rejected
	raw, err := s.client.GetDel(ctx, OAuthStateKey+state).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrStateNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to validate OAuth state: %w", err)
	}

	jobID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id in state: %w", err)
	}
	return jobID, nil
}

// MemoryOAuthStateStore is the single-process fallback.
type MemoryOAuthStateStore struct {
	mu     sync.Mutex
	states map[string]memoryState
	now    func() time.Time
}

type memoryState struct {
	jobID   int64
	expires time.Time
}

func NewMemoryOAuthStateStore() *MemoryOAuthStateStore {
	return &MemoryOAuthStateStore{states: make(map[string]memoryState), now: time.Now}
}

func (s *MemoryOAuthStateStore) Store(ctx context.Context, state string, jobID int64, ttl time.Duration) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, v := range s.states {
		if now.After(v.expires) {
			delete(s.states, k)
		}
	}
	s.states[state] = memoryState{jobID: jobID, expires: now.Add(ttl)}
	return nil
}

func (s *MemoryOAuthStateStore) Consume(ctx context.Context, state string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.states[state]
	delete(s.states, state)
	if !ok || s.now().After(v.expires) {
		return 0, ErrStateNotFound
	}
	return v.jobID, nil
}

var (
	_ out.StateStore = (*RedisOAuthStateStore)(nil)
	_ out.StateStore = (*MemoryOAuthStateStore)(nil)
)
