package persistence

import (
	"context"
	"testing"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestLockers(t *testing.T) {
	_, rdb := newMiniredis(t)

	lockers := map[string]out.Locker{
		"redis": NewRedisLocker(rdb),
		"local": NewLocalLocker(),
	}

	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := domain.JobLockKey(7)

			lock, err := locker.Acquire(ctx, key, time.Minute)
			require.NoError(t, err)

			_, err = locker.Acquire(ctx, key, time.Minute)
			assert.ErrorIs(t, err, domain.ErrJobLocked)

			other, err := locker.Acquire(ctx, domain.JobLockKey(8), time.Minute)
			require.NoError(t, err)
			require.NoError(t, other.Release(ctx))

			require.NoError(t, lock.Release(ctx))

			again, err := locker.Acquire(ctx, key, time.Minute)
			require.NoError(t, err)
			require.NoError(t, again.Release(ctx))
		})
	}
}

func TestRedisLockExpires(t *testing.T) {
	mr, rdb := newMiniredis(t)
	locker := NewRedisLocker(rdb)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, domain.JobLockKey(1), time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	second, err := locker.Acquire(ctx, domain.JobLockKey(1), time.Second)
	require.NoError(t, err)

	// the stale holder must not release the new hold
	require.NoError(t, lock.Release(ctx))
	_, err = locker.Acquire(ctx, domain.JobLockKey(1), time.Second)
	assert.ErrorIs(t, err, domain.ErrJobLocked)
	require.NoError(t, second.Release(ctx))
}

func TestLocalLockExpires(t *testing.T) {
	locker := NewLocalLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrJobLocked)
	require.NoError(t, fresh.Release(ctx))
}

func TestOAuthStateStores(t *testing.T) {
	_, rdb := newMiniredis(t)

	stores := map[string]out.StateStore{
		"redis":  NewRedisOAuthStateStore(rdb),
		"memory": NewMemoryOAuthStateStore(),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Store(ctx, "12.abc", 12, time.Minute))

			jobID, err := store.Consume(ctx, "12.abc")
			require.NoError(t, err)
			assert.Equal(t, int64(12), jobID)

			_, err = store.Consume(ctx, "12.abc")
			assert.ErrorIs(t, err, ErrStateNotFound)
		})
	}
}
