package out

import (
	"context"
	"time"

	"ticket_worker/core/domain"
)

// JobRepository persists mailbox jobs and their sync bookkeeping.
type JobRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.MailboxJob, error)
	ListActive(ctx context.Context) ([]*domain.MailboxJob, error)
	// MarkSyncing flags a run in progress and records when it started.
	MarkSyncing(ctx context.Context, id int64, startedAt time.Time) error
	// MarkFailed writes status failed with message, leaving counters untouched.
	MarkFailed(ctx context.Context, id int64, message string) error
	// UpdateSyncResult writes the final status, message, timestamp and count.
	UpdateSyncResult(ctx context.Context, id int64, status domain.SyncStatus, message string, syncedAt time.Time, count int) error
}

// Locker serializes work on one key across workers and processes.
type Locker interface {
	// Acquire returns domain.ErrJobLocked when the key is held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
}
