package in

import (
	"context"

	"ticket_worker/core/domain"
)

// SyncService runs mailbox jobs.
type SyncService interface {
	// SyncJob runs one complete synchronization of the job. A failed run is
	// reported through the result status, the error is reserved for runs that
	// could not start (unknown job, lock held).
	SyncJob(ctx context.Context, jobID int64) (*domain.SyncResult, error)
}

// JobQuery exposes job state to the ops API.
type JobQuery interface {
	GetJob(ctx context.Context, jobID int64) (*domain.MailboxJob, error)
}
