package out

import (
	"context"
	"time"

	"ticket_worker/core/domain"
)

// TokenRepository stores the single token cell of each job.
type TokenRepository interface {
	// GetByJobID returns nil, nil when the job has no token yet.
	GetByJobID(ctx context.Context, jobID int64) (*domain.ProviderToken, error)
	// Save inserts or replaces the token of token.JobID.
	Save(ctx context.Context, token *domain.ProviderToken) error
	MarkFailed(ctx context.Context, jobID int64, message string) error
}

// ProviderRepository reads the OAuth client registrations.
type ProviderRepository interface {
	// GetByName returns nil, nil when no active row exists.
	GetByName(ctx context.Context, name string) (*domain.ProviderConfig, error)
}

// StateStore keeps pending OAuth states until the callback consumes them.
type StateStore interface {
	Store(ctx context.Context, state string, jobID int64, ttl time.Duration) error
	// Consume returns the job id of state and forgets it.
	Consume(ctx context.Context, state string) (int64, error)
}
