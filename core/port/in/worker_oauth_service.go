package in

import (
	"context"

	"ticket_worker/core/domain"
)

type OAuthService interface {
	// AuthorizationURL returns the provider consent URL for a job. The state
	// carries the job id back to the callback.
	AuthorizationURL(ctx context.Context, jobID int64) (url string, state string, err error)

	// CompleteAuthorization exchanges the code and stores the job token.
	CompleteAuthorization(ctx context.Context, state, code string) (*domain.ProviderToken, error)

	// EnsureFreshToken returns a usable token for the job, refreshing it when
	// expired.
	EnsureFreshToken(ctx context.Context, job *domain.MailboxJob) (*domain.ProviderToken, error)
}
