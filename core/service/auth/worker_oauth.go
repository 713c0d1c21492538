// Package auth manages the OAuth credentials of mailbox jobs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/in"
	"ticket_worker/core/port/out"
	"ticket_worker/pkg/logger"
	"ticket_worker/pkg/metrics"

	"github.com/google/uuid"
)

const (
	tokenLockPrefix = "mailticket:token:"
	defaultStateTTL = 15 * time.Minute
	defaultLockTTL  = time.Minute
)

// TokenManager keeps job tokens fresh and runs the authorization flow.
type TokenManager struct {
	tokens    out.TokenRepository
	jobs      out.JobRepository
	providers out.ProviderRegistry
	locker    out.Locker
	states    out.StateStore

	lockTTL  time.Duration
	stateTTL time.Duration
	now      func() time.Time
}

// Option configures a TokenManager.
type Option func(*TokenManager)

// WithLockTTL sets the TTL of the refresh lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *TokenManager) {
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithStateStore enables one-time OAuth state validation.
func WithStateStore(states out.StateStore) Option {
	return func(m *TokenManager) { m.states = states }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) { m.now = now }
}

// NewTokenManager creates a new token manager. locker may be nil when the
// caller already serializes runs per job.
func NewTokenManager(tokens out.TokenRepository, jobs out.JobRepository, providers out.ProviderRegistry, locker out.Locker, opts ...Option) *TokenManager {
	m := &TokenManager{
		tokens:    tokens,
		jobs:      jobs,
		providers: providers,
		locker:    locker,
		lockTTL:   defaultLockTTL,
		stateTTL:  defaultStateTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// Token refresh
// =============================================================================

// EnsureFreshToken returns a usable token for the job. An expired token is
// refreshed through the job's provider; a failed refresh marks both the token
// and the job failed and returns a token_refresh SyncError.
func (m *TokenManager) EnsureFreshToken(ctx context.Context, job *domain.MailboxJob) (*domain.ProviderToken, error) {
	if m.locker != nil {
		lock, err := m.locker.Acquire(ctx, tokenLockPrefix+strconv.FormatInt(job.ID, 10), m.lockTTL)
		if err != nil {
			return nil, m.refreshFailed(ctx, job, fmt.Errorf("refresh lock: %w", err))
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.WithField("job_id", job.ID).Warn("failed to release token lock: %v", err)
			}
		}()
	}

	// read under the lock so a concurrent refresh is observed
	token, err := m.tokens.GetByJobID(ctx, job.ID)
	if err != nil {
		return nil, m.refreshFailed(ctx, job, err)
	}
	if token == nil {
		return nil, m.refreshFailed(ctx, job, domain.ErrNoToken)
	}

	if !token.Expired(m.now()) {
		return token, nil
	}

	provider, err := m.providers.Provider(ctx, job.ProviderName)
	if err != nil {
		return nil, m.refreshFailed(ctx, job, err)
	}

	fresh, err := provider.RefreshAccessToken(ctx, token.RefreshToken)
	metrics.RecordTokenRefresh(provider.Name(), err)
	if err != nil {
		return nil, m.refreshFailed(ctx, job, err)
	}

	token.AccessToken = fresh.AccessToken
	token.ExpiresAt = fresh.Expiry
	if fresh.RefreshToken != "" {
		token.RefreshToken = fresh.RefreshToken
	}
	token.Status = domain.TokenStatusAuthenticated
	token.Message = ""
	token.UpdatedAt = m.now()

	if err := m.tokens.Save(ctx, token); err != nil {
		return nil, m.refreshFailed(ctx, job, err)
	}

	logger.WithFields(map[string]any{
		"job_id":     job.ID,
		"provider":   provider.Name(),
		"expires_at": token.ExpiresAt,
	}).Info("access token refreshed")
	return token, nil
}

func (m *TokenManager) refreshFailed(ctx context.Context, job *domain.MailboxJob, cause error) error {
	log := logger.WithField("job_id", job.ID).WithError(cause)
	log.Error("token refresh failed")

	if !errors.Is(cause, domain.ErrNoToken) {
		if err := m.tokens.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
			log.Warn("failed to mark token failed: %v", err)
		}
	}
	if err := m.jobs.MarkFailed(ctx, job.ID, domain.MsgTokenRefreshFailed); err != nil {
		log.Warn("failed to mark job failed: %v", err)
	}
	return domain.NewTokenRefreshError(cause)
}

// =============================================================================
// Authorization flow
// =============================================================================

// AuthorizationURL returns the consent URL for a job. The state is
// "<jobID>.<uuid>".
func (m *TokenManager) AuthorizationURL(ctx context.Context, jobID int64) (string, string, error) {
	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		return "", "", err
	}

	provider, err := m.providers.Provider(ctx, job.ProviderName)
	if err != nil {
		return "", "", err
	}

	state := fmt.Sprintf("%d.%s", job.ID, uuid.NewString())
	if m.states != nil {
		if err := m.states.Store(ctx, state, job.ID, m.stateTTL); err != nil {
			return "", "", err
		}
	}
	return provider.AuthorizationURL(state), state, nil
}

// CompleteAuthorization exchanges the code and stores the job token. A failed
// exchange is recorded on the token row with status failed.
func (m *TokenManager) CompleteAuthorization(ctx context.Context, state, code string) (*domain.ProviderToken, error) {
	jobID, err := m.resolveState(ctx, state)
	if err != nil {
		return nil, err
	}

	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	provider, err := m.providers.Provider(ctx, job.ProviderName)
	if err != nil {
		return nil, err
	}

	token, err := m.tokens.GetByJobID(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if token == nil {
		token = &domain.ProviderToken{JobID: job.ID, Status: domain.TokenStatusCreated}
	}
	token.UpdatedAt = m.now()

	auth, exErr := provider.ExchangeCode(ctx, code)
	if exErr != nil {
		token.Status = domain.TokenStatusFailed
		token.Message = exErr.Error()
		if err := m.tokens.Save(ctx, token); err != nil {
			logger.WithField("job_id", job.ID).Warn("failed to record authorization failure: %v", err)
		}
		return nil, fmt.Errorf("authorization failed: %w", exErr)
	}

	token.AccessToken = auth.AccessToken
	if auth.RefreshToken != "" {
		token.RefreshToken = auth.RefreshToken
	}
	token.ExpiresAt = auth.ExpiresAt
	token.Status = domain.TokenStatusAuthenticated
	token.Message = ""
	if auth.Email != "" {
		token.Message = "Authenticated as " + auth.Email
	}

	if err := m.tokens.Save(ctx, token); err != nil {
		return nil, err
	}

	logger.WithFields(map[string]any{
		"job_id":   job.ID,
		"provider": provider.Name(),
		"email":    auth.Email,
	}).Info("mailbox authorized")
	return token, nil
}

func (m *TokenManager) resolveState(ctx context.Context, state string) (int64, error) {
	if m.states != nil {
		return m.states.Consume(ctx, state)
	}

	prefix, _, ok := strings.Cut(state, ".")
	if !ok {
		return 0, fmt.Errorf("%w: malformed %q", domain.ErrInvalidState, state)
	}
	jobID, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || jobID <= 0 {
		return 0, fmt.Errorf("%w: malformed %q", domain.ErrInvalidState, state)
	}
	return jobID, nil
}

var _ in.OAuthService = (*TokenManager)(nil)
