// Package persistence provides database adapters.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"
	"ticket_worker/pkg/crypto"
	"ticket_worker/pkg/logger"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// TokenAdapter - the token cell of each job
// =============================================================================

// TokenAdapter implements out.TokenRepository. Access and refresh tokens are
// sealed at rest when a sealer is configured.
type TokenAdapter struct {
	db     *sqlx.DB
	sealer *crypto.Sealer
	now    func() time.Time
}

// NewTokenAdapter creates a new TokenAdapter. sealer may be nil.
func NewTokenAdapter(db *sqlx.DB, sealer *crypto.Sealer) *TokenAdapter {
	if sealer.Enabled() {
		logger.Info("Token encryption enabled")
	} else {
		logger.Warn("Token encryption disabled: TOKEN_ENCRYPTION_KEY not set")
	}
	return &TokenAdapter{db: db, sealer: sealer, now: time.Now}
}

type tokenEntity struct {
	ID           int64         `db:"id"`
	JobID        int64         `db:"job_id"`
	ProviderID   sql.NullInt64 `db:"provider_id"`
	AccessToken  string        `db:"access_token"`
	RefreshToken string        `db:"refresh_token"`
	ExpiresAt    time.Time     `db:"expires_at"`
	Status       string        `db:"status"`
	Message      string        `db:"message"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

func (a *TokenAdapter) toDomain(e *tokenEntity) (*domain.ProviderToken, error) {
	access, err := a.sealer.Open(e.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to open access token of job %d: %w", e.JobID, err)
	}
	refresh, err := a.sealer.Open(e.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to open refresh token of job %d: %w", e.JobID, err)
	}
	return &domain.ProviderToken{
		ID:           e.ID,
		JobID:        e.JobID,
		ProviderID:   e.ProviderID.Int64,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    e.ExpiresAt,
		Status:       domain.TokenStatus(e.Status),
		Message:      e.Message,
		UpdatedAt:    e.UpdatedAt,
	}, nil
}

// GetByJobID returns the token of a job, or nil when none was stored yet.
func (a *TokenAdapter) GetByJobID(ctx context.Context, jobID int64) (*domain.ProviderToken, error) {
	var e tokenEntity
	query := a.db.Rebind(`
		SELECT id, job_id, provider_id, access_token, refresh_token, expires_at, status, message, updated_at
		FROM mail_ticket_tokens
		WHERE job_id = ?`)

	if err := a.db.GetContext(ctx, &e, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a.toDomain(&e)
}

// Save upserts the token cell of token.JobID.
func (a *TokenAdapter) Save(ctx context.Context, token *domain.ProviderToken) error {
	access, err := a.sealer.Seal(token.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := a.sealer.Seal(token.RefreshToken)
	if err != nil {
		return err
	}

	var providerID sql.NullInt64
	if token.ProviderID > 0 {
		providerID = sql.NullInt64{Int64: token.ProviderID, Valid: true}
	}
	if token.Status == "" {
		token.Status = domain.TokenStatusCreated
	}
	now := a.now()

	query := a.db.Rebind(`
		INSERT INTO mail_ticket_tokens (job_id, provider_id, access_token, refresh_token, expires_at, status, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			provider_id = COALESCE(excluded.provider_id, mail_ticket_tokens.provider_id),
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			status = excluded.status,
			message = excluded.message,
			updated_at = excluded.updated_at
		RETURNING id`)

	err = a.db.QueryRowxContext(ctx, query,
		token.JobID, providerID, access, refresh, token.ExpiresAt, string(token.Status), token.Message, now, now,
	).Scan(&token.ID)
	if err != nil {
		return fmt.Errorf("failed to save token of job %d: %w", token.JobID, err)
	}
	token.UpdatedAt = now
	return nil
}

// MarkFailed flags the stored token failed with message.
func (a *TokenAdapter) MarkFailed(ctx context.Context, jobID int64, message string) error {
	query := a.db.Rebind(`UPDATE mail_ticket_tokens SET status = ?, message = ?, updated_at = ? WHERE job_id = ?`)
	_, err := a.db.ExecContext(ctx, query, string(domain.TokenStatusFailed), message, a.now(), jobID)
	return err
}

// =============================================================================
// ProviderAdapter - OAuth client registrations
// =============================================================================

// ProviderAdapter implements out.ProviderRepository.
type ProviderAdapter struct {
	db     *sqlx.DB
	sealer *crypto.Sealer
}

// NewProviderAdapter creates a new ProviderAdapter. Client secrets may be
// stored sealed with the token key.
func NewProviderAdapter(db *sqlx.DB, sealer *crypto.Sealer) *ProviderAdapter {
	return &ProviderAdapter{db: db, sealer: sealer}
}

type providerEntity struct {
	ID           int64  `db:"id"`
	Name         string `db:"name"`
	ClientID     string `db:"client_id"`
	ClientSecret string `db:"client_secret"`
	TenantID     string `db:"tenant_id"`
	CallbackURL  string `db:"callback_url"`
	Active       bool   `db:"active"`
}

// GetByName returns the newest active registration of a provider, or nil.
func (a *ProviderAdapter) GetByName(ctx context.Context, name string) (*domain.ProviderConfig, error) {
	var e providerEntity
	query := a.db.Rebind(`
		SELECT id, name, client_id, client_secret, tenant_id, callback_url, active
		FROM mail_ticket_providers
		WHERE LOWER(name) = ? AND active = ?
		ORDER BY id DESC
		LIMIT 1`)

	if err := a.db.GetContext(ctx, &e, query, domain.NormalizeProviderName(name), true); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	secret, err := a.sealer.Open(e.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to open client secret of %s: %w", e.Name, err)
	}
	return &domain.ProviderConfig{
		ID:           e.ID,
		Name:         domain.NormalizeProviderName(e.Name),
		ClientID:     e.ClientID,
		ClientSecret: secret,
		TenantID:     e.TenantID,
		CallbackURL:  e.CallbackURL,
		Active:       e.Active,
	}, nil
}

// Create registers a provider client. The secret is sealed when possible.
func (a *ProviderAdapter) Create(ctx context.Context, p *domain.ProviderConfig) error {
	secret, err := a.sealer.Seal(p.ClientSecret)
	if err != nil {
		return err
	}
	query := a.db.Rebind(`
		INSERT INTO mail_ticket_providers (name, client_id, client_secret, tenant_id, callback_url, active)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`)
	return a.db.QueryRowxContext(ctx, query,
		domain.NormalizeProviderName(p.Name), p.ClientID, secret, p.TenantID, p.CallbackURL, p.Active,
	).Scan(&p.ID)
}

var (
	_ out.TokenRepository    = (*TokenAdapter)(nil)
	_ out.ProviderRepository = (*ProviderAdapter)(nil)
)
