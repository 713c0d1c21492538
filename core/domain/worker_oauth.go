package domain

import (
	"strings"
	"time"
)

// Provider names stored on jobs and provider rows.
const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
)

// NormalizeProviderName maps aliases onto the canonical provider names.
func NormalizeProviderName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gmail", "google":
		return ProviderGmail
	case "outlook", "microsoft", "graph", "office365":
		return ProviderOutlook
	default:
		return strings.ToLower(strings.TrimSpace(name))
	}
}

type TokenStatus string

const (
	TokenStatusCreated       TokenStatus = "created"
	TokenStatusAuthenticated TokenStatus = "authenticated"
	TokenStatusFailed        TokenStatus = "failed"
)

// ProviderToken is the single OAuth credential cell of a mailbox job.
type ProviderToken struct {
	ID           int64       `json:"id"`
	JobID        int64       `json:"job_id"`
	ProviderID   int64       `json:"provider_id"`
	AccessToken  string      `json:"-"`
	RefreshToken string      `json:"-"`
	ExpiresAt    time.Time   `json:"expires_at"`
	Status       TokenStatus `json:"status"`
	Message      string      `json:"message,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Expired reports whether the access token expired before now.
func (t *ProviderToken) Expired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

// ProviderConfig holds the OAuth client registration of one provider.
type ProviderConfig struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	TenantID     string `json:"tenant_id,omitempty"`
	CallbackURL  string `json:"callback_url"`
	Active       bool   `json:"active"`
}

// Authorization is the result of an authorization-code exchange.
type Authorization struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Email        string
}
