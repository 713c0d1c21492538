// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"fmt"

	"ticket_worker/core/domain"

	"golang.org/x/oauth2"
)

// =============================================================================
// Mail Provider Port (Gmail, Outlook)
// =============================================================================

// MailProvider is the capability set every mail provider implements.
// Implementations never retry internally; a non-2xx response is returned as a
// *ProviderError.
type MailProvider interface {
	Name() string

	// FetchUnread returns every unread message of the mailbox with attachment
	// bytes resolved, ParentID computed and sorted by ReceivedAt ascending.
	FetchUnread(ctx context.Context, accessToken string) ([]domain.NormalizedMessage, error)
	MarkRead(ctx context.Context, messageID, accessToken string) error

	RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*domain.Authorization, error)
}

// ProviderRegistry resolves a provider implementation by name.
type ProviderRegistry interface {
	Provider(ctx context.Context, name string) (MailProvider, error)
}

// =============================================================================
// Provider Errors
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
	ProviderErrUnavailable  ProviderErrorCode = "circuit_open"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider   string
	Code       ProviderErrorCode
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Operation, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider, operation string, code ProviderErrorCode, status int, message string, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Operation:  operation,
		StatusCode: status,
		Message:    message,
		Err:        err,
	}
}
