package domain

import (
	"errors"
	"fmt"
	"strings"
)

// MsgTokenRefreshFailed is written to the job when the token could not be refreshed.
const MsgTokenRefreshFailed = "Failed to refresh token"

// Store sentinels.
var (
	ErrJobNotFound    = errors.New("mailbox job not found")
	ErrTicketNotFound = errors.New("ticket not found")
	ErrTicketExists   = errors.New("ticket for thread already exists")
	ErrJobLocked      = errors.New("job is locked by another run")
	ErrNoToken        = errors.New("job has no provider token")
	ErrInvalidState   = errors.New("invalid oauth state")
)

// ValidationError is returned by the ticket store when a ticket or user is
// rejected.
type ValidationError struct {
	Entity string
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is invalid: %s", e.Entity, strings.Join(e.Fields, ", "))
}

// =============================================================================
// Sync error taxonomy
// =============================================================================

type SyncErrorKind string

const (
	KindTokenRefresh SyncErrorKind = "token_refresh"
	KindFetch        SyncErrorKind = "fetch"
	KindConversation SyncErrorKind = "conversation"
	KindProvisioning SyncErrorKind = "provisioning"
	KindMarkRead     SyncErrorKind = "mark_read"
)

// SyncError is an error raised during a sync run, classified by kind.
type SyncError struct {
	Kind    SyncErrorKind
	Subject string // conversation id, message id or mail address
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error aborts the whole run.
func (e *SyncError) Fatal() bool {
	return e.Kind == KindTokenRefresh || e.Kind == KindFetch
}

func NewTokenRefreshError(err error) *SyncError {
	return &SyncError{Kind: KindTokenRefresh, Message: MsgTokenRefreshFailed, Err: err}
}

func NewFetchError(err error) *SyncError {
	return &SyncError{Kind: KindFetch, Message: "Failed to fetch unread mail", Err: err}
}

func NewConversationError(conversationID, message string, err error) *SyncError {
	return &SyncError{Kind: KindConversation, Subject: conversationID, Message: message, Err: err}
}

func NewProvisioningError(mail string, err error) *SyncError {
	return &SyncError{Kind: KindProvisioning, Subject: mail, Message: fmt.Sprintf("Failed to provision user %s", mail), Err: err}
}

func NewMarkReadError(messageID string, err error) *SyncError {
	return &SyncError{Kind: KindMarkRead, Subject: messageID, Message: fmt.Sprintf("Failed to mark message %s as read", messageID), Err: err}
}

// KindOf returns the kind of a wrapped SyncError, or "".
func KindOf(err error) SyncErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsFatal reports whether err aborts the run.
func IsFatal(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Fatal()
}
