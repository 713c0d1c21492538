package domain

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Mailbox Job - one monitored mailbox feeding one project
// =============================================================================

type SyncStatus string

const (
	SyncStatusNotSynced SyncStatus = "not_synced"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusSynced    SyncStatus = "synced"
	SyncStatusFailed    SyncStatus = "failed"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusNotSynced, SyncStatusSyncing, SyncStatusSynced, SyncStatusFailed:
		return true
	}
	return false
}

// MailboxJob is owned by the admin surface. A sync run reads the defaults at
// start and writes status, timestamps and message at the end.
type MailboxJob struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	ProviderName string `json:"provider"`

	// Ticket defaults
	ProjectID    int64  `json:"project_id"`
	TrackerID    int64  `json:"tracker_id"`
	PriorityID   int64  `json:"priority_id"`
	AssignedToID *int64 `json:"assigned_to_id,omitempty"`

	Frequency string `json:"frequency"`
	Active    bool   `json:"active"`

	SyncStatus    SyncStatus `json:"sync_status"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastSyncCount int        `json:"last_sync_email_count"`
	Message       string     `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const defaultSyncInterval = time.Hour

var namedFrequencies = map[string]time.Duration{
	"5min":   5 * time.Minute,
	"10min":  10 * time.Minute,
	"15min":  15 * time.Minute,
	"30min":  30 * time.Minute,
	"hourly": time.Hour,
	"daily":  24 * time.Hour,
	"weekly": 7 * 24 * time.Hour,
}

// Interval converts the job frequency into a duration. Unknown values fall
// back to hourly.
func (j *MailboxJob) Interval() time.Duration {
	f := strings.ToLower(strings.TrimSpace(j.Frequency))
	if d, ok := namedFrequencies[f]; ok {
		return d
	}
	if d, err := time.ParseDuration(f); err == nil && d > 0 {
		return d
	}
	return defaultSyncInterval
}

// DueAt reports whether the scheduler should enqueue the job at now.
//
// A job in status syncing counts as running only until staleAfter has passed
// since its last attempt; after that the run is presumed dead. The interval is
// measured from the later of the last successful sync and the last attempt,
// so failed runs wait a full interval too.
func (j *MailboxJob) DueAt(now time.Time, staleAfter time.Duration) bool {
	if !j.Active {
		return false
	}
	if j.SyncStatus == SyncStatusSyncing && j.LastAttemptAt != nil &&
		now.Before(j.LastAttemptAt.Add(staleAfter)) {
		return false
	}

	last := j.LastSyncAt
	if j.LastAttemptAt != nil && (last == nil || j.LastAttemptAt.After(*last)) {
		last = j.LastAttemptAt
	}
	if last == nil {
		return true
	}
	return !now.Before(last.Add(j.Interval()))
}

// JobLockKey returns the key of the per-job run lock.
func JobLockKey(jobID int64) string {
	return fmt.Sprintf("mailticket:job:%d", jobID)
}

// =============================================================================
// Sync Result
// =============================================================================

// SyncResult summarizes one run of one job.
type SyncResult struct {
	JobID         int64      `json:"job_id"`
	Provider      string     `json:"provider"`
	Status        SyncStatus `json:"status"`
	Fetched       int        `json:"fetched"`
	Conversations int        `json:"conversations"`
	Processed     int        `json:"processed"`
	Created       int        `json:"tickets_created"`
	Appended      int        `json:"comments_appended"`
	MarkReadFails int        `json:"mark_read_failures"`
	Errors        []string   `json:"errors,omitempty"`
	Message       string     `json:"message,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at"`
}

// Duration returns how long the run took.
func (r *SyncResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failed reports whether the run ended with status failed.
func (r *SyncResult) Failed() bool {
	return r.Status == SyncStatusFailed
}
