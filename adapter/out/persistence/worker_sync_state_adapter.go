package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// JobAdapter - mailbox jobs and their sync bookkeeping
// =============================================================================

type JobAdapter struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewJobAdapter(db *sqlx.DB) *JobAdapter {
	return &JobAdapter{db: db, now: time.Now}
}

// =============================================================================
// Entity
// =============================================================================

type jobEntity struct {
	ID           int64         `db:"id"`
	Email        string        `db:"email"`
	Provider     string        `db:"provider"`
	ProjectID    int64         `db:"project_id"`
	TrackerID    int64         `db:"tracker_id"`
	PriorityID   int64         `db:"priority_id"`
	AssignedToID sql.NullInt64 `db:"assigned_to_id"`
	Frequency    string        `db:"frequency"`
	Active       bool          `db:"active"`

	SyncStatus    string       `db:"sync_status"`
	LastSyncAt    sql.NullTime `db:"last_sync_at"`
	LastAttemptAt sql.NullTime `db:"last_attempt_at"`
	LastSyncCount int          `db:"last_sync_email_count"`
	Message       string       `db:"message"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const jobColumns = `id, email, provider, project_id, tracker_id, priority_id, assigned_to_id,
	frequency, active, sync_status, last_sync_at, last_attempt_at, last_sync_email_count, message, created_at, updated_at`

func (e *jobEntity) toDomain() *domain.MailboxJob {
	job := &domain.MailboxJob{
		ID:            e.ID,
		Email:         e.Email,
		ProviderName:  e.Provider,
		ProjectID:     e.ProjectID,
		TrackerID:     e.TrackerID,
		PriorityID:    e.PriorityID,
		Frequency:     e.Frequency,
		Active:        e.Active,
		SyncStatus:    domain.SyncStatus(e.SyncStatus),
		LastSyncCount: e.LastSyncCount,
		Message:       e.Message,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if e.AssignedToID.Valid {
		id := e.AssignedToID.Int64
		job.AssignedToID = &id
	}
	if e.LastSyncAt.Valid {
		t := e.LastSyncAt.Time
		job.LastSyncAt = &t
	}
	if e.LastAttemptAt.Valid {
		t := e.LastAttemptAt.Time
		job.LastAttemptAt = &t
	}
	return job
}

// =============================================================================
// Queries
// =============================================================================

func (a *JobAdapter) GetByID(ctx context.Context, id int64) (*domain.MailboxJob, error) {
	var e jobEntity
	query := a.db.Rebind(`SELECT ` + jobColumns + ` FROM mail_job_schedules WHERE id = ?`)
	if err := a.db.GetContext(ctx, &e, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	return e.toDomain(), nil
}

func (a *JobAdapter) ListActive(ctx context.Context) ([]*domain.MailboxJob, error) {
	var entities []jobEntity
	query := a.db.Rebind(`SELECT ` + jobColumns + ` FROM mail_job_schedules WHERE active = ? ORDER BY id`)
	if err := a.db.SelectContext(ctx, &entities, query, true); err != nil {
		return nil, err
	}

	jobs := make([]*domain.MailboxJob, 0, len(entities))
	for i := range entities {
		jobs = append(jobs, entities[i].toDomain())
	}
	return jobs, nil
}

// Create inserts a job. It is used by seeding and tests; the admin surface
// owns jobs in production.
func (a *JobAdapter) Create(ctx context.Context, job *domain.MailboxJob) error {
	if job.SyncStatus == "" {
		job.SyncStatus = domain.SyncStatusNotSynced
	}
	var assigned sql.NullInt64
	if job.AssignedToID != nil {
		assigned = sql.NullInt64{Int64: *job.AssignedToID, Valid: true}
	}

	now := a.now()
	query := a.db.Rebind(`
		INSERT INTO mail_job_schedules (email, provider, project_id, tracker_id, priority_id, assigned_to_id,
			frequency, active, sync_status, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := a.db.QueryRowxContext(ctx, query,
		job.Email, job.ProviderName, job.ProjectID, job.TrackerID, job.PriorityID, assigned,
		job.Frequency, job.Active, string(job.SyncStatus), job.Message, now, now,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	job.CreatedAt, job.UpdatedAt = now, now
	return nil
}

func (a *JobAdapter) MarkSyncing(ctx context.Context, id int64, startedAt time.Time) error {
	query := a.db.Rebind(`UPDATE mail_job_schedules SET sync_status = ?, last_attempt_at = ?, updated_at = ? WHERE id = ?`)
	return a.exec(ctx, query, string(domain.SyncStatusSyncing), startedAt, a.now(), id)
}

func (a *JobAdapter) MarkFailed(ctx context.Context, id int64, message string) error {
	query := a.db.Rebind(`UPDATE mail_job_schedules SET sync_status = ?, message = ?, updated_at = ? WHERE id = ?`)
	return a.exec(ctx, query, string(domain.SyncStatusFailed), message, a.now(), id)
}

func (a *JobAdapter) UpdateSyncResult(ctx context.Context, id int64, status domain.SyncStatus, message string, syncedAt time.Time, count int) error {
	query := a.db.Rebind(`
		UPDATE mail_job_schedules
		SET sync_status = ?, message = ?, last_sync_at = ?, last_sync_email_count = ?, updated_at = ?
		WHERE id = ?`)
	return a.exec(ctx, query, string(status), message, syncedAt, count, a.now(), id)
}

func (a *JobAdapter) exec(ctx context.Context, query string, args ...any) error {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

var _ out.JobRepository = (*JobAdapter)(nil)
