// Package mailsync runs mailbox jobs end to end.
package mailsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/in"
	"ticket_worker/core/port/out"
	"ticket_worker/core/service/thread"
	"ticket_worker/core/service/ticket"
	"ticket_worker/pkg/logger"
	"ticket_worker/pkg/metrics"
)

const defaultLockTTL = 10 * time.Minute

// TokenSource hands out a usable access token for a job.
type TokenSource interface {
	EnsureFreshToken(ctx context.Context, job *domain.MailboxJob) (*domain.ProviderToken, error)
}

// ConversationResolver applies one conversation to the ticket store.
type ConversationResolver interface {
	Resolve(ctx context.Context, job *domain.MailboxJob, conv *domain.Conversation) (*ticket.Outcome, error)
}

// =============================================================================
// SyncService - one run per job: token, fetch, reconcile, resolve, mark read
// =============================================================================

type SyncService struct {
	jobs      out.JobRepository
	tokens    TokenSource
	providers out.ProviderRegistry
	resolver  ConversationResolver
	locker    out.Locker

	lockTTL time.Duration
	now     func() time.Time
}

// NewSyncService creates a new sync service.
func NewSyncService(
	jobs out.JobRepository,
	tokens TokenSource,
	providers out.ProviderRegistry,
	resolver ConversationResolver,
	locker out.Locker,
	lockTTL time.Duration,
) *SyncService {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &SyncService{
		jobs:      jobs,
		tokens:    tokens,
		providers: providers,
		resolver:  resolver,
		locker:    locker,
		lockTTL:   lockTTL,
		now:       time.Now,
	}
}

// GetJob returns the job for the ops API.
func (s *SyncService) GetJob(ctx context.Context, jobID int64) (*domain.MailboxJob, error) {
	return s.jobs.GetByID(ctx, jobID)
}

// SyncJob runs one synchronization of the job. The returned error is non-nil
// only when the run could not start; a failed run is reported through the
// result and persisted on the job.
func (s *SyncService) SyncJob(ctx context.Context, jobID int64) (*domain.SyncResult, error) {
	// 1. Per-job lock, one run at a time across workers and processes
	lock, err := s.locker.Acquire(ctx, domain.JobLockKey(jobID), s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WithField("job_id", jobID).Warn("[SyncService.SyncJob] failed to release lock: %v", err)
		}
	}()

	// 2. Load the job and flag it
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	result := &domain.SyncResult{
		JobID:     job.ID,
		Provider:  domain.NormalizeProviderName(job.ProviderName),
		StartedAt: s.now(),
	}
	log := logger.WithFields(map[string]any{"job_id": job.ID, "provider": result.Provider})
	log.Info("[SyncService.SyncJob] starting sync for %s", job.Email)

	if err := s.jobs.MarkSyncing(ctx, job.ID, result.StartedAt); err != nil {
		return nil, fmt.Errorf("failed to mark job syncing: %w", err)
	}

	fatal := s.run(ctx, job, result)
	s.finish(ctx, job, result, fatal)
	return result, nil
}

// run fills result and reports whether the run aborted before any
// conversation was processed.
func (s *SyncService) run(ctx context.Context, job *domain.MailboxJob, result *domain.SyncResult) bool {
	log := logger.WithField("job_id", job.ID)

	provider, err := s.providers.Provider(ctx, job.ProviderName)
	if err != nil {
		s.abort(result, domain.NewFetchError(err), fmt.Sprintf("Unsupported provider: %s", job.ProviderName))
		return true
	}

	// 3. Fresh token before any fetch
	token, err := s.tokens.EnsureFreshToken(ctx, job)
	if err != nil {
		msg := domain.MsgTokenRefreshFailed
		var se *domain.SyncError
		if errors.As(err, &se) {
			msg = se.Message
		}
		s.abort(result, err, msg)
		return true
	}

	// 4. Fetch all unread mail
	messages, err := provider.FetchUnread(ctx, token.AccessToken)
	if err != nil {
		fetchErr := domain.NewFetchError(err)
		s.abort(result, fetchErr, fetchErr.Error())
		return true
	}
	result.Fetched = len(messages)

	// 5. Group into conversations
	conversations := thread.Reconcile(messages)
	result.Conversations = len(conversations)
	log.Debug("[SyncService.run] %d messages in %d conversations", len(messages), len(conversations))

	// 6. Resolve each conversation, mark read only after it committed
	for i := range conversations {
		conv := &conversations[i]

		outcome, err := s.resolver.Resolve(ctx, job, conv)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			metrics.RecordConversation("failed")
			log.WithError(err).Error("[SyncService.run] conversation %s failed", conv.ID())
			continue
		}

		result.Processed++
		switch outcome.Action {
		case ticket.ActionCreate:
			result.Created++
			metrics.RecordConversation("created")
		case ticket.ActionAppend:
			result.Appended += outcome.Comments
			metrics.RecordConversation("appended")
		}

		for _, msg := range conv.Messages() {
			if err := provider.MarkRead(ctx, msg.ID, token.AccessToken); err != nil {
				result.MarkReadFails++
				log.WithError(domain.NewMarkReadError(msg.ID, err)).Warn("[SyncService.run] mark read failed")
			}
		}
	}

	if len(result.Errors) > 0 {
		result.Status = domain.SyncStatusFailed
		result.Message = strings.Join(result.Errors, "; ")
		return false
	}
	result.Status = domain.SyncStatusSynced
	return false
}

// abort ends a run on a fatal error.
func (s *SyncService) abort(result *domain.SyncResult, err error, message string) {
	result.Status = domain.SyncStatusFailed
	result.Message = message
	result.Errors = append(result.Errors, err.Error())
	logger.WithField("job_id", result.JobID).WithError(err).Error("[SyncService.run] sync aborted: %s", message)
}

// finish persists the outcome. Status bookkeeping outlives the run context.
func (s *SyncService) finish(ctx context.Context, job *domain.MailboxJob, result *domain.SyncResult, fatal bool) {
	ctx = context.WithoutCancel(ctx)
	result.FinishedAt = s.now()
	log := logger.WithField("job_id", job.ID).WithDuration(result.Duration())

	var err error
	if fatal {
		// last sync time and count keep describing the last good run
		err = s.jobs.MarkFailed(ctx, job.ID, result.Message)
	} else {
		err = s.jobs.UpdateSyncResult(ctx, job.ID, result.Status, result.Message, result.FinishedAt, result.Processed)
	}
	if err != nil {
		log.WithError(err).Error("[SyncService.finish] failed to persist sync result")
	}

	metrics.RecordSyncRun(result.Provider, string(result.Status), result.Duration())
	log.Info("[SyncService.finish] %s: %d fetched, %d conversations, %d processed (%d created, %d comments)",
		result.Status, result.Fetched, result.Conversations, result.Processed, result.Created, result.Appended)
}

var _ in.SyncService = (*SyncService)(nil)
var _ in.JobQuery = (*SyncService)(nil)
