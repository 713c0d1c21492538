package mailsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"ticket_worker/adapter/out/persistence"
	"ticket_worker/core/domain"
	"ticket_worker/core/service/auth"
	"ticket_worker/core/service/ticket"
	"ticket_worker/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var testNow = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc      *SyncService
	provider *testutil.Provider
	jobs     *testutil.JobRepository
	tokens   *testutil.TokenRepository
	store    *testutil.TicketStore
	locker   *persistence.LocalLocker
}

func newHarness(t *testing.T, tokenExpiry time.Time, msgs ...domain.NormalizedMessage) *harness {
	t.Helper()

	provider := &testutil.Provider{ProviderName: domain.ProviderGmail, Messages: msgs}
	job := &domain.MailboxJob{ID: 1, Email: "support@example.com", ProviderName: "gmail", ProjectID: 1, TrackerID: 1, PriorityID: 2, Active: true}
	jobs := testutil.NewJobRepository(job)
	tokens := testutil.NewTokenRepository(&domain.ProviderToken{
		JobID:        1,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    tokenExpiry,
		Status:       domain.TokenStatusAuthenticated,
	})
	registry := testutil.Registry{domain.ProviderGmail: provider}
	locker := persistence.NewLocalLocker()

	manager := auth.NewTokenManager(tokens, jobs, registry, locker, auth.WithClock(func() time.Time { return testNow }))
	store := testutil.NewTicketStore()
	materializer := ticket.NewMaterializer(store, testutil.NewBlobStorage(), ticket.MaterializerConfig{FallbackUserID: 1})
	resolver := ticket.NewResolver(store, materializer)

	svc := NewSyncService(jobs, manager, registry, resolver, locker, time.Minute)
	svc.now = func() time.Time { return testNow }

	return &harness{svc: svc, provider: provider, jobs: jobs, tokens: tokens, store: store, locker: locker}
}

func msg(id, parent, thread, subject string) domain.NormalizedMessage {
	return domain.NormalizedMessage{
		ID:             id,
		ParentID:       parent,
		ConversationID: thread,
		SenderAddress:  "customer@example.org",
		SenderName:     "Pat Customer",
		Subject:        subject,
		Body:           "text of " + id,
		ReceivedAt:     testNow.Add(-time.Hour),
	}
}

func TestSyncJobCreatesTicketsAndMarksRead(t *testing.T) {
	h := newHarness(t, testNow.Add(time.Hour),
		msg("a1", "", "ta", "VPN down"),
		msg("a2", "a1", "ta", "Re: VPN down"),
		msg("b1", "", "tb", "New laptop"),
	)

	result, err := h.svc.SyncJob(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusSynced, result.Status)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 2, result.Conversations)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Created)
	assert.Empty(t, result.Errors)

	assert.Equal(t, 2, h.store.TicketCount())
	assert.ElementsMatch(t, []string{"a1", "a2", "b1"}, h.provider.MarkedRead)

	job := h.jobs.Job(1)
	assert.Equal(t, domain.SyncStatusSynced, job.SyncStatus)
	assert.Equal(t, 2, job.LastSyncCount)
	require.NotNil(t, job.LastSyncAt)
	assert.Equal(t, testNow, *job.LastSyncAt)
	assert.Zero(t, h.provider.RefreshCalls)
}

func TestSyncJobRerunIsIdempotent(t *testing.T) {
	att := domain.MessageAttachment{Filename: "screen.png", ContentType: "image/png", Data: []byte("png")}
	root := msg("a1", "", "ta", "Printer jam")
	root.Attachments = []domain.MessageAttachment{att}
	reply := msg("a2", "a1", "ta", "Re: Printer jam")
	reply.Attachments = []domain.MessageAttachment{att}

	h := newHarness(t, testNow.Add(time.Hour), root, reply)
	ctx := context.Background()

	_, err := h.svc.SyncJob(ctx, 1)
	require.NoError(t, err)

	// crash before mark read: everything comes back unread
	h.provider.Unread()
	result, err := h.svc.SyncJob(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusSynced, result.Status)
	assert.Zero(t, result.Created)
	assert.Zero(t, result.Appended)
	assert.Equal(t, 1, h.store.TicketCount())

	for id := range h.store.Tickets {
		assert.Len(t, h.store.CommentsFor(id), 1)
	}
	assert.Len(t, h.store.Attachments, 1)
}

func TestSyncJobRefreshFailureAbortsBeforeFetch(t *testing.T) {
	h := newHarness(t, testNow.Add(-time.Minute), msg("a1", "", "ta", "Hello"))
	h.provider.RefreshErr = &oauth2.RetrieveError{ErrorCode: "invalid_grant"}

	result, err := h.svc.SyncJob(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusFailed, result.Status)
	assert.Equal(t, domain.MsgTokenRefreshFailed, result.Message)
	assert.Zero(t, h.provider.FetchCalls)
	assert.Zero(t, h.store.TicketCount())

	job := h.jobs.Job(1)
	assert.Equal(t, domain.SyncStatusFailed, job.SyncStatus)
	assert.Equal(t, domain.MsgTokenRefreshFailed, job.Message)
	assert.Nil(t, job.LastSyncAt)
	assert.Equal(t, domain.TokenStatusFailed, h.tokens.Token(1).Status)
}

func TestSyncJobRefreshesExpiredToken(t *testing.T) {
	h := newHarness(t, testNow.Add(-time.Minute), msg("a1", "", "ta", "Hello"))
	h.provider.Refreshed = &oauth2.Token{AccessToken: "fresh", Expiry: testNow.Add(time.Hour)}

	result, err := h.svc.SyncJob(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusSynced, result.Status)
	assert.Equal(t, 1, h.provider.RefreshCalls)
	assert.Equal(t, "fresh", h.tokens.Token(1).AccessToken)
}

func TestSyncJobFetchFailure(t *testing.T) {
	h := newHarness(t, testNow.Add(time.Hour))
	h.provider.FetchErr = errors.New("connection reset")

	result, err := h.svc.SyncJob(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusFailed, result.Status)
	assert.Contains(t, result.Message, "Failed to fetch unread mail")
	assert.Contains(t, result.Message, "connection reset")
	assert.Equal(t, result.Message, h.jobs.Job(1).Message)
}

func TestSyncJobPartialFailure(t *testing.T) {
	h := newHarness(t, testNow.Add(time.Hour),
		msg("a1", "", "ta", "First"),
		msg("b1", "", "tb", "   "),
		msg("c1", "", "tc", "Third"),
	)

	result, err := h.svc.SyncJob(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusFailed, result.Status)
	assert.Equal(t, 2, result.Processed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Message, "Failed to create issue for email")

	// the failed conversation stays unread for the next run
	assert.ElementsMatch(t, []string{"a1", "c1"}, h.provider.MarkedRead)

	job := h.jobs.Job(1)
	assert.Equal(t, domain.SyncStatusFailed, job.SyncStatus)
	assert.Equal(t, 2, job.LastSyncCount)
	assert.Equal(t, result.Message, job.Message)
}

func TestSyncJobMarkReadFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, testNow.Add(time.Hour), msg("a1", "", "ta", "Hello"))
	h.provider.MarkReadErr = map[string]error{"a1": errors.New("quota")}

	result, err := h.svc.SyncJob(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, domain.SyncStatusSynced, result.Status)
	assert.Equal(t, 1, result.MarkReadFails)
	assert.Equal(t, 1, result.Processed)
}

func TestSyncJobLocked(t *testing.T) {
	h := newHarness(t, testNow.Add(time.Hour))
	ctx := context.Background()

	lock, err := h.locker.Acquire(ctx, domain.JobLockKey(1), time.Minute)
	require.NoError(t, err)
	defer lock.Release(ctx)

	_, err = h.svc.SyncJob(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrJobLocked)
	assert.Zero(t, h.provider.FetchCalls)
}

func TestSyncJobUnknownJob(t *testing.T) {
	h := newHarness(t, testNow.Add(time.Hour))

	_, err := h.svc.SyncJob(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestSyncJobUnsupportedProvider(t *testing.T) {
	h := newHarness(t, testNow.Add(time.Hour))
	h.jobs.Jobs[1].ProviderName = "yahoo"

	result, err := h.svc.SyncJob(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusFailed, result.Status)
	assert.Equal(t, "Unsupported provider: yahoo", h.jobs.Job(1).Message)
}

const testLockTTL = time.Minute

func TestSyncJobRecoversAfterCrashedRun(t *testing.T) {
	h := newHarness(t, testNow.Add(time.Hour), msg("a1", "", "ta", "Disk full"))
	ctx := context.Background()

	// a previous run flagged the job and died before finishing
	crashedAt := testNow.Add(-time.Hour)
	require.NoError(t, h.jobs.MarkSyncing(ctx, 1, crashedAt))

	job := h.jobs.Job(1)
	assert.False(t, job.DueAt(crashedAt.Add(30*time.Second), testLockTTL), "still inside the lock window")
	assert.True(t, job.DueAt(testNow, testLockTTL))

	result, err := h.svc.SyncJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSynced, result.Status)
	assert.Equal(t, 1, result.Created)

	job = h.jobs.Job(1)
	assert.Equal(t, domain.SyncStatusSynced, job.SyncStatus)
	assert.Equal(t, testNow, *job.LastAttemptAt)
}

type lostFinish struct {
	*testutil.JobRepository
}

func (lostFinish) UpdateSyncResult(ctx context.Context, id int64, status domain.SyncStatus, message string, syncedAt time.Time, count int) error {
	return errors.New("connection closed")
}

func TestSyncJobLostStatusWriteIsRescheduled(t *testing.T) {
	h := newHarness(t, testNow.Add(time.Hour), msg("a1", "", "ta", "Disk full"))
	h.svc.jobs = lostFinish{h.jobs}
	h.jobs.Jobs[1].Frequency = "5min"

	result, err := h.svc.SyncJob(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSynced, result.Status)

	job := h.jobs.Job(1)
	require.Equal(t, domain.SyncStatusSyncing, job.SyncStatus, "final write was lost")
	assert.False(t, job.DueAt(testNow.Add(testLockTTL/2), testLockTTL))
	assert.True(t, job.DueAt(testNow.Add(10*time.Minute), testLockTTL))
}

func TestSyncJobFatalRunWaitsForNextInterval(t *testing.T) {
	h := newHarness(t, testNow.Add(-time.Minute), msg("a1", "", "ta", "Hello"))
	h.provider.RefreshErr = &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
	h.jobs.Jobs[1].Frequency = "hourly"

	result, err := h.svc.SyncJob(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, result.Failed())

	job := h.jobs.Job(1)
	assert.Nil(t, job.LastSyncAt)
	require.NotNil(t, job.LastAttemptAt)
	assert.Equal(t, testNow, *job.LastAttemptAt)

	assert.False(t, job.DueAt(testNow.Add(time.Minute), testLockTTL), "next tick")
	assert.True(t, job.DueAt(testNow.Add(time.Hour), testLockTTL))
}
