package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/internal/testutil"

	"github.com/stretchr/testify/assert"
)

type recordingQueue struct {
	ids    []int64
	refuse map[int64]bool
}

func (q *recordingQueue) Enqueue(id int64) bool {
	if q.refuse[id] {
		return false
	}
	q.ids = append(q.ids, id)
	return true
}

func TestSchedulerTick(t *testing.T) {
	now := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Minute)
	old := now.Add(-2 * time.Hour)
	started := now.Add(-2 * time.Minute)

	jobs := testutil.NewJobRepository(
		&domain.MailboxJob{ID: 1, Active: true, Frequency: "hourly"},                                                                                // never synced
		&domain.MailboxJob{ID: 2, Active: true, Frequency: "hourly", LastSyncAt: &recent},                                                           // not due
		&domain.MailboxJob{ID: 3, Active: true, Frequency: "hourly", LastSyncAt: &old},                                                              // due
		&domain.MailboxJob{ID: 4, Active: false, Frequency: "5min", LastSyncAt: &old},                                                               // inactive
		&domain.MailboxJob{ID: 5, Active: true, Frequency: "5min", LastSyncAt: &recent},                                                             // due
		&domain.MailboxJob{ID: 6, Active: true, Frequency: "5min", LastSyncAt: &old, LastAttemptAt: &started, SyncStatus: domain.SyncStatusSyncing}, // running
		&domain.MailboxJob{ID: 7, Active: true, Frequency: "15m", LastSyncAt: &old},                                                                 // due, refused by queue
	)
	queue := &recordingQueue{refuse: map[int64]bool{7: true}}

	s := NewScheduler(jobs, queue, time.Minute, 10*time.Minute)
	s.now = func() time.Time { return now }

	assert.Equal(t, 3, s.Tick(context.Background()))
	assert.Equal(t, []int64{1, 3, 5}, queue.ids)
}

func TestSchedulerTickReschedulesStuckJobs(t *testing.T) {
	now := time.Date(2024, 8, 8, 12, 0, 0, 0, time.UTC)
	weekAgo := now.Add(-7 * 24 * time.Hour)
	crashed := now.Add(-15 * time.Minute)

	jobs := testutil.NewJobRepository(
		// flagged syncing before attempts were recorded
		&domain.MailboxJob{ID: 1, Active: true, Frequency: "5min", SyncStatus: domain.SyncStatusSyncing},
		&domain.MailboxJob{ID: 2, Active: true, Frequency: "5min", SyncStatus: domain.SyncStatusSyncing, LastSyncAt: &weekAgo, LastAttemptAt: &weekAgo},
		// crashed a quarter hour ago, lock long expired
		&domain.MailboxJob{ID: 3, Active: true, Frequency: "5min", SyncStatus: domain.SyncStatusSyncing, LastSyncAt: &weekAgo, LastAttemptAt: &crashed},
	)
	queue := &recordingQueue{}

	s := NewScheduler(jobs, queue, time.Minute, 10*time.Minute)
	s.now = func() time.Time { return now }

	assert.Equal(t, 3, s.Tick(context.Background()))
	assert.Equal(t, []int64{1, 2, 3}, queue.ids)
}

func TestSchedulerTickFailedRunWaitsForInterval(t *testing.T) {
	now := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	lastGood := now.Add(-3 * time.Hour)
	failedAt := now.Add(-time.Minute)

	jobs := testutil.NewJobRepository(&domain.MailboxJob{
		ID: 1, Active: true, Frequency: "hourly",
		SyncStatus: domain.SyncStatusFailed, LastSyncAt: &lastGood, LastAttemptAt: &failedAt,
	})
	queue := &recordingQueue{}

	s := NewScheduler(jobs, queue, time.Minute, 10*time.Minute)
	s.now = func() time.Time { return now }
	assert.Zero(t, s.Tick(context.Background()), "failed a minute ago")

	s.now = func() time.Time { return failedAt.Add(time.Hour) }
	assert.Equal(t, 1, s.Tick(context.Background()))
}

type failingJobs struct {
	*testutil.JobRepository
}

func (failingJobs) ListActive(ctx context.Context) ([]*domain.MailboxJob, error) {
	return nil, errors.New("db down")
}

func TestSchedulerTickListFailure(t *testing.T) {
	s := NewScheduler(failingJobs{testutil.NewJobRepository()}, &recordingQueue{}, time.Minute, 0)
	assert.Zero(t, s.Tick(context.Background()))
}

func TestSchedulerStartStop(t *testing.T) {
	jobs := testutil.NewJobRepository(&domain.MailboxJob{ID: 1, Active: true})
	queue := make(chan int64, 1)

	s := NewScheduler(jobs, chanQueue(queue), time.Hour, 0)
	s.Start()

	select {
	case id := <-queue:
		assert.Equal(t, int64(1), id)
	case <-time.After(2 * time.Second):
		t.Fatal("first tick did not fire")
	}
	s.Stop()
}

type chanQueue chan int64

func (q chanQueue) Enqueue(id int64) bool {
	select {
	case q <- id:
		return true
	default:
		return false
	}
}
