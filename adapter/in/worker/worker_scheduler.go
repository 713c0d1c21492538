package worker

import (
	"context"
	"sync"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/out"
	"ticket_worker/pkg/logger"
)

// =============================================================================
// Scheduler - enqueues jobs whose frequency has elapsed
// =============================================================================

const (
	DefaultSchedulerTick = time.Minute
	// DefaultStaleAfter matches the default job lock TTL.
	DefaultStaleAfter = 10 * time.Minute
)

// Enqueuer accepts job ids for background execution.
type Enqueuer interface {
	Enqueue(jobID int64) bool
}

type Scheduler struct {
	jobs  out.JobRepository
	queue Enqueuer
	tick  time.Duration
	now   func() time.Time

	// a syncing job older than this is a crashed run
	staleAfter time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new scheduler. staleAfter should be the job lock
// TTL: once the lock can have expired, a job still flagged syncing is run
// again.
func NewScheduler(jobs out.JobRepository, queue Enqueuer, tick, staleAfter time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultSchedulerTick
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:       jobs,
		queue:      queue,
		tick:       tick,
		staleAfter: staleAfter,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start runs the loop in the background. The first tick fires immediately.
func (s *Scheduler) Start() {
	logger.WithField("tick", s.tick.String()).Info("[Scheduler] Starting...")
	s.wg.Add(1)
	go s.run()
}

// Stop stops the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	logger.Info("[Scheduler] Stopping...")
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[Scheduler] Stopped")
			return
		case <-ticker.C:
			s.Tick(s.ctx)
		}
	}
}

// Tick enqueues every active job that is due and returns how many were
// submitted.
func (s *Scheduler) Tick(ctx context.Context) int {
	jobs, err := s.jobs.ListActive(ctx)
	if err != nil {
		logger.WithError(err).Error("[Scheduler.Tick] failed to list active jobs")
		return 0
	}

	now := s.now()
	enqueued := 0
	for _, job := range jobs {
		if !job.DueAt(now, s.staleAfter) {
			continue
		}
		if job.SyncStatus == domain.SyncStatusSyncing {
			logger.WithField("job_id", job.ID).Warn("[Scheduler.Tick] job stuck in syncing since %v, rescheduling", job.LastAttemptAt)
		}
		if s.queue.Enqueue(job.ID) {
			enqueued++
		}
	}

	if enqueued > 0 {
		logger.WithField("due", enqueued).Debug("[Scheduler.Tick] enqueued %d of %d active jobs", enqueued, len(jobs))
	}
	return enqueued
}
