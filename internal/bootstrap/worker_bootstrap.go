package bootstrap

import (
	"context"
	"time"

	"ticket_worker/adapter/in/worker"
	"ticket_worker/pkg/logger"
)

// Worker runs the pool and, when enabled, the scheduler feeding it.
type Worker struct {
	pool      *worker.Pool
	scheduler *worker.Scheduler
	deps      *Dependencies
}

// NewWorker builds the background side of the service on deps.
func NewWorker(deps *Dependencies) *Worker {
	cfg := deps.Config

	pool := worker.NewPool(deps.SyncService, &worker.PoolConfig{
		Workers:        cfg.WorkerCount,
		WorkerChanSize: cfg.WorkerQueueSize,
		JobTimeout:     cfg.JobTimeout,
	}, logger.Component("worker").With().Str("worker_id", cfg.WorkerID).Logger())

	w := &Worker{pool: pool, deps: deps}
	if cfg.SchedulerEnabled {
		w.scheduler = worker.NewScheduler(deps.JobRepo, pool, cfg.SchedulerTick, cfg.LockTTL)
	}
	return w
}

// Pool exposes the pool to the ops API.
func (w *Worker) Pool() *worker.Pool {
	return w.pool
}

// Start starts the pool and then the scheduler.
func (w *Worker) Start() error {
	if err := w.pool.Start(); err != nil {
		return err
	}
	if w.scheduler != nil {
		w.scheduler.Start()
	} else {
		logger.Info("[Worker] scheduler disabled, jobs run on demand only")
	}
	return nil
}

// Stop stops the scheduler first so nothing new is queued, then drains the
// pool within timeout.
func (w *Worker) Stop(timeout time.Duration) {
	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	w.pool.Stop(ctx)

	m := w.pool.Metrics()
	logger.WithFields(map[string]any{
		"processed": m.JobsProcessed,
		"failed":    m.JobsFailed,
		"skipped":   m.JobsSkipped,
	}).Info("[Worker] stopped")
}
