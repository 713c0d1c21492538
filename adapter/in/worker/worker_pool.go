// Package worker runs mailbox jobs in the background.
package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ticket_worker/core/domain"
	"ticket_worker/core/port/in"
	"ticket_worker/pkg/metrics"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// =============================================================================
// go-pkgz/pool based worker pool, chunked by job id
// =============================================================================

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers        int           // concurrent jobs
	WorkerChanSize int           // per-worker buffer
	JobTimeout     time.Duration // deadline of one sync run
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        4,
		WorkerChanSize: 100,
		JobTimeout:     5 * time.Minute,
	}
}

// Pool runs sync jobs. Jobs with the same id always land on the same worker,
// so one job never runs twice at once inside the process.
type Pool struct {
	svc    in.SyncService
	config *PoolConfig

	pool *pool.WorkerGroup[int64]

	ctx    context.Context
	cancel context.CancelFunc

	metrics *PoolMetrics
	log     zerolog.Logger

	// pending holds ids submitted and not yet finished
	pending map[int64]bool
	started bool
	mu      sync.Mutex

	// Submit is not safe for concurrent use
	submitMu sync.Mutex
	closed   bool
}

// PoolMetrics holds pool counters.
type PoolMetrics struct {
	JobsProcessed int64
	JobsFailed    int64
	JobsSkipped   int64
}

// NewPool creates a new pool around the sync service.
func NewPool(svc in.SyncService, config *PoolConfig, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.WorkerChanSize <= 0 {
		config.WorkerChanSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		svc:     svc,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		metrics: &PoolMetrics{},
		log:     log.With().Str("component", "worker_pool").Logger(),
		pending: make(map[int64]bool),
	}
}

// Start starts the worker pool.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	p.pool = pool.New[int64](p.config.Workers, pool.WorkerFunc[int64](p.process)).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithBatchSize(1).
		WithChunkFn(func(jobID int64) string { return strconv.FormatInt(jobID, 10) }).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		return err
	}
	p.started = true

	p.log.Info().
		Int("workers", p.config.Workers).
		Dur("job_timeout", p.config.JobTimeout).
		Msg("worker pool started")
	return nil
}

// Stop waits for submitted jobs to finish, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	p.log.Info().Msg("stopping worker pool...")
	p.submitMu.Lock()
	p.closed = true
	err := p.pool.Close(ctx)
	p.submitMu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn().Err(err).Msg("error closing pool")
	}
	p.cancel()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
		Msg("worker pool stopped")
}

// Enqueue submits a job unless it is already waiting or running. It reports
// whether the job was submitted.
func (p *Pool) Enqueue(jobID int64) bool {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return false
	}
	if p.pending[jobID] {
		p.mu.Unlock()
		atomic.AddInt64(&p.metrics.JobsSkipped, 1)
		return false
	}
	p.pending[jobID] = true
	p.mu.Unlock()

	// may block while the worker buffer is full
	p.submitMu.Lock()
	defer p.submitMu.Unlock()
	if p.closed {
		p.mu.Lock()
		delete(p.pending, jobID)
		p.mu.Unlock()
		return false
	}
	metrics.QueuedJobs.Inc()
	p.pool.Submit(jobID)
	return true
}

// Pending returns the number of jobs waiting or running.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed: atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:    atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsSkipped:   atomic.LoadInt64(&p.metrics.JobsSkipped),
	}
}

// process runs one job with the configured timeout.
func (p *Pool) process(ctx context.Context, jobID int64) error {
	start := time.Now()
	defer func() {
		p.mu.Lock()
		delete(p.pending, jobID)
		p.mu.Unlock()
		metrics.QueuedJobs.Dec()
	}()

	jobCtx := ctx
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}

	result, err := p.svc.SyncJob(jobCtx, jobID)
	if errors.Is(err, domain.ErrJobLocked) {
		// another process is on it
		atomic.AddInt64(&p.metrics.JobsSkipped, 1)
		p.log.Debug().Int64("job_id", jobID).Msg("job locked elsewhere, skipped")
		return nil
	}
	if err != nil {
		atomic.AddInt64(&p.metrics.JobsFailed, 1)
		p.log.Error().Err(err).Int64("job_id", jobID).Msg("job could not start")
		return err
	}

	if result.Failed() {
		atomic.AddInt64(&p.metrics.JobsFailed, 1)
	} else {
		atomic.AddInt64(&p.metrics.JobsProcessed, 1)
	}
	p.log.Debug().
		Int64("job_id", jobID).
		Str("status", string(result.Status)).
		Dur("elapsed", time.Since(start)).
		Msg("job finished")
	return nil
}
