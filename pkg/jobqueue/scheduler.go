package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultWorkers is the pool size when none is configured.
	DefaultWorkers = 1

	// DefaultPollInterval is the pause between scheduling passes.
	DefaultPollInterval = time.Second
)

// JobExecutor runs one claimed job to completion.
type JobExecutor interface {
	Execute(ctx context.Context, job *JobRecord)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Workers bounds concurrent executions. Zero uses DefaultWorkers.
	Workers int

	// PollInterval is the pause between passes. Zero uses DefaultPollInterval.
	PollInterval time.Duration

	// DispatchRate caps dispatches per second. Zero means unlimited.
	DispatchRate float64

	Logger *zap.Logger
}

// Scheduler is the single control loop that discovers READY jobs and hands
// them to a bounded set of execution slots.
//
// Single-writer constraint: exactly one scheduler may run against a store.
// It is the only component that moves jobs READY -> RUNNING, and its slot
// bookkeeping is process-private. Run enforces this with an advisory lock
// file in the store root and fails with ErrSchedulerLocked when another live
// scheduler holds it.
type Scheduler struct {
	queue    *Queue
	executor JobExecutor
	workers  int
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu    sync.Mutex
	slots map[string]struct{}
	wg    sync.WaitGroup
}

// NewScheduler builds a scheduler over queue. Zero config values take their
// defaults: one worker and a one-second poll.
func NewScheduler(queue *Queue, executor JobExecutor, cfg SchedulerConfig) (*Scheduler, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("workers must be >= 1")
	}
	if cfg.DispatchRate < 0 {
		return nil, fmt.Errorf("dispatch rate must be >= 0")
	}

	s := &Scheduler{
		queue:    queue,
		executor: executor,
		workers:  cfg.Workers,
		interval: cfg.PollInterval,
		logger:   cfg.Logger,
		slots:    make(map[string]struct{}),
	}
	if s.workers == 0 {
		s.workers = DefaultWorkers
	}
	if s.interval <= 0 {
		s.interval = DefaultPollInterval
	}
	if cfg.DispatchRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Workers returns the pool size.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Active returns the number of occupied slots.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Run takes the store lock, recovers orphaned jobs, then polls until ctx is
// done. In-flight executions see the same ctx; Run returns once they have
// all reported.
func (s *Scheduler) Run(ctx context.Context) error {
	unlock, err := acquireLock(s.queue.Store().RootDir())
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.Recover(ctx); err != nil {
		return err
	}

	s.logger.Info("Scheduler started",
		zap.Int("workers", s.workers),
		zap.Duration("poll_interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping", zap.Int("in_flight", s.Active()))
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Wait blocks until every dispatched execution has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Recover fails every job persisted as RUNNING that this scheduler is not
// executing. Such a job's worker died with a previous process; it is never
// resumed.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	jobs, err := s.queue.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs for recovery: %w", err)
	}

	recovered := 0
	for _, j := range jobs {
		if j.Status != StatusRunning || s.occupied(j.ID) {
			continue
		}
		if _, err := s.queue.Abandon(ctx, j.ID, "worker lost with a previous scheduler process"); err != nil {
			if IsState(err) || IsNotFound(err) {
				continue
			}
			return recovered, err
		}
		recovered++
		s.logger.Warn("Recovered orphaned job",
			zap.String("job_id", j.ID),
			zap.Int("runner_pid", j.RunnerPID))
	}
	return recovered, nil
}

// Poll performs one scheduling pass and returns the number of jobs dispatched.
// It must only be called from a single goroutine (Run, or a test).
func (s *Scheduler) Poll(ctx context.Context) int {
	jobs, err := s.queue.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list jobs", zap.Error(err))
		return 0
	}

	dispatched := 0
	for i := range jobs {
		j := &jobs[i]
		if j.Status != StatusReady || s.occupied(j.ID) {
			continue
		}
		if s.Active() >= s.workers {
			break
		}
		if s.limiter != nil && !s.limiter.Allow() {
			break
		}

		claimed, err := s.queue.Claim(ctx, j.ID)
		if err != nil {
			// Cancelled or deleted since the listing.
			s.logger.Debug("Claim skipped", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.slots[claimed.ID] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.work(ctx, claimed)
		dispatched++

		s.logger.Info("Dispatched job",
			zap.String("job_id", claimed.ID),
			zap.String("destination", claimed.Destination))
	}
	return dispatched
}

func (s *Scheduler) work(ctx context.Context, job *JobRecord) {
	defer s.wg.Done()
	defer s.release(job.ID)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Execution panic", zap.String("job_id", job.ID), zap.Any("panic", r))
			_, _ = s.queue.Complete(context.WithoutCancel(ctx), job.ID, false, fmt.Sprintf("execution panic: %v", r))
		}
	}()

	s.executor.Execute(ctx, job)
}

func (s *Scheduler) occupied(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[jobID]
	return ok
}

func (s *Scheduler) release(jobID string) {
	s.mu.Lock()
	delete(s.slots, jobID)
	s.mu.Unlock()
}
