// Package services – Scheduler
//
// This file implements the background sweeps: the recurring-job sweep that
// dispatches due jobs, the hourly token-expiry sweep, and the backstop
// sweep that removes stale one-shot jobs whose deletion timers were lost.
//
// Concurrency is bounded by a weighted semaphore rather than a worker pool:
// a due job that cannot acquire a slot immediately is left for the next
// tick, so a burst of due jobs degrades to gradual catch-up instead of an
// unbounded goroutine pile-up. The last-run time is stamped optimistically
// before dispatch so consecutive ticks do not double-pick a job whose
// execution is still starting.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/pagewatch/pagewatch-runner/internal/config"
)

// Scheduler drives the periodic sweeps.
type Scheduler struct {
	jobs       *JobService
	tokens     *TokenService
	executor   *Executor
	cfg        config.SchedulerConfig
	sweepEvery time.Duration
	log        zerolog.Logger

	cron *cron.Cron
	sem  *semaphore.Weighted

	// baseCtx is the lifetime context handed to dispatched runs.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewScheduler constructs a Scheduler. Start must be called to begin
// sweeping.
func NewScheduler(jobs *JobService, tokens *TokenService, executor *Executor, cfg config.Config, log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:       jobs,
		tokens:     tokens,
		executor:   executor,
		cfg:        cfg.Scheduler,
		sweepEvery: cfg.TokenSweepEvery,
		log:        log,
		cron:       cron.New(),
		sem:        semaphore.NewWeighted(cfg.Scheduler.MaxConcurrent),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Start registers the sweep entries and starts the cron runner. It also
// wires itself as the job service's dispatcher so manual submissions share
// the same bounded execution path as scheduled runs.
func (s *Scheduler) Start() error {
	s.jobs.SetDispatch(s.Dispatch)

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.Tick), s.sweepDue); err != nil {
		return fmt.Errorf("scheduler: register job sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.sweepEvery), func() {
		s.tokens.SweepExpired()
	}); err != nil {
		return fmt.Errorf("scheduler: register token sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.BackstopMaxIdle), func() {
		s.jobs.SweepStaleComplete(s.cfg.BackstopMaxIdle)
	}); err != nil {
		return fmt.Errorf("scheduler: register backstop sweep: %w", err)
	}

	s.cron.Start()
	s.log.Info().Dur("tick", s.cfg.Tick).Int64("max_concurrent", s.cfg.MaxConcurrent).
		Msg("scheduler started")
	return nil
}

// Stop halts the sweeps and cancels in-flight run contexts. It waits for
// already-started cron entries to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.cancel()
	s.log.Info().Msg("scheduler stopped")
}

// sweepDue dispatches every recurring job whose interval has elapsed.
func (s *Scheduler) sweepDue() {
	now := time.Now()
	for _, req := range s.jobs.DueRecurring(now) {
		if !s.sem.TryAcquire(1) {
			// At the concurrency cap; the job stays due and the next
			// tick retries.
			runsThrottled.Inc()
			s.log.Debug().Str("job_id", req.JobID).Msg("run deferred, concurrency limit reached")
			continue
		}
		s.jobs.MarkLastRun(req.JobID, now)
		go func(req RunRequest) {
			defer s.sem.Release(1)
			s.executor.Run(s.baseCtx, req)
		}(req)
	}
}

// Dispatch launches one manual run on the bounded pool. Unlike the sweep it
// waits for a slot: the client was already promised a 202, so the run must
// eventually happen.
func (s *Scheduler) Dispatch(req RunRequest) {
	go func() {
		if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
			// Shutting down; release the reserved manual slot so the quota
			// does not leak into a restart-free future.
			if req.Manual {
				s.tokens.FinishManual(req.TokenSecret)
			}
			return
		}
		defer s.sem.Release(1)
		s.executor.Run(s.baseCtx, req)
	}()
}
