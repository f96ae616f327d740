// Package scheduler runs cron-scheduled and on-demand background jobs
// with a bounded worker pool, per-job-name concurrency limiting, and a
// time-bounded run registry queryable by id.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/r3e-network/investment-core/infrastructure/logging"
)

// RunState is the lifecycle state of one job execution.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Run is one execution record of a named job.
type Run struct {
	ID        string
	JobName   string
	State     RunState
	StartedAt time.Time
	EndedAt   time.Time
	Result    interface{}
	Err       error
}

// JobFunc is the work a scheduled or on-demand job performs. It receives
// the run's id so it can correlate its own logs.
type JobFunc func(ctx context.Context, runID string) (interface{}, error)

// jobDef is a registered job definition.
type jobDef struct {
	name       string
	fn         JobFunc
	reentrant  bool
	running    bool // true while a non-reentrant job's run is in flight
}

const retention = 24 * time.Hour

// Scheduler owns the cron clock, the worker pool, and the run registry.
// Per-job-name concurrency is capped at 1 unless the job was registered
// as reentrant.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger

	mu      sync.Mutex
	jobs    map[string]*jobDef
	runs    map[string]*Run
	pool    chan struct{} // worker pool capacity semaphore

	stopCleanup chan struct{}
}

// Config configures a Scheduler.
type Config struct {
	Logger      *logging.Logger
	Concurrency int // worker pool size; default 8
}

// New constructs a Scheduler. Call Start to begin running cron-scheduled
// jobs and Stop to drain gracefully.
func New(cfg Config) *Scheduler {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Scheduler{
		cron:        cron.New(),
		logger:      cfg.Logger,
		jobs:        map[string]*jobDef{},
		runs:        map[string]*Run{},
		pool:        make(chan struct{}, concurrency),
		stopCleanup: make(chan struct{}),
	}
}

// Register adds a named job without scheduling it; it becomes runnable
// on-demand via RunNow and may also be wired to a cron schedule via
// AddCron.
func (s *Scheduler) Register(name string, fn JobFunc, reentrant bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &jobDef{name: name, fn: fn, reentrant: reentrant}
}

// AddCron schedules a registered job to run on the given cron expression
// (standard 5-field, minute-resolution).
func (s *Scheduler) AddCron(schedule, jobName string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.RunNow(context.Background(), jobName)
	})
	return err
}

// Start begins the cron clock and the background retention sweep.
func (s *Scheduler) Start() {
	s.cron.Start()
	go s.cleanupLoop()
}

// Stop drains the cron clock and halts the retention sweep.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	close(s.stopCleanup)
}

// RunNow submits jobName for immediate execution, queueing it onto the
// worker pool. It returns the run id immediately; the caller polls Get
// for the outcome. If jobName is already running and not reentrant, the
// call still creates a new queued run, which begins executing as soon as
// the prior run finishes.
func (s *Scheduler) RunNow(ctx context.Context, jobName string) string {
	s.mu.Lock()
	def, ok := s.jobs[jobName]
	if !ok {
		s.mu.Unlock()
		return ""
	}
	runID := uuid.NewString()
	run := &Run{ID: runID, JobName: jobName, State: RunQueued}
	s.runs[runID] = run
	s.mu.Unlock()

	go s.execute(ctx, def, run)
	return runID
}

func (s *Scheduler) execute(ctx context.Context, def *jobDef, run *Run) {
	s.pool <- struct{}{}
	defer func() { <-s.pool }()

	if !def.reentrant {
		s.mu.Lock()
		for def.running {
			s.mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			s.mu.Lock()
		}
		def.running = true
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			def.running = false
			s.mu.Unlock()
		}()
	}

	s.mu.Lock()
	run.State = RunRunning
	run.StartedAt = time.Now().UTC()
	s.mu.Unlock()

	result, err := def.fn(ctx, run.ID)

	s.mu.Lock()
	run.EndedAt = time.Now().UTC()
	run.Result = result
	run.Err = err
	if err != nil {
		run.State = RunFailed
	} else {
		run.State = RunSucceeded
	}
	s.mu.Unlock()

	if s.logger != nil {
		entry := s.logger.WithFields(map[string]interface{}{"job": def.name, "run_id": run.ID, "state": run.State})
		if err != nil {
			entry.WithError(err).Error("job run failed")
		} else {
			entry.Info("job run completed")
		}
	}
}

// Get returns a run by id. The ok result is false once the run has aged
// out of the retention window.
func (s *Scheduler) Get(runID string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return Run{}, false
	}
	return *r, true
}

func (s *Scheduler) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Scheduler) sweep() {
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.runs {
		if !r.EndedAt.IsZero() && r.EndedAt.Before(cutoff) {
			delete(s.runs, id)
		}
	}
}
