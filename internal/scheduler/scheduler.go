// Package scheduler runs the registered background jobs, each on its own
// cadence, with per-job mutual exclusion and fault isolation: one job's
// panic or error never touches its siblings or the process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrUnknownJob is returned by RunOnce for an unregistered id.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobRunning is returned by RunOnce when the job's previous run has
	// not finished.
	ErrJobRunning = errors.New("job already running")

	// ErrAlreadyStarted is returned by Run when the scheduler was started
	// twice.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Handler is one job invocation. Errors are logged, never propagated.
type Handler func(ctx context.Context) error

// defaultDrainGrace is how long Run waits for in-flight handlers after its
// context cancels before canceling theirs too.
const defaultDrainGrace = 30 * time.Second

// Job declares a registered background job. Exactly one of Every or AtHour
// applies: Every > 0 polls on that interval; otherwise the job fires daily
// at AtHour UTC.
type Job struct {
	ID      string
	Every   time.Duration
	AtHour  int
	Handler Handler
}

// JobStatus is the introspection view of one job.
type JobStatus struct {
	ID        string     `json:"id"`
	Cadence   string     `json:"cadence"`
	Running   bool       `json:"running"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// jobState tracks one registered job. The running flag is the per-job
// concurrency guard: a tick that finds it set is skipped, not queued.
type jobState struct {
	job     Job
	running bool
	lastRun *time.Time
	lastErr string
}

// Scheduler owns the job registry. Construct with New, Register jobs, then
// Run. No process-wide singletons: tests build their own instance with fake
// handlers.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*jobState
	order   []string
	started bool

	wg sync.WaitGroup

	drainGrace time.Duration

	// now is injectable for the daily-cadence tests.
	now func() time.Time
}

// New creates an empty Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:     logger,
		jobs:       make(map[string]*jobState),
		drainGrace: defaultDrainGrace,
		now:        time.Now,
	}
}

// Register adds a job. Registering after Run or reusing an id is an error.
func (s *Scheduler) Register(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Handler == nil {
		return fmt.Errorf("job %q has no handler", job.ID)
	}
	if job.Every <= 0 && (job.AtHour < 0 || job.AtHour > 23) {
		return fmt.Errorf("job %q needs an interval or a valid daily hour", job.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cannot register %q: %w", job.ID, ErrAlreadyStarted)
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already registered", job.ID)
	}
	s.jobs[job.ID] = &jobState{job: job}
	s.order = append(s.order, job.ID)
	return nil
}

// Run starts one goroutine per job and blocks until ctx is canceled, then
// waits for in-flight handlers to drain. Handlers run on a context that
// survives cancellation of ctx for the drain grace period, so a job caught
// mid-run can finish its writes instead of aborting on the first select.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.Unlock()

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	for _, id := range ids {
		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			s.runLoop(ctx, jobCtx, id)
		}(id)
	}

	<-ctx.Done()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.drainGrace):
		s.logger.Warn("drain grace elapsed, canceling in-flight jobs",
			"grace", s.drainGrace)
		cancelJobs()
		<-drained
	}
	s.logger.Info("scheduler drained")
	return nil
}

// runLoop drives one job's cadence until ctx cancels. Invocations run on
// jobCtx so shutdown does not yank them mid-write.
func (s *Scheduler) runLoop(ctx, jobCtx context.Context, id string) {
	s.mu.Lock()
	st := s.jobs[id]
	s.mu.Unlock()

	if st.job.Every > 0 {
		ticker := time.NewTicker(st.job.Every)
		defer ticker.Stop()

		s.logger.Info("job scheduled", "job", id, "interval", st.job.Every)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.invoke(jobCtx, id)
			}
		}
	}

	// Daily cadence: sleep until the next occurrence of AtHour UTC.
	s.logger.Info("job scheduled", "job", id, "daily_hour_utc", st.job.AtHour)
	for {
		wait := untilHour(s.now(), st.job.AtHour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.invoke(jobCtx, id)
		}
	}
}

// untilHour returns the duration from now to the next occurrence of hour UTC.
func untilHour(now time.Time, hour int) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// invoke runs the job if it is not already running, reporting whether it ran
// and the handler's error. Handler panics are recovered and recorded; errors
// are logged with full context and do not propagate — the next tick still
// fires.
func (s *Scheduler) invoke(ctx context.Context, id string) (ran bool, err error) {
	s.mu.Lock()
	st, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if st.running {
		s.mu.Unlock()
		s.logger.Warn("previous run still in progress, skipping tick", "job", id)
		return false, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}
	st.running = true
	s.mu.Unlock()

	started := s.now()
	err = s.safeCall(ctx, st.job.Handler)

	s.mu.Lock()
	st.running = false
	st.lastRun = &started
	if err != nil {
		st.lastErr = err.Error()
	} else {
		st.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "job", id, "error", err,
			"duration", time.Since(started))
		return true, err
	}
	s.logger.Debug("job completed", "job", id, "duration", time.Since(started))
	return true, nil
}

// safeCall invokes handler, converting a panic into an error.
func (s *Scheduler) safeCall(ctx context.Context, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx)
}

// RunOnce invokes a job immediately, bypassing its cadence but respecting
// the per-job concurrency guard. Used by operational tooling and the jobs
// API.
func (s *Scheduler) RunOnce(ctx context.Context, id string) error {
	_, err := s.invoke(ctx, id)
	return err
}

// Jobs returns the registry snapshot in registration order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.order))
	for _, id := range s.order {
		st := s.jobs[id]
		cadence := st.job.Every.String()
		if st.job.Every <= 0 {
			cadence = fmt.Sprintf("daily@%02d:00Z", st.job.AtHour)
		}
		statuses = append(statuses, JobStatus{
			ID:        id,
			Cadence:   cadence,
			Running:   st.running,
			LastRun:   st.lastRun,
			LastError: st.lastErr,
		})
	}
	return statuses
}
