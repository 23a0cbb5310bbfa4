// Package scheduler runs a job as a chain of short invocations. It owns the
// timing policy: check-ins, rescheduling, overlap detection, cancellation and
// the decision of what happens to the job state when an invocation ends.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"site-snapshot/internal/jobstate"
	"site-snapshot/internal/logging"
	"site-snapshot/internal/semaphore"

	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
)

var (
	// ErrAborted is the cancellation cause when the abort sentinel was seen
	ErrAborted = errors.New("job aborted")
	// ErrOverlap is the cancellation cause when another execution owns the output
	ErrOverlap = errors.New("another execution is writing this job's output")
	// ErrBudget is the cancellation cause when the invocation ran out of time
	ErrBudget = errors.New("invocation time budget reached")
	// ErrLocked is returned by Drive when another invocation holds the job
	ErrLocked = errors.New("job is locked by another invocation")
)

// Outcome says how an invocation ended
type Outcome string

const (
	OutcomeDone     Outcome = "done"
	OutcomeContinue Outcome = "continue"
	OutcomeOverlap  Outcome = "overlap"
	OutcomeAborted  Outcome = "aborted"
	OutcomeFailed   Outcome = "failed"
	OutcomeLocked   Outcome = "locked"
	OutcomeSkipped  Outcome = "skipped"
)

// Job is the work performed by one invocation. Run returns nil once the job
// is complete; returning because ctx ended leaves the rest for a later
// invocation.
type Job interface {
	Run(ctx context.Context, inv *Invocation) error
	// Abort removes whatever partial output the job produced
	Abort(ctx context.Context, state *jobstate.State) error
}

// Factory builds the Job for a stored state
type Factory func(state *jobstate.State) (Job, error)

// LockStore is the persistence needed for per-job semaphores
type LockStore = semaphore.Store

// Metrics receives invocation counters
type Metrics interface {
	Checkin(kind string, items, bytes int64)
	Outcome(kind, outcome string)
}

// Config tunes the scheduling policy
type Config struct {
	StorageDir         string
	MaxRunTime         time.Duration
	OverlapWindow      time.Duration
	RescheduleWindow   time.Duration
	ScheduleAheadDepth int
	MaxResumptions     int
	PollSpec           string
	Lock               semaphore.Config
}

// Scheduler drives jobs through their invocations
type Scheduler struct {
	store   jobstate.Store
	locks   LockStore
	factory Factory
	config  Config
	clock   clock.Clock
	logger  *logging.Logger
	metrics Metrics

	// paths written by this process, per job; they are never "another execution"
	ownedMu sync.Mutex
	owned   map[string]map[string]bool
}

// New creates a scheduler. A nil clock means the wall clock.
func New(store jobstate.Store, locks LockStore, factory Factory, config Config, clk clock.Clock, logger *logging.Logger) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if config.MaxRunTime <= 0 {
		config.MaxRunTime = 4 * time.Minute
	}
	if config.OverlapWindow <= 0 {
		config.OverlapWindow = 30 * time.Second
	}
	if config.RescheduleWindow <= 0 {
		config.RescheduleWindow = 45 * time.Second
	}
	if config.ScheduleAheadDepth <= 0 {
		config.ScheduleAheadDepth = 9
	}
	if config.MaxResumptions <= 0 {
		config.MaxResumptions = 100
	}
	if config.PollSpec == "" {
		config.PollSpec = "@every 30s"
	}
	return &Scheduler{
		store:   store,
		locks:   locks,
		factory: factory,
		config:  config,
		clock:   clk,
		logger:  logger,
		owned:   make(map[string]map[string]bool),
	}
}

func (s *Scheduler) ownedPaths(jobID string) map[string]bool {
	s.ownedMu.Lock()
	defer s.ownedMu.Unlock()
	m, ok := s.owned[jobID]
	if !ok {
		m = make(map[string]bool)
		s.owned[jobID] = m
	}
	return m
}

func (s *Scheduler) forget(jobID string) {
	s.ownedMu.Lock()
	defer s.ownedMu.Unlock()
	delete(s.owned, jobID)
}

// WithMetrics attaches a metrics sink
func (s *Scheduler) WithMetrics(m Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Schedule stores the first resumption of a freshly created job
func (s *Scheduler) Schedule(ctx context.Context, state *jobstate.State) error {
	state.Next = &jobstate.ScheduledResumption{Number: state.ResumptionCount, At: s.clock.Now()}
	return s.store.SaveJob(ctx, state)
}

// Resume executes resumption n of a job. It is safe to call repeatedly with
// the same n: stale numbers, missing jobs and locked jobs are no-ops.
func (s *Scheduler) Resume(ctx context.Context, n int, jobID string) (Outcome, error) {
	log := s.logger.WithJob(jobID).WithField("resumption", n)

	state, err := s.store.LoadJob(ctx, jobID)
	if err != nil {
		return OutcomeFailed, err
	}
	if state == nil {
		log.Debug("No state for job, nothing to resume")
		return OutcomeSkipped, nil
	}
	if n < state.ResumptionCount {
		log.WithField("current", state.ResumptionCount).Debug("Stale resumption trigger ignored")
		return OutcomeSkipped, nil
	}
	if state.LastError != "" && state.Next == nil && !sentinelPresent(s.config.StorageDir, jobID) {
		log.Debug("Job already failed, not resuming")
		return OutcomeSkipped, nil
	}

	sem := semaphore.New(semaphore.Name(jobID), s.locks, s.clock, s.config.Lock, s.logger)
	ok, err := sem.Acquire(ctx)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to acquire job lock: %w", err)
	}
	if !ok {
		log.Info("Job is held by another invocation")
		return OutcomeLocked, nil
	}
	defer func() {
		if err := sem.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithField("error", err).Warn("Failed to release job lock")
		}
	}()

	// Reload under the lock; the holder we waited for may have moved on
	state, err = s.store.LoadJob(ctx, jobID)
	if err != nil {
		return OutcomeFailed, err
	}
	if state == nil || n < state.ResumptionCount {
		return OutcomeSkipped, nil
	}

	if n > s.config.MaxResumptions {
		state.LastError = fmt.Sprintf("job exceeded %d resumptions", s.config.MaxResumptions)
		state.Next = nil
		if err := s.store.SaveJob(ctx, state); err != nil {
			return OutcomeFailed, err
		}
		return s.finish(state, OutcomeFailed), errors.New(state.LastError)
	}

	job, err := s.factory(state)
	if err != nil {
		return OutcomeFailed, err
	}

	return s.invoke(ctx, n, state, sem, job)
}

func (s *Scheduler) invoke(ctx context.Context, n int, state *jobstate.State, sem *semaphore.Semaphore, job Job) (Outcome, error) {
	cancelCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, stopBudget := context.WithTimeoutCause(cancelCtx, s.config.MaxRunTime, ErrBudget)
	defer stopBudget()

	inv := newInvocation(s, n, state, sem, cancel)
	log := s.logger.WithJob(state.JobID).WithField("resumption", n)

	now := inv.start
	state.ResumptionCount = n
	state.LastError = ""
	if state.ResumeInterval <= 0 {
		state.ResumeInterval = 5 * time.Minute
	}
	if n < s.config.ScheduleAheadDepth {
		state.Next = &jobstate.ScheduledResumption{Number: n + 1, At: now.Add(state.ResumeInterval)}
	} else if state.Next != nil && state.Next.Number <= n {
		state.Next = nil
	}
	if err := inv.Save(ctx); err != nil {
		return OutcomeFailed, err
	}

	if inv.aborted() {
		return s.abort(ctx, inv, job)
	}

	log.Info("Resuming job")
	inv.run(runCtx)
	runErr := job.Run(runCtx, inv)
	inv.stop()

	cause := context.Cause(runCtx)
	switch {
	case runErr == nil:
		log.Info("Job complete")
		if err := s.store.DeleteJob(context.WithoutCancel(ctx), state.JobID); err != nil {
			return OutcomeFailed, err
		}
		return s.finish(state, OutcomeDone), nil

	case errors.Is(runErr, ErrAborted) || errors.Is(cause, ErrAborted):
		return s.abort(ctx, inv, job)

	case errors.Is(runErr, ErrOverlap) || errors.Is(cause, ErrOverlap):
		s.ensureContinuation(inv)
		if err := inv.Save(ctx); err != nil {
			return OutcomeFailed, err
		}
		return s.finish(state, OutcomeOverlap), nil

	case errors.Is(cause, ErrBudget):
		log.Info("Time budget reached, continuing in a later invocation")
		s.ensureContinuation(inv)
		if err := inv.Save(ctx); err != nil {
			return OutcomeFailed, err
		}
		return s.finish(state, OutcomeContinue), nil

	case ctx.Err() != nil:
		// the caller went away; keep the schedule so the job continues later
		s.ensureContinuation(inv)
		_ = inv.Checkpoint(ctx)
		return s.finish(state, OutcomeContinue), ctx.Err()

	default:
		log.WithField("error", runErr).Error("Job failed")
		inv.Update(func(st *jobstate.State) {
			st.LastError = runErr.Error()
			st.Next = nil
		})
		if err := inv.Save(ctx); err != nil {
			return OutcomeFailed, err
		}
		return s.finish(state, OutcomeFailed), runErr
	}
}

func (s *Scheduler) ensureContinuation(inv *Invocation) {
	now := s.clock.Now()
	inv.Update(func(st *jobstate.State) {
		if st.Next == nil || st.Next.Number <= inv.n {
			st.Next = &jobstate.ScheduledResumption{Number: inv.n + 1, At: now.Add(st.ResumeInterval)}
		}
	})
}

func (s *Scheduler) abort(ctx context.Context, inv *Invocation, job Job) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.WithJob(inv.jobID)
	log.Warn("Abort requested, cleaning up job")

	var state *jobstate.State
	inv.View(func(st *jobstate.State) { state = st })

	if err := job.Abort(ctx, state); err != nil {
		log.WithField("error", err).Warn("Failed to remove partial output")
	}
	if err := clearSentinel(s.config.StorageDir, inv.jobID); err != nil {
		log.WithField("error", err).Warn("Failed to delete abort sentinel")
	}
	if err := s.store.DeleteJob(ctx, inv.jobID); err != nil {
		return OutcomeFailed, err
	}
	return s.finish(state, OutcomeAborted), nil
}

func (s *Scheduler) finish(state *jobstate.State, outcome Outcome) Outcome {
	switch outcome {
	case OutcomeDone, OutcomeAborted, OutcomeFailed:
		s.forget(state.JobID)
	}
	if s.metrics != nil {
		s.metrics.Outcome(string(state.Kind), string(outcome))
	}
	return outcome
}

// Drive runs a job inline, one invocation after another, until it ends
func (s *Scheduler) Drive(ctx context.Context, jobID string) error {
	for {
		state, err := s.store.LoadJob(ctx, jobID)
		if err != nil {
			return err
		}
		if state == nil {
			return nil
		}
		if state.LastError != "" && state.Next == nil {
			return fmt.Errorf("job %s failed: %s", jobID, state.LastError)
		}

		n := state.ResumptionCount
		if state.Next != nil {
			n = state.Next.Number
		}

		outcome, err := s.Resume(ctx, n, jobID)
		if err != nil {
			return err
		}
		switch outcome {
		case OutcomeDone, OutcomeAborted, OutcomeSkipped:
			return nil
		case OutcomeLocked:
			return ErrLocked
		case OutcomeOverlap:
			return ErrOverlap
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// RunDue fires every continuation whose time has come and returns how many ran
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	due, err := s.store.DueJobs(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, state := range due {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		outcome, err := s.Resume(ctx, state.Next.Number, state.JobID)
		if err != nil {
			s.logger.WithJob(state.JobID).WithField("error", err).Error("Resumption failed")
			continue
		}
		if outcome != OutcomeSkipped && outcome != OutcomeLocked {
			ran++
		}
	}
	return ran, nil
}

// Serve polls for due continuations on the configured cron schedule until ctx ends
func (s *Scheduler) Serve(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(s.logger)
	c := cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.SkipIfStillRunning(cronLogger)))

	_, err := c.AddFunc(s.config.PollSpec, func() {
		if _, err := s.RunDue(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithField("error", err).Error("Failed to run due jobs")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", s.config.PollSpec, err)
	}

	s.logger.WithField("schedule", s.config.PollSpec).Info("Waiting for due jobs")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
