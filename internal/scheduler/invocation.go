package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"site-snapshot/internal/jobstate"
	"site-snapshot/internal/logging"
	"site-snapshot/internal/progress"
	"site-snapshot/internal/semaphore"
)

// Invocation is one execution of a job. It is the progress.Sink handed to
// components and owns the job state for the duration of the run.
type Invocation struct {
	s      *Scheduler
	n      int
	jobID  string
	start  time.Time
	sem    *semaphore.Semaphore
	cancel context.CancelCauseFunc
	logger *logging.Logger

	mu      sync.Mutex
	state   *jobstate.State
	touched map[string]bool

	events chan progress.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

func newInvocation(s *Scheduler, n int, state *jobstate.State, sem *semaphore.Semaphore, cancel context.CancelCauseFunc) *Invocation {
	return &Invocation{
		s:       s,
		n:       n,
		jobID:   state.JobID,
		start:   s.clock.Now(),
		sem:     sem,
		cancel:  cancel,
		logger:  s.logger,
		state:   state,
		touched: s.ownedPaths(state.JobID),
		events:  make(chan progress.Event, 64),
		done:    make(chan struct{}),
	}
}

// Number returns the resumption number being executed
func (inv *Invocation) Number() int { return inv.n }

// JobID returns the job being executed
func (inv *Invocation) JobID() string { return inv.jobID }

// Logger returns the invocation's logger
func (inv *Invocation) Logger() *logging.Logger { return inv.logger }

// Update applies fn to the job state under the invocation lock
func (inv *Invocation) Update(fn func(state *jobstate.State)) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	fn(inv.state)
}

// View runs fn with read access to the job state
func (inv *Invocation) View(fn func(state *jobstate.State)) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	fn(inv.state)
}

// Save persists the job state now
func (inv *Invocation) Save(ctx context.Context) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.saveLocked(ctx)
}

// Checkpoint saves the job state where a failed write does not stop the
// job. The failure is logged since a later invocation would resume from the
// previous checkpoint.
func (inv *Invocation) Checkpoint(ctx context.Context) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.checkpointLocked(ctx)
}

func (inv *Invocation) checkpointLocked(ctx context.Context) error {
	err := inv.saveLocked(ctx)
	if err != nil {
		inv.logger.WithJob(inv.jobID).WithFields(map[string]interface{}{
			"resumption": inv.n,
			"phase":      inv.state.Phase,
		}).WithError(err).Warn("Checkpoint not saved; a later invocation resumes from the previous one")
	}
	return err
}

func (inv *Invocation) saveLocked(ctx context.Context) error {
	// The state outlives a cancelled invocation context
	return inv.s.store.SaveJob(context.WithoutCancel(ctx), inv.state)
}

// Emit queues ev for the invocation's event loop
func (inv *Invocation) Emit(ev progress.Event) {
	if ev.At.IsZero() {
		ev.At = inv.s.clock.Now()
	}
	select {
	case inv.events <- ev:
	case <-inv.done:
	}
}

// Claim checks that no other execution touched path within the overlap
// window. On conflict the invocation is cancelled with ErrOverlap.
func (inv *Invocation) Claim(path string) error {
	if inv.aborted() {
		return ErrAborted
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.touched[path] {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			inv.touched[path] = true
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	now := inv.s.clock.Now()
	age := now.Sub(info.ModTime())
	if age >= 0 && age < inv.s.config.OverlapWindow {
		inv.state.ResumeInterval += inv.s.config.OverlapWindow
		inv.logger.WithFields(map[string]interface{}{
			"job_id":   inv.jobID,
			"file":     path,
			"age":      age.Round(time.Millisecond).String(),
			"interval": inv.state.ResumeInterval.String(),
		}).Warn("Output file was modified recently by another execution, stopping")
		inv.cancel(ErrOverlap)
		return ErrOverlap
	}

	inv.touched[path] = true
	return nil
}

func (inv *Invocation) aborted() bool {
	if sentinelPresent(inv.s.config.StorageDir, inv.jobID) {
		inv.cancel(ErrAborted)
		return true
	}
	return false
}

// run consumes events until the invocation ends
func (inv *Invocation) run(ctx context.Context) {
	inv.wg.Add(1)
	go func() {
		defer inv.wg.Done()
		for {
			select {
			case ev := <-inv.events:
				inv.handle(ctx, ev)
			case <-inv.done:
				// drain whatever was queued before the job returned
				for {
					select {
					case ev := <-inv.events:
						inv.handle(ctx, ev)
					default:
						return
					}
				}
			}
		}
	}()
}

func (inv *Invocation) stop() {
	close(inv.done)
	inv.wg.Wait()
}

func (inv *Invocation) handle(ctx context.Context, ev progress.Event) {
	if inv.aborted() {
		inv.logger.WithJob(inv.jobID).Info("Abort requested, stopping at the next boundary")
	}

	switch ev.Kind {
	case progress.KindCheckpoint:
		inv.checkin(ctx, ev)
	case progress.KindPhase:
		inv.Update(func(state *jobstate.State) { state.Phase = ev.Message })
		inv.logger.WithJob(inv.jobID).WithField("phase", ev.Message).Info("Job phase changed")
	case progress.KindWarning:
		inv.logger.WithJob(inv.jobID).WithFields(map[string]interface{}{
			"entity": ev.Entity,
			"path":   ev.Path,
		}).Warn(ev.Message)
	case progress.KindBoundary:
	}
}

// checkin records useful progress and applies the rescheduling policy
func (inv *Invocation) checkin(ctx context.Context, ev progress.Event) {
	now := inv.s.clock.Now()
	elapsed := now.Sub(inv.start)

	if err := inv.sem.Refresh(context.WithoutCancel(ctx)); err != nil {
		inv.logger.WithJob(inv.jobID).WithField("error", err).Warn("Failed to refresh lock")
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	state := inv.state
	state.RunTimes[inv.n] = elapsed.Seconds()
	state.LastUsefulCheckin = now
	state.LastUsefulResumption = inv.n

	inv.growIntervalLocked(elapsed)

	cfg := inv.s.config
	if inv.n >= cfg.ScheduleAheadDepth && (state.Next == nil || state.Next.Number <= inv.n) {
		state.Next = &jobstate.ScheduledResumption{Number: inv.n + 1, At: now.Add(state.ResumeInterval)}
	}
	if state.Next != nil && state.Next.At.Sub(now) < cfg.RescheduleWindow {
		state.Next.At = now.Add(state.ResumeInterval)
	}

	inv.logger.LogCheckin(inv.jobID, inv.n, elapsed, state.ResumeInterval)
	if inv.s.metrics != nil {
		inv.s.metrics.Checkin(string(state.Kind), ev.Items, ev.Bytes)
	}
	_ = inv.checkpointLocked(ctx)
}

func (inv *Invocation) growIntervalLocked(elapsed time.Duration) {
	state := inv.state
	if elapsed > state.ResumeInterval*3/4 {
		grown := elapsed*5/4 + 30*time.Second
		if grown > state.ResumeInterval {
			state.ResumeInterval = grown
		}
	}
}

var _ progress.Sink = (*Invocation)(nil)
