// Package semaphore implements the persisted single-holder lock that keeps two
// invocations of the same job from running at once.
package semaphore

import (
	"context"
	"fmt"
	"time"

	"site-snapshot/internal/jobstate"
	"site-snapshot/internal/logging"

	"github.com/juju/clock"
)

const (
	DefaultTimeout = 600 * time.Second
	DefaultCeiling = 24 * time.Hour
)

// Store is the persistence the semaphore needs; jobstate.SQLiteStore satisfies it
type Store interface {
	EnsureLock(ctx context.Context, name string, now time.Time) error
	GetLock(ctx context.Context, name string) (*jobstate.LockRecord, error)
	Lock(ctx context.Context, name string, now time.Time) (bool, error)
	IncrementHolders(ctx context.Context, name string, now time.Time) (bool, error)
	TakeOver(ctx context.Context, name string, observedRefresh, now time.Time) (bool, error)
	Touch(ctx context.Context, name string, now time.Time) error
	DecrementHolders(ctx context.Context, name string) error
	Unlock(ctx context.Context, name string, now time.Time) (bool, error)
}

// Config tunes staleness detection
type Config struct {
	// Timeout is how long a holder may go without refreshing before the lock is stale
	Timeout time.Duration
	// Ceiling is the longest a lock may be held at all, refreshed or not
	Ceiling time.Duration
}

// Semaphore is a named lock with at most one holder
type Semaphore struct {
	name   string
	store  Store
	clock  clock.Clock
	config Config
	logger *logging.Logger
}

// Name returns the lock name used for a job
func Name(jobID string) string {
	return "job:" + jobID
}

// New creates a semaphore. A nil clock means the wall clock.
func New(name string, store Store, clk clock.Clock, config Config, logger *logging.Logger) *Semaphore {
	if clk == nil {
		clk = clock.WallClock
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Ceiling <= 0 {
		config.Ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Semaphore{name: name, store: store, clock: clk, config: config, logger: logger}
}

// Acquire tries to become the single holder. It returns false, without
// blocking, when a live holder exists. A stale lock is taken over.
func (s *Semaphore) Acquire(ctx context.Context) (bool, error) {
	now := s.clock.Now()
	if err := s.store.EnsureLock(ctx, s.name, now); err != nil {
		return false, fmt.Errorf("failed to initialise lock %s: %w", s.name, err)
	}

	rec, err := s.store.GetLock(ctx, s.name)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, fmt.Errorf("lock %s disappeared", s.name)
	}

	if rec.State == jobstate.LockLocked || rec.Holders > 0 {
		if !s.stale(rec, now) {
			return false, nil
		}
		ok, err := s.store.TakeOver(ctx, s.name, rec.RefreshedAt, now)
		if err != nil {
			return false, fmt.Errorf("failed to take over lock %s: %w", s.name, err)
		}
		if ok {
			s.logger.WithFields(map[string]interface{}{
				"lock":         s.name,
				"last_refresh": rec.RefreshedAt.Format(time.RFC3339),
				"held_for":     now.Sub(rec.AcquiredAt).Round(time.Second).String(),
				"holders":      rec.Holders,
			}).Warn("Taking over stale lock")
		}
		return ok, nil
	}

	// Two conditional writes: a contender that slips in between makes the
	// second one fail and we report the lock as held.
	ok, err := s.store.Lock(ctx, s.name, now)
	if err != nil || !ok {
		return false, err
	}
	ok, err = s.store.IncrementHolders(ctx, s.name, now)
	if err != nil || !ok {
		return false, err
	}

	s.logger.WithField("lock", s.name).Debug("Lock acquired")
	return true, nil
}

func (s *Semaphore) stale(rec *jobstate.LockRecord, now time.Time) bool {
	if now.Sub(rec.RefreshedAt) > s.config.Timeout {
		return true
	}
	return !rec.AcquiredAt.IsZero() && now.Sub(rec.AcquiredAt) > s.config.Ceiling
}

// Refresh tells other invocations the holder is still alive
func (s *Semaphore) Refresh(ctx context.Context) error {
	return s.store.Touch(ctx, s.name, s.clock.Now())
}

// Release gives the lock up. A failure to flip the state back is only logged;
// the lock then expires through the timeout.
func (s *Semaphore) Release(ctx context.Context) error {
	if err := s.store.DecrementHolders(ctx, s.name); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", s.name, err)
	}
	ok, err := s.store.Unlock(ctx, s.name, s.clock.Now())
	if err != nil || !ok {
		s.logger.WithFields(map[string]interface{}{
			"lock":  s.name,
			"error": err,
		}).Warn("Lock state was not reset on release")
		return nil
	}
	s.logger.WithField("lock", s.name).Debug("Lock released")
	return nil
}
