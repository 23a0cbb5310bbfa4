// Package engine wires the archiver, exporter and importer into jobs the
// scheduler can drive, and exposes the operations the CLI offers.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"site-snapshot/internal/compression"
	"site-snapshot/internal/config"
	"site-snapshot/internal/database"
	apperrors "site-snapshot/internal/errors"
	"site-snapshot/internal/history"
	"site-snapshot/internal/jobstate"
	"site-snapshot/internal/logging"
	"site-snapshot/internal/metrics"
	"site-snapshot/internal/scheduler"
	"site-snapshot/internal/semaphore"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// Job parameters kept in the job state
const (
	paramBase   = "base"
	paramSite   = "site"
	paramSource = "source"
)

// Phases of a job, in the order they run
const (
	PhaseDatabase = "database"
	PhaseStitch   = "stitch"
	PhaseFiles    = "files"
	PhaseCatalog  = "catalog"
)

// Store persists job state and the job locks
type Store interface {
	jobstate.Store
	semaphore.Store
}

// Engine runs backup and restore jobs
type Engine struct {
	cfg       *config.Config
	store     Store
	sched     *scheduler.Scheduler
	history   *history.Index
	metrics   *metrics.Collector
	codecs    *compression.Manager
	dbService *database.Service
	clock     clock.Clock
	logger    *logging.Logger

	dbMu       sync.Mutex
	db         *sql.DB
	externalDB bool
}

// Option customises an Engine
type Option func(*Engine)

// WithClock replaces the wall clock
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clock = clk }
}

// WithDB makes the engine use db instead of connecting on first use. The
// engine does not close it.
func WithDB(db *sql.DB) Option {
	return func(e *Engine) {
		e.db = db
		e.externalDB = true
	}
}

// New creates an engine. cfg must have its defaults applied.
func New(cfg *config.Config, store Store, logger *logging.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		history:   history.NewIndex(cfg.Storage.Dir, logger),
		codecs:    compression.NewManager(),
		dbService: database.NewServiceWithLogger(logger),
		clock:     clock.WallClock,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = metrics.New(e.clock)

	s := cfg.Scheduler
	e.sched = scheduler.New(store, store, e.newJob, scheduler.Config{
		StorageDir:         cfg.Storage.Dir,
		MaxRunTime:         s.MaxRunTime,
		OverlapWindow:      s.OverlapWindow,
		RescheduleWindow:   s.RescheduleWindow,
		ScheduleAheadDepth: s.ScheduleAheadDepth,
		MaxResumptions:     s.MaxResumptions,
		PollSpec:           s.PollSpec,
		Lock:               semaphore.Config{Timeout: s.LockTimeout, Ceiling: s.LockCeiling},
	}, e.clock, logger).WithMetrics(e.metrics)
	return e
}

// History returns the backup catalog
func (e *Engine) History() *history.Index { return e.history }

// Retention returns the configured retention policy for backup sets
func (e *Engine) Retention() history.RetentionPolicy {
	return history.RetentionPolicy{
		KeepSets:  e.cfg.Storage.KeepSets,
		MaxAge:    e.cfg.Storage.MaxAge,
		KeepDaily: e.cfg.Storage.KeepDaily,
	}
}

// Prune applies the retention policy to the catalog and returns the sets it
// selected. With dryRun nothing is deleted.
func (e *Engine) Prune(dryRun bool) ([]*history.BackupSet, error) {
	return e.history.Prune(e.Retention(), e.clock.Now(), dryRun)
}

// Metrics returns the metrics collector
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// NewJobID returns a fresh 12 character lowercase hex job id
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (e *Engine) newJob(state *jobstate.State) (scheduler.Job, error) {
	switch state.Kind {
	case jobstate.KindBackup:
		return &backupJob{e: e}, nil
	case jobstate.KindRestore:
		return &restoreJob{e: e}, nil
	default:
		return nil, apperrors.NewAppError(apperrors.ErrorTypeValidation, fmt.Sprintf("unknown job kind %q", state.Kind), nil)
	}
}

// connect returns the shared database handle, opening it on first use
func (e *Engine) connect(ctx context.Context) (*sql.DB, error) {
	e.dbMu.Lock()
	defer e.dbMu.Unlock()
	if e.db != nil {
		return e.db, nil
	}
	db, err := e.dbService.Connect(ctx, e.cfg.Database)
	if err != nil {
		return nil, err
	}
	e.db = db
	return db, nil
}

// StartBackup creates a backup job and schedules its first resumption
func (e *Engine) StartBackup(ctx context.Context) (*jobstate.State, error) {
	now := e.clock.Now()
	jobID := NewJobID()
	state := jobstate.NewState(jobID, jobstate.KindBackup, e.cfg.Scheduler.InitialInterval, now)
	state.Params[paramSite] = e.cfg.Site.Name
	state.Params[paramBase] = history.BaseName(now, e.cfg.Site.Name, jobID)

	if err := e.sched.Schedule(ctx, state); err != nil {
		return nil, err
	}
	e.logger.WithJob(jobID).WithField("base", state.Params[paramBase]).Info("Backup job created")
	return state, nil
}

// StartRestore creates a job restoring the backup set identified by key, a
// job id or a timestamp
func (e *Engine) StartRestore(ctx context.Context, key string) (*jobstate.State, error) {
	set, err := e.history.Get(key)
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeValidation, fmt.Sprintf("no backup set matches %q", key), nil)
	}
	if set.Status != history.StatusComplete {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeValidation, fmt.Sprintf("backup set %s is not complete", set.JobID), nil)
	}

	jobID := NewJobID()
	state := jobstate.NewState(jobID, jobstate.KindRestore, e.cfg.Scheduler.InitialInterval, e.clock.Now())
	state.Params[paramSource] = set.JobID
	if err := e.sched.Schedule(ctx, state); err != nil {
		return nil, err
	}
	e.logger.WithJob(jobID).WithField("source", set.JobID).Info("Restore job created")
	return state, nil
}

// Resume executes resumption n of a job; repeated or stale triggers are no-ops
func (e *Engine) Resume(ctx context.Context, n int, jobID string) (scheduler.Outcome, error) {
	return e.sched.Resume(ctx, n, jobID)
}

// Drive runs a job to completion in this process
func (e *Engine) Drive(ctx context.Context, jobID string) error {
	return e.sched.Drive(ctx, jobID)
}

// RunDue fires every continuation whose time has come
func (e *Engine) RunDue(ctx context.Context) (int, error) {
	return e.sched.RunDue(ctx)
}

// Serve keeps firing due continuations until ctx ends
func (e *Engine) Serve(ctx context.Context) error {
	return e.sched.Serve(ctx)
}

// Abort asks a job to stop and remove its partial output. When no invocation
// is running the abort is carried out immediately; otherwise the running one
// picks it up at its next boundary.
func (e *Engine) Abort(ctx context.Context, jobID string) (scheduler.Outcome, error) {
	state, err := e.store.LoadJob(ctx, jobID)
	if err != nil {
		return scheduler.OutcomeFailed, err
	}
	if state == nil {
		return scheduler.OutcomeSkipped, apperrors.NewAppError(apperrors.ErrorTypeValidation, fmt.Sprintf("no job %s", jobID), nil)
	}
	if err := scheduler.RequestAbort(e.cfg.Storage.Dir, jobID); err != nil {
		return scheduler.OutcomeFailed, err
	}

	n := state.ResumptionCount
	if state.Next != nil {
		n = state.Next.Number
	}
	return e.sched.Resume(ctx, n, jobID)
}

// Status returns the stored state of a job, or nil when it does not exist
func (e *Engine) Status(ctx context.Context, jobID string) (*jobstate.State, error) {
	return e.store.LoadJob(ctx, jobID)
}

// Jobs returns every job still in progress or failed
func (e *Engine) Jobs(ctx context.Context) ([]*jobstate.State, error) {
	return e.store.ListJobs(ctx)
}

// Flush writes the metrics textfile when one is configured
func (e *Engine) Flush() error {
	return e.metrics.WriteTextfile(e.cfg.Metrics.TextfilePath)
}

// Close releases the database handle
func (e *Engine) Close() error {
	e.dbMu.Lock()
	defer e.dbMu.Unlock()
	if e.db == nil || e.externalDB {
		return nil
	}
	err := e.dbService.Close(e.db)
	e.db = nil
	return err
}
