package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"site-snapshot/internal/jobstate"
	"site-snapshot/internal/logging"
	"site-snapshot/internal/progress"
	"site-snapshot/internal/semaphore"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJob struct {
	run     func(ctx context.Context, inv *Invocation) error
	runs    int
	aborted int
}

func (j *fakeJob) Run(ctx context.Context, inv *Invocation) error {
	j.runs++
	return j.run(ctx, inv)
}

func (j *fakeJob) Abort(ctx context.Context, state *jobstate.State) error {
	j.aborted++
	return nil
}

func waitForBudget(ctx context.Context, inv *Invocation) error {
	<-ctx.Done()
	return ctx.Err()
}

type harness struct {
	store *jobstate.SQLiteStore
	sched *Scheduler
	clock *testclock.Clock
	dir   string
	job   *fakeJob
}

func newHarness(t *testing.T, cfg Config, run func(ctx context.Context, inv *Invocation) error) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := jobstate.NewSQLiteStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := testclock.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	job := &fakeJob{run: run}
	cfg.StorageDir = dir
	if cfg.MaxRunTime == 0 {
		cfg.MaxRunTime = 50 * time.Millisecond
	}
	sched := New(store, store, func(*jobstate.State) (Job, error) { return job, nil }, cfg, clk, nil)
	return &harness{store: store, sched: sched, clock: clk, dir: dir, job: job}
}

func (h *harness) newJob(t *testing.T, id string, interval time.Duration) *jobstate.State {
	t.Helper()
	state := jobstate.NewState(id, jobstate.KindBackup, interval, h.clock.Now())
	require.NoError(t, h.sched.Schedule(context.Background(), state))
	return state
}

func (h *harness) load(t *testing.T, id string) *jobstate.State {
	t.Helper()
	state, err := h.store.LoadJob(context.Background(), id)
	require.NoError(t, err)
	return state
}

func TestResume_CompletedJobIsDeleted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, func(ctx context.Context, inv *Invocation) error {
		inv.Emit(progress.Event{Kind: progress.KindCheckpoint, Items: 3})
		return nil
	})
	h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)

	outcome, err := h.sched.Resume(ctx, 0, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Nil(t, h.load(t, "aaaaaaaaaaaa"))

	rec, err := h.store.GetLock(ctx, semaphore.Name("aaaaaaaaaaaa"))
	require.NoError(t, err)
	assert.Equal(t, jobstate.LockUnlocked, rec.State)
}

func TestResume_BudgetLeavesContinuation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, waitForBudget)
	h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)

	outcome, err := h.sched.Resume(ctx, 0, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinue, outcome)

	state := h.load(t, "aaaaaaaaaaaa")
	require.NotNil(t, state)
	assert.Equal(t, 0, state.ResumptionCount)
	require.NotNil(t, state.Next)
	assert.Equal(t, 1, state.Next.Number)
	assert.True(t, state.Next.At.Equal(h.clock.Now().Add(5*time.Minute)))
}

func TestResume_StaleAndMissingTriggersAreNoops(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, waitForBudget)
	state := h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)
	state.ResumptionCount = 3
	require.NoError(t, h.store.SaveJob(ctx, state))

	outcome, err := h.sched.Resume(ctx, 2, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	outcome, err = h.sched.Resume(ctx, 0, "bbbbbbbbbbbb")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 0, h.job.runs)
}

func TestResume_LockedJobExits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, waitForBudget)
	h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)

	holder := semaphore.New(semaphore.Name("aaaaaaaaaaaa"), h.store, h.clock, semaphore.Config{}, nil)
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err := h.sched.Resume(ctx, 0, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocked, outcome)
	assert.Equal(t, 0, h.job.runs)
}

func TestResume_FatalErrorIsPersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, func(ctx context.Context, inv *Invocation) error {
		return errors.New("disk full while writing part")
	})
	h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)

	outcome, err := h.sched.Resume(ctx, 0, "aaaaaaaaaaaa")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	state := h.load(t, "aaaaaaaaaaaa")
	require.NotNil(t, state)
	assert.Equal(t, "disk full while writing part", state.LastError)
	assert.Nil(t, state.Next)

	outcome, err = h.sched.Resume(ctx, 1, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestResume_AbortSentinelBeforeStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, waitForBudget)
	h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)
	require.NoError(t, RequestAbort(h.dir, "aaaaaaaaaaaa"))

	outcome, err := h.sched.Resume(ctx, 0, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, outcome)
	assert.Equal(t, 0, h.job.runs)
	assert.Equal(t, 1, h.job.aborted)
	assert.Nil(t, h.load(t, "aaaaaaaaaaaa"))
	assert.NoFileExists(t, SentinelPath(h.dir, "aaaaaaaaaaaa"))
}

func TestResume_AbortSentinelDuringRun(t *testing.T) {
	ctx := context.Background()
	var h *harness
	h = newHarness(t, Config{MaxRunTime: time.Minute}, func(ctx context.Context, inv *Invocation) error {
		if err := RequestAbort(h.dir, inv.JobID()); err != nil {
			return err
		}
		if err := inv.Claim(filepath.Join(h.dir, "part.zip")); err != nil {
			return err
		}
		return errors.New("claim should have failed")
	})
	h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)

	outcome, err := h.sched.Resume(ctx, 0, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, outcome)
	assert.Equal(t, 1, h.job.aborted)
	assert.Nil(t, h.load(t, "aaaaaaaaaaaa"))
	assert.NoFileExists(t, SentinelPath(h.dir, "aaaaaaaaaaaa"))
}

func TestResume_OverlapStopsAndGrowsInterval(t *testing.T) {
	ctx := context.Background()
	var h *harness
	h = newHarness(t, Config{MaxRunTime: time.Minute}, func(ctx context.Context, inv *Invocation) error {
		path := filepath.Join(h.dir, "busy.zip.tmp")
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			return err
		}
		// pretend another execution wrote it five seconds ago
		touched := h.clock.Now().Add(-5 * time.Second)
		if err := os.Chtimes(path, touched, touched); err != nil {
			return err
		}
		if err := inv.Claim(path); err != nil {
			return err
		}
		return nil
	})
	h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)

	outcome, err := h.sched.Resume(ctx, 0, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeOverlap, outcome)

	state := h.load(t, "aaaaaaaaaaaa")
	require.NotNil(t, state)
	assert.Equal(t, 5*time.Minute+30*time.Second, state.ResumeInterval)
	require.NotNil(t, state.Next)
	assert.Equal(t, 1, state.Next.Number)
}

func TestClaim_OwnFilesAndOldFiles(t *testing.T) {
	ctx := context.Background()
	var h *harness
	var claimErrs []error
	h = newHarness(t, Config{MaxRunTime: time.Minute}, func(ctx context.Context, inv *Invocation) error {
		fresh := filepath.Join(h.dir, "fresh.gz")
		claimErrs = append(claimErrs, inv.Claim(fresh))
		if err := os.WriteFile(fresh, []byte("x"), 0o644); err != nil {
			return err
		}
		touched := h.clock.Now()
		if err := os.Chtimes(fresh, touched, touched); err != nil {
			return err
		}
		claimErrs = append(claimErrs, inv.Claim(fresh))

		old := filepath.Join(h.dir, "old.gz")
		if err := os.WriteFile(old, []byte("x"), 0o644); err != nil {
			return err
		}
		stale := h.clock.Now().Add(-10 * time.Minute)
		if err := os.Chtimes(old, stale, stale); err != nil {
			return err
		}
		claimErrs = append(claimErrs, inv.Claim(old))
		return nil
	})
	h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)

	outcome, err := h.sched.Resume(ctx, 0, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, []error{nil, nil, nil}, claimErrs)
}

func TestCheckin_GrowsIntervalAndSchedulesAhead(t *testing.T) {
	ctx := context.Background()
	var h *harness
	h = newHarness(t, Config{ScheduleAheadDepth: 9}, func(ctx context.Context, inv *Invocation) error {
		h.clock.Advance(4 * time.Minute)
		inv.Emit(progress.Event{Kind: progress.KindCheckpoint})
		<-ctx.Done()
		return ctx.Err()
	})
	state := h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)
	state.ResumptionCount = 10
	state.Next = &jobstate.ScheduledResumption{Number: 10, At: h.clock.Now()}
	require.NoError(t, h.store.SaveJob(ctx, state))
	start := h.clock.Now()

	outcome, err := h.sched.Resume(ctx, 10, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinue, outcome)

	state = h.load(t, "aaaaaaaaaaaa")
	require.NotNil(t, state)
	// 4m is beyond 75% of 5m: 1.25 * 4m + 30s
	assert.Equal(t, 5*time.Minute+30*time.Second, state.ResumeInterval)
	assert.Equal(t, 240.0, state.RunTimes[10])
	assert.Equal(t, 10, state.LastUsefulResumption)
	require.NotNil(t, state.Next)
	assert.Equal(t, 11, state.Next.Number)
	assert.True(t, state.Next.At.Equal(start.Add(4*time.Minute).Add(5*time.Minute+30*time.Second)))
}

func TestCheckin_PushesImminentContinuation(t *testing.T) {
	ctx := context.Background()
	var h *harness
	h = newHarness(t, Config{}, func(ctx context.Context, inv *Invocation) error {
		h.clock.Advance(25 * time.Second)
		inv.Emit(progress.Event{Kind: progress.KindCheckpoint})
		<-ctx.Done()
		return ctx.Err()
	})
	h.newJob(t, "aaaaaaaaaaaa", 30*time.Second)
	start := h.clock.Now()

	_, err := h.sched.Resume(ctx, 0, "aaaaaaaaaaaa")
	require.NoError(t, err)

	state := h.load(t, "aaaaaaaaaaaa")
	require.NotNil(t, state)
	interval := 25*time.Second*5/4 + 30*time.Second
	assert.Equal(t, interval, state.ResumeInterval)
	require.NotNil(t, state.Next)
	assert.Equal(t, 1, state.Next.Number)
	assert.True(t, state.Next.At.Equal(start.Add(25*time.Second).Add(interval)))
}

func TestCheckin_PhaseEventUpdatesState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, func(ctx context.Context, inv *Invocation) error {
		inv.Emit(progress.Event{Kind: progress.KindPhase, Message: "database"})
		<-ctx.Done()
		return ctx.Err()
	})
	h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)

	_, err := h.sched.Resume(ctx, 0, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, "database", h.load(t, "aaaaaaaaaaaa").Phase)
}

// failingStore refuses SaveJob while fail is set
type failingStore struct {
	jobstate.Store
	fail atomic.Bool
}

func (s *failingStore) SaveJob(ctx context.Context, state *jobstate.State) error {
	if s.fail.Load() {
		return errors.New("disk I/O error")
	}
	return s.Store.SaveJob(ctx, state)
}

func TestCheckpoint_FailedSaveIsReported(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sqlite, err := jobstate.NewSQLiteStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	var buf bytes.Buffer
	logger, err := logging.NewLogger(logging.Config{Level: logging.LogLevelNormal, Output: &buf})
	require.NoError(t, err)

	store := &failingStore{Store: sqlite}
	var checkpointErr error
	job := &fakeJob{run: func(ctx context.Context, inv *Invocation) error {
		inv.Update(func(st *jobstate.State) { st.Phase = "database" })
		store.fail.Store(true)
		checkpointErr = inv.Checkpoint(ctx)
		store.fail.Store(false)
		return nil
	}}
	clk := testclock.NewClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	sched := New(store, sqlite, func(*jobstate.State) (Job, error) { return job, nil },
		Config{StorageDir: dir, MaxRunTime: time.Second}, clk, logger)
	require.NoError(t, sched.Schedule(ctx, jobstate.NewState("aaaaaaaaaaaa", jobstate.KindBackup, 5*time.Minute, clk.Now())))

	outcome, err := sched.Resume(ctx, 0, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	require.Error(t, checkpointErr)
	assert.Contains(t, buf.String(), "Checkpoint not saved")
	assert.Contains(t, buf.String(), "job_id=aaaaaaaaaaaa")
	assert.Contains(t, buf.String(), "phase=database")
}

func TestDrive_RunsUntilDone(t *testing.T) {
	ctx := context.Background()
	var h *harness
	h = newHarness(t, Config{}, func(ctx context.Context, inv *Invocation) error {
		if h.job.runs < 3 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)

	require.NoError(t, h.sched.Drive(ctx, "aaaaaaaaaaaa"))
	assert.Equal(t, 3, h.job.runs)
	assert.Nil(t, h.load(t, "aaaaaaaaaaaa"))
}

func TestRunDue_FiresOnlyDueJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, func(ctx context.Context, inv *Invocation) error { return nil })

	h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)
	later := jobstate.NewState("bbbbbbbbbbbb", jobstate.KindBackup, 5*time.Minute, h.clock.Now())
	later.Next = &jobstate.ScheduledResumption{Number: 1, At: h.clock.Now().Add(time.Hour)}
	require.NoError(t, h.store.SaveJob(ctx, later))

	ran, err := h.sched.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Nil(t, h.load(t, "aaaaaaaaaaaa"))
	assert.NotNil(t, h.load(t, "bbbbbbbbbbbb"))
}

func TestResume_TooManyResumptions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxResumptions: 5}, waitForBudget)
	h.newJob(t, "aaaaaaaaaaaa", 5*time.Minute)

	outcome, err := h.sched.Resume(ctx, 6, "aaaaaaaaaaaa")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Contains(t, h.load(t, "aaaaaaaaaaaa").LastError, "exceeded 5 resumptions")
}
