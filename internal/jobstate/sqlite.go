package jobstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Lock states
const (
	LockUnlocked = "unlocked"
	LockLocked   = "locked"
)

// LockRecord is the persisted state of a named semaphore
type LockRecord struct {
	Name        string
	State       string
	Holders     int
	RefreshedAt time.Time
	AcquiredAt  time.Time
}

// SQLiteStore keeps job state and lock records in one SQLite file
type SQLiteStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the state database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		phase TEXT NOT NULL,
		resumption_count INTEGER NOT NULL DEFAULT 0,
		next_resumption INTEGER,
		next_at INTEGER,
		payload TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_next_at ON jobs(next_at);

	CREATE TABLE IF NOT EXISTS locks (
		name TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		holders INTEGER NOT NULL DEFAULT 0,
		refreshed_at INTEGER NOT NULL,
		acquired_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("state store is closed")
	}
	return nil
}

// LoadJob returns the state of jobID, or nil when no such job exists
func (s *SQLiteStore) LoadJob(ctx context.Context, jobID string) (*State, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var payload string
	err := s.retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE job_id = ?`, jobID).Scan(&payload)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return decodeState([]byte(payload))
}

// SaveJob inserts or replaces the state of a job
func (s *SQLiteStore) SaveJob(ctx context.Context, state *State) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if state.JobID == "" {
		return fmt.Errorf("job state has no id")
	}

	state.UpdatedAt = time.Now()
	payload, err := encodeState(state)
	if err != nil {
		return err
	}

	var nextNumber, nextAt sql.NullInt64
	if state.Next != nil {
		nextNumber = sql.NullInt64{Int64: int64(state.Next.Number), Valid: true}
		nextAt = sql.NullInt64{Int64: state.Next.At.UnixNano(), Valid: true}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, kind, phase, resumption_count, next_resumption, next_at, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			kind = excluded.kind,
			phase = excluded.phase,
			resumption_count = excluded.resumption_count,
			next_resumption = excluded.next_resumption,
			next_at = excluded.next_at,
			payload = excluded.payload,
			updated_at = excluded.updated_at
		`, state.JobID, string(state.Kind), state.Phase, state.ResumptionCount,
			nextNumber, nextAt, string(payload), state.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to save job %s: %w", state.JobID, err)
		}
		return tx.Commit()
	})
}

// DeleteJob removes a job; deleting a missing job is not an error
func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID)
		return err
	})
}

// ListJobs returns every stored job, oldest update first
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*State, error) {
	return s.queryJobs(ctx, `SELECT payload FROM jobs ORDER BY updated_at ASC`)
}

// DueJobs returns the jobs whose scheduled resumption is at or before now
func (s *SQLiteStore) DueJobs(ctx context.Context, now time.Time) ([]*State, error) {
	return s.queryJobs(ctx, `SELECT payload FROM jobs WHERE next_at IS NOT NULL AND next_at <= ? ORDER BY next_at ASC`, now.UnixNano())
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*State, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var payloads []string
	err := s.retryOnBusy(ctx, func() error {
		payloads = payloads[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				return err
			}
			payloads = append(payloads, payload)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	states := make([]*State, 0, len(payloads))
	for _, payload := range payloads {
		state, err := decodeState([]byte(payload))
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// EnsureLock creates the lock record in the unlocked state if it does not exist
func (s *SQLiteStore) EnsureLock(ctx context.Context, name string, now time.Time) error {
	return s.execWrite(ctx, `
	INSERT INTO locks (name, state, holders, refreshed_at, acquired_at)
	VALUES (?, ?, 0, ?, ?)
	ON CONFLICT(name) DO NOTHING
	`, name, LockUnlocked, now.UnixNano(), now.UnixNano())
}

// GetLock returns the lock record, or nil when it does not exist
func (s *SQLiteStore) GetLock(ctx context.Context, name string) (*LockRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		rec                 LockRecord
		refreshed, acquired int64
	)
	err := s.retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT name, state, holders, refreshed_at, acquired_at FROM locks WHERE name = ?`, name).
			Scan(&rec.Name, &rec.State, &rec.Holders, &refreshed, &acquired)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	rec.RefreshedAt = time.Unix(0, refreshed)
	rec.AcquiredAt = time.Unix(0, acquired)
	return &rec, nil
}

// Lock flips an unlocked record to locked; false means someone else holds it
func (s *SQLiteStore) Lock(ctx context.Context, name string, now time.Time) (bool, error) {
	return s.execCAS(ctx, `
	UPDATE locks SET state = ?, refreshed_at = ?, acquired_at = ?
	WHERE name = ? AND state = ?
	`, LockLocked, now.UnixNano(), now.UnixNano(), name, LockUnlocked)
}

// IncrementHolders raises the holder count from zero to one
func (s *SQLiteStore) IncrementHolders(ctx context.Context, name string, now time.Time) (bool, error) {
	return s.execCAS(ctx, `
	UPDATE locks SET holders = 1, refreshed_at = ?
	WHERE name = ? AND holders = 0
	`, now.UnixNano(), name)
}

// TakeOver resets a stale lock to a single holder, succeeding only if nobody
// refreshed it since observedRefresh was read.
func (s *SQLiteStore) TakeOver(ctx context.Context, name string, observedRefresh, now time.Time) (bool, error) {
	return s.execCAS(ctx, `
	UPDATE locks SET state = ?, holders = 1, refreshed_at = ?, acquired_at = ?
	WHERE name = ? AND refreshed_at = ?
	`, LockLocked, now.UnixNano(), now.UnixNano(), name, observedRefresh.UnixNano())
}

// Touch refreshes the lock timestamp
func (s *SQLiteStore) Touch(ctx context.Context, name string, now time.Time) error {
	return s.execWrite(ctx, `UPDATE locks SET refreshed_at = ? WHERE name = ?`, now.UnixNano(), name)
}

// DecrementHolders lowers the holder count, never below zero
func (s *SQLiteStore) DecrementHolders(ctx context.Context, name string) error {
	return s.execWrite(ctx, `UPDATE locks SET holders = holders - 1 WHERE name = ? AND holders > 0`, name)
}

// Unlock flips the record back to unlocked
func (s *SQLiteStore) Unlock(ctx context.Context, name string, now time.Time) (bool, error) {
	return s.execCAS(ctx, `
	UPDATE locks SET state = ?, refreshed_at = ?
	WHERE name = ? AND state = ?
	`, LockUnlocked, now.UnixNano(), name, LockLocked)
}

// DeleteLock removes a lock record
func (s *SQLiteStore) DeleteLock(ctx context.Context, name string) error {
	return s.execWrite(ctx, `DELETE FROM locks WHERE name = ?`, name)
}

func (s *SQLiteStore) execWrite(ctx context.Context, query string, args ...any) error {
	_, err := s.execCAS(ctx, query, args...)
	return err
}

// execCAS runs a conditional write and reports whether any row changed
func (s *SQLiteStore) execCAS(ctx context.Context, query string, args ...any) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := s.retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// retryOnBusy retries the operation while SQLite reports contention
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; ; attempt++ {
		err := operation()
		if err == nil || !isBusy(err) || attempt >= maxRetries-1 {
			return err
		}

		delay := baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// isBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, including extended codes
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	primary := se.Code() & 0xff
	return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}

func encodeState(state *State) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode job state: %w", err)
	}
	if state.RunTimes == nil {
		state.RunTimes = make(map[int]float64)
	}
	if state.Params == nil {
		state.Params = make(map[string]string)
	}
	if state.Progress.Entities == nil {
		state.Progress.Entities = make(map[string]*EntityProgress)
	}
	if state.Progress.Restored == nil {
		state.Progress.Restored = make(map[string][]string)
	}
	return &state, nil
}
