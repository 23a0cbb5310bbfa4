package database

import (
	"context"
	"database/sql"
	"sync"

	"site-snapshot/internal/errors"
	"site-snapshot/internal/logging"
)

// Session is a single pinned connection whose session state (charset, sql_mode,
// foreign key checks) survives reconnects. Lost connections are retried with
// the configured backoff; other errors are returned as is.
type Session struct {
	mu          sync.Mutex
	db          *sql.DB
	conn        *sql.Conn
	init        []string
	logger      *logging.Logger
	retryConfig errors.RetryConfig
	reconnects  int
}

// NewSession wraps db without the Service defaults; mostly useful for tests
func NewSession(ctx context.Context, db *sql.DB, logger *logging.Logger, retry errors.RetryConfig, init ...string) (*Session, error) {
	s := &Session{db: db, init: init, logger: logger, retryConfig: retry}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return errors.WrapError(err, "failed to obtain database connection")
	}
	for _, stmt := range s.init {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return errors.WrapError(err, "failed to initialise session")
		}
	}
	s.conn = conn
	return nil
}

// AddInit appends a statement that is replayed on every reconnect, and runs it now
func (s *Session) AddInit(ctx context.Context, stmt string) error {
	if _, err := s.ExecContext(ctx, stmt); err != nil {
		return err
	}
	s.mu.Lock()
	s.init = append(s.init, stmt)
	s.mu.Unlock()
	return nil
}

// ExecContext executes query, reconnecting on a lost connection
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.withRetry(ctx, func(conn *sql.Conn) error {
		var execErr error
		result, execErr = conn.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// QueryContext runs query, reconnecting on a lost connection
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.withRetry(ctx, func(conn *sql.Conn) error {
		var queryErr error
		rows, queryErr = conn.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// Reconnects returns how many times the session had to re-establish its connection
func (s *Session) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

func (s *Session) withRetry(ctx context.Context, op func(conn *sql.Conn) error) error {
	handler := errors.NewRetryHandler(s.retryConfig).OnRetry(func(attempt int, err error) {
		s.logger.WithFields(map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("Database connection lost, reconnecting")
	})

	return handler.Retry(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.conn == nil {
			if err := s.connect(ctx); err != nil {
				return err
			}
			s.reconnects++
		}

		err := op(s.conn)
		if err != nil && errors.IsRecoverableError(err) {
			s.conn.Close()
			s.conn = nil
		}
		return err
	})
}

// Close returns the pinned connection to the pool
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
