package database

import (
	"context"
	"database/sql"
	"time"

	"site-snapshot/internal/errors"
	"site-snapshot/internal/logging"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// Backups and restores run one statement stream at a time; the pool only
// needs room for the stream, a metadata query and a reconnect.
const (
	maxOpenConns    = 4
	maxIdleConns    = 2
	connMaxLifetime = 5 * time.Minute
)

// ServerInfo describes the server a job talks to
type ServerInfo struct {
	Version          string
	MaxAllowedPacket int64
	LowerCaseNames   int
}

// Service opens connections and sessions against the site database
type Service struct {
	timeout time.Duration
	retry   errors.RetryConfig
	logger  *logging.Logger
}

// NewServiceWithLogger returns a Service using the default retry policy
func NewServiceWithLogger(logger *logging.Logger) *Service {
	return NewServiceWithRetry(logger, 30*time.Second, errors.DefaultRetryConfig())
}

// NewServiceWithRetry returns a Service with an explicit timeout and retry policy
func NewServiceWithRetry(logger *logging.Logger, timeout time.Duration, retry errors.RetryConfig) *Service {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Service{timeout: timeout, retry: retry, logger: logger}
}

// Connect opens a pool for config and waits until the server answers,
// retrying lost or refused connections
func (s *Service) Connect(ctx context.Context, config DatabaseConfig) (*sql.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid database configuration", err)
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var db *sql.DB
	handler := errors.NewRetryHandler(s.retry).OnRetry(func(attempt int, err error) {
		s.logger.WithFields(map[string]interface{}{
			"host":    config.Host,
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("Database not reachable yet")
	})
	err := handler.Retry(ctx, func() error {
		pool, err := sql.Open("mysql", config.DSN())
		if err != nil {
			return errors.WrapError(err, "failed to open database connection")
		}
		pool.SetMaxOpenConns(maxOpenConns)
		pool.SetMaxIdleConns(maxIdleConns)
		pool.SetConnMaxLifetime(connMaxLifetime)

		if err := s.Ping(ctx, pool); err != nil {
			pool.Close()
			return err
		}
		db = pool
		return nil
	})
	s.logger.LogDatabaseConnection(config.Host, config.Database, err == nil, time.Since(started), err)
	if err != nil {
		return nil, err
	}

	if info, err := s.ServerInfo(ctx, db); err == nil {
		s.logger.WithFields(map[string]interface{}{
			"version":            info.Version,
			"max_allowed_packet": info.MaxAllowedPacket,
		}).Debug("Connected to database server")
	}
	return db, nil
}

// Ping checks that db answers within the service timeout
func (s *Service) Ping(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return errors.WrapError(err, "failed to ping database")
	}
	return nil
}

// ServerInfo reads the version and the limits that shape dump statements
func (s *Service) ServerInfo(ctx context.Context, db *sql.DB) (*ServerInfo, error) {
	if db == nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}
	const query = "SELECT VERSION(), @@max_allowed_packet, @@lower_case_table_names"

	started := time.Now()
	var info ServerInfo
	err := db.QueryRowContext(ctx, query).Scan(&info.Version, &info.MaxAllowedPacket, &info.LowerCaseNames)
	s.logger.LogSQLExecution(query, time.Since(started), 1, err)
	if err != nil {
		return nil, errors.WrapError(err, "failed to read server information")
	}
	return &info, nil
}

// Close closes db, logging a failure
func (s *Service) Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close database connection")
		return errors.WrapError(err, "failed to close database connection")
	}
	return nil
}

// OpenSession pins one connection from db and runs the init statements on it.
// The session re-runs them every time it has to reconnect.
func (s *Service) OpenSession(ctx context.Context, db *sql.DB, init ...string) (*Session, error) {
	return NewSession(ctx, db, s.logger, s.retry, init...)
}
