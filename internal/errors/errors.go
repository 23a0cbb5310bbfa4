// Package errors classifies failures from MySQL, the network and the local
// filesystem into the handful of kinds the engine reacts to differently:
// retry, degrade, skip or abort.
package errors

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ErrorType is the category of a failure
type ErrorType string

const (
	ErrorTypeConnection   ErrorType = "connection"
	ErrorTypeSQL          ErrorType = "sql"
	ErrorTypeDuplicate    ErrorType = "duplicate"
	ErrorTypeExists       ErrorType = "exists"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypePermission   ErrorType = "permission"
	ErrorTypeResource     ErrorType = "resource"
	ErrorTypeIntegrity    ErrorType = "integrity"
	ErrorTypeConcurrency  ErrorType = "concurrency"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeInterruption ErrorType = "interruption"
	ErrorTypeUnknown      ErrorType = "unknown"
)

const (
	mysqlDiskFull          = 1021
	mysqlDBAccessDenied    = 1044
	mysqlAccessDenied      = 1045
	mysqlUnknownDatabase   = 1049
	mysqlTableExists       = 1050
	mysqlDuplicateEntry    = 1062
	mysqlSyntaxError       = 1064
	mysqlTableAccessDenied = 1142
	mysqlTableFull         = 1114
	mysqlNoSuchTable       = 1146
	mysqlSpecificAccess    = 1227
	mysqlCantConnect       = 2003
	mysqlServerGone        = 2006
	mysqlLostConnection    = 2013
)

type mysqlClass struct {
	kind        ErrorType
	message     string
	recoverable bool
}

// mysqlClasses maps server and client error numbers to a class. Numbers not
// listed are plain SQL errors.
var mysqlClasses = map[uint16]mysqlClass{
	mysqlAccessDenied:      {ErrorTypePermission, "Database privilege missing", false},
	mysqlDBAccessDenied:    {ErrorTypePermission, "Database privilege missing", false},
	mysqlTableAccessDenied: {ErrorTypePermission, "Database privilege missing", false},
	mysqlSpecificAccess:    {ErrorTypePermission, "Database privilege missing", false},
	mysqlUnknownDatabase:   {ErrorTypeValidation, "Database does not exist", false},
	mysqlNoSuchTable:       {ErrorTypeSQL, "Table does not exist", false},
	mysqlTableExists:       {ErrorTypeExists, "Table already exists", false},
	mysqlDuplicateEntry:    {ErrorTypeDuplicate, "Duplicate entry", false},
	mysqlSyntaxError:       {ErrorTypeSQL, "SQL syntax error", false},
	mysqlDiskFull:          {ErrorTypeResource, "Database server disk is full", false},
	mysqlTableFull:         {ErrorTypeResource, "Table is full", false},
	mysqlCantConnect:       {ErrorTypeConnection, "Cannot connect to MySQL server", true},
	mysqlServerGone:        {ErrorTypeConnection, "MySQL server connection lost", true},
	mysqlLostConnection:    {ErrorTypeConnection, "MySQL server connection lost", true},
}

// AppError is a classified failure with optional context for the log
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error { return e.Cause }

// IsRecoverable reports whether retrying the operation may succeed
func (e *AppError) IsRecoverable() bool { return e.Recoverable }

// WithContext attaches a key to the error and returns it
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func newError(kind ErrorType, message string, cause error, recoverable bool) *AppError {
	return &AppError{
		Type:        kind,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: recoverable,
	}
}

// NewAppError returns a non-recoverable error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return newError(errorType, message, cause, false)
}

// NewRecoverableError returns an error the retry handler will retry
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	return newError(errorType, message, cause, true)
}

// DiskWriteError is returned when an output file cannot be written.
// It always aborts the current invocation.
type DiskWriteError struct {
	Path string
	Op   string
	Err  error
}

func (e *DiskWriteError) Error() string {
	return fmt.Sprintf("disk write failed during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *DiskWriteError) Unwrap() error { return e.Err }

// NewDiskWriteError wraps err as a DiskWriteError, returning nil for a nil err
func NewDiskWriteError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &DiskWriteError{Path: path, Op: op, Err: err}
}

// ErrorClassifier turns arbitrary errors into AppErrors
type ErrorClassifier struct{}

// NewErrorClassifier returns a classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError returns err as an AppError. An AppError anywhere in the
// chain is returned as is.
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var diskErr *DiskWriteError
	if errors.As(err, &diskErr) {
		return NewAppError(ErrorTypeResource, "Cannot write output file", err).WithContext("path", diskErr.Path)
	}

	for _, classify := range []func(error) *AppError{classifyMySQL, classifyNetwork, classifyContext, classifyFileSystem} {
		if classified := classify(err); classified != nil {
			return classified
		}
	}
	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyMySQL goes by error number only, never by message text
func classifyMySQL(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		class, ok := mysqlClasses[mysqlErr.Number]
		if !ok {
			class = mysqlClass{ErrorTypeSQL, fmt.Sprintf("MySQL error: %s", mysqlErr.Message), false}
		}
		return newError(class.kind, class.message, err, class.recoverable).
			WithContext("mysql_error_code", mysqlErr.Number)
	}

	switch {
	case errors.Is(err, mysql.ErrInvalidConn), errors.Is(err, driver.ErrBadConn):
		return NewRecoverableError(ErrorTypeConnection, "Database connection is no longer valid", err)
	case errors.Is(err, sql.ErrConnDone):
		return NewRecoverableError(ErrorTypeConnection, "Database connection is closed", err)
	case errors.Is(err, sql.ErrTxDone):
		return NewAppError(ErrorTypeSQL, "Transaction has already been committed or rolled back", err)
	}
	return nil
}

func classifyNetwork(err error) *AppError {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeConnection, "Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeConnection, "Network I/O error", err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout, "Network operation timed out", err)
	}
	return nil
}

func classifyContext(err error) *AppError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewAppError(ErrorTypeTimeout, "Operation timed out", err)
	case errors.Is(err, context.Canceled):
		return NewAppError(ErrorTypeInterruption, "Operation was canceled", err)
	}
	return nil
}

func classifyFileSystem(err error) *AppError {
	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return NewAppError(ErrorTypeResource, "No space left on device", err)
	case errors.Is(err, syscall.ENOMEM):
		return NewAppError(ErrorTypeResource, "Out of memory", err)
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return NewAppError(ErrorTypePermission, "Permission denied: "+pathErr.Path, err)
		}
		return NewAppError(ErrorTypePermission, "Permission denied", err)
	case errors.Is(err, os.ErrNotExist):
		return NewAppError(ErrorTypeValidation, "File or directory not found", err)
	}
	return nil
}

// RetryConfig shapes the exponential backoff of a RetryHandler
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig is three attempts starting one second apart
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler retries operations that fail with a recoverable error
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
	onRetry    func(attempt int, err error)
}

// NewRetryHandler returns a handler using config
func NewRetryHandler(config RetryConfig) *RetryHandler {
	return &RetryHandler{config: config, classifier: NewErrorClassifier()}
}

// OnRetry registers fn to run before each retry
func (rh *RetryHandler) OnRetry(fn func(attempt int, err error)) *RetryHandler {
	rh.onRetry = fn
	return rh
}

// Retry runs operation until it succeeds, fails with a non-recoverable
// error, runs out of attempts or ctx ends
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return NewAppError(ErrorTypeInterruption, "Operation canceled", ctx.Err())
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if classified := rh.classifier.ClassifyError(lastErr); !classified.IsRecoverable() {
			return classified
		}
		if attempt == rh.config.MaxAttempts {
			break
		}

		timer := time.NewTimer(rh.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return NewAppError(ErrorTypeInterruption, "Operation canceled during retry", ctx.Err())
		case <-timer.C:
		}
		if rh.onRetry != nil {
			rh.onRetry(attempt, lastErr)
		}
	}
	return rh.classifier.ClassifyError(lastErr).WithContext("attempts", rh.config.MaxAttempts)
}

func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	delay := time.Duration(float64(rh.config.BaseDelay) * math.Pow(rh.config.Multiplier, float64(attempt-1)))
	return min(delay, rh.config.MaxDelay)
}

// IsRecoverableError reports whether err is worth retrying
func IsRecoverableError(err error) bool {
	return err != nil && NewErrorClassifier().ClassifyError(err).IsRecoverable()
}

// GetErrorType returns the category of err
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	return NewErrorClassifier().ClassifyError(err).Type
}

// IsDuplicateKey reports whether err is a duplicate-key violation
func IsDuplicateKey(err error) bool { return GetErrorType(err) == ErrorTypeDuplicate }

// IsPermissionDenied reports whether err is a missing privilege
func IsPermissionDenied(err error) bool { return GetErrorType(err) == ErrorTypePermission }

// IsResourceExhausted reports whether err is disk or memory exhaustion
func IsResourceExhausted(err error) bool { return GetErrorType(err) == ErrorTypeResource }

// IsTableExists reports whether err says the created table is already there
func IsTableExists(err error) bool { return GetErrorType(err) == ErrorTypeExists }

// IsConnectionError reports whether err means the database connection is gone
func IsConnectionError(err error) bool { return GetErrorType(err) == ErrorTypeConnection }

// IsNoSuchTable reports whether err is MySQL's unknown-table error
func IsNoSuchTable(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlNoSuchTable
}

// WrapError gives err a new message while keeping its classification
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	classified := NewErrorClassifier().ClassifyError(err)
	return newError(classified.Type, message, err, classified.Recoverable)
}
