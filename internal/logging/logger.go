// Package logging wraps logrus with the levels and field conventions used by
// every sitesnap component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// LogLevel is one of the four user-facing verbosity levels
type LogLevel string

const (
	LogLevelQuiet   LogLevel = "quiet"
	LogLevelNormal  LogLevel = "normal"
	LogLevelVerbose LogLevel = "verbose"
	LogLevelDebug   LogLevel = "debug"
)

var logrusLevels = map[LogLevel]logrus.Level{
	LogLevelQuiet:   logrus.ErrorLevel,
	LogLevelNormal:  logrus.InfoLevel,
	LogLevelVerbose: logrus.DebugLevel,
	LogLevelDebug:   logrus.TraceLevel,
}

// maxLoggedSQL bounds the statement text attached to a log entry
const maxLoggedSQL = 200

// Logger is a logrus logger that remembers its sitesnap level
type Logger struct {
	*logrus.Logger
	level LogLevel
}

// Config holds logger configuration
type Config struct {
	Level  LogLevel
	Output io.Writer
	// Format is "text" or "json"
	Format string
	// LogFile receives a copy of everything written to Output
	LogFile string
}

// NewLogger builds a logger from config
func NewLogger(config Config) (*Logger, error) {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	if config.LogFile != "" {
		file, err := openLogFile(config.LogFile)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(out, file)
	}

	level, ok := logrusLevels[config.Level]
	if !ok {
		config.Level, level = LogLevelNormal, logrus.InfoLevel
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	if config.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}
	return &Logger{Logger: l, level: config.Level}, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return file, nil
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *Logger {
	logger, _ := NewLogger(Config{Level: LogLevelQuiet, Output: io.Discard})
	return logger
}

// Verbosity returns the sitesnap level the logger was built with
func (l *Logger) Verbosity() LogLevel { return l.level }

// IsLevelEnabled reports whether entries at level would be written
func (l *Logger) IsLevelEnabled(level LogLevel) bool {
	lr, ok := logrusLevels[level]
	return ok && l.Logger.IsLevelEnabled(lr)
}

// WithJob returns an entry tagged with the job id
func (l *Logger) WithJob(jobID string) *logrus.Entry {
	return l.WithField("job_id", jobID)
}

// LogDatabaseConnection records the outcome of opening the site database
func (l *Logger) LogDatabaseConnection(host, database string, success bool, duration time.Duration, err error) {
	entry := l.WithFields(logrus.Fields{
		"operation": "database_connection",
		"host":      host,
		"database":  database,
		"duration":  duration.String(),
	})
	if !success {
		entry.WithError(err).Error("Database connection failed")
		return
	}
	entry.Info("Database connection established")
}

// LogSQLExecution records one statement. Successful statements are only
// logged at verbose level and above.
func (l *Logger) LogSQLExecution(sql string, duration time.Duration, rowsAffected int64, err error) {
	if err == nil && !l.IsLevelEnabled(LogLevelVerbose) {
		return
	}
	fields := logrus.Fields{
		"operation":     "sql_execution",
		"duration":      duration.String(),
		"rows_affected": rowsAffected,
		"sql":           SanitizeSQL(sql),
	}
	if len(sql) > maxLoggedSQL {
		fields["sql_length"] = len(sql)
	}
	if err != nil {
		l.WithFields(fields).WithError(err).Error("SQL execution failed")
		return
	}
	l.WithFields(fields).Debug("SQL executed")
}

// LogArchiveCommit records a batch committed to a zip part
func (l *Logger) LogArchiveCommit(entity, part string, files int, uncompressed, partSize int64, duration time.Duration) {
	l.WithFields(logrus.Fields{
		"operation":    "archive_commit",
		"entity":       entity,
		"part":         filepath.Base(part),
		"files":        files,
		"uncompressed": humanize.IBytes(uint64(uncompressed)),
		"part_size":    humanize.IBytes(uint64(partSize)),
		"duration":     duration.String(),
	}).Debug("Archive batch committed")
}

// LogTableCheckpoint records a dump segment being checkpointed
func (l *Logger) LogTableCheckpoint(table, cursor string, rows int64, segment int) {
	l.WithFields(logrus.Fields{
		"operation": "table_checkpoint",
		"table":     table,
		"cursor":    cursor,
		"rows":      rows,
		"segment":   segment,
	}).Debug("Table dump checkpointed")
}

// LogCheckin records useful progress reported to the scheduler
func (l *Logger) LogCheckin(jobID string, resumption int, elapsed, interval time.Duration) {
	l.WithFields(logrus.Fields{
		"operation":       "checkin",
		"job_id":          jobID,
		"resumption":      resumption,
		"elapsed":         elapsed.Round(time.Millisecond).String(),
		"resume_interval": interval.String(),
	}).Debug("Useful progress recorded")
}

// SanitizeSQL masks inline passwords and shortens sql for a log line
func SanitizeSQL(sql string) string {
	for _, marker := range []string{"password=", "PASSWORD="} {
		idx := strings.Index(sql, marker)
		if idx < 0 {
			continue
		}
		rest := sql[idx+len(marker):]
		end := len(rest)
		switch {
		case rest != "" && (rest[0] == '\'' || rest[0] == '"'):
			if closing := strings.IndexByte(rest[1:], rest[0]); closing != -1 {
				end = closing + 2
			}
		case strings.IndexByte(rest, ' ') != -1:
			end = strings.IndexByte(rest, ' ')
		}
		sql = sql[:idx+len(marker)] + "***" + rest[end:]
	}
	if len(sql) > maxLoggedSQL {
		return sql[:maxLoggedSQL] + "... [truncated]"
	}
	return sql
}
