package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"site-snapshot/internal/config"
	"site-snapshot/internal/engine"
	appErrors "site-snapshot/internal/errors"
	"site-snapshot/internal/jobstate"
	"site-snapshot/internal/logging"

	"github.com/hashicorp/go-multierror"
)

// Options carries command line overrides of the logging configuration
type Options struct {
	Verbose bool
	Quiet   bool
	LogFile string
	// LogOutput replaces stdout as the log destination
	LogOutput io.Writer
}

// Application owns the long lived services a command needs
type Application struct {
	config *config.Config
	logger *logging.Logger
	store  *jobstate.SQLiteStore
	engine *engine.Engine
}

// NewApplication opens the state store and builds the engine
func NewApplication(cfg *config.Config, opts Options, engineOpts ...engine.Option) (*Application, error) {
	logger, err := logging.NewLogger(logging.Config{
		Level:   logLevel(cfg.Logging.Level, opts),
		Output:  opts.LogOutput,
		Format:  cfg.Logging.Format,
		LogFile: firstNonEmpty(opts.LogFile, cfg.Logging.File),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	store, err := jobstate.NewSQLiteStore(cfg.State.Path)
	if err != nil {
		return nil, appErrors.NewAppError(appErrors.ErrorTypeResource, "failed to open job state", err)
	}

	return &Application{
		config: cfg,
		logger: logger,
		store:  store,
		engine: engine.New(cfg, store, logger, engineOpts...),
	}, nil
}

func logLevel(configured string, opts Options) logging.LogLevel {
	switch {
	case opts.Quiet:
		return logging.LogLevelQuiet
	case opts.Verbose:
		return logging.LogLevelVerbose
	case configured != "":
		return logging.LogLevel(configured)
	default:
		return logging.LogLevelNormal
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Config returns the loaded configuration
func (app *Application) Config() *config.Config { return app.config }

// Logger returns the application logger
func (app *Application) Logger() *logging.Logger { return app.logger }

// Engine returns the snapshot engine
func (app *Application) Engine() *engine.Engine { return app.engine }

// Context returns a context cancelled on SIGINT or SIGTERM. A job interrupted
// this way checkpoints and is picked up again by its next resumption.
func (app *Application) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			app.logger.WithField("signal", sig.String()).Info("Received shutdown signal, checkpointing")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Close writes the metrics textfile and releases the database and state store
func (app *Application) Close() error {
	var result *multierror.Error
	if err := app.engine.Flush(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to write metrics: %w", err))
	}
	if err := app.engine.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close database: %w", err))
	}
	if err := app.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close job state: %w", err))
	}
	return result.ErrorOrNil()
}

// ReportError writes err and hints for its category to w and logs the details
func (app *Application) ReportError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)

	var appErr *appErrors.AppError
	if !errors.As(err, &appErr) {
		return
	}
	app.logger.WithFields(map[string]interface{}{
		"error_type":  string(appErr.Type),
		"recoverable": appErr.IsRecoverable(),
		"context":     appErr.Context,
	}).Error("Command failed")

	if hints := TroubleshootingHints(appErr.Type); len(hints) > 0 {
		fmt.Fprintf(w, "\nTroubleshooting hints:\n")
		for _, h := range hints {
			fmt.Fprintf(w, "- %s\n", h)
		}
	}
}

// TroubleshootingHints returns advice for an error category
func TroubleshootingHints(t appErrors.ErrorType) []string {
	switch t {
	case appErrors.ErrorTypeConnection:
		return []string{
			"Check that the database server is running",
			"Verify the host, port or socket in the database section",
			"Ensure network connectivity to the database server",
		}
	case appErrors.ErrorTypePermission:
		return []string{
			"Verify the username and password are correct",
			"Check that the user may create, lock and rename tables",
			"Check that the storage directory is writable",
		}
	case appErrors.ErrorTypeResource:
		return []string{
			"Free disk space in the storage directory",
			"Lower archive.split_size_mb or export.max_statement_bytes",
		}
	case appErrors.ErrorTypeIntegrity:
		return []string{
			"Run 'sitesnap history rebuild' to re-index the storage directory",
			"Start a new backup if files of this set were removed",
		}
	case appErrors.ErrorTypeConcurrency:
		return []string{
			"Another invocation holds the job lock; it is released after scheduler.lock_timeout",
		}
	default:
		return nil
	}
}
