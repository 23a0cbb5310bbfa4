package application

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"site-snapshot/internal/config"
	appErrors "site-snapshot/internal/errors"
	"site-snapshot/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefault()
	cfg.Storage.Dir = filepath.Join(dir, "out")
	cfg.State.Path = filepath.Join(dir, "state", "state.db")
	cfg.Metrics.TextfilePath = filepath.Join(dir, "sitesnap.prom")
	return cfg
}

func TestNewApplication(t *testing.T) {
	cfg := newTestConfig(t)

	app, err := NewApplication(cfg, Options{LogOutput: io.Discard})
	require.NoError(t, err)
	require.NotNil(t, app.Engine())
	assert.Same(t, cfg, app.Config())
	assert.FileExists(t, cfg.State.Path)

	jobs, err := app.Engine().Jobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, app.Close())
	assert.FileExists(t, cfg.Metrics.TextfilePath)
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, logging.LogLevelQuiet, logLevel("debug", Options{Quiet: true, Verbose: true}))
	assert.Equal(t, logging.LogLevelVerbose, logLevel("normal", Options{Verbose: true}))
	assert.Equal(t, logging.LogLevelDebug, logLevel("debug", Options{}))
	assert.Equal(t, logging.LogLevelNormal, logLevel("", Options{}))
}

func TestContextCancelsWithParent(t *testing.T) {
	app, err := NewApplication(newTestConfig(t), Options{LogOutput: io.Discard})
	require.NoError(t, err)
	defer app.Close()

	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := app.Context(parent)
	defer cancel()

	cancelParent()
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestReportError(t *testing.T) {
	app, err := NewApplication(newTestConfig(t), Options{LogOutput: io.Discard})
	require.NoError(t, err)
	defer app.Close()

	var out bytes.Buffer
	app.ReportError(&out, appErrors.NewAppError(appErrors.ErrorTypeResource, "disk full", nil))
	assert.Contains(t, out.String(), "Error: ")
	assert.Contains(t, out.String(), "disk full")
	assert.Contains(t, out.String(), "Free disk space")

	out.Reset()
	app.ReportError(&out, os.ErrNotExist)
	assert.NotContains(t, out.String(), "Troubleshooting")
}

func TestTroubleshootingHints(t *testing.T) {
	for _, typ := range []appErrors.ErrorType{
		appErrors.ErrorTypeConnection,
		appErrors.ErrorTypePermission,
		appErrors.ErrorTypeResource,
		appErrors.ErrorTypeIntegrity,
		appErrors.ErrorTypeConcurrency,
	} {
		assert.NotEmpty(t, TroubleshootingHints(typ), typ)
	}
	assert.Empty(t, TroubleshootingHints(appErrors.ErrorTypeUnknown))
}
