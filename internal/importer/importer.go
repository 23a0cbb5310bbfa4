// Package importer replays a SQL dump onto a destination database. Table
// prefixes are rewritten on the way, and where privileges allow each table is
// rebuilt under a temporary name and swapped into place once loaded.
package importer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"site-snapshot/internal/config"
	"site-snapshot/internal/database"
	apperrors "site-snapshot/internal/errors"
	"site-snapshot/internal/exporter"
	"site-snapshot/internal/importer/sqlscan"
	"site-snapshot/internal/jobstate"
	"site-snapshot/internal/logging"
	"site-snapshot/internal/progress"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/klauspost/compress/gzip"
)

// Defaults
const (
	DefaultTempPrefix   = "sstmp_"
	DefaultErrorCeiling = 50
)

// Options tunes the replay
type Options struct {
	DestPrefix         string
	TempPrefix         string
	ErrorCeiling       int
	KeepUnprefixed     bool
	CheckpointInterval time.Duration
}

// OptionsFromConfig converts the import configuration
func OptionsFromConfig(cfg config.ImportConfig) Options {
	return Options{
		DestPrefix:     cfg.DestPrefix,
		TempPrefix:     cfg.TempPrefix,
		ErrorCeiling:   cfg.ErrorCeiling,
		KeepUnprefixed: cfg.KeepUnprefixed,
	}
}

// Report summarises one replay invocation
type Report struct {
	Statements int64
	Executed   int64
	Skipped    int64
	Warnings   int
	Tables     []string
	// Errors holds the non-fatal statement failures, nil when there were none
	Errors error
}

// Importer replays dumps through db. db should be a *database.Session so
// session settings survive reconnects.
type Importer struct {
	db           database.Conn
	opts         Options
	sink         progress.Sink
	logger       *logging.Logger
	clock        clock.Clock
	hooks        []TableHook
	onCheckpoint func(jobstate.ImportCursor)
}

// New creates an importer writing through db
func New(db database.Conn, opts Options, sink progress.Sink, logger *logging.Logger) *Importer {
	if sink == nil {
		sink = progress.Nop
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if opts.TempPrefix == "" {
		opts.TempPrefix = DefaultTempPrefix
	}
	if opts.ErrorCeiling <= 0 {
		opts.ErrorCeiling = DefaultErrorCeiling
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 30 * time.Second
	}
	return &Importer{
		db:           db,
		opts:         opts,
		sink:         sink,
		logger:       logger,
		clock:        clock.WallClock,
		onCheckpoint: func(jobstate.ImportCursor) {},
	}
}

// WithClock replaces the clock used for checkpoint timing
func (im *Importer) WithClock(clk clock.Clock) *Importer {
	im.clock = clk
	return im
}

// AddHook registers a hook run after every restored table
func (im *Importer) AddHook(h TableHook) *Importer {
	im.hooks = append(im.hooks, h)
	return im
}

// OnCheckpoint registers fn, called with the cursor whenever the replay
// reaches a point it can resume from. fn must record it in the job state.
func (im *Importer) OnCheckpoint(fn func(jobstate.ImportCursor)) *Importer {
	im.onCheckpoint = fn
	return im
}

// ImportFile replays the gzip-compressed dump at path
func (im *Importer) ImportFile(ctx context.Context, path string, cur jobstate.ImportCursor) (jobstate.ImportCursor, *Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return cur, nil, apperrors.WrapError(err, "failed to open dump")
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return cur, nil, apperrors.NewAppError(apperrors.ErrorTypeIntegrity, "dump is not a gzip stream", err).
			WithContext("path", path)
	}
	defer zr.Close()

	if cur.File == "" {
		cur.File = filepath.Base(path)
	}
	if info, err := f.Stat(); err == nil {
		im.logger.WithFields(map[string]interface{}{
			"file":      cur.File,
			"size":      humanize.IBytes(uint64(info.Size())),
			"resume_at": cur.Statements,
		}).Info("Restoring database")
	}
	return im.Import(ctx, zr, cur)
}

// Import replays the decompressed dump read from r, skipping the statements
// cur says were already applied. It returns the cursor to persist.
func (im *Importer) Import(ctx context.Context, r io.Reader, cur jobstate.ImportCursor) (jobstate.ImportCursor, *Report, error) {
	if cur.Done {
		return cur, &Report{}, nil
	}
	if cur.TempPrefix == "" {
		cur.TempPrefix = im.opts.TempPrefix
	}

	perms, err := Probe(ctx, im.db, cur.TempPrefix, im.logger)
	if err != nil {
		return cur, nil, err
	}
	caps, err := DetectCapabilities(ctx, im.db)
	if err != nil {
		im.logger.WithError(err).Warn("Could not read server capabilities; engines and collations are replayed as is")
	}

	rp := &replay{
		im:             im,
		perms:          perms,
		caps:           caps,
		cur:            cur,
		lastCheckpoint: im.clock.Now(),
		lastStatements: cur.Statements,
	}
	err = rp.run(ctx, sqlscan.NewScanner(r))
	rp.report.Errors = rp.errs.ErrorOrNil()
	return rp.cur, &rp.report, err
}

// tableState is the table whose statements are being replayed
type tableState struct {
	source    string
	final     string
	target    string
	swap      bool
	generated []generatedColumn
	// replayed is set when CREATE ran in an earlier invocation
	replayed bool
}

type replay struct {
	im     *Importer
	perms  Permissions
	caps   *Capabilities
	cur    jobstate.ImportCursor
	header exporter.Header
	names  prefixMap
	table  *tableState

	headerRead    bool
	prefixKnown   bool
	dropRequested string
	seenCreate    bool
	seenSetNames  bool
	seenOptions   bool

	errs           *multierror.Error
	report         Report
	lastCheckpoint time.Time
	lastStatements int64
}

func (rp *replay) run(ctx context.Context, sc *sqlscan.Scanner) error {
	for st, err := range sc.All() {
		if err != nil {
			return apperrors.NewAppError(apperrors.ErrorTypeIntegrity, "failed to read dump", err).
				WithContext("statement", rp.cur.Statements+1)
		}
		if !rp.headerRead {
			rp.readHeader(sc.HeaderLines())
		}

		dry := st.Index <= rp.cur.Statements
		if !dry && ctx.Err() != nil {
			rp.checkpoint("interrupted")
			return context.Cause(ctx)
		}
		if err := rp.step(ctx, st, dry); err != nil {
			if ctx.Err() != nil {
				rp.checkpoint("interrupted")
				return context.Cause(ctx)
			}
			return err
		}
		rp.report.Statements = st.Index
		if dry {
			continue
		}
		rp.cur.Statements = st.Index
		if st.Kind == sqlscan.KindInsert && rp.im.clock.Now().Sub(rp.lastCheckpoint) >= rp.im.opts.CheckpointInterval {
			rp.checkpoint("")
		}
	}

	if rp.table != nil {
		if err := rp.finishTable(ctx, false); err != nil {
			return err
		}
	}
	rp.cur.Done = true
	rp.checkpoint("database restored")
	rp.im.logger.WithFields(map[string]interface{}{
		"file":       rp.cur.File,
		"statements": rp.cur.Statements,
		"tables":     len(rp.report.Tables),
		"errors":     rp.cur.Errors,
	}).Info("Database restore complete")
	return nil
}

// readHeader recovers the source environment from the dump header
func (rp *replay) readHeader(lines []string) {
	rp.headerRead = true
	fields := make(map[string]string)
	for _, line := range lines {
		if k, v, ok := exporter.ParseHeaderLine(line); ok {
			fields[k] = v
		}
	}
	rp.header = exporter.ParseHeader(fields)

	source := rp.cur.SourcePrefix
	if source == "" {
		source = rp.header.TablePrefix
	}
	rp.names = prefixMap{source: source, dest: rp.im.opts.DestPrefix, keepUnprefixed: rp.im.opts.KeepUnprefixed}
	if source != "" {
		rp.prefixKnown = true
		rp.cur.SourcePrefix = source
	}
	if rp.im.opts.DestPrefix == "" {
		// restore under the source names
		rp.names.dest = source
	}
	if rp.header.BackupOf != "" {
		rp.im.logger.WithFields(map[string]interface{}{
			"source":        rp.header.BackupOf,
			"source_prefix": source,
			"dest_prefix":   rp.names.dest,
			"created":       rp.header.Created,
		}).Info("Dump header read")
	}
}

// learnPrefix takes the source prefix from the first table when the header had none
func (rp *replay) learnPrefix(table string) {
	if rp.prefixKnown {
		return
	}
	rp.prefixKnown = true
	rp.names.source = detectPrefix(table)
	rp.cur.SourcePrefix = rp.names.source
	if rp.im.opts.DestPrefix == "" {
		rp.names.dest = rp.names.source
	}
	rp.im.logger.WithField("prefix", rp.names.source).Info("Source table prefix detected")
}

// continues reports whether st still belongs to the current table
func (rp *replay) continues(st sqlscan.Statement) bool {
	switch st.Kind {
	case sqlscan.KindInsert:
		return st.Table == rp.table.source
	case sqlscan.KindAlterOrLock:
		return st.Table == "" || st.Table == rp.table.source
	case sqlscan.KindUnlock:
		return true
	case sqlscan.KindOther, sqlscan.KindSetNames:
		return sqlscan.IsSet(st.SQL)
	}
	return false
}

func (rp *replay) step(ctx context.Context, st sqlscan.Statement, dry bool) error {
	if rp.table != nil && !rp.continues(st) {
		if err := rp.finishTable(ctx, dry); err != nil {
			return err
		}
	}
	if !st.Kind.Replayed() {
		if !dry {
			rp.report.Skipped++
			rp.im.logger.WithFields(map[string]interface{}{
				"statement": st.Index,
				"kind":      st.Kind.String(),
			}).Debug("Statement not replayed")
		}
		return nil
	}

	switch st.Kind {
	case sqlscan.KindSetNames:
		first := !rp.seenSetNames
		rp.seenSetNames = true
		return rp.session(ctx, st, dry, first)
	case sqlscan.KindDropTable:
		return rp.dropTable(ctx, st, dry)
	case sqlscan.KindCreateTable:
		return rp.createTable(ctx, st, dry)
	case sqlscan.KindInsert:
		return rp.insert(ctx, st, dry)
	case sqlscan.KindAlterOrLock, sqlscan.KindUnlock:
		return rp.alterOrLock(ctx, st, dry)
	case sqlscan.KindCreateTrigger, sqlscan.KindCreateRoutine, sqlscan.KindDropRoutine,
		sqlscan.KindCreateView, sqlscan.KindDropView:
		return rp.object(ctx, st, dry)
	}

	if sqlscan.IsSet(st.SQL) {
		return rp.session(ctx, st, dry, false)
	}
	if dry {
		return nil
	}
	if err := rp.exec(ctx, st.SQL); err != nil {
		return rp.fail(st, err)
	}
	return nil
}

// session applies a session setting. Settings are replayed even for
// statements already applied, because a new invocation has a new connection.
func (rp *replay) session(ctx context.Context, st sqlscan.Statement, dry, first bool) error {
	var err error
	if s, ok := rp.im.db.(interface {
		AddInit(ctx context.Context, stmt string) error
	}); ok {
		err = s.AddInit(ctx, st.SQL)
	} else {
		_, err = rp.im.db.ExecContext(ctx, st.SQL)
	}
	if err == nil {
		if !dry {
			rp.report.Executed++
		}
		return nil
	}
	if first && st.Kind == sqlscan.KindSetNames {
		return rp.fatal(st, err, "the first SET NAMES failed")
	}
	if dry {
		rp.im.logger.WithError(err).Warn("Session setting could not be re-applied")
		return nil
	}
	return rp.fail(st, err)
}

func (rp *replay) dropTable(ctx context.Context, st sqlscan.Statement, dry bool) error {
	rp.learnPrefix(st.Table)
	final := rp.names.table(st.Table)
	if rp.perms.Drop {
		// deferred to CREATE, which knows whether the table is rebuilt aside.
		// Armed on dry replay too: the cursor may sit between the two.
		rp.dropRequested = final
		if !dry {
			rp.report.Executed++
		}
		return nil
	}
	if dry {
		return nil
	}
	_, err := rp.im.db.ExecContext(ctx, "DELETE FROM "+exporter.QuoteIdent(final))
	if err != nil && !apperrors.IsNoSuchTable(err) {
		return rp.fail(st, err)
	}
	rp.report.Executed++
	return nil
}

func (rp *replay) createTable(ctx context.Context, st sqlscan.Statement, dry bool) error {
	rp.learnPrefix(st.Table)
	first := !rp.seenCreate
	rp.seenCreate = true

	final := rp.names.table(st.Table)
	swap := rp.perms.CanSwap() && !hasForeignKeys(st.SQL)
	target := final
	if swap {
		target = rp.cur.TempPrefix + final
	}

	stmt := replaceTableName(st.SQL, st.Table, target)
	stmt = rewriteReferences(stmt, rp.names)
	stmt, generated := splitGenerated(stmt)
	stmt, subs := rp.caps.Rewrite(stmt)
	rp.table = &tableState{source: st.Table, final: final, target: target, swap: swap, generated: generated, replayed: dry}
	dropFinal := rp.perms.Drop && rp.dropRequested == final
	rp.dropRequested = ""
	if dry {
		return nil
	}

	for _, s := range subs {
		rp.im.logger.WithFields(map[string]interface{}{
			"table": final,
			"kind":  s.Kind,
			"from":  s.From,
			"to":    s.To,
		}).Warn("Unsupported definition replaced")
		rp.warn(final, fmt.Sprintf("%s: %s", final, s))
	}

	switch {
	case swap:
		if err := rp.exec(ctx, "DROP TABLE IF EXISTS "+exporter.QuoteIdent(target)); err != nil {
			return rp.fail(st, err)
		}
	case dropFinal:
		if err := rp.exec(ctx, "DROP TABLE IF EXISTS "+exporter.QuoteIdent(final)); err != nil {
			return rp.fail(st, err)
		}
	}

	rp.im.logger.WithFields(map[string]interface{}{
		"table":     final,
		"target":    target,
		"swap":      swap,
		"generated": len(generated),
	}).Info("Creating table")

	err := rp.exec(ctx, stmt)
	switch {
	case err == nil:
		return nil
	case apperrors.IsTableExists(err) && !rp.perms.Drop:
		rp.im.logger.WithField("table", final).Info("Table kept in place; its rows were cleared")
		return nil
	case first:
		return rp.fatal(st, err, "the first CREATE TABLE failed")
	default:
		return rp.fail(st, err)
	}
}

func (rp *replay) insert(ctx context.Context, st sqlscan.Statement, dry bool) error {
	final := rp.names.table(st.Table)
	target := final
	if rp.table != nil && st.Table == rp.table.source {
		target = rp.table.target
	}
	options := final == rp.names.dest+"options"
	first := options && !rp.seenOptions
	if options {
		rp.seenOptions = true
	}
	if dry {
		return nil
	}

	stmt := replaceTableName(st.SQL, st.Table, target)
	err := rp.exec(ctx, stmt)
	if err != nil && apperrors.IsDuplicateKey(err) {
		if ignore := insertIgnore(stmt); ignore != stmt {
			rp.im.logger.WithFields(map[string]interface{}{
				"table":     final,
				"statement": st.Index,
			}).Debug("Duplicate key, retrying as INSERT IGNORE")
			err = rp.exec(ctx, ignore)
		}
	}
	switch {
	case err == nil:
		return nil
	case first:
		return rp.fatal(st, err, "the first insert into "+final+" failed")
	default:
		return rp.fail(st, err)
	}
}

func (rp *replay) alterOrLock(ctx context.Context, st sqlscan.Statement, dry bool) error {
	if sqlscan.IsLock(st.SQL) && !rp.perms.Lock {
		if !dry {
			rp.report.Skipped++
		}
		return nil
	}
	if dry {
		return nil
	}
	stmt := st.SQL
	if st.Table != "" {
		target := rp.names.table(st.Table)
		if rp.table != nil && st.Table == rp.table.source {
			target = rp.table.target
		}
		stmt = replaceTableName(stmt, st.Table, target)
	}
	if err := rp.exec(ctx, stmt); err != nil {
		return rp.fail(st, err)
	}
	return nil
}

// object replays views, triggers and routines. Their failures never count
// against the error ceiling.
func (rp *replay) object(ctx context.Context, st sqlscan.Statement, dry bool) error {
	if dry {
		return nil
	}
	stmt := rewritePrefixed(exporter.StripDefiner(st.SQL), rp.names)
	if err := rp.exec(ctx, stmt); err != nil {
		if apperrors.IsConnectionError(err) || ctx.Err() != nil {
			return rp.fatal(st, err, "lost the database while creating "+st.Name)
		}
		msg := fmt.Sprintf("could not replay %s %s: %v", st.Kind, st.Name, err)
		rp.im.logger.WithFields(map[string]interface{}{
			"statement": st.Index,
			"line":      st.Line,
		}).Warn(msg)
		rp.warn(st.Name, msg)
	}
	return nil
}

// finishTable runs once the current table has no statements left: generated
// columns are restored and a table built aside is renamed over its final name.
func (rp *replay) finishTable(ctx context.Context, dry bool) error {
	t := rp.table
	rp.table = nil
	if dry {
		return nil
	}

	fail := func(stmt string, err error) error {
		return rp.fail(sqlscan.Statement{
			Classification: sqlscan.Classification{Kind: sqlscan.KindAlterOrLock, Table: t.final},
			SQL:            stmt,
			Index:          rp.cur.Statements,
		}, err)
	}

	if t.swap && t.replayed && rp.cur.Swapped != t.final {
		staged, err := rp.tableExists(ctx, t.target)
		if err != nil {
			return rp.fatal(sqlscan.Statement{Index: rp.cur.Statements}, err, "could not check "+t.target)
		}
		if !staged {
			// renamed before the last checkpoint was recorded
			rp.im.logger.WithFields(map[string]interface{}{
				"table":  t.final,
				"staged": t.target,
			}).Info("Table already swapped into place")
			rp.cur.Swapped = t.final
			rp.checkpoint("")
		}
	}

	if !t.swap || rp.cur.Swapped != t.final {
		for _, g := range t.generated {
			for _, stmt := range g.alterStatements(t.target) {
				if err := rp.exec(ctx, stmt); err != nil {
					if ferr := fail(stmt, err); ferr != nil {
						return ferr
					}
				}
			}
		}
		if t.swap {
			drop := "DROP TABLE IF EXISTS " + exporter.QuoteIdent(t.final)
			if err := rp.exec(ctx, drop); err != nil {
				return fail(drop, err)
			}
			rename := "RENAME TABLE " + exporter.QuoteIdent(t.target) + " TO " + exporter.QuoteIdent(t.final)
			if err := rp.exec(ctx, rename); err != nil {
				return fail(rename, err)
			}
			rp.cur.Swapped = t.final
			rp.checkpoint("")
		}
	}

	restored := RestoredTable{
		Source:       t.source,
		Final:        t.final,
		SourcePrefix: rp.names.source,
		DestPrefix:   rp.names.dest,
		Header:       rp.header,
	}
	for _, hook := range rp.im.hooks {
		if err := hook(ctx, rp.im.db, restored); err != nil {
			if apperrors.IsConnectionError(err) || ctx.Err() != nil {
				return apperrors.WrapError(err, "table hook failed on "+t.final)
			}
			msg := fmt.Sprintf("post-restore step failed on %s: %v", t.final, err)
			rp.im.logger.Warn(msg)
			rp.warn(t.final, msg)
		}
	}

	rp.report.Tables = append(rp.report.Tables, t.final)
	rp.im.logger.WithFields(map[string]interface{}{
		"table":   t.final,
		"swapped": t.swap,
	}).Info("Table restored")
	rp.im.sink.Emit(progress.Event{
		Kind:    progress.KindBoundary,
		Entity:  t.final,
		Message: "table restored",
		At:      rp.im.clock.Now(),
	})
	return nil
}

// tableExists reports whether name is a table of the current database
func (rp *replay) tableExists(ctx context.Context, name string) (bool, error) {
	rows, err := rp.im.db.QueryContext(ctx,
		"SELECT COUNT(*) FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?", name)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return false, err
		}
	}
	return n > 0, rows.Err()
}

func (rp *replay) exec(ctx context.Context, stmt string) error {
	start := rp.im.clock.Now()
	result, err := rp.im.db.ExecContext(ctx, stmt)
	var affected int64
	if err == nil && result != nil {
		affected, _ = result.RowsAffected()
	}
	if err != nil {
		return err
	}
	rp.report.Executed++
	if rp.im.logger.IsLevelEnabled(logging.LogLevelVerbose) {
		rp.im.logger.LogSQLExecution(stmt, rp.im.clock.Now().Sub(start), affected, nil)
	}
	return nil
}

// fail records a non-fatal statement failure. Lost connections, a full
// destination and failures beyond the error ceiling end the replay.
func (rp *replay) fail(st sqlscan.Statement, err error) error {
	if apperrors.IsConnectionError(err) {
		return rp.fatal(st, err, "lost the database connection")
	}
	if apperrors.IsResourceExhausted(err) {
		return rp.fatal(st, err, "the destination ran out of space")
	}
	rp.cur.Errors++
	rp.errs = multierror.Append(rp.errs, fmt.Errorf("statement %d (%s %s, line %d): %w",
		st.Index, st.Kind, st.Table, st.Line, err))
	rp.im.logger.WithFields(map[string]interface{}{
		"statement": st.Index,
		"kind":      st.Kind.String(),
		"table":     st.Table,
		"error":     err.Error(),
		"errors":    rp.cur.Errors,
	}).Warn("Statement failed")

	if rp.cur.Errors > rp.im.opts.ErrorCeiling {
		return apperrors.NewAppError(apperrors.ErrorTypeIntegrity,
			fmt.Sprintf("restore aborted after %d failed statements", rp.cur.Errors), rp.errs.ErrorOrNil())
	}
	return nil
}

func (rp *replay) fatal(st sqlscan.Statement, err error, what string) error {
	wrapped := apperrors.WrapError(err, what)
	if app, ok := wrapped.(*apperrors.AppError); ok {
		app.WithContext("statement", st.Index).WithContext("line", st.Line)
	}
	return wrapped
}

func (rp *replay) warn(entity, msg string) {
	rp.report.Warnings++
	rp.im.sink.Emit(progress.Event{Kind: progress.KindWarning, Entity: entity, Message: msg, At: rp.im.clock.Now()})
}

// checkpoint hands the cursor to the job state and reports the progress
func (rp *replay) checkpoint(msg string) {
	now := rp.im.clock.Now()
	items := rp.cur.Statements - rp.lastStatements
	rp.lastCheckpoint = now
	rp.lastStatements = rp.cur.Statements
	rp.im.onCheckpoint(rp.cur)
	rp.im.sink.Emit(progress.Event{
		Kind:    progress.KindCheckpoint,
		Entity:  rp.cur.File,
		Message: msg,
		Items:   items,
		At:      now,
	})
}
