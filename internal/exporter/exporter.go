// Package exporter dumps database tables into resumable, segmented gzip SQL
// files and stitches them into a single dump.
package exporter

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"site-snapshot/internal/config"
	apperrors "site-snapshot/internal/errors"
	"site-snapshot/internal/jobstate"
	"site-snapshot/internal/logging"
	"site-snapshot/internal/progress"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/klauspost/compress/gzip"
)

// File name parts
const (
	inProgressExt = ".table.tmp.gz"
	segmentInfix  = ".table.tmpr"
	tableExt      = ".table.gz"
)

// Options tunes the dump
type Options struct {
	BatchRows          int
	MinBatchRows       int
	MaxBatchRows       int
	TableBatchRows     map[string]int
	MaxStatementBytes  int
	CheckpointInterval time.Duration
	Level              int
}

// OptionsFromConfig converts the export configuration
func OptionsFromConfig(cfg config.ExportConfig) Options {
	return Options{
		BatchRows:          cfg.BatchRows,
		MinBatchRows:       cfg.MinBatchRows,
		MaxBatchRows:       cfg.MaxBatchRows,
		TableBatchRows:     cfg.TableBatchRows,
		MaxStatementBytes:  cfg.MaxStatementBytes,
		CheckpointInterval: cfg.CheckpointInterval,
		Level:              gzip.DefaultCompression,
	}
}

// Chunk is one fetched batch rendered as INSERT statements
type Chunk struct {
	Statements []string
	Rows       int64
	Dropped    int64
	Cursor     string
	BatchSize  int
	// Done is set on the last chunk of the table
	Done bool
}

// Exporter writes table dumps into dir under a backup base name
type Exporter struct {
	db           Querier
	dir          string
	base         string
	suffix       string
	opts         Options
	sink         progress.Sink
	logger       *logging.Logger
	clock        clock.Clock
	onCheckpoint func(jobstate.TableCursor)
	tables       map[string]*TableInfo
}

// New creates an exporter reading through db
func New(db Querier, dir, base string, opts Options, sink progress.Sink, logger *logging.Logger) *Exporter {
	if sink == nil {
		sink = progress.Nop
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if opts.BatchRows <= 0 {
		opts.BatchRows = 1000
	}
	if opts.MinBatchRows <= 0 {
		opts.MinBatchRows = 100
	}
	if opts.MaxBatchRows < opts.MinBatchRows {
		opts.MaxBatchRows = max(opts.MinBatchRows, 10000)
	}
	if opts.MaxStatementBytes <= 0 {
		opts.MaxStatementBytes = 1 << 20
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 30 * time.Second
	}
	if opts.Level == 0 {
		opts.Level = gzip.DefaultCompression
	}
	return &Exporter{
		db:           db,
		dir:          dir,
		base:         base,
		opts:         opts,
		sink:         sink,
		logger:       logger,
		clock:        clock.WallClock,
		onCheckpoint: func(jobstate.TableCursor) {},
		tables:       make(map[string]*TableInfo),
	}
}

// WithSuffix sets the suffix distinguishing additional databases ("" for the main one)
func (e *Exporter) WithSuffix(suffix string) *Exporter {
	e.suffix = suffix
	return e
}

// WithClock replaces the clock used for checkpoint timing
func (e *Exporter) WithClock(clk clock.Clock) *Exporter {
	e.clock = clk
	return e
}

// OnCheckpoint registers fn, called with the table cursor every time it
// becomes durable. fn must record the cursor in the job state.
func (e *Exporter) OnCheckpoint(fn func(jobstate.TableCursor)) *Exporter {
	e.onCheckpoint = fn
	return e
}

// DumpName returns the file name of the stitched dump
func DumpName(base, suffix string) string {
	return base + "-db" + suffix + ".gz"
}

func (e *Exporter) tablePrefix(table string) string {
	return filepath.Join(e.dir, fmt.Sprintf("%s-db%s-table-%s", e.base, e.suffix, table))
}

// TablePath returns the completed dump file of table
func (e *Exporter) TablePath(table string) string {
	return e.tablePrefix(table) + tableExt
}

func (e *Exporter) inProgressPath(table string) string {
	return e.tablePrefix(table) + inProgressExt
}

func (e *Exporter) segmentPath(table, cursor string) string {
	return e.tablePrefix(table) + segmentInfix + cursor + ".gz"
}

// DumpPath returns the path of the stitched dump
func (e *Exporter) DumpPath() string {
	return filepath.Join(e.dir, DumpName(e.base, e.suffix))
}

func (e *Exporter) describe(ctx context.Context, table string) (*TableInfo, error) {
	if info, ok := e.tables[table]; ok {
		return info, nil
	}
	info, err := Describe(ctx, e.db, table)
	if err != nil {
		return nil, err
	}
	e.tables[table] = info
	return info, nil
}

// InitialBatchSize picks the starting batch size of a table. Configured
// overrides win; narrow key/value tables start larger and wide tables smaller.
func (e *Exporter) InitialBatchSize(info *TableInfo) int {
	if n, ok := e.opts.TableBatchRows[info.Name]; ok && n > 0 {
		return n
	}
	n := e.opts.BatchRows
	switch {
	case strings.HasSuffix(info.Name, "meta") || strings.HasSuffix(info.Name, "options"):
		n *= 2
	case len(info.Columns) > 20 || strings.HasSuffix(info.Name, "posts"):
		n /= 2
	}
	return e.clampBatch(n)
}

func (e *Exporter) clampBatch(n int) int {
	return min(max(n, e.opts.MinBatchRows), e.opts.MaxBatchRows)
}

// adapt shrinks the batch when it needed many statements and grows it when
// it fitted comfortably in one
func (e *Exporter) adapt(size, statements, bytes int) int {
	switch {
	case statements > 4:
		return e.clampBatch(size / 2)
	case statements <= 1 && bytes < e.opts.MaxStatementBytes/4:
		return e.clampBatch(size + size/4)
	default:
		return size
	}
}

func (e *Exporter) batchQuery(info *TableInfo, cur jobstate.TableCursor, limit int) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", info.selectList(), QuoteIdent(info.Name))

	if cur.Kind == jobstate.CursorKey {
		var args []any
		key := QuoteIdent(cur.KeyColumn)
		if cur.Cursor != "" {
			fmt.Fprintf(&b, " WHERE %s > ?", key)
			if n, err := strconv.ParseInt(cur.Cursor, 10, 64); err == nil {
				args = append(args, n)
			} else if u, err := strconv.ParseUint(cur.Cursor, 10, 64); err == nil {
				// BIGINT UNSIGNED above MaxInt64; a string would compare as a double
				args = append(args, u)
			} else {
				args = append(args, cur.Cursor)
			}
		}
		fmt.Fprintf(&b, " ORDER BY %s ASC LIMIT %d", key, limit)
		return b.String(), args
	}

	if len(info.OrderBy) > 0 {
		cols := make([]string, len(info.OrderBy))
		for i, c := range info.OrderBy {
			cols[i] = QuoteIdent(c)
		}
		fmt.Fprintf(&b, " ORDER BY %s", strings.Join(cols, ", "))
	}
	offset, _ := strconv.ParseInt(cur.Cursor, 10, 64)
	fmt.Fprintf(&b, " LIMIT %d OFFSET %d", limit, offset)
	return b.String(), nil
}

// Export yields the rows of a table after cur, one chunk per fetched batch.
// cur must have been prepared by Prepare. The sequence ends after the chunk
// with Done set or after the first error.
func (e *Exporter) Export(ctx context.Context, cur jobstate.TableCursor) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		info, err := e.describe(ctx, cur.Table)
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		size := cur.BatchSize
		if size <= 0 {
			size = e.InitialBatchSize(info)
		}
		keyIdx := -1
		for i, c := range info.Selected {
			if c.Name == cur.KeyColumn {
				keyIdx = i
			}
		}

		for {
			if ctx.Err() != nil {
				yield(Chunk{}, context.Cause(ctx))
				return
			}
			chunk, err := e.fetch(ctx, info, cur, size, keyIdx)
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(chunk, nil) || chunk.Done {
				return
			}
			cur.Cursor = chunk.Cursor
			size = chunk.BatchSize
		}
	}
}

func (e *Exporter) fetch(ctx context.Context, info *TableInfo, cur jobstate.TableCursor, size, keyIdx int) (Chunk, error) {
	query, args := e.batchQuery(info, cur, size)
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Chunk{}, apperrors.WrapError(err, fmt.Sprintf("failed to read rows of %s", info.Name))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Chunk{}, err
	}
	if len(cols) != len(info.Selected) {
		return Chunk{}, fmt.Errorf("table %s returned %d columns, expected %d", info.Name, len(cols), len(info.Selected))
	}

	chunk := Chunk{Cursor: cur.Cursor}
	var encoded []string
	values := make([][]byte, len(cols))
	ptrs := make([]any, len(cols))
	for rows.Next() {
		for i := range values {
			values[i] = nil
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Chunk{}, fmt.Errorf("failed to scan row of %s: %w", info.Name, err)
		}
		encoded = append(encoded, encodeRow(info.Selected, values))
		if keyIdx >= 0 {
			chunk.Cursor = string(values[keyIdx])
		}
	}
	if err := rows.Err(); err != nil {
		return Chunk{}, apperrors.WrapError(err, fmt.Sprintf("failed to read rows of %s", info.Name))
	}

	chunk.Rows = int64(len(encoded))
	if cur.Kind == jobstate.CursorOffset {
		offset, _ := strconv.ParseInt(cur.Cursor, 10, 64)
		chunk.Cursor = strconv.FormatInt(offset+chunk.Rows, 10)
	}

	stmts, dropped := buildInserts(info.Name, info.insertColumns(), encoded, e.opts.MaxStatementBytes)
	chunk.Statements = stmts
	chunk.Dropped = int64(dropped)
	chunk.Done = len(encoded) < size

	var total int
	for _, s := range stmts {
		total += len(s)
	}
	chunk.BatchSize = e.adapt(size, len(stmts), total)
	return chunk, nil
}

// Prepare fills in the paging strategy of a cursor that has not started
func (e *Exporter) Prepare(ctx context.Context, cur jobstate.TableCursor) (jobstate.TableCursor, error) {
	if cur.Started {
		return cur, nil
	}
	info, err := e.describe(ctx, cur.Table)
	if err != nil {
		return cur, err
	}
	cur.Kind = info.CursorKind()
	cur.KeyColumn = info.KeyColumn
	cur.BatchSize = e.InitialBatchSize(info)
	cur.Started = true
	return cur, nil
}

// DumpTable dumps one table, continuing from cur. Each checkpoint closes the
// segment in progress, renames it after the cursor it ends at and reports the
// new cursor through OnCheckpoint. On an error the last durable cursor is
// returned. When ctx ends the rows written so far are checkpointed first.
func (e *Exporter) DumpTable(ctx context.Context, cur jobstate.TableCursor) (jobstate.TableCursor, error) {
	if cur.Done {
		return cur, nil
	}
	final := e.TablePath(cur.Table)
	if e.finishedEarlier(cur) {
		return e.markDone(cur, 0)
	}
	if err := removeIfExists(final); err != nil {
		return cur, err
	}
	if err := e.discardStray(cur); err != nil {
		return cur, err
	}

	cur, err := e.Prepare(ctx, cur)
	if err != nil {
		return cur, err
	}
	durable := cloneCursor(cur)

	seg, err := e.openSegment(cur.Table)
	if err != nil {
		return durable, err
	}
	if len(cur.Segments) == 0 {
		if err := e.writeStructure(ctx, seg, cur.Table); err != nil {
			seg.abandon()
			return durable, err
		}
	}

	lastCheckpoint := e.clock.Now()
	for chunk, err := range e.Export(ctx, cur) {
		if err != nil {
			if ctx.Err() != nil && seg.rows > 0 {
				if cerr := e.checkpoint(seg, &cur); cerr != nil {
					return durable, cerr
				}
				return cur, err
			}
			seg.abandon()
			return durable, err
		}

		for _, stmt := range chunk.Statements {
			if err := seg.write(stmt); err != nil {
				seg.abandon()
				return durable, err
			}
		}
		seg.rows += chunk.Rows
		cur.Rows += chunk.Rows
		cur.Cursor = chunk.Cursor
		cur.BatchSize = chunk.BatchSize
		if chunk.Dropped > 0 {
			cur.Dropped += chunk.Dropped
			msg := fmt.Sprintf("%d rows of %s exceed %s and were left out of the dump",
				chunk.Dropped, cur.Table, humanize.IBytes(uint64(e.opts.MaxStatementBytes)))
			e.logger.WithField("table", cur.Table).Warn(msg)
			e.sink.Emit(progress.Event{Kind: progress.KindWarning, Entity: cur.Table, Message: msg, At: e.clock.Now()})
		}

		if chunk.Done {
			return e.finish(ctx, seg, cur, durable)
		}
		if ctx.Err() != nil || e.clock.Now().Sub(lastCheckpoint) >= e.opts.CheckpointInterval {
			if err := e.checkpoint(seg, &cur); err != nil {
				return durable, err
			}
			durable = cloneCursor(cur)
			if ctx.Err() != nil {
				return cur, context.Cause(ctx)
			}
			if seg, err = e.openSegment(cur.Table); err != nil {
				return durable, err
			}
			lastCheckpoint = e.clock.Now()
		}
	}
	seg.abandon()
	return durable, fmt.Errorf("dump of %s ended before the last batch", cur.Table)
}

// finishedEarlier reports whether a previous invocation assembled the table
// file but died before its cursor was saved. The in-progress segment is
// removed before the table file is renamed into place, so its absence next to
// a table file means the assembly completed.
func (e *Exporter) finishedEarlier(cur jobstate.TableCursor) bool {
	if !fileExists(e.TablePath(cur.Table)) {
		return false
	}
	return !fileExists(e.inProgressPath(cur.Table))
}

// discardStray removes segments not recorded in cur: the in-progress one and
// any renamed by an invocation that died before saving its cursor
func (e *Exporter) discardStray(cur jobstate.TableCursor) error {
	if err := removeIfExists(e.inProgressPath(cur.Table)); err != nil {
		return err
	}
	matches, err := filepath.Glob(e.tablePrefix(cur.Table) + segmentInfix + "*.gz")
	if err != nil {
		return err
	}
	for _, m := range matches {
		if slices.Contains(cur.Segments, filepath.Base(m)) {
			continue
		}
		e.logger.WithField("segment", filepath.Base(m)).Debug("Discarding unrecorded dump segment")
		if err := removeIfExists(m); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) writeStructure(ctx context.Context, seg *segment, table string) error {
	create, err := CreateStatement(ctx, e.db, table)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n# Table: %s\n", QuoteIdent(table))
	fmt.Fprintf(&b, "DROP TABLE IF EXISTS %s;\n", QuoteIdent(table))
	b.WriteString(create)
	b.WriteString(";\n\n")
	return seg.write(b.String())
}

func (e *Exporter) writeTriggers(ctx context.Context, seg *segment, table string) error {
	triggers, err := Triggers(ctx, e.db, table)
	if err != nil {
		// lacking the TRIGGER privilege is common on shared hosting
		e.logger.WithField("table", table).WithError(err).Warn("Triggers not dumped")
		return nil
	}
	if len(triggers) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("\nDELIMITER ;;\n")
	for _, t := range triggers {
		b.WriteString(t)
		b.WriteString(" ;;\n")
	}
	b.WriteString("DELIMITER ;\n")
	return seg.write(b.String())
}

func (e *Exporter) checkpoint(seg *segment, cur *jobstate.TableCursor) error {
	if err := seg.close(); err != nil {
		return err
	}
	dst := e.segmentPath(cur.Table, cur.Cursor)
	if err := os.Rename(seg.path, dst); err != nil {
		return apperrors.NewDiskWriteError("rename", dst, err)
	}
	cur.Segments = append(cur.Segments, filepath.Base(dst))
	e.onCheckpoint(cloneCursor(*cur))

	e.logger.LogTableCheckpoint(cur.Table, cur.Cursor, cur.Rows, len(cur.Segments)-1)
	e.sink.Emit(progress.Event{
		Kind:   progress.KindCheckpoint,
		Entity: cur.Table,
		Path:   dst,
		Items:  seg.rows,
		Bytes:  seg.size(),
		At:     e.clock.Now(),
	})
	return nil
}

// finish appends triggers, concatenates the recorded segments and the one in
// progress into the table file and marks the cursor done
func (e *Exporter) finish(ctx context.Context, seg *segment, cur, durable jobstate.TableCursor) (jobstate.TableCursor, error) {
	if err := e.writeTriggers(ctx, seg, cur.Table); err != nil {
		seg.abandon()
		return durable, err
	}
	if err := seg.close(); err != nil {
		return durable, err
	}

	final := e.TablePath(cur.Table)
	tmp := final + ".tmp"
	sources := make([]string, 0, len(cur.Segments)+1)
	for _, s := range cur.Segments {
		sources = append(sources, filepath.Join(e.dir, s))
	}
	sources = append(sources, seg.path)

	written, err := concatFiles(tmp, sources)
	if err != nil {
		os.Remove(tmp)
		return durable, err
	}
	if err := os.Remove(seg.path); err != nil {
		return durable, apperrors.NewDiskWriteError("remove", seg.path, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return durable, apperrors.NewDiskWriteError("rename", final, err)
	}

	return e.markDone(cur, written)
}

func (e *Exporter) markDone(cur jobstate.TableCursor, size int64) (jobstate.TableCursor, error) {
	final := e.TablePath(cur.Table)
	if size == 0 {
		if st, err := os.Stat(final); err == nil {
			size = st.Size()
		}
	}
	segments := cur.Segments
	cur.Done = true
	cur.File = filepath.Base(final)
	cur.Segments = nil
	e.onCheckpoint(cloneCursor(cur))

	e.logger.WithFields(map[string]interface{}{
		"table": cur.Table,
		"rows":  cur.Rows,
		"size":  humanize.IBytes(uint64(size)),
	}).Info("Table dumped")
	e.sink.Emit(progress.Event{
		Kind:   progress.KindCheckpoint,
		Entity: cur.Table,
		Path:   final,
		Bytes:  size,
		At:     e.clock.Now(),
	})
	for _, s := range segments {
		removeIfExists(filepath.Join(e.dir, s))
	}
	return cur, nil
}

func cloneCursor(c jobstate.TableCursor) jobstate.TableCursor {
	c.Segments = slices.Clone(c.Segments)
	return c
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperrors.NewDiskWriteError("remove", path, err)
	}
	return nil
}
