package exporter

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	apperrors "site-snapshot/internal/errors"
	"site-snapshot/internal/progress"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
)

// StitchRequest describes the dump to assemble
type StitchRequest struct {
	Header Header
	// Tables in dump order; every one must have been dumped
	Tables []string
	// Objects adds views carrying ViewPrefix and all stored routines
	Objects    bool
	ViewPrefix string
}

// Stitch concatenates the header, the finished table files and the object
// definitions into the final dump. The result is written to a temporary
// file, synced, size-checked and renamed, after which the table files are
// removed. A dump already in place is left as is.
func (e *Exporter) Stitch(ctx context.Context, req StitchRequest) (string, error) {
	final := e.DumpPath()
	if fileExists(final) {
		e.removeTableFiles(req.Tables)
		return final, nil
	}

	for _, t := range req.Tables {
		if !fileExists(e.TablePath(t)) {
			return "", apperrors.NewAppError(apperrors.ErrorTypeIntegrity,
				fmt.Sprintf("table %s has no finished dump file", t), nil)
		}
	}

	tmp := final + ".tmp"
	if err := e.sink.Claim(tmp); err != nil {
		return "", err
	}
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", apperrors.NewDiskWriteError("create", tmp, err)
	}
	fail := func(err error) (string, error) {
		out.Close()
		os.Remove(tmp)
		return "", err
	}

	var expected int64
	n, err := e.writeMember(out, func(w io.Writer) error { return WriteHeader(w, req.Header) })
	if err != nil {
		return fail(err)
	}
	expected += n

	for _, t := range req.Tables {
		if ctx.Err() != nil {
			return fail(context.Cause(ctx))
		}
		n, err := appendFile(out, e.TablePath(t))
		if err != nil {
			return fail(err)
		}
		expected += n
	}

	if req.Objects {
		objects := e.objectDefinitions(ctx, req.ViewPrefix)
		if objects != "" {
			n, err := e.writeMember(out, func(w io.Writer) error {
				_, err := io.WriteString(w, objects)
				return err
			})
			if err != nil {
				return fail(err)
			}
			expected += n
		}
	}

	if err := out.Sync(); err != nil {
		return fail(apperrors.NewDiskWriteError("sync", tmp, err))
	}
	st, err := out.Stat()
	if err != nil {
		return fail(err)
	}
	if st.Size() != expected {
		return fail(apperrors.NewDiskWriteError("write", tmp, io.ErrShortWrite))
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", apperrors.NewDiskWriteError("close", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", apperrors.NewDiskWriteError("rename", final, err)
	}

	e.removeTableFiles(req.Tables)
	e.logger.WithFields(map[string]interface{}{
		"dump":   final,
		"tables": len(req.Tables),
		"size":   humanize.IBytes(uint64(expected)),
	}).Info("Database dump assembled")
	e.sink.Emit(progress.Event{Kind: progress.KindCheckpoint, Entity: "db" + e.suffix, Path: final, Bytes: expected, At: e.clock.Now()})
	return final, nil
}

// writeMember writes one gzip member produced by fn and returns its size
func (e *Exporter) writeMember(out io.Writer, fn func(io.Writer) error) (int64, error) {
	cw := &countingWriter{w: out}
	gz, err := gzip.NewWriterLevel(cw, e.opts.Level)
	if err != nil {
		return 0, err
	}
	if err := fn(gz); err != nil {
		gz.Close()
		return 0, apperrors.NewDiskWriteError("write", e.DumpPath(), err)
	}
	if err := gz.Close(); err != nil {
		return 0, apperrors.NewDiskWriteError("write", e.DumpPath(), err)
	}
	return cw.n, nil
}

// objectDefinitions renders views and routines. Objects the user may not
// read are skipped with a warning.
func (e *Exporter) objectDefinitions(ctx context.Context, viewPrefix string) string {
	var b strings.Builder

	views, err := Views(ctx, e.db, viewPrefix)
	if err != nil {
		e.logger.WithError(err).Warn("Views not dumped")
	}
	for _, v := range views {
		fmt.Fprintf(&b, "\n# View: %s\n", QuoteIdent(v.Name))
		fmt.Fprintf(&b, "DROP VIEW IF EXISTS %s;\n", QuoteIdent(v.Name))
		b.WriteString(v.SQL)
		b.WriteString(";\n")
	}

	routines, err := Routines(ctx, e.db)
	if err != nil {
		e.logger.WithError(err).Warn("Stored routines not dumped")
	}
	for _, r := range routines {
		if r.SQL == "" {
			e.logger.WithField("routine", r.Name).Warn("Routine body not readable; skipped")
			continue
		}
		fmt.Fprintf(&b, "\n# Routine: %s\n", QuoteIdent(r.Name))
		fmt.Fprintf(&b, "DROP %s IF EXISTS %s;\n", r.Kind, QuoteIdent(r.Name))
		b.WriteString("DELIMITER ;;\n")
		b.WriteString(r.SQL)
		b.WriteString(" ;;\nDELIMITER ;\n")
	}
	return b.String()
}

func (e *Exporter) removeTableFiles(tables []string) {
	for _, t := range tables {
		removeIfExists(e.TablePath(t))
	}
}
