package archiver

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	apperrors "site-snapshot/internal/errors"

	"github.com/klauspost/compress/zip"
)

// Part is one finalized archive part
type Part struct {
	Entity   string
	Index    int
	Path     string
	Size     int64
	Manifest map[string]int64
}

// ReadManifest lists the stored paths and uncompressed sizes of a zip file
func ReadManifest(path string) (map[string]int64, error) {
	m, _, err := readManifest(path)
	return m, err
}

func readManifest(path string) (manifest map[string]int64, uncompressed int64, err error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, 0, apperrors.NewAppError(apperrors.ErrorTypeIntegrity, fmt.Sprintf("unreadable archive part %s", filepath.Base(path)), err)
	}
	defer r.Close()

	manifest = make(map[string]int64, len(r.File))
	for _, f := range r.File {
		manifest[f.Name] = int64(f.UncompressedSize64)
		uncompressed += int64(f.UncompressedSize64)
	}
	return manifest, uncompressed, nil
}

// partState tracks the part currently being filled
type partState struct {
	entity       string
	index        int
	name         string
	final        string
	size         int64
	uncompressed int64
	manifest     map[string]int64
}

func newPartState(dir, base, entity string, index int) *partState {
	name := PartName(base, entity, index)
	return &partState{
		entity:   entity,
		index:    index,
		name:     name,
		final:    filepath.Join(dir, name),
		manifest: make(map[string]int64),
	}
}

func (p *partState) tmpPath() string   { return p.final + tmpSuffix }
func (p *partState) stagePath() string { return p.final + stageSuffix }
func (p *partState) empty() bool       { return len(p.manifest) == 0 }

// ratio is the compressed/uncompressed ratio observed so far, in [0,1]
func (p *partState) ratio() float64 {
	if p.uncompressed <= 0 {
		return 1
	}
	r := float64(p.size) / float64(p.uncompressed)
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

// stageResult describes a written but not yet installed commit
type stageResult struct {
	size         int64
	added        map[string]int64
	uncompressed int64
	vanished     []string
}

// stage writes <part>.zip.tmp.new holding every entry of the current
// <part>.zip.tmp plus batch. Files that disappeared since enumeration or
// could not be read are left out and reported.
func (p *partState) stage(batch []FileQueueEntry) (*stageResult, error) {
	skip := make(map[string]bool)
	for {
		res, broken, err := p.stageOnce(batch, skip)
		if broken == "" {
			return res, err
		}
		// the zip already holds a truncated entry for broken; start over without it
		skip[broken] = true
	}
}

func (p *partState) stageOnce(batch []FileQueueEntry, skip map[string]bool) (*stageResult, string, error) {
	stagePath := p.stagePath()
	out, err := os.OpenFile(stagePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", apperrors.NewDiskWriteError("create", stagePath, err)
	}
	fail := func(op string, err error) (*stageResult, string, error) {
		out.Close()
		os.Remove(stagePath)
		return nil, "", apperrors.NewDiskWriteError(op, stagePath, err)
	}

	zw := zip.NewWriter(out)
	if !p.empty() {
		r, err := zip.OpenReader(p.tmpPath())
		if err != nil {
			out.Close()
			os.Remove(stagePath)
			return nil, "", apperrors.NewAppError(apperrors.ErrorTypeIntegrity, "failed to reopen part in progress", err)
		}
		for _, f := range r.File {
			if err := zw.Copy(f); err != nil {
				r.Close()
				return fail("copy", err)
			}
		}
		r.Close()
	}

	res := &stageResult{added: make(map[string]int64, len(batch))}
	for _, e := range batch {
		if skip[e.AbsPath] {
			res.vanished = append(res.vanished, e.AbsPath)
			continue
		}
		n, err := addFile(zw, e)
		if err != nil {
			if os.IsNotExist(err) {
				res.vanished = append(res.vanished, e.AbsPath)
				continue
			}
			if isWriteErr(err) {
				return fail("write", err)
			}
			var partial *partialEntryErr
			if errors.As(err, &partial) {
				out.Close()
				os.Remove(stagePath)
				return nil, e.AbsPath, nil
			}
			// unreadable before anything was written
			res.vanished = append(res.vanished, e.AbsPath)
			continue
		}
		res.added[e.StoredAs] = n
		res.uncompressed += n
	}

	if err := zw.Close(); err != nil {
		return fail("finish", err)
	}
	if err := out.Sync(); err != nil {
		return fail("sync", err)
	}
	info, err := out.Stat()
	if err != nil {
		return fail("stat", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(stagePath)
		return nil, "", apperrors.NewDiskWriteError("close", stagePath, err)
	}
	res.size = info.Size()
	return res, "", nil
}

// install makes a staged commit the part in progress
func (p *partState) install(res *stageResult) error {
	if err := os.Rename(p.stagePath(), p.tmpPath()); err != nil {
		return apperrors.NewDiskWriteError("rename", p.tmpPath(), err)
	}
	p.size = res.size
	p.uncompressed += res.uncompressed
	for k, v := range res.added {
		p.manifest[k] = v
	}
	return nil
}

func (p *partState) discardStage() {
	os.Remove(p.stagePath())
}

// finalize renames the part in progress to its final name
func (p *partState) finalize() (*Part, error) {
	if err := os.Rename(p.tmpPath(), p.final); err != nil {
		return nil, apperrors.NewDiskWriteError("finalize", p.final, err)
	}
	return &Part{Entity: p.entity, Index: p.index, Path: p.final, Size: p.size, Manifest: p.manifest}, nil
}

type sourceErr struct{ err error }

func (e *sourceErr) Error() string { return e.err.Error() }
func (e *sourceErr) Unwrap() error { return e.err }

// partialEntryErr is a source read failure after the entry header was
// written. The zip then holds a truncated entry.
type partialEntryErr struct{ err error }

func (e *partialEntryErr) Error() string { return e.err.Error() }
func (e *partialEntryErr) Unwrap() error { return e.err }

func isWriteErr(err error) bool {
	var src *sourceErr
	return !errors.As(err, &src)
}

// addFile writes one file into zw. Read failures come back as *sourceErr
// (or a not-exist error) so they can be told apart from write failures;
// those after the header was written are wrapped in *partialEntryErr.
func addFile(zw *zip.Writer, e FileQueueEntry) (int64, error) {
	f, err := os.Open(e.AbsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, &sourceErr{err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, &sourceErr{err}
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, &sourceErr{err}
	}
	hdr.Name = e.StoredAs
	hdr.Method = zip.Deflate
	hdr.Modified = info.ModTime().Truncate(time.Second)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, readerOnly{f})
	if err != nil {
		var src *sourceErr
		if errors.As(err, &src) {
			return n, &partialEntryErr{err}
		}
		return n, err
	}
	return n, nil
}

// readerOnly keeps io.Copy from treating read errors as write errors through ReaderFrom
type readerOnly struct{ f *os.File }

func (r readerOnly) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && err != io.EOF {
		return n, &sourceErr{err}
	}
	return n, err
}
