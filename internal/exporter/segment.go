package exporter

import (
	"io"
	"os"

	apperrors "site-snapshot/internal/errors"

	"github.com/klauspost/compress/gzip"
)

// countingWriter tracks the compressed bytes reaching the file
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// segment is one gzip member being written
type segment struct {
	path string
	f    *os.File
	cw   *countingWriter
	gz   *gzip.Writer
	rows int64
}

func (e *Exporter) openSegment(table string) (*segment, error) {
	path := e.inProgressPath(table)
	if err := e.sink.Claim(path); err != nil {
		return nil, err
	}
	return createSegment(path, e.opts.Level)
}

func createSegment(path string, level int) (*segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, apperrors.NewDiskWriteError("create", path, err)
	}
	cw := &countingWriter{w: f}
	gz, err := gzip.NewWriterLevel(cw, level)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return &segment{path: path, f: f, cw: cw, gz: gz}, nil
}

func (s *segment) write(str string) error {
	if _, err := io.WriteString(s.gz, str); err != nil {
		return apperrors.NewDiskWriteError("write", s.path, err)
	}
	return nil
}

func (s *segment) size() int64 {
	return s.cw.n
}

// close flushes the gzip member and syncs the file
func (s *segment) close() error {
	if err := s.gz.Close(); err != nil {
		s.f.Close()
		return apperrors.NewDiskWriteError("write", s.path, err)
	}
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return apperrors.NewDiskWriteError("sync", s.path, err)
	}
	if err := s.f.Close(); err != nil {
		return apperrors.NewDiskWriteError("close", s.path, err)
	}
	return nil
}

func (s *segment) abandon() {
	s.gz.Close()
	s.f.Close()
	os.Remove(s.path)
}

// concatFiles writes the concatenation of sources to dst, syncs it and checks
// the written size against the sources
func concatFiles(dst string, sources []string) (int64, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, apperrors.NewDiskWriteError("create", dst, err)
	}
	defer out.Close()

	var expected, written int64
	for _, src := range sources {
		n, err := appendFile(out, src)
		if err != nil {
			return 0, err
		}
		written += n
		st, err := os.Stat(src)
		if err != nil {
			return 0, err
		}
		expected += st.Size()
	}
	if err := out.Sync(); err != nil {
		return 0, apperrors.NewDiskWriteError("sync", dst, err)
	}
	st, err := out.Stat()
	if err != nil {
		return 0, err
	}
	if written != expected || st.Size() != expected {
		return 0, apperrors.NewDiskWriteError("write", dst, io.ErrShortWrite)
	}
	return written, nil
}

func appendFile(out *os.File, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	n, err := io.Copy(out, in)
	if err != nil {
		return n, apperrors.NewDiskWriteError("write", out.Name(), err)
	}
	return n, nil
}
