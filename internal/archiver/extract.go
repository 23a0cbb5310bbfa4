package archiver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	apperrors "site-snapshot/internal/errors"

	"github.com/klauspost/compress/zip"
)

// Extract restores the entries of one part under destRoot. Entries are stored
// as <root-name>/<relative path>; the leading root name is stripped so
// destRoot takes the place of the original root. Entries for which skip
// returns true are left alone. It returns the stored names written.
func Extract(ctx context.Context, partPath, destRoot string, skip func(name string) bool) ([]string, error) {
	r, err := zip.OpenReader(partPath)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeIntegrity, fmt.Sprintf("unreadable archive part %s", filepath.Base(partPath)), err)
	}
	defer r.Close()

	var written []string
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return written, context.Cause(ctx)
		}
		if skip != nil && skip(f.Name) {
			continue
		}

		rel := stripRoot(f.Name)
		if rel == "" || !filepath.IsLocal(filepath.FromSlash(rel)) {
			return written, apperrors.NewAppError(apperrors.ErrorTypeIntegrity, fmt.Sprintf("archive entry %q escapes the destination", f.Name), nil)
		}
		dest := filepath.Join(destRoot, filepath.FromSlash(rel))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return written, apperrors.NewDiskWriteError("mkdir", dest, err)
			}
			continue
		}
		if err := extractFile(f, dest); err != nil {
			return written, err
		}
		written = append(written, f.Name)
	}
	return written, nil
}

func stripRoot(name string) string {
	name = path.Clean("/" + name)[1:]
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func extractFile(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperrors.NewDiskWriteError("mkdir", filepath.Dir(dest), err)
	}

	src, err := f.Open()
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeIntegrity, fmt.Sprintf("failed to open entry %s", f.Name), err)
	}
	defer src.Close()

	tmp := dest + ".sitesnap-tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.NewDiskWriteError("create", tmp, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return apperrors.NewDiskWriteError("write", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return apperrors.NewDiskWriteError("close", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return apperrors.NewDiskWriteError("rename", dest, err)
	}
	if mode := f.Mode().Perm(); mode != 0 {
		os.Chmod(dest, mode)
	}
	if !f.Modified.IsZero() {
		os.Chtimes(dest, f.Modified, f.Modified)
	}
	return nil
}
