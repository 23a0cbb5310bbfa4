package archiver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileQueueEntry is one file waiting to be archived
type FileQueueEntry struct {
	AbsPath  string    `json:"abs"`
	StoredAs string    `json:"stored"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	// Unchanged marks files at or before the incremental cutoff
	Unchanged bool `json:"unchanged,omitempty"`
}

// EnumerateOptions controls a walk
type EnumerateOptions struct {
	Exclusions *Exclusions
	// Since, when set, marks files not modified after it as unchanged
	Since time.Time
	// OnExcluded is called for every excluded path
	OnExcluded func(abs string, rule Rule)
}

// Enumerate walks roots depth first in lexical order. Each root's entries are
// stored under the root's base name. Symlinked files contribute their
// target's content; symlinked directories are followed unless they point
// back at one of their own ancestors.
func Enumerate(ctx context.Context, roots []string, opts EnumerateOptions) iter.Seq2[FileQueueEntry, error] {
	return func(yield func(FileQueueEntry, error) bool) {
		stored := make(map[string]string, len(roots))
		for _, root := range roots {
			root = filepath.Clean(root)
			if prev, dup := stored[filepath.Base(root)]; dup {
				if !yield(FileQueueEntry{}, fmt.Errorf("roots %s and %s would both be stored as %q", prev, root, filepath.Base(root))) {
					return
				}
				continue
			}
			stored[filepath.Base(root)] = root
			real, err := filepath.EvalSymlinks(root)
			if err != nil {
				if !yield(FileQueueEntry{}, fmt.Errorf("failed to resolve root %s: %w", root, err)) {
					return
				}
				continue
			}
			info, err := os.Stat(real)
			if err != nil {
				if !yield(FileQueueEntry{}, fmt.Errorf("failed to stat root %s: %w", root, err)) {
					return
				}
				continue
			}

			w := &walker{ctx: ctx, opts: opts, yield: yield}
			if !info.IsDir() {
				name := filepath.Base(root)
				if !w.file(root, name, name) {
					return
				}
				continue
			}
			if !w.dir(root, filepath.Base(root), "", []string{real}) {
				return
			}
		}
	}
}

type walker struct {
	ctx   context.Context
	opts  EnumerateOptions
	yield func(FileQueueEntry, error) bool
}

// dir walks abs; ancestors holds the resolved paths from the root down to abs
func (w *walker) dir(abs, storedRoot, rel string, ancestors []string) bool {
	if err := w.ctx.Err(); err != nil {
		w.yield(FileQueueEntry{}, err)
		return false
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true
		}
		return w.yield(FileQueueEntry{}, fmt.Errorf("failed to read directory %s: %w", abs, err))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		childAbs := filepath.Join(abs, entry.Name())
		childRel := entry.Name()
		if rel != "" {
			childRel = rel + "/" + entry.Name()
		}

		isDir := entry.IsDir()
		var target string
		if entry.Type()&fs.ModeSymlink != 0 {
			target, err = filepath.EvalSymlinks(childAbs)
			if err != nil {
				// dangling link
				continue
			}
			info, err := os.Stat(target)
			if err != nil {
				continue
			}
			isDir = info.IsDir()
		}

		if rule := w.opts.Exclusions.Match(childAbs, childRel, isDir); rule != RuleNone {
			if w.opts.OnExcluded != nil {
				w.opts.OnExcluded(childAbs, rule)
			}
			continue
		}

		if isDir {
			real := target
			if real == "" {
				real, err = filepath.EvalSymlinks(childAbs)
				if err != nil {
					continue
				}
			}
			if isAncestor(real, ancestors) {
				continue
			}
			if !w.dir(childAbs, storedRoot, childRel, append(ancestors[:len(ancestors):len(ancestors)], real)) {
				return false
			}
			continue
		}

		if !entry.Type().IsRegular() && entry.Type()&fs.ModeSymlink == 0 {
			continue
		}
		if !w.file(childAbs, storedRoot, path.Join(storedRoot, childRel)) {
			return false
		}
	}
	return true
}

func (w *walker) file(abs, storedRoot, storedAs string) bool {
	// os.Stat follows links so the target's size and time are used
	info, err := os.Stat(abs)
	if err != nil {
		return true
	}
	if !info.Mode().IsRegular() {
		return true
	}
	entry := FileQueueEntry{
		AbsPath:  abs,
		StoredAs: storedAs,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}
	if !w.opts.Since.IsZero() && !info.ModTime().After(w.opts.Since) {
		entry.Unchanged = true
	}
	return w.yield(entry, nil)
}

// isAncestor reports whether real is one of the directories already on the walk path
func isAncestor(real string, ancestors []string) bool {
	for _, a := range ancestors {
		if real == a || strings.HasPrefix(a, real+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
