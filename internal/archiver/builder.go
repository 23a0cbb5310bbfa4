// Package archiver turns file trees into split, resumable zip parts and
// extracts them again.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"site-snapshot/internal/compression"
	"site-snapshot/internal/config"
	apperrors "site-snapshot/internal/errors"
	"site-snapshot/internal/logging"
	"site-snapshot/internal/progress"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
)

// headroom kept for zip buffers on top of the batch when checking memory
const memoryHeadroom = 8 << 20

// Options tunes part production
type Options struct {
	SplitSize       int64
	BatchBuffer     int64
	MaxBatchFiles   int
	CommitInterval  time.Duration
	LargeFile       int64
	MaxFile         int64
	MinFreeDisk     int64
	QueueCacheAfter time.Duration
	QueueCacheTTL   time.Duration
}

// OptionsFromConfig converts the archive configuration
func OptionsFromConfig(cfg config.ArchiveConfig) Options {
	return Options{
		SplitSize:       cfg.SplitSizeBytes(),
		BatchBuffer:     cfg.BatchBufferBytes(),
		MaxBatchFiles:   cfg.MaxBatchFiles,
		CommitInterval:  cfg.CommitInterval,
		LargeFile:       cfg.LargeFileBytes(),
		MaxFile:         cfg.MaxFileBytes(),
		MinFreeDisk:     cfg.MinFreeDiskBytes(),
		QueueCacheAfter: cfg.QueueCacheAfter,
		QueueCacheTTL:   cfg.QueueCacheTTL,
	}
}

// Request describes one entity to archive
type Request struct {
	Entity     string
	Roots      []string
	Exclude    config.ExclusionConfig
	BaseName   string
	StartIndex int
	// Since enables incremental mode: files not modified after it are reported, not stored
	Since time.Time
}

// Result summarises a build, complete or interrupted
type Result struct {
	Parts     map[int]string
	Finalized []*Part
	Unchanged []FileQueueEntry
	Skipped   []string
	Files     int64
	Bytes     int64
	// Complete is true when every queued file is in a finalized part
	Complete bool
}

// Builder produces the zip parts of an entity
type Builder struct {
	dir       string
	opts      Options
	codec     compression.Codec
	sink      progress.Sink
	logger    *logging.Logger
	clock     clock.Clock
	available func(dir string) (int64, error)
}

// NewBuilder creates a builder writing into dir. The queue cache uses codec.
func NewBuilder(dir string, opts Options, codec compression.Codec, sink progress.Sink, logger *logging.Logger) *Builder {
	if sink == nil {
		sink = progress.Nop
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if opts.MaxBatchFiles <= 0 {
		opts.MaxBatchFiles = 500
	}
	if opts.CommitInterval <= 0 {
		opts.CommitInterval = 2 * time.Second
	}
	return &Builder{
		dir:       dir,
		opts:      opts,
		codec:     codec,
		sink:      sink,
		logger:    logger,
		clock:     clock.WallClock,
		available: availableBytes,
	}
}

// WithClock replaces the clock used for commit timing
func (b *Builder) WithClock(clk clock.Clock) *Builder {
	b.clock = clk
	return b
}

type build struct {
	*Builder
	ctx        context.Context
	req        Request
	result     *Result
	skip       map[string]bool
	cur        *partState
	pending    []FileQueueEntry
	pendingSz  int64
	lastCommit time.Time
}

// Build archives req.Entity. Parts already present in the output directory,
// finalized or in progress, are picked up and their files are not stored
// again. When ctx ends the pending batch is committed and ctx's error
// returned along with the partial result.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	bd := &build{
		Builder:    b,
		ctx:        ctx,
		req:        req,
		result:     &Result{Parts: make(map[int]string)},
		skip:       make(map[string]bool),
		lastCommit: b.clock.Now(),
	}
	log := b.logger.WithContext(ctx).WithField("entity", req.Entity)

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return bd.result, apperrors.NewDiskWriteError("mkdir", b.dir, err)
	}
	if err := bd.resume(); err != nil {
		return bd.result, err
	}

	queue, err := bd.queue()
	if err != nil {
		return bd.result, err
	}
	log.WithFields(map[string]interface{}{
		"queued":     len(queue),
		"part_index": bd.cur.index,
		"already":    len(bd.skip),
	}).Info("Archiving entity")

	for _, entry := range queue {
		if err := ctx.Err(); err != nil {
			if cerr := bd.commit(); cerr != nil {
				return bd.result, cerr
			}
			return bd.result, context.Cause(ctx)
		}
		if err := bd.add(entry); err != nil {
			return bd.result, err
		}
	}

	if err := bd.commit(); err != nil {
		return bd.result, err
	}
	if !bd.cur.empty() {
		if err := bd.rotate(); err != nil {
			return bd.result, err
		}
	}
	if b.codec != nil {
		cache := NewQueueCache(filepath.Join(b.dir, QueueCacheName(req.BaseName, req.Entity)), b.codec, b.opts.QueueCacheTTL)
		if err := cache.Remove(); err != nil {
			log.WithField("error", err).Warn("Failed to delete queue cache")
		}
	}
	bd.result.Complete = true
	return bd.result, nil
}

// resume scans the output directory for parts of this entity
func (bd *build) resume() error {
	for i := bd.req.StartIndex; ; i++ {
		p := newPartState(bd.dir, bd.req.BaseName, bd.req.Entity, i)
		p.discardStage()

		if _, err := os.Stat(p.final); err == nil {
			manifest, _, err := readManifest(p.final)
			if err != nil {
				return err
			}
			for name := range manifest {
				bd.skip[name] = true
			}
			bd.result.Parts[i] = p.name
			continue
		}

		if _, err := os.Stat(p.tmpPath()); err == nil {
			manifest, uncompressed, err := readManifest(p.tmpPath())
			if err != nil {
				bd.logger.WithField("part", p.tmpPath()).Warn("Discarding unreadable part in progress")
				os.Remove(p.tmpPath())
			} else {
				info, err := os.Stat(p.tmpPath())
				if err != nil {
					return err
				}
				p.manifest = manifest
				p.uncompressed = uncompressed
				p.size = info.Size()
				for name := range manifest {
					bd.skip[name] = true
				}
			}
		}
		bd.cur = p
		return nil
	}
}

// queue returns the files to archive, from the cache when a recent one exists
func (bd *build) queue() ([]FileQueueEntry, error) {
	var cache *QueueCache
	if bd.codec != nil {
		cache = NewQueueCache(filepath.Join(bd.dir, QueueCacheName(bd.req.BaseName, bd.req.Entity)), bd.codec, bd.opts.QueueCacheTTL)
		entries, ok, err := cache.Load(bd.clock.Now())
		if err != nil {
			bd.logger.WithField("error", err).Warn("Ignoring queue cache")
		}
		if ok {
			bd.logger.WithField("entries", len(entries)).Debug("Using cached file queue")
			return bd.sortOut(entries), nil
		}
	}

	start := bd.clock.Now()
	var entries []FileQueueEntry
	opts := EnumerateOptions{
		Exclusions: NewExclusions(bd.req.Exclude),
		Since:      bd.req.Since,
		OnExcluded: func(abs string, rule Rule) {
			bd.logger.WithFields(map[string]interface{}{"path": abs, "rule": string(rule)}).Debug("Excluded")
		},
	}
	for entry, err := range Enumerate(bd.ctx, bd.req.Roots, opts) {
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, context.Cause(bd.ctx)
			}
			return nil, err
		}
		entries = append(entries, entry)
	}

	took := bd.clock.Now().Sub(start)
	if cache != nil && bd.opts.QueueCacheAfter > 0 && took > bd.opts.QueueCacheAfter && fitsInMemory(estimateQueueBytes(entries)) {
		stats, err := cache.Save(entries)
		if err != nil {
			bd.logger.WithField("error", err).Warn("Failed to save queue cache")
		} else {
			bd.logger.WithFields(map[string]interface{}{
				"entries":    len(entries),
				"size":       humanize.IBytes(uint64(stats.CompressedSize)),
				"ratio":      fmt.Sprintf("%.2f", stats.Ratio),
				"enumerated": took.Round(time.Millisecond).String(),
			}).Info("File queue cached")
		}
	}
	return bd.sortOut(entries), nil
}

// sortOut moves unchanged and already archived entries out of the queue
func (bd *build) sortOut(entries []FileQueueEntry) []FileQueueEntry {
	out := entries[:0:0]
	for _, e := range entries {
		switch {
		case bd.skip[e.StoredAs]:
		case e.Unchanged:
			bd.result.Unchanged = append(bd.result.Unchanged, e)
		default:
			out = append(out, e)
		}
	}
	return out
}

func (bd *build) predicted(extra int64) float64 {
	return float64(bd.cur.size) + 1.1*float64(bd.pendingSz+extra)*bd.cur.ratio()
}

func (bd *build) add(e FileQueueEntry) error {
	if bd.skip[e.StoredAs] {
		return nil
	}
	if bd.opts.MaxFile > 0 && e.Size > bd.opts.MaxFile {
		bd.result.Skipped = append(bd.result.Skipped, e.AbsPath)
		bd.sink.Emit(progress.Event{
			Kind:    progress.KindWarning,
			Entity:  bd.req.Entity,
			Path:    e.AbsPath,
			Message: fmt.Sprintf("file of %s exceeds the %s ceiling, skipped", humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(bd.opts.MaxFile))),
		})
		return nil
	}

	split := float64(bd.opts.SplitSize)
	if bd.predicted(e.Size) > split && (len(bd.pending) > 0 || !bd.cur.empty()) {
		if err := bd.commit(); err != nil {
			return err
		}
		if bd.predicted(e.Size) > split && !bd.cur.empty() {
			if err := bd.rotate(); err != nil {
				return err
			}
		}
	}

	bd.pending = append(bd.pending, e)
	bd.pendingSz += e.Size
	bd.skip[e.StoredAs] = true

	if len(bd.pending) >= bd.opts.MaxBatchFiles ||
		(bd.opts.BatchBuffer > 0 && bd.pendingSz >= bd.opts.BatchBuffer) ||
		(bd.opts.LargeFile > 0 && e.Size > bd.opts.LargeFile) ||
		bd.clock.Now().Sub(bd.lastCommit) > bd.opts.CommitInterval {
		if err := bd.commit(); err != nil {
			return err
		}
	}

	if bd.cur.size > bd.opts.SplitSize && !bd.cur.empty() {
		return bd.rotate()
	}
	return nil
}

// commit writes the pending batch into the part in progress. A batch that
// would push a non-empty part past the split size is placed file by file,
// rotating parts as needed; only a single oversized file may exceed it.
func (bd *build) commit() error {
	if len(bd.pending) == 0 {
		return nil
	}
	batch := bd.pending
	bd.pending = nil
	bd.pendingSz = 0
	bd.lastCommit = bd.clock.Now()

	ok, err := bd.tryCommit(batch)
	if err != nil || ok {
		return err
	}
	for _, e := range batch {
		ok, err := bd.tryCommit([]FileQueueEntry{e})
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := bd.rotate(); err != nil {
			return err
		}
		if _, err := bd.tryCommit([]FileQueueEntry{e}); err != nil {
			return err
		}
	}
	return nil
}

// tryCommit stages batch and installs it unless that would overflow a part
// that already holds something.
func (bd *build) tryCommit(batch []FileQueueEntry) (bool, error) {
	p := bd.cur
	if err := bd.sink.Claim(p.tmpPath()); err != nil {
		return false, err
	}
	if err := bd.checkResources(batch); err != nil {
		return false, err
	}

	start := bd.clock.Now()
	res, err := p.stage(batch)
	if err != nil {
		return false, err
	}
	if res.size > bd.opts.SplitSize && (!p.empty() || len(batch) > 1) {
		p.discardStage()
		return false, nil
	}
	if err := p.install(res); err != nil {
		return false, err
	}

	for _, v := range res.vanished {
		bd.logger.WithField("path", v).Info("File skipped; it vanished or could not be read")
		bd.result.Skipped = append(bd.result.Skipped, v)
	}
	bd.result.Files += int64(len(res.added))
	bd.result.Bytes += res.uncompressed
	bd.logger.LogArchiveCommit(bd.req.Entity, p.name, len(res.added), res.uncompressed, p.size, bd.clock.Now().Sub(start))
	bd.sink.Emit(progress.Event{
		Kind:   progress.KindCheckpoint,
		Entity: bd.req.Entity,
		Path:   p.tmpPath(),
		Items:  int64(len(res.added)),
		Bytes:  res.uncompressed,
	})
	return true, nil
}

func (bd *build) checkResources(batch []FileQueueEntry) error {
	var batchBytes int64
	for _, e := range batch {
		batchBytes += e.Size
	}

	// the staged copy duplicates the part in progress until the rename
	need := bd.cur.size + int64(1.1*float64(batchBytes)*bd.cur.ratio()) + bd.opts.MinFreeDisk
	if free, err := bd.available(bd.dir); err == nil && free < need {
		return apperrors.NewAppError(apperrors.ErrorTypeResource,
			fmt.Sprintf("not enough free disk space in %s: %s available, %s needed", bd.dir, humanize.IBytes(uint64(free)), humanize.IBytes(uint64(need))), nil)
	}
	if !fitsInMemory(estimateQueueBytes(batch) + memoryHeadroom) {
		return apperrors.NewAppError(apperrors.ErrorTypeResource, "not enough memory headroom to commit the archive batch", nil)
	}
	return nil
}

// rotate finalizes the part in progress and starts the next one
func (bd *build) rotate() error {
	p := bd.cur
	if p.empty() {
		return nil
	}
	part, err := p.finalize()
	if err != nil {
		return err
	}
	bd.result.Parts[p.index] = p.name
	bd.result.Finalized = append(bd.result.Finalized, part)
	bd.sink.Emit(progress.Event{
		Kind:    progress.KindCheckpoint,
		Entity:  bd.req.Entity,
		Path:    part.Path,
		Message: "part finalized",
		Bytes:   part.Size,
	})
	bd.cur = newPartState(bd.dir, bd.req.BaseName, bd.req.Entity, p.index+1)
	return nil
}

// SortedParts returns the part filenames of r in sequence order
func (r *Result) SortedParts() []string {
	idx := make([]int, 0, len(r.Parts))
	for i := range r.Parts {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.Parts[i])
	}
	return out
}
