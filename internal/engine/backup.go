package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"site-snapshot/internal/archiver"
	"site-snapshot/internal/compression"
	apperrors "site-snapshot/internal/errors"
	"site-snapshot/internal/exporter"
	"site-snapshot/internal/history"
	"site-snapshot/internal/jobstate"
	"site-snapshot/internal/progress"
	"site-snapshot/internal/scheduler"

	"github.com/dustin/go-humanize"
)

// backupJob dumps the database, archives every configured entity and
// records the result in the history index
type backupJob struct {
	e *Engine
}

func (j *backupJob) Run(ctx context.Context, inv *scheduler.Invocation) error {
	var base string
	inv.View(func(st *jobstate.State) { base = st.Params[paramBase] })
	if base == "" {
		return apperrors.NewAppError(apperrors.ErrorTypeValidation, "backup job has no base name", nil)
	}
	if err := os.MkdirAll(j.e.cfg.Storage.Dir, 0o755); err != nil {
		return apperrors.NewDiskWriteError("create", j.e.cfg.Storage.Dir, err)
	}

	if err := j.database(ctx, inv, base); err != nil {
		return err
	}
	if err := j.files(ctx, inv, base); err != nil {
		return err
	}
	return j.catalog(ctx, inv, base)
}

func enterPhase(ctx context.Context, inv *scheduler.Invocation, phase string) {
	changed := false
	inv.Update(func(st *jobstate.State) {
		if st.Phase != phase {
			st.Phase = phase
			changed = true
		}
	})
	if changed {
		inv.Emit(progress.Event{Kind: progress.KindPhase, Message: phase})
		_ = inv.Checkpoint(ctx)
	}
}

func (j *backupJob) database(ctx context.Context, inv *scheduler.Invocation, base string) error {
	var done bool
	inv.View(func(st *jobstate.State) { done = st.Progress.DumpDone })
	if done {
		return nil
	}
	enterPhase(ctx, inv, PhaseDatabase)

	cfg := j.e.cfg
	db, err := j.e.connect(ctx)
	if err != nil {
		return err
	}

	exp := exporter.New(db, cfg.Storage.Dir, base, exporter.OptionsFromConfig(cfg.Export), inv, inv.Logger()).
		WithClock(j.e.clock).
		OnCheckpoint(func(c jobstate.TableCursor) {
			inv.Update(func(st *jobstate.State) { setTable(st, c) })
			_ = inv.Checkpoint(ctx)
		})

	var tables []string
	inv.View(func(st *jobstate.State) {
		for _, c := range st.Progress.Tables {
			tables = append(tables, c.Table)
		}
	})
	if len(tables) == 0 {
		tables, err = exporter.ListTables(ctx, db, cfg.Site.TablePrefix, cfg.Export.AllTables, cfg.Export.SkipTables)
		if err != nil {
			return err
		}
		inv.Update(func(st *jobstate.State) {
			for _, t := range tables {
				st.Progress.Tables = append(st.Progress.Tables, &jobstate.TableCursor{Table: t})
			}
		})
		if err := inv.Save(ctx); err != nil {
			return err
		}
		inv.Logger().WithJob(inv.JobID()).WithField("tables", len(tables)).Info("Tables to dump")
	}

	for _, table := range tables {
		var cur jobstate.TableCursor
		inv.View(func(st *jobstate.State) { cur = *st.Table(table) })
		if cur.Done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		next, err := exp.DumpTable(ctx, cur)
		inv.Update(func(st *jobstate.State) { setTable(st, next) })
		if serr := inv.Save(ctx); serr != nil && err == nil {
			err = serr
		}
		if err != nil {
			return err
		}
		inv.Emit(progress.Event{Kind: progress.KindBoundary, Entity: table})
	}

	enterPhase(ctx, inv, PhaseStitch)
	header := exporter.Header{
		BackupOf:      cfg.Site.URL,
		HomeURL:       cfg.Site.HomeURL,
		ContentURL:    cfg.Site.ContentURL,
		UploadsURL:    cfg.Site.UploadsURL,
		TablePrefix:   cfg.Site.TablePrefix,
		Multisite:     cfg.Site.Multisite,
		PluginVersion: cfg.Export.PluginVersion,
	}
	if !cfg.Export.AllTables {
		header.FilteredTablePrefix = cfg.Site.TablePrefix
	}
	inv.View(func(st *jobstate.State) { header.Created = st.CreatedAt })

	path, err := exp.Stitch(ctx, exporter.StitchRequest{
		Header:     header,
		Tables:     tables,
		Objects:    cfg.Export.IncludeObjects,
		ViewPrefix: cfg.Site.TablePrefix,
	})
	if err != nil {
		return err
	}
	inv.Update(func(st *jobstate.State) {
		st.Progress.DumpFile = filepath.Base(path)
		st.Progress.DumpDone = true
	})
	return inv.Save(ctx)
}

func setTable(st *jobstate.State, c jobstate.TableCursor) {
	if cur := st.Table(c.Table); cur != nil {
		*cur = c
		return
	}
	st.Progress.Tables = append(st.Progress.Tables, &c)
}

func (j *backupJob) files(ctx context.Context, inv *scheduler.Invocation, base string) error {
	cfg := j.e.cfg
	names := make([]string, 0, len(cfg.Site.Entities))
	for name := range cfg.Site.Entities {
		names = append(names, name)
	}
	sort.Strings(names)

	codec, err := j.e.codecs.Codec(compression.Algorithm(cfg.Archive.QueueCacheCodec))
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeValidation, "invalid queue cache codec", err)
	}
	builder := archiver.NewBuilder(cfg.Storage.Dir, archiver.OptionsFromConfig(cfg.Archive), codec, inv, inv.Logger()).
		WithClock(j.e.clock)

	for _, name := range names {
		var done bool
		inv.View(func(st *jobstate.State) { done = st.Entity(name).Done })
		if done {
			continue
		}
		enterPhase(ctx, inv, PhaseFiles)
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		entity := cfg.Site.Entities[name]
		res, err := builder.Build(ctx, archiver.Request{
			Entity:   name,
			Roots:    entity.Roots,
			Exclude:  entity.Exclude,
			BaseName: base,
			Since:    cfg.Archive.IncrementalSince,
		})
		if res != nil {
			inv.Update(func(st *jobstate.State) {
				ep := st.Entity(name)
				for i, part := range res.Parts {
					ep.Parts[i] = part
				}
				ep.Files += res.Files
				ep.Bytes += res.Bytes
				ep.Done = res.Complete
			})
			if serr := inv.Save(ctx); serr != nil && err == nil {
				err = serr
			}
			for _, skipped := range res.Skipped {
				inv.Emit(progress.Event{Kind: progress.KindWarning, Entity: name, Path: skipped, Message: "file skipped"})
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// catalog records the finished set in the history index
func (j *backupJob) catalog(ctx context.Context, inv *scheduler.Invocation, base string) error {
	enterPhase(ctx, inv, PhaseCatalog)

	var set *history.BackupSet
	inv.View(func(st *jobstate.State) {
		set = &history.BackupSet{
			JobID:      st.JobID,
			Timestamp:  st.CreatedAt.UTC().Truncate(time.Minute),
			Site:       st.Params[paramSite],
			Components: make(map[string][]string),
			Status:     history.StatusComplete,
		}
		if st.Progress.DumpFile != "" {
			set.Components[history.ComponentDatabase] = []string{st.Progress.DumpFile}
		}
		for name, ep := range st.Progress.Entities {
			if parts := ep.SortedParts(); len(parts) > 0 {
				set.Components[name] = parts
			}
		}
	})

	for _, name := range set.Files() {
		info, err := os.Stat(filepath.Join(j.e.cfg.Storage.Dir, name))
		if err != nil {
			return apperrors.NewAppError(apperrors.ErrorTypeIntegrity, fmt.Sprintf("backup file %s is missing", name), err)
		}
		set.TotalSize += info.Size()
	}

	existing, err := j.e.history.Get(set.JobID)
	if err != nil {
		return err
	}
	if existing == nil || existing.Status != history.StatusComplete {
		if err := j.e.history.Save(set); err != nil {
			return err
		}
	}
	j.e.metrics.BackupSetSize(set.TotalSize)

	if j.e.Retention().Enabled() {
		if _, err := j.e.Prune(false); err != nil {
			inv.Logger().WithError(err).Warn("Retention could not prune old backup sets")
		}
	}

	inv.Logger().WithJob(set.JobID).WithFields(map[string]interface{}{
		"base":       base,
		"components": len(set.Components),
		"size":       humanize.IBytes(uint64(set.TotalSize)),
	}).Info("Backup set complete")
	return nil
}

// Abort removes every file the job wrote
func (j *backupJob) Abort(ctx context.Context, state *jobstate.State) error {
	base := state.Params[paramBase]
	if base == "" {
		return nil
	}
	entries, err := os.ReadDir(j.e.cfg.Storage.Dir)
	if err != nil {
		return err
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base+"-") {
			continue
		}
		path := filepath.Join(j.e.cfg.Storage.Dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return apperrors.NewDiskWriteError("remove", path, err)
		}
		removed++
	}
	j.e.logger.WithJob(state.JobID).WithField("files", removed).Info("Partial backup removed")
	return nil
}
