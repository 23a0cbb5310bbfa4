package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sort"

	"site-snapshot/internal/archiver"
	apperrors "site-snapshot/internal/errors"
	"site-snapshot/internal/history"
	"site-snapshot/internal/importer"
	"site-snapshot/internal/jobstate"
	"site-snapshot/internal/progress"
	"site-snapshot/internal/scheduler"
)

// restoreJob replays a backup set: the database first, then the file parts
type restoreJob struct {
	e *Engine
}

func (j *restoreJob) Run(ctx context.Context, inv *scheduler.Invocation) error {
	var source string
	inv.View(func(st *jobstate.State) { source = st.Params[paramSource] })

	set, err := j.e.history.Get(source)
	if err != nil {
		return err
	}
	if set == nil {
		return apperrors.NewAppError(apperrors.ErrorTypeValidation, fmt.Sprintf("backup set %s no longer exists", source), nil)
	}

	if err := j.database(ctx, inv, set); err != nil {
		return err
	}
	return j.files(ctx, inv, set)
}

func (j *restoreJob) database(ctx context.Context, inv *scheduler.Invocation, set *history.BackupSet) error {
	cfg := j.e.cfg
	dumps := set.Components[history.ComponentDatabase]
	if cfg.Import.SkipDatabase || len(dumps) == 0 {
		return nil
	}

	var cur jobstate.ImportCursor
	inv.View(func(st *jobstate.State) {
		if st.Progress.Import != nil {
			cur = *st.Progress.Import
		}
	})
	if cur.Done {
		return nil
	}
	enterPhase(ctx, inv, PhaseDatabase)

	db, err := j.e.connect(ctx)
	if err != nil {
		return err
	}
	session, err := j.e.dbService.OpenSession(ctx, db)
	if err != nil {
		return err
	}
	defer session.Close()

	record := func(c jobstate.ImportCursor) {
		inv.Update(func(st *jobstate.State) { st.Progress.Import = &c })
	}
	imp := importer.New(session, importer.OptionsFromConfig(cfg.Import), inv, inv.Logger()).
		WithClock(j.e.clock).
		AddHook(importer.PrefixKeysHook()).
		AddHook(importer.RootPathHook(cfg.Import.OldRootPath, cfg.Site.RootPath)).
		OnCheckpoint(func(c jobstate.ImportCursor) {
			record(c)
			_ = inv.Checkpoint(ctx)
		})

	cur, report, err := imp.ImportFile(ctx, filepath.Join(cfg.Storage.Dir, dumps[0]), cur)
	record(cur)
	if serr := inv.Save(ctx); serr != nil && err == nil {
		err = serr
	}
	if report != nil {
		log := inv.Logger().WithJob(inv.JobID()).WithFields(map[string]interface{}{
			"executed":   report.Executed,
			"skipped":    report.Skipped,
			"warnings":   report.Warnings,
			"reconnects": session.Reconnects(),
		})
		if report.Errors != nil {
			log = log.WithField("errors", report.Errors.Error())
		}
		log.Info("Database replay finished")
	}
	return err
}

// restoreTarget returns the directory an entity is restored into
func (j *restoreJob) restoreTarget(entity string) string {
	ec, ok := j.e.cfg.Site.Entities[entity]
	if !ok {
		return ""
	}
	if ec.RestoreTo != "" {
		return ec.RestoreTo
	}
	if len(ec.Roots) > 0 {
		return ec.Roots[0]
	}
	return ""
}

func (j *restoreJob) files(ctx context.Context, inv *scheduler.Invocation, set *history.BackupSet) error {
	if j.e.cfg.Import.SkipFiles {
		return nil
	}

	var names []string
	for name := range set.Components {
		if name != history.ComponentDatabase {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		dest := j.restoreTarget(name)
		if dest == "" {
			inv.Emit(progress.Event{Kind: progress.KindWarning, Entity: name, Message: "no destination configured, entity not restored"})
			continue
		}

		for _, part := range set.Components[name] {
			var done bool
			inv.View(func(st *jobstate.State) { done = slices.Contains(st.Progress.Restored[name], part) })
			if done {
				continue
			}
			enterPhase(ctx, inv, PhaseFiles)
			if err := ctx.Err(); err != nil {
				return context.Cause(ctx)
			}

			written, err := archiver.Extract(ctx, filepath.Join(j.e.cfg.Storage.Dir, part), dest, nil)
			if err != nil {
				return err
			}
			inv.Update(func(st *jobstate.State) {
				if st.Progress.Restored == nil {
					st.Progress.Restored = make(map[string][]string)
				}
				st.Progress.Restored[name] = append(st.Progress.Restored[name], part)
			})
			inv.Emit(progress.Event{Kind: progress.KindCheckpoint, Entity: name, Path: part, Items: int64(len(written))})
			if err := inv.Save(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Abort leaves the destination as it is: tables already swapped in and files
// already extracted are complete on their own
func (j *restoreJob) Abort(ctx context.Context, state *jobstate.State) error {
	j.e.logger.WithJob(state.JobID).Info("Restore stopped; already restored tables and files are kept")
	return nil
}
