package cmd

import (
	"context"
	"fmt"

	"site-snapshot/internal/application"
	"site-snapshot/internal/display"
	"site-snapshot/internal/jobstate"

	"github.com/spf13/cobra"
)

var (
	// Job creation flags
	detach bool

	// Restore flags
	autoApprove  bool
	skipDatabase bool
	skipFiles    bool
	oldRootPath  string
)

// backupCmd starts a backup job
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the database and file entities of the site",
	Long: `Create a backup job covering the database and every configured file entity.

By default the job is driven to completion by this process, one bounded
invocation after another. With --detach the job is only scheduled; 'run-due'
from cron or a long running 'serve' picks it up.

Examples:
  # Back up and wait
  sitesnap backup

  # Schedule only
  sitesnap backup --detach`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

// restoreCmd restores a backup set
var restoreCmd = &cobra.Command{
	Use:   "restore <job-id|timestamp>",
	Short: "Restore a backup set into the configured database and directories",
	Long: `Restore a complete backup set, identified by its job id or Unix timestamp.

The database dump is replayed first: tables are imported under a temporary
prefix and swapped in one by one. Each file entity is then extracted into its
restore_to directory, or its first root.

Examples:
  # Restore by job id without asking
  sitesnap restore 3f9a0c1b2d4e --yes

  # Restore only the files
  sitesnap restore 1767225600 --skip-db`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)

	backupCmd.Flags().BoolVar(&detach, "detach", false, "schedule the job and return")

	restoreCmd.Flags().BoolVar(&detach, "detach", false, "schedule the job and return")
	restoreCmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "restore without asking for confirmation")
	restoreCmd.Flags().BoolVar(&skipDatabase, "skip-db", false, "do not replay the database dump")
	restoreCmd.Flags().BoolVar(&skipFiles, "skip-files", false, "do not extract file archives")
	restoreCmd.Flags().StringVar(&oldRootPath, "old-root-path", "", "absolute path of the site when it was backed up, rewritten in the dump")
}

func runBackup(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, func(ctx context.Context, app *application.Application, out *display.Printer) error {
		state, err := app.Engine().StartBackup(ctx)
		if err != nil {
			return fmt.Errorf("failed to create backup job: %w", err)
		}
		return finishStart(ctx, app, out, state)
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, func(ctx context.Context, app *application.Application, out *display.Printer) error {
		cfg := app.Config()
		if cmd.Flags().Changed("skip-db") {
			cfg.Import.SkipDatabase = skipDatabase
		}
		if cmd.Flags().Changed("skip-files") {
			cfg.Import.SkipFiles = skipFiles
		}
		if oldRootPath != "" {
			cfg.Import.OldRootPath = oldRootPath
		}

		set, err := app.Engine().History().Get(args[0])
		if err != nil {
			return err
		}
		if set != nil {
			question := fmt.Sprintf("Restore backup set %s from %s over database %s?",
				set.JobID, set.Timestamp.Format("2006-01-02 15:04"), cfg.Database.Database)
			ok, err := out.Confirm(question, autoApprove || out.Structured())
			if err != nil {
				return err
			}
			if !ok {
				out.Info("Restore cancelled")
				return nil
			}
		}

		state, err := app.Engine().StartRestore(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to create restore job: %w", err)
		}
		return finishStart(ctx, app, out, state)
	})
}

// finishStart reports a new job and, unless detached, drives it to completion
func finishStart(ctx context.Context, app *application.Application, out *display.Printer, state *jobstate.State) error {
	out.Info(fmt.Sprintf("Job %s (%s) created", state.JobID, state.Kind))
	if detach {
		if handled, err := out.Data(jobView(state)); handled || err != nil {
			return err
		}
		if state.Next != nil {
			out.Info(fmt.Sprintf("First resumption due at %s", state.Next.At.Format("2006-01-02 15:04:05")))
		}
		return nil
	}

	if err := app.Engine().Drive(ctx, state.JobID); err != nil {
		if ctx.Err() != nil {
			out.Warning(fmt.Sprintf("Interrupted; resume with 'sitesnap resume %s'", state.JobID))
		}
		return err
	}

	if state.Kind == jobstate.KindBackup {
		set, err := app.Engine().History().Get(state.JobID)
		if err != nil {
			return err
		}
		if set != nil {
			if handled, err := out.Data(setView(set)); handled || err != nil {
				return err
			}
			printSets(out, setView(set))
		}
	}
	out.Success(fmt.Sprintf("Job %s finished", state.JobID))
	return nil
}
