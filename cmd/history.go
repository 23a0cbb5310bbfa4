package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"site-snapshot/internal/application"
	"site-snapshot/internal/display"
	"site-snapshot/internal/history"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	pruneDryRun  bool
)

// historyCmd groups the backup catalog commands
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and maintain the catalog of backup sets",
	Long: `Inspect and maintain the catalog of backup sets kept in the storage directory.

Examples:
  # List backup sets, newest last
  sitesnap history list

  # Recreate the catalog from the file names in the storage directory
  sitesnap history rebuild

  # Delete a backup set and its files
  sitesnap history delete 1767225600

  # Show which sets the retention policy would remove
  sitesnap history prune --dry-run`,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup sets",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the catalog by scanning the storage directory",
	Args:  cobra.NoArgs,
	RunE:  runHistoryRebuild,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <timestamp|job-id>",
	Short: "Delete a backup set and its files",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete backup sets the storage retention policy no longer keeps",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyRebuildCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyPruneCmd)

	historyListCmd.Flags().IntVar(&historyLimit, "limit", 0, "show only the newest N sets")
	historyDeleteCmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "delete without asking for confirmation")
	historyPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "list the sets that would be deleted without deleting them")
}

// setSummary is the printable form of a backup set
type setSummary struct {
	JobID      string              `json:"job_id" yaml:"job_id"`
	Timestamp  int64               `json:"timestamp" yaml:"timestamp"`
	Time       time.Time           `json:"time" yaml:"time"`
	Site       string              `json:"site,omitempty" yaml:"site,omitempty"`
	Status     string              `json:"status" yaml:"status"`
	TotalSize  int64               `json:"total_size" yaml:"total_size"`
	Components map[string][]string `json:"components" yaml:"components"`
}

func setView(set *history.BackupSet) setSummary {
	return setSummary{
		JobID:      set.JobID,
		Timestamp:  set.Timestamp.Unix(),
		Time:       set.Timestamp,
		Site:       set.Site,
		Status:     string(set.Status),
		TotalSize:  set.TotalSize,
		Components: set.Components,
	}
}

func printSets(out *display.Printer, sets ...setSummary) {
	rows := make([][]string, 0, len(sets))
	for _, s := range sets {
		names := make([]string, 0, len(s.Components))
		for name, files := range s.Components {
			names = append(names, fmt.Sprintf("%s(%d)", name, len(files)))
		}
		sort.Strings(names)
		rows = append(rows, []string{
			s.JobID,
			strconv.FormatInt(s.Timestamp, 10),
			s.Time.Local().Format("2006-01-02 15:04"),
			s.Status,
			humanize.IBytes(uint64(s.TotalSize)),
			strings.Join(names, " "),
		})
	}
	out.Table([]string{"JOB", "TIMESTAMP", "TIME", "STATUS", "SIZE", "COMPONENTS"}, rows)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, func(ctx context.Context, app *application.Application, out *display.Printer) error {
		sets, err := app.Engine().History().List()
		if err != nil {
			return err
		}
		if historyLimit > 0 && len(sets) > historyLimit {
			sets = sets[len(sets)-historyLimit:]
		}

		views := make([]setSummary, 0, len(sets))
		for _, s := range sets {
			views = append(views, setView(s))
		}
		if handled, err := out.Data(views); handled || err != nil {
			return err
		}
		if len(views) == 0 {
			out.Info("No backup sets found")
			return nil
		}
		printSets(out, views...)
		return nil
	})
}

func runHistoryRebuild(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, func(ctx context.Context, app *application.Application, out *display.Printer) error {
		sets, err := app.Engine().History().Rebuild()
		if err != nil {
			return err
		}
		views := make([]setSummary, 0, len(sets))
		for _, s := range sets {
			views = append(views, setView(s))
		}
		sort.Slice(views, func(i, j int) bool { return views[i].Timestamp < views[j].Timestamp })
		if handled, err := out.Data(views); handled || err != nil {
			return err
		}
		out.Success(fmt.Sprintf("Catalog rebuilt with %d backup set(s)", len(views)))
		if len(views) > 0 {
			printSets(out, views...)
		}
		return nil
	})
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, func(ctx context.Context, app *application.Application, out *display.Printer) error {
		idx := app.Engine().History()
		set, err := idx.Get(args[0])
		if err != nil {
			return err
		}
		if set == nil {
			return fmt.Errorf("no backup set matches %q", args[0])
		}

		question := fmt.Sprintf("Delete backup set %s (%d files, %s)?", set.JobID, len(set.Files()), humanize.IBytes(uint64(set.TotalSize)))
		ok, err := out.Confirm(question, autoApprove || out.Structured())
		if err != nil {
			return err
		}
		if !ok {
			out.Info("Deletion cancelled")
			return nil
		}

		deleted, err := idx.DeleteJob(set.JobID)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("backup set %s disappeared before it could be deleted", set.JobID)
		}
		out.Success(fmt.Sprintf("Backup set %s deleted", set.JobID))
		return nil
	})
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, func(ctx context.Context, app *application.Application, out *display.Printer) error {
		if !app.Engine().Retention().Enabled() {
			return fmt.Errorf("no retention policy configured: set storage.keep_sets, storage.max_age or storage.keep_daily")
		}
		sets, err := app.Engine().Prune(pruneDryRun)
		if err != nil {
			return err
		}
		views := make([]setSummary, 0, len(sets))
		for _, s := range sets {
			views = append(views, setView(s))
		}
		sort.Slice(views, func(i, j int) bool { return views[i].Timestamp < views[j].Timestamp })
		if handled, err := out.Data(views); handled || err != nil {
			return err
		}
		switch {
		case len(views) == 0:
			out.Info("Nothing to prune")
			return nil
		case pruneDryRun:
			out.Info(fmt.Sprintf("%d backup set(s) would be deleted", len(views)))
		default:
			out.Success(fmt.Sprintf("%d backup set(s) deleted", len(views)))
		}
		printSets(out, views...)
		return nil
	})
}
