package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"site-snapshot/internal/application"
	"site-snapshot/internal/display"
	"site-snapshot/internal/jobstate"
	"site-snapshot/internal/scheduler"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var resumptionNumber int

// jobsCmd lists unfinished jobs
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs that are in progress or failed",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

// statusCmd shows one job
var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the progress of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// resumeCmd runs one resumption
var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Run one invocation of a job",
	Long: `Run one bounded invocation of a job. Without --n the scheduled resumption
is run. Repeated or stale triggers are harmless: an invocation that finds the
resumption already handled, or the job locked, does nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

// abortCmd aborts a job
var abortCmd = &cobra.Command{
	Use:   "abort <job-id>",
	Short: "Stop a job and remove its partial output",
	Long: `Request that a job stop. A running invocation notices the request at its
next checkpoint; when none is running the abort is carried out immediately.
An aborted backup removes every file it wrote.`,
	Args: cobra.ExactArgs(1),
	RunE: runAbort,
}

// runDueCmd fires due resumptions once
var runDueCmd = &cobra.Command{
	Use:   "run-due",
	Short: "Run every resumption whose time has come, then exit",
	Long: `Run every scheduled resumption that is due. Meant to be called from cron:

  * * * * * sitesnap run-due --config /etc/sitesnap.yaml --quiet`,
	Args: cobra.NoArgs,
	RunE: runRunDue,
}

// serveCmd keeps firing due resumptions
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep running due resumptions until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(runDueCmd)
	rootCmd.AddCommand(serveCmd)

	resumeCmd.Flags().IntVar(&resumptionNumber, "n", -1, "resumption number to run (default: the scheduled one)")
}

// jobSummary is the printable form of a job
type jobSummary struct {
	JobID      string            `json:"job_id" yaml:"job_id"`
	Kind       string            `json:"kind" yaml:"kind"`
	Phase      string            `json:"phase" yaml:"phase"`
	Resumption int               `json:"resumption" yaml:"resumption"`
	NextAt     *time.Time        `json:"next_at,omitempty" yaml:"next_at,omitempty"`
	LastError  string            `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Params     map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Entities   []entitySummary   `json:"entities,omitempty" yaml:"entities,omitempty"`
	Tables     int               `json:"tables" yaml:"tables"`
	TablesDone int               `json:"tables_done" yaml:"tables_done"`
	Rows       int64             `json:"rows" yaml:"rows"`
	CreatedAt  time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" yaml:"updated_at"`
}

type entitySummary struct {
	Entity string `json:"entity" yaml:"entity"`
	Parts  int    `json:"parts" yaml:"parts"`
	Files  int64  `json:"files" yaml:"files"`
	Bytes  int64  `json:"bytes" yaml:"bytes"`
	Done   bool   `json:"done" yaml:"done"`
}

func jobView(state *jobstate.State) jobSummary {
	v := jobSummary{
		JobID:      state.JobID,
		Kind:       string(state.Kind),
		Phase:      state.Phase,
		Resumption: state.ResumptionCount,
		LastError:  state.LastError,
		Params:     state.Params,
		Tables:     len(state.Progress.Tables),
		CreatedAt:  state.CreatedAt,
		UpdatedAt:  state.UpdatedAt,
	}
	if state.Next != nil {
		at := state.Next.At
		v.NextAt = &at
	}
	for _, t := range state.Progress.Tables {
		v.Rows += t.Rows
		if t.Done {
			v.TablesDone++
		}
	}
	for name, ep := range state.Progress.Entities {
		v.Entities = append(v.Entities, entitySummary{
			Entity: name,
			Parts:  len(ep.Parts),
			Files:  ep.Files,
			Bytes:  ep.Bytes,
			Done:   ep.Done,
		})
	}
	sort.Slice(v.Entities, func(i, j int) bool { return v.Entities[i].Entity < v.Entities[j].Entity })
	return v
}

func jobStatus(v jobSummary) string {
	switch {
	case v.LastError != "" && v.NextAt == nil:
		return "failed"
	case v.NextAt != nil:
		return "scheduled"
	default:
		return "running"
	}
}

func runJobs(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, func(ctx context.Context, app *application.Application, out *display.Printer) error {
		states, err := app.Engine().Jobs(ctx)
		if err != nil {
			return err
		}
		views := make([]jobSummary, 0, len(states))
		for _, st := range states {
			views = append(views, jobView(st))
		}
		if handled, err := out.Data(views); handled || err != nil {
			return err
		}
		if len(views) == 0 {
			out.Info("No jobs in progress")
			return nil
		}

		rows := make([][]string, 0, len(views))
		for _, v := range views {
			next := "-"
			if v.NextAt != nil {
				next = humanize.Time(*v.NextAt)
			}
			rows = append(rows, []string{v.JobID, v.Kind, jobStatus(v), v.Phase, strconv.Itoa(v.Resumption), next, v.LastError})
		}
		out.Table([]string{"JOB", "KIND", "STATUS", "PHASE", "RESUMPTION", "NEXT", "ERROR"}, rows)
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, func(ctx context.Context, app *application.Application, out *display.Printer) error {
		state, err := app.Engine().Status(ctx, args[0])
		if err != nil {
			return err
		}
		if state == nil {
			return fmt.Errorf("no job %s; finished jobs are listed by 'sitesnap history list'", args[0])
		}
		v := jobView(state)
		if handled, err := out.Data(v); handled || err != nil {
			return err
		}

		rows := [][]string{
			{"Job", v.JobID},
			{"Kind", v.Kind},
			{"Status", jobStatus(v)},
			{"Phase", v.Phase},
			{"Resumption", strconv.Itoa(v.Resumption)},
			{"Created", humanize.Time(v.CreatedAt)},
			{"Updated", humanize.Time(v.UpdatedAt)},
		}
		if v.NextAt != nil {
			rows = append(rows, []string{"Next run", v.NextAt.Format("2006-01-02 15:04:05")})
		}
		if v.Tables > 0 {
			rows = append(rows, []string{"Tables", fmt.Sprintf("%d/%d (%s rows)", v.TablesDone, v.Tables, humanize.Comma(v.Rows))})
		}
		if v.LastError != "" {
			rows = append(rows, []string{"Last error", v.LastError})
		}
		out.Table([]string{"FIELD", "VALUE"}, rows)

		if len(v.Entities) > 0 {
			erows := make([][]string, 0, len(v.Entities))
			for _, e := range v.Entities {
				erows = append(erows, []string{e.Entity, strconv.Itoa(e.Parts), humanize.Comma(e.Files), humanize.IBytes(uint64(e.Bytes)), strconv.FormatBool(e.Done)})
			}
			out.Table([]string{"ENTITY", "PARTS", "FILES", "SIZE", "DONE"}, erows)
		}
		return nil
	})
}

func runResume(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, func(ctx context.Context, app *application.Application, out *display.Printer) error {
		n := resumptionNumber
		if n < 0 {
			state, err := app.Engine().Status(ctx, args[0])
			if err != nil {
				return err
			}
			if state == nil {
				return fmt.Errorf("no job %s", args[0])
			}
			n = state.ResumptionCount
			if state.Next != nil {
				n = state.Next.Number
			}
		}

		outcome, err := app.Engine().Resume(ctx, n, args[0])
		if err != nil {
			return err
		}
		out.Info(fmt.Sprintf("Resumption %d of job %s: %s", n, args[0], outcome))
		return nil
	})
}

func runAbort(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, func(ctx context.Context, app *application.Application, out *display.Printer) error {
		outcome, err := app.Engine().Abort(ctx, args[0])
		if err != nil {
			return err
		}
		if outcome == scheduler.OutcomeAborted {
			out.Success(fmt.Sprintf("Job %s aborted", args[0]))
		} else {
			out.Info(fmt.Sprintf("Abort of job %s requested; the running invocation stops at its next checkpoint", args[0]))
		}
		return nil
	})
}

func runRunDue(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, func(ctx context.Context, app *application.Application, out *display.Printer) error {
		fired, err := app.Engine().RunDue(ctx)
		if err != nil {
			return err
		}
		out.Info(fmt.Sprintf("%d resumption(s) run", fired))
		return nil
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, func(ctx context.Context, app *application.Application, out *display.Printer) error {
		out.Info(fmt.Sprintf("Serving due resumptions (%s); interrupt to stop", app.Config().Scheduler.PollSpec))
		err := app.Engine().Serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}
