package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"site-snapshot/internal/application"
	"site-snapshot/internal/config"
	"site-snapshot/internal/display"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// Global flag variables
var (
	verbose    bool
	quiet      bool
	logFile    string
	format     string
	noColor    bool
	theme      string
	storageDir string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sitesnap",
	Short: "Resumable backups and restores of a CMS site",
	Long: `sitesnap takes consistent, resumable snapshots of a CMS site: a gzip SQL
dump of its database and split zip archives of its file trees. Long jobs run
in bounded invocations and continue where the last one stopped, so a backup
survives timeouts, restarts and crashes.

Examples:
  # Take a backup and wait for it to finish
  sitesnap backup --config site.yaml

  # Schedule a backup and let the scheduler drive it
  sitesnap backup --detach && sitesnap serve

  # List the backup sets in the storage directory
  sitesnap history list --format json

  # Restore a backup set by job id or timestamp
  sitesnap restore 3f9a0c1b2d4e`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./.sitesnap.yaml or $HOME/.sitesnap.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable color output")
	rootCmd.PersistentFlags().StringVar(&theme, "theme", "dark", "color theme (dark, light, none)")
	rootCmd.PersistentFlags().StringVar(&storageDir, "storage-dir", "", "backup output directory")

	viper.BindPFlag("storage.dir", rootCmd.PersistentFlags().Lookup("storage-dir"))
	viper.BindPFlag("logging.file", rootCmd.PersistentFlags().Lookup("log-file"))

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
}

// initConfig points viper at the config file and environment
func initConfig() {
	config.ConfigureViper(viper.GetViper(), cfgFile)
}

// validateFlags checks flag combinations shared by every command
func validateFlags() error {
	if verbose && quiet {
		return fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
	}
	for _, f := range display.ValidFormats {
		if f == format {
			return nil
		}
	}
	return fmt.Errorf("invalid output format '%s', must be one of: %s", format, strings.Join(display.ValidFormats, ", "))
}

// newPrinter builds the printer for command output
func newPrinter(cmd *cobra.Command) *display.Printer {
	return display.NewPrinter(display.Config{
		Format: display.OutputFormat(format),
		Color:  !noColor && display.DetectColorSupport(os.Stdout),
		Theme:  display.ThemeByName(theme),
		Quiet:  quiet,
		Writer: cmd.OutOrStdout(),
		Input:  cmd.InOrStdin(),
	})
}

// runWithApp loads the configuration, builds the application and runs fn
// with a context cancelled by SIGINT and SIGTERM
func runWithApp(cmd *cobra.Command, fn func(ctx context.Context, app *application.Application, out *display.Printer) error) error {
	if err := validateFlags(); err != nil {
		return err
	}

	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	app, err := application.NewApplication(cfg, application.Options{
		Verbose:   verbose,
		Quiet:     quiet,
		LogOutput: cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx, cancel := app.Context(cmd.Context())
	defer cancel()

	runErr := fn(ctx, app, newPrinter(cmd))
	if runErr != nil {
		app.ReportError(cmd.ErrOrStderr(), runErr)
	}
	if err := app.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sitesnap version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}

// createConfigCommand creates the config subcommand writing a config file
// with every default filled in
func createConfigCommand() *cobra.Command {
	var output string
	c := &cobra.Command{
		Use:   "config",
		Short: "Write a configuration file with every default filled in",
		Long: `Write a configuration file holding every option at its default value.

Examples:
  # Print the defaults
  sitesnap config

  # Start a new site configuration
  sitesnap config --output site.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.NewDefault()
			cfg.Site.Entities = map[string]config.EntityConfig{
				config.EntityUploads: {Roots: []string{"wp-content/uploads"}},
				config.EntityPlugins: {Roots: []string{"wp-content/plugins"}},
				config.EntityThemes:  {Roots: []string{"wp-content/themes"}},
			}
			if output != "" {
				if err := config.Save(cfg, output); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", output)
				return nil
			}
			_, err := display.NewPrinter(display.Config{Format: display.FormatYAML, Writer: cmd.OutOrStdout()}).Data(cfg)
			return err
		},
	}
	c.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return c
}
