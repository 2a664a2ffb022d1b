package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/archiver/internal/archiver"
	"github.com/roach88/archiver/internal/config"
	"github.com/roach88/archiver/internal/invalidation"
	"github.com/roach88/archiver/internal/log"
	"github.com/roach88/archiver/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Database   string
	Verbose    bool
	Format     string // "json" | "text"

	// Config is the effective configuration, loaded before any subcommand runs.
	Config *config.Config

	// Session receives process stop requests. Nil when the command is not
	// run through Execute; run then installs its own signal handler.
	Session *archiver.Session
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the archiver CLI.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRootCommand()
	return cmd
}

func newRootCommand() (*cobra.Command, *RootOptions) {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "archiver",
		Short: "Archive invalidated analytics reports",
		Long: `Process pending archive invalidations.

Invalidations are claimed one at a time from the database shared by every
archiver process, computed, and marked done or errored. SIGTERM and SIGINT
stop claiming and wait for in-flight archives to finish before exiting 0.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return loadConfig(cmd, opts)
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid arguments", err)
	})

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default $"+config.EnvConfigPath+")")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewInvalidateCommand(opts))
	cmd.AddCommand(NewReleaseCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd, opts
}

// Execute runs the CLI with args and returns the process exit code.
//
// SIGTERM and SIGINT are caught from here on, before config is loaded: run
// turns them into a drain and exits 0, other commands see their context
// canceled. Errors are reported in the selected output format: JSON on
// stdout, text on stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	session := archiver.NewSession()
	release := archiver.NotifyStop(ctx, session)
	defer release()

	return execute(ctx, session, args, stdout, stderr)
}

// execute runs the root command with session as the process stop session.
func execute(ctx context.Context, session *archiver.Session, args []string, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	session.OnStop(func(string) { cancel() })

	cmd, opts := newRootCommand()
	opts.Session = session
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	code := GetExitCode(err)
	f := &OutputFormatter{Format: "text", Writer: stderr, Verbose: opts.Verbose}
	if opts.Format == "json" {
		f.Format = "json"
		f.Writer = stdout
	}
	if ferr := f.Error(errorCode(code), err.Error(), errorDetails(err)); ferr != nil {
		slog.Error("failed to report error", "error", ferr)
	}
	return code
}

// errorDetails exposes the invalidation error code, if any.
func errorDetails(err error) interface{} {
	var invErr *invalidation.Error
	if errors.As(err, &invErr) {
		return map[string]interface{}{
			"code":         invErr.Code,
			"invalidation": invErr.InvalidationID,
		}
	}
	return nil
}

// loadConfig reads the config file, applies global flag overrides and
// installs the process logger.
func loadConfig(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Verbose {
		cfg.Log.Verbose = true
	}

	logger, err := log.New(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log configuration", err)
	}
	slog.SetDefault(logger)

	opts.Config = cfg
	return nil
}

// openStore opens the configured database.
func openStore(opts *RootOptions) (*store.Store, func(), error) {
	slog.Debug("opening database", "path", opts.Config.Database)
	st, err := store.Open(opts.Config.Database)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	closeFn := func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}
	return st, closeFn, nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
