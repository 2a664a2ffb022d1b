package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/archiver/internal/archiver"
	"github.com/roach88/archiver/internal/invalidation"
	"github.com/roach88/archiver/internal/report"
	"github.com/roach88/archiver/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Concurrency      int
	MaxInvalidations int
	Sites            []int64
	Periods          []string

	// Computer overrides the report computer (for testing).
	// If nil, defaults to report.EventCounter.
	Computer report.Computer
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Archive pending invalidations",
		Long: `Claim and archive pending invalidations until none are left.

Several archiver processes may run against the same database; each
invalidation is archived by exactly one of them. On SIGTERM or SIGINT the
run stops claiming, waits for in-flight archives, and exits 0. A signal
that arrives while the command is still starting up also exits 0, after
claiming nothing.

Example:
  archiver run --db ./archive.db
  archiver run --db ./archive.db --concurrency 4 --sites 1,3 --periods day,week`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchive(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "maximum archives in flight (overrides config)")
	cmd.Flags().IntVar(&opts.MaxInvalidations, "max", 0, "stop claiming after this many invalidations (overrides config)")
	cmd.Flags().Int64SliceVar(&opts.Sites, "sites", nil, "only archive these site ids (overrides config)")
	cmd.Flags().StringSliceVar(&opts.Periods, "periods", nil, "only archive these periods (overrides config)")

	return cmd
}

// RunResult is the output of the run command.
type RunResult struct {
	RunID           string `json:"run_id"`
	Claimed         int    `json:"claimed"`
	Done            int    `json:"done"`
	Errored         int    `json:"errored"`
	StoppedBySignal bool   `json:"stopped_by_signal"`
	StopReason      string `json:"stop_reason,omitempty"`
}

// WriteText implements textRenderer.
func (r RunResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "run %s: claimed %d, done %d, errored %d\n", r.RunID, r.Claimed, r.Done, r.Errored)
	if err == nil && r.StoppedBySignal {
		_, err = fmt.Fprintf(w, "stopped early: %s\n", r.StopReason)
	}
	return err
}

func runArchive(cmd *cobra.Command, opts *RunOptions) error {
	cfg := opts.Config
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency = opts.Concurrency
	}
	if cmd.Flags().Changed("max") {
		cfg.MaxInvalidations = opts.MaxInvalidations
	}
	if cmd.Flags().Changed("sites") {
		cfg.Sites = opts.Sites
	}
	if cmd.Flags().Changed("periods") {
		cfg.Periods = opts.Periods
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid run options", err)
	}
	filter, err := cfg.Filter()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid run options", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	session := opts.Session
	if session == nil {
		session = archiver.NewSession()
		release := archiver.NotifyStop(parentCtx, session)
		defer release()
	}
	// the context is canceled on stop; setup below must still complete
	setupCtx := context.WithoutCancel(parentCtx)

	st, closeStore, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := telemetry.NewProvider(setupCtx,
		telemetry.WithEnabled(cfg.Metrics.Enabled),
		telemetry.WithServiceVersion(buildVersion()),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize metrics", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(setupCtx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewArchiverMetrics(provider.MeterProvider())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create metrics", err)
	}
	// runs at once if the stop arrived during setup
	session.OnStop(func(reason string) {
		metrics.RecordStop(setupCtx, reason)
	})

	if provider.Enabled() {
		srv, err := telemetry.Serve(cfg.Metrics.Address, provider)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(setupCtx, 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	computer := opts.Computer
	if computer == nil {
		computer = report.NewEventCounter(st)
	}

	coord := archiver.NewCoordinator(st, computer, session, archiver.Options{
		Filter:            filter,
		Concurrency:       cfg.Concurrency,
		MaxInvalidations:  cfg.MaxInvalidations,
		HeartbeatInterval: cfg.Heartbeat(),
	},
		archiver.WithGate(archiver.GateFromEnv(st)),
		archiver.WithMetrics(metrics),
	)

	summary, err := coord.Run(parentCtx)
	if err != nil {
		if invalidation.IsStoreUnavailable(err) {
			slog.Error("database unavailable, run aborted after draining", "error", err)
		}
		return WrapExitError(ExitFailure, "archiving run failed", err)
	}

	return newFormatter(cmd, opts.RootOptions).Success(RunResult{
		RunID:           summary.RunID,
		Claimed:         summary.Claimed,
		Done:            summary.Done,
		Errored:         summary.Errored,
		StoppedBySignal: summary.StoppedBySignal,
		StopReason:      summary.StopReason,
	})
}
