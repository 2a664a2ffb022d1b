package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/archiver/internal/invalidation"
)

// ReleaseOptions holds flags for the release command.
type ReleaseOptions struct {
	*RootOptions
	AllOrphans bool
}

// ReleaseResult is the output of the release command.
type ReleaseResult struct {
	Released []int64 `json:"released"`
}

// WriteText implements textRenderer.
func (r ReleaseResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "released %d invalidation(s) back to pending\n", len(r.Released))
	return err
}

// NewReleaseCommand creates the release command.
func NewReleaseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReleaseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "release [id...]",
		Short: "Return orphaned in-progress invalidations to pending",
		Long: `Return in-progress invalidations whose process is gone to pending, so
a later run archives them again.

A record is orphaned when its process finished, never registered, or has not
sent a heartbeat for stale_after. Records owned by a live process are
refused. Runs never release records on their own.

Examples:
  archiver release --db ./archive.db 17 18
  archiver release --db ./archive.db --all-orphans`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelease(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.AllOrphans, "all-orphans", false, "release every orphaned invalidation")

	return cmd
}

func runRelease(cmd *cobra.Command, opts *ReleaseOptions, args []string) error {
	if opts.AllOrphans == (len(args) > 0) {
		return NewExitError(ExitCommandError, "give either invalidation ids or --all-orphans")
	}

	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("invalid invalidation id %q", arg), err)
		}
		ids = append(ids, id)
	}

	st, closeStore, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	model := invalidation.NewModel(st)
	stale := opts.Config.Stale()

	if opts.AllOrphans {
		orphans, err := model.ListOrphaned(ctx, stale)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list orphaned invalidations", err)
		}
		for _, inv := range orphans {
			ids = append(ids, inv.ID)
		}
	}

	f := newFormatter(cmd, opts.RootOptions)
	result := ReleaseResult{Released: []int64{}}
	for _, id := range ids {
		if err := model.Release(ctx, id, stale); err != nil {
			code := ExitFailure
			if invalidation.IsNotFound(err) || invalidation.IsInvalidTransition(err) {
				code = ExitCommandError
			}
			return WrapExitError(code, fmt.Sprintf("failed to release invalidation %d", id), err)
		}
		f.VerboseLog("released invalidation %d", id)
		result.Released = append(result.Released, id)
	}

	return f.Success(result)
}
