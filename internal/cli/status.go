package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/archiver/internal/invalidation"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Sites []int64
}

// StatusResult holds the complete status output.
type StatusResult struct {
	Sites    []SiteStatus `json:"sites"`
	Orphaned []ClaimInfo  `json:"orphaned"`
}

// SiteStatus summarizes the invalidations of one site.
type SiteStatus struct {
	SiteID     int64            `json:"site"`
	Total      int64            `json:"total"`
	Counts     map[string]int64 `json:"counts"`
	InProgress []ClaimInfo      `json:"in_progress"`
}

// ClaimInfo describes one InProgress invalidation.
type ClaimInfo struct {
	ID        int64  `json:"id"`
	SiteID    int64  `json:"site"`
	Record    string `json:"record"`
	ProcessID string `json:"process_id"`
	StartedAt string `json:"started_at,omitempty"`
}

var statusOrder = []invalidation.Status{
	invalidation.StatusPending,
	invalidation.StatusInProgress,
	invalidation.StatusDone,
	invalidation.StatusError,
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show invalidation counts and in-progress claims",
		Long: `Show how many invalidations each site has per status, which are
currently in progress and by which process, and which in-progress records
no live process owns any more (orphans, left by killed processes).

status only reads the database and is safe to run next to archiver runs.

Examples:
  archiver status --db ./archive.db
  archiver status --db ./archive.db --sites 1 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().Int64SliceVar(&opts.Sites, "sites", nil, "only show these site ids")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	st, closeStore, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	model := invalidation.NewModel(st)

	sites := opts.Sites
	if len(sites) == 0 {
		sites, err = model.Sites(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list sites", err)
		}
	}

	result := StatusResult{Sites: []SiteStatus{}, Orphaned: []ClaimInfo{}}
	for _, site := range sites {
		counts, err := model.CountByStatus(ctx, site)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to count invalidations", err)
		}
		inProgress, err := model.ListInProgress(ctx, site)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list in-progress invalidations", err)
		}

		ss := SiteStatus{
			SiteID:     site,
			Counts:     make(map[string]int64, len(counts)),
			InProgress: []ClaimInfo{},
		}
		for status, n := range counts {
			ss.Counts[status.String()] = n
			ss.Total += n
		}
		for _, inv := range inProgress {
			ss.InProgress = append(ss.InProgress, claimInfo(inv))
		}
		result.Sites = append(result.Sites, ss)
	}

	orphans, err := model.ListOrphaned(ctx, opts.Config.Stale())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list orphaned invalidations", err)
	}
	for _, inv := range orphans {
		if len(opts.Sites) > 0 && !containsSite(opts.Sites, inv.SiteID) {
			continue
		}
		result.Orphaned = append(result.Orphaned, claimInfo(inv))
	}

	return newFormatter(cmd, opts.RootOptions).Success(result)
}

func claimInfo(inv invalidation.Invalidation) ClaimInfo {
	ci := ClaimInfo{
		ID:        inv.ID,
		SiteID:    inv.SiteID,
		Record:    inv.String(),
		ProcessID: inv.ProcessID,
	}
	if inv.StartedAt != nil {
		ci.StartedAt = inv.StartedAt.UTC().Format(time.RFC3339)
	}
	return ci
}

func containsSite(sites []int64, site int64) bool {
	for _, s := range sites {
		if s == site {
			return true
		}
	}
	return false
}

// WriteText implements textRenderer.
func (r StatusResult) WriteText(w io.Writer) error {
	if len(r.Sites) == 0 {
		_, err := fmt.Fprintln(w, "no invalidations")
		return err
	}

	for _, s := range r.Sites {
		fmt.Fprintf(w, "site %d: %d invalidation(s)\n", s.SiteID, s.Total)
		for _, status := range statusOrder {
			fmt.Fprintf(w, "  %-12s %d\n", status.String(), s.Counts[status.String()])
		}
		for _, c := range s.InProgress {
			fmt.Fprintf(w, "  > %s claimed by %s at %s\n", c.Record, c.ProcessID, c.StartedAt)
		}
	}

	fmt.Fprintf(w, "orphaned: %d\n", len(r.Orphaned))
	for _, c := range r.Orphaned {
		fmt.Fprintf(w, "  ! %s claimed by %s at %s\n", c.Record, c.ProcessID, c.StartedAt)
	}
	return nil
}
