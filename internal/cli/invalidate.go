package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/archiver/internal/invalidation"
)

// InvalidateOptions holds flags for the invalidate command.
type InvalidateOptions struct {
	*RootOptions
	Sites   []int64
	Period  string
	Dates   []string
	EndDate string
	Report  string
}

// InvalidateResult is the output of the invalidate command.
type InvalidateResult struct {
	Inserted []int64 `json:"inserted"`
	Existing []int64 `json:"existing"`
}

// WriteText implements textRenderer.
func (r InvalidateResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "inserted %d, already pending %d\n", len(r.Inserted), len(r.Existing))
	return err
}

// NewInvalidateCommand creates the invalidate command.
func NewInvalidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvalidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Mark archived reports as needing recomputation",
		Long: `Insert pending invalidations for each site and date.

Each date is widened to the bounds of its period (weeks start on Monday).
For --period range, --end-date gives the last day. An invalidation that is
already pending is not inserted twice.

Examples:
  archiver invalidate --db ./archive.db --sites 1 --period day --dates 2024-01-01,2024-01-02
  archiver invalidate --db ./archive.db --sites 1,2 --period month --dates 2024-03-01 --report Goals
  archiver invalidate --db ./archive.db --sites 1 --period range --dates 2024-01-01 --end-date 2024-01-15`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvalidate(cmd, opts)
		},
	}

	cmd.Flags().Int64SliceVar(&opts.Sites, "sites", nil, "site ids (required)")
	cmd.Flags().StringVar(&opts.Period, "period", "day", "period: day|week|month|year|range")
	cmd.Flags().StringSliceVar(&opts.Dates, "dates", nil, "dates in YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&opts.EndDate, "end-date", "", "last day of a range period")
	cmd.Flags().StringVar(&opts.Report, "report", "", "report name (default: all reports)")
	_ = cmd.MarkFlagRequired("sites")
	_ = cmd.MarkFlagRequired("dates")

	return cmd
}

func runInvalidate(cmd *cobra.Command, opts *InvalidateOptions) error {
	records, err := buildInvalidations(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid invalidation", err)
	}

	st, closeStore, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeStore()

	model := invalidation.NewModel(st)
	result := InvalidateResult{Inserted: []int64{}, Existing: []int64{}}
	for _, inv := range records {
		id, inserted, err := model.Insert(cmd.Context(), inv)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to insert invalidation", err)
		}
		if inserted {
			result.Inserted = append(result.Inserted, id)
		} else {
			result.Existing = append(result.Existing, id)
		}
	}

	return newFormatter(cmd, opts.RootOptions).Success(result)
}

func buildInvalidations(opts *InvalidateOptions) ([]invalidation.Invalidation, error) {
	period, err := invalidation.ParsePeriod(opts.Period)
	if err != nil {
		return nil, err
	}
	if period == invalidation.PeriodRange && opts.EndDate == "" {
		return nil, fmt.Errorf("--end-date is required for period range")
	}
	if period != invalidation.PeriodRange && opts.EndDate != "" {
		return nil, fmt.Errorf("--end-date is only valid for period range")
	}

	var out []invalidation.Invalidation
	for _, site := range opts.Sites {
		for _, date := range opts.Dates {
			day, err := time.Parse(invalidation.DateLayout, date)
			if err != nil {
				return nil, fmt.Errorf("invalid date %q: %w", date, err)
			}
			from, to := period.Bounds(day)
			date2 := to.Format(invalidation.DateLayout)
			if period == invalidation.PeriodRange {
				date2 = opts.EndDate
			}
			out = append(out, invalidation.Invalidation{
				SiteID: site,
				Period: period,
				Date1:  from.Format(invalidation.DateLayout),
				Date2:  date2,
				Report: opts.Report,
			})
		}
	}
	return out, nil
}
