package archiver

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/roach88/archiver/internal/invalidation"
	"github.com/roach88/archiver/internal/report"
	"github.com/roach88/archiver/internal/telemetry"
)

// Runner archives one claimed invalidation and records its terminal status.
type Runner struct {
	model    *invalidation.Model
	computer report.Computer
	gate     *Gate
	metrics  *telemetry.ArchiverMetrics
}

// NewRunner creates a Runner. gate and metrics may be nil.
func NewRunner(model *invalidation.Model, computer report.Computer, gate *Gate, metrics *telemetry.ArchiverMetrics) *Runner {
	return &Runner{
		model:    model,
		computer: computer,
		gate:     gate,
		metrics:  metrics,
	}
}

// Run computes the report for inv and moves it to Done, or to Error if the
// computation fails or panics. Every return path, including a panic in the
// computer, performs exactly one terminal write.
//
// The computation and the terminal write run on a context detached from
// cancellation: once claimed, an invalidation is always finished.
//
// Returns an error only if the terminal write itself failed. A failed
// computation is recorded on the invalidation and logged, not returned.
func (r *Runner) Run(ctx context.Context, s *Session, inv *invalidation.Invalidation) (err error) {
	ctx = context.WithoutCancel(ctx)
	started := time.Now()

	var cause error
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "archive computation panicked",
				"invalidation", inv.ID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			cause = fmt.Errorf("panic: %v", p)
		}
		err = r.finish(ctx, inv, cause, time.Since(started))
	}()

	cause = r.compute(ctx, s, inv)
	return nil
}

func (r *Runner) compute(ctx context.Context, s *Session, inv *invalidation.Invalidation) error {
	if err := r.gate.Wait(ctx, s, OptionTestArchive); err != nil {
		return err
	}

	slog.DebugContext(ctx, "archiving", "invalidation", inv.String())
	return r.computer.Compute(ctx, *inv)
}

func (r *Runner) finish(ctx context.Context, inv *invalidation.Invalidation, cause error, elapsed time.Duration) error {
	if cause == nil {
		if err := r.model.MarkDone(ctx, inv); err != nil {
			slog.ErrorContext(ctx, "failed to mark invalidation done", "invalidation", inv.ID, "error", err)
			r.metrics.RecordCompletion(ctx, "unfinished", elapsed)
			return err
		}
		slog.InfoContext(ctx, "archived", "invalidation", inv.String(), "elapsed", elapsed)
		r.metrics.RecordCompletion(ctx, invalidation.StatusDone.String(), elapsed)
		return nil
	}

	failure := invalidation.NewRunnerFailure(inv.ID, cause)
	slog.WarnContext(ctx, "archive failed", "invalidation", inv.String(), "error", failure)
	if err := r.model.MarkError(ctx, inv, cause); err != nil {
		slog.ErrorContext(ctx, "failed to mark invalidation errored", "invalidation", inv.ID, "error", err)
		r.metrics.RecordCompletion(ctx, "unfinished", elapsed)
		return err
	}
	r.metrics.RecordCompletion(ctx, invalidation.StatusError.String(), elapsed)
	return nil
}
