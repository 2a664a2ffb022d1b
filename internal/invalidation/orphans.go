package invalidation

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/archiver/internal/store"
)

// orphanCondition matches InProgress rows whose owning run is gone: no run
// row, a finished run, or a heartbeat older than the cutoff.
const orphanCondition = `
	status = ? AND (
		process_id IS NULL
		OR NOT EXISTS (SELECT 1 FROM archive_runs r WHERE r.run_id = process_id)
		OR EXISTS (
			SELECT 1 FROM archive_runs r
			WHERE r.run_id = process_id
			AND (r.finished_at IS NOT NULL OR r.heartbeat_at < ?)
		)
	)`

// ListOrphaned returns InProgress invalidations no live process owns.
//
// A graceful drain never leaves any; they come from processes that were
// killed outright. The coordinator does not reclaim them on its own.
func (m *Model) ListOrphaned(ctx context.Context, staleAfter time.Duration) ([]Invalidation, error) {
	cutoff := m.now().Add(-staleAfter).UnixNano()
	return m.list(ctx, `SELECT `+selectColumns+` FROM archive_invalidations
		WHERE `+orphanCondition+`
		ORDER BY idinvalidation ASC`, StatusInProgress, cutoff)
}

// Release returns an orphaned InProgress invalidation to Pending so a later
// run can claim it. Records still owned by a live process are refused with
// InvalidTransition.
func (m *Model) Release(ctx context.Context, id int64, staleAfter time.Duration) error {
	cutoff := m.now().Add(-staleAfter).UnixNano()

	n, err := store.WithRetry(ctx, func() (int64, error) {
		res, err := m.store.Exec(ctx, `
			UPDATE archive_invalidations
			SET status = ?, ts_started = NULL, process_id = NULL
			WHERE idinvalidation = ? AND `+orphanCondition,
			StatusPending, id, StatusInProgress, cutoff)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return NewStoreUnavailable("release invalidation", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	return &Error{
		Code:           ErrCodeInvalidTransition,
		Message:        fmt.Sprintf("cannot release: record is not orphaned (stale after %s)", staleAfter),
		InvalidationID: id,
	}
}
