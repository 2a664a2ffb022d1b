package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run exit statuses written by FinishRun.
const (
	RunStatusCompleted = "completed"
	RunStatusStopped   = "stopped"
	RunStatusFailed    = "failed"
)

// ErrRunNotFound is returned when a run id has no row in archive_runs.
var ErrRunNotFound = errors.New("run not found")

// Run is the process-status row of one coordinator process.
type Run struct {
	ID          string
	Host        string
	PID         int
	StartedAt   time.Time
	HeartbeatAt time.Time
	FinishedAt  *time.Time
	ExitStatus  string
}

// Finished reports whether the run wrote its final status.
func (r Run) Finished() bool {
	return r.FinishedAt != nil
}

// RegisterRun inserts the process-status row for a starting coordinator.
func (s *Store) RegisterRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archive_runs (run_id, host, pid, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.Host, run.PID, run.StartedAt.UnixNano(), run.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("register run: %w", err)
	}
	return nil
}

// HeartbeatRun records that the run is still alive.
func (s *Store) HeartbeatRun(ctx context.Context, runID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE archive_runs SET heartbeat_at = ?
		WHERE run_id = ? AND finished_at IS NULL
	`, at.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("heartbeat run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat run: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("heartbeat run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// FinishRun writes the final status of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE archive_runs SET finished_at = ?, heartbeat_at = ?, exit_status = ?
		WHERE run_id = ?
	`, at.UnixNano(), at.UnixNano(), status, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun returns the run with the given id or ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	var (
		run        Run
		startedAt  int64
		heartbeat  int64
		finishedAt sql.NullInt64
		exitStatus sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, host, pid, started_at, heartbeat_at, finished_at, exit_status
		FROM archive_runs WHERE run_id = ?
	`, runID).Scan(&run.ID, &run.Host, &run.PID, &startedAt, &heartbeat, &finishedAt, &exitStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}

	run.StartedAt = time.Unix(0, startedAt)
	run.HeartbeatAt = time.Unix(0, heartbeat)
	if finishedAt.Valid {
		t := time.Unix(0, finishedAt.Int64)
		run.FinishedAt = &t
	}
	run.ExitStatus = exitStatus.String
	return run, nil
}
