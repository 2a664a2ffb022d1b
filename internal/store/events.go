package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrReportNotFound is returned when no archived report matches.
var ErrReportNotFound = errors.New("report not found")

// Report is one computed archive value.
type Report struct {
	SiteID     int64
	Period     int
	Date1      string
	Date2      string
	Name       string
	Value      int64
	ArchivedAt time.Time
}

// InsertEvent records a raw event for a site and returns its id.
func (s *Store) InsertEvent(ctx context.Context, siteID int64, at time.Time, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO log_events (idsite, ts, name) VALUES (?, ?, ?)
	`, siteID, at.UnixNano(), name)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert event: last insert id: %w", err)
	}
	return id, nil
}

// CountEvents counts events of a site in [from, to).
// An empty name counts events of every name.
func (s *Store) CountEvents(ctx context.Context, siteID int64, from, to time.Time, name string) (int64, error) {
	query := `SELECT COUNT(*) FROM log_events WHERE idsite = ? AND ts >= ? AND ts < ?`
	args := []any{siteID, from.UnixNano(), to.UnixNano()}
	if name != "" {
		query += ` AND name = ?`
		args = append(args, name)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// UpsertReport stores a computed report, replacing an earlier value for the same identity.
func (s *Store) UpsertReport(ctx context.Context, r Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archive_reports (idsite, period, date1, date2, report, value, ts_archived)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idsite, period, date1, date2, report)
		DO UPDATE SET value = excluded.value, ts_archived = excluded.ts_archived
	`, r.SiteID, r.Period, r.Date1, r.Date2, r.Name, r.Value, r.ArchivedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

// GetReport returns the archived report for an identity or ErrReportNotFound.
func (s *Store) GetReport(ctx context.Context, siteID int64, period int, date1, date2, name string) (Report, error) {
	r := Report{SiteID: siteID, Period: period, Date1: date1, Date2: date2, Name: name}
	var archivedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT value, ts_archived FROM archive_reports
		WHERE idsite = ? AND period = ? AND date1 = ? AND date2 = ? AND report = ?
	`, siteID, period, date1, date2, name).Scan(&r.Value, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrReportNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("get report: %w", err)
	}
	r.ArchivedAt = time.Unix(0, archivedAt)
	return r, nil
}
