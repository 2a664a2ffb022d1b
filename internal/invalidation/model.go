package invalidation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/archiver/internal/store"
)

// claimBatch is how many pending candidates ClaimNext reads per round before
// trying to win one of them.
const claimBatch = 8

const selectColumns = `
	idinvalidation, idsite, period, date1, date2, report, status,
	ts_invalidated, ts_started, ts_ended, process_id, error_msg`

// Model is the invalidation DAO. It is safe for concurrent use; exclusivity
// between callers comes from conditional updates in the store, not from Model.
type Model struct {
	store *store.Store
	now   func() time.Time
}

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithClock overrides the wall clock used for claim and completion timestamps.
func WithClock(now func() time.Time) ModelOption {
	return func(m *Model) {
		m.now = now
	}
}

// NewModel creates a Model over an opened store.
func NewModel(st *store.Store, opts ...ModelOption) *Model {
	m := &Model{store: st, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CanonicalReport normalizes a report name so equal names compare equal in SQL.
func CanonicalReport(report string) string {
	return norm.NFC.String(strings.TrimSpace(report))
}

// Insert records a new Pending invalidation.
//
// If an identical invalidation is already Pending, nothing is written and the
// existing id is returned with inserted=false. An identical record that is
// InProgress does not block the insert: the running computation may predate
// the data that caused this invalidation.
func (m *Model) Insert(ctx context.Context, inv Invalidation) (id int64, inserted bool, err error) {
	if inv.SiteID <= 0 {
		return 0, false, fmt.Errorf("insert invalidation: invalid site id %d", inv.SiteID)
	}
	if _, ok := periodNames[inv.Period]; !ok {
		return 0, false, fmt.Errorf("insert invalidation: invalid period %d", inv.Period)
	}
	if _, _, err := inv.Range(); err != nil {
		return 0, false, fmt.Errorf("insert invalidation: %w", err)
	}
	report := CanonicalReport(inv.Report)
	now := m.now()

	res, err := m.store.Exec(ctx, `
		INSERT INTO archive_invalidations (idsite, period, date1, date2, report, status, ts_invalidated)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM archive_invalidations
			WHERE idsite = ? AND period = ? AND date1 = ? AND date2 = ? AND report = ? AND status = ?
		)
	`,
		inv.SiteID, inv.Period, inv.Date1, inv.Date2, report, StatusPending, now.UnixNano(),
		inv.SiteID, inv.Period, inv.Date1, inv.Date2, report, StatusPending,
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert invalidation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("insert invalidation: rows affected: %w", err)
	}
	if n > 0 {
		id, err = res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("insert invalidation: last insert id: %w", err)
		}
		return id, true, nil
	}

	err = m.store.QueryRow(ctx, `
		SELECT idinvalidation FROM archive_invalidations
		WHERE idsite = ? AND period = ? AND date1 = ? AND date2 = ? AND report = ? AND status = ?
		ORDER BY idinvalidation ASC LIMIT 1
	`, inv.SiteID, inv.Period, inv.Date1, inv.Date2, report, StatusPending).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("insert invalidation: select existing: %w", err)
	}
	return id, false, nil
}

// Get returns the invalidation with the given id.
func (m *Model) Get(ctx context.Context, id int64) (Invalidation, error) {
	row := m.store.QueryRow(ctx, `SELECT `+selectColumns+` FROM archive_invalidations WHERE idinvalidation = ?`, id)
	inv, err := scanInvalidation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Invalidation{}, &Error{Code: ErrCodeNotFound, Message: "no such invalidation", InvalidationID: id}
	}
	if err != nil {
		return Invalidation{}, NewStoreUnavailable("get invalidation", err)
	}
	return inv, nil
}

// ListInProgress returns every InProgress invalidation of a site.
// Read-only; safe to call from observers while a coordinator runs.
func (m *Model) ListInProgress(ctx context.Context, siteID int64) ([]Invalidation, error) {
	return m.listByStatus(ctx, siteID, StatusInProgress)
}

// ListPending returns every Pending invalidation of a site.
func (m *Model) ListPending(ctx context.Context, siteID int64) ([]Invalidation, error) {
	return m.listByStatus(ctx, siteID, StatusPending)
}

func (m *Model) listByStatus(ctx context.Context, siteID int64, status Status) ([]Invalidation, error) {
	return m.list(ctx, `SELECT `+selectColumns+` FROM archive_invalidations
		WHERE idsite = ? AND status = ?
		ORDER BY idinvalidation ASC`, siteID, status)
}

// ListForSite returns every invalidation of a site regardless of status.
func (m *Model) ListForSite(ctx context.Context, siteID int64) ([]Invalidation, error) {
	return m.list(ctx, `SELECT `+selectColumns+` FROM archive_invalidations
		WHERE idsite = ?
		ORDER BY idinvalidation ASC`, siteID)
}

func (m *Model) list(ctx context.Context, query string, args ...any) ([]Invalidation, error) {
	rows, err := m.store.Query(ctx, query, args...)
	if err != nil {
		return nil, NewStoreUnavailable("list invalidations", err)
	}
	defer rows.Close()

	var out []Invalidation
	for rows.Next() {
		inv, err := scanInvalidation(rows)
		if err != nil {
			return nil, NewStoreUnavailable("scan invalidation", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreUnavailable("list invalidations", err)
	}
	return out, nil
}

// CountForSite counts every invalidation of a site regardless of status.
func (m *Model) CountForSite(ctx context.Context, siteID int64) (int64, error) {
	var n int64
	err := m.store.QueryRow(ctx, `SELECT COUNT(*) FROM archive_invalidations WHERE idsite = ?`, siteID).Scan(&n)
	if err != nil {
		return 0, NewStoreUnavailable("count invalidations", err)
	}
	return n, nil
}

// CountByStatus counts the invalidations of a site per status.
// Statuses without records are present with a zero count.
func (m *Model) CountByStatus(ctx context.Context, siteID int64) (map[Status]int64, error) {
	rows, err := m.store.Query(ctx, `
		SELECT status, COUNT(*) FROM archive_invalidations
		WHERE idsite = ? GROUP BY status
	`, siteID)
	if err != nil {
		return nil, NewStoreUnavailable("count invalidations by status", err)
	}
	defer rows.Close()

	counts := map[Status]int64{
		StatusPending:    0,
		StatusInProgress: 0,
		StatusDone:       0,
		StatusError:      0,
	}
	for rows.Next() {
		var (
			status Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, NewStoreUnavailable("count invalidations by status", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreUnavailable("count invalidations by status", err)
	}
	return counts, nil
}

// Sites returns the distinct site ids that have invalidations.
func (m *Model) Sites(ctx context.Context) ([]int64, error) {
	rows, err := m.store.Query(ctx, `SELECT DISTINCT idsite FROM archive_invalidations ORDER BY idsite ASC`)
	if err != nil {
		return nil, NewStoreUnavailable("list sites", err)
	}
	defer rows.Close()

	var sites []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, NewStoreUnavailable("list sites", err)
		}
		sites = append(sites, id)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreUnavailable("list sites", err)
	}
	return sites, nil
}

// ClaimNext atomically moves one Pending invalidation matching filter to
// InProgress on behalf of processID and returns it.
//
// Returns (nil, nil) when nothing is claimable. Losing a race for a candidate
// is not an error: the next candidate is tried. Any store failure that
// survives busy retries is returned as StoreUnavailable.
//
// Candidates are taken day periods first, most recent dates first.
func (m *Model) ClaimNext(ctx context.Context, filter Filter, processID string) (*Invalidation, error) {
	if processID == "" {
		return nil, fmt.Errorf("claim invalidation: process id is required")
	}

	for {
		ids, err := store.WithRetry(ctx, func() ([]int64, error) {
			return m.candidates(ctx, filter)
		})
		if err != nil {
			return nil, NewStoreUnavailable("list claim candidates", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		for _, id := range ids {
			inv, err := m.tryClaim(ctx, id, processID)
			if err == nil {
				return inv, nil
			}
			if hasCode(err, ErrCodeClaimConflict) {
				slog.DebugContext(ctx, "claim lost to another process", "invalidation", id)
				continue
			}
			return nil, err
		}
		// every candidate of this round was taken by someone else
	}
}

func (m *Model) candidates(ctx context.Context, filter Filter) ([]int64, error) {
	query := `SELECT idinvalidation FROM archive_invalidations WHERE status = ?`
	args := []any{StatusPending}

	if len(filter.SiteIDs) > 0 {
		query += ` AND idsite IN (` + placeholders(len(filter.SiteIDs)) + `)`
		for _, id := range filter.SiteIDs {
			args = append(args, id)
		}
	}
	if len(filter.Periods) > 0 {
		query += ` AND period IN (` + placeholders(len(filter.Periods)) + `)`
		for _, p := range filter.Periods {
			args = append(args, p)
		}
	}
	if len(filter.Reports) > 0 {
		query += ` AND report IN (` + placeholders(len(filter.Reports)) + `)`
		for _, r := range filter.Reports {
			args = append(args, CanonicalReport(r))
		}
	}
	query += ` ORDER BY period ASC, date1 DESC, idinvalidation ASC LIMIT ?`
	args = append(args, claimBatch)

	rows, err := m.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0, claimBatch)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// tryClaim is the compare-and-swap Pending -> InProgress on a single row.
func (m *Model) tryClaim(ctx context.Context, id int64, processID string) (*Invalidation, error) {
	now := m.now()
	// the claim and the read of the claimed row are one statement, so a
	// claimed record is always handed back to the caller
	inv, err := store.WithRetry(ctx, func() (Invalidation, error) {
		return scanInvalidation(m.store.QueryRow(ctx, `
			UPDATE archive_invalidations
			SET status = ?, ts_started = ?, process_id = ?, ts_ended = NULL, error_msg = NULL
			WHERE idinvalidation = ? AND status = ?
			RETURNING `+selectColumns,
			StatusInProgress, now.UnixNano(), processID, id, StatusPending))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newClaimConflict(id)
	}
	if err != nil {
		return nil, NewStoreUnavailable("claim invalidation", err)
	}
	return &inv, nil
}

// MarkDone moves a record claimed by inv.ProcessID from InProgress to Done.
// Fails with InvalidTransition if the record is not InProgress for that process.
func (m *Model) MarkDone(ctx context.Context, inv *Invalidation) error {
	return m.finish(ctx, inv, StatusDone, "")
}

// MarkError moves a record claimed by inv.ProcessID from InProgress to Error,
// keeping cause as the record's error message.
// Fails with InvalidTransition if the record is not InProgress for that process.
func (m *Model) MarkError(ctx context.Context, inv *Invalidation, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return m.finish(ctx, inv, StatusError, msg)
}

func (m *Model) finish(ctx context.Context, inv *Invalidation, target Status, errMsg string) error {
	if inv == nil {
		return fmt.Errorf("finish invalidation: nil record")
	}
	now := m.now()

	var msg any
	if errMsg != "" {
		msg = errMsg
	}

	n, err := store.WithRetry(ctx, func() (int64, error) {
		res, err := m.store.Exec(ctx, `
			UPDATE archive_invalidations
			SET status = ?, ts_ended = ?, error_msg = ?
			WHERE idinvalidation = ? AND status = ? AND process_id = ?
		`, target, now.UnixNano(), msg, inv.ID, StatusInProgress, inv.ProcessID)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return NewStoreUnavailable(fmt.Sprintf("mark invalidation %s", target), err)
	}
	if n == 0 {
		return NewInvalidTransitionError(inv.ID, target)
	}

	inv.Status = target
	inv.EndedAt = &now
	inv.ErrorMessage = errMsg
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvalidation(row rowScanner) (Invalidation, error) {
	var (
		inv           Invalidation
		invalidatedAt int64
		startedAt     sql.NullInt64
		endedAt       sql.NullInt64
		processID     sql.NullString
		errorMsg      sql.NullString
	)
	err := row.Scan(
		&inv.ID, &inv.SiteID, &inv.Period, &inv.Date1, &inv.Date2, &inv.Report, &inv.Status,
		&invalidatedAt, &startedAt, &endedAt, &processID, &errorMsg,
	)
	if err != nil {
		return Invalidation{}, err
	}

	inv.InvalidatedAt = time.Unix(0, invalidatedAt)
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64)
		inv.StartedAt = &t
	}
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64)
		inv.EndedAt = &t
	}
	inv.ProcessID = processID.String
	inv.ErrorMessage = errorMsg.String
	return inv, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
