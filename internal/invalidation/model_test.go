package invalidation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/archiver/internal/store"
	"github.com/roach88/archiver/internal/testutil"
)

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestModel(t *testing.T) *Model {
	t.Helper()
	return NewModel(openStore(t, filepath.Join(t.TempDir(), "archive.db")))
}

func seed(t *testing.T, m *Model, siteID int64, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		day := start.AddDate(0, 0, i).Format(DateLayout)
		id, inserted, err := m.Insert(ctx, Invalidation{SiteID: siteID, Period: PeriodDay, Date1: day, Date2: day})
		require.NoError(t, err)
		require.True(t, inserted)
		ids = append(ids, id)
	}
	return ids
}

func TestInsert_DeduplicatesPending(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()

	inv := Invalidation{SiteID: 1, Period: PeriodWeek, Date1: "2024-03-04", Date2: "2024-03-10", Report: "Goals"}
	id1, inserted, err := m.Insert(ctx, inv)
	require.NoError(t, err)
	assert.True(t, inserted)

	id2, inserted, err := m.Insert(ctx, inv)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id1, id2)

	n, err := m.CountForSite(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInsert_CanonicalReportName(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()

	// "é" precomposed vs "e" + combining acute accent
	composed := Invalidation{SiteID: 1, Period: PeriodDay, Date1: "2024-01-01", Date2: "2024-01-01", Report: "Caf\u00e9"}
	decomposed := composed
	decomposed.Report = " Cafe\u0301 "

	id1, _, err := m.Insert(ctx, composed)
	require.NoError(t, err)
	id2, inserted, err := m.Insert(ctx, decomposed)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id1, id2)

	got, err := m.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "Caf\u00e9", got.Report)
}

func TestInsert_AllowedWhileInProgress(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()

	inv := Invalidation{SiteID: 1, Period: PeriodDay, Date1: "2024-01-01", Date2: "2024-01-01"}
	_, _, err := m.Insert(ctx, inv)
	require.NoError(t, err)

	claimed, err := m.ClaimNext(ctx, Filter{}, "proc-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, inserted, err := m.Insert(ctx, inv)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestInsert_Validation(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()

	tests := []struct {
		name string
		inv  Invalidation
	}{
		{"zero site", Invalidation{Period: PeriodDay, Date1: "2024-01-01", Date2: "2024-01-01"}},
		{"bad period", Invalidation{SiteID: 1, Period: 9, Date1: "2024-01-01", Date2: "2024-01-01"}},
		{"bad date", Invalidation{SiteID: 1, Period: PeriodDay, Date1: "01/01/2024", Date2: "2024-01-01"}},
		{"reversed range", Invalidation{SiteID: 1, Period: PeriodRange, Date1: "2024-02-01", Date2: "2024-01-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := m.Insert(ctx, tt.inv)
			assert.Error(t, err)
		})
	}
}

func TestClaimNext_Lifecycle(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()
	ids := seed(t, m, 1, 1)

	inv, err := m.ClaimNext(ctx, Filter{}, "proc-a")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, ids[0], inv.ID)
	assert.Equal(t, StatusInProgress, inv.Status)
	assert.Equal(t, "proc-a", inv.ProcessID)
	require.NotNil(t, inv.StartedAt)

	inProgress, err := m.ListInProgress(ctx, 1)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)

	require.NoError(t, m.MarkDone(ctx, inv))
	assert.Equal(t, StatusDone, inv.Status)
	require.NotNil(t, inv.EndedAt)

	got, err := m.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)

	next, err := m.ClaimNext(ctx, Filter{}, "proc-a")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestClaim_ReturnsRowAsStored(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	m := NewModel(openStore(t, filepath.Join(t.TempDir(), "archive.db")), WithClock(clock.Now))
	ids := seed(t, m, 4, 1)

	claimed, err := m.tryClaim(ctx, ids[0], "web-1:7:run-0001")
	require.NoError(t, err)

	stored, err := m.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, stored, *claimed)
	assert.Equal(t, StatusInProgress, claimed.Status)
	assert.Equal(t, "web-1:7:run-0001", claimed.ProcessID)
	assert.True(t, clock.Now().Equal(*claimed.StartedAt))
	assert.Equal(t, int64(4), claimed.SiteID)

	// a record that is no longer pending is a lost race, not a store failure
	_, err = m.tryClaim(ctx, ids[0], "web-2:8:run-0001")
	assert.True(t, hasCode(err, ErrCodeClaimConflict), "got %v", err)
	assert.False(t, IsStoreUnavailable(err))

	_, err = m.tryClaim(ctx, 999, "web-2:8:run-0001")
	assert.True(t, hasCode(err, ErrCodeClaimConflict), "got %v", err)

	stored, err = m.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "web-1:7:run-0001", stored.ProcessID)
}

func TestClaimNext_RequiresProcessID(t *testing.T) {
	m := newTestModel(t)
	_, err := m.ClaimNext(context.Background(), Filter{}, "")
	assert.Error(t, err)
}

func TestClaimNext_Order(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()

	_, _, err := m.Insert(ctx, Invalidation{SiteID: 1, Period: PeriodMonth, Date1: "2024-01-01", Date2: "2024-01-31"})
	require.NoError(t, err)
	_, _, err = m.Insert(ctx, Invalidation{SiteID: 1, Period: PeriodDay, Date1: "2024-01-02", Date2: "2024-01-02"})
	require.NoError(t, err)
	_, _, err = m.Insert(ctx, Invalidation{SiteID: 1, Period: PeriodDay, Date1: "2024-01-05", Date2: "2024-01-05"})
	require.NoError(t, err)

	var got []string
	for {
		inv, err := m.ClaimNext(ctx, Filter{}, "proc-a")
		require.NoError(t, err)
		if inv == nil {
			break
		}
		got = append(got, fmt.Sprintf("%s %s", inv.Period, inv.Date1))
	}
	assert.Equal(t, []string{"day 2024-01-05", "day 2024-01-02", "month 2024-01-01"}, got)
}

func TestClaimNext_Filter(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()

	_, _, err := m.Insert(ctx, Invalidation{SiteID: 1, Period: PeriodDay, Date1: "2024-01-01", Date2: "2024-01-01", Report: "Goals"})
	require.NoError(t, err)
	_, _, err = m.Insert(ctx, Invalidation{SiteID: 2, Period: PeriodDay, Date1: "2024-01-01", Date2: "2024-01-01", Report: "Goals"})
	require.NoError(t, err)
	_, _, err = m.Insert(ctx, Invalidation{SiteID: 2, Period: PeriodYear, Date1: "2024-01-01", Date2: "2024-12-31", Report: "Visits"})
	require.NoError(t, err)

	inv, err := m.ClaimNext(ctx, Filter{SiteIDs: []int64{2}, Periods: []Period{PeriodYear}}, "proc-a")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, int64(2), inv.SiteID)
	assert.Equal(t, PeriodYear, inv.Period)

	inv, err = m.ClaimNext(ctx, Filter{Reports: []string{"Visits"}}, "proc-a")
	require.NoError(t, err)
	assert.Nil(t, inv)

	inv, err = m.ClaimNext(ctx, Filter{SiteIDs: []int64{1}, Reports: []string{"Goals"}}, "proc-a")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, int64(1), inv.SiteID)
}

func TestMark_SecondTerminalWriteRejected(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()
	seed(t, m, 1, 2)

	done, err := m.ClaimNext(ctx, Filter{}, "proc-a")
	require.NoError(t, err)
	require.NoError(t, m.MarkDone(ctx, done))

	err = m.MarkDone(ctx, done)
	assert.True(t, IsInvalidTransition(err), "got %v", err)
	err = m.MarkError(ctx, done, errors.New("late"))
	assert.True(t, IsInvalidTransition(err), "got %v", err)

	failed, err := m.ClaimNext(ctx, Filter{}, "proc-a")
	require.NoError(t, err)
	require.NoError(t, m.MarkError(ctx, failed, errors.New("boom")))

	got, err := m.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)

	err = m.MarkDone(ctx, failed)
	assert.True(t, IsInvalidTransition(err), "got %v", err)
}

func TestMark_PendingRecordRejected(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()
	ids := seed(t, m, 1, 1)

	pending, err := m.Get(ctx, ids[0])
	require.NoError(t, err)
	err = m.MarkDone(ctx, &pending)
	assert.True(t, IsInvalidTransition(err))
}

func TestMark_OtherProcessRejected(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()
	seed(t, m, 1, 1)

	inv, err := m.ClaimNext(ctx, Filter{}, "proc-a")
	require.NoError(t, err)

	stolen := *inv
	stolen.ProcessID = "proc-b"
	err = m.MarkDone(ctx, &stolen)
	assert.True(t, IsInvalidTransition(err))

	got, err := m.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestGet_NotFound(t *testing.T) {
	m := newTestModel(t)
	_, err := m.Get(context.Background(), 404)
	assert.True(t, IsNotFound(err))
}

func TestCountByStatus(t *testing.T) {
	m := newTestModel(t)
	ctx := context.Background()
	seed(t, m, 7, 3)

	inv, err := m.ClaimNext(ctx, Filter{}, "proc-a")
	require.NoError(t, err)
	require.NoError(t, m.MarkDone(ctx, inv))
	_, err = m.ClaimNext(ctx, Filter{}, "proc-a")
	require.NoError(t, err)

	counts, err := m.CountByStatus(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int64{
		StatusPending:    1,
		StatusInProgress: 1,
		StatusDone:       1,
		StatusError:      0,
	}, counts)

	sites, err := m.Sites(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, sites)
}

// Several processes share one database file; each has its own Store handle.
func TestClaimNext_ExclusiveAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	const (
		workers = 4
		records = 40
	)

	seed(t, NewModel(openStore(t, path)), 1, records)

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		dupes   []int64
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		m := NewModel(openStore(t, path))
		processID := fmt.Sprintf("proc-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for {
				inv, err := m.ClaimNext(ctx, Filter{}, processID)
				if !assert.NoError(t, err) || inv == nil {
					return
				}
				mu.Lock()
				if _, ok := claimed[inv.ID]; ok {
					dupes = append(dupes, inv.ID)
				}
				claimed[inv.ID] = processID
				mu.Unlock()
				assert.NoError(t, m.MarkDone(ctx, inv))
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, dupes)
	assert.Len(t, claimed, records)

	m := NewModel(openStore(t, path))
	n, err := m.CountForSite(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(records), n)

	counts, err := m.CountByStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(records), counts[StatusDone])
}

func TestStoreUnavailable_AfterClose(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	m := NewModel(st)
	require.NoError(t, st.Close())

	_, err = m.ClaimNext(context.Background(), Filter{}, "proc-a")
	assert.True(t, IsStoreUnavailable(err), "got %v", err)

	_, err = m.ListInProgress(context.Background(), 1)
	assert.True(t, IsStoreUnavailable(err), "got %v", err)
}
