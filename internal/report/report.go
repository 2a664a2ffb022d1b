package report

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/archiver/internal/invalidation"
	"github.com/roach88/archiver/internal/store"
)

// Computer computes and persists the report for one invalidation.
// Implementations must be safe for concurrent use.
type Computer interface {
	Compute(ctx context.Context, inv invalidation.Invalidation) error
}

// ComputerFunc adapts a function to Computer.
type ComputerFunc func(ctx context.Context, inv invalidation.Invalidation) error

// Compute calls f.
func (f ComputerFunc) Compute(ctx context.Context, inv invalidation.Invalidation) error {
	return f(ctx, inv)
}

// AllEvents is the stored report name of an invalidation with an empty report.
const AllEvents = "nb_events"

// EventCounter counts log_events per site and date window.
type EventCounter struct {
	store *store.Store
	now   func() time.Time
}

// NewEventCounter creates an EventCounter writing to st.
func NewEventCounter(st *store.Store) *EventCounter {
	return &EventCounter{store: st, now: time.Now}
}

// Compute counts the events matching inv and upserts the result.
// An invalidation with an empty report counts every event of the window.
func (c *EventCounter) Compute(ctx context.Context, inv invalidation.Invalidation) error {
	from, to, err := inv.Range()
	if err != nil {
		return fmt.Errorf("compute %s: %w", inv, err)
	}

	count, err := store.WithRetry(ctx, func() (int64, error) {
		return c.store.CountEvents(ctx, inv.SiteID, from, to, inv.Report)
	})
	if err != nil {
		return fmt.Errorf("compute %s: %w", inv, err)
	}

	name := inv.Report
	if name == "" {
		name = AllEvents
	}
	_, err = store.WithRetry(ctx, func() (struct{}, error) {
		return struct{}{}, c.store.UpsertReport(ctx, store.Report{
			SiteID:     inv.SiteID,
			Period:     int(inv.Period),
			Date1:      inv.Date1,
			Date2:      inv.Date2,
			Name:       name,
			Value:      count,
			ArchivedAt: c.now(),
		})
	})
	if err != nil {
		return fmt.Errorf("compute %s: %w", inv, err)
	}
	return nil
}
