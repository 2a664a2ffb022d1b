package invalidation

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an invalidation.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusDone
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Period is the reporting period of an invalidation.
type Period int

const (
	PeriodDay Period = iota + 1
	PeriodWeek
	PeriodMonth
	PeriodYear
	PeriodRange
)

var periodNames = map[Period]string{
	PeriodDay:   "day",
	PeriodWeek:  "week",
	PeriodMonth: "month",
	PeriodYear:  "year",
	PeriodRange: "range",
}

func (p Period) String() string {
	if name, ok := periodNames[p]; ok {
		return name
	}
	return fmt.Sprintf("period(%d)", int(p))
}

// ParsePeriod converts a period name ("day", "week", ...) to a Period.
func ParsePeriod(name string) (Period, error) {
	for p, n := range periodNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown period %q", name)
}

// DateLayout is the layout of Date1 and Date2.
const DateLayout = "2006-01-02"

// Bounds returns the first and last day of the period containing day.
// Weeks start on Monday. A range has no natural bounds, so it is returned
// as the single day.
func (p Period) Bounds(day time.Time) (time.Time, time.Time) {
	d := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodWeek:
		offset := (int(d.Weekday()) + 6) % 7
		start := d.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 6)
	case PeriodMonth:
		start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, -1)
	case PeriodYear:
		return time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, time.UTC),
			time.Date(d.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
	default:
		return d, d
	}
}

// Invalidation is one unit of archiving work.
//
// Identity is (SiteID, Period, Date1, Date2, Report). An empty Report means
// "all reports of the period".
type Invalidation struct {
	ID            int64
	SiteID        int64
	Period        Period
	Date1         string
	Date2         string
	Report        string
	Status        Status
	InvalidatedAt time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	ProcessID     string
	ErrorMessage  string
}

// Range returns the half-open time window [Date1, Date2+1 day) covered by the invalidation.
func (inv Invalidation) Range() (time.Time, time.Time, error) {
	from, err := time.Parse(DateLayout, inv.Date1)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse date1: %w", err)
	}
	to, err := time.Parse(DateLayout, inv.Date2)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse date2: %w", err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("date2 %s before date1 %s", inv.Date2, inv.Date1)
	}
	return from, to.AddDate(0, 0, 1), nil
}

func (inv Invalidation) String() string {
	report := inv.Report
	if report == "" {
		report = "*"
	}
	return fmt.Sprintf("#%d site=%d %s %s..%s %s", inv.ID, inv.SiteID, inv.Period, inv.Date1, inv.Date2, report)
}

// Filter narrows which pending invalidations ClaimNext may pick.
// Empty slices match everything.
type Filter struct {
	SiteIDs []int64
	Periods []Period
	Reports []string
}
