package archiver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/archiver/internal/invalidation"
	"github.com/roach88/archiver/internal/log"
	"github.com/roach88/archiver/internal/report"
	"github.com/roach88/archiver/internal/store"
	"github.com/roach88/archiver/internal/telemetry"
)

// State is the coordinator's position in its run loop.
type State int32

const (
	StateStarting State = iota
	StatePolling
	StateDispatching
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DefaultHeartbeatInterval is how often a run refreshes its archive_runs row.
const DefaultHeartbeatInterval = 10 * time.Second

// Options configures a Coordinator.
type Options struct {
	// Filter restricts which invalidations are claimed.
	Filter invalidation.Filter

	// Concurrency is the maximum number of runners in flight. Values below 1 mean 1.
	Concurrency int

	// MaxInvalidations stops claiming after this many claims. 0 means no limit.
	MaxInvalidations int

	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// Summary describes a finished run.
type Summary struct {
	RunID           string
	Claimed         int
	Done            int
	Errored         int
	StoppedBySignal bool
	StopReason      string
}

// Coordinator owns one archiving run: it claims invalidations, dispatches
// them to runners, and drains on stop.
//
// State machine:
//
//	Starting -> Polling -> Dispatching -> Polling ...
//	Polling -> Draining   (stop requested, store failure, or claim limit)
//	Polling -> Stopped    (nothing claimable and nothing in flight)
//	Draining -> Stopped   (in-flight set empty)
//
// CRITICAL: Run must be called at most once per Coordinator.
type Coordinator struct {
	store   *store.Store
	model   *invalidation.Model
	runner  *Runner
	session *Session
	gate    *Gate
	metrics *telemetry.ArchiverMetrics
	opts    Options

	runID string
	state atomic.Int32
	// wake coalesces runner completions (buffered, size 1)
	wake chan struct{}

	mu      sync.Mutex
	failure error
}

// Option configures optional Coordinator collaborators.
type Option func(*Coordinator)

// WithGate installs a test gate.
func WithGate(g *Gate) Option {
	return func(c *Coordinator) {
		c.gate = g
	}
}

// WithMetrics records coordinator metrics.
func WithMetrics(m *telemetry.ArchiverMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(c *Coordinator) {
		c.runID = id
	}
}

// NewCoordinator creates a coordinator for one run over st.
func NewCoordinator(st *store.Store, computer report.Computer, session *Session, opts Options, options ...Option) *Coordinator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}

	c := &Coordinator{
		store:   st,
		model:   invalidation.NewModel(st),
		session: session,
		opts:    opts,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.runID == "" {
		c.runID = NewRunID()
	}
	c.runner = NewRunner(c.model, computer, c.gate, c.metrics)
	return c
}

// NewRunID returns a process id of the form host:pid:uuid.
// It is written to the process_id of every invalidation the run claims.
func NewRunID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), id)
}

// RunID returns the id claims are recorded under.
func (c *Coordinator) RunID() string {
	return c.runID
}

// State returns the current state. Safe to call from any goroutine.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		slog.Debug("coordinator state", "from", prev.String(), "to", s.String(), "run_id", c.runID)
	}
}

// Run executes the archiving loop until no claimable work is left or a stop
// is requested, then waits for every in-flight runner.
//
// Cancelling ctx is a stop request; it does not abort runners.
// A clean finish and a drained stop both return a nil error. A store failure
// while claiming or finishing is returned after the drain, wrapped as
// StoreUnavailable; the caller must exit non-zero.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	c.setState(StateStarting)
	defer c.setState(StateStopped)

	stopOnCancel := context.AfterFunc(ctx, func() {
		c.session.RequestStop("context canceled")
	})
	defer stopOnCancel()

	work := log.ContextAttrs(context.WithoutCancel(ctx), slog.String("run_id", c.runID))
	summary := Summary{RunID: c.runID}

	if err := c.register(work); err != nil {
		return summary, err
	}
	slog.InfoContext(work, "archiving run started",
		"concurrency", c.opts.Concurrency,
		"max_invalidations", c.opts.MaxInvalidations,
		"test_gate", c.gate.Enabled(),
	)

	hbCtx, stopHeartbeat := context.WithCancel(work)
	hbDone := make(chan struct{})
	go c.heartbeat(hbCtx, hbDone)

	runErr := c.loop(work, &summary)

	stopHeartbeat()
	<-hbDone

	summary.StoppedBySignal = c.session.StopRequested()
	summary.StopReason = c.session.StopReason()

	status := store.RunStatusCompleted
	switch {
	case runErr != nil:
		status = store.RunStatusFailed
	case summary.StoppedBySignal:
		status = store.RunStatusStopped
	}
	if _, err := store.WithRetry(work, func() (struct{}, error) {
		return struct{}{}, c.store.FinishRun(work, c.runID, status, time.Now())
	}); err != nil {
		slog.ErrorContext(work, "failed to record run status", "status", status, "error", err)
	}

	slog.InfoContext(work, "archiving run finished",
		"status", status,
		"claimed", summary.Claimed,
		"done", summary.Done,
		"errored", summary.Errored,
		"stop_reason", summary.StopReason,
	)
	return summary, runErr
}

func (c *Coordinator) register(ctx context.Context) error {
	host, _ := os.Hostname()
	now := time.Now()
	_, err := store.WithRetry(ctx, func() (struct{}, error) {
		return struct{}{}, c.store.RegisterRun(ctx, store.Run{
			ID:        c.runID,
			Host:      host,
			PID:       os.Getpid(),
			StartedAt: now,
		})
	})
	if err != nil {
		return invalidation.NewStoreUnavailable("register run", err)
	}
	return nil
}

func (c *Coordinator) heartbeat(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := store.WithRetry(ctx, func() (struct{}, error) {
				return struct{}{}, c.store.HeartbeatRun(ctx, c.runID, time.Now())
			})
			if err != nil && ctx.Err() == nil {
				slog.WarnContext(ctx, "heartbeat failed", "error", err)
			}
		}
	}
}

// loop is the Polling/Dispatching/Draining part of the state machine.
// ctx is never cancelled; stop requests arrive through the session.
func (c *Coordinator) loop(ctx context.Context, summary *Summary) error {
	if err := c.gate.Wait(ctx, c.session, OptionTestStart); err != nil {
		return err
	}

	var (
		g        errgroup.Group
		countsMu sync.Mutex
		claimErr error
	)
	g.SetLimit(c.opts.Concurrency)

	for {
		c.setState(StatePolling)

		if c.session.StopRequested() {
			slog.InfoContext(ctx, "stop requested, draining", "in_flight", c.session.InFlightCount())
			break
		}
		if err := c.failed(); err != nil {
			break
		}
		if c.opts.MaxInvalidations > 0 && summary.Claimed >= c.opts.MaxInvalidations {
			slog.InfoContext(ctx, "claim limit reached", "limit", c.opts.MaxInvalidations)
			break
		}
		if c.session.InFlightCount() >= c.opts.Concurrency {
			c.waitForRunner()
			continue
		}

		inv, err := c.model.ClaimNext(ctx, c.opts.Filter, c.runID)
		if err != nil {
			slog.ErrorContext(ctx, "claim failed, stopping", "error", err)
			claimErr = err
			break
		}
		if inv == nil {
			if c.session.InFlightCount() == 0 {
				slog.InfoContext(ctx, "no claimable invalidations left")
				break
			}
			c.waitForRunner()
			continue
		}

		c.setState(StateDispatching)
		summary.Claimed++
		c.session.track(*inv)
		c.metrics.RecordClaim(ctx, inv.SiteID, inv.Period.String())
		slog.DebugContext(ctx, "claimed", "invalidation", inv.String())

		g.Go(func() error {
			defer c.notify()
			defer c.session.untrack(inv.ID)

			err := c.runner.Run(ctx, c.session, inv)

			countsMu.Lock()
			switch inv.Status {
			case invalidation.StatusDone:
				summary.Done++
			case invalidation.StatusError:
				summary.Errored++
			}
			countsMu.Unlock()

			if err != nil {
				c.fail(err)
				return err
			}
			return nil
		})
	}

	c.setState(StateDraining)
	runnerErr := g.Wait()

	switch {
	case claimErr != nil:
		return fmt.Errorf("archiving run %s: %w", c.runID, claimErr)
	case runnerErr != nil:
		return fmt.Errorf("archiving run %s: %w", c.runID, runnerErr)
	}
	return nil
}

// waitForRunner blocks until a runner finishes or a stop is requested.
func (c *Coordinator) waitForRunner() {
	select {
	case <-c.wake:
	case <-c.session.Stopping():
	}
}

func (c *Coordinator) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		c.failure = err
	}
}

func (c *Coordinator) failed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}
