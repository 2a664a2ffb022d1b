package archiver

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/roach88/archiver/internal/invalidation"
	"github.com/roach88/archiver/internal/store"
)

// EnvTestProcessSignal enables the test gate when set to a true boolean.
const EnvTestProcessSignal = "ARCHIVER_TEST_PROCESS_SIGNAL"

// Options polled by an enabled gate.
const (
	// OptionTestStart holds the coordinator before its first claim.
	OptionTestStart = "ProcessSignalTest.start"

	// OptionTestArchive holds every runner after its claim, before computing.
	OptionTestArchive = "ProcessSignalTest.archive"
)

const defaultGatePoll = 50 * time.Millisecond

// Gate lets an external test hold a run at fixed points until it sets an
// option in the store. A disabled gate never waits; production runs never
// enable it.
type Gate struct {
	enabled bool
	store   *store.Store
	poll    time.Duration
}

// NewGate creates a gate reading options from st.
func NewGate(st *store.Store, enabled bool) *Gate {
	return &Gate{enabled: enabled, store: st, poll: defaultGatePoll}
}

// GateFromEnv creates a gate enabled by $ARCHIVER_TEST_PROCESS_SIGNAL.
func GateFromEnv(st *store.Store) *Gate {
	enabled, _ := strconv.ParseBool(os.Getenv(EnvTestProcessSignal))
	return NewGate(st, enabled)
}

// Enabled reports whether Wait can block.
func (g *Gate) Enabled() bool {
	return g != nil && g.enabled
}

// Wait blocks until option is set to a true value or a stop is requested on
// s. It returns immediately when the gate is disabled. A store failure while
// polling is returned as StoreUnavailable.
func (g *Gate) Wait(ctx context.Context, s *Session, option string) error {
	if !g.Enabled() {
		return nil
	}

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	logged := false
	for {
		if s.StopRequested() {
			return nil
		}

		value, ok, err := g.store.GetOption(ctx, option)
		if err != nil {
			return invalidation.NewStoreUnavailable("read test gate option", err)
		}
		if ok {
			if released, _ := strconv.ParseBool(value); released {
				return nil
			}
		}
		if !logged {
			slog.DebugContext(ctx, "test gate waiting", "option", option)
			logged = true
		}

		select {
		case <-ticker.C:
		case <-s.Stopping():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
