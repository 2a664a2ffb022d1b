package archiver

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/archiver/internal/invalidation"
)

// Session is the shared state of one archiving run: the stop flag and the
// set of invalidations currently claimed by this process.
//
// Thread-safety: all methods are safe for concurrent use. RequestStop may be
// called from a signal goroutine while the coordinator polls StopRequested.
type Session struct {
	once     sync.Once
	stopped  atomic.Bool
	stopping chan struct{}

	mu         sync.Mutex
	stopReason string
	inFlight   map[int64]invalidation.Invalidation
	onStop     []func(reason string)
}

// NewSession creates a session with no stop requested.
func NewSession() *Session {
	return &Session{
		stopping: make(chan struct{}),
		inFlight: make(map[int64]invalidation.Invalidation),
	}
}

// OnStop registers fn to be called once with the reason of the first stop
// request. If a stop was already requested, fn runs immediately. Hooks run
// on the goroutine that requested the stop, or on the caller of OnStop.
func (s *Session) OnStop(fn func(reason string)) {
	s.mu.Lock()
	if !s.stopped.Load() {
		s.onStop = append(s.onStop, fn)
		s.mu.Unlock()
		return
	}
	reason := s.stopReason
	s.mu.Unlock()
	fn(reason)
}

// RequestStop asks the run to stop claiming and drain.
// Idempotent: only the first call has an effect. Returns true for that call.
func (s *Session) RequestStop(reason string) bool {
	first := false
	s.once.Do(func() {
		first = true
		// stopped flips under mu so OnStop either registers before or
		// sees the stop; no hook is lost or run twice.
		s.mu.Lock()
		s.stopReason = reason
		s.stopped.Store(true)
		hooks := s.onStop
		s.onStop = nil
		s.mu.Unlock()

		close(s.stopping)
		for _, fn := range hooks {
			fn(reason)
		}
	})
	return first
}

// StopRequested reports whether a stop has been requested.
func (s *Session) StopRequested() bool {
	return s.stopped.Load()
}

// Stopping is closed when a stop is requested.
func (s *Session) Stopping() <-chan struct{} {
	return s.stopping
}

// StopReason returns the reason given to the first RequestStop, or "".
func (s *Session) StopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

func (s *Session) track(inv invalidation.Invalidation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[inv.ID] = inv
}

func (s *Session) untrack(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// InFlight returns the ids claimed by this run that have not reached a
// terminal status yet, in ascending order.
func (s *Session) InFlight() []int64 {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// InFlightCount returns the number of in-flight invalidations.
func (s *Session) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}
