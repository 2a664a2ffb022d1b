package archiver

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/archiver/internal/invalidation"
)

func TestSession_RequestStopIsIdempotent(t *testing.T) {
	s := NewSession()

	var calls []string
	s.OnStop(func(reason string) { calls = append(calls, reason) })

	assert.False(t, s.StopRequested())
	assert.True(t, s.RequestStop("signal terminated"))
	assert.False(t, s.RequestStop("signal terminated"))
	assert.False(t, s.RequestStop("context canceled"))

	assert.True(t, s.StopRequested())
	assert.Equal(t, "signal terminated", s.StopReason())
	assert.Equal(t, []string{"signal terminated"}, calls)

	select {
	case <-s.Stopping():
	default:
		t.Fatal("Stopping() not closed after RequestStop")
	}
}

func TestSession_ConcurrentStop(t *testing.T) {
	s := NewSession()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.RequestStop("race") {
				mu.Lock()
				first++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, first)
	assert.True(t, s.StopRequested())
}

func TestSession_InFlight(t *testing.T) {
	s := NewSession()
	s.track(invalidation.Invalidation{ID: 9})
	s.track(invalidation.Invalidation{ID: 3})
	s.track(invalidation.Invalidation{ID: 5})

	assert.Equal(t, []int64{3, 5, 9}, s.InFlight())
	assert.Equal(t, 3, s.InFlightCount())

	s.untrack(5)
	s.untrack(42)
	assert.Equal(t, []int64{3, 9}, s.InFlight())
}

func TestSession_OnStopAfterStopRunsImmediately(t *testing.T) {
	s := NewSession()
	s.RequestStop("signal interrupt")

	var got string
	s.OnStop(func(reason string) { got = reason })
	assert.Equal(t, "signal interrupt", got)
}

func TestSession_OnStopRacesRequestStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := NewSession()

		var (
			mu    sync.Mutex
			calls = make(map[string]int)
			wg    sync.WaitGroup
		)
		hook := func(name string) func(string) {
			return func(reason string) {
				mu.Lock()
				defer mu.Unlock()
				calls[name+":"+reason]++
			}
		}

		wg.Add(3)
		go func() {
			defer wg.Done()
			s.OnStop(hook("metrics"))
		}()
		go func() {
			defer wg.Done()
			s.RequestStop("signal terminated")
		}()
		go func() {
			defer wg.Done()
			s.OnStop(hook("cancel"))
		}()
		wg.Wait()

		// every hook runs exactly once, whichever side won
		assert.Equal(t, map[string]int{
			"metrics:signal terminated": 1,
			"cancel:signal terminated":  1,
		}, calls)
	}
}
