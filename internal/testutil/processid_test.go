package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessIDs_Sequence(t *testing.T) {
	ids := NewProcessIDs("web-1", 4242)
	assert.Equal(t, "web-1:4242:run-0001", ids.Next())
	assert.Equal(t, "web-1:4242:run-0002", ids.Next())
}

func TestProcessIDs_DefaultHost(t *testing.T) {
	ids := NewProcessIDs("", 1)
	assert.Equal(t, "test-host:1:run-0001", ids.Next())
}

func TestProcessIDs_Unique(t *testing.T) {
	ids := NewProcessIDs("web-1", 1)
	const n = 200

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := ids.Next()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}
