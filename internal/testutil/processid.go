package testutil

import (
	"fmt"
	"sync"
)

// ProcessIDs hands out process ids shaped like real run ids
// (host:pid:suffix) in a fixed sequence, so claims made in tests can be
// compared against golden output.
//
// Thread-safety: Next is safe for concurrent use.
type ProcessIDs struct {
	mu   sync.Mutex
	host string
	pid  int
	seq  int
}

// NewProcessIDs creates a generator for host and pid.
// If host is empty, "test-host" is used.
func NewProcessIDs(host string, pid int) *ProcessIDs {
	if host == "" {
		host = "test-host"
	}
	return &ProcessIDs{host: host, pid: pid}
}

// Next returns the next id: host:pid:run-0001, host:pid:run-0002, ...
func (g *ProcessIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s:%d:run-%04d", g.host, g.pid, g.seq)
}
