package logging

import (
	"io"
	"sync"
	"sync/atomic"
)

// DefaultBacklog is the number of records a Gate holds while I/O is unsafe.
const DefaultBacklog = 256

// Gate is an io.Writer that holds records back while any interrupt
// dispatch is in progress and writes them out from foreground context.
// Every Write is treated as one record.
type Gate struct {
	mu      sync.Mutex
	w       io.Writer
	depth   atomic.Int32
	backlog [][]byte
	limit   int
	dropped uint64
	// drops not yet handed out by TakeDropped
	unreported uint64
}

// NewGate wraps w. A non-positive limit uses DefaultBacklog.
func NewGate(w io.Writer, limit int) *Gate {
	if limit <= 0 {
		limit = DefaultBacklog
	}
	return &Gate{w: w, limit: limit}
}

// EnterUnsafe marks the start of a region where w must not be called.
func (g *Gate) EnterUnsafe() { g.depth.Add(1) }

// LeaveUnsafe ends the innermost unsafe region.
func (g *Gate) LeaveUnsafe() { g.depth.Add(-1) }

// Unsafe reports whether writes are currently being held back.
func (g *Gate) Unsafe() bool { return g.depth.Load() > 0 }

func (g *Gate) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.depth.Load() > 0 {
		g.hold(p)
		return len(p), nil
	}
	if err := g.flush(); err != nil {
		return 0, err
	}
	return g.w.Write(p)
}

// Flush writes out held records, if I/O is currently safe.
func (g *Gate) Flush() error {
	if g.Unsafe() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flush()
}

// Held is the number of records waiting to be written.
func (g *Gate) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.backlog)
}

// Dropped is the total number of records discarded because the backlog was
// full.
func (g *Gate) Dropped() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped
}

func (g *Gate) hold(p []byte) {
	if len(g.backlog) >= g.limit {
		copy(g.backlog, g.backlog[1:])
		g.backlog = g.backlog[:len(g.backlog)-1]
		g.dropped++
		g.unreported++
	}
	g.backlog = append(g.backlog, append([]byte(nil), p...))
}

func (g *Gate) flush() error {
	for len(g.backlog) > 0 {
		if _, err := g.w.Write(g.backlog[0]); err != nil {
			return err
		}
		g.backlog[0] = nil
		g.backlog = g.backlog[1:]
	}
	g.backlog = nil
	return nil
}

// TakeDropped returns the number of records dropped since the last call.
func (g *Gate) TakeDropped() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.unreported
	g.unreported = 0
	return n
}
