// Package platform is the simulated PC the interrupt and timer layers run
// on: one logical CPU with an interrupt flag, a real-mode style vector
// table, and port I/O adapters that drive the 8259A pair and the clock
// chips through the I/O bus.
package platform

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// Acknowledger performs the interrupt acknowledge cycle.
type Acknowledger interface {
	Acknowledge() (line, vector uint8, ok bool)
}

// CPU is a single logical processor. Foreground code runs inside Exec and
// owns the core; device goroutines request delivery through Kick. An
// interrupt is only taken at a delivery point: Exec entry and exit, Poll,
// and re-enabling interrupts. Entering a vector clears the interrupt flag
// and returning from it sets the flag again.
type CPU struct {
	core    sync.Mutex
	intr    Acknowledger
	vectors *VectorTable
	logger  *logiface.Logger[logiface.Event]

	// guarded by core
	iflag bool
	depth int
	peak  int

	pending   atomic.Bool
	delivered atomic.Uint64
}

// NewCPU returns a CPU with interrupts enabled.
func NewCPU(intr Acknowledger, vectors *VectorTable, logger *logiface.Logger[logiface.Event]) *CPU {
	return &CPU{
		intr:    intr,
		vectors: vectors,
		logger:  logger,
		iflag:   true,
	}
}

// Exec runs fn as foreground code.
func (c *CPU) Exec(fn func()) {
	c.core.Lock()
	c.deliver()
	fn()
	c.deliver()
	c.core.Unlock()
	c.drain()
}

// Kick asks the CPU to take any deliverable interrupt. If the core is busy
// the request is noted and served at the holder's next delivery point.
func (c *CPU) Kick() {
	c.pending.Store(true)
	c.drain()
}

func (c *CPU) drain() {
	for c.pending.Load() {
		if !c.core.TryLock() {
			return
		}
		c.deliver()
		c.core.Unlock()
	}
}

// Poll is a delivery point for code spinning inside Exec.
func (c *CPU) Poll() {
	c.deliver()
	runtime.Gosched()
}

// DisableInterrupts clears the interrupt flag and returns its old value.
// The caller must be running on the core.
func (c *CPU) DisableInterrupts() bool {
	prev := c.iflag
	c.iflag = false
	return prev
}

// RestoreInterrupts sets the interrupt flag to enabled, taking pending
// interrupts if it is now set.
func (c *CPU) RestoreInterrupts(enabled bool) {
	c.iflag = enabled
	if enabled {
		c.deliver()
	}
}

func (c *CPU) deliver() {
	c.pending.Store(false)
	for c.iflag {
		_, vector, ok := c.intr.Acknowledge()
		if !ok {
			return
		}
		c.delivered.Add(1)
		c.iflag = false
		c.depth++
		if c.depth > c.peak {
			c.peak = c.depth
			c.logger.Trace().
				Int("depth", c.depth).
				Log("new interrupt nesting peak")
		}
		c.vectors.Call(vector)
		c.depth--
		c.iflag = true
	}
}

// Delivered is how many interrupts the CPU has taken.
func (c *CPU) Delivered() uint64 { return c.delivered.Load() }

// PeakDepth is the deepest interrupt nesting observed.
func (c *CPU) PeakDepth() int {
	c.core.Lock()
	defer c.core.Unlock()
	return c.peak
}
