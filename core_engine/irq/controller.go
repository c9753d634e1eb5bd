package irq

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"example.com/pmdrvr/core_engine/memory"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

type lineState struct {
	handler     Handler
	vector      VectorHandle
	stack       *memory.Block
	inUse       bool
	eoiSent     bool
	savedMasked bool
	// dispatches of this line currently on the CPU, including ones that
	// were interrupted by a higher priority line
	active  int
	retired []*memory.Block
	stats   LineStats
}

// Controller owns the interrupt line table.
type Controller struct {
	pic     PIC
	vectors Vectors
	alloc   memory.Allocator
	cpu     CPU
	fpu     ExtendedState
	gate    IOGate
	clock   Clock
	idle    func()
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter

	stackSize int
	wait      uint64
	nested    bool

	lines    [NumLines]lineState
	depth    int
	spurious uint64
	// set when registering a secondary line had to open the cascade
	cascadeOpened bool

	// save areas for dispatches that have no dedicated stack
	scratch     [NumLines][ExtendedStateSize]byte
	scratchUsed int
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the diagnostic logger. Dispatch-time output goes through
// the same logger and should be buffered by the IOGate.
func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return func(c *Controller) { c.logger = l }
}

// WithCPU brackets table updates with the interrupt flag and allows
// handlers to run with interrupts enabled.
func WithCPU(cpu CPU) Option {
	return func(c *Controller) { c.cpu = cpu }
}

// WithExtendedState saves extended registers around every dispatch.
func WithExtendedState(fpu ExtendedState) Option {
	return func(c *Controller) { c.fpu = fpu }
}

// WithIOGate marks console I/O unsafe for the duration of every dispatch.
func WithIOGate(g IOGate) Option {
	return func(c *Controller) { c.gate = g }
}

// WithClock sets the tick source for bounded waits. idle runs between
// polls and is where pending interrupts get a chance to be delivered.
func WithClock(clock Clock, idle func()) Option {
	return func(c *Controller) {
		c.clock = clock
		if idle != nil {
			c.idle = idle
		}
	}
}

// WithStackSize sets the dedicated stack size. It is rounded up to hold at
// least one extended state save area.
func WithStackSize(n int) Option {
	return func(c *Controller) { c.stackSize = max(n, ExtendedStateSize) }
}

// WithUnregisterWait sets the bound, in ticks, on UnregisterHandler's wait.
func WithUnregisterWait(ticks uint64) Option {
	return func(c *Controller) { c.wait = ticks }
}

// WithNesting runs handlers with the CPU interrupt flag set, so higher
// priority lines can preempt them. Requires WithCPU.
func WithNesting(enabled bool) Option {
	return func(c *Controller) { c.nested = enabled }
}

// WithDiagnosticRates limits how often dispatch-time diagnostics are logged
// per line. A nil map disables limiting.
func WithDiagnosticRates(rates map[time.Duration]int) Option {
	return func(c *Controller) {
		if rates == nil {
			c.limiter = nil
			return
		}
		c.limiter = catrate.NewLimiter(rates)
	}
}

// New returns a Controller with every line unowned.
func New(pic PIC, vectors Vectors, alloc memory.Allocator, opts ...Option) (*Controller, error) {
	if pic == nil || vectors == nil || alloc == nil {
		return nil, errors.New("irq: pic, vectors and allocator are required")
	}
	c := &Controller{
		pic:       pic,
		vectors:   vectors,
		alloc:     alloc,
		idle:      runtime.Gosched,
		stackSize: DefaultStackSize,
		wait:      DefaultUnregisterWait,
		nested:    true,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 4,
			time.Minute: 32,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = &spinClock{}
	}
	return c, nil
}

// RegisterHandler gives h exclusive ownership of irq. The handler may run
// before RegisterHandler returns.
func (c *Controller) RegisterHandler(irq Line, h Handler) error {
	if !irq.Valid() {
		return &LineError{Op: "register", Line: irq, Err: ErrInvalidLine}
	}
	if h == nil {
		return &LineError{Op: "register", Line: irq, Err: ErrNilHandler}
	}
	ln := &c.lines[irq]
	if ln.inUse {
		return &LineError{Op: "register", Line: irq, Err: ErrAlreadyRegistered}
	}

	stack, err := c.alloc.AllocPinned(c.stackSize)
	if err != nil {
		return &LineError{Op: "register", Line: irq, Err: fmt.Errorf("%w: %w", ErrOutOfMemory, err)}
	}

	flags := c.enterCritical()
	wasMasked := c.pic.Masked(irq)
	c.pic.Mask(irq)
	vh, err := c.vectors.Install(irq, c.trampoline(irq))
	if err != nil {
		if !wasMasked {
			c.pic.Unmask(irq)
		}
		c.leaveCritical(flags)
		if ferr := c.alloc.Free(stack); ferr != nil {
			c.logger.Err().Int("irq", int(irq)).Err(ferr).Log("free dedicated stack")
		}
		return &LineError{Op: "register", Line: irq, Err: fmt.Errorf("%w: %w", ErrHardwareRejected, err)}
	}
	ln.handler = h
	ln.vector = vh
	ln.stack = stack
	ln.savedMasked = wasMasked
	ln.eoiSent = false
	ln.inUse = true
	if irq.Secondary() && c.pic.Masked(CascadeLine) {
		c.cascadeOpened = true
	}
	c.unmask(irq)
	c.logger.Debug().
		Int("irq", int(irq)).
		Int("stack", stack.Len()).
		Bool("was_masked", wasMasked).
		Log("handler registered")
	c.leaveCritical(flags)
	return nil
}

// UnregisterHandler releases irq. It masks the line, waits a bounded number
// of ticks for in-flight dispatches, hands the vector back to its previous
// owner and frees the dedicated stack. Unowned lines are a no-op.
//
// Handlers must not unregister their own line.
func (c *Controller) UnregisterHandler(irq Line) error {
	if !irq.Valid() {
		return &LineError{Op: "unregister", Line: irq, Err: ErrInvalidLine}
	}
	ln := &c.lines[irq]
	if !ln.inUse {
		return nil
	}

	c.pic.Mask(irq)
	if !c.spin(c.wait, func() bool { return ln.active == 0 }) {
		c.logger.Warning().
			Int("irq", int(irq)).
			Int("active", ln.active).
			Uint64("wait_ticks", c.wait).
			Err(ErrStuckHandler).
			Log("unregistering line with dispatch still in flight")
	}

	flags := c.enterCritical()
	defer c.leaveCritical(flags)

	restoreErr := c.vectors.Restore(ln.vector)
	stack := ln.stack
	ln.handler = nil
	ln.vector = VectorHandle{}
	ln.stack = nil
	ln.inUse = false
	if ln.active > 0 {
		// still referenced by the interrupted dispatch, freed when it unwinds
		ln.retired = append(ln.retired, stack)
	} else if err := c.alloc.Free(stack); err != nil {
		c.logger.Err().Int("irq", int(irq)).Err(err).Log("free dedicated stack")
	}

	if irq.Secondary() {
		c.closeCascade()
	}

	if restoreErr != nil {
		err := fmt.Errorf("%w: %w", ErrVectorRestore, restoreErr)
		c.logger.Crit().
			Int("irq", int(irq)).
			Err(err).
			Log("line is misrouted and has been left masked")
		return &LineError{Op: "unregister", Line: irq, Err: err}
	}
	if !ln.savedMasked {
		c.pic.Unmask(irq)
	}
	c.logger.Debug().Int("irq", int(irq)).Log("handler unregistered")
	return nil
}

// EnableLine unmasks irq. Enabling a secondary line also opens the cascade.
func (c *Controller) EnableLine(irq Line) error {
	if !irq.Valid() {
		return &LineError{Op: "enable", Line: irq, Err: ErrInvalidLine}
	}
	c.unmask(irq)
	return nil
}

// DisableLine masks irq.
func (c *Controller) DisableLine(irq Line) error {
	if !irq.Valid() {
		return &LineError{Op: "disable", Line: irq, Err: ErrInvalidLine}
	}
	c.pic.Mask(irq)
	return nil
}

// LineMasked reports the mask state of irq. Invalid lines read as masked.
func (c *Controller) LineMasked(irq Line) bool {
	if !irq.Valid() {
		return true
	}
	return c.pic.Masked(irq)
}

// SendEOI acknowledges irq and reports whether anything was sent. The
// cascade line is never acknowledged on its own; acknowledging a secondary
// line also acknowledges the cascade input. Within one dispatch only the
// first call sends.
func (c *Controller) SendEOI(irq Line) bool {
	if !irq.Valid() || irq == CascadeLine {
		return false
	}
	ln := &c.lines[irq]
	if ln.active > 0 {
		if ln.eoiSent {
			return false
		}
		ln.eoiSent = true
	}
	c.pic.EOI(irq)
	if irq.Secondary() {
		c.pic.EOI(CascadeLine)
	}
	return true
}

// ChainToPrevious calls whoever owned irq before it was registered and
// reports whether there was one.
func (c *Controller) ChainToPrevious(irq Line) bool {
	if !irq.Valid() {
		return false
	}
	ln := &c.lines[irq]
	if !ln.inUse || ln.vector.Previous == nil {
		return false
	}
	ln.vector.Previous()
	return true
}

// Close unregisters every owned line.
func (c *Controller) Close() error {
	var errs []error
	for i := range NumLines {
		if err := c.UnregisterHandler(Line(i)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Registered reports whether irq has a handler.
func (c *Controller) Registered(irq Line) bool {
	return irq.Valid() && c.lines[irq].inUse
}

// NestingDepth is the number of dispatches currently on the CPU.
func (c *Controller) NestingDepth() int { return c.depth }

// Spurious counts dispatches for lines outside the table.
func (c *Controller) Spurious() uint64 { return c.spurious }

// Stats returns a snapshot of irq's counters.
func (c *Controller) Stats(irq Line) LineStats {
	if !irq.Valid() {
		return LineStats{}
	}
	return c.lines[irq].stats
}

func (c *Controller) unmask(irq Line) {
	if irq.Secondary() && c.pic.Masked(CascadeLine) {
		c.pic.Unmask(CascadeLine)
	}
	c.pic.Unmask(irq)
}

// closeCascade masks the cascade again once no secondary line is owned,
// if registration was what opened it.
func (c *Controller) closeCascade() {
	if !c.cascadeOpened {
		return
	}
	for l := SecondaryBase; l < NumLines; l++ {
		if c.lines[l].inUse {
			return
		}
	}
	c.pic.Mask(CascadeLine)
	c.cascadeOpened = false
}

func (c *Controller) enterCritical() bool {
	if c.cpu == nil {
		return false
	}
	return c.cpu.DisableInterrupts()
}

func (c *Controller) leaveCritical(enabled bool) {
	if c.cpu != nil {
		c.cpu.RestoreInterrupts(enabled)
	}
}

// stallPolls bounds a wait whose clock has stopped advancing, which happens
// when the clock line is masked or outranked by the caller's own dispatch.
const stallPolls = 1 << 16

// spin busy-polls until done reports true or ticks have elapsed. A nil
// done waits out the full interval.
func (c *Controller) spin(ticks uint64, done func() bool) bool {
	start := c.clock.Now()
	last, stalled := start, 0
	for {
		now := c.clock.Now()
		if now-start >= ticks {
			break
		}
		if done != nil && done() {
			return true
		}
		if now == last {
			if stalled++; stalled > stallPolls {
				c.logger.Warning().Uint64("tick", now).Log("clock stalled during bounded wait")
				break
			}
		} else {
			last, stalled = now, 0
		}
		c.idle()
	}
	return done != nil && done()
}

// spinClock counts polls as ticks when no real clock is configured.
type spinClock struct{ n uint64 }

func (s *spinClock) Now() uint64 {
	s.n++
	return s.n
}
