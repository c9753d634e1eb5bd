package irq

import "example.com/pmdrvr/core_engine/memory"

// trampoline is the vector table entry for a registered line. It never
// captures per-registration state, so a stale entry left behind by a failed
// restore still lands in a safe dispatch.
func (c *Controller) trampoline(irq Line) Entry {
	return func() { c.dispatch(irq) }
}

// dispatch services one hardware interrupt for irq.
func (c *Controller) dispatch(irq Line) {
	if !irq.Valid() {
		c.dispatchSpurious(irq)
		return
	}
	ln := &c.lines[irq]
	ln.active++
	defer c.unwind(irq)

	var area []byte
	if ln.inUse {
		area = stackFrame(ln.stack, ln.active-1)
	} else {
		area = c.borrowScratch()
		defer c.returnScratch(area)
	}
	guard := c.saveExtended(area)
	defer guard.release()

	c.enterUnsafe()
	defer c.leaveUnsafe()
	c.depth++
	defer func() { c.depth-- }()

	ln.stats.Dispatches++
	outerSent := ln.eoiSent
	ln.eoiSent = false

	switch {
	case !ln.inUse:
		ln.stats.Unowned++
		if c.allow("unowned", irq) {
			c.logger.Warning().
				Int("irq", int(irq)).
				Uint64("count", ln.stats.Unowned).
				Log("interrupt on unowned line")
		}
	case area == nil:
		ln.stats.Overflows++
		if c.allow("overflow", irq) {
			c.logger.Err().
				Int("irq", int(irq)).
				Int("active", ln.active).
				Int("stack", ln.stack.Len()).
				Log("dedicated stack exhausted, handler skipped")
		}
	default:
		c.invoke(ln.handler, irq)
	}

	if !ln.eoiSent && c.SendEOI(irq) {
		ln.stats.AutoEOIs++
	}
	ln.eoiSent = outerSent
}

// dispatchSpurious handles an entry for a line outside the table. The
// interrupt still came from the primary controller, so it gets a
// non-specific acknowledgment there.
func (c *Controller) dispatchSpurious(irq Line) {
	area := c.borrowScratch()
	defer c.returnScratch(area)
	guard := c.saveExtended(area)
	defer guard.release()

	c.enterUnsafe()
	defer c.leaveUnsafe()
	c.depth++
	defer func() { c.depth-- }()

	c.spurious++
	if c.allow("spurious", irq) {
		c.logger.Err().
			Int("irq", int(irq)).
			Int("depth", c.depth).
			Uint64("count", c.spurious).
			Log("spurious vector: line out of range, sending generic EOI to primary")
	}
	c.pic.GenericEOI()
}

func (c *Controller) invoke(h Handler, irq Line) {
	if c.nested && c.cpu != nil {
		c.cpu.RestoreInterrupts(true)
		defer c.cpu.DisableInterrupts()
	}
	h(irq)
}

// unwind runs last on every dispatch exit path, after the save area has
// been restored.
func (c *Controller) unwind(irq Line) {
	ln := &c.lines[irq]
	ln.active--
	if ln.active > 0 || len(ln.retired) == 0 {
		return
	}
	for _, b := range ln.retired {
		if err := c.alloc.Free(b); err != nil {
			c.logger.Err().Int("irq", int(irq)).Err(err).Log("free retired stack")
		}
	}
	ln.retired = nil
}

// stackFrame returns the save area for nesting level n, carved downward
// from the top of the dedicated stack, or nil when the stack is full.
func stackFrame(stack *memory.Block, n int) []byte {
	buf := stack.Bytes()
	top := len(buf) - n*ExtendedStateSize
	if top < ExtendedStateSize {
		return nil
	}
	return buf[top-ExtendedStateSize : top : top]
}

func (c *Controller) borrowScratch() []byte {
	if c.scratchUsed >= len(c.scratch) {
		return nil
	}
	area := c.scratch[c.scratchUsed][:]
	c.scratchUsed++
	return area
}

func (c *Controller) returnScratch(area []byte) {
	if area != nil {
		c.scratchUsed--
	}
}

func (c *Controller) enterUnsafe() {
	if c.gate != nil {
		c.gate.EnterUnsafe()
	}
}

func (c *Controller) leaveUnsafe() {
	if c.gate != nil {
		c.gate.LeaveUnsafe()
	}
}

// extendedGuard holds the interrupted context's extended registers until
// release.
type extendedGuard struct {
	fpu  ExtendedState
	area []byte
}

func (c *Controller) saveExtended(area []byte) extendedGuard {
	if c.fpu == nil || area == nil {
		return extendedGuard{}
	}
	c.fpu.Save(area)
	return extendedGuard{fpu: c.fpu, area: area}
}

func (g extendedGuard) release() {
	if g.fpu != nil {
		g.fpu.Restore(g.area)
	}
}

type diagKey struct {
	kind string
	irq  Line
}

func (c *Controller) allow(kind string, irq Line) bool {
	if c.limiter == nil {
		return true
	}
	_, ok := c.limiter.Allow(diagKey{kind: kind, irq: irq})
	return ok
}
