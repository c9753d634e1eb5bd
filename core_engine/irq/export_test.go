package irq

// Dispatch runs the trampoline path for irq directly, including lines that
// have no vector or are outside the table.
func (c *Controller) Dispatch(irq Line) { c.dispatch(irq) }
