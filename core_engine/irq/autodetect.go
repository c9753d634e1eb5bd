package irq

import (
	"errors"
)

// AutodetectResult lists the lines listened on and the lines that fired.
type AutodetectResult struct {
	Tried []Line
	Fired []Line
}

// Line returns the detected line when exactly one line fired.
func (r AutodetectResult) Line() (Line, bool) {
	if len(r.Fired) != 1 {
		return -1, false
	}
	return r.Fired[0], true
}

// Ambiguous reports whether more than one line fired.
func (r AutodetectResult) Ambiguous() bool { return len(r.Fired) > 1 }

// Autodetect finds which of candidates a device is wired to. A catch
// handler is registered on every unowned candidate, trigger is called to
// make the device interrupt, and the controller waits settle ticks before
// removing them. Each catch handler masks its own line the first time it
// fires.
//
// The cascade line and lines that already have an owner are skipped. If no
// candidate could be listened on the error is ErrNoCandidates.
func (c *Controller) Autodetect(candidates []Line, settle uint64, trigger func()) (AutodetectResult, error) {
	var (
		res   AutodetectResult
		tried uint16
		fired uint16
	)
	catch := func(irq Line) {
		fired |= 1 << irq
		c.pic.Mask(irq)
	}
	for _, irq := range candidates {
		if !irq.Valid() || irq == CascadeLine || tried&(1<<irq) != 0 || c.lines[irq].inUse {
			continue
		}
		if err := c.RegisterHandler(irq, catch); err != nil {
			c.logger.Debug().Int("irq", int(irq)).Err(err).Log("autodetect handler not installed")
			continue
		}
		tried |= 1 << irq
		res.Tried = append(res.Tried, irq)
	}
	if len(res.Tried) == 0 {
		return res, ErrNoCandidates
	}

	if trigger != nil {
		trigger()
	}
	c.spin(settle, nil)

	var errs []error
	for _, irq := range res.Tried {
		if err := c.UnregisterHandler(irq); err != nil {
			errs = append(errs, err)
		}
		if fired&(1<<irq) != 0 {
			res.Fired = append(res.Fired, irq)
		}
	}

	b := c.logger.Info().Int("tried", len(res.Tried)).Int("fired", len(res.Fired))
	if irq, ok := res.Line(); ok {
		b = b.Int("irq", int(irq))
	}
	b.Log("autodetect finished")
	return res, errors.Join(errs...)
}
