package devices

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PITDevice implements the 8254 Programmable Interval Timer. Only counter 0
// drives an interrupt; counters 1 and 2 are programmable but inert.
type PITDevice struct {
	irqRaiser InterruptRaiser
	lock      sync.Mutex

	counters [3]pitCounterState

	// Which byte (LSB/MSB) is expected next for each counter
	readWriteLatch [3]byte

	pulses uint64
}

type pitCounterState struct {
	value    uint16
	latch    uint16
	latched  bool
	reload   uint16
	mode     byte
	rwMode   byte
	bcdMode  bool
	counting bool
}

// NewPITDevice returns a PIT with counter 0 running the BIOS default of
// mode 3 with a reload of 0 (65536, about 18.2Hz).
func NewPITDevice(irqRaiser InterruptRaiser) *PITDevice {
	p := &PITDevice{irqRaiser: irqRaiser}
	for i := range p.counters {
		p.counters[i].mode = PIT_MODE_SQUARE
		p.counters[i].rwMode = PIT_RW_LOHI
	}
	p.counters[0].counting = true
	return p
}

// HandleIO processes I/O operations for the PIT.
func (p *PITDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if size != 1 || len(data) == 0 {
		return fmt.Errorf("PITDevice: I/O size %d not supported for port 0x%x", size, port)
	}

	switch port {
	case PIT_PORT_COUNTER0, PIT_PORT_COUNTER1, PIT_PORT_COUNTER2:
		index := int(port - PIT_PORT_COUNTER0)
		if direction == IODirectionOut {
			p.writeCounterPort(index, data[0])
		} else {
			data[0] = p.readCounterPort(index)
		}
	case PIT_PORT_COMMAND:
		if direction != IODirectionOut {
			return fmt.Errorf("PITDevice: Read from command port 0x%x not supported", port)
		}
		p.writeCommandPort(data[0])
	default:
		return fmt.Errorf("PITDevice: Unhandled I/O to port 0x%x, direction %d", port, direction)
	}
	return nil
}

func (p *PITDevice) writeCounterPort(index int, val byte) {
	counter := &p.counters[index]
	switch counter.rwMode {
	case PIT_RW_LSB:
		counter.reload = uint16(val)
	case PIT_RW_MSB:
		counter.reload = uint16(val) << 8
	case PIT_RW_LOHI:
		if p.readWriteLatch[index] == 0 {
			counter.reload = (counter.reload & 0xFF00) | uint16(val)
			p.readWriteLatch[index] = 1
			return
		}
		counter.reload = (counter.reload & 0x00FF) | uint16(val)<<8
		p.readWriteLatch[index] = 0
	default:
		return
	}
	counter.value = counter.reload
	counter.counting = true
}

func (p *PITDevice) readCounterPort(index int) byte {
	counter := &p.counters[index]
	v := counter.value
	if counter.latched {
		v = counter.latch
	}
	var out byte
	switch counter.rwMode {
	case PIT_RW_LSB:
		out = byte(v)
		counter.latched = false
	case PIT_RW_MSB:
		out = byte(v >> 8)
		counter.latched = false
	default:
		if p.readWriteLatch[index] == 0 {
			out = byte(v)
			p.readWriteLatch[index] = 1
		} else {
			out = byte(v >> 8)
			p.readWriteLatch[index] = 0
			counter.latched = false
		}
	}
	return out
}

func (p *PITDevice) writeCommandPort(val byte) {
	index := int((val >> 6) & 0x3)
	rwMode := (val >> 4) & 0x3
	opMode := (val >> 1) & 0x7
	if opMode > 5 {
		opMode &= 0x3 // 6 and 7 alias modes 2 and 3
	}

	if index == 0x3 { // Read-back is not supported
		return
	}
	counter := &p.counters[index]
	if rwMode == PIT_RW_LATCH {
		counter.latch = counter.value
		counter.latched = true
		p.readWriteLatch[index] = 0
		return
	}
	counter.rwMode = rwMode
	counter.mode = opMode
	counter.bcdMode = val&0x1 != 0
	counter.counting = false // Counting restarts once the reload is written
	p.readWriteLatch[index] = 0
}

// Frequency returns the IRQ 0 rate in Hz programmed into counter 0, or 0
// when counter 0 is not in a periodic mode.
func (p *PITDevice) Frequency() float64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	c := p.counters[0]
	if !c.counting || (c.mode != PIT_MODE_RATE && c.mode != PIT_MODE_SQUARE) {
		return 0
	}
	return PIT_FREQUENCY / float64(divisor(c.reload))
}

func divisor(reload uint16) uint32 {
	if reload == 0 {
		return 0x10000
	}
	return uint32(reload)
}

// Pulse completes one period of counter 0 and raises IRQ 0 when counter 0
// is in a periodic mode.
func (p *PITDevice) Pulse() {
	p.lock.Lock()
	c := &p.counters[0]
	if !c.counting || (c.mode != PIT_MODE_RATE && c.mode != PIT_MODE_SQUARE) {
		p.lock.Unlock()
		return
	}
	c.value = c.reload
	p.pulses++
	raiser := p.irqRaiser
	p.lock.Unlock()

	if raiser != nil {
		raiser.RaiseIRQ(PIT_IRQ)
	}
}

// Pulses returns how many periods counter 0 has completed.
func (p *PITDevice) Pulses() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.pulses
}

// Run pulses counter 0 at its programmed rate, scaled by speed, until ctx is
// done.
func (p *PITDevice) Run(ctx context.Context, speed float64) error {
	if speed <= 0 {
		speed = 1
	}
	for {
		hz := p.Frequency()
		if hz == 0 {
			hz = PIT_FREQUENCY / 0x10000
		}
		t := time.NewTimer(time.Duration(float64(time.Second) / (hz * speed)))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
			p.Pulse()
		}
	}
}
