package platform

import (
	"errors"
	"fmt"
	"math/bits"

	"example.com/pmdrvr/core_engine/devices"
	"example.com/pmdrvr/core_engine/irq"
)

// ErrRate is returned by clock sources for rates the chip cannot generate.
var ErrRate = errors.New("platform: rate not supported by clock chip")

// RTCClock drives the periodic interrupt of the CMOS clock on line 8.
type RTCClock struct {
	io PortIO
}

func NewRTCClock(io PortIO) *RTCClock { return &RTCClock{io: io} }

func (r *RTCClock) Line() irq.Line { return irq.Line(devices.RTC_IRQ) }

// SetRate programs register A. The RTC divides 32768Hz by powers of two,
// so hz must be a power of two between 2 and 8192.
func (r *RTCClock) SetRate(hz int) error {
	if hz < 2 || hz > 8192 || hz&(hz-1) != 0 {
		return fmt.Errorf("%w: rtc %dHz", ErrRate, hz)
	}
	// rate = 32768 >> (rs-1)
	rs := byte(bits.TrailingZeros(uint(devices.RTC_BASE_FREQUENCY/hz))) + 1
	a, err := r.read(devices.RTC_REG_A)
	if err != nil {
		return err
	}
	return r.write(devices.RTC_REG_A, a&^devices.RTC_A_RS_MASK|rs)
}

func (r *RTCClock) Start() error {
	b, err := r.read(devices.RTC_REG_B)
	if err != nil {
		return err
	}
	if err := r.write(devices.RTC_REG_B, b|devices.RTC_B_PIE); err != nil {
		return err
	}
	_, err = r.read(devices.RTC_REG_C)
	return err
}

func (r *RTCClock) Stop() error {
	b, err := r.read(devices.RTC_REG_B)
	if err != nil {
		return err
	}
	if err := r.write(devices.RTC_REG_B, b&^devices.RTC_B_PIE); err != nil {
		return err
	}
	_, err = r.read(devices.RTC_REG_C)
	return err
}

// Acknowledge reads register C, without which the RTC raises no further
// interrupts.
func (r *RTCClock) Acknowledge() { _, _ = r.read(devices.RTC_REG_C) }

func (r *RTCClock) read(reg byte) (byte, error) {
	if err := r.io.Out(devices.RTC_PORT_INDEX, reg); err != nil {
		return 0, err
	}
	return r.io.In(devices.RTC_PORT_DATA)
}

func (r *RTCClock) write(reg, val byte) error {
	if err := r.io.Out(devices.RTC_PORT_INDEX, reg); err != nil {
		return err
	}
	return r.io.Out(devices.RTC_PORT_DATA, val)
}

// PITClock drives counter 0 of the 8254 on line 0. Stop hands the counter
// back at the BIOS rate.
type PITClock struct {
	io      PortIO
	divisor uint32
}

func NewPITClock(io PortIO) *PITClock { return &PITClock{io: io, divisor: 0x10000} }

func (p *PITClock) Line() irq.Line { return irq.Line(devices.PIT_IRQ) }

// SetRate picks the divisor closest to hz. It takes effect on Start.
func (p *PITClock) SetRate(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("%w: pit %dHz", ErrRate, hz)
	}
	d := (devices.PIT_FREQUENCY + hz/2) / hz
	if d < 2 || d > 0x10000 {
		return fmt.Errorf("%w: pit %dHz", ErrRate, hz)
	}
	p.divisor = uint32(d)
	return nil
}

func (p *PITClock) Start() error {
	return p.program(devices.PIT_MODE_RATE, p.divisor)
}

func (p *PITClock) Stop() error {
	return p.program(devices.PIT_MODE_SQUARE, 0x10000)
}

// Acknowledge is a no-op: the PIT has no interrupt latch.
func (p *PITClock) Acknowledge() {}

func (p *PITClock) program(mode byte, divisor uint32) error {
	// counter 0, LSB then MSB, binary
	if err := p.io.Out(devices.PIT_PORT_COMMAND, devices.PIT_RW_LOHI<<4|mode<<1); err != nil {
		return err
	}
	if err := p.io.Out(devices.PIT_PORT_COUNTER0, byte(divisor)); err != nil {
		return err
	}
	return p.io.Out(devices.PIT_PORT_COUNTER0, byte(divisor>>8))
}
