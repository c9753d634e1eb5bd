package devices

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RTCDevice implements the MC146818 Real-Time Clock and its CMOS registers.
// The periodic interrupt is the only interrupt source modelled.
type RTCDevice struct {
	irqRaiser InterruptRaiser
	irqLine   uint8
	lock      sync.Mutex

	registers [128]byte

	// Index register (0x70) selects which data register (0x71) to access
	currentRegisterIndex byte

	bcdMode    bool
	hour24Mode bool

	pulses uint64
	missed uint64

	now func() time.Time
}

// NewRTCDevice creates an RTC wired to RTC_IRQ of irqRaiser.
func NewRTCDevice(irqRaiser InterruptRaiser) *RTCDevice {
	r := &RTCDevice{
		irqRaiser: irqRaiser,
		irqLine:   RTC_IRQ,
		now:       time.Now,
	}
	r.registers[RTC_REG_A] = 0x26 // 32.768kHz divider, 1024Hz periodic rate
	r.registers[RTC_REG_B] = RTC_B_2412
	r.registers[RTC_REG_D] = RTC_D_VRT
	r.updateConfigFlags()
	return r
}

// HandleIO processes I/O operations for the RTC.
func (r *RTCDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if size != 1 || len(data) == 0 {
		return fmt.Errorf("RTCDevice: I/O size %d not supported for port 0x%x", size, port)
	}

	switch port {
	case RTC_PORT_INDEX:
		if direction == IODirectionOut {
			// Bit 7 gates NMI, which is not emulated.
			r.currentRegisterIndex = data[0] & 0x7F
		} else {
			data[0] = r.currentRegisterIndex
		}
	case RTC_PORT_DATA:
		if direction == IODirectionOut {
			r.writeDataRegister(data[0])
		} else {
			data[0] = r.readDataRegister()
		}
	default:
		return fmt.Errorf("RTCDevice: Unhandled I/O to port 0x%x, direction %d", port, direction)
	}
	return nil
}

func (r *RTCDevice) writeDataRegister(val byte) {
	switch r.currentRegisterIndex {
	case RTC_REG_A:
		r.registers[RTC_REG_A] = val &^ RTC_A_UIP
	case RTC_REG_B:
		r.registers[RTC_REG_B] = val
		r.updateConfigFlags()
	case RTC_REG_C, RTC_REG_D:
		// read-only
	default:
		r.registers[r.currentRegisterIndex] = val
	}
}

func (r *RTCDevice) readDataRegister() byte {
	now := r.now()

	switch r.currentRegisterIndex {
	case RTC_REG_SECONDS:
		return r.convertTimeValue(now.Second())
	case RTC_REG_MINUTES:
		return r.convertTimeValue(now.Minute())
	case RTC_REG_HOURS:
		hour := now.Hour()
		if !r.hour24Mode {
			isPM := hour >= 12
			if hour >= 12 {
				hour -= 12
			}
			if hour == 0 {
				hour = 12
			}
			val := r.convertTimeValue(hour)
			if isPM {
				return val | 0x80
			}
			return val
		}
		return r.convertTimeValue(hour)
	case RTC_REG_DAY_OF_WEEK:
		return r.convertTimeValue(int(now.Weekday()) + 1)
	case RTC_REG_DAY_OF_MONTH:
		return r.convertTimeValue(now.Day())
	case RTC_REG_MONTH:
		return r.convertTimeValue(int(now.Month()))
	case RTC_REG_YEAR:
		return r.convertTimeValue(now.Year() % 100)
	case RTC_REG_A:
		return r.registers[RTC_REG_A] &^ RTC_A_UIP
	case RTC_REG_C:
		// Reading C acknowledges the interrupt and re-arms the next one.
		val := r.registers[RTC_REG_C]
		r.registers[RTC_REG_C] = 0x00
		return val
	case RTC_REG_D:
		return r.registers[RTC_REG_D] | RTC_D_VRT
	default:
		return r.registers[r.currentRegisterIndex]
	}
}

func (r *RTCDevice) convertTimeValue(val int) byte {
	if r.bcdMode {
		return byte(((val / 10) << 4) | (val % 10))
	}
	return byte(val)
}

func (r *RTCDevice) updateConfigFlags() {
	r.bcdMode = r.registers[RTC_REG_B]&RTC_B_DM == 0
	r.hour24Mode = r.registers[RTC_REG_B]&RTC_B_2412 != 0
}

// PeriodicRate returns the periodic interrupt frequency selected in
// register A, or 0 when the rate selector is off.
func (r *RTCDevice) PeriodicRate() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return periodicRate(r.registers[RTC_REG_A] & RTC_A_RS_MASK)
}

func periodicRate(rs byte) int {
	switch {
	case rs == 0:
		return 0
	case rs <= 2: // 1 and 2 alias 256Hz and 128Hz
		return RTC_BASE_FREQUENCY >> (rs + 6)
	default:
		return RTC_BASE_FREQUENCY >> (rs - 1)
	}
}

// PeriodicEnabled reports whether PIE is set.
func (r *RTCDevice) PeriodicEnabled() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.registers[RTC_REG_B]&RTC_B_PIE != 0
}

// Pulse advances the periodic divider by one period. If PIE is set the
// periodic flag is latched and, unless the previous interrupt has not been
// acknowledged through register C, IRQ 8 is raised.
func (r *RTCDevice) Pulse() {
	r.lock.Lock()
	if r.registers[RTC_REG_B]&RTC_B_PIE == 0 {
		r.lock.Unlock()
		return
	}
	r.pulses++
	pending := r.registers[RTC_REG_C]&RTC_C_IRQF != 0
	r.registers[RTC_REG_C] |= RTC_C_PF | RTC_C_IRQF
	if pending {
		r.missed++
		r.lock.Unlock()
		return
	}
	raiser, line := r.irqRaiser, r.irqLine
	r.lock.Unlock()

	if raiser != nil {
		raiser.RaiseIRQ(line)
	}
}

// Counters returns the number of periodic pulses and how many of them were
// swallowed because register C had not been read.
func (r *RTCDevice) Counters() (pulses, missed uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.pulses, r.missed
}

// Run pulses at the programmed periodic rate, scaled by speed (1 is real
// time), until ctx is done. Rate changes are picked up on the next pulse.
func (r *RTCDevice) Run(ctx context.Context, speed float64) error {
	if speed <= 0 {
		speed = 1
	}
	for {
		rate := r.PeriodicRate()
		if rate == 0 || !r.PeriodicEnabled() {
			rate = RTC_BASE_FREQUENCY >> 5
		}
		d := time.Duration(float64(time.Second) / (float64(rate) * speed))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
			r.Pulse()
		}
	}
}
