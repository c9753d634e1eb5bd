package devices

import (
	"fmt"
	"sync"
)

// PICController represents a single 8259A PIC (Master or Slave).
type PICController struct {
	isMaster bool
	offset   uint8 // Base interrupt vector (ICW2)
	imr      uint8 // Interrupt Mask Register
	irr      uint8 // Interrupt Request Register
	isr      uint8 // In-Service Register

	icwCount  int  // Which ICW (1-4) is expected next, 0 when initialized
	expectOCW bool // Data port writes are OCW1 (mask)
	modeFlags byte // ICW1 and ICW4 flags

	sfnm    bool // Special Fully Nested Mode
	autoEOI bool

	readRegSelect byte // OCW3: 0 reads IRR, 1 reads ISR
}

// PICDevice is the cascaded Master/Slave 8259A pair of a PC/AT.
type PICDevice struct {
	master PICController
	slave  PICController
	lock   sync.Mutex

	// onRequest runs, outside the lock, whenever a request may have become
	// deliverable: a line was raised, unmasked or acknowledged.
	onRequest func()
}

// NewPICDevice returns the pair as the BIOS leaves it: vectors 0x08 and
// 0x70, every line masked except the cascade input.
func NewPICDevice() *PICDevice {
	p := &PICDevice{
		master: PICController{isMaster: true, offset: PIC_MASTER_VECTOR_BASE, expectOCW: true},
		slave:  PICController{isMaster: false, offset: PIC_SLAVE_VECTOR_BASE, expectOCW: true},
	}
	p.master.imr = 0xFF &^ (1 << PIC_MASTER_SLAVE_IRQ)
	p.slave.imr = 0xFF
	p.master.modeFlags = PIC_ICW1_IC4
	p.slave.modeFlags = PIC_ICW1_IC4
	return p
}

// SetRequestHook installs fn to be told about possibly deliverable requests.
func (p *PICDevice) SetRequestHook(fn func()) {
	p.lock.Lock()
	p.onRequest = fn
	p.lock.Unlock()
}

// HandleIO processes I/O operations for the PIC device.
func (p *PICDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	notify, err := p.handleIO(port, direction, size, data)
	if notify {
		p.notify()
	}
	return err
}

func (p *PICDevice) handleIO(port uint16, direction uint8, size uint8, data []byte) (bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if size != 1 || len(data) == 0 {
		return false, fmt.Errorf("PICDevice: I/O size %d not supported for port 0x%x", size, port)
	}

	switch port {
	case PIC_MASTER_CMD_PORT, PIC_MASTER_DATA_PORT:
		if direction == IODirectionOut {
			p.master.write(port, data[0], &p.slave)
			return true, nil
		}
		data[0] = p.master.read(port)
	case PIC_SLAVE_CMD_PORT, PIC_SLAVE_DATA_PORT:
		if direction == IODirectionOut {
			p.slave.write(port, data[0], nil)
			return true, nil
		}
		data[0] = p.slave.read(port)
	default:
		return false, fmt.Errorf("PICDevice: Unhandled I/O to port 0x%x, direction %d", port, direction)
	}
	return false, nil
}

func (p *PICDevice) notify() {
	p.lock.Lock()
	fn := p.onRequest
	p.lock.Unlock()
	if fn != nil {
		fn()
	}
}

func (pc *PICController) cmdPort() uint16 {
	if pc.isMaster {
		return PIC_MASTER_CMD_PORT
	}
	return PIC_SLAVE_CMD_PORT
}

func (pc *PICController) write(port uint16, val byte, slave *PICController) {
	if port == pc.cmdPort() {
		pc.writeCommandPort(val, slave)
	} else {
		pc.writeDataPort(val)
	}
}

func (pc *PICController) read(port uint16) byte {
	if port == pc.cmdPort() {
		if pc.readRegSelect == 0 {
			return pc.irr
		}
		return pc.isr
	}
	return pc.imr
}

func (pc *PICController) writeCommandPort(val byte, slave *PICController) {
	if val&PIC_ICW1_INIT != 0 {
		pc.icwCount = 1
		pc.expectOCW = false
		pc.imr = 0x00
		pc.irr = 0x00
		pc.isr = 0x00
		pc.modeFlags = val & (PIC_ICW1_LTIM | PIC_ICW1_SNGL | PIC_ICW1_IC4)
		pc.autoEOI = false
		pc.sfnm = false
		pc.readRegSelect = 0
		return
	}
	// OCW3 has bit 3 set and bit 4 clear, OCW2 has both clear.
	if val&0x18 == PIC_OCW3_OCW3_ID {
		pc.processOCW3(val)
	} else {
		pc.processOCW2(val, slave)
	}
}

func (pc *PICController) writeDataPort(val byte) {
	if pc.icwCount == 0 || pc.expectOCW {
		pc.imr = val
		return
	}
	switch pc.icwCount {
	case 1: // ICW2
		pc.offset = val &^ 0x07
		switch {
		case pc.modeFlags&PIC_ICW1_SNGL == 0:
			pc.icwCount = 2
		case pc.modeFlags&PIC_ICW1_IC4 != 0:
			pc.icwCount = 3
		default:
			pc.finishInit()
		}
	case 2: // ICW3, cascade wiring is fixed
		if pc.modeFlags&PIC_ICW1_IC4 != 0 {
			pc.icwCount = 3
		} else {
			pc.finishInit()
		}
	case 3: // ICW4
		pc.autoEOI = val&PIC_ICW4_AEOI != 0
		pc.sfnm = val&PIC_ICW4_SFNM != 0
		pc.modeFlags |= val
		pc.finishInit()
	}
}

func (pc *PICController) finishInit() {
	pc.icwCount = 0
	pc.expectOCW = true
}

// processOCW2 handles end-of-interrupt commands. Rotation is not modelled.
func (pc *PICController) processOCW2(val byte, slave *PICController) {
	if val&PIC_OCW2_EOI_CMD == 0 {
		return
	}
	if val&PIC_OCW2_SL_CMD != 0 {
		pc.isr &^= 1 << (val & PIC_OCW2_L0L1L2)
		return
	}
	for i := uint8(0); i < 8; i++ {
		if pc.isr&(1<<i) == 0 {
			continue
		}
		pc.isr &^= 1 << i
		if pc.isMaster && i == PIC_MASTER_SLAVE_IRQ && slave != nil {
			slave.processOCW2(PIC_OCW2_EOI_CMD, nil)
		}
		return
	}
}

func (pc *PICController) processOCW3(val byte) {
	if val&PIC_OCW3_POLL_CMD != 0 {
		return
	}
	if val&PIC_OCW3_RR_CMD != 0 {
		pc.readRegSelect = val & PIC_OCW3_RIS_CMD
	}
}

// RaiseIRQ latches an edge on irqLine (0-15). Masked requests stay latched
// in IRR and are delivered once unmasked.
func (p *PICDevice) RaiseIRQ(irqLine uint8) {
	p.lock.Lock()
	switch {
	case irqLine < 8:
		p.master.irr |= 1 << irqLine
	case irqLine < 16:
		p.slave.irr |= 1 << (irqLine - 8)
		p.master.irr |= 1 << PIC_MASTER_SLAVE_IRQ
	default:
		p.lock.Unlock()
		return
	}
	p.lock.Unlock()
	p.notify()
}

// LowerIRQ withdraws a request that has not been acknowledged yet.
func (p *PICDevice) LowerIRQ(irqLine uint8) {
	p.lock.Lock()
	defer p.lock.Unlock()
	switch {
	case irqLine < 8:
		p.master.irr &^= 1 << irqLine
	case irqLine < 16:
		p.slave.irr &^= 1 << (irqLine - 8)
		if p.slave.irr == 0 {
			p.master.irr &^= 1 << PIC_MASTER_SLAVE_IRQ
		}
	}
}

// HasPendingInterrupts reports whether Acknowledge would return a line.
func (p *PICDevice) HasPendingInterrupts() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.highest()
	return ok
}

// Acknowledge performs the INTA cycle: it picks the highest priority
// deliverable request, moves it from IRR to ISR and returns its line and
// vector.
func (p *PICDevice) Acknowledge() (line uint8, vector uint8, ok bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	line, ok = p.highest()
	if !ok {
		return 0, 0, false
	}
	if line < 8 {
		p.master.irr &^= 1 << line
		if !p.master.autoEOI {
			p.master.isr |= 1 << line
		}
		return line, p.master.offset + line, true
	}
	s := line - 8
	p.slave.irr &^= 1 << s
	if !p.slave.autoEOI {
		p.slave.isr |= 1 << s
	}
	if !p.master.autoEOI {
		p.master.isr |= 1 << PIC_MASTER_SLAVE_IRQ
	}
	if p.slave.irr&^p.slave.imr == 0 {
		p.master.irr &^= 1 << PIC_MASTER_SLAVE_IRQ
	}
	return line, p.slave.offset + s, true
}

// GetInterruptVector acknowledges the highest priority request and returns
// its vector, or 0 if nothing is deliverable.
func (p *PICDevice) GetInterruptVector() uint8 {
	_, vector, ok := p.Acknowledge()
	if !ok {
		return 0
	}
	return vector
}

// highest applies fully nested priority: line 0 is highest, the secondary
// lines sit at the cascade input's position, and an in-service line blocks
// itself and everything below it.
func (p *PICDevice) highest() (uint8, bool) {
	for i := uint8(0); i < 8; i++ {
		bit := uint8(1) << i
		if i == PIC_MASTER_SLAVE_IRQ && p.master.imr&bit == 0 {
			if p.master.isr&bit != 0 && !p.master.sfnm {
				return 0, false
			}
			if s, ok := p.slaveHighest(); ok {
				return 8 + s, true
			}
			if p.master.isr&bit != 0 {
				return 0, false
			}
			continue
		}
		if p.master.isr&bit != 0 {
			return 0, false
		}
		if p.master.irr&^p.master.imr&bit != 0 {
			return i, true
		}
	}
	return 0, false
}

func (p *PICDevice) slaveHighest() (uint8, bool) {
	for i := uint8(0); i < 8; i++ {
		bit := uint8(1) << i
		if p.slave.isr&bit != 0 {
			return 0, false
		}
		if p.slave.irr&^p.slave.imr&bit != 0 {
			return i, true
		}
	}
	return 0, false
}

// Masked reports the IMR bit for irqLine.
func (p *PICDevice) Masked(irqLine uint8) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if irqLine < 8 {
		return p.master.imr&(1<<irqLine) != 0
	}
	return p.slave.imr&(1<<(irqLine-8)) != 0
}

// InService reports the ISR bit for irqLine.
func (p *PICDevice) InService(irqLine uint8) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if irqLine < 8 {
		return p.master.isr&(1<<irqLine) != 0
	}
	return p.slave.isr&(1<<(irqLine-8)) != 0
}

// VectorBase returns the vector offsets of the master and slave.
func (p *PICDevice) VectorBase() (master, slave uint8) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.master.offset, p.slave.offset
}
