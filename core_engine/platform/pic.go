package platform

import (
	"github.com/joeycumines/logiface"

	"example.com/pmdrvr/core_engine/devices"
	"example.com/pmdrvr/core_engine/irq"
)

// PortIO is byte wide port access.
type PortIO interface {
	In(port uint16) (byte, error)
	Out(port uint16, val byte) error
}

// PortPIC drives the 8259A pair with OCW1 and OCW2 writes.
type PortPIC struct {
	io     PortIO
	logger *logiface.Logger[logiface.Event]
}

func NewPortPIC(io PortIO, logger *logiface.Logger[logiface.Event]) *PortPIC {
	return &PortPIC{io: io, logger: logger}
}

func (p *PortPIC) ports(line irq.Line) (cmd, data uint16, bit byte) {
	if line.Secondary() {
		return devices.PIC_SLAVE_CMD_PORT, devices.PIC_SLAVE_DATA_PORT, 1 << uint(line-irq.SecondaryBase)
	}
	return devices.PIC_MASTER_CMD_PORT, devices.PIC_MASTER_DATA_PORT, 1 << uint(line)
}

func (p *PortPIC) Mask(line irq.Line) {
	_, data, bit := p.ports(line)
	imr, err := p.io.In(data)
	if err == nil {
		err = p.io.Out(data, imr|bit)
	}
	p.check(err, "mask", line)
}

func (p *PortPIC) Unmask(line irq.Line) {
	_, data, bit := p.ports(line)
	imr, err := p.io.In(data)
	if err == nil {
		err = p.io.Out(data, imr&^bit)
	}
	p.check(err, "unmask", line)
}

func (p *PortPIC) Masked(line irq.Line) bool {
	_, data, bit := p.ports(line)
	imr, err := p.io.In(data)
	if err != nil {
		p.check(err, "read mask", line)
		return true
	}
	return imr&bit != 0
}

// EOI sends a specific EOI for line to the controller serving it. The
// caller acknowledges the cascade input separately.
func (p *PortPIC) EOI(line irq.Line) {
	cmd, _, _ := p.ports(line)
	level := byte(line) & devices.PIC_OCW2_L0L1L2
	p.check(p.io.Out(cmd, devices.PIC_OCW2_EOI_CMD|devices.PIC_OCW2_SL_CMD|level), "eoi", line)
}

func (p *PortPIC) GenericEOI() {
	p.check(p.io.Out(devices.PIC_MASTER_CMD_PORT, devices.PIC_OCW2_EOI_CMD), "generic eoi", 0)
}

func (p *PortPIC) check(err error, op string, line irq.Line) {
	if err != nil {
		p.logger.Err().
			Err(err).
			Str("op", op).
			Int("irq", int(line)).
			Log("pic port access failed")
	}
}
