// Package irqtest provides in-memory stand-ins for the platform pieces an
// irq.Controller is built on.
package irqtest

import (
	"errors"

	"example.com/pmdrvr/core_engine/irq"
)

// PIC records mask writes and acknowledgments. Every line starts masked.
type PIC struct {
	masks   uint16
	EOIs    []irq.Line
	Generic int
}

func NewPIC() *PIC { return &PIC{masks: 0xFFFF} }

func (p *PIC) Mask(l irq.Line)   { p.masks |= 1 << l }
func (p *PIC) Unmask(l irq.Line) { p.masks &^= 1 << l }

func (p *PIC) Masked(l irq.Line) bool { return p.masks&(1<<l) != 0 }

func (p *PIC) EOI(l irq.Line) { p.EOIs = append(p.EOIs, l) }

func (p *PIC) GenericEOI() { p.Generic++ }

// EOICount returns how many specific acknowledgments l has received.
func (p *PIC) EOICount(l irq.Line) int {
	n := 0
	for _, e := range p.EOIs {
		if e == l {
			n++
		}
	}
	return n
}

// ErrRejected is returned by Vectors.Install for lines listed in Reject.
var ErrRejected = errors.New("irqtest: install rejected")

// Vectors is a vector table whose initial owner of every line counts calls
// in BIOS.
type Vectors struct {
	entries [irq.NumLines]irq.Entry
	BIOS    [irq.NumLines]int

	// Reject makes Install fail for the listed lines.
	Reject map[irq.Line]bool
	// RestoreErr, if set, is returned by every Restore.
	RestoreErr error
}

func NewVectors() *Vectors {
	v := &Vectors{}
	for i := range v.entries {
		line := i
		v.entries[i] = func() { v.BIOS[line]++ }
	}
	return v
}

func (v *Vectors) Install(line irq.Line, entry irq.Entry) (irq.VectorHandle, error) {
	if v.Reject[line] {
		return irq.VectorHandle{}, ErrRejected
	}
	prev := v.entries[line]
	v.entries[line] = entry
	return irq.VectorHandle{Line: line, Previous: prev}, nil
}

func (v *Vectors) Restore(h irq.VectorHandle) error {
	if v.RestoreErr != nil {
		return v.RestoreErr
	}
	v.entries[h.Line] = h.Previous
	return nil
}

// Entry returns the current owner of line.
func (v *Vectors) Entry(line irq.Line) irq.Entry { return v.entries[line] }

// Fire delivers an interrupt on line through its current vector.
func (v *Vectors) Fire(line irq.Line) { v.entries[line]() }

// Raise delivers an interrupt on line only if pic has it unmasked.
func (v *Vectors) Raise(pic *PIC, line irq.Line) bool {
	if pic.Masked(line) {
		return false
	}
	v.Fire(line)
	return true
}

// Clock advances by Step on every read.
type Clock struct {
	T    uint64
	Step uint64
}

func (c *Clock) Now() uint64 {
	t := c.T
	c.T += c.Step
	return t
}

// CPU models the interrupt flag.
type CPU struct {
	Enabled  bool
	Disables int
}

func (c *CPU) DisableInterrupts() bool {
	prev := c.Enabled
	c.Enabled = false
	c.Disables++
	return prev
}

func (c *CPU) RestoreInterrupts(enabled bool) { c.Enabled = enabled }

// FPU is a save area sized register file.
type FPU struct {
	Regs     [irq.ExtendedStateSize]byte
	Saves    int
	Restores int
}

func (f *FPU) Save(area []byte) {
	copy(area, f.Regs[:])
	f.Saves++
}

func (f *FPU) Restore(area []byte) {
	copy(f.Regs[:], area)
	f.Restores++
}

// Gate tracks unsafe I/O depth.
type Gate struct {
	Depth int
	Max   int
}

func (g *Gate) EnterUnsafe() {
	g.Depth++
	g.Max = max(g.Max, g.Depth)
}

func (g *Gate) LeaveUnsafe() { g.Depth-- }
