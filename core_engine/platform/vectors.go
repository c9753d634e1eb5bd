package platform

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"

	"example.com/pmdrvr/core_engine/devices"
	"example.com/pmdrvr/core_engine/irq"
)

// ErrVectorLocked is returned when a vector is write protected.
var ErrVectorLocked = errors.New("platform: vector is locked")

// VectorTable is the 256 entry interrupt vector table. Hardware lines are
// mapped to vectors through the PIC offsets. Every hardware vector starts
// out owned by a BIOS routine that counts its invocations and acknowledges
// the line.
type VectorTable struct {
	mu         sync.Mutex
	entries    [256]irq.Entry
	locked     [256]bool
	masterBase uint8
	slaveBase  uint8
	logger     *logiface.Logger[logiface.Event]

	bios       [irq.NumLines]atomic.Uint64
	unassigned atomic.Uint64
}

// NewVectorTable builds a table for PICs programmed at the BIOS offsets.
// The BIOS routines acknowledge through pic.
func NewVectorTable(pic irq.PIC, logger *logiface.Logger[logiface.Event]) *VectorTable {
	t := &VectorTable{
		masterBase: devices.PIC_MASTER_VECTOR_BASE,
		slaveBase:  devices.PIC_SLAVE_VECTOR_BASE,
		logger:     logger,
	}
	for i := irq.Line(0); i < irq.NumLines; i++ {
		line := i
		t.entries[t.vector(line)] = func() {
			t.bios[line].Add(1)
			if line.Secondary() {
				pic.EOI(line)
				pic.EOI(irq.CascadeLine)
				return
			}
			pic.EOI(line)
		}
	}
	return t
}

func (t *VectorTable) vector(line irq.Line) uint8 {
	if line.Secondary() {
		return t.slaveBase + uint8(line-irq.SecondaryBase)
	}
	return t.masterBase + uint8(line)
}

// Install points line's vector at entry.
func (t *VectorTable) Install(line irq.Line, entry irq.Entry) (irq.VectorHandle, error) {
	if !line.Valid() {
		return irq.VectorHandle{}, irq.ErrInvalidLine
	}
	if entry == nil {
		return irq.VectorHandle{}, fmt.Errorf("platform: nil entry for line %d", line)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.vector(line)
	if t.locked[v] {
		return irq.VectorHandle{}, ErrVectorLocked
	}
	prev := t.entries[v]
	t.entries[v] = entry
	return irq.VectorHandle{Line: line, Previous: prev}, nil
}

// Restore gives line's vector back to the owner recorded in h.
func (t *VectorTable) Restore(h irq.VectorHandle) error {
	if !h.Line.Valid() {
		return irq.ErrInvalidLine
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.vector(h.Line)
	if t.locked[v] {
		return ErrVectorLocked
	}
	t.entries[v] = h.Previous
	return nil
}

// Lock write protects line's vector, as a host that owns it would.
func (t *VectorTable) Lock(line irq.Line) {
	t.mu.Lock()
	t.locked[t.vector(line)] = true
	t.mu.Unlock()
}

// Unlock removes the write protection set by Lock.
func (t *VectorTable) Unlock(line irq.Line) {
	t.mu.Lock()
	t.locked[t.vector(line)] = false
	t.mu.Unlock()
}

// Call runs the owner of vector.
func (t *VectorTable) Call(vector uint8) {
	t.mu.Lock()
	entry := t.entries[vector]
	t.mu.Unlock()
	if entry == nil {
		t.unassigned.Add(1)
		t.logger.Warning().
			Int("vector", int(vector)).
			Log("interrupt on unassigned vector")
		return
	}
	entry()
}

// Fire runs the current owner of line's vector.
func (t *VectorTable) Fire(line irq.Line) {
	t.Call(t.vector(line))
}

// BIOSCalls is how many times the BIOS routine for line has run.
func (t *VectorTable) BIOSCalls(line irq.Line) uint64 {
	if !line.Valid() {
		return 0
	}
	return t.bios[line].Load()
}

// Unassigned counts calls to empty vectors.
func (t *VectorTable) Unassigned() uint64 { return t.unassigned.Load() }
