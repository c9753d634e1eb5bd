package platform

import "example.com/pmdrvr/core_engine/irq"

// FPU is the extended register file in FXSAVE layout.
type FPU struct {
	Regs [irq.ExtendedStateSize]byte
}

func (f *FPU) Save(area []byte) { copy(area, f.Regs[:]) }

func (f *FPU) Restore(area []byte) { copy(f.Regs[:], area) }
