// Package irq owns hardware interrupt lines on a cascaded 8259A pair.
//
// A Controller maps each line to a single registered Handler, gives every
// registered line its own pinned stack, and runs handlers from a trampoline
// installed in the platform's vector table. Dispatch saves the interrupted
// extended register state, marks console I/O as unsafe, tracks nesting, and
// acknowledges the line on the handler's behalf when the handler does not.
//
// There is one logical thread of control. Table updates are bracketed by the
// CPU interrupt flag and by masking at the PIC; nothing here blocks.
package irq

import (
	"errors"
	"fmt"
)

// Line identifies a hardware interrupt request line.
type Line int

const (
	// NumLines is the number of lines across the primary and secondary PIC.
	NumLines = 16

	// CascadeLine connects the secondary PIC to the primary.
	CascadeLine Line = 2

	// SecondaryBase is the first line served by the secondary PIC.
	SecondaryBase Line = 8

	// ExtendedStateSize is the size of one FXSAVE-format save area.
	ExtendedStateSize = 512

	// DefaultStackSize is the dedicated stack allocated per registered line.
	DefaultStackSize = 16 * 1024

	// DefaultUnregisterWait is how many ticks UnregisterHandler waits for an
	// in-flight dispatch before giving up.
	DefaultUnregisterWait = 5
)

// Valid reports whether l names a line on either controller.
func (l Line) Valid() bool { return l >= 0 && l < NumLines }

// Secondary reports whether l is served by the secondary controller.
func (l Line) Secondary() bool { return l >= SecondaryBase && l < NumLines }

// Handler services an interrupt on the line it was registered for.
type Handler func(irq Line)

// Entry is a vector table entry point.
type Entry func()

// VectorHandle records the owner a line's vector had before Install.
type VectorHandle struct {
	Line     Line
	Previous Entry
}

// Vectors is the low-level dispatch boundary: the only place vector table
// entries are changed.
type Vectors interface {
	// Install points line's vector at entry and returns the displaced owner.
	Install(line Line, entry Entry) (VectorHandle, error)
	// Restore puts the owner recorded in h back.
	Restore(h VectorHandle) error
}

// PIC is the programmable interrupt controller pair.
type PIC interface {
	Mask(line Line)
	Unmask(line Line)
	Masked(line Line) bool
	// EOI sends a specific end-of-interrupt for line to the controller
	// that serves it.
	EOI(line Line)
	// GenericEOI sends a non-specific end-of-interrupt to the primary.
	GenericEOI()
}

// CPU exposes the processor interrupt flag.
type CPU interface {
	DisableInterrupts() (enabled bool)
	RestoreInterrupts(enabled bool)
}

// ExtendedState saves and restores floating point and vector registers.
type ExtendedState interface {
	Save(area []byte)
	Restore(area []byte)
}

// IOGate is told when console I/O stops and starts being safe.
type IOGate interface {
	EnterUnsafe()
	LeaveUnsafe()
}

// Clock is a monotonic tick source.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint64

func (f ClockFunc) Now() uint64 { return f() }

var (
	ErrInvalidLine       = errors.New("irq: invalid line")
	ErrAlreadyRegistered = errors.New("irq: line already registered")
	ErrOutOfMemory       = errors.New("irq: out of memory")
	ErrHardwareRejected  = errors.New("irq: vector installation rejected")
	ErrNilHandler        = errors.New("irq: nil handler")
	ErrNoCandidates      = errors.New("irq: no free candidate lines")

	// ErrStuckHandler is logged, never returned, when UnregisterHandler gives
	// up waiting for a dispatch to finish.
	ErrStuckHandler = errors.New("irq: handler did not finish")

	// ErrVectorRestore means the line's vector could not be handed back and
	// the line is now misrouted. The line is left masked.
	ErrVectorRestore = errors.New("irq: vector restore failed")
)

// LineError describes a failed operation on a specific line.
type LineError struct {
	Op   string
	Line Line
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s line %d: %v", e.Op, e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// LineStats counts dispatch activity on one line.
type LineStats struct {
	Dispatches uint64
	AutoEOIs   uint64
	Unowned    uint64
	Overflows  uint64
}
