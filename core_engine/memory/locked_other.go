//go:build !linux

package memory

// Locked falls back to an unlimited Heap where page locking is unavailable.
type Locked struct{ Heap }

func NewLocked() *Locked { return &Locked{} }
