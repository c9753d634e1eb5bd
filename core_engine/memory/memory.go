// Package memory provides the allocator behind per-line interrupt stacks.
//
// Blocks handed out by an Allocator stay at a fixed address until freed. The
// Locked allocator additionally keeps them resident so interrupt-time code
// never faults on them.
package memory

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrExhausted is returned when an allocator cannot satisfy a request.
	ErrExhausted = errors.New("memory: allocation failed")

	// ErrForeignBlock is returned by Free for a block the allocator did not hand out.
	ErrForeignBlock = errors.New("memory: block not owned by allocator")
)

// Allocator hands out pinned blocks with a matching Free.
type Allocator interface {
	AllocPinned(size int) (*Block, error)
	Free(b *Block) error
}

// Block is an exclusively owned region of memory.
type Block struct {
	buf    []byte
	pinned bool
	owner  any
}

// Bytes returns the backing storage. It must not be retained after Free.
func (b *Block) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.buf
}

// Len returns the block size in bytes.
func (b *Block) Len() int {
	if b == nil {
		return 0
	}
	return len(b.buf)
}

// Pinned reports whether the block is locked into physical memory.
func (b *Block) Pinned() bool { return b != nil && b.pinned }

// Heap allocates from the Go heap against a fixed byte budget. A zero
// budget means unlimited. Go heap objects are never moved, which is enough
// for simulated interrupt stacks.
type Heap struct {
	mu     sync.Mutex
	budget int
	used   int
	live   int
}

// NewHeap returns a Heap limited to budget bytes in flight.
func NewHeap(budget int) *Heap {
	return &Heap{budget: budget}
}

func (h *Heap) AllocPinned(size int) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrExhausted, size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.budget > 0 && h.used+size > h.budget {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrExhausted, size, h.used, h.budget)
	}
	h.used += size
	h.live++
	return &Block{buf: make([]byte, size), owner: h}, nil
}

func (h *Heap) Free(b *Block) error {
	if b == nil {
		return nil
	}
	if b.owner != h {
		return ErrForeignBlock
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.used -= len(b.buf)
	h.live--
	b.buf = nil
	b.owner = nil
	return nil
}

// InUse returns the bytes and block count currently allocated.
func (h *Heap) InUse() (bytes, blocks int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used, h.live
}
