//go:build linux

package memory

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Locked maps anonymous pages and locks them with mlock(2).
type Locked struct {
	mu   sync.Mutex
	live map[*Block]struct{}
}

// NewLocked returns an allocator backed by locked anonymous mappings.
func NewLocked() *Locked {
	return &Locked{live: make(map[*Block]struct{})}
}

func (l *Locked) AllocPinned(size int) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrExhausted, size)
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %w", ErrExhausted, size, err)
	}
	if err := unix.Mlock(buf); err != nil {
		_ = unix.Munmap(buf)
		return nil, fmt.Errorf("%w: mlock %d bytes: %w", ErrExhausted, size, err)
	}
	b := &Block{buf: buf, pinned: true, owner: l}
	l.mu.Lock()
	l.live[b] = struct{}{}
	l.mu.Unlock()
	return b, nil
}

func (l *Locked) Free(b *Block) error {
	if b == nil {
		return nil
	}
	l.mu.Lock()
	_, ok := l.live[b]
	delete(l.live, b)
	l.mu.Unlock()
	if !ok || b.owner != l {
		return ErrForeignBlock
	}
	buf := b.buf
	b.buf, b.owner, b.pinned = nil, nil, false
	if err := unix.Munlock(buf); err != nil {
		_ = unix.Munmap(buf)
		return fmt.Errorf("memory: munlock: %w", err)
	}
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("memory: munmap: %w", err)
	}
	return nil
}
