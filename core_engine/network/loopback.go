package network

import "sync"

// DefaultLoopbackDepth is the queue length used when NewLoopback is given
// a non-positive depth.
const DefaultLoopbackDepth = 64

// Loopback is an in-memory HostNetInterface. Every written frame is queued
// for reading, so a card attached to it receives its own transmissions.
// Frames beyond the queue depth are dropped and counted.
type Loopback struct {
	mu      sync.Mutex
	queue   [][]byte
	depth   int
	closed  bool
	written uint64
	dropped uint64
}

// NewLoopback returns a loopback backend holding up to depth frames.
func NewLoopback(depth int) *Loopback {
	if depth <= 0 {
		depth = DefaultLoopbackDepth
	}
	return &Loopback{depth: depth}
}

// ReadPacket pops the oldest queued frame, or returns (nil, nil).
func (l *Loopback) ReadPacket() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if len(l.queue) == 0 {
		return nil, nil
	}
	p := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return p, nil
}

// WritePacket queues a copy of packet.
func (l *Loopback) WritePacket(packet []byte) error {
	if err := checkFrame(packet); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.written++
	if len(l.queue) >= l.depth {
		l.dropped++
		return nil
	}
	l.queue = append(l.queue, append([]byte(nil), packet...))
	return nil
}

// Inject queues a frame as if it arrived from the wire.
func (l *Loopback) Inject(packet []byte) error {
	return l.WritePacket(packet)
}

// Close discards queued frames. Further calls fail with ErrClosed.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.queue = nil
	return nil
}

// Stats returns the number of frames written and dropped.
func (l *Loopback) Stats() (written, dropped uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written, l.dropped
}
