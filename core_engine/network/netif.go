// Package network provides the host side of the simulated network card: a
// frame-level interface and its TAP and loopback backends.
package network

import "errors"

// MaxFrameSize is the largest Ethernet frame, without FCS, a backend
// carries.
const MaxFrameSize = 1514

// ErrClosed is returned by a backend after Close.
var ErrClosed = errors.New("network: interface closed")

// ErrFrameSize is returned for frames that are empty or larger than
// MaxFrameSize.
var ErrFrameSize = errors.New("network: invalid frame size")

// HostNetInterface defines the interface for interacting with the host's network.
// ReadPacket does not block: it returns (nil, nil) when no frame is waiting.
type HostNetInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}

func checkFrame(packet []byte) error {
	if len(packet) == 0 || len(packet) > MaxFrameSize {
		return ErrFrameSize
	}
	return nil
}
