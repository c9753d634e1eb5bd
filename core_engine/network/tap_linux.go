//go:build linux

package network

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// TapDevice implements HostNetInterface using a Linux TUN/TAP device.
type TapDevice struct {
	mu     sync.Mutex
	fd     int
	name   string
	logger *logiface.Logger[logiface.Event]
}

// NewTapDevice attaches to, or creates, the TAP interface name. The
// interface must be brought up separately.
func NewTapDevice(name string, logger *logiface.Logger[logiface.Event]) (*TapDevice, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("invalid tap name %q: %w", name, err)
	}
	// IFF_NO_PI strips the packet information header so reads are bare frames.
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF ioctl failed for %s: %w", name, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock on %s: %w", name, err)
	}

	t := &TapDevice{fd: fd, name: ifr.Name(), logger: logger}
	logger.Info().
		Str("tap", t.name).
		Int("fd", fd).
		Log("tap device attached")
	return t, nil
}

// Name returns the kernel's name for the interface.
func (t *TapDevice) Name() string { return t.name }

// ReadPacket reads an Ethernet frame from the TAP device.
func (t *TapDevice) ReadPacket() ([]byte, error) {
	t.mu.Lock()
	fd := t.fd
	t.mu.Unlock()
	if fd < 0 {
		return nil, ErrClosed
	}
	buffer := make([]byte, 2048)
	n, err := unix.Read(fd, buffer)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from tap device %s: %w", t.name, err)
	}
	return buffer[:n], nil
}

// WritePacket writes an Ethernet frame to the TAP device.
func (t *TapDevice) WritePacket(packet []byte) error {
	if err := checkFrame(packet); err != nil {
		return err
	}
	t.mu.Lock()
	fd := t.fd
	t.mu.Unlock()
	if fd < 0 {
		return ErrClosed
	}
	if _, err := unix.Write(fd, packet); err != nil {
		return fmt.Errorf("failed to write to tap device %s: %w", t.name, err)
	}
	return nil
}

// Close closes the TAP device file descriptor.
func (t *TapDevice) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return nil
	}
	t.logger.Info().
		Str("tap", t.name).
		Log("tap device closed")
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}
