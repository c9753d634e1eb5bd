package devices

import (
	"fmt"
	"sync"

	"github.com/joeycumines/logiface"
)

// Direction of a port I/O access.
const (
	IODirectionIn  uint8 = 0
	IODirectionOut uint8 = 1
)

// InterruptRaiser is implemented by the interrupt controller devices are
// wired to.
type InterruptRaiser interface {
	RaiseIRQ(irqLine uint8)
	LowerIRQ(irqLine uint8)
}

// PioDevice defines the interface for a port I/O device.
type PioDevice interface {
	HandleIO(port uint16, direction uint8, size uint8, data []byte) error
}

// IOBus manages port I/O access to registered devices.
type IOBus struct {
	mu     sync.RWMutex
	ports  map[uint16]PioDevice // Maps a port number to a device
	logger *logiface.Logger[logiface.Event]
}

// NewIOBus creates and initializes a new IOBus.
func NewIOBus(logger *logiface.Logger[logiface.Event]) *IOBus {
	return &IOBus{
		ports:  make(map[uint16]PioDevice),
		logger: logger,
	}
}

// RegisterDevice registers a device to handle I/O for a range of ports.
func (bus *IOBus) RegisterDevice(startPort, endPort uint16, device PioDevice) {
	if device == nil {
		bus.logger.Warning().
			Int("start", int(startPort)).
			Int("end", int(endPort)).
			Log("nil device registered on io bus")
		return
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for port := startPort; port <= endPort; port++ {
		if existing, ok := bus.ports[port]; ok {
			bus.logger.Warning().
				Int("port", int(port)).
				Str("old", fmt.Sprintf("%T", existing)).
				Str("new", fmt.Sprintf("%T", device)).
				Log("io port already registered, overwriting")
		}
		bus.ports[port] = device
		if port == 0xFFFF { // Avoid overflow if endPort is 0xFFFF
			break
		}
	}
}

// HandleIO routes an I/O operation to the appropriate registered device.
func (bus *IOBus) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	bus.mu.RLock()
	device, ok := bus.ports[port]
	bus.mu.RUnlock()
	if !ok {
		return fmt.Errorf("IOBus: Unhandled I/O to port 0x%x", port)
	}
	return device.HandleIO(port, direction, size, data)
}

// In reads one byte from port.
func (bus *IOBus) In(port uint16) (byte, error) {
	var b [1]byte
	err := bus.HandleIO(port, IODirectionIn, 1, b[:])
	return b[0], err
}

// Out writes one byte to port.
func (bus *IOBus) Out(port uint16, val byte) error {
	b := [1]byte{val}
	return bus.HandleIO(port, IODirectionOut, 1, b[:])
}
