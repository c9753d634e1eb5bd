package devices_test

import (
	"errors"
	"sync"
	"testing"

	"example.com/pmdrvr/core_engine/devices"
)

// MockInterruptRaiser implements devices.InterruptRaiser for testing.
type MockInterruptRaiser struct {
	RaisedIRQs  []uint8
	LoweredIRQs []uint8
	mu          sync.Mutex
}

func (m *MockInterruptRaiser) RaiseIRQ(irqLine uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RaisedIRQs = append(m.RaisedIRQs, irqLine)
}

func (m *MockInterruptRaiser) LowerIRQ(irqLine uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoweredIRQs = append(m.LoweredIRQs, irqLine)
}

func (m *MockInterruptRaiser) GetRaisedIRQs() []uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	raised := make([]uint8, len(m.RaisedIRQs))
	copy(raised, m.RaisedIRQs)
	return raised
}

func (m *MockInterruptRaiser) ClearIRQs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RaisedIRQs = nil
	m.LoweredIRQs = nil
}

var errMockClosed = errors.New("MockTapDevice: closed")

// MockTapDevice implements network.HostNetInterface for testing.
type MockTapDevice struct {
	WritePacketFunc func(packet []byte) error

	mu             sync.Mutex
	WrittenPackets [][]byte
	PacketsToRead  [][]byte
	Closed         bool
}

func NewMockTapDevice() *MockTapDevice {
	return &MockTapDevice{}
}

func (m *MockTapDevice) ReadPacket() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return nil, errMockClosed
	}
	if len(m.PacketsToRead) > 0 {
		packet := m.PacketsToRead[0]
		m.PacketsToRead = m.PacketsToRead[1:]
		return packet, nil
	}
	return nil, nil
}

func (m *MockTapDevice) WritePacket(packet []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Closed {
		return errMockClosed
	}
	if m.WritePacketFunc != nil {
		return m.WritePacketFunc(packet)
	}
	m.WrittenPackets = append(m.WrittenPackets, append([]byte(nil), packet...))
	return nil
}

func (m *MockTapDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockTapDevice) AddPacketToRead(packet []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PacketsToRead = append(m.PacketsToRead, packet)
}

func (m *MockTapDevice) GetLastWrittenPacket() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.WrittenPackets) == 0 {
		return nil
	}
	return m.WrittenPackets[len(m.WrittenPackets)-1]
}

func outb(t *testing.T, dev devices.PioDevice, port uint16, value byte) {
	t.Helper()
	if err := dev.HandleIO(port, devices.IODirectionOut, 1, []byte{value}); err != nil {
		t.Fatalf("Failed to write 0x%02X to port 0x%X: %v", value, port, err)
	}
}

func inb(t *testing.T, dev devices.PioDevice, port uint16) byte {
	t.Helper()
	data := make([]byte, 1)
	if err := dev.HandleIO(port, devices.IODirectionIn, 1, data); err != nil {
		t.Fatalf("Failed to read from port 0x%X: %v", port, err)
	}
	return data[0]
}
