package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/logiface"

	"example.com/pmdrvr/core_engine/network"
)

// NICConfig holds the card's jumper settings.
type NICConfig struct {
	Base uint16
	IRQ  uint8
	MAC  [6]byte
}

// NICDevice is a simple ISA network card with a programmed-I/O transmit
// buffer and a small receive ring. Its interrupt is edge triggered: the
// line is raised whenever an enabled status bit becomes set.
type NICDevice struct {
	cfg     NICConfig
	hostNet network.HostNetInterface
	raiser  InterruptRaiser
	logger  *logiface.Logger[logiface.Event]

	lock sync.Mutex

	running bool
	isr     byte
	imr     byte
	link    bool

	txBuf   []byte
	txLen   uint16
	txBusy  bool
	txStall bool

	rxRing [][]byte
	rxPos  int

	stats NICStats
}

// NICStats counts frames moved by the card.
type NICStats struct {
	TxFrames  uint64
	TxErrors  uint64
	RxFrames  uint64
	RxDropped uint64
}

// NewNICDevice creates a stopped card with the link up.
func NewNICDevice(cfg NICConfig, hostNet network.HostNetInterface, raiser InterruptRaiser, logger *logiface.Logger[logiface.Event]) *NICDevice {
	if cfg.Base == 0 {
		cfg.Base = NIC_DEFAULT_BASE
	}
	n := &NICDevice{
		cfg:     cfg,
		hostNet: hostNet,
		raiser:  raiser,
		logger:  logger,
		link:    true,
	}
	logger.Info().
		Int("io_base", int(cfg.Base)).
		Int("irq", int(cfg.IRQ)).
		Str("mac", formatMAC(cfg.MAC)).
		Log("network card initialized")
	return n
}

// Ports returns the first and last I/O port decoded by the card.
func (n *NICDevice) Ports() (start, end uint16) {
	return n.cfg.Base, n.cfg.Base + NIC_PORT_COUNT - 1
}

// IRQ returns the jumpered interrupt line.
func (n *NICDevice) IRQ() uint8 { return n.cfg.IRQ }

// HandleIO processes I/O operations for the card.
func (n *NICDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	if size != 1 || len(data) == 0 {
		return fmt.Errorf("NICDevice: I/O size %d not supported for port 0x%x", size, port)
	}
	if port < n.cfg.Base || port >= n.cfg.Base+NIC_PORT_COUNT {
		return fmt.Errorf("NICDevice: Unhandled I/O to port 0x%x", port)
	}

	n.lock.Lock()
	var (
		raise bool
		tx    []byte
	)
	offset := port - n.cfg.Base
	if direction == IODirectionIn {
		data[0] = n.read(offset)
	} else {
		raise, tx = n.write(offset, data[0])
	}
	n.lock.Unlock()

	if tx != nil {
		raise = n.transmit(tx) || raise
	}
	if raise {
		n.raise()
	}
	return nil
}

func (n *NICDevice) read(offset uint16) byte {
	switch {
	case offset == NIC_REG_CMD:
		var s byte
		if n.running {
			s |= NIC_STAT_RUNNING
		}
		if n.txBusy {
			s |= NIC_STAT_TXBUSY
		}
		return s
	case offset == NIC_REG_ISR:
		return n.isr
	case offset == NIC_REG_IMR:
		return n.imr
	case offset == NIC_REG_LINK:
		if n.link {
			return NIC_LINK_UP
		}
		return 0
	case offset == NIC_REG_RXLEN0:
		return byte(n.rxLen())
	case offset == NIC_REG_RXLEN1:
		return byte(n.rxLen() >> 8)
	case offset == NIC_REG_DATA:
		if len(n.rxRing) == 0 {
			return 0xFF
		}
		head := n.rxRing[0]
		b := head[n.rxPos]
		n.rxPos++
		if n.rxPos == len(head) {
			n.popRx()
		}
		return b
	case offset >= NIC_REG_PROM && offset < NIC_REG_PROM+6:
		return n.cfg.MAC[offset-NIC_REG_PROM]
	}
	return 0xFF
}

// write applies a register write. It reports whether the line must be
// raised and returns a frame to hand to the backend.
func (n *NICDevice) write(offset uint16, val byte) (bool, []byte) {
	switch offset {
	case NIC_REG_CMD:
		return n.command(val)
	case NIC_REG_ISR:
		n.isr &^= val
		return false, nil
	case NIC_REG_IMR:
		newly := val &^ n.imr
		n.imr = val
		return n.isr&newly != 0, nil
	case NIC_REG_TXLEN0:
		n.txLen = n.txLen&0xFF00 | uint16(val)
	case NIC_REG_TXLEN1:
		n.txLen = n.txLen&0x00FF | uint16(val)<<8
	case NIC_REG_DATA:
		if len(n.txBuf) < network.MaxFrameSize {
			n.txBuf = append(n.txBuf, val)
		}
	case NIC_REG_RXDROP:
		if len(n.rxRing) > 0 {
			n.popRx()
		}
	}
	return false, nil
}

func (n *NICDevice) command(val byte) (bool, []byte) {
	if val&NIC_CMD_RESET != 0 {
		n.reset()
	}
	if val&NIC_CMD_STOP != 0 {
		n.running = false
	}
	if val&NIC_CMD_START != 0 {
		n.running = true
	}
	raise := false
	if val&NIC_CMD_SELFTEST != 0 {
		raise = n.latch(NIC_ISR_TEST)
	}
	if val&NIC_CMD_TRANSMIT != 0 && n.running && !n.txBusy {
		size := int(n.txLen)
		if size > len(n.txBuf) {
			size = len(n.txBuf)
		}
		frame := append([]byte(nil), n.txBuf[:size]...)
		n.txBuf = n.txBuf[:0]
		n.txBusy = true
		if n.txStall {
			return raise, nil
		}
		return raise, frame
	}
	return raise, nil
}

func (n *NICDevice) transmit(frame []byte) bool {
	err := n.hostNet.WritePacket(frame)

	n.lock.Lock()
	defer n.lock.Unlock()
	n.txBusy = false
	if err != nil {
		n.stats.TxErrors++
		n.logger.Warning().
			Err(err).
			Int("len", len(frame)).
			Log("network card transmit failed")
		return n.latch(NIC_ISR_TXERR)
	}
	n.stats.TxFrames++
	return n.latch(NIC_ISR_TX)
}

func (n *NICDevice) reset() {
	n.running = false
	n.isr = 0
	n.imr = 0
	n.txBuf = n.txBuf[:0]
	n.txLen = 0
	n.txBusy = false
	n.rxRing = nil
	n.rxPos = 0
}

func (n *NICDevice) rxLen() int {
	if len(n.rxRing) == 0 {
		return 0
	}
	return len(n.rxRing[0]) - n.rxPos
}

func (n *NICDevice) popRx() {
	n.rxRing[0] = nil
	n.rxRing = n.rxRing[1:]
	n.rxPos = 0
}

// latch sets status bits and reports whether that produced an enabled
// edge.
func (n *NICDevice) latch(bits byte) bool {
	newly := bits &^ n.isr
	n.isr |= bits
	return newly&n.imr != 0
}

func (n *NICDevice) raise() {
	if n.raiser != nil {
		n.raiser.RaiseIRQ(n.cfg.IRQ)
	}
}

// Deliver queues a received frame. Frames arriving while the card is
// stopped or the ring is full are dropped.
func (n *NICDevice) Deliver(frame []byte) {
	n.lock.Lock()
	if !n.running || len(frame) == 0 {
		n.stats.RxDropped++
		n.lock.Unlock()
		return
	}
	var raise bool
	if len(n.rxRing) >= NIC_RX_RING {
		n.stats.RxDropped++
		raise = n.latch(NIC_ISR_OVW)
	} else {
		n.rxRing = append(n.rxRing, append([]byte(nil), frame...))
		n.stats.RxFrames++
		raise = n.latch(NIC_ISR_RX)
	}
	n.lock.Unlock()
	if raise {
		n.raise()
	}
}

// SetLink changes the link state and latches ISR_LINK on a change.
func (n *NICDevice) SetLink(up bool) {
	n.lock.Lock()
	if n.link == up {
		n.lock.Unlock()
		return
	}
	n.link = up
	raise := n.latch(NIC_ISR_LINK)
	n.lock.Unlock()
	if raise {
		n.raise()
	}
}

// SetTxStall makes transmissions hang until the card is reset, which
// simulates a wedged transmitter.
func (n *NICDevice) SetTxStall(stall bool) {
	n.lock.Lock()
	n.txStall = stall
	n.lock.Unlock()
}

// Stats returns a snapshot of the card's counters.
func (n *NICDevice) Stats() NICStats {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.stats
}

// Run moves frames from the backend into the receive ring until ctx is
// done. poll is the idle interval when no frame is waiting.
func (n *NICDevice) Run(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 5 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		packet, err := n.hostNet.ReadPacket()
		if err != nil {
			n.logger.Err().
				Err(err).
				Log("network backend read failed, receive loop stopping")
			return err
		}
		if len(packet) > 0 {
			n.Deliver(packet)
			continue
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func formatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
