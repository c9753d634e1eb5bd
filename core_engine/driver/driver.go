// Package driver is a packet driver for the simulated ISA network card. It
// finds the card's interrupt line, services the card from interrupt
// context, and uses the timer service for transmit timeouts and link
// polling.
package driver

import (
	"errors"
	"fmt"

	"github.com/joeycumines/logiface"

	"example.com/pmdrvr/core_engine/devices"
	"example.com/pmdrvr/core_engine/irq"
	"example.com/pmdrvr/core_engine/network"
	"example.com/pmdrvr/core_engine/timer"
)

const (
	// MaxRetries is how many times a timed out frame is resent after a
	// card reset before it is dropped.
	MaxRetries = 2

	// TxQueueLen bounds frames waiting behind the one in flight.
	TxQueueLen = 32

	// RxQueueLen bounds received frames not yet taken by Receive.
	RxQueueLen = 64

	// ResetSettle is how long Open lets the card come out of reset
	// before reading it.
	ResetSettle timer.Tick = 2

	// maxServiceLoops bounds how often one interrupt re-reads the status.
	maxServiceLoops = 8

	enabledSources = devices.NIC_ISR_RX | devices.NIC_ISR_TX | devices.NIC_ISR_TXERR |
		devices.NIC_ISR_LINK | devices.NIC_ISR_OVW
)

var (
	ErrNoCard       = errors.New("driver: no card at io base")
	ErrNoIRQ        = errors.New("driver: card interrupt not detected")
	ErrAmbiguousIRQ = errors.New("driver: more than one line fired during detection")
	ErrNotOpen      = errors.New("driver: not open")
	ErrQueueFull    = errors.New("driver: transmit queue full")
)

// Ports is byte wide port access.
type Ports interface {
	In(port uint16) (byte, error)
	Out(port uint16, val byte) error
}

// Interrupts is the part of irq.Controller the driver uses.
type Interrupts interface {
	RegisterHandler(line irq.Line, h irq.Handler) error
	UnregisterHandler(line irq.Line) error
	SendEOI(line irq.Line) bool
	Autodetect(candidates []irq.Line, settle uint64, trigger func()) (irq.AutodetectResult, error)
}

// Timers is the part of timer.Service the driver uses.
type Timers interface {
	ScheduleIn(req *timer.Request, delta timer.Tick, cb timer.Callback, data any) error
	Cancel(req *timer.Request) bool
	Wait(ticks timer.Tick) error
}

// Config holds the driver's settings. IRQ AutoIRQ selects detection over
// Candidates.
type Config struct {
	IOBase          uint16
	IRQ             irq.Line
	Candidates      []irq.Line
	AutodetectTicks uint64
	TxTimeout       timer.Tick
	LinkPoll        timer.Tick
}

// AutoIRQ asks Open to detect the line.
const AutoIRQ irq.Line = 0

// Stats counts driver activity.
type Stats struct {
	Interrupts  uint64
	TxFrames    uint64
	TxErrors    uint64
	TxTimeouts  uint64
	TxRetries   uint64
	RxFrames    uint64
	RxDropped   uint64
	Overruns    uint64
	LinkChanges uint64
}

// Driver owns one card. Open, Transmit, Receive and Close are foreground
// calls; everything else runs from the card's interrupt or from timer
// callbacks. Shared state is protected by clearing the interrupt flag.
type Driver struct {
	cfg    Config
	ports  Ports
	ints   Interrupts
	timers Timers
	cpu    irq.CPU
	logger *logiface.Logger[logiface.Event]

	open   bool
	line   irq.Line
	mac    [6]byte
	linkUp bool

	txReq    timer.Request
	linkReq  timer.Request
	inflight []byte
	retries  int
	txQueue  [][]byte
	rxQueue  [][]byte

	stats Stats
}

// New returns a closed driver.
func New(cfg Config, ports Ports, ints Interrupts, timers Timers, cpu irq.CPU, logger *logiface.Logger[logiface.Event]) *Driver {
	return &Driver{
		cfg:    cfg,
		ports:  ports,
		ints:   ints,
		timers: timers,
		cpu:    cpu,
		logger: logger,
	}
}

// Open resets the card, finds its line if needed, installs the interrupt
// handler and starts the card and the link poll. The timer service must be
// armed and the CPU must accept interrupts.
func (d *Driver) Open() error {
	if d.open {
		return nil
	}
	if err := d.findCard(); err != nil {
		return err
	}

	line := d.cfg.IRQ
	if line == AutoIRQ {
		var err error
		if line, err = d.detect(); err != nil {
			return err
		}
	}

	if err := d.ints.RegisterHandler(line, d.service); err != nil {
		return fmt.Errorf("driver: irq %d: %w", line, err)
	}

	prev := d.cpu.DisableInterrupts()
	d.line = line
	d.open = true
	d.linkUp = d.in(devices.NIC_REG_LINK)&devices.NIC_LINK_UP != 0
	d.startCard()
	err := d.timers.ScheduleIn(&d.linkReq, d.cfg.LinkPoll, d.pollLink, nil)
	d.cpu.RestoreInterrupts(prev)
	if err != nil {
		return errors.Join(fmt.Errorf("driver: link poll: %w", err), d.Close())
	}

	d.logger.Info().
		Int("irq", int(line)).
		Int("io_base", int(d.cfg.IOBase)).
		Str("mac", fmt.Sprintf("% x", d.mac[:])).
		Bool("link", d.linkUp).
		Log("packet driver open")
	return nil
}

func (d *Driver) findCard() error {
	if err := d.ports.Out(d.port(devices.NIC_REG_CMD), devices.NIC_CMD_RESET); err != nil {
		return fmt.Errorf("%w: %v", ErrNoCard, err)
	}
	if err := d.timers.Wait(ResetSettle); err != nil {
		return fmt.Errorf("driver: reset settle: %w", err)
	}
	status, err := d.ports.In(d.port(devices.NIC_REG_CMD))
	if err != nil || status == 0xFF {
		return fmt.Errorf("%w: 0x%x", ErrNoCard, d.cfg.IOBase)
	}
	for i := range d.mac {
		d.mac[i] = d.in(devices.NIC_REG_PROM + uint16(i))
	}
	return nil
}

func (d *Driver) detect() (irq.Line, error) {
	res, err := d.ints.Autodetect(d.cfg.Candidates, d.cfg.AutodetectTicks, func() {
		d.out(devices.NIC_REG_IMR, devices.NIC_ISR_TEST)
		d.out(devices.NIC_REG_CMD, devices.NIC_CMD_SELFTEST)
	})
	d.out(devices.NIC_REG_IMR, 0)
	d.out(devices.NIC_REG_ISR, devices.NIC_ISR_TEST)
	if err != nil && len(res.Tried) == 0 {
		return 0, fmt.Errorf("%w: %w", ErrNoIRQ, err)
	}
	line, ok := res.Line()
	switch {
	case ok:
		return line, nil
	case res.Ambiguous():
		return 0, fmt.Errorf("%w: %v", ErrAmbiguousIRQ, res.Fired)
	default:
		return 0, fmt.Errorf("%w: tried %v", ErrNoIRQ, res.Tried)
	}
}

// Close stops the card, cancels the driver's timers and releases the line.
func (d *Driver) Close() error {
	if !d.open {
		return nil
	}
	prev := d.cpu.DisableInterrupts()
	d.timers.Cancel(&d.txReq)
	d.timers.Cancel(&d.linkReq)
	d.out(devices.NIC_REG_IMR, 0)
	d.out(devices.NIC_REG_CMD, devices.NIC_CMD_STOP)
	d.open = false
	d.inflight = nil
	d.txQueue = nil
	d.cpu.RestoreInterrupts(prev)

	err := d.ints.UnregisterHandler(d.line)
	d.logger.Info().
		Int("irq", int(d.line)).
		Uint64("tx", d.stats.TxFrames).
		Uint64("rx", d.stats.RxFrames).
		Log("packet driver closed")
	return err
}

// Transmit sends frame, or queues it behind the frame in flight.
func (d *Driver) Transmit(frame []byte) error {
	if len(frame) == 0 || len(frame) > network.MaxFrameSize {
		return network.ErrFrameSize
	}
	prev := d.cpu.DisableInterrupts()
	defer d.cpu.RestoreInterrupts(prev)
	if !d.open {
		return ErrNotOpen
	}
	frame = append([]byte(nil), frame...)
	if d.inflight != nil {
		if len(d.txQueue) >= TxQueueLen {
			return ErrQueueFull
		}
		d.txQueue = append(d.txQueue, frame)
		return nil
	}
	d.startTx(frame)
	return nil
}

// Receive pops the oldest received frame.
func (d *Driver) Receive() ([]byte, bool) {
	prev := d.cpu.DisableInterrupts()
	defer d.cpu.RestoreInterrupts(prev)
	if len(d.rxQueue) == 0 {
		return nil, false
	}
	f := d.rxQueue[0]
	d.rxQueue[0] = nil
	d.rxQueue = d.rxQueue[1:]
	return f, true
}

// Line is the interrupt line in use, valid after Open.
func (d *Driver) Line() irq.Line { return d.line }

// MAC is the station address read from the card.
func (d *Driver) MAC() [6]byte { return d.mac }

// LinkUp is the last observed link state.
func (d *Driver) LinkUp() bool {
	prev := d.cpu.DisableInterrupts()
	defer d.cpu.RestoreInterrupts(prev)
	return d.linkUp
}

// Stats returns a snapshot of the driver's counters.
func (d *Driver) Stats() Stats {
	prev := d.cpu.DisableInterrupts()
	defer d.cpu.RestoreInterrupts(prev)
	return d.stats
}

// service is the card's interrupt handler.
func (d *Driver) service(line irq.Line) {
	prev := d.cpu.DisableInterrupts()
	defer d.cpu.RestoreInterrupts(prev)

	d.stats.Interrupts++
	for i := 0; i < maxServiceLoops; i++ {
		status := d.in(devices.NIC_REG_ISR)
		if status == 0 || status == 0xFF {
			break
		}
		d.out(devices.NIC_REG_ISR, status)
		if status&devices.NIC_ISR_RX != 0 {
			d.receive()
		}
		if status&devices.NIC_ISR_OVW != 0 {
			d.stats.Overruns++
		}
		if status&(devices.NIC_ISR_TX|devices.NIC_ISR_TXERR) != 0 {
			d.txDone(status&devices.NIC_ISR_TXERR != 0)
		}
		if status&devices.NIC_ISR_LINK != 0 {
			d.checkLink()
		}
	}
	d.ints.SendEOI(line)
}

func (d *Driver) receive() {
	for {
		n := int(d.in(devices.NIC_REG_RXLEN0)) | int(d.in(devices.NIC_REG_RXLEN1))<<8
		if n == 0 {
			return
		}
		if len(d.rxQueue) >= RxQueueLen {
			d.out(devices.NIC_REG_RXDROP, 1)
			d.stats.RxDropped++
			continue
		}
		frame := make([]byte, n)
		for i := range frame {
			frame[i] = d.in(devices.NIC_REG_DATA)
		}
		d.rxQueue = append(d.rxQueue, frame)
		d.stats.RxFrames++
	}
}

func (d *Driver) startTx(frame []byte) {
	d.inflight = frame
	for _, b := range frame {
		d.out(devices.NIC_REG_DATA, b)
	}
	d.out(devices.NIC_REG_TXLEN0, byte(len(frame)))
	d.out(devices.NIC_REG_TXLEN1, byte(len(frame)>>8))
	if err := d.timers.ScheduleIn(&d.txReq, d.cfg.TxTimeout, d.txTimeout, nil); err != nil {
		d.logger.Err().Err(err).Log("transmit timeout not armed")
	}
	d.out(devices.NIC_REG_CMD, devices.NIC_CMD_START|devices.NIC_CMD_TRANSMIT)
}

func (d *Driver) txDone(failed bool) {
	if d.inflight == nil {
		return
	}
	d.timers.Cancel(&d.txReq)
	if failed {
		d.stats.TxErrors++
	} else {
		d.stats.TxFrames++
	}
	d.inflight = nil
	d.retries = 0
	d.next()
}

func (d *Driver) next() {
	if len(d.txQueue) == 0 {
		return
	}
	f := d.txQueue[0]
	d.txQueue[0] = nil
	d.txQueue = d.txQueue[1:]
	d.startTx(f)
}

// txTimeout runs from the clock interrupt when a transmission did not
// complete in time. The card is reset and the frame resent.
func (d *Driver) txTimeout(any) {
	prev := d.cpu.DisableInterrupts()
	defer d.cpu.RestoreInterrupts(prev)
	if !d.open || d.inflight == nil {
		return
	}
	d.stats.TxTimeouts++
	d.logger.Warning().
		Int("irq", int(d.line)).
		Int("retry", d.retries+1).
		Log("transmit timed out, resetting card")

	d.out(devices.NIC_REG_CMD, devices.NIC_CMD_RESET)
	d.startCard()

	frame := d.inflight
	if d.retries >= MaxRetries {
		d.stats.TxErrors++
		d.inflight = nil
		d.retries = 0
		d.next()
		return
	}
	d.retries++
	d.stats.TxRetries++
	d.startTx(frame)
}

// pollLink re-reads the link state and re-arms itself.
func (d *Driver) pollLink(any) {
	prev := d.cpu.DisableInterrupts()
	defer d.cpu.RestoreInterrupts(prev)
	if !d.open {
		return
	}
	d.checkLink()
	if err := d.timers.ScheduleIn(&d.linkReq, d.cfg.LinkPoll, d.pollLink, nil); err != nil {
		d.logger.Err().Err(err).Log("link poll not re-armed")
	}
}

func (d *Driver) checkLink() {
	up := d.in(devices.NIC_REG_LINK)&devices.NIC_LINK_UP != 0
	if up == d.linkUp {
		return
	}
	d.linkUp = up
	d.stats.LinkChanges++
	d.logger.Info().
		Int("irq", int(d.line)).
		Bool("up", up).
		Log("link state changed")
}

func (d *Driver) startCard() {
	d.out(devices.NIC_REG_IMR, enabledSources)
	d.out(devices.NIC_REG_CMD, devices.NIC_CMD_START)
}

func (d *Driver) port(reg uint16) uint16 { return d.cfg.IOBase + reg }

func (d *Driver) in(reg uint16) byte {
	v, err := d.ports.In(d.port(reg))
	if err != nil {
		d.logger.Err().Err(err).Int("reg", int(reg)).Log("card read failed")
		return 0xFF
	}
	return v
}

func (d *Driver) out(reg uint16, v byte) {
	if err := d.ports.Out(d.port(reg), v); err != nil {
		d.logger.Err().Err(err).Int("reg", int(reg)).Log("card write failed")
	}
}
