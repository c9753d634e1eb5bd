package driver_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/pmdrvr/core_engine/devices"
	"example.com/pmdrvr/core_engine/driver"
	"example.com/pmdrvr/core_engine/irq"
	"example.com/pmdrvr/core_engine/memory"
	"example.com/pmdrvr/core_engine/network"
	"example.com/pmdrvr/core_engine/platform"
	"example.com/pmdrvr/core_engine/timer"
)

// board is a PC with an RTC clock and one card jumpered to line 10. Idle
// polls advance virtual time by one RTC period.
type board struct {
	bus   *devices.IOBus
	pic   *devices.PICDevice
	rtc   *devices.RTCDevice
	nic   *devices.NICDevice
	wire  *network.Loopback
	cpu   *platform.CPU
	ctrl  *irq.Controller
	clock *timer.Service
	log   *bytes.Buffer
	lg    *logiface.Logger[logiface.Event]
}

func newBoard(t *testing.T) *board {
	t.Helper()
	b := &board{log: &bytes.Buffer{}}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(b.log), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
	b.lg = logger

	b.bus = devices.NewIOBus(logger)
	b.pic = devices.NewPICDevice()
	b.rtc = devices.NewRTCDevice(b.pic)
	b.wire = network.NewLoopback(8)
	b.nic = devices.NewNICDevice(devices.NICConfig{Base: 0x300, IRQ: 10, MAC: [6]byte{2, 0, 0, 0, 0, 7}}, b.wire, b.pic, logger)
	b.bus.RegisterDevice(devices.PIC_MASTER_CMD_PORT, devices.PIC_MASTER_DATA_PORT, b.pic)
	b.bus.RegisterDevice(devices.PIC_SLAVE_CMD_PORT, devices.PIC_SLAVE_DATA_PORT, b.pic)
	b.bus.RegisterDevice(devices.RTC_PORT_INDEX, devices.RTC_PORT_DATA, b.rtc)
	start, end := b.nic.Ports()
	b.bus.RegisterDevice(start, end, b.nic)

	ports := platform.NewPortPIC(b.bus, logger)
	vectors := platform.NewVectorTable(ports, logger)
	b.cpu = platform.NewCPU(b.pic, vectors, logger)
	b.pic.SetRequestHook(b.cpu.Kick)

	idle := func() {
		b.rtc.Pulse()
		b.cpu.Poll()
	}
	var err error
	b.ctrl, err = irq.New(ports, vectors, memory.NewHeap(1<<20),
		irq.WithLogger(logger),
		irq.WithCPU(b.cpu),
		irq.WithExtendedState(&platform.FPU{}),
		irq.WithClock(irq.ClockFunc(func() uint64 { return uint64(b.clock.Now()) }), idle),
		irq.WithStackSize(4096),
	)
	require.NoError(t, err)
	b.clock = timer.New(b.ctrl, platform.NewRTCClock(b.bus), timer.WithLogger(logger), timer.WithIdle(idle))
	b.cpu.Exec(func() { require.NoError(t, b.clock.Init(timer.HZ)) })
	return b
}

func (b *board) driver(cfg driver.Config) *driver.Driver {
	if cfg.IOBase == 0 {
		cfg.IOBase = 0x300
	}
	if cfg.TxTimeout == 0 {
		cfg.TxTimeout = 8
	}
	if cfg.LinkPoll == 0 {
		cfg.LinkPoll = 16
	}
	if cfg.AutodetectTicks == 0 {
		cfg.AutodetectTicks = 4
	}
	return driver.New(cfg, b.bus, b.ctrl, b.clock, b.cpu, b.lg)
}

func (b *board) open(t *testing.T, d *driver.Driver) {
	t.Helper()
	var err error
	b.cpu.Exec(func() { err = d.Open() })
	require.NoError(t, err)
}

func (b *board) wait(ticks timer.Tick) {
	b.cpu.Exec(func() { _ = b.clock.Wait(ticks) })
}

func (b *board) stats(d *driver.Driver) (s driver.Stats) {
	b.cpu.Exec(func() { s = d.Stats() })
	return s
}

func (b *board) linkUp(d *driver.Driver) (up bool) {
	b.cpu.Exec(func() { up = d.LinkUp() })
	return up
}

func (b *board) receive(d *driver.Driver) (frame []byte, ok bool) {
	b.cpu.Exec(func() { frame, ok = d.Receive() })
	return frame, ok
}

// pump moves frames the card sent on the loopback wire back into it.
func (b *board) pump() {
	for {
		p, _ := b.wire.ReadPacket()
		if p == nil {
			return
		}
		b.nic.Deliver(p)
	}
}

func TestOpenAutodetectsLine(t *testing.T) {
	b := newBoard(t)
	d := b.driver(driver.Config{IRQ: driver.AutoIRQ, Candidates: []irq.Line{3, 5, 7, 9, 10, 11}})
	b.open(t, d)

	assert.Equal(t, irq.Line(10), d.Line())
	assert.Equal(t, [6]byte{2, 0, 0, 0, 0, 7}, d.MAC())
	assert.True(t, b.linkUp(d))
	assert.True(t, b.ctrl.Registered(10))
	for _, l := range []irq.Line{3, 5, 7, 9, 11} {
		assert.False(t, b.ctrl.Registered(l))
		assert.True(t, b.ctrl.LineMasked(l), "line %d back to its BIOS mask", l)
	}
	assert.False(t, b.ctrl.LineMasked(10))
	assert.Contains(t, b.log.String(), "autodetect finished")
}

func TestOpenFailsWithoutCard(t *testing.T) {
	b := newBoard(t)
	d := b.driver(driver.Config{IOBase: 0x280, IRQ: 5})
	var err error
	b.cpu.Exec(func() { err = d.Open() })
	assert.ErrorIs(t, err, driver.ErrNoCard)
	assert.False(t, b.ctrl.Registered(5))
}

func TestOpenNeedsRunningClock(t *testing.T) {
	b := newBoard(t)
	d := b.driver(driver.Config{IRQ: 10})

	var err error
	b.cpu.Exec(func() {
		prev := b.cpu.DisableInterrupts()
		err = d.Open()
		b.cpu.RestoreInterrupts(prev)
	})
	assert.ErrorIs(t, err, timer.ErrClockStalled)
	assert.False(t, b.ctrl.Registered(10))

	b.cpu.Exec(func() { require.NoError(t, b.clock.Shutdown()) })
	b.cpu.Exec(func() { err = d.Open() })
	assert.ErrorIs(t, err, timer.ErrNotArmed)
}

func TestOpenFailsWhenNoCandidateFires(t *testing.T) {
	b := newBoard(t)
	d := b.driver(driver.Config{IRQ: driver.AutoIRQ, Candidates: []irq.Line{3, 5}})
	var err error
	b.cpu.Exec(func() { err = d.Open() })
	assert.ErrorIs(t, err, driver.ErrNoIRQ)
	assert.False(t, b.ctrl.Registered(3))
	assert.False(t, b.ctrl.Registered(5))
}

func TestOpenFailsWhenLineOwned(t *testing.T) {
	b := newBoard(t)
	d := b.driver(driver.Config{IRQ: 8})
	var err error
	b.cpu.Exec(func() { err = d.Open() })
	assert.ErrorIs(t, err, irq.ErrAlreadyRegistered)
}

func TestTransmitAndReceive(t *testing.T) {
	b := newBoard(t)
	d := b.driver(driver.Config{IRQ: 10})
	b.open(t, d)

	frames := [][]byte{{1, 2, 3}, {4, 5}, {6}}
	b.cpu.Exec(func() {
		for _, f := range frames {
			require.NoError(t, d.Transmit(f))
		}
	})
	assert.Equal(t, uint64(3), b.stats(d).TxFrames)
	assert.Equal(t, 1, b.clock.Pending(), "only the link poll is pending")

	b.pump()
	for _, want := range frames {
		got, ok := b.receive(d)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := b.receive(d)
	assert.False(t, ok)
	assert.Equal(t, uint64(3), b.stats(d).RxFrames)
	assert.NotZero(t, b.ctrl.Stats(10).Dispatches)
}

func TestTransmitValidation(t *testing.T) {
	b := newBoard(t)
	d := b.driver(driver.Config{IRQ: 10})
	b.cpu.Exec(func() {
		assert.ErrorIs(t, d.Transmit([]byte{1}), driver.ErrNotOpen)
		assert.ErrorIs(t, d.Transmit(nil), network.ErrFrameSize)
	})
}

func TestTransmitTimeoutGivesUp(t *testing.T) {
	b := newBoard(t)
	d := b.driver(driver.Config{IRQ: 10, TxTimeout: 8})
	b.open(t, d)

	b.nic.SetTxStall(true)
	b.cpu.Exec(func() { require.NoError(t, d.Transmit([]byte{9, 9})) })
	b.wait(40)

	s := b.stats(d)
	assert.Equal(t, uint64(driver.MaxRetries+1), s.TxTimeouts)
	assert.Equal(t, uint64(driver.MaxRetries), s.TxRetries)
	assert.Equal(t, uint64(1), s.TxErrors)
	assert.Zero(t, s.TxFrames)
	assert.Equal(t, driver.MaxRetries+1, strings.Count(b.log.String(), "transmit timed out"))
}

func TestTransmitTimeoutRecovers(t *testing.T) {
	b := newBoard(t)
	d := b.driver(driver.Config{IRQ: 10, TxTimeout: 8})
	b.open(t, d)

	b.nic.SetTxStall(true)
	b.cpu.Exec(func() { require.NoError(t, d.Transmit([]byte{7})) })
	b.wait(10)
	b.nic.SetTxStall(false)
	b.wait(10)

	s := b.stats(d)
	assert.Equal(t, uint64(2), s.TxTimeouts)
	assert.Equal(t, uint64(1), s.TxFrames)
	assert.Zero(t, s.TxErrors)
	p, err := b.wire.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, p)
}

func TestLinkChanges(t *testing.T) {
	b := newBoard(t)
	d := b.driver(driver.Config{IRQ: 10, LinkPoll: 16})
	b.open(t, d)

	b.nic.SetLink(false)
	assert.False(t, b.linkUp(d))
	assert.Equal(t, uint64(1), b.stats(d).LinkChanges)

	// the poll keeps re-arming itself
	b.wait(64)
	assert.Equal(t, 1, b.clock.Pending())
	assert.Equal(t, uint64(1), b.stats(d).LinkChanges)
}

func TestClose(t *testing.T) {
	b := newBoard(t)
	d := b.driver(driver.Config{IRQ: 10})
	b.open(t, d)

	var err error
	b.cpu.Exec(func() { err = d.Close() })
	require.NoError(t, err)
	assert.False(t, b.ctrl.Registered(10))
	assert.Zero(t, b.clock.Pending())
	b.cpu.Exec(func() { assert.NoError(t, d.Close()) })

	// the line can be claimed again
	b.open(t, d)
	assert.True(t, b.ctrl.Registered(10))
}
