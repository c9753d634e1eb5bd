// Package core_engine assembles the simulated PC, the interrupt controller,
// the timer service and the packet driver into one Machine.
package core_engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"

	"example.com/pmdrvr/core_engine/config"
	"example.com/pmdrvr/core_engine/devices"
	"example.com/pmdrvr/core_engine/driver"
	"example.com/pmdrvr/core_engine/irq"
	"example.com/pmdrvr/core_engine/logging"
	"example.com/pmdrvr/core_engine/memory"
	"example.com/pmdrvr/core_engine/network"
	"example.com/pmdrvr/core_engine/platform"
	"example.com/pmdrvr/core_engine/timer"
)

// nicPoll is how often Run checks the network backend when it is idle.
const nicPoll = 2 * time.Millisecond

// Machine is one simulated PC running the packet driver.
type Machine struct {
	cfg    config.Config
	logger *logiface.Logger[logiface.Event]
	gate   *logging.Gate

	alloc   memory.Allocator
	bus     *devices.IOBus
	pic     *devices.PICDevice
	rtc     *devices.RTCDevice
	pit     *devices.PITDevice
	nic     *devices.NICDevice
	backend network.HostNetInterface

	cpu     *platform.CPU
	vectors *platform.VectorTable
	fpu     *platform.FPU
	ctrl    *irq.Controller
	clock   *timer.Service
	driver  *driver.Driver

	// running is set while Run drives the clock in real time. Otherwise
	// idle loops advance the clock themselves.
	running atomic.Bool
	started bool
	closed  bool
}

// NewMachine builds a machine from cfg, logging JSON lines to logw. The
// clock is not started and the driver is not open until Start.
func NewMachine(cfg config.Config, logw io.Writer) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mac, err := cfg.NIC.HardwareAddr()
	if err != nil {
		return nil, fmt.Errorf("machine: nic mac: %w", err)
	}
	logger, gate, err := logging.New(logw, cfg.Log.Logging())
	if err != nil {
		return nil, fmt.Errorf("machine: logger: %w", err)
	}

	m := &Machine{
		cfg:    cfg,
		logger: logger,
		gate:   gate,
		fpu:    &platform.FPU{},
	}
	if cfg.Memory.Pinned {
		m.alloc = memory.NewLocked()
	} else {
		m.alloc = memory.NewHeap(cfg.Memory.Budget)
	}

	switch cfg.NIC.Backend {
	case config.BackendTap:
		tap, err := network.NewTapDevice(cfg.NIC.TapName, logger)
		if err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
		m.backend = tap
	default:
		m.backend = network.NewLoopback(network.DefaultLoopbackDepth)
	}

	// Register devices with the I/O bus
	m.bus = devices.NewIOBus(logger)
	m.pic = devices.NewPICDevice()
	m.rtc = devices.NewRTCDevice(m.pic)
	m.pit = devices.NewPITDevice(m.pic)
	m.nic = devices.NewNICDevice(devices.NICConfig{
		Base: uint16(cfg.NIC.IOBase),
		IRQ:  uint8(cfg.NIC.JumperIRQ),
		MAC:  mac,
	}, m.backend, m.pic, logger)
	m.bus.RegisterDevice(devices.PIC_MASTER_CMD_PORT, devices.PIC_MASTER_DATA_PORT, m.pic)
	m.bus.RegisterDevice(devices.PIC_SLAVE_CMD_PORT, devices.PIC_SLAVE_DATA_PORT, m.pic)
	m.bus.RegisterDevice(devices.PIT_PORT_COUNTER0, devices.PIT_PORT_COMMAND, m.pit)
	m.bus.RegisterDevice(devices.RTC_PORT_INDEX, devices.RTC_PORT_DATA, m.rtc)
	start, end := m.nic.Ports()
	m.bus.RegisterDevice(start, end, m.nic)

	ports := platform.NewPortPIC(m.bus, logger)
	m.vectors = platform.NewVectorTable(ports, logger)
	m.cpu = platform.NewCPU(m.pic, m.vectors, logger)
	m.pic.SetRequestHook(m.cpu.Kick)

	m.ctrl, err = irq.New(ports, m.vectors, m.alloc,
		irq.WithLogger(logger),
		irq.WithCPU(m.cpu),
		irq.WithExtendedState(m.fpu),
		irq.WithIOGate(gate),
		irq.WithClock(irq.ClockFunc(func() uint64 { return uint64(m.clock.Now()) }), m.idle),
		irq.WithStackSize(cfg.IRQ.StackSize),
		irq.WithUnregisterWait(cfg.IRQ.UnregisterWaitTicks),
		irq.WithNesting(cfg.IRQ.NestedDispatch),
	)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("machine: %w", err), m.backend.Close())
	}

	var src timer.ClockSource = platform.NewRTCClock(m.bus)
	if cfg.Timer.Clock == config.ClockPIT {
		src = platform.NewPITClock(m.bus)
	}
	m.clock = timer.New(m.ctrl, src, timer.WithLogger(logger), timer.WithIdle(m.idle))

	candidates := make([]irq.Line, len(cfg.NIC.Candidates))
	for i, l := range cfg.NIC.Candidates {
		candidates[i] = irq.Line(l)
	}
	m.driver = driver.New(driver.Config{
		IOBase:          uint16(cfg.NIC.IOBase),
		IRQ:             irq.Line(cfg.NIC.IRQ),
		Candidates:      candidates,
		AutodetectTicks: cfg.NIC.AutodetectTicks,
		TxTimeout:       timer.Tick(cfg.NIC.TxTimeoutTicks),
		LinkPoll:        timer.Tick(cfg.NIC.LinkPollTicks),
	}, m.bus, m.ctrl, m.clock, m.cpu, logger)

	logger.Info().
		Str("clock", cfg.Timer.Clock).
		Int("rate", cfg.Timer.Rate).
		Str("backend", cfg.NIC.Backend).
		Bool("pinned", cfg.Memory.Pinned).
		Log("machine created")
	return m, nil
}

// Start arms the clock and opens the packet driver.
func (m *Machine) Start() error {
	if m.started {
		return nil
	}
	var err error
	m.cpu.Exec(func() {
		if err = m.clock.Init(m.cfg.Timer.Rate); err != nil {
			return
		}
		if err = m.driver.Open(); err != nil {
			err = errors.Join(err, m.clock.Shutdown())
		}
	})
	if err != nil {
		return fmt.Errorf("machine: start: %w", err)
	}
	m.started = true
	return nil
}

// Run drives the clock device in real time, scaled by timer.speed, and
// feeds frames from the network backend to the card until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	if !m.started {
		return errors.New("machine: not started")
	}
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("machine: already running")
	}
	defer m.running.Store(false)

	speed := m.cfg.Timer.Speed
	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.Timer.Clock == config.ClockPIT {
		g.Go(func() error { return m.pit.Run(gctx, speed) })
	} else {
		g.Go(func() error { return m.rtc.Run(gctx, speed) })
	}
	g.Go(func() error { return m.nic.Run(gctx, nicPoll) })

	m.logger.Info().Float64("speed", speed).Log("machine running")
	err := g.Wait()
	if ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		m.logger.Err().Err(err).Log("machine loop failed")
	}
	_ = logging.Flush(m.logger, m.gate)
	m.logger.Info().Uint64("tick", uint64(m.clock.Now())).Log("machine stopped")
	return err
}

// Step advances virtual time by n clock periods. Each pulse is delivered
// at once unless foreground code holds the CPU. It must be called outside
// Exec and not while Run is active.
func (m *Machine) Step(n int) {
	for range n {
		m.pulse()
	}
}

// Exec runs fn as foreground code on the machine's CPU.
func (m *Machine) Exec(fn func()) { m.cpu.Exec(fn) }

// Driver returns the packet driver. Its methods must be called inside Exec.
func (m *Machine) Driver() *driver.Driver { return m.driver }

// Timers returns the timer service.
func (m *Machine) Timers() *timer.Service { return m.clock }

// Controller returns the interrupt controller.
func (m *Machine) Controller() *irq.Controller { return m.ctrl }

// CPU returns the simulated processor.
func (m *Machine) CPU() *platform.CPU { return m.cpu }

// NIC returns the simulated network card.
func (m *Machine) NIC() *devices.NICDevice { return m.nic }

// Backend returns the host side of the card's wire.
func (m *Machine) Backend() network.HostNetInterface { return m.backend }

// Close stops the driver and the clock, releases every interrupt line and
// closes the network backend.
func (m *Machine) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	var (
		errs  []error
		stats driver.Stats
	)
	m.cpu.Exec(func() {
		stats = m.driver.Stats()
		errs = append(errs,
			m.driver.Close(),
			m.clock.Shutdown(),
			m.ctrl.Close(),
		)
	})
	errs = append(errs, m.backend.Close(), logging.Flush(m.logger, m.gate))

	m.logger.Info().
		Uint64("delivered", m.cpu.Delivered()).
		Uint64("tx", stats.TxFrames).
		Uint64("rx", stats.RxFrames).
		Uint64("tx_timeouts", stats.TxTimeouts).
		Uint64("unassigned_vectors", m.vectors.Unassigned()).
		Uint64("log_dropped", m.gate.Dropped()).
		Log("machine closed")
	return errors.Join(errs...)
}

// idle is called from bounded waits in foreground code.
func (m *Machine) idle() {
	if m.running.Load() {
		runtime.Gosched()
	} else {
		m.pulse()
	}
	m.cpu.Poll()
}

func (m *Machine) pulse() {
	if m.cfg.Timer.Clock == config.ClockPIT {
		m.pit.Pulse()
		return
	}
	m.rtc.Pulse()
}
