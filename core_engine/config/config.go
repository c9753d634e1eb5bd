// Package config loads the runtime configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"example.com/pmdrvr/core_engine/irq"
	"example.com/pmdrvr/core_engine/logging"
	"example.com/pmdrvr/core_engine/timer"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	IRQ    IRQConfig    `toml:"irq"`
	Timer  TimerConfig  `toml:"timer"`
	Memory MemoryConfig `toml:"memory"`
	Log    LogConfig    `toml:"log"`
	NIC    NICConfig    `toml:"nic"`
}

type IRQConfig struct {
	StackSize           int    `toml:"stack_size"`
	UnregisterWaitTicks uint64 `toml:"unregister_wait_ticks"`
	NestedDispatch      bool   `toml:"nested_dispatch"`
}

type TimerConfig struct {
	Rate  int     `toml:"rate"`
	Clock string  `toml:"clock"`
	Speed float64 `toml:"speed"`
}

// Clock names.
const (
	ClockRTC = "rtc"
	ClockPIT = "pit"
)

type MemoryConfig struct {
	Pinned bool `toml:"pinned"`
	Budget int  `toml:"budget"`
}

type LogConfig struct {
	Level     string `toml:"level"`
	Backlog   int    `toml:"backlog"`
	TimeField bool   `toml:"time_field"`
}

// Logging converts c to the logger's settings.
func (c LogConfig) Logging() logging.Config {
	return logging.Config{Level: c.Level, Backlog: c.Backlog, TimeField: c.TimeField}
}

type NICConfig struct {
	IOBase          int    `toml:"io_base"`
	IRQ             int    `toml:"irq"`
	JumperIRQ       int    `toml:"jumper_irq"`
	MAC             string `toml:"mac"`
	Candidates      []int  `toml:"candidates"`
	AutodetectTicks uint64 `toml:"autodetect_ticks"`
	TxTimeoutTicks  uint64 `toml:"tx_timeout_ticks"`
	LinkPollTicks   uint64 `toml:"link_poll_ticks"`
	Backend         string `toml:"backend"`
	TapName         string `toml:"tap_name"`
}

// Backend names.
const (
	BackendLoopback = "loopback"
	BackendTap      = "tap"
)

// AutoIRQ in nic.irq asks the driver to find the card's line.
const AutoIRQ = 0

// HardwareAddr parses the configured station address.
func (c NICConfig) HardwareAddr() ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(c.MAC)
	if err != nil {
		return out, err
	}
	if len(hw) != len(out) {
		return out, fmt.Errorf("mac %q is not 48 bits", c.MAC)
	}
	copy(out[:], hw)
	return out, nil
}

// Default returns the configuration used for keys a file leaves unset.
func Default() Config {
	return Config{
		IRQ: IRQConfig{
			StackSize:           irq.DefaultStackSize,
			UnregisterWaitTicks: irq.DefaultUnregisterWait,
			NestedDispatch:      true,
		},
		Timer: TimerConfig{
			Rate:  timer.HZ,
			Clock: ClockRTC,
			Speed: 1,
		},
		Memory: MemoryConfig{
			Pinned: false,
			Budget: 1 << 20,
		},
		Log: LogConfig{
			Level:   "info",
			Backlog: logging.DefaultBacklog,
		},
		NIC: NICConfig{
			IOBase:          0x300,
			IRQ:             AutoIRQ,
			JumperIRQ:       10,
			MAC:             "02:00:5e:00:00:01",
			Candidates:      []int{3, 5, 7, 9, 10, 11, 12, 15},
			AutodetectTicks: 16,
			TxTimeoutTicks:  512,
			LinkPollTicks:   1024,
			Backend:         BackendLoopback,
		},
	}
}

// Load reads and validates the TOML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ClockLine is the interrupt line used by the configured clock.
func (c Config) ClockLine() irq.Line {
	if c.Timer.Clock == ClockPIT {
		return 0
	}
	return 8
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.IRQ.StackSize < irq.ExtendedStateSize {
		bad("irq.stack_size %d is below %d", c.IRQ.StackSize, irq.ExtendedStateSize)
	}

	if !timer.ValidRate(c.Timer.Rate) {
		bad("timer.rate %d is not a power of two in [%d, %d]", c.Timer.Rate, timer.MinRate, timer.MaxRate)
	}
	switch c.Timer.Clock {
	case ClockRTC, ClockPIT:
	default:
		bad("timer.clock %q is not %q or %q", c.Timer.Clock, ClockRTC, ClockPIT)
	}
	if c.Timer.Speed <= 0 {
		bad("timer.speed must be positive")
	}

	if !c.Memory.Pinned && c.Memory.Budget <= 0 {
		bad("memory.budget must be positive")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	if c.Log.Backlog < 0 {
		bad("log.backlog must not be negative")
	}

	n := c.NIC
	if n.IOBase < 0x100 || n.IOBase > 0x3F0 || n.IOBase%0x10 != 0 {
		bad("nic.io_base 0x%x must be 16 byte aligned in [0x100, 0x3f0]", n.IOBase)
	}
	clock := c.ClockLine()
	deviceLine := func(key string, v int) {
		l := irq.Line(v)
		switch {
		case !l.Valid():
			bad("%s %d is not a line", key, v)
		case l == irq.CascadeLine:
			bad("%s %d is the cascade line", key, v)
		case l == clock:
			bad("%s %d is used by the %s clock", key, v, c.Timer.Clock)
		}
	}
	if n.IRQ != AutoIRQ {
		deviceLine("nic.irq", n.IRQ)
	} else if len(n.Candidates) == 0 {
		bad("nic.candidates is empty and nic.irq is auto")
	}
	deviceLine("nic.jumper_irq", n.JumperIRQ)
	for _, v := range n.Candidates {
		if !irq.Line(v).Valid() {
			bad("nic.candidates entry %d is not a line", v)
		}
	}
	if n.IRQ == AutoIRQ && n.AutodetectTicks == 0 {
		bad("nic.autodetect_ticks must be positive")
	}
	if n.TxTimeoutTicks == 0 {
		bad("nic.tx_timeout_ticks must be positive")
	}
	if n.LinkPollTicks == 0 {
		bad("nic.link_poll_ticks must be positive")
	}
	if _, err := n.HardwareAddr(); err != nil {
		bad("nic.mac: %v", err)
	}
	switch n.Backend {
	case BackendLoopback:
	case BackendTap:
		if n.TapName == "" {
			bad("nic.tap_name is required for the tap backend")
		}
	default:
		bad("nic.backend %q is not %q or %q", n.Backend, BackendLoopback, BackendTap)
	}

	return errors.Join(errs...)
}
