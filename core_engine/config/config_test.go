package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/pmdrvr/core_engine/config"
	"example.com/pmdrvr/core_engine/irq"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, irq.Line(8), cfg.ClockLine())
	mac, err := cfg.NIC.HardwareAddr()
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01}, mac)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(`
[timer]
rate = 256
clock = "pit"

[irq]
stack_size = 8192
nested_dispatch = false

[nic]
irq = 5
jumper_irq = 5
backend = "tap"
tap_name = "tap0"
`))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Timer.Rate)
	assert.Equal(t, irq.Line(0), cfg.ClockLine())
	assert.Equal(t, 8192, cfg.IRQ.StackSize)
	assert.False(t, cfg.IRQ.NestedDispatch)
	assert.Equal(t, uint64(irq.DefaultUnregisterWait), cfg.IRQ.UnregisterWaitTicks, "unset keys keep defaults")
	assert.Equal(t, 5, cfg.NIC.IRQ)
	assert.Equal(t, "tap0", cfg.NIC.TapName)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := config.Parse([]byte("[timer]\nrate = 64\nticks = 3\n"))
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "timer.ticks")
}

func TestParseSyntaxError(t *testing.T) {
	_, err := config.Parse([]byte("[timer\n"))
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := config.Default()
	cfg.Timer.Rate = 1000
	cfg.Timer.Clock = "hpet"
	cfg.IRQ.StackSize = 100
	cfg.NIC.JumperIRQ = 2
	cfg.NIC.Backend = "tap"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.ErrorIs(t, err, config.ErrInvalid)
	for _, want := range []string{
		"timer.rate 1000",
		`timer.clock "hpet"`,
		"irq.stack_size 100",
		"nic.jumper_irq 2 is the cascade line",
		"nic.tap_name is required",
		"log.level",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateClockLineConflict(t *testing.T) {
	cfg := config.Default()
	cfg.NIC.IRQ = 8
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "used by the rtc clock")

	cfg.Timer.Clock = config.ClockPIT
	assert.NoError(t, cfg.Validate())
}

func TestValidateAutodetect(t *testing.T) {
	cfg := config.Default()
	cfg.NIC.Candidates = nil
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalid)

	cfg = config.Default()
	cfg.NIC.Candidates = []int{3, 16}
	assert.ErrorContains(t, cfg.Validate(), "candidates entry 16")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pmdrvr.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\nbacklog = 8\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Log.Logging().Backlog)

	_, err = config.Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}
