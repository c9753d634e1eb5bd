// Package logging builds the structured logger shared by every component.
//
// Output goes through a Gate, so records emitted from interrupt handlers are
// queued and written once the CPU is back in foreground code.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Config selects the logger's level and format.
type Config struct {
	Level string
	// Backlog bounds the records held while I/O is unsafe.
	Backlog int
	// TimeField adds a timestamp to every record.
	TimeField bool
}

// New returns a logger writing JSON lines to w through a new Gate.
func New(w io.Writer, cfg Config) (*logiface.Logger[logiface.Event], *Gate, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	gate := NewGate(w, cfg.Backlog)
	format := stumpy.L.WithStumpy(stumpy.WithWriter(gate), stumpy.WithTimeField(``))
	if cfg.TimeField {
		format = stumpy.L.WithStumpy(stumpy.WithWriter(gate))
	}
	logger := stumpy.L.New(format, stumpy.L.WithLevel(level)).Logger()
	return logger, gate, nil
}

// ParseLevel maps a syslog style level name to a logiface level. An empty
// string is informational.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info", "informational":
		return logiface.LevelInformational, nil
	case "off", "disabled", "none":
		return logiface.LevelDisabled, nil
	case "emerg", "emergency":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warn", "warning":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Flush writes out the records gate is holding and then reports, through
// logger, any records the backlog had to drop. It does nothing while I/O
// is unsafe.
func Flush(logger *logiface.Logger[logiface.Event], gate *Gate) error {
	if gate.Unsafe() {
		return nil
	}
	if err := gate.Flush(); err != nil {
		return err
	}
	if n := gate.TakeDropped(); n > 0 {
		logger.Warning().
			Uint64("dropped", n).
			Uint64("dropped_total", gate.Dropped()).
			Log("log records dropped in interrupt context")
	}
	return nil
}
