//go:build !linux

package network

import (
	"errors"

	"github.com/joeycumines/logiface"
)

// TapDevice is only available on Linux.
type TapDevice struct{ Loopback }

// NewTapDevice always fails off Linux.
func NewTapDevice(name string, logger *logiface.Logger[logiface.Event]) (*TapDevice, error) {
	return nil, errors.New("network: tap devices require linux")
}

// Name returns the empty string.
func (t *TapDevice) Name() string { return "" }
