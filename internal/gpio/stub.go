//go:build !linux

package gpio

import (
	"errors"

	"github.com/sweeney/badge-node/internal/display"
)

// RealOutput is not available on non-Linux platforms.
type RealOutput struct{}

// NewRealOutput returns an error on non-Linux platforms.
func NewRealOutput(string, []int, bool) (*RealOutput, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// SetPattern is not implemented on non-Linux platforms.
func (r *RealOutput) SetPattern(display.Pattern) error {
	return errors.New("gpio: not supported")
}

// SetSingle is not implemented on non-Linux platforms.
func (r *RealOutput) SetSingle(int, bool) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *RealOutput) Close() error {
	return nil
}
