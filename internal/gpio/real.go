//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"github.com/sweeney/badge-node/internal/display"
)

// RealOutput drives LEDs on actual hardware using the Linux GPIO character device.
type RealOutput struct {
	chip   *gpiocdev.Chip
	lines  *gpiocdev.Lines
	values []int
}

// NewRealOutput requests pins as outputs, all off. activeLow suits LEDs
// wired between the pin and the supply rail.
func NewRealOutput(chipName string, pins []int, activeLow bool) (*RealOutput, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	values := make([]int, len(pins))
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(values...)}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	lines, err := chip.RequestLines(pins, opts...)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request LED pins %v: %w", pins, err)
	}

	return &RealOutput{
		chip:   chip,
		lines:  lines,
		values: values,
	}, nil
}

// SetPattern writes the six display lines, leaving the indicator alone.
func (r *RealOutput) SetPattern(p display.Pattern) error {
	vals := patternBits(p, r.values)
	if err := r.lines.SetValues(vals); err != nil {
		return fmt.Errorf("write pattern %06b: %w", p, err)
	}
	r.values = vals
	return nil
}

// SetSingle writes one line by index.
func (r *RealOutput) SetSingle(index int, on bool) error {
	if index < 0 || index >= len(r.values) {
		return fmt.Errorf("gpio: line %d out of range", index)
	}
	vals := make([]int, len(r.values))
	copy(vals, r.values)
	vals[index] = 0
	if on {
		vals[index] = 1
	}
	if err := r.lines.SetValues(vals); err != nil {
		return fmt.Errorf("write line %d: %w", index, err)
	}
	r.values = vals
	return nil
}

// Close releases GPIO resources.
// Reconfigures pins to input with pull-down (matching Pi boot defaults) before
// closing so the LEDs go dark and nothing is driven during reboot.
func (r *RealOutput) Close() error {
	var errs []error

	if r.lines != nil {
		if err := r.lines.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure LED pins: %w", err))
		}
		if err := r.lines.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close LED pins: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
