// Package gpio drives the badge LEDs with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import "github.com/sweeney/badge-node/internal/display"

// Output writes LED states. It satisfies display.Output.
type Output interface {
	display.Output

	// Close releases GPIO resources.
	Close() error
}

// DefaultPins are the LED lines (BCM numbering). The first six carry the
// display pattern in bit order; the seventh is the indicator LED.
var DefaultPins = []int{17, 27, 22, 5, 6, 13, 26}

// patternBits returns the value of each of the n lines for p. Lines past
// display.NumLEDs are left at keep.
func patternBits(p display.Pattern, keep []int) []int {
	vals := make([]int, len(keep))
	copy(vals, keep)
	for i := 0; i < len(vals) && i < display.NumLEDs; i++ {
		vals[i] = 0
		if p&(1<<uint(i)) != 0 {
			vals[i] = 1
		}
	}
	return vals
}
