package gpio

import (
	"fmt"

	"github.com/sweeney/badge-node/internal/display"
)

// FakeOutput is a test double that records LED writes.
type FakeOutput struct {
	// Lines holds the current value of every line.
	Lines []bool

	// Patterns records every SetPattern call in order.
	Patterns []display.Pattern

	// Closed tracks if Close was called
	Closed bool

	// WriteError, if set, will be returned by SetPattern and SetSingle.
	WriteError error
}

// NewFakeOutput creates a FakeOutput with n lines, all off.
func NewFakeOutput(n int) *FakeOutput {
	return &FakeOutput{Lines: make([]bool, n)}
}

// SetPattern records p and updates the display lines.
func (f *FakeOutput) SetPattern(p display.Pattern) error {
	if f.WriteError != nil {
		return f.WriteError
	}
	f.Patterns = append(f.Patterns, p)
	for i := 0; i < len(f.Lines) && i < display.NumLEDs; i++ {
		f.Lines[i] = p&(1<<uint(i)) != 0
	}
	return nil
}

// SetSingle sets one line.
func (f *FakeOutput) SetSingle(index int, on bool) error {
	if f.WriteError != nil {
		return f.WriteError
	}
	if index < 0 || index >= len(f.Lines) {
		return fmt.Errorf("gpio: line %d out of range", index)
	}
	f.Lines[index] = on
	return nil
}

// Last returns the most recent pattern, or Blank if none was written.
func (f *FakeOutput) Last() display.Pattern {
	if len(f.Patterns) == 0 {
		return display.Blank
	}
	return f.Patterns[len(f.Patterns)-1]
}

// Close marks the output as closed.
func (f *FakeOutput) Close() error {
	f.Closed = true
	return nil
}
