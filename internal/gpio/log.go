package gpio

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sweeney/badge-node/internal/display"
)

// LogOutput stands in for the LEDs on hosts without GPIO. Every change is
// logged at debug level.
type LogOutput struct {
	logger  *zap.Logger
	lines   []bool
	pattern display.Pattern
}

// NewLogOutput creates a LogOutput with n lines.
func NewLogOutput(n int, logger *zap.Logger) *LogOutput {
	return &LogOutput{logger: logger, lines: make([]bool, n)}
}

// SetPattern logs the new display pattern. Repeats are not logged.
func (l *LogOutput) SetPattern(p display.Pattern) error {
	if p == l.pattern {
		return nil
	}
	l.pattern = p
	for i := 0; i < len(l.lines) && i < display.NumLEDs; i++ {
		l.lines[i] = p&(1<<uint(i)) != 0
	}
	l.logger.Debug("leds", zap.String("pattern", fmt.Sprintf("%06b", uint32(p))))
	return nil
}

// SetSingle logs one line change.
func (l *LogOutput) SetSingle(index int, on bool) error {
	if index < 0 || index >= len(l.lines) {
		return fmt.Errorf("gpio: line %d out of range", index)
	}
	if l.lines[index] == on {
		return nil
	}
	l.lines[index] = on
	l.logger.Debug("led", zap.Int("line", index), zap.Bool("on", on))
	return nil
}

// Close is a no-op.
func (l *LogOutput) Close() error {
	return nil
}
