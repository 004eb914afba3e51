package badge

import (
	"github.com/sweeney/badge-node/internal/display"
)

// levelStep is the Generic Level spacing between health states.
const levelStep = 0x2000

// StateFromLevel maps a Generic Level value to a health state. Multiples of
// 0x2000 select state level/0x2000; small raw values select the state
// directly. Anything else is not a state.
func StateFromLevel(level int16) (display.HealthState, bool) {
	u := uint16(level)
	switch {
	case u%levelStep == 0:
		return display.HealthState(u / levelStep), true
	case u < uint16(display.NumStates):
		return display.HealthState(u), true
	}
	return 0, false
}

// LevelFromState is the inverse of StateFromLevel. States past the
// 0x2000-spaced range are reported as their raw value.
func LevelFromState(s display.HealthState) int16 {
	if uint32(s)*levelStep <= 0xFFFF {
		return int16(uint16(s) * levelStep)
	}
	return int16(s)
}
