// Package display maps a badge's health state to the LED pattern shown on
// its two indicator triples.
package display

import "fmt"

// HealthState is the closed set of states a badge can display.
type HealthState uint8

const (
	Identify HealthState = iota
	Healthy
	Infected
	Masked
	MaskedInfected
	Vaccinated
	VaccinatedInfected
	VaccinatedMasked
	VaccinatedMaskedInfected
	Off

	// NumStates is the number of defined states.
	NumStates = int(Off) + 1
)

var stateNames = [...]string{
	Identify:                 "IDENTIFY",
	Healthy:                  "HEALTHY",
	Infected:                 "INFECTED",
	Masked:                   "MASKED",
	MaskedInfected:           "MASKED_INFECTED",
	Vaccinated:               "VACCINATED",
	VaccinatedInfected:       "VACCINATED_INFECTED",
	VaccinatedMasked:         "VACCINATED_MASKED",
	VaccinatedMaskedInfected: "VACCINATED_MASKED_INFECTED",
	Off:                      "OFF",
}

func (s HealthState) String() string {
	if s.Valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("INVALID(%d)", uint8(s))
}

// Valid reports whether s is one of the defined states.
func (s HealthState) Valid() bool {
	return int(s) < NumStates
}

// ParseHealthState parses the String form of a state.
func ParseHealthState(name string) (HealthState, error) {
	for i, n := range stateNames {
		if n == name {
			return HealthState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown health state %q", name)
}

// Pattern is a bitmask over the badge LEDs. Bits 0-2 are the left triple and
// bits 3-5 the right triple, each ordered blue, red, green.
type Pattern uint32

const (
	LeftBlue Pattern = 1 << iota
	LeftRed
	LeftGreen
	RightBlue
	RightRed
	RightGreen

	// NumLEDs is the number of pattern LEDs.
	NumLEDs = 6

	// AllLEDs lights every pattern LED.
	AllLEDs = LeftBlue | LeftRed | LeftGreen | RightBlue | RightRed | RightGreen

	// Blank turns every pattern LED off.
	Blank Pattern = 0

	// PendingPattern is shown while a level change is in flight.
	PendingPattern = RightRed | RightGreen
)

// Left is health (green/red), right is protection (blue mask or vaccine).
var patterns = [...]Pattern{
	Identify:                 AllLEDs,
	Healthy:                  LeftGreen | RightGreen,
	Infected:                 LeftRed | RightRed,
	Masked:                   LeftGreen | RightBlue,
	MaskedInfected:           LeftRed | RightBlue,
	Vaccinated:               LeftBlue | RightBlue,
	VaccinatedInfected:       LeftBlue | RightRed,
	VaccinatedMasked:         LeftBlue | RightBlue | RightGreen,
	VaccinatedMaskedInfected: LeftBlue | RightBlue | RightRed,
	Off:                      Blank,
}

// Map returns the static pattern for s. Undefined states render Blank.
func Map(s HealthState) Pattern {
	if !s.Valid() {
		return Blank
	}
	return patterns[s]
}

// Output is the LED hardware.
type Output interface {
	SetPattern(p Pattern) error
	SetSingle(index int, on bool) error
}

// Render writes the pattern for s to out.
func Render(out Output, s HealthState) error {
	return out.SetPattern(Map(s))
}

// ChaseFrame returns the attention chase frame for the given countdown value.
func ChaseFrame(count int) Pattern {
	if count < 0 {
		count = -count
	}
	return Pattern(1) << uint(count%NumLEDs)
}
