package display

import (
	"errors"
	"testing"
)

type patternRecorder struct {
	patterns []Pattern
	err      error
}

func (r *patternRecorder) SetPattern(p Pattern) error {
	if r.err != nil {
		return r.err
	}
	r.patterns = append(r.patterns, p)
	return nil
}

func (r *patternRecorder) SetSingle(int, bool) error { return nil }

func TestMapTable(t *testing.T) {
	tests := []struct {
		state HealthState
		want  Pattern
	}{
		{Identify, 0b111111},
		{Healthy, 0b100100},
		{Infected, 0b010010},
		{Masked, 0b001100},
		{MaskedInfected, 0b001010},
		{Vaccinated, 0b001001},
		{VaccinatedInfected, 0b010001},
		{VaccinatedMasked, 0b101001},
		{VaccinatedMaskedInfected, 0b011001},
		{Off, 0},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := Map(tt.state); got != tt.want {
				t.Errorf("Map(%s): got %06b, want %06b", tt.state, got, tt.want)
			}
		})
	}
}

func TestMapIsTotal(t *testing.T) {
	seen := map[Pattern]HealthState{}
	for s := HealthState(0); int(s) < NumStates; s++ {
		p := Map(s)
		if p&^AllLEDs != 0 {
			t.Errorf("%s: pattern %b uses undefined LEDs", s, p)
		}
		if prev, dup := seen[p]; dup {
			t.Errorf("%s and %s share pattern %06b", s, prev, p)
		}
		seen[p] = s
	}
	if _, clash := seen[PendingPattern]; clash {
		t.Error("pending pattern collides with a state pattern")
	}
}

func TestMapInvalid(t *testing.T) {
	for _, v := range []uint8{10, 42, 255} {
		if got := Map(HealthState(v)); got != Blank {
			t.Errorf("Map(%d): got %06b, want blank", v, got)
		}
	}
}

func TestRender(t *testing.T) {
	out := &patternRecorder{}
	if err := Render(out, Infected); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.patterns) != 1 || out.patterns[0] != LeftRed|RightRed {
		t.Errorf("unexpected writes: %v", out.patterns)
	}

	out.err = errors.New("gpio fault")
	if err := Render(out, Healthy); err == nil {
		t.Error("expected output error to propagate")
	}
}

func TestStateStringAndParse(t *testing.T) {
	for s := HealthState(0); int(s) < NumStates; s++ {
		got, err := ParseHealthState(s.String())
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		if got != s {
			t.Errorf("parse %s: got %s", s, got)
		}
	}
	if s := HealthState(77).String(); s != "INVALID(77)" {
		t.Errorf("invalid string: got %q", s)
	}
	if _, err := ParseHealthState("ZOMBIE"); err == nil {
		t.Error("expected error for unknown name")
	}
}

func TestChaseFrame(t *testing.T) {
	for i := 0; i < 12; i++ {
		want := Pattern(1) << uint(i%NumLEDs)
		if got := ChaseFrame(i); got != want {
			t.Errorf("ChaseFrame(%d): got %06b, want %06b", i, got, want)
		}
	}
}
