package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sweeney/badge-node/internal/proximity"
)

// MaxNameLen is the longest badge name, excluding the NUL.
const MaxNameLen = 12

// Minimum inbound payload lengths.
const (
	minLenRequest  = 0
	minLenSetState = 1
	minLenSetName  = 1
	minLenOnOffSet = 2
	minLenLevelSet = 3
)

// reportRecordLen is addr (u16 LE) + rssi (i8).
const reportRecordLen = 3

// EncodeName returns name truncated to MaxNameLen bytes with a NUL appended.
func EncodeName(name string) []byte {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	b := make([]byte, 0, len(name)+1)
	b = append(b, name...)
	return append(b, 0)
}

// DecodeName reads a NUL-terminated name, tolerating a missing terminator,
// and truncates to MaxNameLen.
func DecodeName(payload []byte) string {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	if len(payload) > MaxNameLen {
		payload = payload[:MaxNameLen]
	}
	return string(payload)
}

// EncodeReport packs records as consecutive (addr, rssi) triples.
func EncodeReport(records []proximity.Record) []byte {
	b := make([]byte, 0, len(records)*reportRecordLen)
	for _, r := range records {
		b = binary.LittleEndian.AppendUint16(b, r.Addr)
		b = append(b, byte(r.RSSI))
	}
	return b
}

// DecodeReport unpacks a Report-Reply payload. Trailing partial records are
// an error; sentinel records are returned as-is.
func DecodeReport(payload []byte) ([]proximity.Record, error) {
	if len(payload)%reportRecordLen != 0 {
		return nil, fmt.Errorf("report length %d is not a multiple of %d", len(payload), reportRecordLen)
	}
	out := make([]proximity.Record, 0, len(payload)/reportRecordLen)
	for i := 0; i < len(payload); i += reportRecordLen {
		out = append(out, proximity.Record{
			Addr: binary.LittleEndian.Uint16(payload[i:]),
			RSSI: int8(payload[i+2]),
		})
	}
	return out, nil
}

// Transition time resolutions, indexed by the top two bits.
var stepResolutions = [4]time.Duration{
	100 * time.Millisecond,
	time.Second,
	10 * time.Second,
	10 * time.Minute,
}

const (
	transitionStepsMax     = 0x3E
	transitionStepsUnknown = 0x3F
	delayUnit              = 5 * time.Millisecond
)

// EncodeTransitionTime packs d into the one-byte mesh transition time,
// rounding to the finest resolution that can hold it. Durations beyond the
// largest representable value encode as unknown.
func EncodeTransitionTime(d time.Duration) byte {
	if d <= 0 {
		return 0
	}
	for res, step := range stepResolutions {
		steps := (d + step/2) / step
		if steps == 0 {
			steps = 1
		}
		if steps <= transitionStepsMax {
			return byte(res)<<6 | byte(steps)
		}
	}
	return transitionStepsUnknown
}

// DecodeTransitionTime unpacks a transition time byte. ok is false for the
// unknown value.
func DecodeTransitionTime(b byte) (d time.Duration, ok bool) {
	steps := b & 0x3F
	if steps == transitionStepsUnknown {
		return 0, false
	}
	return time.Duration(steps) * stepResolutions[b>>6], true
}

// EncodeDelay packs d as 5ms units, saturating at 255.
func EncodeDelay(d time.Duration) byte {
	if d <= 0 {
		return 0
	}
	units := d / delayUnit
	if units > 0xFF {
		units = 0xFF
	}
	return byte(units)
}

// DecodeDelay unpacks a delay byte.
func DecodeDelay(b byte) time.Duration {
	return time.Duration(b) * delayUnit
}

// Transition is the optional timing part of a Set message.
type Transition struct {
	Duration time.Duration
	Delay    time.Duration
}

// OnOffSet is a decoded Generic OnOff Set.
type OnOffSet struct {
	OnOff bool
	TID   uint8
	// Transition is nil when the sender omitted it; the server default applies.
	Transition *Transition
}

// LevelSet is a decoded Generic Level Set.
type LevelSet struct {
	Level      int16
	TID        uint8
	Transition *Transition
}

// OnOffStatus is a Generic OnOff Status.
type OnOffStatus struct {
	Present   bool
	Target    bool
	Remaining time.Duration
	// InTransition selects the long form carrying Target and Remaining.
	InTransition bool
}

// LevelStatus is a Generic Level Status.
type LevelStatus struct {
	Present      int16
	Target       int16
	Remaining    time.Duration
	InTransition bool
}

func decodeTransition(b []byte) (*Transition, error) {
	switch len(b) {
	case 0:
		return nil, nil
	case 2:
		d, ok := DecodeTransitionTime(b[0])
		if !ok {
			return nil, fmt.Errorf("unknown transition time 0x%02x", b[0])
		}
		return &Transition{Duration: d, Delay: DecodeDelay(b[1])}, nil
	}
	return nil, fmt.Errorf("transition fields: want 0 or 2 bytes, got %d", len(b))
}

func appendTransition(b []byte, tr *Transition) []byte {
	if tr == nil {
		return b
	}
	return append(b, EncodeTransitionTime(tr.Duration), EncodeDelay(tr.Delay))
}

// DecodeOnOffSet parses onoff, tid and optional transition/delay.
func DecodeOnOffSet(p []byte) (OnOffSet, error) {
	if len(p) < minLenOnOffSet {
		return OnOffSet{}, fmt.Errorf("onoff set: short payload (%d bytes)", len(p))
	}
	if p[0] > 1 {
		return OnOffSet{}, fmt.Errorf("onoff set: invalid value %d", p[0])
	}
	tr, err := decodeTransition(p[2:])
	if err != nil {
		return OnOffSet{}, fmt.Errorf("onoff set: %w", err)
	}
	return OnOffSet{OnOff: p[0] == 1, TID: p[1], Transition: tr}, nil
}

// EncodeOnOffSet is the client side of DecodeOnOffSet.
func EncodeOnOffSet(s OnOffSet) []byte {
	b := []byte{boolByte(s.OnOff), s.TID}
	return appendTransition(b, s.Transition)
}

// DecodeLevelSet parses level, tid and optional transition/delay.
func DecodeLevelSet(p []byte) (LevelSet, error) {
	if len(p) < minLenLevelSet {
		return LevelSet{}, fmt.Errorf("level set: short payload (%d bytes)", len(p))
	}
	tr, err := decodeTransition(p[3:])
	if err != nil {
		return LevelSet{}, fmt.Errorf("level set: %w", err)
	}
	return LevelSet{
		Level:      int16(binary.LittleEndian.Uint16(p)),
		TID:        p[2],
		Transition: tr,
	}, nil
}

// EncodeLevelSet is the client side of DecodeLevelSet.
func EncodeLevelSet(s LevelSet) []byte {
	b := binary.LittleEndian.AppendUint16(nil, uint16(s.Level))
	b = append(b, s.TID)
	return appendTransition(b, s.Transition)
}

// EncodeOnOffStatus writes the short form when idle and the long form while
// a transition is in flight.
func EncodeOnOffStatus(st OnOffStatus) []byte {
	b := []byte{boolByte(st.Present)}
	if st.InTransition {
		b = append(b, boolByte(st.Target), EncodeTransitionTime(st.Remaining))
	}
	return b
}

// DecodeOnOffStatus parses either status form.
func DecodeOnOffStatus(p []byte) (OnOffStatus, error) {
	switch len(p) {
	case 1:
		return OnOffStatus{Present: p[0] == 1, Target: p[0] == 1}, nil
	case 3:
		rem, _ := DecodeTransitionTime(p[2])
		return OnOffStatus{Present: p[0] == 1, Target: p[1] == 1, Remaining: rem, InTransition: true}, nil
	}
	return OnOffStatus{}, fmt.Errorf("onoff status: bad length %d", len(p))
}

// EncodeLevelStatus writes the short or long status form.
func EncodeLevelStatus(st LevelStatus) []byte {
	b := binary.LittleEndian.AppendUint16(nil, uint16(st.Present))
	if st.InTransition {
		b = binary.LittleEndian.AppendUint16(b, uint16(st.Target))
		b = append(b, EncodeTransitionTime(st.Remaining))
	}
	return b
}

// DecodeLevelStatus parses either status form.
func DecodeLevelStatus(p []byte) (LevelStatus, error) {
	switch len(p) {
	case 2:
		v := int16(binary.LittleEndian.Uint16(p))
		return LevelStatus{Present: v, Target: v}, nil
	case 5:
		rem, _ := DecodeTransitionTime(p[4])
		return LevelStatus{
			Present:      int16(binary.LittleEndian.Uint16(p)),
			Target:       int16(binary.LittleEndian.Uint16(p[2:])),
			Remaining:    rem,
			InTransition: true,
		}, nil
	}
	return LevelStatus{}, fmt.Errorf("level status: bad length %d", len(p))
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
