// Package proximity collects the strongest single-hop contacts seen by a badge
// during one census round.
// This package has NO external dependencies and does no locking: it is only
// touched from the badge's event loop.
package proximity

import (
	"fmt"
	"math"
)

// DefaultCapacity is the number of records carried in a Report-Reply.
const DefaultCapacity = 6

// MaxCapacity bounds the slot count so a report always fits one mesh SDU.
const MaxCapacity = 8

// SentinelRSSI marks an unused slot.
const SentinelRSSI int8 = math.MinInt8

// Record is one observed neighbor contact.
type Record struct {
	Addr uint16
	RSSI int8
}

// Sentinel is the value held by unused slots.
var Sentinel = Record{Addr: 0, RSSI: SentinelRSSI}

// IsSentinel reports whether r marks "no contact". Receivers key off the
// unassigned address, not the RSSI.
func (r Record) IsSentinel() bool {
	return r.Addr == 0
}

func (r Record) String() string {
	if r.IsSentinel() {
		return "none"
	}
	return fmt.Sprintf("%04x@%ddBm", r.Addr, r.RSSI)
}

// Aggregator keeps exactly cap(slots) records sorted by descending RSSI,
// unique by address.
type Aggregator struct {
	slots      []Record
	noiseFloor int8
}

// NewAggregator creates an aggregator with n slots. Observations at or below
// noiseFloor are discarded. n is clamped to [1, MaxCapacity].
func NewAggregator(n int, noiseFloor int8) *Aggregator {
	if n < 1 {
		n = 1
	}
	if n > MaxCapacity {
		n = MaxCapacity
	}
	a := &Aggregator{
		slots:      make([]Record, n),
		noiseFloor: noiseFloor,
	}
	a.Reset()
	return a
}

// Capacity returns the number of slots.
func (a *Aggregator) Capacity() int {
	return len(a.slots)
}

// Reset clears every slot to the sentinel.
func (a *Aggregator) Reset() {
	for i := range a.slots {
		a.slots[i] = Sentinel
	}
}

// Observe records a contact. A stronger reading of a known address replaces
// the weaker one; once full, the weakest record falls off the end.
// Returns true if the slots changed.
func (a *Aggregator) Observe(addr uint16, rssi int8) bool {
	if addr == 0 || rssi <= a.noiseFloor {
		return false
	}

	for i, s := range a.slots {
		if s.Addr != addr {
			continue
		}
		if rssi <= s.RSSI {
			return false
		}
		// Pull the stale entry out and let the insertion pass put it back.
		copy(a.slots[i:], a.slots[i+1:])
		a.slots[len(a.slots)-1] = Sentinel
		break
	}

	carry := Record{Addr: addr, RSSI: rssi}
	changed := false
	for i := range a.slots {
		if carry.RSSI > a.slots[i].RSSI {
			a.slots[i], carry = carry, a.slots[i]
			changed = true
		}
	}
	return changed
}

// Snapshot returns a copy of the slots. It does not reset.
func (a *Aggregator) Snapshot() []Record {
	out := make([]Record, len(a.slots))
	copy(out, a.slots)
	return out
}

// Contacts returns the non-sentinel records, strongest first.
func (a *Aggregator) Contacts() []Record {
	var out []Record
	for _, s := range a.slots {
		if !s.IsSentinel() {
			out = append(out, s)
		}
	}
	return out
}
