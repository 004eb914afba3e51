// Package status provides a thread-safe status tracker for the badge-node
// daemon. It is written by the event loop and read by HTTP handlers.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/badge-node/internal/badge"
	"github.com/sweeney/badge-node/internal/protocol"
	"github.com/sweeney/badge-node/internal/proximity"
)

// LinkInfo is the broker link state. This is a local copy to avoid
// importing internal/mqtt from status.
type LinkInfo struct {
	Connected     bool
	Delivered     uint64
	DroppedFrames uint64
	Malformed     uint64
	Buffered      uint64
}

// Config contains daemon configuration for display.
type Config struct {
	Addr         uint16
	Broker       string
	TopicPrefix  string
	HTTPAddr     string
	Store        string // "redis", "memory"
	Capacity     int
	ContactFloor int
	HeartbeatMs  int64
	BlinkMs      int64
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Badge     badge.Info
	Started   bool
	Frames    protocol.Stats
	Link      LinkInfo
	StartTime time.Time
	Now       time.Time
	Config    Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update records the badge session and dispatcher counters.
// Called from runLoop after every handled event.
func (t *Tracker) Update(info badge.Info, frames protocol.Stats) {
	info.Contacts = append([]proximity.Record(nil), info.Contacts...)

	t.mu.Lock()
	t.snap.Badge = info
	t.snap.Frames = frames
	t.snap.Started = true
	t.mu.Unlock()
}

// SetLink sets the broker link state.
func (t *Tracker) SetLink(link LinkInfo) {
	t.mu.Lock()
	t.snap.Link = link
	t.mu.Unlock()
}

// SetMQTTConnected sets only the connection flag.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.Link.Connected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
