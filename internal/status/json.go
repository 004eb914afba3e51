package status

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/badge-node/internal/proximity"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Addr          string        `json:"addr"`
	Name          string        `json:"name"`
	HealthState   string        `json:"health_state"`
	Blinking      bool          `json:"blinking"`
	Ready         bool          `json:"ready"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	OnOff         OutputJSON    `json:"onoff"`
	Level         OutputJSON    `json:"level"`
	Contacts      []ContactJSON `json:"contacts"`
	Frames        FramesJSON    `json:"frames"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Config        ConfigJSON    `json:"config"`
}

// OutputJSON is the JSON representation of a transition engine status.
type OutputJSON struct {
	Present     string `json:"present"`
	Target      string `json:"target"`
	Phase       string `json:"phase"`
	RemainingMs int64  `json:"remaining_ms"`
}

// ContactJSON is one proximity record.
type ContactJSON struct {
	Addr string `json:"addr"`
	RSSI int8   `json:"rssi"`
}

// FramesJSON is the JSON representation of dispatcher counters.
type FramesJSON struct {
	Received uint64 `json:"received"`
	Handled  uint64 `json:"handled"`
	Dropped  uint64 `json:"dropped"`
	Unknown  uint64 `json:"unknown"`
	Failed   uint64 `json:"failed"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected     bool   `json:"connected"`
	Broker        string `json:"broker"`
	Delivered     uint64 `json:"delivered"`
	DroppedFrames uint64 `json:"dropped_frames"`
	Malformed     uint64 `json:"malformed"`
	Buffered      uint64 `json:"buffered"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Broker       string `json:"broker"`
	TopicPrefix  string `json:"topic_prefix"`
	HTTPAddr     string `json:"http_addr"`
	Store        string `json:"store"`
	Capacity     int    `json:"capacity"`
	ContactFloor int    `json:"contact_floor"`
	HeartbeatMs  int64  `json:"heartbeat_ms"`
	BlinkMs      int64  `json:"blink_ms"`
}

// ProximityJSON is the body of /proximity.json.
type ProximityJSON struct {
	Addr      string        `json:"addr"`
	Timestamp string        `json:"timestamp"`
	Contacts  []ContactJSON `json:"contacts"`
}

// FormatAddr renders a mesh address the way topics and logs show it.
func FormatAddr(addr uint16) string {
	return fmt.Sprintf("%04x", addr)
}

func buildContacts(recs []proximity.Record) []ContactJSON {
	out := make([]ContactJSON, 0, len(recs))
	for _, r := range recs {
		out = append(out, ContactJSON{Addr: FormatAddr(r.Addr), RSSI: r.RSSI})
	}
	return out
}

func onOffString(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func buildInner(snap Snapshot) StatusInner {
	b := snap.Badge
	health := b.Health.String()
	if !snap.Started {
		health = "UNKNOWN"
	}

	return StatusInner{
		Addr:          FormatAddr(snap.Config.Addr),
		Name:          b.Name,
		HealthState:   health,
		Blinking:      b.Blinking,
		Ready:         snap.Started,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		OnOff: OutputJSON{
			Present:     onOffString(b.OnOff.Current),
			Target:      onOffString(b.OnOff.Target),
			Phase:       b.OnOff.Phase.String(),
			RemainingMs: b.OnOff.Remaining.Milliseconds(),
		},
		Level: OutputJSON{
			Present:     b.Level.Current.String(),
			Target:      b.Level.Target.String(),
			Phase:       b.Level.Phase.String(),
			RemainingMs: b.Level.Remaining.Milliseconds(),
		},
		Contacts: buildContacts(b.Contacts),
		Frames: FramesJSON{
			Received: snap.Frames.Received,
			Handled:  snap.Frames.Handled,
			Dropped:  snap.Frames.Dropped,
			Unknown:  snap.Frames.Unknown,
			Failed:   snap.Frames.Failed,
		},
		MQTT: MQTTStatus{
			Connected:     snap.Link.Connected,
			Broker:        snap.Config.Broker,
			Delivered:     snap.Link.Delivered,
			DroppedFrames: snap.Link.DroppedFrames,
			Malformed:     snap.Link.Malformed,
			Buffered:      snap.Link.Buffered,
		},
		Config: ConfigJSON{
			Broker:       snap.Config.Broker,
			TopicPrefix:  snap.Config.TopicPrefix,
			HTTPAddr:     snap.Config.HTTPAddr,
			Store:        snap.Config.Store,
			Capacity:     snap.Config.Capacity,
			ContactFloor: snap.Config.ContactFloor,
			HeartbeatMs:  snap.Config.HeartbeatMs,
			BlinkMs:      snap.Config.BlinkMs,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}

// FormatProximityJSON returns the current contact list.
func FormatProximityJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(ProximityJSON{
		Addr:      FormatAddr(snap.Config.Addr),
		Timestamp: snap.Now.UTC().Format(time.RFC3339),
		Contacts:  buildContacts(snap.Badge.Contacts),
	}, "", "  ")
	return data
}
