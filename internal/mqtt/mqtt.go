// Package mqtt carries badge protocol frames over an MQTT broker, standing in
// for the mesh radio, and publishes system lifecycle events.
package mqtt

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/badge-node/internal/protocol"
)

// DefaultTopicPrefix is the root of all badge topics.
const DefaultTopicPrefix = "badge/mesh"

// ErrNotConnected is returned when a frame cannot be sent or buffered.
var ErrNotConnected = errors.New("mqtt: not connected")

// UnicastTopic is where frames addressed to addr are published.
func UnicastTopic(prefix string, addr uint16) string {
	return fmt.Sprintf("%s/%04x", prefix, addr)
}

// BroadcastTopic carries group and all-nodes publications.
func BroadcastTopic(prefix string) string {
	return prefix + "/all"
}

// SystemTopic carries lifecycle events for one badge.
func SystemTopic(prefix string, addr uint16) string {
	return fmt.Sprintf("%s/%04x/system", prefix, addr)
}

// Transport is the badge's view of the broker.
type Transport interface {
	protocol.Transport

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// Frames delivers inbound frames. Closed by Close.
	Frames() <-chan Frame

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Frame is one inbound access-layer PDU with its annotations.
type Frame struct {
	Ctx protocol.MessageContext
	PDU []byte
}

// envelopeHeaderLen is src(2) dst(2) ttl(1) rssi(1).
const envelopeHeaderLen = 6

// Envelope is the binary MQTT payload: src u16 LE, dst u16 LE, ttl u8,
// rssi i8, then the access-layer PDU.
type Envelope struct {
	Src  uint16
	Dst  uint16
	TTL  uint8
	RSSI int8
	PDU  []byte
}

// EncodeEnvelope serialises e.
func EncodeEnvelope(e Envelope) []byte {
	b := make([]byte, envelopeHeaderLen, envelopeHeaderLen+len(e.PDU))
	binary.LittleEndian.PutUint16(b[0:], e.Src)
	binary.LittleEndian.PutUint16(b[2:], e.Dst)
	b[4] = e.TTL
	b[5] = byte(e.RSSI)
	return append(b, e.PDU...)
}

// DecodeEnvelope parses an MQTT payload. The PDU aliases b.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) <= envelopeHeaderLen {
		return Envelope{}, fmt.Errorf("envelope too short: %d bytes", len(b))
	}
	return Envelope{
		Src:  binary.LittleEndian.Uint16(b[0:]),
		Dst:  binary.LittleEndian.Uint16(b[2:]),
		TTL:  b[4],
		RSSI: int8(b[5]),
		PDU:  b[envelopeHeaderLen:],
	}, nil
}

// Frame converts the envelope to an inbound frame.
func (e Envelope) Frame() Frame {
	return Frame{
		Ctx: protocol.MessageContext{
			Src:     e.Src,
			Dst:     e.Dst,
			RSSI:    e.RSSI,
			RecvTTL: protocol.TTL(e.TTL),
		},
		PDU: e.PDU,
	}
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
