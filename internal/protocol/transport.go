package protocol

import "errors"

// TTL is a mesh hop limit.
type TTL uint8

const (
	// TTLSingleHop keeps a publication from being relayed.
	TTLSingleHop TTL = 0
	// TTLDefault lets the transport use its configured default.
	TTLDefault TTL = 0xFF
)

// Mesh address ranges.
const (
	AddrUnassigned uint16 = 0x0000
	AddrAllNodes   uint16 = 0xFFFF
)

// MessageContext carries the transport's annotations for one frame.
type MessageContext struct {
	Src     uint16 // sender element address
	Dst     uint16 // destination (unicast or group)
	RSSI    int8   // received signal strength
	RecvTTL TTL    // hop limit as received
}

// Reply returns the context for answering the sender of c.
func (c MessageContext) Reply() MessageContext {
	return MessageContext{Dst: c.Src, Src: c.Dst}
}

// Transport is the mesh networking layer.
type Transport interface {
	// Send addresses a frame to ctx.Dst.
	Send(ctx MessageContext, op Opcode, payload []byte) error
	// Publish sends a frame to the model's publish address.
	Publish(op Opcode, payload []byte, ttl TTL) error
}

var (
	// ErrNotProvisioned means the node has no unicast address yet.
	ErrNotProvisioned = errors.New("protocol: node not provisioned")
	// ErrPublishNotConfigured means no publish address is set.
	ErrPublishNotConfigured = errors.New("protocol: publishing not configured")
)
