package mqtt

import (
	"github.com/sweeney/badge-node/internal/protocol"
)

// FakeTransport records frames and system events for test assertions.
type FakeTransport struct {
	*protocol.FakeTransport

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// In is the inbound frame queue returned by Frames.
	In chan Frame

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakeTransport creates a FakeTransport with a buffered inbound queue.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		FakeTransport: protocol.NewFakeTransport(),
		In:            make(chan Frame, 16),
		Connected:     true,
	}
}

// PublishSystem records the system event.
func (f *FakeTransport) PublishSystem(event SystemEvent) error {
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	f.SystemEvents = append(f.SystemEvents, event)

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemPayloads = append(f.SystemPayloads, payload)

	return nil
}

// Frames returns the inbound queue.
func (f *FakeTransport) Frames() <-chan Frame {
	return f.In
}

// Close marks the transport as closed.
func (f *FakeTransport) Close() error {
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake transport is "connected".
func (f *FakeTransport) IsConnected() bool {
	return f.Connected
}

// EventNames returns the Event field of every recorded system event.
func (f *FakeTransport) EventNames() []string {
	names := make([]string, len(f.SystemEvents))
	for i, e := range f.SystemEvents {
		names[i] = e.Event
	}
	return names
}
