package protocol

// Frame is one message recorded by FakeTransport.
type Frame struct {
	Ctx     MessageContext
	Op      Opcode
	Payload []byte
	TTL     TTL
}

// FakeTransport records sends and publications for tests.
type FakeTransport struct {
	Sent       []Frame
	Published  []Frame
	SendErr    error
	PublishErr error
}

// NewFakeTransport returns a FakeTransport with no injected errors.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

func (f *FakeTransport) Send(ctx MessageContext, op Opcode, payload []byte) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Sent = append(f.Sent, Frame{Ctx: ctx, Op: op, Payload: append([]byte(nil), payload...)})
	return nil
}

func (f *FakeTransport) Publish(op Opcode, payload []byte, ttl TTL) error {
	if f.PublishErr != nil {
		return f.PublishErr
	}
	f.Published = append(f.Published, Frame{Op: op, Payload: append([]byte(nil), payload...), TTL: ttl})
	return nil
}

// LastSent returns the most recent Send, or false if there was none.
func (f *FakeTransport) LastSent() (Frame, bool) {
	if len(f.Sent) == 0 {
		return Frame{}, false
	}
	return f.Sent[len(f.Sent)-1], true
}

// PublishedOp returns publications with the given opcode.
func (f *FakeTransport) PublishedOp(op Opcode) []Frame {
	var out []Frame
	for _, fr := range f.Published {
		if fr.Op == op {
			out = append(out, fr)
		}
	}
	return out
}

// Reset clears recorded frames.
func (f *FakeTransport) Reset() {
	f.Sent = nil
	f.Published = nil
}
