package protocol

import (
	"fmt"

	"github.com/sweeney/badge-node/internal/proximity"
)

// EncodePDU returns the access-layer PDU for op and payload.
func EncodePDU(op Opcode, payload []byte) ([]byte, error) {
	b, err := AppendOpcode(make([]byte, 0, op.Len()+len(payload)), op)
	if err != nil {
		return nil, err
	}
	return append(b, payload...), nil
}

// Client issues badge requests and decodes the replies. It is the
// orchestrator's side of the protocol.
type Client struct {
	ops Opcodes
	t   Transport
}

// NewClient returns a Client for company id cid.
func NewClient(cid uint16, t Transport) *Client {
	return &Client{ops: NewOpcodes(cid), t: t}
}

func (c *Client) SignIn(dst uint16) error {
	return c.t.Send(MessageContext{Dst: dst}, c.ops.SignIn, nil)
}

func (c *Client) SetState(dst uint16, state uint8) error {
	return c.t.Send(MessageContext{Dst: dst}, c.ops.SetState, []byte{state})
}

func (c *Client) SetName(dst uint16, name string) error {
	return c.t.Send(MessageContext{Dst: dst}, c.ops.SetName, EncodeName(name))
}

func (c *Client) ReportRequest(dst uint16) error {
	return c.t.Send(MessageContext{Dst: dst}, c.ops.ReportRequest, nil)
}

func (c *Client) OnOffSet(dst uint16, set OnOffSet, ack bool) error {
	op := OpOnOffSetUnack
	if ack {
		op = OpOnOffSet
	}
	return c.t.Send(MessageContext{Dst: dst}, op, EncodeOnOffSet(set))
}

func (c *Client) LevelSet(dst uint16, set LevelSet, ack bool) error {
	op := OpLevelSetUnack
	if ack {
		op = OpLevelSet
	}
	return c.t.Send(MessageContext{Dst: dst}, op, EncodeLevelSet(set))
}

// ReplyKind classifies a decoded reply.
type ReplyKind int

const (
	ReplyNone ReplyKind = iota
	ReplySignIn
	ReplyReport
	ReplyOnOff
	ReplyLevel
)

func (k ReplyKind) String() string {
	switch k {
	case ReplySignIn:
		return "sign-in"
	case ReplyReport:
		return "report"
	case ReplyOnOff:
		return "onoff"
	case ReplyLevel:
		return "level"
	}
	return "none"
}

// Reply is one decoded badge reply or status publication.
type Reply struct {
	Src    uint16
	Kind   ReplyKind
	Name   string
	Report []proximity.Record
	OnOff  OnOffStatus
	Level  LevelStatus
}

// ParseReply decodes a frame a badge sent back. Requests and unknown
// opcodes yield ReplyNone with a nil error so observers can skip them.
func (c *Client) ParseReply(ctx MessageContext, pdu []byte) (Reply, error) {
	op, payload, err := ParseOpcode(pdu)
	if err != nil {
		return Reply{}, err
	}
	r := Reply{Src: ctx.Src}
	switch op {
	case c.ops.SignInReply:
		r.Kind = ReplySignIn
		r.Name = DecodeName(payload)
	case c.ops.ReportReply:
		recs, err := DecodeReport(payload)
		if err != nil {
			return Reply{}, fmt.Errorf("report reply from %04x: %w", ctx.Src, err)
		}
		r.Kind = ReplyReport
		r.Report = recs
	case OpOnOffStatus:
		st, err := DecodeOnOffStatus(payload)
		if err != nil {
			return Reply{}, err
		}
		r.Kind = ReplyOnOff
		r.OnOff = st
	case OpLevelStatus:
		st, err := DecodeLevelStatus(payload)
		if err != nil {
			return Reply{}, err
		}
		r.Kind = ReplyLevel
		r.Level = st
	}
	return r, nil
}
