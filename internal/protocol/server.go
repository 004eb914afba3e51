package protocol

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sweeney/badge-node/internal/proximity"
)

// Handler receives decoded badge protocol messages. One method per inbound
// message kind, so a new opcode cannot be wired without its handler.
type Handler interface {
	SignIn(ctx MessageContext) error
	SetState(ctx MessageContext, state uint8) error
	SetName(ctx MessageContext, name string) error
	ReportRequest(ctx MessageContext) error
	CheckProximity(ctx MessageContext) error
	OnOffGet(ctx MessageContext) error
	OnOffSet(ctx MessageContext, set OnOffSet, ack bool) error
	LevelGet(ctx MessageContext) error
	LevelSet(ctx MessageContext, set LevelSet, ack bool) error
}

var (
	// ErrShortFrame marks a frame below its opcode's minimum length.
	ErrShortFrame = errors.New("protocol: frame shorter than opcode minimum")
	// ErrUnknownOpcode marks a frame for an opcode with no handler.
	ErrUnknownOpcode = errors.New("protocol: no handler for opcode")
	// ErrNoHandler is returned by Dispatch before Bind.
	ErrNoHandler = errors.New("protocol: no handler bound")
)

// Stats counts dispatcher outcomes.
type Stats struct {
	Received uint64
	Handled  uint64
	Dropped  uint64 // short or undecodable frames
	Unknown  uint64
	Failed   uint64 // handler returned an error
}

type entry struct {
	name   string
	minLen int
	handle func(h Handler, ctx MessageContext, payload []byte) error
}

// Server is the badge model's dispatcher and reply encoder.
type Server struct {
	ops       Opcodes
	transport Transport
	handler   Handler
	table     map[Opcode]entry
	logger    *zap.Logger
	stats     Stats
}

// NewServer builds the opcode table for company id cid.
func NewServer(cid uint16, t Transport, logger *zap.Logger) *Server {
	ops := NewOpcodes(cid)
	s := &Server{
		ops:       ops,
		transport: t,
		logger:    logger,
	}
	s.table = map[Opcode]entry{
		ops.SignIn: {"sign-in", minLenRequest, func(h Handler, ctx MessageContext, _ []byte) error {
			return h.SignIn(ctx)
		}},
		ops.SetState: {"set-state", minLenSetState, func(h Handler, ctx MessageContext, p []byte) error {
			return h.SetState(ctx, p[0])
		}},
		ops.SetName: {"set-name", minLenSetName, func(h Handler, ctx MessageContext, p []byte) error {
			return h.SetName(ctx, DecodeName(p))
		}},
		ops.ReportRequest: {"report-request", minLenRequest, func(h Handler, ctx MessageContext, _ []byte) error {
			return h.ReportRequest(ctx)
		}},
		ops.CheckProximity: {"check-proximity", minLenRequest, func(h Handler, ctx MessageContext, _ []byte) error {
			return h.CheckProximity(ctx)
		}},
		OpOnOffGet: {"onoff-get", minLenRequest, func(h Handler, ctx MessageContext, _ []byte) error {
			return h.OnOffGet(ctx)
		}},
		OpOnOffSet:      {"onoff-set", minLenOnOffSet, onOffSet(true)},
		OpOnOffSetUnack: {"onoff-set-unack", minLenOnOffSet, onOffSet(false)},
		OpLevelGet: {"level-get", minLenRequest, func(h Handler, ctx MessageContext, _ []byte) error {
			return h.LevelGet(ctx)
		}},
		OpLevelSet:      {"level-set", minLenLevelSet, levelSet(true)},
		OpLevelSetUnack: {"level-set-unack", minLenLevelSet, levelSet(false)},
	}
	return s
}

func onOffSet(ack bool) func(Handler, MessageContext, []byte) error {
	return func(h Handler, ctx MessageContext, p []byte) error {
		set, err := DecodeOnOffSet(p)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrShortFrame, err)
		}
		return h.OnOffSet(ctx, set, ack)
	}
}

func levelSet(ack bool) func(Handler, MessageContext, []byte) error {
	return func(h Handler, ctx MessageContext, p []byte) error {
		set, err := DecodeLevelSet(p)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrShortFrame, err)
		}
		return h.LevelSet(ctx, set, ack)
	}
}

// Bind installs the handler.
func (s *Server) Bind(h Handler) {
	s.handler = h
}

// Opcodes returns the vendor opcodes in use.
func (s *Server) Opcodes() Opcodes {
	return s.ops
}

// Stats returns a copy of the dispatch counters.
func (s *Server) Stats() Stats {
	return s.stats
}

// Dispatch decodes one access-layer PDU and runs its handler synchronously.
// Malformed frames return ErrShortFrame or ErrBadOpcode and change nothing.
func (s *Server) Dispatch(ctx MessageContext, pdu []byte) error {
	if s.handler == nil {
		return ErrNoHandler
	}
	s.stats.Received++

	op, payload, err := ParseOpcode(pdu)
	if err != nil {
		s.stats.Dropped++
		return err
	}

	e, ok := s.table[op]
	if !ok {
		s.stats.Unknown++
		return fmt.Errorf("%w %s", ErrUnknownOpcode, op)
	}
	if len(payload) < e.minLen {
		s.stats.Dropped++
		return fmt.Errorf("%w: %s got %d bytes, need %d", ErrShortFrame, e.name, len(payload), e.minLen)
	}

	s.logger.Debug("dispatch",
		zap.String("op", e.name),
		zap.Uint16("src", ctx.Src),
		zap.Int8("rssi", ctx.RSSI),
		zap.Int("len", len(payload)),
	)

	if err := e.handle(s.handler, ctx, payload); err != nil {
		if errors.Is(err, ErrShortFrame) {
			s.stats.Dropped++
		} else {
			s.stats.Failed++
		}
		return fmt.Errorf("%s: %w", e.name, err)
	}
	s.stats.Handled++
	return nil
}

// SignInReply answers a Sign-In with the badge name.
func (s *Server) SignInReply(ctx MessageContext, name string) error {
	return s.transport.Send(ctx.Reply(), s.ops.SignInReply, EncodeName(name))
}

// ReportReply answers a Report-Request with the proximity snapshot.
func (s *Server) ReportReply(ctx MessageContext, records []proximity.Record) error {
	return s.transport.Send(ctx.Reply(), s.ops.ReportReply, EncodeReport(records))
}

// CheckProximity broadcasts this badge's presence without relaying.
func (s *Server) CheckProximity() error {
	return s.transport.Publish(s.ops.CheckProximity, nil, TTLSingleHop)
}

// SendOnOffStatus answers an OnOff Get/Set.
func (s *Server) SendOnOffStatus(ctx MessageContext, st OnOffStatus) error {
	return s.transport.Send(ctx.Reply(), OpOnOffStatus, EncodeOnOffStatus(st))
}

// PublishOnOffStatus announces an OnOff state change.
func (s *Server) PublishOnOffStatus(st OnOffStatus) error {
	return s.transport.Publish(OpOnOffStatus, EncodeOnOffStatus(st), TTLDefault)
}

// SendLevelStatus answers a Level Get/Set.
func (s *Server) SendLevelStatus(ctx MessageContext, st LevelStatus) error {
	return s.transport.Send(ctx.Reply(), OpLevelStatus, EncodeLevelStatus(st))
}

// PublishLevelStatus announces a Level state change.
func (s *Server) PublishLevelStatus(st LevelStatus) error {
	return s.transport.Publish(OpLevelStatus, EncodeLevelStatus(st), TTLDefault)
}
