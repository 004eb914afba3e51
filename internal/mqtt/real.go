package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/badge-node/internal/protocol"
)

const (
	publishTimeout   = 5 * time.Second
	subscribeTimeout = 5 * time.Second
)

// Options configures a RealTransport.
type Options struct {
	Broker      string
	ClientID    string // base id; a per-process suffix is appended
	TopicPrefix string
	Addr        uint16 // own element address
	PublishAddr uint16 // destination of model publications
	DefaultTTL  uint8
	// TxRSSI is written into outgoing envelopes. A radio bridge rewrites it
	// with the measured value; on a bare broker it is what peers observe.
	TxRSSI         int8
	BufferSize     int
	FrameQueue     int
	ConnectTimeout time.Duration
}

// Stats counts transport activity.
type Stats struct {
	Delivered     uint64
	DroppedFrames uint64 // inbound queue full
	Malformed     uint64
	Buffered      uint64
	BufferDropped int
}

// RealTransport exchanges badge frames through an actual MQTT broker.
type RealTransport struct {
	client paho.Client
	opts   Options
	logger *zap.Logger
	frames chan Frame

	mu        sync.Mutex
	outbox    *outbox
	connected bool
	closed    bool
	stats     Stats
}

// NewRealTransport connects to the broker and subscribes to the badge's
// unicast and broadcast topics.
func NewRealTransport(opts Options, logger *zap.Logger) (*RealTransport, error) {
	t := newTransport(nil, opts, logger)

	clientID := fmt.Sprintf("%s-%04x-%s", opts.ClientID, opts.Addr, uuid.NewString()[:8])
	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "LWT"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(SystemTopic(opts.TopicPrefix, opts.Addr), will, 1, true).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost)

	t.client = paho.NewClient(po)
	token := t.client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	t.logger.Info("mqtt transport started", zap.String("broker", opts.Broker), zap.String("client_id", clientID))
	return t, nil
}

func newTransport(client paho.Client, opts Options, logger *zap.Logger) *RealTransport {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if opts.FrameQueue < 1 {
		opts.FrameQueue = 64
	}
	return &RealTransport{
		client: client,
		opts:   opts,
		logger: logger,
		frames: make(chan Frame, opts.FrameQueue),
		outbox: newOutbox(opts.BufferSize, logger),
	}
}

func (t *RealTransport) onConnect(c paho.Client) {
	filters := map[string]byte{
		UnicastTopic(t.opts.TopicPrefix, t.opts.Addr): 0,
		BroadcastTopic(t.opts.TopicPrefix):            0,
	}
	token := c.SubscribeMultiple(filters, t.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		t.logger.Error("mqtt subscribe timeout")
	} else if err := token.Error(); err != nil {
		t.logger.Error("mqtt subscribe failed", zap.Error(err))
	}

	// Publishes made during the replay keep queueing behind it until the
	// outbox is empty, so nothing overtakes an older message.
	replayed := 0
	for {
		t.mu.Lock()
		pending := t.outbox.take()
		if len(pending) == 0 {
			t.connected = true
			t.mu.Unlock()
			break
		}
		t.mu.Unlock()
		t.replay(c, pending)
		replayed += len(pending)
	}
	t.logger.Info("mqtt connected", zap.Int("replayed", replayed))
}

func (t *RealTransport) replay(c paho.Client, msgs []queuedMsg) {
	for _, m := range msgs {
		tok := c.Publish(m.topic, m.qos, m.retained, m.payload)
		if !tok.WaitTimeout(publishTimeout) {
			t.logger.Warn("mqtt replay timeout", zap.String("topic", m.topic))
			continue
		}
		if err := tok.Error(); err != nil {
			t.logger.Warn("mqtt replay failed", zap.String("topic", m.topic), zap.Error(err))
		}
	}
}

func (t *RealTransport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.logger.Warn("mqtt connection lost", zap.Error(err))
}

func (t *RealTransport) onMessage(_ paho.Client, m paho.Message) {
	t.handleMessage(m.Topic(), m.Payload())
}

// handleMessage decodes one envelope and queues it for the event loop.
// It never blocks the paho callback.
func (t *RealTransport) handleMessage(topic string, payload []byte) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		t.mu.Lock()
		t.stats.Malformed++
		t.mu.Unlock()
		t.logger.Debug("malformed envelope", zap.String("topic", topic), zap.Error(err))
		return
	}
	env.PDU = append([]byte(nil), env.PDU...)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.frames <- env.Frame():
		t.stats.Delivered++
	default:
		t.stats.DroppedFrames++
		t.logger.Warn("inbound frame queue full, dropping", zap.Uint16("src", env.Src))
	}
}

// Frames delivers inbound frames.
func (t *RealTransport) Frames() <-chan Frame {
	return t.frames
}

// Send publishes a frame to ctx.Dst. Unicast frames are not buffered.
func (t *RealTransport) Send(ctx protocol.MessageContext, op protocol.Opcode, payload []byte) error {
	if t.opts.Addr == protocol.AddrUnassigned {
		return protocol.ErrNotProvisioned
	}
	body, err := t.envelope(ctx.Dst, t.opts.DefaultTTL, op, payload)
	if err != nil {
		return err
	}
	return t.publish(t.topicFor(ctx.Dst), body, 0, false, false)
}

// Publish sends to the configured publish address. Relayed publications
// are buffered while disconnected; single-hop ones are stale by the time
// the link returns, so they fail with ErrNotConnected.
func (t *RealTransport) Publish(op protocol.Opcode, payload []byte, ttl protocol.TTL) error {
	if t.opts.Addr == protocol.AddrUnassigned {
		return protocol.ErrNotProvisioned
	}
	if t.opts.PublishAddr == protocol.AddrUnassigned {
		return protocol.ErrPublishNotConfigured
	}
	hops := t.opts.DefaultTTL
	if ttl != protocol.TTLDefault {
		hops = uint8(ttl)
	}
	body, err := t.envelope(t.opts.PublishAddr, hops, op, payload)
	if err != nil {
		return err
	}
	return t.publish(t.topicFor(t.opts.PublishAddr), body, 0, false, ttl != protocol.TTLSingleHop)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (t *RealTransport) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) for lifecycle events
	return t.publish(SystemTopic(t.opts.TopicPrefix, t.opts.Addr), payload, 1, event.Retained, true)
}

func (t *RealTransport) envelope(dst uint16, ttl uint8, op protocol.Opcode, payload []byte) ([]byte, error) {
	pdu, err := protocol.EncodePDU(op, payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	return EncodeEnvelope(Envelope{
		Src:  t.opts.Addr,
		Dst:  dst,
		TTL:  ttl,
		RSSI: t.opts.TxRSSI,
		PDU:  pdu,
	}), nil
}

// topicFor maps group and all-nodes addresses to the broadcast topic.
func (t *RealTransport) topicFor(dst uint16) string {
	if dst >= 0xC000 {
		return BroadcastTopic(t.opts.TopicPrefix)
	}
	return UnicastTopic(t.opts.TopicPrefix, dst)
}

func (t *RealTransport) publish(topic string, payload []byte, qos byte, retained, bufferable bool) error {
	t.mu.Lock()
	if !t.connected {
		defer t.mu.Unlock()
		if !bufferable {
			return ErrNotConnected
		}
		t.outbox.add(queuedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		t.stats.Buffered++
		return nil
	}
	t.mu.Unlock()

	token := t.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker link is up.
func (t *RealTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Stats returns a copy of the transport counters.
func (t *RealTransport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.BufferDropped = t.outbox.dropped
	return s
}

// Close disconnects from the broker and closes Frames.
func (t *RealTransport) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.frames)
	}
	t.mu.Unlock()
	if t.client != nil {
		t.client.Disconnect(1000) // 1 second timeout
	}
	return nil
}
