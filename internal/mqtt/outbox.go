package mqtt

import "go.uber.org/zap"

// queuedMsg is a publication held back while the broker is unreachable.
type queuedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds publications until the next connect. A retained message
// replaces any queued retained message on the same topic, since the broker
// would only keep the last one. When full, the oldest unretained message is
// evicted first. Not safe for concurrent use.
type outbox struct {
	msgs    []queuedMsg
	limit   int
	dropped int
	warned  bool
	logger  *zap.Logger
}

func newOutbox(limit int, logger *zap.Logger) *outbox {
	if limit < 1 {
		limit = 1
	}
	return &outbox{limit: limit, logger: logger}
}

func (o *outbox) add(m queuedMsg) {
	if m.retained {
		for i := range o.msgs {
			if o.msgs[i].retained && o.msgs[i].topic == m.topic {
				o.msgs = append(o.msgs[:i], o.msgs[i+1:]...)
				break
			}
		}
	}
	if len(o.msgs) == o.limit {
		o.evict()
	}
	o.msgs = append(o.msgs, m)
}

func (o *outbox) evict() {
	victim := 0
	for i := range o.msgs {
		if !o.msgs[i].retained {
			victim = i
			break
		}
	}
	if !o.warned {
		o.logger.Warn("mqtt outbox full, dropping queued messages", zap.Int("limit", o.limit))
		o.warned = true
	}
	o.msgs = append(o.msgs[:victim], o.msgs[victim+1:]...)
	o.dropped++
}

// take returns the queued messages in publish order and empties the outbox.
func (o *outbox) take() []queuedMsg {
	if len(o.msgs) == 0 {
		return nil
	}
	out := o.msgs
	o.msgs = nil
	o.warned = false
	return out
}

func (o *outbox) len() int {
	return len(o.msgs)
}
