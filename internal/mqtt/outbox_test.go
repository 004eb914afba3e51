package mqtt

import (
	"testing"

	"go.uber.org/zap"
)

func relay(b byte) queuedMsg {
	return queuedMsg{topic: "badge/mesh/all", payload: []byte{b}}
}

func lifecycle(event string) queuedMsg {
	return queuedMsg{topic: "badge/mesh/0005/system", payload: []byte(event), qos: 1, retained: true}
}

func TestOutboxEmptyTake(t *testing.T) {
	o := newOutbox(4, zap.NewNop())
	if got := o.take(); got != nil {
		t.Errorf("got %d messages, want nil", len(got))
	}
}

func TestOutboxKeepsOrder(t *testing.T) {
	o := newOutbox(8, zap.NewNop())
	for i := byte(0); i < 5; i++ {
		o.add(relay(i))
	}
	got := o.take()
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	for i, m := range got {
		if m.payload[0] != byte(i) {
			t.Errorf("message %d: got payload %d, want %d", i, m.payload[0], i)
		}
	}
	if o.len() != 0 || o.take() != nil {
		t.Error("take did not empty the outbox")
	}
}

func TestOutboxEvictsOldestRelay(t *testing.T) {
	o := newOutbox(3, zap.NewNop())
	o.add(lifecycle("STARTUP"))
	for i := byte(0); i < 4; i++ {
		o.add(relay(i))
	}

	if o.dropped != 2 {
		t.Errorf("dropped: got %d, want 2", o.dropped)
	}
	got := o.take()
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if string(got[0].payload) != "STARTUP" {
		t.Errorf("lifecycle event evicted: got %q first", got[0].payload)
	}
	if got[1].payload[0] != 2 || got[2].payload[0] != 3 {
		t.Errorf("relays: got %d, %d; want 2, 3", got[1].payload[0], got[2].payload[0])
	}
}

func TestOutboxEvictsRetainedWhenNothingElse(t *testing.T) {
	o := newOutbox(2, zap.NewNop())
	o.add(queuedMsg{topic: "a", retained: true})
	o.add(queuedMsg{topic: "b", retained: true})
	o.add(queuedMsg{topic: "c", retained: true})

	got := o.take()
	if len(got) != 2 || got[0].topic != "b" || got[1].topic != "c" {
		t.Errorf("got %+v, want b then c", got)
	}
}

func TestOutboxRetainedReplacesSameTopic(t *testing.T) {
	o := newOutbox(8, zap.NewNop())
	o.add(lifecycle("STARTUP"))
	o.add(relay(1))
	o.add(lifecycle("SHUTDOWN"))

	got := o.take()
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].payload[0] != 1 || string(got[1].payload) != "SHUTDOWN" {
		t.Errorf("got %q then %q", got[0].payload, got[1].payload)
	}
	if o.dropped != 0 {
		t.Errorf("replacement counted as drop: %d", o.dropped)
	}
}

func TestOutboxUnretainedNeverCoalesce(t *testing.T) {
	o := newOutbox(8, zap.NewNop())
	o.add(relay(1))
	o.add(relay(1))
	if o.len() != 2 {
		t.Errorf("len: got %d, want 2", o.len())
	}
}

func TestOutboxPreservesFields(t *testing.T) {
	o := newOutbox(4, zap.NewNop())
	o.add(lifecycle("HEARTBEAT"))

	got := o.take()
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	m := got[0]
	if m.topic != "badge/mesh/0005/system" || string(m.payload) != "HEARTBEAT" || m.qos != 1 || !m.retained {
		t.Errorf("got %+v", m)
	}
}

func TestOutboxMinimumLimit(t *testing.T) {
	o := newOutbox(0, zap.NewNop())
	o.add(relay(1))
	o.add(relay(2))

	got := o.take()
	if len(got) != 1 || got[0].payload[0] != 2 {
		t.Errorf("got %+v, want only the newest", got)
	}
}
