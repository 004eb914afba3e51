// Package census polls a set of badges for their proximity reports.
//
// One round walks the badge list in order: Sign-In to learn the badge's
// name, then Report-Request to collect the contacts it heard since the last
// round. Each Report-Request also makes the badge send a fresh
// Check-Proximity, so contacts reported in round N were observed after
// round N-1.
package census

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/badge-node/internal/mqtt"
	"github.com/sweeney/badge-node/internal/protocol"
	"github.com/sweeney/badge-node/internal/proximity"
)

// DefaultTimeout bounds the wait for each reply.
const DefaultTimeout = 2 * time.Second

// ErrTimeout is returned when a badge does not answer in time.
var ErrTimeout = errors.New("no reply")

// ErrClosed is returned when the transport stops delivering frames.
var ErrClosed = errors.New("transport closed")

// Transport sends requests and delivers the replies.
type Transport interface {
	protocol.Transport
	Frames() <-chan mqtt.Frame
}

// Result is what one badge answered in a round.
type Result struct {
	Addr     uint16
	Name     string
	Contacts []proximity.Record
	Err      error
}

// Round is one complete pass over the badge list.
type Round struct {
	ID       string
	Started  time.Time
	Finished time.Time
	Results  []Result
}

// Contact is an undirected edge between two badges.
type Contact struct {
	A, B uint16 // A < B
	RSSI int8   // strongest reading from either side
}

// Census drives rounds over a transport.
type Census struct {
	client  *protocol.Client
	frames  <-chan mqtt.Frame
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// New returns a Census speaking the badge protocol under company id cid.
func New(cid uint16, t Transport, timeout time.Duration, logger *zap.Logger) *Census {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Census{
		client:  protocol.NewClient(cid, t),
		frames:  t.Frames(),
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Run polls every address once. A badge that fails is recorded with its
// error and the round moves on. Run stops early only if ctx is done or the
// transport closes.
func (c *Census) Run(ctx context.Context, addrs []uint16) (Round, error) {
	r := Round{ID: uuid.NewString(), Started: c.now()}
	log := c.logger.With(zap.String("round", r.ID))

	for _, addr := range addrs {
		res := c.Poll(ctx, addr)
		r.Results = append(r.Results, res)
		if res.Err != nil {
			log.Warn("badge poll failed", zap.String("addr", fmt.Sprintf("%04x", addr)), zap.Error(res.Err))
			if errors.Is(res.Err, ErrClosed) || ctx.Err() != nil {
				r.Finished = c.now()
				return r, res.Err
			}
			continue
		}
		log.Debug("badge polled",
			zap.String("addr", fmt.Sprintf("%04x", addr)),
			zap.String("name", res.Name),
			zap.Int("contacts", len(res.Contacts)),
		)
	}
	r.Finished = c.now()
	return r, nil
}

// Poll signs in to one badge and collects its report.
func (c *Census) Poll(ctx context.Context, addr uint16) Result {
	res := Result{Addr: addr}

	if err := c.client.SignIn(addr); err != nil {
		res.Err = fmt.Errorf("sign-in: %w", err)
		return res
	}
	reply, err := c.await(ctx, addr, protocol.ReplySignIn)
	if err != nil {
		res.Err = fmt.Errorf("sign-in: %w", err)
		return res
	}
	res.Name = reply.Name

	if err := c.client.ReportRequest(addr); err != nil {
		res.Err = fmt.Errorf("report: %w", err)
		return res
	}
	reply, err = c.await(ctx, addr, protocol.ReplyReport)
	if err != nil {
		res.Err = fmt.Errorf("report: %w", err)
		return res
	}
	for _, rec := range reply.Report {
		if !rec.IsSentinel() {
			res.Contacts = append(res.Contacts, rec)
		}
	}
	return res
}

// await reads frames until addr sends a reply of the wanted kind. Anything
// else on the wire is skipped.
func (c *Census) await(ctx context.Context, addr uint16, want protocol.ReplyKind) (protocol.Reply, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return protocol.Reply{}, ctx.Err()
		case <-timer.C:
			return protocol.Reply{}, ErrTimeout
		case f, ok := <-c.frames:
			if !ok {
				return protocol.Reply{}, ErrClosed
			}
			if f.Ctx.Src != addr {
				continue
			}
			reply, err := c.client.ParseReply(f.Ctx, f.PDU)
			if err != nil {
				c.logger.Debug("bad reply", zap.Uint16("src", f.Ctx.Src), zap.Error(err))
				continue
			}
			if reply.Kind == want {
				return reply, nil
			}
		}
	}
}

// Contacts folds the per-badge reports of a round into undirected edges,
// strongest first. Both sides of a pair usually report each other; the
// stronger reading wins.
func Contacts(results []Result) []Contact {
	type pair struct{ a, b uint16 }
	best := make(map[pair]int8)

	for _, res := range results {
		for _, rec := range res.Contacts {
			if rec.IsSentinel() || rec.Addr == res.Addr {
				continue
			}
			p := pair{res.Addr, rec.Addr}
			if p.a > p.b {
				p.a, p.b = p.b, p.a
			}
			if cur, ok := best[p]; !ok || rec.RSSI > cur {
				best[p] = rec.RSSI
			}
		}
	}

	out := make([]Contact, 0, len(best))
	for p, rssi := range best {
		out = append(out, Contact{A: p.a, B: p.b, RSSI: rssi})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}
