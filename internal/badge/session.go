// Package badge holds one badge's session state and implements the badge
// protocol handlers on top of it.
//
// A Session is not safe for concurrent use. Frames, timer callbacks and
// ticks must all be delivered from the same event loop.
package badge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/badge-node/internal/display"
	"github.com/sweeney/badge-node/internal/protocol"
	"github.com/sweeney/badge-node/internal/proximity"
	"github.com/sweeney/badge-node/internal/sched"
	"github.com/sweeney/badge-node/internal/store"
	"github.com/sweeney/badge-node/internal/transition"
)

const (
	// DefaultContactFloor drops contacts too weak to count as proximity.
	DefaultContactFloor int8 = -85
	// DefaultBlinkTicks is the length of the identify chase in ticks.
	DefaultBlinkTicks = 100
	// DefaultIndicatorLED is the line driven by the on/off output.
	DefaultIndicatorLED = 6
	// DefaultTIDWindow is how long a (src, tid) pair marks a retransmission.
	DefaultTIDWindow = 6 * time.Second

	persistTimeout = 2 * time.Second
)

// Replier sends the badge's answers and announcements.
type Replier interface {
	SignInReply(ctx protocol.MessageContext, name string) error
	ReportReply(ctx protocol.MessageContext, records []proximity.Record) error
	CheckProximity() error
	SendOnOffStatus(ctx protocol.MessageContext, st protocol.OnOffStatus) error
	PublishOnOffStatus(st protocol.OnOffStatus) error
	SendLevelStatus(ctx protocol.MessageContext, st protocol.LevelStatus) error
	PublishLevelStatus(st protocol.LevelStatus) error
}

// Options configures a Session.
type Options struct {
	Addr         uint16
	Capacity     int
	NoiseFloor   int8
	ContactFloor int8
	BlinkTicks   int
	IndicatorLED int
	// DefaultTransition applies to Set messages that carry no timing.
	DefaultTransition time.Duration
	TIDWindow         time.Duration
}

// DefaultOptions returns the stock badge settings for addr.
func DefaultOptions(addr uint16) Options {
	return Options{
		Addr:         addr,
		Capacity:     proximity.DefaultCapacity,
		NoiseFloor:   proximity.SentinelRSSI,
		ContactFloor: DefaultContactFloor,
		BlinkTicks:   DefaultBlinkTicks,
		IndicatorLED: DefaultIndicatorLED,
		TIDWindow:    DefaultTIDWindow,
	}
}

// Session is one badge's state: identity, health, contacts and outputs.
type Session struct {
	opts   Options
	sched  sched.Scheduler
	out    display.Output
	reply  Replier
	store  store.Store
	logger *zap.Logger

	name   string
	static display.HealthState // last non-identify state shown
	blink  int                 // identify chase ticks left

	saver *saver

	agg   *proximity.Aggregator
	onoff *transition.Engine[bool]
	level *transition.Engine[display.HealthState]

	onoffTIDs tidCache
	levelTIDs tidCache
}

// New creates a session showing Healthy. Call Start to restore persisted
// state and light the display.
func New(opts Options, s sched.Scheduler, out display.Output, reply Replier, st store.Store, logger *zap.Logger) *Session {
	if st == nil {
		st = store.NopStore{}
	}
	sess := &Session{
		opts:      opts,
		sched:     s,
		out:       out,
		reply:     reply,
		store:     st,
		logger:    logger.With(zap.String("addr", fmt.Sprintf("%04x", opts.Addr))),
		static:    display.Healthy,
		agg:       proximity.NewAggregator(opts.Capacity, opts.NoiseFloor),
		onoffTIDs: newTIDCache(opts.TIDWindow),
		levelTIDs: newTIDCache(opts.TIDWindow),
	}
	sess.saver = newSaver(st, opts.Addr, persistTimeout, sess.logger)
	sess.onoff = transition.New[bool](s, indicatorDriver{sess}, false)
	sess.level = transition.New[display.HealthState](s, levelDriver{sess}, display.Healthy)
	sess.onoff.SetPublisher(sess.publishOnOff)
	sess.level.SetPublisher(sess.publishLevel)
	return sess
}

// Start restores the persisted health state and renders it.
func (s *Session) Start(ctx context.Context) error {
	initial := display.Healthy
	v, err := s.store.Load(ctx, s.opts.Addr)
	switch {
	// Identify is a transient chase, so a stored Identify restores as Healthy.
	case err == nil && v != display.Identify:
		initial = v
		s.saver.restored(v)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		s.logger.Warn("restore health state failed", zap.Error(err))
	}

	s.onoff.Force(false)
	s.level.Force(initial)
	s.logger.Info("session started", zap.Stringer("health", initial))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

// Addr returns the badge's element address.
func (s *Session) Addr() uint16 {
	return s.opts.Addr
}

// Name returns the assigned name, or "" before Set-Name.
func (s *Session) Name() string {
	return s.name
}

// Health returns the current health state.
func (s *Session) Health() display.HealthState {
	return s.level.Current()
}

// Blinking reports whether the identify chase is running.
func (s *Session) Blinking() bool {
	return s.blink > 0
}

// Contacts returns the occupied proximity slots, strongest first.
func (s *Session) Contacts() []proximity.Record {
	return s.agg.Contacts()
}

// Info is a point-in-time copy of the session for status reporting.
type Info struct {
	Addr     uint16
	Name     string
	Health   display.HealthState
	Blinking bool
	Contacts []proximity.Record
	OnOff    transition.Status[bool]
	Level    transition.Status[display.HealthState]
}

// Info snapshots the session.
func (s *Session) Info() Info {
	return Info{
		Addr:     s.opts.Addr,
		Name:     s.name,
		Health:   s.Health(),
		Blinking: s.Blinking(),
		Contacts: s.agg.Contacts(),
		OnOff:    s.onoff.Status(),
		Level:    s.level.Status(),
	}
}

// Tick advances the identify chase by one frame. When it runs out the last
// static state is shown again.
func (s *Session) Tick() {
	if s.blink == 0 {
		return
	}
	s.blink--
	if s.blink == 0 {
		s.level.Force(s.static)
		return
	}
	s.write(display.ChaseFrame(s.blink))
}

// Reset returns the badge to factory state: Healthy, unnamed, no contacts.
func (s *Session) Reset() {
	s.name = ""
	s.agg.Reset()
	s.onoff.Force(false)
	s.level.Force(display.Healthy)
	s.logger.Info("session reset")
}

func (s *Session) SignIn(ctx protocol.MessageContext) error {
	name := s.name
	if name == "" {
		name = PlaceholderName(s.opts.Addr)
	}
	if err := s.reply.SignInReply(ctx, name); err != nil {
		return fmt.Errorf("sign-in reply to %04x: %w", ctx.Src, err)
	}
	return nil
}

func (s *Session) SetState(ctx protocol.MessageContext, state uint8) error {
	hs := display.HealthState(state)
	if !hs.Valid() {
		s.logger.Warn("invalid health state", zap.Uint8("state", state), zap.Uint16("src", ctx.Src))
	}
	s.level.Force(hs)
	return nil
}

func (s *Session) SetName(ctx protocol.MessageContext, name string) error {
	if len(name) > protocol.MaxNameLen {
		name = name[:protocol.MaxNameLen]
	}
	s.name = name
	s.logger.Info("name set", zap.String("name", name), zap.Uint16("src", ctx.Src))
	return nil
}

// ReportRequest answers with the current snapshot and opens a new round.
// If the reply cannot be sent the round stays open.
func (s *Session) ReportRequest(ctx protocol.MessageContext) error {
	if err := s.reply.ReportReply(ctx, s.agg.Snapshot()); err != nil {
		return fmt.Errorf("report reply to %04x: %w", ctx.Src, err)
	}
	s.agg.Reset()
	if err := s.reply.CheckProximity(); err != nil {
		s.logger.Warn("check-proximity publish failed", zap.Error(err))
	}
	return nil
}

func (s *Session) CheckProximity(ctx protocol.MessageContext) error {
	if ctx.Src == s.opts.Addr || ctx.Src == protocol.AddrUnassigned {
		return nil
	}
	if ctx.RSSI < s.opts.ContactFloor {
		s.logger.Debug("contact below floor", zap.Uint16("src", ctx.Src), zap.Int8("rssi", ctx.RSSI))
		return nil
	}
	s.agg.Observe(ctx.Src, ctx.RSSI)
	return nil
}

func (s *Session) OnOffGet(ctx protocol.MessageContext) error {
	return s.reply.SendOnOffStatus(ctx, onOffStatus(s.onoff.Status()))
}

func (s *Session) OnOffSet(ctx protocol.MessageContext, set protocol.OnOffSet, ack bool) error {
	st := s.onoff.Status()
	if !s.onoffTIDs.seen(ctx.Src, set.TID, s.sched.Now()) {
		delay, dur := s.timing(set.Transition)
		st = s.onoff.Apply(set.OnOff, delay, dur)
	}
	if !ack {
		return nil
	}
	return s.reply.SendOnOffStatus(ctx, onOffStatus(st))
}

func (s *Session) LevelGet(ctx protocol.MessageContext) error {
	return s.reply.SendLevelStatus(ctx, levelStatus(s.level.Status()))
}

func (s *Session) LevelSet(ctx protocol.MessageContext, set protocol.LevelSet, ack bool) error {
	st := s.level.Status()
	if !s.levelTIDs.seen(ctx.Src, set.TID, s.sched.Now()) {
		hs, ok := StateFromLevel(set.Level)
		if !ok {
			s.logger.Warn("level maps to no state", zap.Int16("level", set.Level))
			hs = display.Off
		}
		delay, dur := s.timing(set.Transition)
		st = s.level.Apply(hs, delay, dur)
	}
	if !ack {
		return nil
	}
	return s.reply.SendLevelStatus(ctx, levelStatus(st))
}

func (s *Session) timing(tr *protocol.Transition) (delay, duration time.Duration) {
	if tr == nil {
		return 0, s.opts.DefaultTransition
	}
	return tr.Delay, tr.Duration
}

// show puts a health state on the display. Identify starts the chase;
// anything else is drawn from the state table and persisted.
func (s *Session) show(v display.HealthState) {
	if v == display.Identify {
		s.blink = s.opts.BlinkTicks
		s.write(display.ChaseFrame(s.blink))
		return
	}
	s.blink = 0
	s.static = v
	s.write(display.Map(v))
	s.persist(v)
}

func (s *Session) write(p display.Pattern) {
	if err := s.out.SetPattern(p); err != nil {
		s.logger.Error("display write failed", zap.Error(err))
	}
}

func (s *Session) persist(v display.HealthState) {
	s.saver.submit(v)
}

// Flush waits for pending health state writes to reach the store.
func (s *Session) Flush(ctx context.Context) error {
	return s.saver.flush(ctx)
}

func (s *Session) publishOnOff(st transition.Status[bool]) {
	if err := s.reply.PublishOnOffStatus(onOffStatus(st)); err != nil {
		s.logger.Warn("onoff status publish failed", zap.Error(err))
	}
}

func (s *Session) publishLevel(st transition.Status[display.HealthState]) {
	if err := s.reply.PublishLevelStatus(levelStatus(st)); err != nil {
		s.logger.Warn("level status publish failed", zap.Error(err))
	}
}

func onOffStatus(st transition.Status[bool]) protocol.OnOffStatus {
	return protocol.OnOffStatus{
		Present:      st.Active,
		Target:       st.Target,
		Remaining:    st.Remaining,
		InTransition: st.Phase != transition.Idle,
	}
}

func levelStatus(st transition.Status[display.HealthState]) protocol.LevelStatus {
	return protocol.LevelStatus{
		Present:      LevelFromState(st.Current),
		Target:       LevelFromState(st.Target),
		Remaining:    st.Remaining,
		InTransition: st.Phase != transition.Idle,
	}
}

// levelDriver shows the level engine's value as the health state.
type levelDriver struct{ s *Session }

func (d levelDriver) Apply(v display.HealthState) { d.s.show(v) }

func (d levelDriver) Pending(display.HealthState) {
	d.s.blink = 0
	d.s.write(display.PendingPattern)
}

// indicatorDriver drives the single on/off LED.
type indicatorDriver struct{ s *Session }

func (d indicatorDriver) Apply(on bool) { d.set(on) }

func (d indicatorDriver) Pending(bool) { d.set(true) }

func (d indicatorDriver) set(on bool) {
	if err := d.s.out.SetSingle(d.s.opts.IndicatorLED, on); err != nil {
		d.s.logger.Error("indicator write failed", zap.Error(err))
	}
}

// tidCache remembers the last transaction id per source.
type tidCache struct {
	window time.Duration
	last   map[uint16]tidEntry
}

type tidEntry struct {
	tid uint8
	at  time.Time
}

func newTIDCache(window time.Duration) tidCache {
	return tidCache{window: window, last: make(map[uint16]tidEntry)}
}

// seen reports whether (src, tid) repeats a message inside the window, and
// records it otherwise. Expired sources are dropped on every call.
func (c tidCache) seen(src uint16, tid uint8, now time.Time) bool {
	for a, e := range c.last {
		if now.Sub(e.at) >= c.window {
			delete(c.last, a)
		}
	}
	if e, ok := c.last[src]; ok && e.tid == tid {
		return true
	}
	c.last[src] = tidEntry{tid: tid, at: now}
	return false
}

var _ protocol.Handler = (*Session)(nil)
