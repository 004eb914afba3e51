package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sweeney/badge-node/internal/badge"
	"github.com/sweeney/badge-node/internal/config"
	"github.com/sweeney/badge-node/internal/display"
	"github.com/sweeney/badge-node/internal/gpio"
	"github.com/sweeney/badge-node/internal/mqtt"
	"github.com/sweeney/badge-node/internal/protocol"
	"github.com/sweeney/badge-node/internal/sched"
	"github.com/sweeney/badge-node/internal/status"
	"github.com/sweeney/badge-node/internal/store"
)

const (
	badgeAddr = 0x0005
	orchAddr  = 0x0001
)

// --- flag handling ---

func TestLoadConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, v, err := loadConfig(fs, []string{"-addr", "5"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Node.Addr != 5 {
		t.Errorf("Addr: got %d, want 5", cfg.Node.Addr)
	}
	if cfg.MQTT.Broker != config.Default().MQTT.Broker {
		t.Errorf("Broker: got %q, want default", cfg.MQTT.Broker)
	}
	if *v.printConfig {
		t.Error("print-config should default to false")
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badge.yaml")
	body := "node:\n  addr: 3\n  contact_floor: -70\nmqtt:\n  broker: tcp://file:1883\nhttp:\n  addr: \":9000\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, _, err := loadConfig(fs, []string{
		"-config", path,
		"-addr", "0x0009",
		"-http", "off",
		"-gpio=false",
		"-heartbeat", "1m",
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Node.Addr != 9 {
		t.Errorf("Addr: got %d, want 9 (flag wins)", cfg.Node.Addr)
	}
	if cfg.Node.ContactFloor != -70 {
		t.Errorf("ContactFloor: got %d, want -70 (from file)", cfg.Node.ContactFloor)
	}
	if cfg.MQTT.Broker != "tcp://file:1883" {
		t.Errorf("Broker: got %q, want file value", cfg.MQTT.Broker)
	}
	if cfg.HTTP.Addr != "" {
		t.Errorf("HTTP.Addr: got %q, want disabled", cfg.HTTP.Addr)
	}
	if cfg.Node.Heartbeat != time.Minute {
		t.Errorf("Heartbeat: got %v, want 1m", cfg.Node.Heartbeat)
	}
}

func TestLoadConfigUnsetFlagsKeepFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badge.yaml")
	if err := os.WriteFile(path, []byte("node:\n  addr: 3\ngpio:\n  enabled: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, _, err := loadConfig(fs, []string{"-config", path})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	// -gpio defaults to false but was not given, so the file value stands
	if !cfg.GPIO.Enabled {
		t.Error("GPIO.Enabled should come from the file")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad addr", []string{"-addr", "badge"}},
		{"group addr", []string{"-addr", "0xC000"}},
		{"floor out of range", []string{"-contact-floor", "-300"}},
		{"missing file", []string{"-config", "/nonexistent/badge.yaml"}},
		{"unknown flag", []string{"-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			fs.SetOutput(discard{})
			if _, _, err := loadConfig(fs, tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestSessionOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Node.Addr = 9
	cfg.Node.Capacity = 4
	cfg.Node.ContactFloor = -70
	cfg.Node.DefaultTransition = time.Second

	opts := sessionOptions(cfg)
	if opts.Addr != 9 || opts.Capacity != 4 || opts.ContactFloor != -70 {
		t.Errorf("got %+v", opts)
	}
	if opts.DefaultTransition != time.Second {
		t.Errorf("DefaultTransition: got %v, want 1s", opts.DefaultTransition)
	}
	if opts.TIDWindow != badge.DefaultTIDWindow {
		t.Errorf("TIDWindow: got %v, want default", opts.TIDWindow)
	}
}

func TestSignalName(t *testing.T) {
	if got := signalName(syscall.SIGINT); got != "SIGINT" {
		t.Errorf("got %q, want SIGINT", got)
	}
	if got := signalName(syscall.SIGTERM); got != "SIGTERM" {
		t.Errorf("got %q, want SIGTERM", got)
	}
	if got := signalName(syscall.SIGHUP); got != "SIGHUP" {
		t.Errorf("got %q, want SIGHUP", got)
	}
	if got := signalName(syscall.SIGQUIT); got != "UNKNOWN" {
		t.Errorf("got %q, want UNKNOWN", got)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestPrintConfig(t *testing.T) {
	var buf bytes.Buffer
	if err := printConfig(&buf, config.Default()); err != nil {
		t.Fatalf("printConfig: %v", err)
	}
	if !strings.Contains(buf.String(), "topic_prefix: badge/mesh") {
		t.Errorf("output missing topic prefix:\n%s", buf.String())
	}

	if err := printConfig(failingWriter{}, config.Default()); err == nil {
		t.Error("expected write error")
	}
}

type stubShutdowner struct{ err error }

func (s stubShutdowner) Shutdown(context.Context) error { return s.err }

func TestStopHTTPLogsFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	stopHTTP(stubShutdowner{err: context.DeadlineExceeded}, zap.New(core))
	if logs.Len() != 1 || logs.All()[0].Message != "http server shutdown failed" {
		t.Errorf("logs: got %v", logs.All())
	}

	core, logs = observer.New(zap.WarnLevel)
	stopHTTP(stubShutdowner{}, zap.New(core))
	if logs.Len() != 0 {
		t.Errorf("clean shutdown logged: %v", logs.All())
	}
}

// --- runLoop tests ---

type testNode struct {
	*node
	fake   *mqtt.FakeTransport
	leds   *gpio.FakeOutput
	clock  *sched.Fake
	store  *store.MemoryStore
	ops    protocol.Opcodes
	frames chan mqtt.Frame
	tasks  chan func()
	blink  chan time.Time
	beat   chan time.Time
	sig    chan os.Signal
	errCh  chan error
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := mqtt.NewFakeTransport()
	leds := gpio.NewFakeOutput(len(gpio.DefaultPins))
	clock := sched.NewFake(start)
	st := store.NewMemoryStore()
	lg := zap.NewNop()

	server := protocol.NewServer(protocol.DefaultCompanyID, fake, lg)
	opts := badge.DefaultOptions(badgeAddr)
	opts.BlinkTicks = 3
	session := badge.New(opts, clock, leds, server, st, lg)
	server.Bind(session)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	return &testNode{
		node: &node{
			session:   session,
			server:    server,
			transport: fake,
			link:      fake,
			tracker:   status.NewTracker(start, status.Config{Addr: badgeAddr, Broker: "tcp://test:1883"}),
			logger:    lg,
			now:       clock.Now,
		},
		fake:   fake,
		leds:   leds,
		clock:  clock,
		store:  st,
		ops:    server.Opcodes(),
		frames: make(chan mqtt.Frame),
		tasks:  make(chan func()),
		blink:  make(chan time.Time),
		beat:   make(chan time.Time),
		sig:    make(chan os.Signal, 1),
		errCh:  make(chan error, 1),
	}
}

func (tn *testNode) start() {
	go func() {
		tn.errCh <- tn.runLoop(tn.frames, tn.tasks, tn.blink, tn.beat, tn.sig)
	}()
}

// stop sends s and waits for runLoop to return.
func (tn *testNode) stop(t *testing.T, s os.Signal) {
	t.Helper()
	tn.sig <- s
	if err := <-tn.errCh; err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
}

func (tn *testNode) send(t *testing.T, src uint16, rssi int8, op protocol.Opcode, payload []byte) {
	t.Helper()
	pdu, err := protocol.EncodePDU(op, payload)
	if err != nil {
		t.Fatalf("EncodePDU: %v", err)
	}
	tn.frames <- mqtt.Frame{
		Ctx: protocol.MessageContext{Src: src, Dst: badgeAddr, RSSI: rssi, RecvTTL: 3},
		PDU: pdu,
	}
}

func TestRunLoopShutdownEvent(t *testing.T) {
	tn := newTestNode(t)
	tn.start()
	tn.stop(t, syscall.SIGTERM)

	names := tn.fake.EventNames()
	if len(names) != 1 || names[0] != "SHUTDOWN" {
		t.Fatalf("system events: got %v, want [SHUTDOWN]", names)
	}
	ev := tn.fake.SystemEvents[0]
	if ev.Reason != "SIGTERM" {
		t.Errorf("Reason: got %q, want SIGTERM", ev.Reason)
	}
	if !ev.Retained {
		t.Error("SHUTDOWN should be retained")
	}

	var sj status.StatusJSON
	if err := json.Unmarshal(tn.fake.SystemPayloads[0], &sj); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if sj.Status.Event != "SHUTDOWN" || sj.Status.Reason != "SIGTERM" {
		t.Errorf("payload event: got %q/%q", sj.Status.Event, sj.Status.Reason)
	}
	if sj.Status.HealthState != "HEALTHY" {
		t.Errorf("payload health: got %q, want HEALTHY", sj.Status.HealthState)
	}
	if sj.Status.Addr != "0005" {
		t.Errorf("payload addr: got %q, want 0005", sj.Status.Addr)
	}
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	tn := newTestNode(t)
	tn.start()
	tn.stop(t, syscall.SIGINT)

	if tn.fake.SystemEvents[0].Reason != "SIGINT" {
		t.Errorf("Reason: got %q, want SIGINT", tn.fake.SystemEvents[0].Reason)
	}
}

func TestRunLoopSignIn(t *testing.T) {
	tn := newTestNode(t)
	tn.start()
	tn.send(t, orchAddr, -40, tn.ops.SignIn, nil)
	tn.stop(t, syscall.SIGTERM)

	f, ok := tn.fake.LastSent()
	if !ok {
		t.Fatal("expected a Sign-In reply")
	}
	if f.Op != tn.ops.SignInReply {
		t.Errorf("reply op: got %s, want %s", f.Op, tn.ops.SignInReply)
	}
	if f.Ctx.Dst != orchAddr {
		t.Errorf("reply dst: got %04x, want %04x", f.Ctx.Dst, orchAddr)
	}
	if got := protocol.DecodeName(f.Payload); got != badge.PlaceholderName(badgeAddr) {
		t.Errorf("reply name: got %q, want placeholder", got)
	}

	snap := tn.tracker.Snapshot()
	if snap.Frames.Handled != 1 {
		t.Errorf("tracker Frames.Handled: got %d, want 1", snap.Frames.Handled)
	}
}

func TestRunLoopSetStateUpdatesTrackerAndStore(t *testing.T) {
	tn := newTestNode(t)
	tn.start()
	tn.send(t, orchAddr, -40, tn.ops.SetState, []byte{byte(display.Masked)})
	tn.stop(t, syscall.SIGTERM)

	if got := tn.leds.Last(); got != display.Map(display.Masked) {
		t.Errorf("LEDs: got %06b, want MASKED pattern", got)
	}
	if got := tn.tracker.Snapshot().Badge.Health; got != display.Masked {
		t.Errorf("tracker health: got %s, want MASKED", got)
	}
	v, err := tn.store.Load(context.Background(), badgeAddr)
	if err != nil || v != display.Masked {
		t.Errorf("store: got %s, %v; want MASKED", v, err)
	}
}

func TestRunLoopSIGHUPResetsBadge(t *testing.T) {
	tn := newTestNode(t)
	tn.start()
	tn.send(t, orchAddr, -40, tn.ops.SetName, protocol.EncodeName("Kim"))
	tn.send(t, orchAddr, -40, tn.ops.SetState, []byte{byte(display.Infected)})
	tn.send(t, 0x0009, -50, tn.ops.CheckProximity, nil)
	tn.sig <- syscall.SIGHUP
	tn.stop(t, syscall.SIGTERM)

	snap := tn.tracker.Snapshot()
	if snap.Badge.Name != "" || snap.Badge.Health != display.Healthy || len(snap.Badge.Contacts) != 0 {
		t.Errorf("tracker after reset: name %q health %s contacts %v", snap.Badge.Name, snap.Badge.Health, snap.Badge.Contacts)
	}
	if got := tn.leds.Last(); got != display.Map(display.Healthy) {
		t.Errorf("LEDs: got %06b, want HEALTHY pattern", got)
	}
	v, err := tn.store.Load(context.Background(), badgeAddr)
	if err != nil || v != display.Healthy {
		t.Errorf("store: got %s, %v; want HEALTHY", v, err)
	}
	if names := tn.fake.EventNames(); len(names) != 1 || names[0] != "SHUTDOWN" {
		t.Errorf("system events: got %v, want [SHUTDOWN]", names)
	}
}

func TestRunLoopMalformedFramesKeepRunning(t *testing.T) {
	tn := newTestNode(t)
	tn.start()
	tn.frames <- mqtt.Frame{Ctx: protocol.MessageContext{Src: orchAddr}, PDU: nil}
	tn.frames <- mqtt.Frame{Ctx: protocol.MessageContext{Src: orchAddr}, PDU: []byte{0x7F}}
	tn.send(t, orchAddr, -40, tn.ops.SetState, nil) // missing state byte
	tn.send(t, orchAddr, -40, tn.ops.SignIn, nil)
	tn.stop(t, syscall.SIGTERM)

	stats := tn.server.Stats()
	if stats.Received != 4 {
		t.Errorf("Received: got %d, want 4", stats.Received)
	}
	if stats.Handled != 1 {
		t.Errorf("Handled: got %d, want 1", stats.Handled)
	}
	if len(tn.fake.Sent) != 1 {
		t.Errorf("replies: got %d, want 1", len(tn.fake.Sent))
	}
}

func TestRunLoopReplyFailureIsNotFatal(t *testing.T) {
	tn := newTestNode(t)
	tn.fake.SendErr = errors.New("broker unavailable")
	tn.start()
	tn.send(t, orchAddr, -40, tn.ops.SignIn, nil)
	tn.stop(t, syscall.SIGTERM)

	if tn.server.Stats().Failed != 1 {
		t.Errorf("Failed: got %d, want 1", tn.server.Stats().Failed)
	}
	if len(tn.fake.SystemEvents) != 1 {
		t.Error("SHUTDOWN should still be published")
	}
}

func TestRunLoopProximityAndReport(t *testing.T) {
	tn := newTestNode(t)
	tn.start()
	tn.send(t, 9, -55, tn.ops.CheckProximity, nil)
	tn.send(t, 0x12, -90, tn.ops.CheckProximity, nil) // below the contact floor
	tn.send(t, orchAddr, -40, tn.ops.ReportRequest, nil)
	tn.stop(t, syscall.SIGTERM)

	f, ok := tn.fake.LastSent()
	if !ok || f.Op != tn.ops.ReportReply {
		t.Fatalf("expected Report-Reply, got %+v", f)
	}
	recs, err := protocol.DecodeReport(f.Payload)
	if err != nil {
		t.Fatalf("DecodeReport: %v", err)
	}
	if recs[0].Addr != 9 || recs[0].RSSI != -55 {
		t.Errorf("first record: got %s, want 0009@-55dBm", recs[0])
	}
	if !recs[1].IsSentinel() {
		t.Errorf("second record: got %s, want sentinel", recs[1])
	}

	// Report resets the aggregator and announces a new round with TTL 0.
	if n := len(tn.tracker.Snapshot().Badge.Contacts); n != 0 {
		t.Errorf("contacts after report: got %d, want 0", n)
	}
	probes := tn.fake.PublishedOp(tn.ops.CheckProximity)
	if len(probes) != 1 || probes[0].TTL != protocol.TTLSingleHop {
		t.Errorf("Check-Proximity publications: got %+v", probes)
	}
}

func TestRunLoopIdentifyBlink(t *testing.T) {
	tn := newTestNode(t)
	tn.start()
	tn.send(t, orchAddr, -40, tn.ops.SetState, []byte{byte(display.Identify)})
	for i := 0; i < 3; i++ {
		tn.blink <- time.Time{}
	}
	// blink ticks past the end are ignored
	tn.blink <- time.Time{}
	tn.stop(t, syscall.SIGTERM)

	snap := tn.tracker.Snapshot()
	if snap.Badge.Blinking {
		t.Error("blink should have finished")
	}
	if snap.Badge.Health != display.Healthy {
		t.Errorf("health after blink: got %s, want HEALTHY", snap.Badge.Health)
	}
	if got := tn.leds.Last(); got != display.Map(display.Healthy) {
		t.Errorf("LEDs after blink: got %06b, want HEALTHY pattern", got)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	tn := newTestNode(t)
	tn.start()
	tn.beat <- time.Time{}
	tn.stop(t, syscall.SIGTERM)

	names := tn.fake.EventNames()
	if len(names) != 2 || names[0] != "HEARTBEAT" || names[1] != "SHUTDOWN" {
		t.Fatalf("system events: got %v, want [HEARTBEAT SHUTDOWN]", names)
	}
	if tn.fake.SystemEvents[0].Retained {
		t.Error("HEARTBEAT should not be retained")
	}
	var sj status.StatusJSON
	if err := json.Unmarshal(tn.fake.SystemPayloads[0], &sj); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if sj.Status.Event != "HEARTBEAT" {
		t.Errorf("payload event: got %q", sj.Status.Event)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("payload should report the link as connected")
	}
}

func TestRunLoopSystemPublishError(t *testing.T) {
	tn := newTestNode(t)
	tn.fake.PublishSystemError = errors.New("broker unavailable")
	tn.start()
	tn.beat <- time.Time{}
	tn.stop(t, syscall.SIGTERM)

	if len(tn.fake.SystemEvents) != 0 {
		t.Errorf("expected no recorded system events, got %d", len(tn.fake.SystemEvents))
	}
}

func TestRunLoopRunsPostedTasks(t *testing.T) {
	tn := newTestNode(t)
	tn.start()
	ran := false
	tn.tasks <- func() { ran = true }
	tn.stop(t, syscall.SIGTERM)

	if !ran {
		t.Error("posted task did not run")
	}
}

func TestRunLoopTransportClosed(t *testing.T) {
	tn := newTestNode(t)
	tn.start()
	close(tn.frames)

	if err := <-tn.errCh; err == nil {
		t.Fatal("expected error when the frame channel closes")
	}
}

func TestRunLoopLinkState(t *testing.T) {
	tn := newTestNode(t)
	tn.fake.Connected = false
	tn.start()
	tn.send(t, orchAddr, -40, tn.ops.SignIn, nil)
	tn.stop(t, syscall.SIGTERM)

	if tn.tracker.Snapshot().Link.Connected {
		t.Error("tracker should show the link as down")
	}
}
