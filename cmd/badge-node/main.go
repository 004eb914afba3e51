// Command badge-node runs one proximity badge: it answers the badge protocol
// over an MQTT-bridged mesh and drives the badge LEDs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/badge-node/internal/badge"
	"github.com/sweeney/badge-node/internal/config"
	"github.com/sweeney/badge-node/internal/gpio"
	"github.com/sweeney/badge-node/internal/logger"
	"github.com/sweeney/badge-node/internal/mqtt"
	"github.com/sweeney/badge-node/internal/protocol"
	"github.com/sweeney/badge-node/internal/sched"
	"github.com/sweeney/badge-node/internal/status"
	"github.com/sweeney/badge-node/internal/store"
	"github.com/sweeney/badge-node/internal/web"
)

// flushTimeout bounds the wait for the last health state write on shutdown.
const flushTimeout = 3 * time.Second

// flagValues holds the command-line overrides. Only flags the user actually
// set are applied on top of the loaded configuration.
type flagValues struct {
	config      *string
	addr        *string
	broker      *string
	prefix      *string
	httpAddr    *string
	redisAddr   *string
	gpio        *bool
	floor       *int
	heartbeat   *time.Duration
	logLevel    *string
	logFormat   *string
	printConfig *bool
}

func bindFlags(fs *flag.FlagSet) *flagValues {
	return &flagValues{
		config:      fs.String("config", "", "YAML config file"),
		addr:        fs.String("addr", "", "badge unicast address (decimal or 0x hex)"),
		broker:      fs.String("broker", "", "MQTT broker address"),
		prefix:      fs.String("topic-prefix", "", "MQTT topic prefix"),
		httpAddr:    fs.String("http", "", `HTTP status address ("off" to disable)`),
		redisAddr:   fs.String("redis", "", "Redis address for health-state persistence"),
		gpio:        fs.Bool("gpio", false, "drive real GPIO LEDs"),
		floor:       fs.Int("contact-floor", 0, "weakest RSSI counted as a contact (dBm)"),
		heartbeat:   fs.Duration("heartbeat", 0, "heartbeat interval"),
		logLevel:    fs.String("log-level", "", "log level (debug, info, warn, error)"),
		logFormat:   fs.String("log-format", "", "log format (json, console)"),
		printConfig: fs.Bool("print-config", false, "print the effective configuration and exit"),
	}
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// applyFlags copies explicitly set flags into cfg.
func applyFlags(fs *flag.FlagSet, v *flagValues, cfg *config.Config) error {
	if isFlagSet(fs, "addr") {
		addr, err := config.ParseAddr(*v.addr)
		if err != nil {
			return fmt.Errorf("-addr: %w", err)
		}
		cfg.Node.Addr = addr
	}
	if isFlagSet(fs, "broker") {
		cfg.MQTT.Broker = *v.broker
	}
	if isFlagSet(fs, "topic-prefix") {
		cfg.MQTT.TopicPrefix = *v.prefix
	}
	if isFlagSet(fs, "http") {
		cfg.HTTP.Addr = *v.httpAddr
		if cfg.HTTP.Addr == "off" {
			cfg.HTTP.Addr = ""
		}
	}
	if isFlagSet(fs, "redis") {
		cfg.Redis.Addr = *v.redisAddr
	}
	if isFlagSet(fs, "gpio") {
		cfg.GPIO.Enabled = *v.gpio
	}
	if isFlagSet(fs, "contact-floor") {
		cfg.Node.ContactFloor = *v.floor
	}
	if isFlagSet(fs, "heartbeat") {
		cfg.Node.Heartbeat = *v.heartbeat
	}
	if isFlagSet(fs, "log-level") {
		cfg.Log.Level = *v.logLevel
	}
	if isFlagSet(fs, "log-format") {
		cfg.Log.Format = *v.logFormat
	}
	return nil
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, *flagValues, error) {
	v := bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(*v.config)
	if err != nil {
		return nil, nil, err
	}
	if err := applyFlags(fs, v, cfg); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, v, nil
}

func main() {
	cfg, v, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}

	if *v.printConfig {
		if err := printConfig(os.Stdout, cfg); err != nil {
			log.Fatalf("fatal: %v", err)
		}
		return
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Format, "badge-node")
	if err != nil {
		log.Fatalf("fatal: init logger: %v", err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("fatal", zap.Error(err))
	}
}

func sessionOptions(cfg *config.Config) badge.Options {
	opts := badge.DefaultOptions(cfg.Node.Addr)
	opts.Capacity = cfg.Node.Capacity
	opts.NoiseFloor = int8(cfg.Node.NoiseFloor)
	opts.ContactFloor = int8(cfg.Node.ContactFloor)
	opts.BlinkTicks = cfg.Node.BlinkTicks
	opts.IndicatorLED = cfg.Node.IndicatorLED
	opts.DefaultTransition = cfg.Node.DefaultTransition
	return opts
}

func openStore(ctx context.Context, cfg *config.Config, lg *zap.Logger) (store.Store, string, func()) {
	if cfg.Redis.Addr == "" {
		return store.NewMemoryStore(), "memory", func() {}
	}
	rs := store.NewRedisStore(store.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB), cfg.Redis.KeyPrefix)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		// Not fatal: every later Load and Save reports its own error.
		lg.Warn("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	return rs, "redis", func() { rs.Close() }
}

func openOutput(cfg *config.Config, lg *zap.Logger) (gpio.Output, error) {
	if !cfg.GPIO.Enabled {
		return gpio.NewLogOutput(len(cfg.GPIO.Pins), lg.Named("leds")), nil
	}
	out, err := gpio.NewRealOutput(cfg.GPIO.Chip, cfg.GPIO.Pins, cfg.GPIO.ActiveLow)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx := context.Background()

	output, err := openOutput(cfg, lg)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer output.Close()

	st, storeKind, closeStore := openStore(ctx, cfg, lg)
	defer closeStore()

	transport, err := mqtt.NewRealTransport(mqtt.Options{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		TopicPrefix:    cfg.MQTT.TopicPrefix,
		Addr:           cfg.Node.Addr,
		PublishAddr:    cfg.MQTT.PublishAddr,
		DefaultTTL:     uint8(cfg.MQTT.DefaultTTL),
		TxRSSI:         int8(cfg.MQTT.TxRSSI),
		BufferSize:     cfg.MQTT.BufferSize,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	}, lg.Named("mqtt"))
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer transport.Close()

	loop := sched.NewLoop(64)
	server := protocol.NewServer(cfg.Node.CompanyID, transport, lg.Named("protocol"))
	session := badge.New(sessionOptions(cfg), loop, output, server, st, lg)
	server.Bind(session)

	tracker := status.NewTracker(time.Now(), status.Config{
		Addr:         cfg.Node.Addr,
		Broker:       cfg.MQTT.Broker,
		TopicPrefix:  cfg.MQTT.TopicPrefix,
		HTTPAddr:     cfg.HTTP.Addr,
		Store:        storeKind,
		Capacity:     cfg.Node.Capacity,
		ContactFloor: cfg.Node.ContactFloor,
		HeartbeatMs:  cfg.Node.Heartbeat.Milliseconds(),
		BlinkMs:      cfg.Node.BlinkInterval.Milliseconds(),
	})

	if err := session.Start(ctx); err != nil {
		lg.Warn("starting without persisted state", zap.Error(err))
	}

	n := &node{
		session:   session,
		server:    server,
		transport: transport,
		link:      transport,
		tracker:   tracker,
		logger:    lg,
		now:       time.Now,
	}
	n.publishLifecycle("STARTUP", "")

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, lg.Named("web"))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("http server error", zap.Error(err))
			}
		}()
		defer stopHTTP(srv, lg)
		lg.Info("http status server listening", zap.String("addr", cfg.HTTP.Addr))
	}

	lg.Info("started",
		zap.String("addr", status.FormatAddr(cfg.Node.Addr)),
		zap.String("broker", cfg.MQTT.Broker),
		zap.String("store", storeKind),
		zap.Bool("gpio", cfg.GPIO.Enabled),
		zap.Duration("heartbeat", cfg.Node.Heartbeat),
	)

	blink := time.NewTicker(cfg.Node.BlinkInterval)
	defer blink.Stop()
	heartbeat := time.NewTicker(cfg.Node.Heartbeat)
	defer heartbeat.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	return n.runLoop(transport.Frames(), loop.Tasks(), blink.C, heartbeat.C, sigCh)
}

// linkStats is implemented by transports that count their traffic.
type linkStats interface {
	Stats() mqtt.Stats
}

// node is everything the event loop touches.
type node struct {
	session   *badge.Session
	server    *protocol.Server
	transport mqtt.Transport
	link      mqtt.ConnectionStatus
	tracker   *status.Tracker
	logger    *zap.Logger
	now       func() time.Time
}

// runLoop is the badge's only mutator goroutine. Frames, timer callbacks
// and ticks are handled one at a time. SIGHUP resets the badge to factory
// state; any other signal shuts it down.
func (n *node) runLoop(frames <-chan mqtt.Frame, tasks <-chan func(), blink, heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	n.refresh()

	for {
		select {
		case s := <-sig:
			if s == syscall.SIGHUP {
				n.logger.Info("resetting badge", zap.Stringer("signal", s))
				n.session.Reset()
				n.refresh()
				continue
			}
			n.logger.Info("shutting down", zap.Stringer("signal", s))
			n.flush()
			n.publishLifecycle("SHUTDOWN", signalName(s))
			return nil

		case f, ok := <-frames:
			if !ok {
				return errors.New("mqtt transport closed")
			}
			n.handleFrame(f)
			n.refresh()

		case fn := <-tasks:
			fn()
			n.refresh()

		case <-blink:
			if n.session.Blinking() {
				n.session.Tick()
				n.refresh()
			}

		case <-heartbeat:
			n.logger.Info("heartbeat",
				zap.Stringer("health", n.session.Health()),
				zap.Int("contacts", len(n.session.Contacts())),
				zap.Uint64("frames", n.server.Stats().Received),
			)
			n.publishLifecycle("HEARTBEAT", "")
		}
	}
}

// printConfig writes the effective configuration as YAML.
func printConfig(w io.Writer, cfg *config.Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// stopHTTP gives in-flight status requests five seconds to finish.
func stopHTTP(srv shutdowner, lg *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		lg.Warn("http server shutdown failed", zap.Error(err))
	}
}

// flush gives queued health state writes a bounded chance to land.
func (n *node) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := n.session.Flush(ctx); err != nil {
		n.logger.Warn("health state not persisted before exit", zap.Error(err))
	}
}

func (n *node) handleFrame(f mqtt.Frame) {
	err := n.server.Dispatch(f.Ctx, f.PDU)
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrUnknownOpcode), errors.Is(err, protocol.ErrShortFrame), errors.Is(err, protocol.ErrBadOpcode):
		n.logger.Debug("frame dropped", zap.Uint16("src", f.Ctx.Src), zap.Error(err))
	default:
		n.logger.Warn("frame handling failed", zap.Uint16("src", f.Ctx.Src), zap.Error(err))
	}
}

// refresh copies the session and link state into the tracker.
func (n *node) refresh() {
	if n.tracker == nil {
		return
	}
	n.tracker.Update(n.session.Info(), n.server.Stats())
	if n.link == nil {
		return
	}
	link := status.LinkInfo{Connected: n.link.IsConnected()}
	if ls, ok := n.link.(linkStats); ok {
		s := ls.Stats()
		link.Delivered = s.Delivered
		link.DroppedFrames = s.DroppedFrames
		link.Malformed = s.Malformed
		link.Buffered = s.Buffered
	}
	n.tracker.SetLink(link)
}

// publishLifecycle sends a retained STARTUP or SHUTDOWN, or a HEARTBEAT,
// carrying the full status snapshot.
func (n *node) publishLifecycle(event, reason string) {
	ev := mqtt.SystemEvent{
		Timestamp: n.now(),
		Event:     event,
		Reason:    reason,
		Retained:  event != "HEARTBEAT",
	}
	if n.tracker != nil {
		n.refresh()
		ev.RawPayload = status.FormatStatusEvent(n.tracker.Snapshot(), event, reason)
	}
	if err := n.transport.PublishSystem(ev); err != nil {
		n.logger.Warn("failed to publish system event", zap.String("event", event), zap.Error(err))
		return
	}
	n.logger.Debug("published system event", zap.String("event", event))
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGHUP:
		return "SIGHUP"
	}
	return "UNKNOWN"
}
