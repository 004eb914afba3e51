// Command census polls a list of badges for their proximity reports and
// prints who was near whom.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/sweeney/badge-node/internal/census"
	"github.com/sweeney/badge-node/internal/config"
	"github.com/sweeney/badge-node/internal/logger"
	"github.com/sweeney/badge-node/internal/mqtt"
	"github.com/sweeney/badge-node/internal/protocol"
	"github.com/sweeney/badge-node/internal/status"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (mqtt and log sections are used)")
	addr := flag.String("addr", "0x0001", "orchestrator unicast address")
	badges := flag.String("badges", "", `badge addresses, e.g. "5,9,0x12" or "1-20"`)
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	rounds := flag.Int("rounds", 1, "number of rounds (0 runs until interrupted)")
	interval := flag.Duration("interval", 30*time.Second, "pause between rounds")
	timeout := flag.Duration("timeout", census.DefaultTimeout, "per-request reply timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}
	self, err := config.ParseAddr(*addr)
	if err != nil {
		log.Fatalf("fatal: -addr: %v", err)
	}
	targets, err := parseAddrList(*badges)
	if err != nil {
		log.Fatalf("fatal: -badges: %v", err)
	}
	if len(targets) == 0 {
		log.Fatalf("fatal: -badges is required")
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Format, "badge-census")
	if err != nil {
		log.Fatalf("fatal: init logger: %v", err)
	}
	defer lg.Sync()

	if err := run(cfg, self, targets, *rounds, *interval, *timeout, lg); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, self uint16, targets []uint16, rounds int, interval, timeout time.Duration, lg *zap.Logger) error {
	transport, err := mqtt.NewRealTransport(mqtt.Options{
		Broker:         cfg.MQTT.Broker,
		ClientID:       "badge-census",
		TopicPrefix:    cfg.MQTT.TopicPrefix,
		Addr:           self,
		DefaultTTL:     uint8(cfg.MQTT.DefaultTTL),
		TxRSSI:         int8(cfg.MQTT.TxRSSI),
		BufferSize:     cfg.MQTT.BufferSize,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
	}, lg.Named("mqtt"))
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer transport.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := census.New(cfg.Node.CompanyID, transport, timeout, lg)
	pterm.DefaultHeader.Println("Badge census")
	pterm.Info.Printfln("Polling %d badges via %s as %s", len(targets), cfg.MQTT.Broker, status.FormatAddr(self))

	for i := 1; rounds == 0 || i <= rounds; i++ {
		spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Round %d...", i))
		round, err := c.Run(ctx, targets)
		if err != nil {
			spinner.Fail(fmt.Sprintf("Round %d aborted: %v", i, err))
			render(round)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		spinner.Success(fmt.Sprintf("Round %d done in %s", i, round.Finished.Sub(round.Started).Round(time.Millisecond)))
		render(round)

		if rounds != 0 && i == rounds {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
	return nil
}

func render(round census.Round) {
	if len(round.Results) == 0 {
		return
	}
	pterm.DefaultTable.WithHasHeader().WithData(resultTable(round.Results)).Render()

	edges := census.Contacts(round.Results)
	if len(edges) == 0 {
		pterm.Info.Println("No contacts reported")
		return
	}
	pterm.DefaultTable.WithHasHeader().WithData(contactTable(edges)).Render()
}

func resultTable(results []census.Result) pterm.TableData {
	data := pterm.TableData{{"Badge", "Name", "Contacts", "Error"}}
	for _, r := range results {
		var contacts []string
		for _, c := range r.Contacts {
			contacts = append(contacts, c.String())
		}
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		data = append(data, []string{status.FormatAddr(r.Addr), r.Name, strings.Join(contacts, " "), errText})
	}
	return data
}

func contactTable(edges []census.Contact) pterm.TableData {
	data := pterm.TableData{{"A", "B", "RSSI"}}
	for _, e := range edges {
		data = append(data, []string{status.FormatAddr(e.A), status.FormatAddr(e.B), fmt.Sprintf("%d dBm", e.RSSI)})
	}
	return data
}

// parseAddrList parses comma-separated addresses and inclusive ranges.
// Duplicates keep their first position.
func parseAddrList(s string) ([]uint16, error) {
	var out []uint16
	seen := make(map[uint16]bool)
	add := func(a uint16) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			a, err := config.ParseAddr(part)
			if err != nil {
				return nil, err
			}
			add(a)
			continue
		}
		from, err := config.ParseAddr(lo)
		if err != nil {
			return nil, err
		}
		to, err := config.ParseAddr(hi)
		if err != nil {
			return nil, err
		}
		if from > to {
			return nil, fmt.Errorf("empty range %q", part)
		}
		for a := uint32(from); a <= uint32(to); a++ {
			add(uint16(a))
		}
	}

	for _, a := range out {
		if a == protocol.AddrUnassigned || a >= 0x8000 {
			return nil, fmt.Errorf("address %s is not a unicast address", status.FormatAddr(a))
		}
	}
	return out, nil
}
