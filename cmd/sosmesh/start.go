package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bit2swaz/sosmesh/internal/alert"
	"github.com/bit2swaz/sosmesh/internal/config"
	"github.com/bit2swaz/sosmesh/internal/core"
	"github.com/bit2swaz/sosmesh/internal/discovery"
	"github.com/bit2swaz/sosmesh/internal/metrics"
	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/registry"
	"github.com/bit2swaz/sosmesh/internal/relay"
	"github.com/bit2swaz/sosmesh/internal/store"
	"github.com/bit2swaz/sosmesh/internal/transport"
	"github.com/bit2swaz/sosmesh/internal/tui"
	"github.com/bit2swaz/sosmesh/internal/uplink"
	"github.com/bit2swaz/sosmesh/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

// Heartbeats go to this port range so nodes sharing a machine find each
// other.
const (
	discoveryPortLo = 9000
	discoveryPortHi = 9005
	dialTimeout     = 3 * time.Second
)

func newStartCmd(cfg *config.Config) *cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a mesh node",
		RunE: func(cmd *cobra.Command, args []string) error {
			// If the mesh port moved but the web port was left at its default,
			// shift the web port by the same offset to avoid conflicts.
			if cfg.Port != 9000 && cfg.WebPort == 8080 && !cmd.Flags().Changed("web-port") {
				cfg.WebPort = 8080 + cfg.Port - 9000
				fmt.Printf("Auto-adjusting Web Port to %d (to match mesh port offset)\n", cfg.WebPort)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := checkPort(cfg.Port); err != nil {
				return fmt.Errorf("mesh port %d is already in use", cfg.Port)
			}
			if err := checkPort(cfg.WebPort); err != nil {
				return fmt.Errorf("web port %d is already in use", cfg.WebPort)
			}
			return runNode(cmd.Context(), *cfg)
		},
	}

	f := startCmd.Flags()
	f.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Mesh port to listen on")
	f.IntVarP(&cfg.WebPort, "web-port", "w", cfg.WebPort, "Web interface port")
	f.StringVarP(&cfg.Nick, "nick", "n", cfg.Nick, "Nickname")
	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for identity and archive")
	f.StringVar(&cfg.ArchiveDSN, "archive", cfg.ArchiveDSN, "Archive SQLite path or mysql:// DSN")
	f.BoolVar(&cfg.Headless, "headless", cfg.Headless, "Run without the terminal dashboard")
	f.Float64Var(&cfg.Latitude, "lat", cfg.Latitude, "Latitude attached to alerts sent from this node")
	f.Float64Var(&cfg.Longitude, "lon", cfg.Longitude, "Longitude attached to alerts sent from this node")
	f.StringVar(&cfg.SMSGatewayURL, "sms-gateway", cfg.SMSGatewayURL, "SMS gateway webhook URL")
	f.StringVar(&cfg.EmergencyContact, "contact", cfg.EmergencyContact, "Phone number the SMS gateway should alert")
	f.BoolVar(&cfg.ForwardMesh, "forward-mesh", cfg.ForwardMesh, "Forward alerts heard on the mesh to the SMS gateway")
	f.IntVar(&cfg.TTLHops, "ttl", cfg.TTLHops, "Maximum hops an alert travels")
	f.DurationVar(&cfg.MaxJitter, "jitter", cfg.MaxJitter, "Maximum random delay before relaying")
	f.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Relay fan-outs allowed per rate window (0 disables)")
	return startCmd
}

func runNode(ctx context.Context, cfg config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	id, err := core.LoadOrGenerateIdentity(cfg.IdentityPath())
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	self := id.PeerID()
	slog.Info("Starting SOSMesh", "port", cfg.Port, "nick", cfg.Nick, "node", self)

	archive, err := store.Open(cfg.ArchivePath())
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewRecorder(reg)

	tm := transport.NewManager(self, cfg.Port, slog.Default())
	defer tm.Close()
	eng, err := relay.New(cfg.Relay(self), tm, relay.WithMetrics(rec))
	if err != nil {
		return fmt.Errorf("failed to create relay engine: %w", err)
	}
	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Relay engine failed", "error", err)
			cancel()
		}
	}()

	gateway := uplink.NewGateway(uplink.GatewayOptions{
		URL:     cfg.SMSGatewayURL,
		Token:   cfg.SMSGatewayToken,
		Contact: cfg.EmergencyContact,
	})
	coord := alert.NewCoordinator(eng,
		alert.WithFallback(gateway),
		alert.WithConnectivity(gateway),
		alert.WithSettingsStore(archive),
		alert.WithHistory(archive),
		alert.WithMetrics(rec),
	)

	stream := web.NewStreamHub()
	sinks := []func(relay.Alert){
		func(a relay.Alert) {
			if err := archive.SaveAlert(ctx, a.Envelope, a.ReceivedAt); err != nil {
				slog.Error("Failed to archive alert", "id", a.Envelope.ID, "error", err)
			}
		},
		stream.Broadcast,
	}
	if cfg.ForwardMesh && gateway.Configured() {
		fwd, err := uplink.NewForwarder(gateway, slog.Default())
		if err != nil {
			return err
		}
		slog.Info("Initializing Uplink Service", "gateway", "REDACTED")
		fwdCh := make(chan relay.Alert, 64)
		go fwd.Run(ctx, fwdCh)
		sinks = append(sinks, offer(fwdCh))
	}
	var tuiAlerts chan relay.Alert
	if !cfg.Headless {
		tuiAlerts = make(chan relay.Alert, 64)
		sinks = append(sinks, offer(tuiAlerts))
	}
	go dispatchAlerts(ctx, eng.Alerts(), sinks...)

	sightings := make(chan discovery.Sighting, 32)
	go func() {
		if err := discovery.StartListener(ctx, cfg.Port, self, sightings); err != nil {
			slog.Error("Discovery listener failed", "error", err)
		}
	}()
	go func() {
		err := discovery.StartHeartbeat(ctx, discovery.HeartbeatOptions{
			Self:         self,
			Nick:         cfg.Nick,
			RelayCapable: true,
			ServicePort:  cfg.Port,
			Interval:     cfg.BeaconInterval,
			Targets:      discovery.DefaultTargets(discoveryPortLo, discoveryPortHi),
		})
		if err != nil {
			slog.Error("Heartbeat failed", "error", err)
		}
	}()
	go linkPeers(ctx, self, eng, tm, sightings)

	webSrv := web.NewServer(coord, web.Options{
		Port:    cfg.WebPort,
		Self:    self,
		Nick:    cfg.Nick,
		Metrics: metrics.Handler(reg),
		Stream:  stream,
	})
	go func() {
		if err := webSrv.Start(ctx); err != nil {
			slog.Error("Web server failed", "error", err)
			cancel()
		}
	}()

	url := fmt.Sprintf("http://%s:%d", outboundIP(), cfg.WebPort)
	if qr, err := qrcode.New(url, qrcode.Medium); err == nil {
		fmt.Println("\nSCAN TO OPEN THE SOS PANEL:")
		fmt.Println(qr.ToString(false))
	}
	fmt.Println("URL:", url)

	if cfg.Headless {
		slog.Info("Running in HEADLESS mode (No TUI)")
		<-ctx.Done()
		return nil
	}
	err = tui.StartTUI(coord, tui.Options{
		NodeID:   self,
		Nick:     cfg.Nick,
		Location: cfg.Location(),
		Alerts:   tuiAlerts,
		WebURL:   url,
	})
	if err != nil {
		return fmt.Errorf("TUI failed: %w", err)
	}
	return nil
}

// dispatchAlerts hands every alert the engine surfaces to each sink in order.
func dispatchAlerts(ctx context.Context, alerts <-chan relay.Alert, sinks ...func(relay.Alert)) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-alerts:
			for _, sink := range sinks {
				sink(a)
			}
		}
	}
}

// offer returns a sink that drops alerts when ch is full.
func offer(ch chan<- relay.Alert) func(relay.Alert) {
	return func(a relay.Alert) {
		select {
		case ch <- a:
		default:
			slog.Warn("Alert consumer is behind, dropping", "id", a.Envelope.ID)
		}
	}
}

// linkPeers records every discovered node and opens a TCP link to it. Only
// the node with the lower id dials, so two nodes never race to connect.
func linkPeers(ctx context.Context, self protocol.PeerID, eng *relay.Engine, tm *transport.Manager, sightings <-chan discovery.Sighting) {
	for {
		var s discovery.Sighting
		select {
		case <-ctx.Done():
			return
		case s = <-sightings:
		}
		relayCapable := s.RelayCapable
		err := eng.Observe(ctx, registry.Observation{
			ID:           s.ID,
			DisplayName:  s.Nick,
			RelayCapable: &relayCapable,
			SeenAt:       s.SeenAt,
		})
		if err != nil {
			return
		}
		if self > s.ID || tm.HasPeer(s.ID) || tm.HasAddr(s.Addr) {
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		peer, err := tm.Dial(dialCtx, s.Addr)
		cancel()
		if err != nil {
			slog.Debug("Failed to dial discovered peer", "peer", s.ID, "addr", s.Addr, "error", err)
			continue
		}
		slog.Info("Connected to peer", "peer", peer, "nick", s.Nick)
	}
}
