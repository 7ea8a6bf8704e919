package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bit2swaz/sosmesh/internal/config"
	"github.com/bit2swaz/sosmesh/internal/core"
	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/registry"
	"github.com/bit2swaz/sosmesh/internal/relay"
	"github.com/bit2swaz/sosmesh/internal/transport"
	"github.com/spf13/cobra"
)

type probeOptions struct {
	Port     int
	Target   string
	Message  string
	Location protocol.Location
	Wait     time.Duration
}

func newProbeCmd(cfg *config.Config) *cobra.Command {
	opts := probeOptions{Port: 9002, Target: "127.0.0.1:9000", Wait: 2 * time.Second}
	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Join a running node, send one test alert and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Location = cfg.Location()
			if err := opts.Location.Validate(); err != nil {
				return err
			}
			out, err := runProbe(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s, delivered to %d peer(s)\n", out.Envelope.ID, out.Reached)
			return nil
		},
	}
	f := probeCmd.Flags()
	f.IntVar(&opts.Port, "port", opts.Port, "Local mesh port for the probe")
	f.StringVar(&opts.Target, "target", opts.Target, "Address of the node to join")
	f.StringVar(&opts.Message, "message", "Probe alert, please ignore.", "Alert message")
	f.DurationVar(&opts.Wait, "wait", opts.Wait, "How long to stay connected after sending")
	f.Float64Var(&cfg.Latitude, "lat", cfg.Latitude, "Latitude of the test alert")
	f.Float64Var(&cfg.Longitude, "lon", cfg.Longitude, "Longitude of the test alert")
	return probeCmd
}

func runProbe(ctx context.Context, opts probeOptions) (relay.Origination, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	self := core.GenerateIdentity().PeerID()
	tm := transport.NewManager(self, opts.Port, slog.Default())
	defer tm.Close()
	if err := tm.Connect(ctx); err != nil {
		return relay.Origination{}, err
	}

	cfg := relay.DefaultConfig(self)
	cfg.Nick = "probe"
	cfg.RelayCapable = false
	eng, err := relay.New(cfg, tm)
	if err != nil {
		return relay.Origination{}, err
	}
	go eng.Run(ctx)

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	peer, err := tm.Dial(dialCtx, opts.Target)
	dialCancel()
	if err != nil {
		return relay.Origination{}, fmt.Errorf("failed to connect (is the node running?): %w", err)
	}
	slog.Info("Probe connected", "peer", peer, "target", opts.Target)
	if err := eng.Observe(ctx, registry.Observation{ID: peer, SeenAt: time.Now()}); err != nil {
		return relay.Origination{}, err
	}

	out, err := eng.SendAlert(ctx, opts.Location, protocol.AlertOther, opts.Message)
	if err != nil {
		return relay.Origination{}, err
	}
	// Stay up so the frame is flushed and the node's relay can be observed.
	if err := sleep(ctx, opts.Wait); err != nil {
		return out, err
	}
	return out, nil
}
