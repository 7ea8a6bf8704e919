package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/relay"
	"github.com/bit2swaz/sosmesh/internal/transport"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
)

type simOptions struct {
	Nodes    int
	Topology string
	TTL      int
	Jitter   time.Duration
	Settle   time.Duration
	Message  string
}

// simResult is what one simulated node ended up with.
type simResult struct {
	ID       protocol.PeerID
	Received bool
	HopCount int
	Peers    int
}

func newSimulateCmd() *cobra.Command {
	opts := simOptions{Nodes: 4, Topology: "chain", TTL: 3, Jitter: 250 * time.Millisecond, Settle: 2 * time.Second}
	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Flood one alert through an in-memory mesh and report how far it got",
		RunE: func(cmd *cobra.Command, args []string) error {
			reached, results, err := runSimulation(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printSimulation(cmd.OutOrStdout(), reached, results)
			return nil
		},
	}
	f := simulateCmd.Flags()
	f.IntVar(&opts.Nodes, "nodes", opts.Nodes, "Number of nodes")
	f.StringVar(&opts.Topology, "topology", opts.Topology, "Link layout: chain, ring or full")
	f.IntVar(&opts.TTL, "ttl", opts.TTL, "Maximum hops")
	f.DurationVar(&opts.Jitter, "jitter", opts.Jitter, "Maximum relay jitter")
	f.DurationVar(&opts.Settle, "settle", opts.Settle, "How long to let the alert spread")
	f.StringVar(&opts.Message, "message", "simulated emergency", "Alert message")
	return simulateCmd
}

func runSimulation(ctx context.Context, opts simOptions) (int, []simResult, error) {
	if opts.Nodes < 2 {
		return 0, nil, fmt.Errorf("need at least 2 nodes, got %d", opts.Nodes)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clock := clockwork.NewRealClock()
	hub := transport.NewHub(clock)
	ids := make([]protocol.PeerID, opts.Nodes)
	radios := make([]*transport.Radio, opts.Nodes)
	engines := make([]*relay.Engine, opts.Nodes)
	for i := range ids {
		ids[i] = protocol.PeerID(fmt.Sprintf("P%d", i+1))
		radios[i] = hub.Join(ids[i])
	}
	if err := linkTopology(hub, ids, opts.Topology); err != nil {
		return 0, nil, err
	}

	for i, id := range ids {
		cfg := relay.DefaultConfig(id)
		cfg.Nick = string(id)
		cfg.TTLHops = opts.TTL
		cfg.MaxJitter = opts.Jitter
		cfg.BeaconInterval = 100 * time.Millisecond
		eng, err := relay.New(cfg, radios[i], relay.WithClock(clock), relay.WithLogger(slog.Default()))
		if err != nil {
			return 0, nil, err
		}
		engines[i] = eng
		go eng.Run(ctx)
	}

	// Let every node hear its neighbours' beacons.
	if err := sleep(ctx, 3*100*time.Millisecond); err != nil {
		return 0, nil, err
	}
	out, err := engines[0].SendAlert(ctx, protocol.Location{Lat: 40.7128, Lon: -74.006}, protocol.AlertManual, opts.Message)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to originate alert: %w", err)
	}
	if err := sleep(ctx, opts.Settle); err != nil {
		return 0, nil, err
	}

	results := make([]simResult, len(engines))
	for i, eng := range engines {
		res := simResult{ID: ids[i]}
		recent, err := eng.Recent(ctx, 0)
		if err != nil {
			return 0, nil, err
		}
		for _, env := range recent {
			if env.ID == out.Envelope.ID {
				res.Received = true
				res.HopCount = env.HopCount
			}
		}
		peers, err := eng.Peers(ctx)
		if err != nil {
			return 0, nil, err
		}
		res.Peers = len(peers)
		results[i] = res
	}
	return out.Reached, results, nil
}

func linkTopology(hub *transport.Hub, ids []protocol.PeerID, topology string) error {
	rssi := func(i int) int { return -45 - 5*(i%6) }
	switch topology {
	case "chain":
		for i := 0; i+1 < len(ids); i++ {
			hub.Link(ids[i], ids[i+1], rssi(i))
		}
	case "ring":
		for i := range ids {
			hub.Link(ids[i], ids[(i+1)%len(ids)], rssi(i))
		}
	case "full":
		for i := range ids {
			for j := i + 1; j < len(ids); j++ {
				hub.Link(ids[i], ids[j], rssi(i+j))
			}
		}
	default:
		return fmt.Errorf("unknown topology %q", topology)
	}
	return nil
}

func printSimulation(w io.Writer, reached int, results []simResult) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("NODE", "RECEIVED", "HOPS", "PEERS")
	for _, r := range results {
		hops := "-"
		if r.Received {
			hops = fmt.Sprint(r.HopCount)
		}
		t.Row(string(r.ID), fmt.Sprint(r.Received), hops, fmt.Sprint(r.Peers))
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "Origin reached %d neighbour(s) directly.\n", reached)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
