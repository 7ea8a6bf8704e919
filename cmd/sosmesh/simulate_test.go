package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/relay"
)

func TestSimulateChain(t *testing.T) {
	reached, results, err := runSimulation(context.Background(), simOptions{
		Nodes:    4,
		Topology: "chain",
		TTL:      3,
		Jitter:   10 * time.Millisecond,
		Settle:   500 * time.Millisecond,
		Message:  "test",
	})
	if err != nil {
		t.Fatalf("runSimulation failed: %v", err)
	}
	if reached != 1 {
		t.Errorf("Expected origin to reach 1 neighbour, got %d", reached)
	}
	for i, r := range results {
		if !r.Received {
			t.Errorf("%s never received the alert", r.ID)
			continue
		}
		if r.HopCount != i {
			t.Errorf("%s: expected hop %d, got %d", r.ID, i, r.HopCount)
		}
	}

	var buf bytes.Buffer
	printSimulation(&buf, reached, results)
	if !strings.Contains(buf.String(), "P4") || !strings.Contains(buf.String(), "reached 1 neighbour") {
		t.Errorf("Unexpected report:\n%s", buf.String())
	}
}

func TestSimulateStopsAtTTL(t *testing.T) {
	_, results, err := runSimulation(context.Background(), simOptions{
		Nodes:    4,
		Topology: "chain",
		TTL:      2,
		Settle:   300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("runSimulation failed: %v", err)
	}
	if !results[2].Received {
		t.Error("Expected P3 to receive the alert at hop 2")
	}
	if results[3].Received {
		t.Error("Expected P4 to be beyond the hop limit")
	}
}

func TestSimulateRejectsBadOptions(t *testing.T) {
	if _, _, err := runSimulation(context.Background(), simOptions{Nodes: 1, Topology: "chain", TTL: 3}); err == nil {
		t.Error("Expected error for a single node")
	}
	if _, _, err := runSimulation(context.Background(), simOptions{Nodes: 3, Topology: "star", TTL: 3}); err == nil {
		t.Error("Expected error for unknown topology")
	}
}

func TestDispatchAlerts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan relay.Alert)
	full := make(chan relay.Alert)
	got := make(chan relay.Alert, 1)
	go dispatchAlerts(ctx, in, offer(full), func(a relay.Alert) { got <- a })

	in <- relay.Alert{Envelope: protocol.Envelope{ID: "p1:1"}}
	select {
	case a := <-got:
		if a.Envelope.ID != "p1:1" {
			t.Errorf("Unexpected alert %q", a.Envelope.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("A full consumer blocked the other sinks")
	}
}
