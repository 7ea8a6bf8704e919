package relay

import (
	"context"
	"testing"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/transport"
	"github.com/jonboulle/clockwork"
)

func startTCPNode(t *testing.T, ctx context.Context, id protocol.PeerID) (*Engine, *transport.Manager) {
	t.Helper()
	tm := transport.NewManager(id, 0, quietLogger())
	if err := tm.Connect(ctx); err != nil {
		t.Fatalf("Failed to listen for %s: %v", id, err)
	}
	t.Cleanup(func() { tm.Close() })

	cfg := testConfig(id)
	cfg.MaxJitter = 10 * time.Millisecond
	cfg.BeaconInterval = 50 * time.Millisecond
	e := newTestEngine(t, cfg, tm, clockwork.NewRealClock())
	go e.Run(ctx)
	return e, tm
}

func TestRelayOverTCP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engA, tmA := startTCPNode(t, ctx, "A")
	_, tmB := startTCPNode(t, ctx, "B")
	engC, tmC := startTCPNode(t, ctx, "C")

	if _, err := tmA.Dial(ctx, tmB.Addr().String()); err != nil {
		t.Fatalf("Failed to dial A->B: %v", err)
	}
	if _, err := tmB.Dial(ctx, tmC.Addr().String()); err != nil {
		t.Fatalf("Failed to dial B->C: %v", err)
	}

	// Wait for beacons to populate the registries.
	deadline := time.Now().Add(3 * time.Second)
	for {
		peers, err := engA.Peers(ctx)
		if err != nil {
			t.Fatalf("Peers failed: %v", err)
		}
		if len(peers) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("A never heard B's beacon, peers: %v", peers)
		}
		time.Sleep(20 * time.Millisecond)
	}

	out, err := engA.SendAlert(ctx, protocol.Location{Lat: 51.5, Lon: -0.12}, protocol.AlertManual, "Gossip works!")
	if err != nil {
		t.Fatalf("SendAlert failed: %v", err)
	}
	if out.Reached != 1 {
		t.Errorf("Expected A to reach B, got %d", out.Reached)
	}

	deadline = time.Now().Add(3 * time.Second)
	for {
		recent, err := engC.Recent(ctx, 0)
		if err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		if len(recent) == 1 {
			if recent[0].Message != "Gossip works!" || recent[0].HopCount != 2 {
				t.Errorf("Node C received wrong envelope: %+v", recent[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Node C did not receive the alert")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
