package relay

import (
	"context"
	"testing"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/transport"
	"github.com/jonboulle/clockwork"
)

type meshNode struct {
	radio  *transport.Radio
	engine *Engine
}

type testMesh struct {
	t     *testing.T
	clock *clockwork.FakeClock
	hub   *transport.Hub
	nodes map[protocol.PeerID]*meshNode
	order []protocol.PeerID
}

func newTestMesh(t *testing.T, ttl int, jitter time.Duration, ids ...protocol.PeerID) *testMesh {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	m := &testMesh{t: t, clock: clock, hub: transport.NewHub(clock), nodes: make(map[protocol.PeerID]*meshNode)}
	for i, id := range ids {
		radio := m.hub.Join(id)
		if err := radio.Connect(context.Background()); err != nil {
			t.Fatalf("Failed to connect radio %s: %v", id, err)
		}
		cfg := testConfig(id)
		cfg.TTLHops = ttl
		cfg.MaxJitter = jitter
		cfg.Seed = uint64(i + 1)
		m.nodes[id] = &meshNode{radio: radio, engine: newTestEngine(t, cfg, radio, clock)}
		m.order = append(m.order, id)
	}
	return m
}

// deliver hands every queued frame to its engine.
func (m *testMesh) deliver() {
	for _, id := range m.order {
		n := m.nodes[id]
		for {
			select {
			case f := <-n.radio.Frames():
				n.engine.HandleFrame(f)
				continue
			default:
			}
			break
		}
	}
}

// announce has every node beacon once so registries learn their neighbours.
func (m *testMesh) announce() {
	for _, id := range m.order {
		m.nodes[id].engine.beacon(m.clock.Now())
	}
	m.deliver()
}

func (m *testMesh) settle(rounds int, step time.Duration) {
	for i := 0; i < rounds; i++ {
		m.deliver()
		m.clock.Advance(step)
		for _, id := range m.order {
			m.nodes[id].engine.RunDue()
		}
	}
	m.deliver()
}

func TestChainRespectsHopLimit(t *testing.T) {
	m := newTestMesh(t, 3, 250*time.Millisecond, "P1", "P2", "P3", "P4")
	m.hub.Link("P1", "P2", -50)
	m.hub.Link("P2", "P3", -55)
	m.hub.Link("P3", "P4", -60)
	m.announce()

	out, err := m.nodes["P1"].engine.Originate(protocol.Location{Lat: 40.7, Lon: -74}, protocol.AlertManual, "trapped")
	if err != nil {
		t.Fatalf("Originate failed: %v", err)
	}
	if out.Reached != 1 {
		t.Errorf("Expected P1 to reach 1 neighbour, got %d", out.Reached)
	}
	m.settle(20, 50*time.Millisecond)

	id := out.Envelope.ID
	for hop, peer := range []protocol.PeerID{"P2", "P3", "P4"} {
		e := m.nodes[peer].engine
		env, ok := e.store.Get(id)
		if !ok {
			t.Fatalf("%s never recorded the alert", peer)
		}
		if env.HopCount != hop+1 {
			t.Errorf("%s: expected hop %d, got %d", peer, hop+1, env.HopCount)
		}
		if alerts := drainAlerts(e); len(alerts) != 1 {
			t.Errorf("%s: expected alert surfaced once, got %d", peer, len(alerts))
		}
	}

	seen, _ := m.nodes["P4"].engine.store.Seen(id)
	if seen.RelayedCount != 0 {
		t.Errorf("P4 is at the hop limit and must not relay, relayed %d times", seen.RelayedCount)
	}
	seen, _ = m.nodes["P3"].engine.store.Seen(id)
	if seen.RelayedCount != 1 {
		t.Errorf("Expected P3 to relay once, got %d", seen.RelayedCount)
	}
}

func TestConcurrentRelaysRecordedOnce(t *testing.T) {
	m := newTestMesh(t, 5, 0, "P1", "P2", "P3", "P4")
	m.hub.Link("P1", "P2", -50)
	m.hub.Link("P1", "P3", -50)
	m.hub.Link("P2", "P4", -50)
	m.hub.Link("P3", "P4", -50)
	m.announce()

	out, err := m.nodes["P1"].engine.Originate(protocol.Location{Lat: 1, Lon: 1}, protocol.AlertMotionDetected, "")
	if err != nil {
		t.Fatalf("Originate failed: %v", err)
	}
	if out.Reached != 2 {
		t.Errorf("Expected P1 to reach 2 neighbours, got %d", out.Reached)
	}
	m.settle(5, 10*time.Millisecond)

	p4 := m.nodes["P4"].engine
	if p4.store.Len() != 1 {
		t.Fatalf("Expected P4 to store the alert once, got %d entries", p4.store.Len())
	}
	if alerts := drainAlerts(p4); len(alerts) != 1 {
		t.Errorf("Expected P4 to surface the alert once, got %d", len(alerts))
	}
	heard := p4.store.HeardFrom(out.Envelope.ID)
	if _, ok := heard["P2"]; !ok {
		t.Error("Expected P4 to have heard the alert from P2")
	}
	if _, ok := heard["P3"]; !ok {
		t.Error("Expected P4 to have heard the alert from P3")
	}
	seen, _ := p4.store.Seen(out.Envelope.ID)
	if seen.RelayedCount != 0 {
		t.Errorf("P4 has no neighbour left to tell, relayed %d times", seen.RelayedCount)
	}
}
