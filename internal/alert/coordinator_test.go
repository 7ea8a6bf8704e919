package alert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/registry"
	"github.com/bit2swaz/sosmesh/internal/relay"
	"github.com/bit2swaz/sosmesh/internal/transport"
	"github.com/jonboulle/clockwork"
)

type fakeFallback struct {
	available bool
	err       error
	sent      []string
}

func (f *fakeFallback) Cellular(context.Context) CellularStatus {
	return CellularStatus{IsAvailable: f.available, CarrierName: "TestNet"}
}

func (f *fakeFallback) SendSMS(_ context.Context, env protocol.Envelope) error {
	f.sent = append(f.sent, env.ID)
	return f.err
}

type testNode struct {
	hub    *transport.Hub
	engine *relay.Engine
	clock  *clockwork.FakeClock
}

// newTestNode builds an engine for "me" with the given neighbours in range
// and already observed.
func newTestNode(t *testing.T, neighbours ...protocol.PeerID) *testNode {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	hub := transport.NewHub(clock)
	me := hub.Join("me")
	if err := me.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect radio: %v", err)
	}
	cfg := relay.DefaultConfig("me")
	cfg.MaxJitter = 0
	cfg.Seed = 1
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := relay.New(cfg, me, relay.WithClock(clock), relay.WithLogger(logger))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	for i, id := range neighbours {
		r := hub.Join(id)
		if err := r.Connect(ctx); err != nil {
			t.Fatalf("Failed to connect radio %s: %v", id, err)
		}
		hub.Link("me", id, -50-i)
		if err := engine.Observe(ctx, registry.Observation{ID: id, SignalStrength: -50 - i, SeenAt: clock.Now()}); err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
	}
	return &testNode{hub: hub, engine: engine, clock: clock}
}

func newTestCoordinator(n *testNode, opts ...Option) *Coordinator {
	opts = append([]Option{
		WithClock(n.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return NewCoordinator(n.engine, opts...)
}

func TestSendEmergencyAlertCountsActivePeers(t *testing.T) {
	n := newTestNode(t, "a", "b", "c")
	fb := &fakeFallback{available: true}
	c := newTestCoordinator(n, WithFallback(fb))

	out, err := c.SendEmergencyAlert(context.Background(), protocol.Location{Lat: 37.77, Lon: -122.41}, protocol.AlertManual, "help")
	if err != nil {
		t.Fatalf("SendEmergencyAlert failed: %v", err)
	}
	if out.RelayCount != 3 {
		t.Errorf("Expected relayCount 3, got %d", out.RelayCount)
	}
	if out.SMSStatus != SMSSent {
		t.Errorf("Expected sms sent, got %s", out.SMSStatus)
	}
	if out.EnvelopeID == "" || out.Alert.ID != out.EnvelopeID {
		t.Errorf("Unexpected outcome: %+v", out)
	}
	if len(fb.sent) != 1 || fb.sent[0] != out.EnvelopeID {
		t.Errorf("Expected one SMS for the alert, got %v", fb.sent)
	}
}

func TestSendEmergencyAlertDefaultsType(t *testing.T) {
	n := newTestNode(t)
	c := newTestCoordinator(n)
	out, err := c.SendEmergencyAlert(context.Background(), protocol.Location{Lat: 1, Lon: 1}, "", "")
	if err != nil {
		t.Fatalf("SendEmergencyAlert failed: %v", err)
	}
	if out.Alert.Type != protocol.AlertManual {
		t.Errorf("Expected manual alert, got %s", out.Alert.Type)
	}
	if out.RelayCount != 0 || out.SMSStatus != SMSUnavailable {
		t.Errorf("Expected isolated node with no fallback, got %+v", out)
	}
}

func TestInvalidCoordinatesAreRejected(t *testing.T) {
	n := newTestNode(t, "a")
	c := newTestCoordinator(n)
	_, err := c.SendEmergencyAlert(context.Background(), protocol.Location{Lat: 100, Lon: 0}, protocol.AlertManual, "")
	if !errors.Is(err, protocol.ErrInvalidLocation) {
		t.Errorf("Expected ErrInvalidLocation, got %v", err)
	}
}

func TestSMSStatusMapping(t *testing.T) {
	cases := []struct {
		name     string
		fallback Fallback
		want     SMSStatus
	}{
		{"no fallback", nil, SMSUnavailable},
		{"no cellular", &fakeFallback{available: false}, SMSUnavailable},
		{"send error", &fakeFallback{available: true, err: errors.New("gateway down")}, SMSFailed},
		{"queued", &fakeFallback{available: true, err: ErrSMSPending}, SMSPending},
		{"sent", &fakeFallback{available: true}, SMSSent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := newTestNode(t, "a")
			var opts []Option
			if tc.fallback != nil {
				opts = append(opts, WithFallback(tc.fallback))
			}
			c := newTestCoordinator(n, opts...)
			out, err := c.SendEmergencyAlert(context.Background(), protocol.Location{Lat: 1, Lon: 1}, protocol.AlertOther, "")
			if err != nil {
				t.Fatalf("SendEmergencyAlert failed: %v", err)
			}
			if out.SMSStatus != tc.want {
				t.Errorf("Expected %s, got %s", tc.want, out.SMSStatus)
			}
		})
	}
}

func TestGetMeshPeersOrdered(t *testing.T) {
	n := newTestNode(t, "strong", "weak")
	c := newTestCoordinator(n)
	peers, err := c.GetMeshPeers(context.Background())
	if err != nil {
		t.Fatalf("GetMeshPeers failed: %v", err)
	}
	if len(peers) != 2 || peers[0].ID != "strong" || peers[1].ID != "weak" {
		t.Errorf("Unexpected peer order: %+v", peers)
	}
}

func TestGetNetworkStatus(t *testing.T) {
	n := newTestNode(t, "a", "b", "c")
	c := newTestCoordinator(n, WithFallback(&fakeFallback{available: true}))

	status, err := c.GetNetworkStatus(context.Background())
	if err != nil {
		t.Fatalf("GetNetworkStatus failed: %v", err)
	}
	if !status.Bluetooth.IsActive || status.Bluetooth.ConnectedDevices != 3 {
		t.Errorf("Unexpected bluetooth status: %+v", status.Bluetooth)
	}
	if !status.Cellular.IsAvailable || status.Cellular.CarrierName != "TestNet" {
		t.Errorf("Unexpected cellular status: %+v", status.Cellular)
	}
	if status.Internet.IsOnline {
		t.Error("Expected offline without a connectivity probe")
	}

	n.hub.SetPowered("me", false)
	status, err = c.GetNetworkStatus(context.Background())
	if err != nil {
		t.Fatalf("GetNetworkStatus failed: %v", err)
	}
	if status.Bluetooth.IsActive || status.Mesh.LinkState != transport.LinkDown {
		t.Errorf("Expected degraded link, got %+v", status.Mesh)
	}
}

func TestUpdateSettings(t *testing.T) {
	n := newTestNode(t)
	c := newTestCoordinator(n)
	ctx := context.Background()

	s, err := c.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if s != DefaultSettings() {
		t.Errorf("Expected defaults, got %+v", s)
	}

	radius := 500
	demo := true
	updated, err := c.UpdateSettings(ctx, SettingsPatch{AlertRadiusMeters: &radius, DemoMode: &demo})
	if err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if updated.AlertRadiusMeters != 500 || !updated.DemoMode || !updated.BackgroundModeEnabled {
		t.Errorf("Unexpected settings after patch: %+v", updated)
	}

	bad := -1
	if _, err := c.UpdateSettings(ctx, SettingsPatch{AlertRadiusMeters: &bad}); !errors.Is(err, ErrInvalidSettings) {
		t.Errorf("Expected ErrInvalidSettings, got %v", err)
	}
	s, _ = c.GetSettings(ctx)
	if s != updated {
		t.Errorf("Rejected patch changed settings: %+v", s)
	}
}

func TestRecentAlertsFromMesh(t *testing.T) {
	n := newTestNode(t)
	c := newTestCoordinator(n)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.SendEmergencyAlert(ctx, protocol.Location{Lat: 1, Lon: 1}, protocol.AlertManual, ""); err != nil {
			t.Fatalf("SendEmergencyAlert failed: %v", err)
		}
		n.clock.Advance(time.Second)
	}
	alerts, err := c.RecentAlerts(ctx, 2)
	if err != nil {
		t.Fatalf("RecentAlerts failed: %v", err)
	}
	if len(alerts) != 2 || !alerts[0].CreatedAt.After(alerts[1].CreatedAt) {
		t.Errorf("Expected 2 alerts newest first, got %+v", alerts)
	}
}
