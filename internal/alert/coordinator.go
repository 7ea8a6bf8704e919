// Package alert is the application-facing API of a mesh node. The
// Coordinator keeps no state of its own; every call composes the relay
// engine, the fallback channel and the settings store.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bit2swaz/sosmesh/internal/metrics"
	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/registry"
	"github.com/bit2swaz/sosmesh/internal/relay"
	"github.com/bit2swaz/sosmesh/internal/transport"
	"github.com/jonboulle/clockwork"
)

// Mesh is the relay engine as seen by the application.
type Mesh interface {
	SendAlert(ctx context.Context, loc protocol.Location, typ protocol.AlertType, message string) (relay.Origination, error)
	Peers(ctx context.Context) ([]registry.Peer, error)
	Status(ctx context.Context) (relay.Snapshot, error)
	Recent(ctx context.Context, limit int) ([]protocol.Envelope, error)
}

// Fallback is the SMS/cellular channel used alongside the mesh.
type Fallback interface {
	Cellular(ctx context.Context) CellularStatus
	SendSMS(ctx context.Context, env protocol.Envelope) error
}

// Connectivity reports whether the node can reach the internet.
type Connectivity interface {
	Internet(ctx context.Context) InternetStatus
}

type SettingsStore interface {
	LoadSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

// History serves previously handled alerts, typically from the archive.
type History interface {
	RecentAlerts(ctx context.Context, limit int) ([]protocol.Envelope, error)
}

const (
	defaultSMSTimeout  = 5 * time.Second
	defaultRecentLimit = 50
)

type Coordinator struct {
	mesh         Mesh
	fallback     Fallback
	connectivity Connectivity
	settings     SettingsStore
	history      History
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *metrics.Recorder
	smsTimeout   time.Duration
}

type Option func(*Coordinator)

func WithFallback(f Fallback) Option {
	return func(c *Coordinator) { c.fallback = f }
}

func WithConnectivity(n Connectivity) Option {
	return func(c *Coordinator) { c.connectivity = n }
}

func WithSettingsStore(s SettingsStore) Option {
	return func(c *Coordinator) { c.settings = s }
}

func WithHistory(h History) Option {
	return func(c *Coordinator) { c.history = h }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithSMSTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.smsTimeout = d }
}

func NewCoordinator(mesh Mesh, opts ...Option) *Coordinator {
	c := &Coordinator{
		mesh:       mesh,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
		smsTimeout: defaultSMSTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.settings == nil {
		c.settings = NewMemorySettings()
	}
	c.logger = c.logger.With("component", "alert")
	return c
}

// SendEmergencyAlert floods an alert through the mesh and tries the SMS
// fallback. Only invalid input is an error; network trouble shows up in the
// outcome instead.
func (c *Coordinator) SendEmergencyAlert(ctx context.Context, loc protocol.Location, typ protocol.AlertType, message string) (DeliveryOutcome, error) {
	if typ == "" {
		typ = protocol.AlertManual
	}
	orig, err := c.mesh.SendAlert(ctx, loc, typ, message)
	if err != nil {
		return DeliveryOutcome{}, fmt.Errorf("failed to originate alert: %w", err)
	}
	out := DeliveryOutcome{
		EnvelopeID: orig.Envelope.ID,
		RelayCount: orig.Reached,
		Alert:      orig.Envelope,
	}
	out.SMSStatus = c.sendSMS(ctx, orig.Envelope)
	c.metrics.ObserveSMS(string(out.SMSStatus))
	c.logger.Info("Emergency alert sent", "id", out.EnvelopeID, "relay_count", out.RelayCount, "sms", out.SMSStatus)
	return out, nil
}

func (c *Coordinator) sendSMS(ctx context.Context, env protocol.Envelope) SMSStatus {
	if c.fallback == nil || !c.fallback.Cellular(ctx).IsAvailable {
		return SMSUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, c.smsTimeout)
	defer cancel()
	err := c.fallback.SendSMS(ctx, env)
	switch {
	case err == nil:
		return SMSSent
	case errors.Is(err, ErrSMSPending):
		return SMSPending
	default:
		c.logger.Warn("SMS fallback failed", "id", env.ID, "error", err)
		return SMSFailed
	}
}

// GetMeshPeers lists active peers, strongest signal first.
func (c *Coordinator) GetMeshPeers(ctx context.Context) ([]registry.Peer, error) {
	return c.mesh.Peers(ctx)
}

func (c *Coordinator) GetNetworkStatus(ctx context.Context) (SystemStatus, error) {
	snap, err := c.mesh.Status(ctx)
	if err != nil {
		return SystemStatus{}, err
	}
	now := c.clock.Now()
	status := SystemStatus{
		Bluetooth: BluetoothStatus{
			IsActive:         snap.LinkState == transport.LinkUp,
			ConnectedDevices: len(snap.ActivePeers),
			LastUpdate:       now,
		},
		Internet: InternetStatus{LastUpdate: now},
		Cellular: CellularStatus{LastUpdate: now},
		Mesh: MeshStatus{
			LinkState:     snap.LinkState,
			ActivePeers:   len(snap.ActivePeers),
			KnownPeers:    snap.KnownPeers,
			PendingRelays: snap.PendingRelays,
			QueuedRelays:  snap.QueuedRelays,
			SeenEntries:   snap.SeenEntries,
		},
	}
	if c.connectivity != nil {
		status.Internet = c.connectivity.Internet(ctx)
	}
	if c.fallback != nil {
		status.Cellular = c.fallback.Cellular(ctx)
	}
	return status, nil
}

func (c *Coordinator) GetSettings(ctx context.Context) (Settings, error) {
	return c.settings.LoadSettings(ctx)
}

// UpdateSettings applies patch to the stored settings and returns the result.
func (c *Coordinator) UpdateSettings(ctx context.Context, patch SettingsPatch) (Settings, error) {
	current, err := c.settings.LoadSettings(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}
	next, err := patch.Apply(current)
	if err != nil {
		return Settings{}, err
	}
	if err := c.settings.SaveSettings(ctx, next); err != nil {
		return Settings{}, fmt.Errorf("failed to save settings: %w", err)
	}
	c.logger.Info("Settings updated", "settings", next)
	return next, nil
}

// RecentAlerts returns recently handled alerts, newest first.
func (c *Coordinator) RecentAlerts(ctx context.Context, limit int) ([]protocol.Envelope, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if c.history != nil {
		return c.history.RecentAlerts(ctx, limit)
	}
	return c.mesh.Recent(ctx, limit)
}

// MemorySettings is a SettingsStore for nodes without an archive.
type MemorySettings struct {
	mu sync.Mutex
	s  Settings
}

func NewMemorySettings() *MemorySettings {
	return &MemorySettings{s: DefaultSettings()}
}

func (m *MemorySettings) LoadSettings(context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, nil
}

func (m *MemorySettings) SaveSettings(_ context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}
