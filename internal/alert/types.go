package alert

import (
	"errors"
	"fmt"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/store"
	"github.com/bit2swaz/sosmesh/internal/transport"
)

// SMSStatus is the outcome of the cellular fallback for one alert.
type SMSStatus string

const (
	SMSSent        SMSStatus = "sent"
	SMSPending     SMSStatus = "pending"
	SMSFailed      SMSStatus = "failed"
	SMSUnavailable SMSStatus = "unavailable"
)

var (
	// ErrSMSPending is returned by a Fallback that accepted the message but
	// has not confirmed delivery.
	ErrSMSPending      = errors.New("sms queued")
	ErrInvalidSettings = errors.New("invalid settings")
)

// DeliveryOutcome is what the UI shows after an SOS is sent.
type DeliveryOutcome struct {
	EnvelopeID string            `json:"id"`
	RelayCount int               `json:"relayCount"`
	SMSStatus  SMSStatus         `json:"smsStatus"`
	Alert      protocol.Envelope `json:"alert"`
}

type BluetoothStatus struct {
	IsActive         bool      `json:"isActive"`
	ConnectedDevices int       `json:"connectedDevices"`
	LastUpdate       time.Time `json:"lastUpdate"`
}

type InternetStatus struct {
	IsOnline       bool      `json:"isOnline"`
	ConnectionType string    `json:"connectionType,omitempty"`
	LastUpdate     time.Time `json:"lastUpdate"`
}

type CellularStatus struct {
	IsAvailable    bool      `json:"isAvailable"`
	SignalStrength int       `json:"signalStrength"`
	CarrierName    string    `json:"carrierName,omitempty"`
	LastUpdate     time.Time `json:"lastUpdate"`
}

type MeshStatus struct {
	LinkState     transport.LinkState `json:"linkState"`
	ActivePeers   int                 `json:"activePeers"`
	KnownPeers    int                 `json:"knownPeers"`
	PendingRelays int                 `json:"pendingRelays"`
	QueuedRelays  int                 `json:"queuedRelays"`
	SeenEntries   int                 `json:"seenEntries"`
}

// SystemStatus is recomputed on every call. Bluetooth describes the
// short-range mesh link.
type SystemStatus struct {
	Bluetooth BluetoothStatus `json:"bluetooth"`
	Internet  InternetStatus  `json:"internet"`
	Cellular  CellularStatus  `json:"cellular"`
	Mesh      MeshStatus      `json:"mesh"`
}

type Settings = store.Settings

func DefaultSettings() Settings { return store.DefaultSettings() }

const maxAlertRadiusMeters = 50_000

// SettingsPatch updates only the fields that are set.
type SettingsPatch struct {
	BackgroundModeEnabled *bool `json:"backgroundModeEnabled,omitempty"`
	MotionBasedSOSEnabled *bool `json:"motionBasedSOSEnabled,omitempty"`
	AlertRadiusMeters     *int  `json:"alertRadiusMeters,omitempty"`
	DemoMode              *bool `json:"demoMode,omitempty"`
}

// Apply returns s with the patch applied.
func (p SettingsPatch) Apply(s Settings) (Settings, error) {
	if p.BackgroundModeEnabled != nil {
		s.BackgroundModeEnabled = *p.BackgroundModeEnabled
	}
	if p.MotionBasedSOSEnabled != nil {
		s.MotionBasedSOSEnabled = *p.MotionBasedSOSEnabled
	}
	if p.AlertRadiusMeters != nil {
		r := *p.AlertRadiusMeters
		if r <= 0 || r > maxAlertRadiusMeters {
			return s, fmt.Errorf("%w: alert radius %d out of range", ErrInvalidSettings, r)
		}
		s.AlertRadiusMeters = r
	}
	if p.DemoMode != nil {
		s.DemoMode = *p.DemoMode
	}
	return s, nil
}
