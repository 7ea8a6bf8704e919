// Package uplink connects a node to the outside world when it has any: an
// HTTP SMS gateway used as the cellular fallback, and forwarding of mesh
// alerts for nodes that act as gateways.
package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bit2swaz/sosmesh/internal/alert"
	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/jonboulle/clockwork"
)

const (
	defaultProbeEvery = 30 * time.Second
	carrierName       = "sms-gateway"
)

var (
	ErrNotConfigured = errors.New("sms gateway not configured")
	// ErrRejected is returned for 4xx responses; resending the same request
	// will not help.
	ErrRejected = errors.New("sms gateway rejected request")
)

// SMSRequest is the JSON body posted to the gateway.
type SMSRequest struct {
	To        string  `json:"to,omitempty"`
	Text      string  `json:"text"`
	AlertID   string  `json:"alertId"`
	Origin    string  `json:"origin"`
	Type      string  `json:"type"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	HopCount  int     `json:"hopCount"`
}

type GatewayOptions struct {
	URL   string
	Token string
	// Contact is the phone number the gateway should text.
	Contact string
	Client  *http.Client
	Clock   clockwork.Clock
	// ProbeEvery bounds how often reachability is re-checked.
	ProbeEvery time.Duration
}

// Gateway is the SMS fallback. It is safe for concurrent use.
type Gateway struct {
	url     string
	token   string
	contact string
	client  *http.Client
	clock   clockwork.Clock
	every   time.Duration

	mu        sync.Mutex
	online    bool
	checkedAt time.Time
}

func NewGateway(opts GatewayOptions) *Gateway {
	g := &Gateway{
		url:     opts.URL,
		token:   opts.Token,
		contact: opts.Contact,
		client:  opts.Client,
		clock:   opts.Clock,
		every:   opts.ProbeEvery,
	}
	if g.client == nil {
		g.client = &http.Client{Timeout: 10 * time.Second}
	}
	if g.clock == nil {
		g.clock = clockwork.NewRealClock()
	}
	if g.every <= 0 {
		g.every = defaultProbeEvery
	}
	return g
}

func (g *Gateway) Configured() bool { return g.url != "" }

// Cellular reports the gateway as the cellular channel. It is available when
// configured and reachable.
func (g *Gateway) Cellular(ctx context.Context) alert.CellularStatus {
	now := g.clock.Now()
	if !g.Configured() {
		return alert.CellularStatus{LastUpdate: now}
	}
	online := g.reachable(ctx)
	st := alert.CellularStatus{IsAvailable: online, CarrierName: carrierName, LastUpdate: now}
	if online {
		st.SignalStrength = 4
	}
	return st
}

// Internet reports whether the gateway host answered the last probe.
func (g *Gateway) Internet(ctx context.Context) alert.InternetStatus {
	st := alert.InternetStatus{LastUpdate: g.clock.Now()}
	if g.Configured() && g.reachable(ctx) {
		st.IsOnline = true
		st.ConnectionType = "http"
	}
	return st
}

// SendSMS posts env to the gateway. A 202 means the gateway queued the
// message and returns alert.ErrSMSPending.
func (g *Gateway) SendSMS(ctx context.Context, env protocol.Envelope) error {
	if !g.Configured() {
		return ErrNotConfigured
	}
	body, err := json.Marshal(SMSRequest{
		To:        g.contact,
		Text:      FormatAlert(env),
		AlertID:   env.ID,
		Origin:    string(env.Origin),
		Type:      string(env.Type),
		Latitude:  env.Location.Lat,
		Longitude: env.Location.Lon,
		HopCount:  env.HopCount,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sms payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.setOnline(false)
		return fmt.Errorf("failed to send sms request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	g.setOnline(true)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return alert.ErrSMSPending
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	default:
		return fmt.Errorf("sms gateway returned %s", resp.Status)
	}
}

func (g *Gateway) reachable(ctx context.Context) bool {
	g.mu.Lock()
	if !g.checkedAt.IsZero() && g.clock.Since(g.checkedAt) < g.every {
		online := g.online
		g.mu.Unlock()
		return online
	}
	g.mu.Unlock()

	online := g.probe(ctx)
	g.setOnline(online)
	return online
}

func (g *Gateway) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, g.url, nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		slog.Debug("SMS gateway probe failed", "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (g *Gateway) setOnline(online bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.online = online
	g.checkedAt = g.clock.Now()
}

// FormatAlert renders env as a short text message.
func FormatAlert(env protocol.Envelope) string {
	text := fmt.Sprintf("SOS [%s] from %s at %.4f, %.4f https://maps.google.com/?q=%f,%f",
		env.Type, env.Origin, env.Location.Lat, env.Location.Lon, env.Location.Lat, env.Location.Lon)
	if env.Message != "" {
		text += ": " + env.Message
	}
	return text
}

func isPending(err error) bool {
	return errors.Is(err, alert.ErrSMSPending)
}
