// Package tui is the terminal dashboard for a running node.
package tui

import (
	"context"
	"sort"
	"time"

	"github.com/bit2swaz/sosmesh/internal/alert"
	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/registry"
	"github.com/bit2swaz/sosmesh/internal/relay"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	refreshEvery  = time.Second
	historyLimit  = 50
	callTimeout   = 3 * time.Second
	flashDuration = 500 * time.Millisecond
)

// Source is the node API the dashboard reads from and sends through.
type Source interface {
	SendEmergencyAlert(ctx context.Context, loc protocol.Location, typ protocol.AlertType, message string) (alert.DeliveryOutcome, error)
	GetMeshPeers(ctx context.Context) ([]registry.Peer, error)
	GetNetworkStatus(ctx context.Context) (alert.SystemStatus, error)
	RecentAlerts(ctx context.Context, limit int) ([]protocol.Envelope, error)
}

type Options struct {
	NodeID protocol.PeerID
	Nick   string
	// Location is attached to alerts sent from the dashboard.
	Location protocol.Location
	// Alerts streams alerts as the node records them. Optional.
	Alerts <-chan relay.Alert
	// WebURL is shown in the sidebar when set.
	WebURL string
}

type tickMsg time.Time

type refreshMsg struct {
	peers  []registry.Peer
	status alert.SystemStatus
	err    error
}

type historyMsg []protocol.Envelope

type alertMsg relay.Alert

type sentMsg struct {
	outcome alert.DeliveryOutcome
	err     error
}

type line struct {
	env     protocol.Envelope
	from    protocol.PeerID
	at      time.Time
	outcome *alert.DeliveryOutcome
}

type model struct {
	src       Source
	opts      Options
	peers     []registry.Peer
	status    alert.SystemStatus
	lines     []line
	seen      map[string]bool
	viewport  viewport.Model
	textInput textinput.Model
	monitor   bool
	lastAlert time.Time
	now       time.Time
	width     int
	height    int
	ready     bool
	err       error
}

func initialModel(src Source, opts Options) model {
	ti := textinput.New()
	ti.Placeholder = "Optional message, Enter sends SOS"
	ti.Focus()
	ti.CharLimit = protocol.MaxMessageLength
	ti.Width = 40

	return model{
		src:       src,
		opts:      opts,
		seen:      make(map[string]bool),
		textInput: ti,
		now:       time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tick(), m.refresh(), m.loadHistory(), m.waitForAlert())
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		peers, err := m.src.GetMeshPeers(ctx)
		if err != nil {
			return refreshMsg{err: err}
		}
		status, err := m.src.GetNetworkStatus(ctx)
		return refreshMsg{peers: peers, status: status, err: err}
	}
}

func (m model) loadHistory() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		alerts, err := m.src.RecentAlerts(ctx, historyLimit)
		if err != nil {
			return refreshMsg{err: err}
		}
		return historyMsg(alerts)
	}
}

func (m model) waitForAlert() tea.Cmd {
	if m.opts.Alerts == nil {
		return nil
	}
	return func() tea.Msg {
		a, ok := <-m.opts.Alerts
		if !ok {
			return nil
		}
		return alertMsg(a)
	}
}

func (m model) send(message string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		out, err := m.src.SendEmergencyAlert(ctx, m.opts.Location, protocol.AlertManual, message)
		return sentMsg{outcome: out, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tickMsg:
		m.now = time.Time(msg)
		return m, tea.Batch(tick(), m.refresh())

	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			sortPeers(msg.peers)
			m.peers = msg.peers
			m.status = msg.status
		}
		return m, nil

	case historyMsg:
		for i := len(msg) - 1; i >= 0; i-- {
			m.addLine(line{env: msg[i], at: msg[i].CreatedAt})
		}
		m.syncViewport()
		return m, nil

	case alertMsg:
		if m.addLine(line{env: msg.Envelope, from: msg.From, at: msg.ReceivedAt}) && msg.From != "" {
			m.lastAlert = msg.ReceivedAt
		}
		m.syncViewport()
		return m, m.waitForAlert()

	case sentMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		out := msg.outcome
		m.err = nil
		if !m.updateOutcome(out) {
			m.addLine(line{env: out.Alert, at: out.Alert.CreatedAt, outcome: &out})
		}
		m.syncViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyTab:
			m.monitor = !m.monitor
			m.syncViewport()
			return m, nil
		case tea.KeyEnter:
			text := m.textInput.Value()
			m.textInput.Reset()
			return m, m.send(text)
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		streamWidth, bodyHeight := m.layout()
		if !m.ready {
			m.viewport = viewport.New(streamWidth, bodyHeight)
			m.ready = true
		} else {
			m.viewport.Width = streamWidth
			m.viewport.Height = bodyHeight
		}
		m.syncViewport()
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// addLine appends l unless its envelope is already shown.
func (m *model) addLine(l line) bool {
	if m.seen[l.env.ID] {
		return false
	}
	m.seen[l.env.ID] = true
	m.lines = append(m.lines, l)
	if len(m.lines) > historyLimit*2 {
		m.lines = m.lines[len(m.lines)-historyLimit*2:]
	}
	return true
}

// updateOutcome attaches out to a line already shown from the alert stream.
func (m *model) updateOutcome(out alert.DeliveryOutcome) bool {
	for i := range m.lines {
		if m.lines[i].env.ID == out.EnvelopeID {
			m.lines[i].outcome = &out
			return true
		}
	}
	return false
}

func (m *model) syncViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderStream())
	m.viewport.GotoBottom()
}

// layout returns the stream width and body height for the current window.
func (m model) layout() (int, int) {
	streamWidth := m.width * 7 / 10
	bodyHeight := m.height - 3
	if bodyHeight < 1 {
		bodyHeight = 1
	}
	return streamWidth, bodyHeight
}

// sortPeers orders relay-capable peers first, then by signal.
func sortPeers(peers []registry.Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		if peers[i].IsRelayCapable != peers[j].IsRelayCapable {
			return peers[i].IsRelayCapable
		}
		return peers[i].SignalStrength > peers[j].SignalStrength
	})
}

// ShouldFlash reports whether an alert received at at is recent enough to
// flash the screen.
func ShouldFlash(at, now time.Time) bool {
	return !at.IsZero() && now.Sub(at) < flashDuration
}

// StartTUI runs the dashboard until the user quits.
func StartTUI(src Source, opts Options) error {
	p := tea.NewProgram(initialModel(src, opts), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}
