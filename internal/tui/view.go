package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/bit2swaz/sosmesh/internal/alert"
	"github.com/bit2swaz/sosmesh/internal/transport"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	// Colors
	colorGreen = lipgloss.Color("2")
	colorBlack = lipgloss.Color("0")
	colorGray  = lipgloss.Color("240")
	colorRed   = lipgloss.Color("196")
	colorWhite = lipgloss.Color("231")

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorBlack).
			Background(colorGreen).
			Padding(0, 1)

	alertStyle = lipgloss.NewStyle().
			Background(colorRed).
			Foreground(colorWhite).
			Bold(true)

	ownStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	dimStyle = lipgloss.NewStyle().Foreground(colorGray)

	errorStyle = lipgloss.NewStyle().Foreground(colorRed)

	flashStyle = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(colorRed)

	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(colorGreen).
			Padding(0, 1)

	streamStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(colorGreen).
			Padding(0, 1)
)

func (m model) View() string {
	if !m.ready {
		return "\n  Initializing System..."
	}

	streamWidth, bodyHeight := m.layout()
	sidebarWidth := m.width - streamWidth - 4

	streamView := streamStyle.Width(streamWidth).Height(bodyHeight).Render(m.viewport.View())
	sidebarView := m.renderSidebar(sidebarWidth, bodyHeight)
	body := lipgloss.JoinHorizontal(lipgloss.Top, streamView, sidebarView)

	if ShouldFlash(m.lastAlert, m.now) {
		body = flashStyle.Render(body)
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, m.renderStatusBar(), m.textInput.View())
}

func (m model) renderSidebar(width, height int) string {
	logo := "\n SOSMESH\n"
	nick := m.opts.Nick
	if nick == "" {
		nick = "Anonymous"
	}
	identity := fmt.Sprintf("NICK: %s\nID:   %s", nick, shortID(string(m.opts.NodeID)))
	if m.opts.WebURL != "" {
		identity += "\nWEB:  " + m.opts.WebURL
	}

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("PEER", "RSSI", "DIST", "SEEN").
		Width(width)
	for _, p := range m.peers {
		name := p.DisplayName
		if name == "" {
			name = shortID(string(p.ID))
		}
		if p.IsRelayCapable {
			name += "*"
		}
		t.Row(name, fmt.Sprintf("%d", p.SignalStrength), formatDistance(p.DistanceEstimate), formatAge(m.now.Sub(p.LastSeen)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		logo,
		identity,
		"\n",
		fmt.Sprintf("MESH PEERS: %d", len(m.peers)),
		t.Render(),
		"\n",
		renderLinks(m.status),
	)
	return sidebarStyle.Width(width).Height(height).Render(content)
}

func renderLinks(s alert.SystemStatus) string {
	onOff := func(ok bool) string {
		if ok {
			return "UP"
		}
		return dimStyle.Render("DOWN")
	}
	radio := s.Mesh.LinkState == transport.LinkUp
	return fmt.Sprintf("RADIO:    %s\nINTERNET: %s\nSMS:      %s\nRELAYS:   %d pending, %d queued",
		onOff(radio), onOff(s.Internet.IsOnline), onOff(s.Cellular.IsAvailable),
		s.Mesh.PendingRelays, s.Mesh.QueuedRelays)
}

func (m model) renderStatusBar() string {
	mode := "LOG"
	if m.monitor {
		mode = "RAW"
	}
	bar := statusBarStyle.Render(fmt.Sprintf("[%s] Enter: send SOS  Tab: toggle view  Esc: quit", mode))
	if m.err != nil {
		bar += " " + errorStyle.Render(m.err.Error())
	}
	return bar
}

func (m model) renderStream() string {
	if len(m.lines) == 0 {
		return dimStyle.Render("No alerts yet. Incoming alerts will appear here.")
	}
	var sb strings.Builder
	for _, l := range m.lines {
		sb.WriteString(m.formatLine(l))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m model) formatLine(l line) string {
	env := l.env
	if m.monitor {
		return fmt.Sprintf(`{"id":%q, "origin":%q, "type":%q, "lat":%.5f, "lon":%.5f, "hop":%d, "ttl":%d, "from":%q}`,
			env.ID, env.Origin, env.Type, env.Location.Lat, env.Location.Lon, env.HopCount, env.TTLHops, l.from)
	}
	ts := l.at.Local().Format("15:04:05")
	text := fmt.Sprintf("[%s] [%s] [HOP:%d/%d] %s @ %.4f, %.4f",
		ts, strings.ToUpper(string(env.Type)), env.HopCount, env.TTLHops, shortID(string(env.Origin)), env.Location.Lat, env.Location.Lon)
	if env.Message != "" {
		text += " -> " + env.Message
	}
	if l.outcome != nil {
		text += fmt.Sprintf(" (relayed to %d, sms %s)", l.outcome.RelayCount, l.outcome.SMSStatus)
	}
	if env.Origin == m.opts.NodeID {
		return ownStyle.Render(text)
	}
	return alertStyle.Render(text)
}

func formatDistance(d *float64) string {
	if d == nil {
		return "?"
	}
	return fmt.Sprintf("%.0fm", *d)
}

func formatAge(d time.Duration) string {
	if d < time.Second {
		return "now"
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
