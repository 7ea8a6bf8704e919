package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 2 * time.Second
)

type tcpLink struct {
	peer protocol.PeerID
	conn net.Conn
	mu   sync.Mutex
}

// write sends one frame, giving up at ctx's deadline or after writeTimeout so
// a peer that stops reading cannot stall the caller.
func (l *tcpLink) write(ctx context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	_ = l.conn.SetWriteDeadline(deadline)
	defer l.conn.SetWriteDeadline(time.Time{})
	return WriteFrame(l.conn, data)
}

// Manager is a TCP Adapter for LAN deployments. Each connection starts with a
// hello frame carrying the sender's PeerID, so links are keyed by peer rather
// than by address.
type Manager struct {
	self   protocol.PeerID
	port   int
	logger *slog.Logger

	mu       sync.RWMutex
	links    map[protocol.PeerID]*tcpLink
	addrs    map[string]protocol.PeerID
	listener net.Listener
	frames   chan Frame
	done     chan struct{}
	up       bool
}

func NewManager(self protocol.PeerID, port int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		self:   self,
		port:   port,
		logger: logger.With("component", "transport"),
		links:  make(map[protocol.PeerID]*tcpLink),
		addrs:  make(map[string]protocol.PeerID),
	}
}

// Connect starts the TCP listener.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.up {
		return nil
	}
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", m.port))
	if err != nil {
		return fmt.Errorf("%w: failed to listen on port %d: %v", ErrLinkUnavailable, m.port, err)
	}
	m.listener = listener
	m.frames = make(chan Frame, 256)
	m.done = make(chan struct{})
	m.up = true
	go m.acceptLoop(listener, m.done)
	m.logger.Info("TCP transport listening", "port", m.port)
	return nil
}

func (m *Manager) acceptLoop(listener net.Listener, done chan struct{}) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			m.logger.Warn("Accept error", "error", err)
			continue
		}
		go func(c net.Conn) {
			peer, err := m.handshake(c, false)
			if err != nil {
				m.logger.Warn("Inbound handshake failed", "remote", c.RemoteAddr(), "error", err)
				c.Close()
				return
			}
			m.serve(peer, c)
		}(conn)
	}
}

// Dial connects to a remote node and returns its PeerID once the hello
// exchange completes.
func (m *Manager) Dial(ctx context.Context, addr string) (protocol.PeerID, error) {
	if m.State() != LinkUp {
		return "", ErrLinkUnavailable
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	peer, err := m.handshake(conn, true)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("%w: handshake with %s: %v", ErrPeerUnreachable, addr, err)
	}
	link := m.register(peer, conn)
	if link == nil {
		conn.Close()
		return "", ErrLinkUnavailable
	}
	m.mu.Lock()
	m.addrs[addr] = peer
	m.mu.Unlock()
	go m.readLoop(link)
	return peer, nil
}

// HasPeer reports whether a link to peer is open.
func (m *Manager) HasPeer(peer protocol.PeerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.links[peer]
	return ok
}

// HasAddr reports whether addr was dialled and its link is still open.
func (m *Manager) HasAddr(addr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peer, ok := m.addrs[addr]
	if !ok {
		return false
	}
	_, ok = m.links[peer]
	return ok
}

func (m *Manager) handshake(conn net.Conn, dialer bool) (protocol.PeerID, error) {
	hello, err := protocol.EncodeBeacon(protocol.Beacon{PeerID: m.self, SentAt: time.Now().UnixMilli()})
	if err != nil {
		return "", err
	}
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	if dialer {
		if err := WriteFrame(conn, hello); err != nil {
			return "", err
		}
	}
	data, err := ReadFrame(conn)
	if err != nil {
		return "", err
	}
	pkt, err := protocol.DecodePacket(data)
	if err != nil {
		return "", err
	}
	if pkt.Type != protocol.TypeBeacon {
		return "", fmt.Errorf("%w: expected hello, got packet type %d", protocol.ErrMalformedFrame, pkt.Type)
	}
	b, err := protocol.DecodeBeacon(pkt.Payload)
	if err != nil {
		return "", err
	}
	if b.PeerID == m.self {
		return "", errors.New("refusing connection to self")
	}
	if !dialer {
		if err := WriteFrame(conn, hello); err != nil {
			return "", err
		}
	}
	return b.PeerID, nil
}

func (m *Manager) serve(peer protocol.PeerID, conn net.Conn) {
	link := m.register(peer, conn)
	if link == nil {
		conn.Close()
		return
	}
	m.readLoop(link)
}

// register makes conn the link for peer, replacing any older one. It returns
// nil once the manager is closed.
func (m *Manager) register(peer protocol.PeerID, conn net.Conn) *tcpLink {
	link := &tcpLink{peer: peer, conn: conn}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.up {
		return nil
	}
	if old, ok := m.links[peer]; ok {
		old.conn.Close()
	}
	m.links[peer] = link
	m.logger.Info("Link established", "peer", peer, "remote", conn.RemoteAddr())
	return link
}

func (m *Manager) readLoop(link *tcpLink) {
	m.mu.RLock()
	frames, done := m.frames, m.done
	m.mu.RUnlock()

	defer func() {
		m.mu.Lock()
		if m.links[link.peer] == link {
			delete(m.links, link.peer)
		}
		m.mu.Unlock()
		link.conn.Close()
	}()

	for {
		payload, err := ReadFrame(link.conn)
		if err != nil {
			m.logger.Debug("Link closed", "peer", link.peer, "error", err)
			return
		}
		select {
		case frames <- Frame{From: link.peer, Data: payload, ReceivedAt: time.Now()}:
		case <-done:
			return
		}
	}
}

func (m *Manager) Send(ctx context.Context, to protocol.PeerID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	up := m.up
	link, ok := m.links[to]
	m.mu.RUnlock()
	if !up {
		return ErrLinkUnavailable
	}
	if !ok {
		return fmt.Errorf("%w: no link to %s", ErrPeerUnreachable, to)
	}
	if err := link.write(ctx, data); err != nil {
		link.conn.Close()
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return nil
}

// Broadcast sends data to every open link. Individual write failures are
// logged and skipped.
func (m *Manager) Broadcast(ctx context.Context, data []byte) (int, error) {
	m.mu.RLock()
	if !m.up {
		m.mu.RUnlock()
		return 0, ErrLinkUnavailable
	}
	links := make([]*tcpLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.RUnlock()

	sent := 0
	for _, l := range links {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := l.write(ctx, data); err != nil {
			m.logger.Debug("Broadcast write failed", "peer", l.peer, "error", err)
			l.conn.Close()
			continue
		}
		sent++
	}
	return sent, nil
}

// Addr returns the listener address, or nil before Connect.
func (m *Manager) Addr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *Manager) Frames() <-chan Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frames
}

func (m *Manager) State() LinkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.up {
		return LinkUp
	}
	return LinkDown
}

// Close stops the listener and drops every link.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.up {
		return nil
	}
	m.up = false
	close(m.done)
	err := m.listener.Close()
	for peer, l := range m.links {
		l.conn.Close()
		delete(m.links, peer)
	}
	return err
}
