// Package discovery finds mesh nodes on the local network with UDP
// heartbeats, so the TCP transport knows whom to dial.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
)

// Sighting is one heartbeat heard from another node.
type Sighting struct {
	ID           protocol.PeerID
	Nick         string
	Addr         string
	RelayCapable bool
	SeenAt       time.Time
}

type HeartbeatOptions struct {
	Self         protocol.PeerID
	Nick         string
	RelayCapable bool
	// ServicePort is the TCP port peers should dial.
	ServicePort int
	Interval    time.Duration
	// Targets are UDP host:port addresses to send heartbeats to.
	Targets []string
}

// DefaultTargets covers the broadcast address and loopback for every port in
// [lo, hi], so several nodes can share one machine.
func DefaultTargets(lo, hi int) []string {
	var out []string
	for _, host := range []string{"255.255.255.255", "127.0.0.1"} {
		for p := lo; p <= hi; p++ {
			out = append(out, fmt.Sprintf("%s:%d", host, p))
		}
	}
	return out
}

// StartHeartbeat sends a beacon to every target each interval until ctx is
// done.
func StartHeartbeat(ctx context.Context, opts HeartbeatOptions) error {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	var conns []*net.UDPConn
	for _, target := range opts.Targets {
		addr, err := net.ResolveUDPAddr("udp", target)
		if err != nil {
			continue
		}
		conn, err := net.DialUDP("udp", nil, addr)
		if err == nil {
			conns = append(conns, conn)
		}
	}
	if len(conns) == 0 {
		return errors.New("failed to dial any UDP heartbeat targets")
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	slog.Info("Heartbeat started", "targets", len(conns), "node", opts.Self)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			data, err := protocol.EncodeBeacon(protocol.Beacon{
				PeerID:       opts.Self,
				Nick:         opts.Nick,
				RelayCapable: opts.RelayCapable,
				Port:         opts.ServicePort,
				SentAt:       t.UnixMilli(),
			})
			if err != nil {
				slog.Error("Failed to encode heartbeat", "error", err)
				continue
			}
			for _, c := range conns {
				_, _ = c.Write(data)
			}
		}
	}
}

// StartListener receives heartbeats on port and reports every node other
// than self on out. It returns nil once ctx is done.
func StartListener(ctx context.Context, port int, self protocol.PeerID, out chan<- Sighting) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, protocol.MaxFrameSize)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("read error: %w", err)
			}
		}
		s, err := parseHeartbeat(buf[:n], remote)
		if err != nil {
			slog.Warn("Dropping malformed heartbeat", "remote", remote, "error", err)
			continue
		}
		if s.ID == self {
			continue
		}
		slog.Debug("Received heartbeat", "from", s.Nick, "addr", s.Addr)
		select {
		case out <- s:
		case <-ctx.Done():
			return nil
		}
	}
}

func parseHeartbeat(data []byte, remote *net.UDPAddr) (Sighting, error) {
	pkt, err := protocol.DecodePacket(data)
	if err != nil {
		return Sighting{}, err
	}
	if pkt.Type != protocol.TypeBeacon {
		return Sighting{}, fmt.Errorf("%w: packet type %d is not a heartbeat", protocol.ErrMalformedFrame, pkt.Type)
	}
	b, err := protocol.DecodeBeacon(pkt.Payload)
	if err != nil {
		return Sighting{}, err
	}
	if b.Port <= 0 || b.Port > 65535 {
		return Sighting{}, fmt.Errorf("%w: heartbeat port %d", protocol.ErrMalformedFrame, b.Port)
	}
	return Sighting{
		ID:           b.PeerID,
		Nick:         b.Nick,
		Addr:         net.JoinHostPort(remote.IP.String(), fmt.Sprint(b.Port)),
		RelayCapable: b.RelayCapable,
		SeenAt:       time.Now(),
	}, nil
}
