package transport

import (
	"context"
	"errors"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
)

var (
	// ErrLinkUnavailable means the local radio is off or out of range of
	// everyone. Callers retry with backoff.
	ErrLinkUnavailable = errors.New("link unavailable")
	// ErrPeerUnreachable is a per-destination failure.
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// LinkState is the coarse state of the local radio link.
type LinkState string

const (
	LinkUp   LinkState = "up"
	LinkDown LinkState = "down"
)

// Frame is one inbound packet as delivered by the radio.
type Frame struct {
	From       protocol.PeerID
	Data       []byte
	ReceivedAt time.Time
	// RSSI in dBm when the link reports it, zero otherwise.
	RSSI int
}

// Adapter abstracts a short-range radio link. It is purely an I/O boundary
// and never touches peer or message state.
type Adapter interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, to protocol.PeerID, data []byte) error
	// Broadcast sends data on every link and returns how many accepted it.
	Broadcast(ctx context.Context, data []byte) (int, error)
	// Frames returns the inbound stream of the current connection. A new
	// Connect after Close yields a fresh stream.
	Frames() <-chan Frame
	State() LinkState
	Close() error
}
