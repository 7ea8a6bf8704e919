package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/jonboulle/clockwork"
)

const defaultInboxSize = 64

// Hub is an in-memory radio medium. Radios only hear the neighbours they are
// explicitly placed in range of, and a full inbox drops frames the way a busy
// radio would.
type Hub struct {
	clock clockwork.Clock
	inbox int

	mu     sync.Mutex
	radios map[protocol.PeerID]*Radio
	rssi   map[protocol.PeerID]map[protocol.PeerID]int
}

func NewHub(clock clockwork.Clock) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		clock:  clock,
		inbox:  defaultInboxSize,
		radios: make(map[protocol.PeerID]*Radio),
		rssi:   make(map[protocol.PeerID]map[protocol.PeerID]int),
	}
}

// Join registers a powered radio for id.
func (h *Hub) Join(id protocol.PeerID) *Radio {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := &Radio{hub: h, id: id, powered: true}
	h.radios[id] = r
	return r
}

// Link puts a and b in range of each other with the given signal strength.
func (h *Hub) Link(a, b protocol.PeerID, rssi int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setRSSI(a, b, rssi)
	h.setRSSI(b, a, rssi)
}

func (h *Hub) setRSSI(from, to protocol.PeerID, rssi int) {
	m, ok := h.rssi[from]
	if !ok {
		m = make(map[protocol.PeerID]int)
		h.rssi[from] = m
	}
	m[to] = rssi
}

// Unlink takes a and b out of range.
func (h *Hub) Unlink(a, b protocol.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rssi[a], b)
	delete(h.rssi[b], a)
}

// SetPowered switches a radio on or off.
func (h *Hub) SetPowered(id protocol.PeerID, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.radios[id]; ok {
		r.powered = on
	}
}

// neighbours returns the powered, connected radios in range of id.
func (h *Hub) neighbours(id protocol.PeerID) []*Radio {
	var out []*Radio
	for peer := range h.rssi[id] {
		if r, ok := h.radios[peer]; ok && r.powered && r.frames != nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (h *Hub) deliver(from protocol.PeerID, to *Radio, data []byte) {
	f := Frame{
		From:       from,
		Data:       append([]byte(nil), data...),
		ReceivedAt: h.clock.Now(),
		RSSI:       h.rssi[from][to.id],
	}
	select {
	case to.frames <- f:
	default:
	}
}

// Radio is one node's Adapter onto a Hub.
type Radio struct {
	hub     *Hub
	id      protocol.PeerID
	powered bool
	frames  chan Frame
}

func (r *Radio) ID() protocol.PeerID { return r.id }

func (r *Radio) Connect(ctx context.Context) error {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	if !r.powered {
		return ErrLinkUnavailable
	}
	if r.frames == nil {
		r.frames = make(chan Frame, r.hub.inbox)
	}
	return nil
}

func (r *Radio) usable() bool {
	return r.powered && r.frames != nil
}

func (r *Radio) Send(ctx context.Context, to protocol.PeerID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	if !r.usable() {
		return ErrLinkUnavailable
	}
	if _, inRange := r.hub.rssi[r.id][to]; !inRange {
		return fmt.Errorf("%w: %s out of range", ErrPeerUnreachable, to)
	}
	dst, ok := r.hub.radios[to]
	if !ok || !dst.usable() {
		return fmt.Errorf("%w: %s not listening", ErrPeerUnreachable, to)
	}
	r.hub.deliver(r.id, dst, data)
	return nil
}

func (r *Radio) Broadcast(ctx context.Context, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	if !r.usable() {
		return 0, ErrLinkUnavailable
	}
	n := 0
	for _, dst := range r.hub.neighbours(r.id) {
		r.hub.deliver(r.id, dst, data)
		n++
	}
	return n, nil
}

func (r *Radio) Frames() <-chan Frame {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	return r.frames
}

func (r *Radio) State() LinkState {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	if r.usable() {
		return LinkUp
	}
	return LinkDown
}

// Close detaches the radio; frames already queued are discarded.
func (r *Radio) Close() error {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	r.frames = nil
	return nil
}
