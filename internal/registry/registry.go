// Package registry tracks the mesh peers this node has heard from.
//
// A Registry is owned by the relay engine's core task and is not safe for
// concurrent use.
package registry

import (
	"math"
	"sort"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
)

// Path-loss model used to estimate distance when a peer does not report it.
const (
	txPowerAt1m       = -59.0
	pathLossExp       = 2.0
	maxEstimateMeters = 1000.0
)

type Peer struct {
	ID               protocol.PeerID `json:"id"`
	DisplayName      string          `json:"deviceName"`
	LastSeen         time.Time       `json:"lastSeen"`
	SignalStrength   int             `json:"signalStrength"`
	DistanceEstimate *float64        `json:"distance,omitempty"`
	IsRelayCapable   bool            `json:"isRelay"`
}

// Observation is one sighting of a peer, from a beacon or any other frame.
type Observation struct {
	ID             protocol.PeerID
	DisplayName    string
	SignalStrength int
	Distance       *float64
	RelayCapable   *bool
	SeenAt         time.Time
}

type Registry struct {
	peers map[protocol.PeerID]*Peer
}

func New() *Registry {
	return &Registry{peers: make(map[protocol.PeerID]*Peer)}
}

// Upsert inserts or refreshes a peer. An observation older than the stored
// LastSeen is ignored, so LastSeen never moves backward. It reports whether
// the peer was newly created.
func (r *Registry) Upsert(obs Observation) bool {
	if obs.ID == "" {
		return false
	}
	p, ok := r.peers[obs.ID]
	if !ok {
		p = &Peer{ID: obs.ID}
		r.peers[obs.ID] = p
	} else if obs.SeenAt.Before(p.LastSeen) {
		return false
	}
	p.LastSeen = obs.SeenAt
	if obs.DisplayName != "" {
		p.DisplayName = obs.DisplayName
	}
	if obs.RelayCapable != nil {
		p.IsRelayCapable = *obs.RelayCapable
	}
	if obs.SignalStrength != 0 {
		p.SignalStrength = obs.SignalStrength
	}
	switch {
	case obs.Distance != nil:
		d := *obs.Distance
		p.DistanceEstimate = &d
	case obs.SignalStrength != 0:
		d := EstimateDistance(obs.SignalStrength)
		p.DistanceEstimate = &d
	}
	return !ok
}

// Get returns a copy of the peer record.
func (r *Registry) Get(id protocol.PeerID) (Peer, bool) {
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return clone(p), true
}

// ListActive returns peers seen within the window ending at now, strongest
// signal first, ties broken by most recently seen.
func (r *Registry) ListActive(within time.Duration, now time.Time) []Peer {
	cutoff := now.Add(-within)
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SignalStrength != out[j].SignalStrength {
			return out[i].SignalStrength > out[j].SignalStrength
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EvictStale removes peers silent for longer than olderThan.
func (r *Registry) EvictStale(olderThan time.Duration, now time.Time) []protocol.PeerID {
	cutoff := now.Add(-olderThan)
	var evicted []protocol.PeerID
	for id, p := range r.peers {
		if p.LastSeen.Before(cutoff) {
			delete(r.peers, id)
			evicted = append(evicted, id)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	return evicted
}

func (r *Registry) Len() int {
	return len(r.peers)
}

// EstimateDistance converts RSSI to metres with the log-distance path-loss
// model.
func EstimateDistance(rssi int) float64 {
	d := math.Pow(10, (txPowerAt1m-float64(rssi))/(10*pathLossExp))
	d = math.Round(d*10) / 10
	return math.Min(d, maxEstimateMeters)
}

func clone(p *Peer) Peer {
	c := *p
	if p.DistanceEstimate != nil {
		d := *p.DistanceEstimate
		c.DistanceEstimate = &d
	}
	return c
}
