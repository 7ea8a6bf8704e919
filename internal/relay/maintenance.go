package relay

import (
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/transport"
)

func (e *Engine) startMaintenance(now time.Time) {
	if e.cfg.BeaconInterval > 0 {
		e.queue.Schedule(now, e.beaconTick)
	}
	if e.cfg.PurgeInterval > 0 {
		e.queue.Schedule(now.Add(e.cfg.PurgeInterval), e.maintainTick)
	}
}

func (e *Engine) beaconTick(now time.Time) {
	e.beacon(now)
	e.queue.Schedule(now.Add(e.cfg.BeaconInterval), e.beaconTick)
}

func (e *Engine) maintainTick(now time.Time) {
	e.evictPeers(now)
	e.purgeSeen(now)
	e.queue.Schedule(now.Add(e.cfg.PurgeInterval), e.maintainTick)
}

// beacon announces this node to its neighbours, reconnecting the radio first
// if the link dropped.
func (e *Engine) beacon(now time.Time) {
	if e.adapter.State() != transport.LinkUp {
		ctx, cancel := e.sendContext()
		err := e.adapter.Connect(ctx)
		cancel()
		if err != nil {
			e.logger.Debug("Radio still unavailable", "error", err)
			return
		}
		e.logger.Info("Radio link restored")
	}
	data, err := protocol.EncodeBeacon(protocol.Beacon{
		PeerID:       e.cfg.Self,
		Nick:         e.cfg.Nick,
		RelayCapable: e.cfg.RelayCapable,
		SentAt:       now.UnixMilli(),
	})
	if err != nil {
		e.logger.Error("Failed to encode beacon", "error", err)
		return
	}
	ctx, cancel := e.sendContext()
	defer cancel()
	if _, err := e.adapter.Broadcast(ctx, data); err != nil {
		e.logger.Debug("Beacon broadcast failed", "error", err)
	}
}

func (e *Engine) evictPeers(now time.Time) {
	evicted := e.peers.EvictStale(e.cfg.EvictAfter, now)
	if len(evicted) == 0 {
		return
	}
	e.metrics.ObserveEvictions("peer", len(evicted))
	e.logger.Info("Evicted silent peers", "peers", evicted)
}

// purgeSeen expires old envelopes and cancels any relay still waiting for
// one of them.
func (e *Engine) purgeSeen(now time.Time) {
	purged := e.store.PurgeExpired(e.cfg.SeenTTL, now)
	if len(purged) == 0 {
		return
	}
	for _, id := range purged {
		if h, ok := e.pending[id]; ok {
			e.queue.Cancel(h)
			delete(e.pending, id)
			e.metrics.ObserveRelay("cancelled")
			e.logger.Debug("Pending relay cancelled", "id", id)
		}
	}
	e.metrics.ObserveEvictions("envelope", len(purged))
	e.logger.Debug("Purged expired alerts", "count", len(purged))
}
