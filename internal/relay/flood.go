package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/registry"
	"github.com/bit2swaz/sosmesh/internal/transport"
	"github.com/cenkalti/backoff/v5"
)

type relayJob struct {
	id       string
	from     protocol.PeerID
	attempts int
	bo       *backoff.ExponentialBackOff
	// Originated alerts skip the rate limit.
	exempt bool
}

// HandleFrame processes one inbound frame. It must run on the core task.
func (e *Engine) HandleFrame(f transport.Frame) {
	if f.From == "" || f.From == e.cfg.Self {
		return
	}
	now := e.clock.Now()
	if e.peers.Upsert(registry.Observation{ID: f.From, SignalStrength: f.RSSI, SeenAt: now}) {
		e.logger.Info("Peer discovered", "peer", f.From, "rssi", f.RSSI)
	}

	pkt, err := protocol.DecodePacket(f.Data)
	if err != nil {
		e.dropMalformed(f, err)
		return
	}
	switch pkt.Type {
	case protocol.TypeAlert:
		e.handleEnvelope(f, pkt.Payload, now)
	case protocol.TypeBeacon:
		e.handleBeacon(f, pkt.Payload, now)
	default:
		e.dropMalformed(f, fmt.Errorf("%w: unknown packet type %d", protocol.ErrMalformedFrame, pkt.Type))
	}
}

func (e *Engine) dropMalformed(f transport.Frame, err error) {
	e.metrics.ObserveFrame("malformed")
	e.logger.Warn("Dropping malformed frame", "from", f.From, "error", err)
}

func (e *Engine) handleBeacon(f transport.Frame, payload []byte, now time.Time) {
	b, err := protocol.DecodeBeacon(payload)
	if err != nil {
		e.dropMalformed(f, err)
		return
	}
	if b.PeerID != f.From {
		e.logger.Warn("Ignoring beacon with mismatched sender", "from", f.From, "claimed", b.PeerID)
		return
	}
	relayCapable := b.RelayCapable
	e.peers.Upsert(registry.Observation{
		ID:             b.PeerID,
		DisplayName:    b.Nick,
		SignalStrength: f.RSSI,
		Distance:       b.Distance,
		RelayCapable:   &relayCapable,
		SeenAt:         now,
	})
	e.metrics.ObserveFrame("beacon")
}

func (e *Engine) handleEnvelope(f transport.Frame, payload []byte, now time.Time) {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		e.dropMalformed(f, err)
		return
	}
	// Every hop stores and forwards the count it received plus one.
	env.HopCount++

	res := e.store.Record(env, f.From, now)
	switch {
	case res.Conflict:
		e.metrics.ObserveFrame("conflict")
		e.logger.Warn("Conflicting copy of alert ignored", "id", env.ID, "from", f.From)
		return
	case !res.IsNew:
		e.metrics.ObserveFrame("duplicate")
		e.logger.Debug("Duplicate alert dropped", "id", env.ID, "from", f.From)
		return
	}

	e.metrics.ObserveFrame("new")
	e.logger.Info("Alert received", "id", env.ID, "origin", env.Origin, "from", f.From, "hop", env.HopCount)
	e.surface(env, f.From, now)

	if env.Origin == e.cfg.Self {
		return
	}
	if env.Terminal() {
		e.metrics.ObserveRelay("terminal")
		e.logger.Info("Alert reached hop limit, not relaying", "id", env.ID, "hop", env.HopCount)
		return
	}
	job := &relayJob{id: env.ID, from: f.From}
	e.pending[env.ID] = e.queue.Schedule(now.Add(e.jitter()), func(now time.Time) {
		delete(e.pending, job.id)
		e.enqueue(job, now)
	})
}

// Originate creates a local alert, records it and broadcasts it to every
// active peer without delay. It must run on the core task.
func (e *Engine) Originate(loc protocol.Location, typ protocol.AlertType, message string) (Origination, error) {
	if err := loc.Validate(); err != nil {
		return Origination{}, err
	}
	if !typ.Valid() {
		return Origination{}, fmt.Errorf("%w: %q", protocol.ErrInvalidAlertType, typ)
	}
	if err := protocol.ValidateMessage(message); err != nil {
		return Origination{}, err
	}

	now := e.clock.Now()
	env := protocol.Envelope{
		ID:        e.store.NextID(e.cfg.Self),
		Origin:    e.cfg.Self,
		Location:  loc,
		CreatedAt: now.UTC().Truncate(time.Millisecond),
		Type:      typ,
		Message:   message,
		TTLHops:   e.cfg.TTLHops,
	}
	e.store.Record(env, "", now)
	e.metrics.ObserveOriginated()
	e.logger.Info("Alert originated", "id", env.ID, "type", typ)
	e.surface(env, "", now)

	reached := e.attempt(&relayJob{id: env.ID, exempt: true}, now)
	return Origination{Envelope: env, Reached: reached}, nil
}

func (e *Engine) jitter() time.Duration {
	if e.cfg.MaxJitter <= 0 {
		return 0
	}
	return time.Duration(e.rand.Int64N(int64(e.cfg.MaxJitter) + 1))
}

// enqueue sends job now if the rate limit allows it, otherwise it joins the
// back of the backlog.
func (e *Engine) enqueue(job *relayJob, now time.Time) {
	if job.exempt {
		e.attempt(job, now)
		return
	}
	if len(e.backlog) > 0 || !e.allow(now) {
		e.backlog = append(e.backlog, job)
		e.metrics.ObserveRelay("deferred")
		e.logger.Debug("Relay deferred by rate limit", "id", job.id, "backlog", len(e.backlog))
		e.scheduleDrain(now)
		return
	}
	e.attempt(job, now)
}

func (e *Engine) pruneWindow(now time.Time) {
	cutoff := now.Add(-e.cfg.RateWindow)
	i := 0
	for i < len(e.window) && !e.window[i].After(cutoff) {
		i++
	}
	e.window = e.window[i:]
}

func (e *Engine) allow(now time.Time) bool {
	if e.cfg.RateLimit <= 0 {
		return true
	}
	e.pruneWindow(now)
	return len(e.window) < e.cfg.RateLimit
}

func (e *Engine) consume(now time.Time) {
	if e.cfg.RateLimit <= 0 {
		return
	}
	e.pruneWindow(now)
	e.window = append(e.window, now)
}

func (e *Engine) scheduleDrain(now time.Time) {
	if e.queue.Pending(e.drain) {
		return
	}
	at := now
	if len(e.window) > 0 {
		at = e.window[0].Add(e.cfg.RateWindow)
	}
	e.drain = e.queue.Schedule(at, e.drainBacklog)
}

func (e *Engine) drainBacklog(now time.Time) {
	for len(e.backlog) > 0 && e.allow(now) {
		job := e.backlog[0]
		e.backlog[0] = nil
		e.backlog = e.backlog[1:]
		e.attempt(job, now)
	}
	if len(e.backlog) > 0 {
		e.scheduleDrain(now)
	}
}

// targets lists the active peers that have not yet seen env over any link we
// know of.
func (e *Engine) targets(env protocol.Envelope, from protocol.PeerID, now time.Time) []protocol.PeerID {
	heard := e.store.HeardFrom(env.ID)
	relayed := e.store.RelayedVia(env.ID)
	var out []protocol.PeerID
	for _, p := range e.peers.ListActive(e.cfg.ActiveWindow, now) {
		if p.ID == e.cfg.Self || p.ID == env.Origin || p.ID == from {
			continue
		}
		if _, ok := heard[p.ID]; ok {
			continue
		}
		if _, ok := relayed[p.ID]; ok {
			continue
		}
		out = append(out, p.ID)
	}
	return out
}

// attempt performs one fan-out of job and returns how many peers accepted
// the frame.
func (e *Engine) attempt(job *relayJob, now time.Time) int {
	env, ok := e.store.Get(job.id)
	if !ok {
		e.metrics.ObserveRelay("cancelled")
		e.logger.Debug("Relay skipped, alert no longer stored", "id", job.id)
		return 0
	}
	if e.adapter.State() != transport.LinkUp {
		e.retry(job, now, transport.ErrLinkUnavailable)
		return 0
	}
	targets := e.targets(env, job.from, now)
	if len(targets) == 0 {
		e.logger.Debug("No peers left to relay to", "id", job.id)
		return 0
	}
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		e.logger.Error("Failed to encode alert", "id", job.id, "error", err)
		return 0
	}

	e.consume(now)
	reached := 0
	for _, peer := range targets {
		ctx, cancel := e.sendContext()
		err := e.adapter.Send(ctx, peer, data)
		cancel()
		if errors.Is(err, transport.ErrLinkUnavailable) {
			e.retry(job, now, err)
			return reached
		}
		e.store.MarkRelayed(job.id, peer)
		e.metrics.ObserveSend(err == nil)
		if err != nil {
			e.logger.Warn("Peer unreachable", "id", job.id, "peer", peer, "error", err)
			continue
		}
		reached++
	}
	e.metrics.ObserveRelay("sent")
	e.logger.Info("Alert relayed", "id", job.id, "hop", env.HopCount, "reached", reached, "targets", len(targets))
	return reached
}

// retry schedules another attempt after the link failed, or abandons the
// relay once MaxAttempts is used up.
func (e *Engine) retry(job *relayJob, now time.Time, cause error) {
	job.attempts++
	if job.attempts >= e.cfg.MaxAttempts {
		e.metrics.ObserveRelay("abandoned")
		e.logger.Warn("Relay abandoned", "id", job.id, "attempts", job.attempts, "error", cause)
		return
	}
	if job.bo == nil {
		job.bo = e.newBackOff()
	}
	delay := job.bo.NextBackOff()
	e.metrics.ObserveRetry()
	e.logger.Debug("Relay retry scheduled", "id", job.id, "attempt", job.attempts, "delay", delay)
	e.pending[job.id] = e.queue.Schedule(now.Add(delay), func(now time.Time) {
		delete(e.pending, job.id)
		e.enqueue(job, now)
	})
}

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBase
	b.MaxInterval = e.cfg.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}
