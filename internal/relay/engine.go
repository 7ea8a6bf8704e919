// Package relay implements controlled flooding of emergency alerts over a
// short-range mesh.
//
// All peer and message state is owned by a single core task (Run). Inbound
// frames, timers and calls from the application layer are serialised onto it,
// so the registry and store are never touched concurrently.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bit2swaz/sosmesh/internal/metrics"
	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/registry"
	"github.com/bit2swaz/sosmesh/internal/scheduler"
	"github.com/bit2swaz/sosmesh/internal/store"
	"github.com/bit2swaz/sosmesh/internal/transport"
	"github.com/jonboulle/clockwork"
)

type Config struct {
	Self         protocol.PeerID
	Nick         string
	RelayCapable bool

	TTLHops   int
	MaxJitter time.Duration

	// At most RateLimit relay fan-outs per rolling RateWindow. Zero disables
	// the limit.
	RateLimit  int
	RateWindow time.Duration

	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration

	ActiveWindow   time.Duration
	EvictAfter     time.Duration
	BeaconInterval time.Duration
	SeenTTL        time.Duration
	PurgeInterval  time.Duration
	StoreCapacity  int
	SendTimeout    time.Duration

	// Seed for relay jitter. Zero seeds from the clock.
	Seed uint64
}

// DefaultConfig returns the relay settings used by a node unless overridden.
func DefaultConfig(self protocol.PeerID) Config {
	return Config{
		Self:           self,
		RelayCapable:   true,
		TTLHops:        5,
		MaxJitter:      250 * time.Millisecond,
		RateLimit:      10,
		RateWindow:     time.Second,
		MaxAttempts:    4,
		RetryBase:      500 * time.Millisecond,
		RetryMax:       8 * time.Second,
		ActiveWindow:   30 * time.Second,
		EvictAfter:     2 * time.Minute,
		BeaconInterval: 5 * time.Second,
		SeenTTL:        30 * time.Minute,
		PurgeInterval:  10 * time.Second,
		StoreCapacity:  store.DefaultCapacity,
		SendTimeout:    2 * time.Second,
	}
}

// Alert is an envelope surfaced to the application after it was first
// recorded. From is empty for alerts originated locally.
type Alert struct {
	Envelope   protocol.Envelope
	From       protocol.PeerID
	ReceivedAt time.Time
}

// Origination is the result of sending a local alert.
type Origination struct {
	Envelope protocol.Envelope
	// Reached counts the active peers the initial broadcast was delivered to.
	Reached int
}

// Snapshot describes the core task's state at one instant.
type Snapshot struct {
	LinkState     transport.LinkState
	ActivePeers   []registry.Peer
	PendingRelays int
	QueuedRelays  int
	SeenEntries   int
	KnownPeers    int
}

type Engine struct {
	cfg     Config
	adapter transport.Adapter
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Recorder
	rand    *rand.Rand

	// Owned by the core task.
	peers   *registry.Registry
	store   *store.MessageStore
	queue   *scheduler.Queue
	pending map[string]scheduler.Handle
	window  []time.Time
	backlog []*relayJob
	drain   scheduler.Handle
	baseCtx context.Context

	alerts chan Alert
	work   chan func()
	inline sync.Mutex

	// stopped is non-nil while Run is active and closed when it returns.
	runMu   sync.Mutex
	stopped chan struct{}
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(cfg Config, adapter transport.Adapter, opts ...Option) (*Engine, error) {
	if cfg.Self == "" {
		return nil, errors.New("relay: local peer id is required")
	}
	if cfg.TTLHops < 1 || cfg.TTLHops > protocol.MaxTTLHops {
		return nil, errors.New("relay: ttl hops out of range")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	e := &Engine{
		cfg:     cfg,
		adapter: adapter,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		peers:   registry.New(),
		queue:   scheduler.New(),
		pending: make(map[string]scheduler.Handle),
		baseCtx: context.Background(),
		alerts:  make(chan Alert, 64),
		work:    make(chan func()),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "relay", "self", cfg.Self)
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(e.clock.Now().UnixNano())
	}
	e.rand = rand.New(rand.NewPCG(seed, seed>>1|1))

	ms, err := store.NewMessageStore(cfg.StoreCapacity, uint64(e.clock.Now().UnixMilli()))
	if err != nil {
		return nil, err
	}
	e.store = ms
	return e, nil
}

func (e *Engine) Self() protocol.PeerID { return e.cfg.Self }

func (e *Engine) Config() Config { return e.cfg }

// Alerts streams newly recorded envelopes. Slow consumers miss alerts rather
// than stall the core task.
func (e *Engine) Alerts() <-chan Alert { return e.alerts }

// Run connects the adapter and drives the core task until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.runMu.Lock()
	if e.stopped != nil {
		e.runMu.Unlock()
		return errors.New("relay engine already running")
	}
	e.stopped = make(chan struct{})
	e.runMu.Unlock()
	defer func() {
		e.runMu.Lock()
		close(e.stopped)
		e.stopped = nil
		e.runMu.Unlock()
	}()

	e.inline.Lock()
	e.baseCtx = ctx
	if err := e.adapter.Connect(ctx); err != nil {
		e.logger.Warn("Radio link unavailable, running degraded", "error", err)
	}
	e.startMaintenance(e.clock.Now())
	e.inline.Unlock()

	e.logger.Info("Relay engine started", "ttl_hops", e.cfg.TTLHops)
	var dead <-chan transport.Frame
	for {
		var timer clockwork.Timer
		var fire <-chan time.Time
		if at, ok := e.queue.Next(); ok {
			timer = e.clock.NewTimer(at.Sub(e.clock.Now()))
			fire = timer.Chan()
		}
		frames := e.adapter.Frames()
		if frames == dead {
			frames = nil
		}

		var event func()
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			e.logger.Info("Relay engine stopped")
			return ctx.Err()
		case fn := <-e.work:
			event = fn
		case f, ok := <-frames:
			if !ok {
				dead = frames
				continue
			}
			event = func() { e.HandleFrame(f) }
		case <-fire:
			event = func() { e.RunDue() }
		}
		if timer != nil {
			timer.Stop()
		}
		e.inline.Lock()
		event()
		e.updateGauges()
		e.inline.Unlock()
	}
}

// Do runs fn on the core task and waits for it to finish. When the engine is
// not running, or stops before picking fn up, fn runs on the caller's
// goroutine.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	e.runMu.Lock()
	stopped := e.stopped
	e.runMu.Unlock()
	if stopped == nil {
		e.runInline(fn)
		return nil
	}
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case e.work <- wrapped:
	case <-stopped:
		e.runInline(fn)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) runInline(fn func()) {
	e.inline.Lock()
	defer e.inline.Unlock()
	fn()
}

// RunDue runs every scheduled task whose deadline has passed.
func (e *Engine) RunDue() int {
	return e.queue.RunDue(e.clock.Now())
}

// SendAlert originates an alert on the core task.
func (e *Engine) SendAlert(ctx context.Context, loc protocol.Location, typ protocol.AlertType, message string) (Origination, error) {
	var out Origination
	var err error
	if doErr := e.Do(ctx, func() { out, err = e.Originate(loc, typ, message) }); doErr != nil {
		return Origination{}, doErr
	}
	return out, err
}

// Observe records a peer sighting reported outside the radio link, such as a
// LAN discovery beacon.
func (e *Engine) Observe(ctx context.Context, obs registry.Observation) error {
	return e.Do(ctx, func() {
		if obs.ID == e.cfg.Self {
			return
		}
		if e.peers.Upsert(obs) {
			e.logger.Info("Peer discovered", "peer", obs.ID, "nick", obs.DisplayName)
		}
	})
}

// Peers returns the active peers in registry order.
func (e *Engine) Peers(ctx context.Context) ([]registry.Peer, error) {
	var out []registry.Peer
	err := e.Do(ctx, func() { out = e.peers.ListActive(e.cfg.ActiveWindow, e.clock.Now()) })
	return out, err
}

func (e *Engine) Status(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := e.Do(ctx, func() { out = e.snapshot() })
	return out, err
}

// Recent returns up to limit stored envelopes, newest first.
func (e *Engine) Recent(ctx context.Context, limit int) ([]protocol.Envelope, error) {
	var out []protocol.Envelope
	err := e.Do(ctx, func() { out = e.store.Recent(limit) })
	return out, err
}

func (e *Engine) snapshot() Snapshot {
	return Snapshot{
		LinkState:     e.adapter.State(),
		ActivePeers:   e.peers.ListActive(e.cfg.ActiveWindow, e.clock.Now()),
		PendingRelays: len(e.pending),
		QueuedRelays:  len(e.backlog),
		SeenEntries:   e.store.Len(),
		KnownPeers:    e.peers.Len(),
	}
}

func (e *Engine) updateGauges() {
	if e.metrics == nil {
		return
	}
	active := len(e.peers.ListActive(e.cfg.ActiveWindow, e.clock.Now()))
	e.metrics.SetMeshState(active, e.store.Len(), len(e.backlog))
}

func (e *Engine) surface(env protocol.Envelope, from protocol.PeerID, at time.Time) {
	select {
	case e.alerts <- Alert{Envelope: env, From: from, ReceivedAt: at}:
	default:
		e.logger.Warn("Alert consumer is behind, dropping notification", "id", env.ID)
	}
}

func (e *Engine) sendContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.baseCtx, e.cfg.SendTimeout)
}
