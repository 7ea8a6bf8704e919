package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/relay"
	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultRetryInitial = time.Second
	defaultRetryElapsed = 2 * time.Minute
)

// Sender is the part of Gateway the forwarder needs.
type Sender interface {
	SendSMS(ctx context.Context, env protocol.Envelope) error
}

// Forwarder relays alerts heard on the mesh to the SMS gateway, so a node
// with connectivity acts as an exit for nodes without it.
type Forwarder struct {
	sender    Sender
	forwarded *lru.Cache[string, struct{}]
	logger    *slog.Logger

	retryInitial time.Duration
	retryElapsed time.Duration
}

type ForwarderOption func(*Forwarder)

// WithRetry sets the first retry delay and how long a failing forward keeps
// being retried.
func WithRetry(initial, maxElapsed time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.retryInitial = initial
		f.retryElapsed = maxElapsed
	}
}

func NewForwarder(sender Sender, logger *slog.Logger, opts ...ForwarderOption) (*Forwarder, error) {
	cache, err := lru.New[string, struct{}](1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarded set: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarder{
		sender:       sender,
		forwarded:    cache,
		logger:       logger.With("component", "uplink"),
		retryInitial: defaultRetryInitial,
		retryElapsed: defaultRetryElapsed,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Forward sends a to the gateway once per envelope, retrying transient
// failures with exponential backoff. Alerts originated by this node are
// skipped because the coordinator already tried SMS for them.
func (f *Forwarder) Forward(ctx context.Context, a relay.Alert) bool {
	if a.From == "" {
		return false
	}
	if ok, _ := f.forwarded.ContainsOrAdd(a.Envelope.ID, struct{}{}); ok {
		return false
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retryInitial
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := f.sender.SendSMS(ctx, a.Envelope)
		switch {
		case err == nil || isPending(err):
			return struct{}{}, nil
		case errors.Is(err, ErrRejected), errors.Is(err, ErrNotConfigured):
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(f.retryElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Warn("Gateway forward failed, retrying", "id", a.Envelope.ID, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		f.forwarded.Remove(a.Envelope.ID)
		f.logger.Error("Failed to forward alert", "id", a.Envelope.ID, "error", err)
		return false
	}
	f.logger.Info("Relayed alert to gateway", "id", a.Envelope.ID, "origin", a.Envelope.Origin)
	return true
}

// Run forwards every alert from alerts until it closes or ctx is done. Each
// alert is forwarded on its own goroutine so a retrying one does not hold up
// the rest; Run returns once they have all finished.
func (f *Forwarder) Run(ctx context.Context, alerts <-chan relay.Alert) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-alerts:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.Forward(ctx, a)
			}()
		}
	}
}
