package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCapacity = 4096

// SeenEntry is the bookkeeping kept for every envelope id.
type SeenEntry struct {
	FirstSeenAt  time.Time
	RelayedCount int
}

type entry struct {
	env          protocol.Envelope
	digest       [32]byte
	firstSeenAt  time.Time
	relayedCount int
	relayedVia   map[protocol.PeerID]struct{}
	heardFrom    map[protocol.PeerID]struct{}
}

// RecordResult reports what Record did with an envelope.
type RecordResult struct {
	IsNew bool
	// Conflict is set when the id was already seen with different contents.
	Conflict bool
}

// MessageStore is the content-addressed envelope store and SeenSet. Record is
// the only dedup gate: nothing downstream sees an id twice. Capacity is
// bounded; when full, the oldest entry is dropped.
//
// MessageStore is owned by the relay engine's core task and is not safe for
// concurrent use.
type MessageStore struct {
	entries *lru.Cache[string, *entry]
	seq     uint64
	evicted int
	purging bool
}

// NewMessageStore creates a store holding at most capacity envelopes. seq
// seeds the local id counter; callers pass boot time in milliseconds so a
// restarted node does not reuse ids.
func NewMessageStore(capacity int, seq uint64) (*MessageStore, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &MessageStore{seq: seq}
	cache, err := lru.NewWithEvict[string, *entry](capacity, func(string, *entry) {
		if !s.purging {
			s.evicted++
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create seen set: %w", err)
	}
	s.entries = cache
	return s, nil
}

// NextID returns a fresh envelope id for an alert originated by origin.
func (s *MessageStore) NextID(origin protocol.PeerID) string {
	s.seq++
	return fmt.Sprintf("%s:%d", origin, s.seq)
}

// Record stores env if its id is unseen. For a repeat id the sender is
// remembered so relays can skip it.
func (s *MessageStore) Record(env protocol.Envelope, from protocol.PeerID, now time.Time) RecordResult {
	digest := env.Digest()
	if e, ok := s.entries.Peek(env.ID); ok {
		if from != "" {
			e.heardFrom[from] = struct{}{}
		}
		return RecordResult{Conflict: e.digest != digest}
	}
	e := &entry{
		env:         env,
		digest:      digest,
		firstSeenAt: now,
		relayedVia:  make(map[protocol.PeerID]struct{}),
		heardFrom:   make(map[protocol.PeerID]struct{}),
	}
	if from != "" {
		e.heardFrom[from] = struct{}{}
	}
	s.entries.Add(env.ID, e)
	return RecordResult{IsNew: true}
}

// MarkRelayed notes that the envelope was sent over the link to via.
func (s *MessageStore) MarkRelayed(id string, via protocol.PeerID) bool {
	e, ok := s.entries.Peek(id)
	if !ok {
		return false
	}
	e.relayedCount++
	if via != "" {
		e.relayedVia[via] = struct{}{}
	}
	return true
}

func (s *MessageStore) Get(id string) (protocol.Envelope, bool) {
	e, ok := s.entries.Peek(id)
	if !ok {
		return protocol.Envelope{}, false
	}
	return e.env, true
}

// Seen returns the SeenSet entry for id.
func (s *MessageStore) Seen(id string) (SeenEntry, bool) {
	e, ok := s.entries.Peek(id)
	if !ok {
		return SeenEntry{}, false
	}
	return SeenEntry{FirstSeenAt: e.firstSeenAt, RelayedCount: e.relayedCount}, true
}

// RelayedVia returns the peers the envelope has already been sent to.
func (s *MessageStore) RelayedVia(id string) map[protocol.PeerID]struct{} {
	e, ok := s.entries.Peek(id)
	if !ok {
		return nil
	}
	return copySet(e.relayedVia)
}

// HeardFrom returns the peers the envelope arrived from.
func (s *MessageStore) HeardFrom(id string) map[protocol.PeerID]struct{} {
	e, ok := s.entries.Peek(id)
	if !ok {
		return nil
	}
	return copySet(e.heardFrom)
}

// PurgeExpired drops entries first seen more than ttl before now and returns
// their ids.
func (s *MessageStore) PurgeExpired(ttl time.Duration, now time.Time) []string {
	cutoff := now.Add(-ttl)
	s.purging = true
	defer func() { s.purging = false }()
	var purged []string
	for _, id := range s.entries.Keys() {
		e, ok := s.entries.Peek(id)
		if !ok || !e.firstSeenAt.Before(cutoff) {
			continue
		}
		s.entries.Remove(id)
		purged = append(purged, id)
	}
	return purged
}

// Recent returns up to limit envelopes, newest CreatedAt first.
func (s *MessageStore) Recent(limit int) []protocol.Envelope {
	out := make([]protocol.Envelope, 0, s.entries.Len())
	for _, e := range s.entries.Values() {
		out = append(out, e.env)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MessageStore) Len() int {
	return s.entries.Len()
}

// Evicted counts entries dropped because the store was full.
func (s *MessageStore) Evicted() int {
	return s.evicted
}

func copySet(in map[protocol.PeerID]struct{}) map[protocol.PeerID]struct{} {
	out := make(map[protocol.PeerID]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
