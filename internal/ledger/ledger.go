// Package ledger indexes every identifier the PBX or the dialer assigns to
// a logical call, so each raw event resolves through one lookup path instead
// of per-handler fallback chains.
package ledger

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// Kind tags an identifier namespace.
type Kind string

const (
	KindActionID   Kind = "action_id"
	KindTrackingID Kind = "tracking_id"
	KindChannel    Kind = "channel"
	KindUniqueID   Kind = "unique_id"
	KindLinkedID   Kind = "linked_id"
	KindBridgeID   Kind = "bridge_id"
)

// Key is one tagged identifier.
type Key struct {
	Kind  Kind
	Value string
}

// ConflictError reports an identifier rebound to a different call. It does
// not abort processing: the ledger lets the newer binding win.
type ConflictError struct {
	Key     Key
	OldCall string
	NewCall string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identifier %s=%q already bound to call %s, rebinding to %s",
		e.Key.Kind, e.Key.Value, e.OldCall, e.NewCall)
}

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

const shardCount = 16

type shard struct {
	mu       sync.Mutex
	forward  map[Key]string
	backward map[string][]Key
}

// Ledger maps identifiers to call ids. Bindings accumulate in any order and
// are dropped a retention window after their call is released, to absorb
// late duplicate events. Sharded by identifier value so concurrent
// campaigns do not serialize on one lock.
type Ledger struct {
	shards    [shardCount]*shard
	retention time.Duration
	clock     Clock

	tombMu sync.Mutex
	tombs  map[string]time.Time // call id -> release deadline

	conflicts atomic.Uint64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// New creates a Ledger whose bindings linger for retention after release.
func New(retention time.Duration, opts ...Option) *Ledger {
	l := &Ledger{
		retention: retention,
		clock:     time.Now,
		tombs:     make(map[string]time.Time),
	}
	for i := range l.shards {
		l.shards[i] = &shard{
			forward:  make(map[Key]string),
			backward: make(map[string][]Key),
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) shardFor(value string) *shard {
	h := fnv.New32a()
	h.Write([]byte(value))
	return l.shards[h.Sum32()%shardCount]
}

// Bind registers an identifier for a call. Rebinding the same key to the
// same call is a no-op. Rebinding to a different call returns a
// *ConflictError after letting the newer binding win, so processing never
// stalls on a reused identifier.
func (l *Ledger) Bind(kind Kind, value, callID string) error {
	if value == "" || callID == "" {
		return nil
	}
	key := Key{Kind: kind, Value: value}
	s := l.shardFor(value)
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.forward[key]
	if exists && old == callID {
		return nil
	}
	s.forward[key] = callID
	s.backward[callID] = append(s.backward[callID], key)
	if exists {
		l.conflicts.Add(1)
		return &ConflictError{Key: key, OldCall: old, NewCall: callID}
	}
	return nil
}

// Resolve looks up the call id for one identifier.
func (l *Ledger) Resolve(kind Kind, value string) (string, bool) {
	if value == "" {
		return "", false
	}
	s := l.shardFor(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.forward[Key{Kind: kind, Value: value}]
	return id, ok
}

// ResolveAny tries each key in order and returns the first match. This is
// the single lookup path every event handler goes through.
func (l *Ledger) ResolveAny(keys []Key) (string, bool) {
	for _, k := range keys {
		if id, ok := l.Resolve(k.Kind, k.Value); ok {
			return id, true
		}
	}
	return "", false
}

// Release schedules all bindings for a terminal call to drop once the
// retention window elapses. Until then late duplicates still resolve.
func (l *Ledger) Release(callID string) {
	l.tombMu.Lock()
	l.tombs[callID] = l.clock().Add(l.retention)
	l.tombMu.Unlock()
}

// Sweep drops bindings whose retention window has passed and returns the
// ids of the purged calls, so callers can retire their own per-call state
// on the same schedule. The engine calls this periodically.
func (l *Ledger) Sweep() []string {
	now := l.clock()

	l.tombMu.Lock()
	var due []string
	for id, deadline := range l.tombs {
		if !now.Before(deadline) {
			due = append(due, id)
			delete(l.tombs, id)
		}
	}
	l.tombMu.Unlock()

	for _, id := range due {
		for _, s := range l.shards {
			s.mu.Lock()
			for _, key := range s.backward[id] {
				if s.forward[key] == id {
					delete(s.forward, key)
				}
			}
			delete(s.backward, id)
			s.mu.Unlock()
		}
	}
	return due
}

// Conflicts returns the number of identifier conflicts observed.
func (l *Ledger) Conflicts() uint64 {
	return l.conflicts.Load()
}

// Bindings returns the number of live forward bindings, for observability.
func (l *Ledger) Bindings() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.forward)
		s.mu.Unlock()
	}
	return n
}
