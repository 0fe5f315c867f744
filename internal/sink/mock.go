package sink

import (
	"context"
	"sync"

	"github.com/sweeney/asterisk-dialer/internal/call"
)

// CounterMove records a single counter increment.
type CounterMove struct {
	CampaignID string
	Bucket     string
	Token      string
}

// Mock records all writes for test assertions. It applies the same
// token-based dedupe as the real sinks so idempotence is observable.
type Mock struct {
	mu          sync.Mutex
	transitions []call.Transition
	moves       []CounterMove
	seenTokens  map[string]bool
	seenStates  map[string]bool
	notes       []string
	closed      bool
	err         error // if set, writes return this error
}

// NewMock creates a recording sink.
func NewMock() *Mock {
	return &Mock{
		seenTokens: make(map[string]bool),
		seenStates: make(map[string]bool),
	}
}

func (m *Mock) PersistTransition(_ context.Context, t call.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	key := t.CallID + "/" + string(t.To)
	if m.seenStates[key] {
		return nil
	}
	m.seenStates[key] = true
	m.transitions = append(m.transitions, t)
	return nil
}

func (m *Mock) IncrementCounter(_ context.Context, campaignID, bucket, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.seenTokens[token] {
		return nil
	}
	m.seenTokens[token] = true
	m.moves = append(m.moves, CounterMove{CampaignID: campaignID, Bucket: bucket, Token: token})
	return nil
}

func (m *Mock) Notify(_ context.Context, recipient, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.notes = append(m.notes, recipient+": "+message)
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Transitions returns a copy of all persisted transitions.
func (m *Mock) Transitions() []call.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]call.Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// TransitionsFor returns the persisted transitions for one call.
func (m *Mock) TransitionsFor(callID string) []call.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []call.Transition
	for _, t := range m.transitions {
		if t.CallID == callID {
			out = append(out, t)
		}
	}
	return out
}

// Moves returns a copy of all counter movements.
func (m *Mock) Moves() []CounterMove {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CounterMove, len(m.moves))
	copy(out, m.moves)
	return out
}

// Notifications returns all recorded notifications.
func (m *Mock) Notifications() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.notes))
	copy(out, m.notes)
	return out
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError causes all subsequent writes to return err. Pass nil to clear.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
