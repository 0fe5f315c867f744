package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/asterisk-dialer/internal/call"
)

var testTransition = call.Transition{
	CallID:     "call-1",
	CampaignID: "camp-1",
	From:       call.StateRinging,
	To:         call.StateAnswered,
	At:         time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
}

func TestMultiFansOut(t *testing.T) {
	a, b := NewMock(), NewMock()
	m := NewMulti(a, b)

	if err := m.PersistTransition(context.Background(), testTransition); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := m.IncrementCounter(context.Background(), "camp-1", call.BucketAnswered, "call-1:answered"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	for i, mock := range []*Mock{a, b} {
		if len(mock.Transitions()) != 1 {
			t.Errorf("sink %d: expected 1 transition, got %d", i, len(mock.Transitions()))
		}
		if len(mock.Moves()) != 1 {
			t.Errorf("sink %d: expected 1 counter move, got %d", i, len(mock.Moves()))
		}
	}
}

func TestMultiKeepsWritingPastFailures(t *testing.T) {
	bad, good := NewMock(), NewMock()
	sinkErr := errors.New("connection reset")
	bad.SetError(sinkErr)
	m := NewMulti(bad, good)

	err := m.PersistTransition(context.Background(), testTransition)
	if !errors.Is(err, sinkErr) {
		t.Fatalf("expected joined error to carry the sink failure, got %v", err)
	}
	if len(good.Transitions()) != 1 {
		t.Errorf("healthy sink skipped after sibling failure: %d writes", len(good.Transitions()))
	}
}

func TestMultiClose(t *testing.T) {
	a, b := NewMock(), NewMock()
	if err := NewMulti(a, b).Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.Closed() || !b.Closed() {
		t.Error("expected all sinks closed")
	}
}

func TestMockDeduplicatesReplays(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.PersistTransition(ctx, testTransition); err != nil {
			t.Fatalf("persist: %v", err)
		}
		if err := m.IncrementCounter(ctx, "camp-1", call.BucketAnswered, "call-1:answered"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	if n := len(m.TransitionsFor("call-1")); n != 1 {
		t.Errorf("expected replayed transition persisted once, got %d", n)
	}
	if n := len(m.Moves()); n != 1 {
		t.Errorf("expected replayed counter move applied once, got %d", n)
	}
}
