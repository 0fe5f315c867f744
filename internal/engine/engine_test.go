package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sweeney/asterisk-dialer/internal/ami"
	"github.com/sweeney/asterisk-dialer/internal/call"
	"github.com/sweeney/asterisk-dialer/internal/ledger"
	"github.com/sweeney/asterisk-dialer/internal/sink"
)

var testTime = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

type testHarness struct {
	eng  *Engine
	mock *sink.Mock
	led  *ledger.Ledger
	now  time.Time
}

func newHarness(t *testing.T, opts Options) *testHarness {
	t.Helper()
	h := &testHarness{mock: sink.NewMock(), now: testTime}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return h.now }
	}
	if opts.RingTimeout == 0 {
		// Long enough that the watchdog never fires unless a test wants it.
		opts.RingTimeout = time.Hour
	}
	h.led = ledger.New(30*time.Second, ledger.WithClock(func() time.Time { return h.now }))
	h.eng = New(h.led, h.mock, opts)
	return h
}

// flush services the sink queue to completion so Mock assertions see
// every queued write.
func (h *testHarness) flush() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.eng.Run(ctx)
}

func (h *testHarness) register(t *testing.T) *call.Record {
	t.Helper()
	rec := call.NewRecord("camp-1", 1, "+15550001234", "+15550009999", "trunk-main", h.now)
	h.eng.Register(rec)
	return rec
}

func ringingEvent(uid, channel string) ami.Event {
	return ami.NewEvent(
		"Event", "Newstate",
		"Channel", channel,
		"ChannelState", "5",
		"ChannelStateDesc", "Ringing",
		"Uniqueid", uid,
		"Linkedid", uid,
	)
}

func hangupEvent(uid, channel string, cause string) ami.Event {
	return ami.NewEvent(
		"Event", "Hangup",
		"Channel", channel,
		"Uniqueid", uid,
		"Linkedid", uid,
		"Cause", cause,
	)
}

func TestBridgedCallEventStream(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.register(t)

	// The originate installed rec.ID as the channel's unique id, so the
	// very first PBX event resolves without any application-side echo.
	channel := "PJSIP/15550001234-00000041"
	h.eng.Process(ami.NewEvent(
		"Event", "Newchannel",
		"Channel", channel,
		"Uniqueid", rec.ID,
		"Linkedid", rec.ID,
	))
	h.eng.Process(ringingEvent(rec.ID, channel))
	h.eng.Process(ami.NewEvent(
		"Event", "DialEnd",
		"Channel", channel,
		"Uniqueid", rec.ID,
		"DestChannel", "PJSIP/trunk-out-00000042",
		"DestUniqueid", "1756500012.66",
		"DialStatus", "ANSWER",
	))
	h.eng.Process(ami.NewEvent(
		"Event", "BridgeEnter",
		"Channel", channel,
		"ChannelStateDesc", "Up",
		"Uniqueid", rec.ID,
		"BridgeUniqueid", "br-1",
		"BridgeNumChannels", "2",
	))
	// The hangup arrives on the far leg, resolved through the DialEnd
	// binding rather than the originating channel.
	h.eng.Process(hangupEvent("1756500012.66", "PJSIP/trunk-out-00000042", "16"))
	h.flush()

	ts := h.mock.TransitionsFor(rec.ID)
	want := []call.State{call.StateDialing, call.StateRinging, call.StateAnswered, call.StateBridged, call.StateCompleted}
	if len(ts) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %+v", len(want), len(ts), ts)
	}
	for i, s := range want {
		if ts[i].To != s {
			t.Errorf("transition %d: expected %s, got %s", i, s, ts[i].To)
		}
	}

	// Counter movements only on bucket boundaries: dialing and ringing
	// share in_flight, completed stays in the bridged bucket.
	moves := h.mock.Moves()
	wantBuckets := []string{call.BucketInFlight, call.BucketAnswered, call.BucketBridged}
	if len(moves) != len(wantBuckets) {
		t.Fatalf("expected %d counter moves, got %d: %+v", len(wantBuckets), len(moves), moves)
	}
	for i, b := range wantBuckets {
		if moves[i].Bucket != b {
			t.Errorf("move %d: expected bucket %s, got %s", i, b, moves[i].Bucket)
		}
	}

	got, ok := h.eng.Record(rec.ID)
	if !ok || got.State != call.StateCompleted {
		t.Errorf("expected completed record, got %+v", got)
	}
}

func TestDuplicateHangupIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.register(t)
	channel := "PJSIP/15550002222-00000051"

	h.eng.Process(ringingEvent(rec.ID, channel))
	h.eng.Process(hangupEvent(rec.ID, channel, "17"))
	h.eng.Process(hangupEvent(rec.ID, channel, "17"))
	h.eng.Process(hangupEvent(rec.ID, channel, "17"))
	h.flush()

	ts := h.mock.TransitionsFor(rec.ID)
	if len(ts) != 3 { // dialing, ringing, failed
		t.Fatalf("expected 3 transitions, got %d: %+v", len(ts), ts)
	}
	if ts[2].To != call.StateFailed {
		t.Errorf("expected failed, got %s", ts[2].To)
	}

	// One failed-bucket move despite three hangups.
	failed := 0
	for _, m := range h.mock.Moves() {
		if m.Bucket == call.BucketFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("expected 1 failed counter move, got %d", failed)
	}
}

func TestResolutionThroughEchoedTrackingID(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.register(t)

	// The PBX assigned its own unique id; only the dialplan UserEvent
	// carries our tracking id and ties the identifiers together.
	h.eng.Process(ami.NewEvent(
		"Event", "UserEvent",
		"UserEvent", "CampaignLeg",
		"Channel", "PJSIP/15550003333-00000061",
		"Uniqueid", "1756500071.83",
		"Linkedid", "1756500071.83",
		"TrackingID", rec.TrackingID,
	))
	// Later events resolve through the freshly bound provider ids.
	h.eng.Process(ringingEvent("1756500071.83", "PJSIP/15550003333-00000061"))
	h.eng.Process(hangupEvent("1756500071.83", "PJSIP/15550003333-00000061", "16"))
	h.flush()

	ts := h.mock.TransitionsFor(rec.ID)
	if len(ts) != 3 {
		t.Fatalf("expected 3 transitions, got %d: %+v", len(ts), ts)
	}
	if ts[2].To != call.StateFailed {
		t.Errorf("expected failed (never bridged), got %s", ts[2].To)
	}
	if m := h.eng.Metrics(); m.OrphanedEvents != 0 {
		t.Errorf("expected no orphans, got %d", m.OrphanedEvents)
	}
}

func TestOrphanEventDroppedAfterWindow(t *testing.T) {
	h := newHarness(t, Options{OrphanWindow: 2 * time.Second})
	h.register(t)

	h.eng.Process(ringingEvent("9999.1", "PJSIP/stranger-00000099"))

	// Within the window nothing is counted yet.
	h.eng.Process(ami.NewEvent("Event", "FullyBooted"))
	if m := h.eng.Metrics(); m.OrphanedEvents != 0 {
		t.Fatalf("orphan counted before window elapsed: %d", m.OrphanedEvents)
	}

	h.now = h.now.Add(3 * time.Second)
	h.eng.Process(ami.NewEvent("Event", "FullyBooted"))
	if m := h.eng.Metrics(); m.OrphanedEvents != 1 {
		t.Errorf("expected 1 orphaned event, got %d", m.OrphanedEvents)
	}
}

func TestOrphanResolvesOnRetry(t *testing.T) {
	h := newHarness(t, Options{OrphanWindow: 2 * time.Second})
	rec := h.register(t)

	// The ringing event outruns the binding that would resolve it.
	h.eng.Process(ringingEvent("1756500100.10", "PJSIP/15550004444-00000071"))

	h.eng.Process(ami.NewEvent(
		"Event", "UserEvent",
		"UserEvent", "CampaignLeg",
		"Uniqueid", "1756500100.10",
		"TrackingID", rec.TrackingID,
	))

	h.now = h.now.Add(3 * time.Second)
	h.eng.Process(ami.NewEvent("Event", "FullyBooted"))
	h.flush()

	ts := h.mock.TransitionsFor(rec.ID)
	if len(ts) != 2 { // dialing, ringing
		t.Fatalf("expected replayed orphan to advance the call, got %+v", ts)
	}
	if ts[1].To != call.StateRinging {
		t.Errorf("expected ringing, got %s", ts[1].To)
	}
	if m := h.eng.Metrics(); m.OrphanedEvents != 0 {
		t.Errorf("expected no dropped orphans, got %d", m.OrphanedEvents)
	}
}

func TestWatchdogFiresFakeResponse(t *testing.T) {
	h := newHarness(t, Options{RingTimeout: 45 * time.Second})
	rec := h.register(t)

	h.eng.Process(ringingEvent(rec.ID, "PJSIP/15550005555-00000081"))

	// Just inside the deadline nothing fires.
	h.now = h.now.Add(44 * time.Second)
	h.eng.housekeep()
	if m := h.eng.Metrics(); m.FakeResponses != 0 {
		t.Fatalf("watchdog fired before the deadline: %d", m.FakeResponses)
	}

	h.now = h.now.Add(2 * time.Second)
	h.eng.housekeep()
	h.flush()

	got, _ := h.eng.Record(rec.ID)
	if got.State != call.StateFakeResponse {
		t.Errorf("expected fake_response, got %s", got.State)
	}
	ts := h.mock.TransitionsFor(rec.ID)
	if final := ts[len(ts)-1]; final.Outcome != call.OutcomeFakeResponse {
		t.Errorf("expected outcome %s, got %s", call.OutcomeFakeResponse, final.Outcome)
	}
	if m := h.eng.Metrics(); m.FakeResponses != 1 {
		t.Errorf("expected 1 fake response, got %d", m.FakeResponses)
	}
}

func TestWatchdogDisarmedByBridge(t *testing.T) {
	h := newHarness(t, Options{RingTimeout: 45 * time.Second})
	rec := h.register(t)
	channel := "PJSIP/15550006666-00000091"

	h.eng.Process(ringingEvent(rec.ID, channel))
	h.eng.Process(ami.NewEvent(
		"Event", "BridgeEnter",
		"Channel", channel,
		"ChannelStateDesc", "Up",
		"Uniqueid", rec.ID,
		"BridgeUniqueid", "br-9",
		"BridgeNumChannels", "2",
	))

	// Long past the deadline the bridged call must stay bridged.
	h.now = h.now.Add(time.Minute)
	h.eng.housekeep()

	if m := h.eng.Metrics(); m.FakeResponses != 0 {
		t.Errorf("bridged call classified fake: %d", m.FakeResponses)
	}
	got, _ := h.eng.Record(rec.ID)
	if got.State != call.StateBridged {
		t.Errorf("expected bridged, got %s", got.State)
	}
}

func TestTerminalRecordsRetiredAfterRetention(t *testing.T) {
	h := newHarness(t, Options{})

	var recs []*call.Record
	for i := 0; i < 3; i++ {
		rec := call.NewRecord("camp-1", i+1, "+15550001234", "+15550009999", "trunk-main", h.now)
		h.eng.Register(rec)
		recs = append(recs, rec)
	}
	for i, rec := range recs {
		channel := fmt.Sprintf("PJSIP/15550001234-%08d", i)
		h.eng.Process(ringingEvent(rec.ID, channel))
		h.eng.Process(hangupEvent(rec.ID, channel, "17"))
	}
	h.flush()

	if m := h.eng.Metrics(); m.ActiveRecords != 3 {
		t.Fatalf("expected 3 records inside the retention window, got %d", m.ActiveRecords)
	}

	// Once retention elapses the ledger purge takes the record entries
	// with it, so a daemon dialing campaign after campaign stays flat.
	h.now = h.now.Add(31 * time.Second)
	h.eng.housekeep()

	if m := h.eng.Metrics(); m.ActiveRecords != 0 {
		t.Errorf("expected 0 records after retention elapsed, got %d", m.ActiveRecords)
	}
	if _, ok := h.eng.Record(recs[0].ID); ok {
		t.Error("retired record still resolvable")
	}
}

func TestOriginateResponseFailure(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.register(t)

	// A success verdict duplicates the action response and carries no
	// transition of its own.
	h.eng.Process(ami.NewEvent(
		"Event", "OriginateResponse",
		"ActionID", rec.ActionID,
		"Response", "Success",
		"Uniqueid", rec.ID,
	))
	if got, _ := h.eng.Record(rec.ID); got.State != call.StatePending {
		t.Fatalf("success verdict moved the record to %s", got.State)
	}

	// A failed async originate may be the only signal the leg ever
	// produces; the verdict alone must fail the record.
	h.eng.Process(ami.NewEvent(
		"Event", "OriginateResponse",
		"ActionID", rec.ActionID,
		"Response", "Failure",
		"Reason", "5",
	))
	h.flush()

	got, _ := h.eng.Record(rec.ID)
	if got.State != call.StateFailed {
		t.Errorf("expected failed, got %s", got.State)
	}
	ts := h.mock.TransitionsFor(rec.ID)
	if len(ts) != 1 || ts[0].Outcome != call.OutcomeOriginateFailed {
		t.Errorf("expected a single originate-failure transition, got %+v", ts)
	}
}

func TestUnknownCallCounted(t *testing.T) {
	h := newHarness(t, Options{})
	h.eng.Apply("no-such-call", call.Input{Kind: call.KindHangup, At: testTime})
	if m := h.eng.Metrics(); m.UnknownCalls != 1 {
		t.Errorf("expected 1 unknown call, got %d", m.UnknownCalls)
	}
}

func TestRingingBridgeEnterIgnored(t *testing.T) {
	// A channel parked ringing in a holding bridge must not count as a
	// conversation.
	h := newHarness(t, Options{})
	rec := h.register(t)
	channel := "PJSIP/15550007777-000000a1"

	h.eng.Process(ringingEvent(rec.ID, channel))
	h.eng.Process(ami.NewEvent(
		"Event", "BridgeEnter",
		"Channel", channel,
		"ChannelStateDesc", "Ringing",
		"Uniqueid", rec.ID,
		"BridgeUniqueid", "br-hold",
		"BridgeNumChannels", "2",
	))

	got, _ := h.eng.Record(rec.ID)
	if got.State != call.StateRinging {
		t.Errorf("expected ringing, got %s", got.State)
	}
}
