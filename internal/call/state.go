package call

import "time"

// State is the lifecycle state of one outbound call attempt.
type State string

const (
	StatePending      State = "pending"
	StateDialing      State = "dialing"
	StateRinging      State = "ringing"
	StateAnswered     State = "answered"
	StateBridged      State = "bridged"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateFakeResponse State = "fake_response"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateFakeResponse:
		return true
	}
	return false
}

// InFlight reports whether the call occupies a scheduler slot. A bridged
// call no longer loads the origination path and frees its slot.
func (s State) InFlight() bool {
	switch s {
	case StateDialing, StateRinging, StateAnswered:
		return true
	}
	return false
}

// ladder is the canonical non-terminal progression. Transitions that learn
// about a later rung before an earlier one (a bridge seen while still
// ringing) walk the ladder step by step so the graph is never skipped.
var ladder = []State{StatePending, StateDialing, StateRinging, StateAnswered, StateBridged}

func rung(s State) int {
	for i, l := range ladder {
		if l == s {
			return i
		}
	}
	return -1
}

// EventKind classifies the control-plane signals the state machine consumes.
type EventKind string

const (
	KindOriginateAccepted EventKind = "originate_accepted"
	KindOriginateFailed   EventKind = "originate_failed"
	KindChannelCreated    EventKind = "channel_created"
	KindProgress          EventKind = "progress"
	KindChannelUp         EventKind = "channel_up"
	KindDialResult        EventKind = "dial_result"
	KindBridgeJoin        EventKind = "bridge_join"
	KindHangup            EventKind = "hangup"
	KindRingTimeout       EventKind = "ring_timeout"
)

// Input is one classified signal applied to a record.
type Input struct {
	Kind EventKind

	// DialStatus carries the DialEnd result (ANSWER, BUSY, NOANSWER,
	// CONGESTION, CHANUNAVAIL, CANCEL) for KindDialResult.
	DialStatus string

	// Cause names the failure for KindOriginateFailed.
	Cause string

	// CauseCode is the Asterisk hangup cause for KindHangup.
	CauseCode int

	Channel     string
	UniqueID    string
	LinkedID    string
	BridgeID    string
	NumChannels int

	At time.Time
}
