package call

import "time"

// Transition is one applied state change. Every transition is reported to
// the outcome sink and to campaign bookkeeping exactly once.
type Transition struct {
	CallID      string
	CampaignID  string
	Destination string
	From        State
	To          State
	Outcome     string
	Cause       string
	CauseCode   int
	BridgeID    string
	At          time.Time
}

// Final reports whether this transition reached a terminal state.
func (t Transition) Final() bool {
	return t.To.Terminal()
}

// Apply advances a record by one classified input and returns the resulting
// transitions, in order. A single input can yield several transitions when
// it proves a later lifecycle stage was reached (a bridge join observed
// while the call is still marked ringing implies the answer as well).
//
// Terminal records absorb everything: duplicate delivery of a terminal
// event produces no transitions, which is what makes downstream persistence
// and counter updates exactly-once.
func Apply(r *Record, in Input) []Transition {
	if r.State.Terminal() {
		return nil
	}
	r.noteIdentifiers(in)

	switch in.Kind {
	case KindOriginateAccepted:
		if r.State != StatePending {
			return nil
		}
		return climb(r, StateDialing, in)

	case KindOriginateFailed:
		cause := in.Cause
		if cause == "" {
			cause = OutcomeOriginateFailed
		}
		return fail(r, cause, cause, in)

	case KindChannelCreated:
		r.observe(KindChannelCreated, in.Channel, in.At)
		return nil

	case KindProgress:
		r.observe(KindProgress, "ringing", in.At)
		return climb(r, StateRinging, in)

	case KindChannelUp:
		r.observe(KindChannelUp, "up", in.At)
		return climb(r, StateAnswered, in)

	case KindDialResult:
		r.observe(KindDialResult, in.DialStatus, in.At)
		if in.DialStatus == "ANSWER" {
			r.answerConfirmed = true
			return climb(r, StateAnswered, in)
		}
		if outcome, ok := dialStatusOutcome[in.DialStatus]; ok {
			return fail(r, outcome, outcome, in)
		}
		// Unknown dial status: recorded, otherwise ignored.
		return nil

	case KindBridgeJoin:
		if in.NumChannels > 0 && in.NumChannels < 2 {
			// A lone channel in a bridge is not a conversation.
			r.observe(KindBridgeJoin, "single_channel", in.At)
			return nil
		}
		r.observe(KindBridgeJoin, in.BridgeID, in.At)
		return climb(r, StateBridged, in)

	case KindHangup:
		return applyHangup(r, in)

	case KindRingTimeout:
		return applyRingTimeout(r, in)
	}

	return nil
}

// climb walks the record up the lifecycle ladder to the target state,
// emitting one transition per rung so no step of the graph is skipped.
func climb(r *Record, target State, in Input) []Transition {
	from, to := rung(r.State), rung(target)
	if from < 0 || to <= from {
		return nil
	}
	var out []Transition
	for i := from + 1; i <= to; i++ {
		out = append(out, step(r, ladder[i], "", "", in))
	}
	return out
}

func applyHangup(r *Record, in Input) []Transition {
	cause := causeName(in.CauseCode)
	r.CauseCode = in.CauseCode
	r.observe(KindHangup, cause, in.At)

	switch r.State {
	case StateBridged:
		// Bridge confirmation is the sole authority for "connected".
		return complete(r, OutcomeCompleted, cause, in)
	case StateAnswered:
		// Answered but never bridged: failed, regardless of how long
		// the far end kept the channel up.
		return fail(r, OutcomeAnsweredNoBridge, cause, in)
	default:
		return fail(r, OutcomeHangup, cause, in)
	}
}

// applyRingTimeout handles the fake-response watchdog. It only fires when
// the call showed progress but nothing ever confirmed a genuine connection:
// no dial-result answer and no bridge.
func applyRingTimeout(r *Record, in Input) []Transition {
	if r.answerConfirmed || r.BridgeID != "" {
		return nil
	}
	if r.State != StateRinging && r.State != StateAnswered {
		return nil
	}
	r.observe(KindRingTimeout, "watchdog", in.At)
	return terminate(r, StateFakeResponse, OutcomeFakeResponse, OutcomeFakeResponse, in)
}

func complete(r *Record, outcome, cause string, in Input) []Transition {
	return terminate(r, StateCompleted, outcome, cause, in)
}

func fail(r *Record, outcome, cause string, in Input) []Transition {
	return terminate(r, StateFailed, outcome, cause, in)
}

func terminate(r *Record, to State, outcome, cause string, in Input) []Transition {
	r.Outcome = outcome
	r.EndTime = in.At
	return []Transition{step(r, to, outcome, cause, in)}
}

func step(r *Record, to State, outcome, cause string, in Input) Transition {
	t := Transition{
		CallID:      r.ID,
		CampaignID:  r.CampaignID,
		Destination: r.Destination,
		From:        r.State,
		To:          to,
		Outcome:     outcome,
		Cause:       cause,
		CauseCode:   r.CauseCode,
		BridgeID:    r.BridgeID,
		At:          in.At,
	}
	r.State = to
	if cause != "" {
		r.Cause = cause
	}
	return t
}
