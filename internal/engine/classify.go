package engine

import (
	"github.com/sweeney/asterisk-dialer/internal/ami"
	"github.com/sweeney/asterisk-dialer/internal/call"
	"github.com/sweeney/asterisk-dialer/internal/ledger"
)

// classified is a raw AMI event reduced to the identifiers it carries and
// the state-machine input it implies.
type classified struct {
	// callID is set when the event carries our inherited CallID channel
	// variable and needs no ledger lookup at all.
	callID string

	// lookup keys, tried in order through the single ledger path.
	keys []ledger.Key

	// identifiers to bind to the resolved call.
	binds []ledger.Key

	input call.Input
}

// classify reduces a raw event. ok is false for event types the dialer does
// not recognize; those are ignored for forward-compatibility.
func classify(evt ami.Event) (classified, bool) {
	channel := evt.Get("Channel")
	uniqueID := evt.Get("Uniqueid")
	linkedID := evt.Get("Linkedid")

	c := classified{
		callID: evt.Get("CallID"),
		input: call.Input{
			Channel:  channel,
			UniqueID: uniqueID,
			LinkedID: linkedID,
		},
	}

	addKey := func(kind ledger.Kind, value string) {
		if value != "" {
			c.keys = append(c.keys, ledger.Key{Kind: kind, Value: value})
		}
	}
	addBind := func(kind ledger.Kind, value string) {
		if value != "" {
			c.binds = append(c.binds, ledger.Key{Kind: kind, Value: value})
		}
	}

	// One resolution order for every event type: provider ids first,
	// then names, then application ids.
	addKey(ledger.KindUniqueID, uniqueID)
	addKey(ledger.KindLinkedID, linkedID)
	addKey(ledger.KindChannel, channel)
	addKey(ledger.KindTrackingID, evt.Get("TrackingID"))
	addKey(ledger.KindActionID, evt.ActionID())

	addBind(ledger.KindUniqueID, uniqueID)
	addBind(ledger.KindLinkedID, linkedID)
	addBind(ledger.KindChannel, channel)

	switch evt.Type() {
	case "Newchannel":
		c.input.Kind = call.KindChannelCreated

	case "Newstate":
		switch evt.Get("ChannelStateDesc") {
		case "Ringing", "Ring":
			c.input.Kind = call.KindProgress
		case "Up":
			c.input.Kind = call.KindChannelUp
		default:
			return classified{}, false
		}

	case "DialBegin":
		// The outbound leg exists now; capture its identifiers so later
		// events on that leg resolve.
		c.input.Kind = call.KindChannelCreated
		addKey(ledger.KindUniqueID, evt.Get("DestUniqueid"))
		addBind(ledger.KindUniqueID, evt.Get("DestUniqueid"))
		addBind(ledger.KindChannel, evt.Get("DestChannel"))

	case "DialEnd":
		c.input.Kind = call.KindDialResult
		c.input.DialStatus = evt.Get("DialStatus")
		addKey(ledger.KindUniqueID, evt.Get("DestUniqueid"))
		addBind(ledger.KindUniqueID, evt.Get("DestUniqueid"))

	case "BridgeEnter":
		// Only an Up channel joining counts; a ringing channel parked in
		// a holding bridge is not a conversation.
		if evt.Get("ChannelStateDesc") != "Up" && evt.Get("ChannelState") != "6" {
			return classified{}, false
		}
		c.input.Kind = call.KindBridgeJoin
		c.input.BridgeID = evt.Get("BridgeUniqueid")
		c.input.NumChannels = evt.GetInt("BridgeNumChannels")
		addKey(ledger.KindBridgeID, c.input.BridgeID)
		addBind(ledger.KindBridgeID, c.input.BridgeID)

	case "Hangup":
		c.input.Kind = call.KindHangup
		c.input.CauseCode = evt.GetInt("Cause")

	case "OriginateResponse":
		// The async originate verdict. Success duplicates the action
		// response the scheduler already applied; the failure matters,
		// since a leg that never came up may never produce a Hangup.
		if evt.Get("Response") != "Failure" {
			return classified{}, false
		}
		c.input.Kind = call.KindOriginateFailed
		c.input.Cause = call.OutcomeOriginateFailed

	case "UserEvent":
		// Dialplan-side custom events echo our variables back; they carry
		// no transition of their own but tie identifiers together.
		c.input.Kind = call.KindChannelCreated

	default:
		return classified{}, false
	}

	return c, true
}
