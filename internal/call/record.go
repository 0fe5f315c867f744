package call

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// progressCap bounds the per-record trail of observed progress signals kept
// for fake-response diagnosis.
const progressCap = 16

// ProgressEvent is one observed control-plane signal on a call.
type ProgressEvent struct {
	Kind   EventKind
	Detail string
	At     time.Time
}

// Record is one outbound call attempt. Identifiers fill in as the PBX
// assigns them; State advances monotonically and sticks once terminal.
type Record struct {
	ID          string
	CampaignID  string
	Sequence    int
	Destination string
	CallerID    string
	Trunk       string

	State State

	// Channel is assigned when the PBX creates the leg; set exactly once.
	Channel  string
	UniqueID string
	LinkedID string
	BridgeID string

	// TrackingID is the application identifier embedded in channel
	// variables so dialplan-side events can echo it back.
	TrackingID string
	ActionID   string

	Progress []ProgressEvent

	StartTime time.Time
	EndTime   time.Time

	// Outcome is the terminal disposition code; Cause carries the mapped
	// hangup cause name where one applies.
	Outcome   string
	Cause     string
	CauseCode int

	// answerConfirmed is set only by a dial-result answer. A channel
	// merely reporting state Up does not count as a confirmed answer for
	// fake-response purposes.
	answerConfirmed bool
}

// NewRecord creates a PENDING record with generated identifiers.
func NewRecord(campaignID string, seq int, destination, callerID, trunk string, now time.Time) *Record {
	id := uuid.NewString()
	return &Record{
		ID:          id,
		CampaignID:  campaignID,
		Sequence:    seq,
		Destination: destination,
		CallerID:    callerID,
		Trunk:       trunk,
		State:       StatePending,
		TrackingID:  fmt.Sprintf("JKD1.%d", seq),
		ActionID:    "originate_" + id,
		StartTime:   now,
	}
}

// DialString returns the PBX channel expression for this attempt.
func (r *Record) DialString() string {
	return fmt.Sprintf("PJSIP/%s@%s", r.Destination, r.Trunk)
}

func (r *Record) observe(kind EventKind, detail string, at time.Time) {
	if len(r.Progress) >= progressCap {
		return
	}
	r.Progress = append(r.Progress, ProgressEvent{Kind: kind, Detail: detail, At: at})
}

// noteIdentifiers captures any identifiers the input carries. Channel is
// mutable exactly once; the rest fill in when first seen.
func (r *Record) noteIdentifiers(in Input) {
	if r.Channel == "" && in.Channel != "" {
		r.Channel = in.Channel
	}
	if r.UniqueID == "" && in.UniqueID != "" {
		r.UniqueID = in.UniqueID
	}
	if r.LinkedID == "" && in.LinkedID != "" {
		r.LinkedID = in.LinkedID
	}
	if r.BridgeID == "" && in.BridgeID != "" {
		r.BridgeID = in.BridgeID
	}
}
