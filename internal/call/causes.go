package call

// HangupCause maps Asterisk hangup cause codes to names and descriptions.
var HangupCause = map[int]struct {
	Name        string
	Description string
}{
	0:   {"unknown", "Unknown or no cause provided"},
	16:  {"normal_clearing", "The call was hung up normally by one of the parties"},
	17:  {"user_busy", "The destination was busy"},
	18:  {"no_answer", "The destination did not answer"},
	19:  {"no_answer", "The destination did not answer within the timeout"},
	21:  {"call_rejected", "The call was rejected by the destination"},
	31:  {"normal_unspecified", "Normal call clearing, unspecified cause"},
	34:  {"congestion", "All circuits are busy or no circuit is available"},
	127: {"interworking", "An interworking error occurred"},
}

func causeName(code int) string {
	if info, ok := HangupCause[code]; ok {
		return info.Name
	}
	return "unknown"
}

// dialStatusOutcome maps terminal DialEnd statuses to outcome codes.
// ANSWER is handled separately; unknown statuses are ignored for
// forward-compatibility.
var dialStatusOutcome = map[string]string{
	"BUSY":        OutcomeBusy,
	"NOANSWER":    OutcomeNoAnswer,
	"CONGESTION":  OutcomeCongestion,
	"CHANUNAVAIL": OutcomeUnavailable,
	"CANCEL":      OutcomeCancelled,
}

// Terminal outcome codes.
const (
	OutcomeCompleted        = "completed"
	OutcomeBusy             = "busy"
	OutcomeNoAnswer         = "no_answer"
	OutcomeCongestion       = "congestion"
	OutcomeUnavailable      = "unavailable"
	OutcomeCancelled        = "cancelled"
	OutcomeAnsweredNoBridge = "answered_no_bridge"
	OutcomeOriginateFailed  = "originate_failed"
	OutcomeTransportFailed  = "transport_failed"
	OutcomeFakeResponse     = "fake_response"
	OutcomeHangup           = "hangup"
)
