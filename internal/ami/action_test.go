package ami_test

import (
	"strings"
	"testing"

	"github.com/sweeney/asterisk-dialer/internal/ami"
)

func TestActionMarshal(t *testing.T) {
	a := ami.NewAction("Originate")
	a.Set("ActionID", "originate_abc")
	a.Set("Channel", "PJSIP/+15550001234@trunk-main")
	a.Set("Context", "autodial-ivr")
	a.Set("Exten", "s")
	a.SetInt("Priority", 1)
	a.Set("Async", "true")
	a.SetInt("Timeout", 45000)

	got := string(a.Marshal())
	want := "Action: Originate\r\n" +
		"ActionID: originate_abc\r\n" +
		"Channel: PJSIP/+15550001234@trunk-main\r\n" +
		"Context: autodial-ivr\r\n" +
		"Exten: s\r\n" +
		"Priority: 1\r\n" +
		"Async: true\r\n" +
		"Timeout: 45000\r\n" +
		"\r\n"
	if got != want {
		t.Errorf("marshal mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestActionVariableHeadersRepeat(t *testing.T) {
	a := ami.NewAction("Originate")
	a.Variable("__CallID", "abc-123")
	a.Variable("__CampaignID", "camp-1")
	a.Variable("__TrackingID", "JKD1.7")

	got := string(a.Marshal())
	if n := strings.Count(got, "Variable: "); n != 3 {
		t.Fatalf("expected 3 Variable headers, got %d in %q", n, got)
	}
	if !strings.Contains(got, "Variable: __CallID=abc-123\r\n") {
		t.Errorf("missing CallID variable in %q", got)
	}
	if !strings.Contains(got, "Variable: __TrackingID=JKD1.7\r\n") {
		t.Errorf("missing TrackingID variable in %q", got)
	}
}

func TestActionRoundTripThroughParser(t *testing.T) {
	a := ami.NewAction("Login")
	a.Set("ActionID", "login_1")
	a.Set("Username", "dialer")
	a.Set("Secret", "hunter2")

	events := ami.ParseBytes(a.Marshal())
	if len(events) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(events))
	}
	if got := events[0].Get("Action"); got != "Login" {
		t.Errorf("expected Action=Login, got %q", got)
	}
	if got := events[0].ActionID(); got != "login_1" {
		t.Errorf("expected ActionID=login_1, got %q", got)
	}
}
