package dialer

import "testing"

func TestValidDestination(t *testing.T) {
	tests := []struct {
		number string
		valid  bool
	}{
		{"+15550001234", true},
		{"+442071838750", true},
		{"+8613800138000", true},
		{"+1", false},                // too short
		{"+0155500012", false},       // leading zero country code
		{"15550001234", false},       // missing plus
		{"+1555000123456789", false}, // over 15 digits
		{"+1555-000-1234", false},    // separators
		{"+1555 000 1234", false},    // spaces
		{"", false},
		{"call-me", false},
	}
	for _, tt := range tests {
		if got := ValidDestination(tt.number); got != tt.valid {
			t.Errorf("ValidDestination(%q) = %v, expected %v", tt.number, got, tt.valid)
		}
	}
}

func TestCountersSum(t *testing.T) {
	c := Counters{Total: 10, Pending: 2, InFlight: 3, Answered: 1, Bridged: 2, Failed: 1, FakeResponse: 1}
	if c.Sum() != 10 {
		t.Errorf("expected sum 10, got %d", c.Sum())
	}
}
