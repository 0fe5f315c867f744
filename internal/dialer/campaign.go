package dialer

import (
	"regexp"
	"sync"

	"github.com/sweeney/asterisk-dialer/internal/call"
)

// CampaignSpec is a submitted batch of destinations.
type CampaignSpec struct {
	Name         string   `yaml:"name"`
	Destinations []string `yaml:"destinations"`
	Ceiling      int      `yaml:"ceiling"`
	CallerID     string   `yaml:"caller_id"`
	Trunk        string   `yaml:"trunk"`
}

// Counters is a snapshot of a campaign's aggregate state. Each accepted
// destination occupies exactly one bucket, so
// Pending+InFlight+Answered+Bridged+Failed+FakeResponse == Total after
// every processed event.
type Counters struct {
	Total        int
	Invalid      int
	Pending      int
	InFlight     int
	Answered     int
	Bridged      int
	Failed       int
	FakeResponse int
}

// Sum adds the live buckets; it must always equal Total.
func (c Counters) Sum() int {
	return c.Pending + c.InFlight + c.Answered + c.Bridged + c.Failed + c.FakeResponse
}

// rxDestination validates E.164 numbers, the shape the trunks accept.
var rxDestination = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidDestination reports whether a destination is a plausible E.164
// number. Invalid entries are excluded at submission, counted, and never
// become call records.
func ValidDestination(number string) bool {
	return rxDestination.MatchString(number)
}

// campaign is the scheduler's private bookkeeping for one batch.
type campaign struct {
	id       string
	name     string
	ceiling  int
	callerID string
	trunk    string

	mu        sync.Mutex
	records   []*call.Record
	next      int
	admitted  map[string]bool // call ids holding a concurrency slot
	occupied  int
	terminal  int
	paused    bool
	cancelled bool
	counters  Counters

	wake chan struct{}
	done chan struct{}
}

func (c *campaign) wakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *campaign) finished() bool {
	return c.terminal == c.counters.Total
}
