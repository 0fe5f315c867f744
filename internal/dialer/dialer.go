// Package dialer schedules campaign originations under a concurrency
// ceiling. It pre-creates one pending call record per valid destination,
// admits them as slots free up, retries transport failures with backoff,
// and keeps campaign counters from the engine's transition notifications —
// never by polling raw events.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/asterisk-dialer/internal/ami"
	"github.com/sweeney/asterisk-dialer/internal/call"
	"github.com/sweeney/asterisk-dialer/internal/sink"
)

// ErrUnknownCampaign is returned for operations on campaign ids the
// scheduler does not track.
var ErrUnknownCampaign = errors.New("dialer: unknown campaign")

// Engine is the slice of the call engine the scheduler needs.
type Engine interface {
	Register(rec *call.Record)
	Apply(callID string, in call.Input)
	OnTransition(fn func(call.Transition))
	Backlog() int
}

// Transport issues AMI actions. Errors are transport-level and retried;
// an error response from the PBX is a rejected origination, not retried.
type Transport interface {
	Send(ctx context.Context, a *ami.Action) (ami.Event, error)
}

// Options configures a Dialer.
type Options struct {
	DefaultCeiling int // per-campaign, default 5
	GlobalCeiling  int // across campaigns, 0 = unlimited

	RetryLimit   int           // transport retries per origination, default 3
	RetryBackoff time.Duration // initial, doubling, default 2s
	RetryMax     time.Duration // backoff cap, default 30s

	OriginateTimeout time.Duration // PBX-side dial timeout, default 45s

	// Dialplan hand-off after answer.
	Context  string
	Exten    string
	Priority int

	// BacklogHighWater pauses admission while the engine's sink queue is
	// above this depth.
	BacklogHighWater int

	// AdmitInterval bounds how long a stalled admission loop waits before
	// re-checking slots and backlog.
	AdmitInterval time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.DefaultCeiling <= 0 {
		out.DefaultCeiling = 5
	}
	if out.RetryLimit <= 0 {
		out.RetryLimit = 3
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 2 * time.Second
	}
	if out.RetryMax <= 0 {
		out.RetryMax = 30 * time.Second
	}
	if out.OriginateTimeout <= 0 {
		out.OriginateTimeout = 45 * time.Second
	}
	if out.Context == "" {
		out.Context = "autodial-ivr"
	}
	if out.Exten == "" {
		out.Exten = "s"
	}
	if out.Priority <= 0 {
		out.Priority = 1
	}
	if out.BacklogHighWater <= 0 {
		out.BacklogHighWater = 512
	}
	if out.AdmitInterval <= 0 {
		out.AdmitInterval = 250 * time.Millisecond
	}
	return out
}

// Dialer runs campaigns. Create one per process with New.
type Dialer struct {
	opts     Options
	eng      Engine
	tr       Transport
	notifier sink.Notifier // optional

	mu        sync.RWMutex
	campaigns map[string]*campaign
	byCall    map[string]*campaign

	global         atomic.Int64
	retryExhausted atomic.Uint64
}

// New creates a Dialer and subscribes it to the engine's transitions.
func New(eng Engine, tr Transport, notifier sink.Notifier, opts Options) *Dialer {
	d := &Dialer{
		opts:      opts.withDefaults(),
		eng:       eng,
		tr:        tr,
		notifier:  notifier,
		campaigns: make(map[string]*campaign),
		byCall:    make(map[string]*campaign),
	}
	eng.OnTransition(d.onTransition)
	return d
}

// Submit validates the spec, pre-creates one pending record per valid
// destination and returns immediately with the campaign id and the
// accepted/invalid counts. Origination proceeds asynchronously until the
// campaign finishes, is cancelled, or ctx ends.
func (d *Dialer) Submit(ctx context.Context, spec CampaignSpec) (id string, accepted, invalid int, err error) {
	if len(spec.Destinations) == 0 {
		return "", 0, 0, fmt.Errorf("dialer: campaign %q has no destinations", spec.Name)
	}

	ceiling := spec.Ceiling
	if ceiling <= 0 {
		ceiling = d.opts.DefaultCeiling
	}

	c := &campaign{
		id:       uuid.NewString(),
		name:     spec.Name,
		ceiling:  ceiling,
		callerID: spec.CallerID,
		trunk:    spec.Trunk,
		admitted: make(map[string]bool),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	now := time.Now()
	seq := 0
	for _, dest := range spec.Destinations {
		if !ValidDestination(dest) {
			c.counters.Invalid++
			continue
		}
		seq++
		rec := call.NewRecord(c.id, seq, dest, spec.CallerID, spec.Trunk, now)
		c.records = append(c.records, rec)
	}
	c.counters.Total = len(c.records)
	c.counters.Pending = len(c.records)
	if c.counters.Total == 0 {
		return "", 0, c.counters.Invalid, fmt.Errorf("dialer: campaign %q has no valid destinations", spec.Name)
	}

	d.mu.Lock()
	d.campaigns[c.id] = c
	for _, rec := range c.records {
		d.byCall[rec.ID] = c
	}
	d.mu.Unlock()

	for _, rec := range c.records {
		d.eng.Register(rec)
	}

	log.Printf("campaign %s (%s): %d accepted, %d invalid, ceiling %d",
		c.id, c.name, c.counters.Total, c.counters.Invalid, ceiling)

	go d.run(ctx, c)
	return c.id, c.counters.Total, c.counters.Invalid, nil
}

// run is the per-campaign admission loop.
func (d *Dialer) run(ctx context.Context, c *campaign) {
	for {
		d.admit(ctx, c)
		select {
		case <-c.wake:
		case <-time.After(d.opts.AdmitInterval):
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// admit starts originations until the ceiling, the global ceiling, the
// sink backlog, or the destination list stops it.
func (d *Dialer) admit(ctx context.Context, c *campaign) {
	for {
		if d.eng.Backlog() > d.opts.BacklogHighWater {
			return
		}
		if d.opts.GlobalCeiling > 0 && d.global.Load() >= int64(d.opts.GlobalCeiling) {
			return
		}

		c.mu.Lock()
		if c.paused || c.cancelled || c.next >= len(c.records) || c.occupied >= c.ceiling {
			c.mu.Unlock()
			return
		}
		rec := c.records[c.next]
		c.next++
		c.occupied++
		c.admitted[rec.ID] = true
		c.mu.Unlock()
		d.global.Add(1)

		go d.originate(ctx, c, rec)
	}
}

// originate sends one Originate action, retrying transport failures with
// doubling backoff. Exhausting retries fails the record and the campaign
// moves on.
func (d *Dialer) originate(ctx context.Context, c *campaign, rec *call.Record) {
	c.mu.Lock()
	cancelled := c.cancelled
	c.mu.Unlock()
	if cancelled {
		d.eng.Apply(rec.ID, call.Input{Kind: call.KindOriginateFailed, Cause: call.OutcomeCancelled})
		return
	}

	action := d.buildOriginate(rec, c.id)
	backoff := d.opts.RetryBackoff

	for attempt := 0; ; attempt++ {
		resp, err := d.tr.Send(ctx, action)
		if err == nil {
			if !resp.IsSuccess() {
				log.Printf("originate rejected for %s: %s", rec.Destination, resp.Message())
				d.eng.Apply(rec.ID, call.Input{Kind: call.KindOriginateFailed, Cause: call.OutcomeOriginateFailed})
				return
			}
			d.eng.Apply(rec.ID, call.Input{Kind: call.KindOriginateAccepted})
			return
		}

		if attempt >= d.opts.RetryLimit || ctx.Err() != nil {
			d.retryExhausted.Add(1)
			log.Printf("originate to %s failed after %d attempts: %v", rec.Destination, attempt+1, err)
			d.eng.Apply(rec.ID, call.Input{Kind: call.KindOriginateFailed, Cause: call.OutcomeTransportFailed})
			return
		}

		log.Printf("originate to %s: transport error: %v, retrying in %s", rec.Destination, err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		backoff *= 2
		if backoff > d.opts.RetryMax {
			backoff = d.opts.RetryMax
		}
	}
}

// buildOriginate populates the origination request: the dial string, the
// dialplan hand-off, and the inherited channel variables the far end
// echoes back for correlation.
func (d *Dialer) buildOriginate(rec *call.Record, campaignID string) *ami.Action {
	return ami.NewAction("Originate").
		Set("ActionID", rec.ActionID).
		Set("Channel", rec.DialString()).
		Set("Context", d.opts.Context).
		Set("Exten", d.opts.Exten).
		SetInt("Priority", d.opts.Priority).
		Set("CallerID", fmt.Sprintf("%q <%s>", rec.CallerID, rec.CallerID)).
		Set("Async", "true").
		SetInt("Timeout", int(d.opts.OriginateTimeout.Milliseconds())).
		Set("ChannelId", rec.ID).
		Variable("__CallID", rec.ID).
		Variable("__CampaignID", campaignID).
		Variable("__TrackingID", rec.TrackingID).
		Variable("__SequenceNumber", fmt.Sprintf("%d", rec.Sequence)).
		Variable("__OriginalTargetNumber", rec.Destination).
		Variable("__Origin", "autodial")
}

// onTransition is the engine subscription: it moves campaign counters
// between buckets, releases concurrency slots, and detects completion.
// The scheduler owns the aggregate counters; nothing else writes them.
func (d *Dialer) onTransition(t call.Transition) {
	d.mu.RLock()
	c := d.byCall[t.CallID]
	d.mu.RUnlock()
	if c == nil {
		return
	}

	finished := false
	c.mu.Lock()
	moveBucket(&c.counters, call.Bucket(t.From), call.Bucket(t.To))
	if c.admitted[t.CallID] && !t.To.InFlight() && t.To != call.StatePending {
		delete(c.admitted, t.CallID)
		c.occupied--
		d.global.Add(-1)
	}
	if t.Final() {
		c.terminal++
		if c.finished() {
			finished = true
			close(c.done)
		}
	}
	c.mu.Unlock()

	// A terminal call gets no further transitions, so its index entry can
	// go now; the campaign itself stays until Forget.
	if t.Final() {
		d.mu.Lock()
		delete(d.byCall, t.CallID)
		d.mu.Unlock()
	}

	c.wakeUp()
	if finished {
		// Off the dispatch path: the notifier may block on a slow broker
		// and event consumption must not wait for it.
		go d.announce(c)
	}
}

func moveBucket(counters *Counters, from, to string) {
	if from == to {
		return
	}
	adjustBucket(counters, from, -1)
	adjustBucket(counters, to, +1)
}

func adjustBucket(counters *Counters, bucket string, delta int) {
	switch bucket {
	case call.BucketPending:
		counters.Pending += delta
	case call.BucketInFlight:
		counters.InFlight += delta
	case call.BucketAnswered:
		counters.Answered += delta
	case call.BucketBridged:
		counters.Bridged += delta
	case call.BucketFailed:
		counters.Failed += delta
	case call.BucketFakeResponse:
		counters.FakeResponse += delta
	}
}

func (d *Dialer) announce(c *campaign) {
	snap := d.snapshot(c)
	log.Printf("campaign %s (%s) finished: bridged=%d answered=%d failed=%d fake=%d",
		c.id, c.name, snap.Bridged, snap.Answered, snap.Failed, snap.FakeResponse)
	if d.notifier == nil {
		return
	}
	msg := fmt.Sprintf("campaign %s finished: %d/%d connected, %d failed, %d fake responses",
		c.name, snap.Bridged, snap.Total, snap.Failed, snap.FakeResponse)
	if err := d.notifier.Notify(context.Background(), "campaigns", msg); err != nil {
		// Notification failures never roll anything back.
		log.Printf("notify: %v", err)
	}
}

// Pause stops admitting new destinations; in-flight calls finish naturally.
func (d *Dialer) Pause(campaignID string) error {
	c, err := d.campaign(campaignID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

// Resume restarts admission after a pause.
func (d *Dialer) Resume(campaignID string) error {
	c, err := d.campaign(campaignID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.wakeUp()
	return nil
}

// Cancel stops admission and fails every still-pending record with a
// cancellation reason. In-flight calls are left to finish; hanging them up
// is a separate explicit action, not implied here.
func (d *Dialer) Cancel(campaignID string) error {
	c, err := d.campaign(campaignID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cancelled = true
	remaining := c.records[c.next:]
	c.next = len(c.records)
	c.mu.Unlock()

	for _, rec := range remaining {
		d.eng.Apply(rec.ID, call.Input{Kind: call.KindOriginateFailed, Cause: call.OutcomeCancelled})
	}
	return nil
}

// Forget drops a finished campaign's bookkeeping so a long-running daemon
// does not accumulate one map entry per campaign it ever ran. Counters and
// Done stop answering for the id, so read the final tally first.
func (d *Dialer) Forget(campaignID string) error {
	c, err := d.campaign(campaignID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	finished := c.finished()
	c.mu.Unlock()
	if !finished {
		return fmt.Errorf("dialer: campaign %s still has calls in flight", campaignID)
	}
	d.mu.Lock()
	delete(d.campaigns, campaignID)
	d.mu.Unlock()
	return nil
}

// Counters returns a campaign counter snapshot.
func (d *Dialer) Counters(campaignID string) (Counters, error) {
	c, err := d.campaign(campaignID)
	if err != nil {
		return Counters{}, err
	}
	return d.snapshot(c), nil
}

// Done returns a channel closed when every record is terminal.
func (d *Dialer) Done(campaignID string) (<-chan struct{}, error) {
	c, err := d.campaign(campaignID)
	if err != nil {
		return nil, err
	}
	return c.done, nil
}

// InFlight reports the current slot occupancy of a campaign.
func (d *Dialer) InFlight(campaignID string) (int, error) {
	c, err := d.campaign(campaignID)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.occupied, nil
}

// RetryExhausted counts originations that ran out of transport retries.
func (d *Dialer) RetryExhausted() uint64 {
	return d.retryExhausted.Load()
}

func (d *Dialer) snapshot(c *campaign) Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

func (d *Dialer) campaign(id string) (*campaign, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCampaign, id)
	}
	return c, nil
}
