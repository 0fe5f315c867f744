// Package engine drives call records through their state machine. It
// consumes the transport's event stream, resolves each event to a record
// through the correlation ledger, applies transitions under single-writer
// discipline per record, and fans the resulting transitions out to the
// outcome sink and to subscribers.
package engine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/asterisk-dialer/internal/ami"
	"github.com/sweeney/asterisk-dialer/internal/call"
	"github.com/sweeney/asterisk-dialer/internal/ledger"
	"github.com/sweeney/asterisk-dialer/internal/sink"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Options configures an Engine.
type Options struct {
	// RingTimeout is the fake-response watchdog deadline: how long a call
	// may sit in ringing without a confirmed answer or bridge before it
	// is classified a fake carrier response. Carrier-dependent tuning.
	RingTimeout time.Duration

	// OrphanWindow is how long an unresolvable event waits for its
	// identifiers to be bound before it is dropped as orphaned.
	OrphanWindow time.Duration

	// SweepInterval drives watchdog deadline checks, ledger retention
	// sweeps, and orphan re-checks.
	SweepInterval time.Duration

	// SinkQueue bounds the asynchronous sink write queue. When full the
	// event loop blocks rather than dropping writes; the scheduler
	// watches Backlog and slows admission.
	SinkQueue int

	Clock Clock
}

func (o Options) withDefaults() Options {
	out := o
	if out.RingTimeout <= 0 {
		out.RingTimeout = 45 * time.Second
	}
	if out.OrphanWindow <= 0 {
		out.OrphanWindow = 2 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = time.Second
	}
	if out.SinkQueue <= 0 {
		out.SinkQueue = 1024
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}

// Metrics is a snapshot of the engine's observability counters.
type Metrics struct {
	OrphanedEvents uint64
	UnknownCalls   uint64
	FakeResponses  uint64
	Conflicts      uint64
	ActiveRecords  int
	SinkBacklog    int
}

type entry struct {
	mu  sync.Mutex
	rec *call.Record

	// ringDeadline is the fake-response watchdog; zero means disarmed.
	// Checked on the sweep tick so it follows the injected clock.
	ringDeadline time.Time
}

type orphan struct {
	c        classified
	deadline time.Time
}

// Engine owns the record registry and the event dispatch loop. Process is
// called from a single consumer goroutine; the watchdog and the scheduler
// reach records through the same per-record lock.
type Engine struct {
	opts Options
	led  *ledger.Ledger
	snk  sink.Sink

	recMu   sync.RWMutex
	records map[string]*entry

	orphanMu sync.Mutex
	orphans  []orphan

	queue chan call.Transition

	subMu       sync.Mutex
	subscribers []func(call.Transition)

	orphaned     atomic.Uint64
	unknownCalls atomic.Uint64
	fakes        atomic.Uint64
}

// New creates an Engine writing to the given sink through the given ledger.
func New(led *ledger.Ledger, snk sink.Sink, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		opts:    opts,
		led:     led,
		snk:     snk,
		records: make(map[string]*entry),
		queue:   make(chan call.Transition, opts.SinkQueue),
	}
}

// OnTransition registers a subscriber invoked synchronously for every
// transition, in per-call order. Subscribers must be fast and must not
// call back into the engine while handling a notification.
func (e *Engine) OnTransition(fn func(call.Transition)) {
	e.subMu.Lock()
	e.subscribers = append(e.subscribers, fn)
	e.subMu.Unlock()
}

// Register adds a pre-created record and binds the identifiers known at
// origination time: the action id, the tracking id, and the record id
// itself, which the originate request installs as the channel's unique id.
func (e *Engine) Register(rec *call.Record) {
	e.recMu.Lock()
	e.records[rec.ID] = &entry{rec: rec}
	e.recMu.Unlock()

	e.bind(ledger.KindActionID, rec.ActionID, rec.ID)
	e.bind(ledger.KindTrackingID, rec.TrackingID, rec.ID)
	e.bind(ledger.KindUniqueID, rec.ID, rec.ID)
}

// Record returns a point-in-time copy of a record.
func (e *Engine) Record(callID string) (call.Record, bool) {
	ent := e.entry(callID)
	if ent == nil {
		return call.Record{}, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return *ent.rec, true
}

// Process ingests one raw AMI event. Unrecognized event types are ignored;
// events that resolve to no record wait one orphan window and are then
// counted and dropped.
func (e *Engine) Process(evt ami.Event) {
	e.retryOrphans()

	c, ok := classify(evt)
	if !ok {
		return
	}

	id, found := e.resolve(c)
	if !found {
		e.orphanMu.Lock()
		e.orphans = append(e.orphans, orphan{c: c, deadline: e.opts.Clock().Add(e.opts.OrphanWindow)})
		e.orphanMu.Unlock()
		return
	}

	e.bindAll(id, c.binds)
	e.Apply(id, c.input)
}

// Apply runs one classified input against a record. The scheduler uses it
// for origination results and the watchdog for ring timeouts, so all
// writers share the per-record lock.
func (e *Engine) Apply(callID string, in call.Input) {
	ent := e.entry(callID)
	if ent == nil {
		e.unknownCalls.Add(1)
		return
	}
	if in.At.IsZero() {
		in.At = e.opts.Clock()
	}

	// Dispatch happens under the record lock so transitions for one call
	// reach the sink and subscribers in the order they were applied, even
	// when the watchdog races the event loop.
	ent.mu.Lock()
	defer ent.mu.Unlock()
	for _, t := range call.Apply(ent.rec, in) {
		e.adjustWatchdog(ent, t)
		e.dispatch(t)
	}
}

func (e *Engine) dispatch(t call.Transition) {
	if t.To == call.StateFakeResponse {
		e.fakes.Add(1)
	}
	if t.Final() {
		e.led.Release(t.CallID)
	}

	// Blocking send: nothing is dropped, the loop slows instead.
	e.queue <- t

	e.subMu.Lock()
	subs := e.subscribers
	e.subMu.Unlock()
	for _, fn := range subs {
		fn(t)
	}
}

// adjustWatchdog arms the fake-response deadline when a call starts
// ringing and disarms it once a bridge forms or the call ends. Called with
// the entry lock held.
func (e *Engine) adjustWatchdog(ent *entry, t call.Transition) {
	switch {
	case t.To == call.StateRinging:
		if ent.ringDeadline.IsZero() {
			ent.ringDeadline = e.opts.Clock().Add(e.opts.RingTimeout)
		}
	case t.To == call.StateBridged || t.To.Terminal():
		ent.ringDeadline = time.Time{}
	}
}

// fireWatchdogs classifies calls ringing past their deadline. The machine
// re-checks for a confirmed answer or bridge, so an answer racing the
// deadline still wins.
func (e *Engine) fireWatchdogs() {
	now := e.opts.Clock()

	e.recMu.RLock()
	var due []string
	for id, ent := range e.records {
		ent.mu.Lock()
		if !ent.ringDeadline.IsZero() && !now.Before(ent.ringDeadline) {
			due = append(due, id)
		}
		ent.mu.Unlock()
	}
	e.recMu.RUnlock()

	for _, id := range due {
		e.Apply(id, call.Input{Kind: call.KindRingTimeout})
	}
}

// housekeep runs the periodic work: fires due watchdogs, drops expired
// ledger bindings together with their record entries, and replays orphans.
func (e *Engine) housekeep() {
	e.fireWatchdogs()
	purged := e.led.Sweep()
	if len(purged) > 0 {
		e.recMu.Lock()
		for _, id := range purged {
			delete(e.records, id)
		}
		e.recMu.Unlock()
	}
	e.retryOrphans()
}

// Run services the sink queue and housekeeping until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case t := <-e.queue:
			e.write(ctx, t)
		case <-ticker.C:
			e.housekeep()
		case <-ctx.Done():
			e.drain()
			return nil
		}
	}
}

func (e *Engine) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case t := <-e.queue:
			e.write(ctx, t)
		default:
			return
		}
	}
}

// write pushes one transition to the sink. Counter movements only happen
// when the transition crosses a bucket boundary, deduplicated by a
// call+bucket token so replays cannot double count.
func (e *Engine) write(ctx context.Context, t call.Transition) {
	if err := e.snk.PersistTransition(ctx, t); err != nil {
		log.Printf("sink: persisting %s -> %s for call %s: %v", t.From, t.To, t.CallID, err)
	}
	fromBucket, toBucket := call.Bucket(t.From), call.Bucket(t.To)
	if fromBucket == toBucket || t.CampaignID == "" {
		return
	}
	token := t.CallID + ":" + toBucket
	if err := e.snk.IncrementCounter(ctx, t.CampaignID, toBucket, token); err != nil {
		log.Printf("sink: counting %s for campaign %s: %v", toBucket, t.CampaignID, err)
	}
}

// Backlog reports the pending sink write count; the scheduler slows
// admission when it grows.
func (e *Engine) Backlog() int {
	return len(e.queue)
}

// Metrics returns a counter snapshot.
func (e *Engine) Metrics() Metrics {
	e.recMu.RLock()
	active := len(e.records)
	e.recMu.RUnlock()
	return Metrics{
		OrphanedEvents: e.orphaned.Load(),
		UnknownCalls:   e.unknownCalls.Load(),
		FakeResponses:  e.fakes.Load(),
		Conflicts:      e.led.Conflicts(),
		ActiveRecords:  active,
		SinkBacklog:    e.Backlog(),
	}
}

func (e *Engine) entry(callID string) *entry {
	e.recMu.RLock()
	defer e.recMu.RUnlock()
	return e.records[callID]
}

func (e *Engine) resolve(c classified) (string, bool) {
	if c.callID != "" && e.entry(c.callID) != nil {
		return c.callID, true
	}
	return e.led.ResolveAny(c.keys)
}

func (e *Engine) bind(kind ledger.Kind, value, callID string) {
	if err := e.led.Bind(kind, value, callID); err != nil {
		log.Printf("ledger: %v", err)
	}
}

func (e *Engine) bindAll(callID string, keys []ledger.Key) {
	for _, k := range keys {
		e.bind(k.Kind, k.Value, callID)
	}
}

// retryOrphans gives queued unresolvable events their single re-check.
// Events still unresolved after their window are counted and dropped; a
// growing orphan rate means variable propagation is broken on the PBX side.
func (e *Engine) retryOrphans() {
	now := e.opts.Clock()

	e.orphanMu.Lock()
	var due []orphan
	var keep []orphan
	for _, o := range e.orphans {
		if now.Before(o.deadline) {
			keep = append(keep, o)
		} else {
			due = append(due, o)
		}
	}
	e.orphans = keep
	e.orphanMu.Unlock()

	for _, o := range due {
		id, found := e.resolve(o.c)
		if !found {
			e.orphaned.Add(1)
			continue
		}
		e.bindAll(id, o.c.binds)
		e.Apply(id, o.c.input)
	}
}
