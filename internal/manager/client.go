// Package manager maintains the persistent AMI control session: login,
// transparent reconnection, action/response correlation and the inbound
// event stream.
package manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/asterisk-dialer/internal/ami"
)

var (
	// ErrTimeout is returned when no reply arrives within the fixed
	// action deadline. The deadline is the same for every action.
	ErrTimeout = errors.New("ami: no reply within action deadline")

	// ErrNotConnected is returned for sends attempted while the session
	// is down. Callers retry with their own backoff.
	ErrNotConnected = errors.New("ami: not connected")
)

// AuthError reports a rejected login. Reconnecting will not help until
// credentials change, so it is surfaced distinctly.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ami: authentication failed: %s", e.Message)
}

// Options configures a Client.
type Options struct {
	Addr     string
	Username string
	Secret   string

	DialTimeout   time.Duration // default 10s
	ActionTimeout time.Duration // fixed reply deadline, default 10s
	ReconnectMin  time.Duration // default 1s
	ReconnectMax  time.Duration // default 60s
	EventBuffer   int           // default 1024
}

func (o Options) withDefaults() Options {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.ActionTimeout <= 0 {
		out.ActionTimeout = 10 * time.Second
	}
	if out.ReconnectMin <= 0 {
		out.ReconnectMin = time.Second
	}
	if out.ReconnectMax <= 0 {
		out.ReconnectMax = 60 * time.Second
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = 1024
	}
	return out
}

// Client is a reconnecting AMI session. Reconnects replay no state: event
// consumers must treat a reconnect as a potential gap and rely on
// idempotent state transitions rather than event counting.
type Client struct {
	opts   Options
	events chan ami.Event

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan ami.Event
	lastErr error

	connected atomic.Bool
	loginSeq  atomic.Uint64
}

// New creates a Client. Call Run to start the session.
func New(opts Options) *Client {
	return &Client{
		opts:    opts.withDefaults(),
		events:  make(chan ami.Event, opts.withDefaults().EventBuffer),
		pending: make(map[string]chan ami.Event),
	}
}

// Events returns the inbound event stream. Ordered within one connection;
// no ordering guarantee across reconnects.
func (c *Client) Events() <-chan ami.Event {
	return c.events
}

// Healthy reports whether an authenticated session is up. Persistent
// connect failure shows up here as a lasting false, the degraded-health
// signal the process owner watches.
func (c *Client) Healthy() bool {
	return c.connected.Load()
}

// LastError returns the most recent session error.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Run connects and keeps the session alive until ctx is cancelled,
// reconnecting with capped exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.ReconnectMin
	for {
		authenticated, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if authenticated {
			backoff = c.opts.ReconnectMin
		}
		if err != nil {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
			log.Printf("AMI session error: %v, reconnecting in %s", err, backoff)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > c.opts.ReconnectMax {
			backoff = c.opts.ReconnectMax
		}
	}
}

// session runs one connection from dial to disconnect. It reports whether
// login succeeded so Run can reset its backoff.
func (c *Client) session(ctx context.Context) (bool, error) {
	log.Printf("connecting to AMI at %s", c.opts.Addr)

	conn, err := net.DialTimeout("tcp", c.opts.Addr, c.opts.DialTimeout)
	if err != nil {
		return false, fmt.Errorf("dial AMI: %w", err)
	}
	defer conn.Close()
	defer c.dropSession()

	// Close the connection when the context is cancelled so the read
	// loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	reader := bufio.NewReader(conn)

	banner, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("reading AMI banner: %w", err)
	}
	log.Printf("AMI banner: %s", strings.TrimSpace(banner))

	parser := ami.NewParser(reader)
	if err := c.login(conn, parser); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	log.Println("AMI authenticated, processing events")

	for {
		frame, ok := parser.Next()
		if !ok {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("AMI connection closed")
		}
		if frame.IsResponse() && c.deliverResponse(frame) {
			continue
		}
		select {
		case c.events <- frame:
		case <-ctx.Done():
			return true, nil
		}
	}
}

func (c *Client) login(conn net.Conn, parser *ami.Parser) error {
	actionID := fmt.Sprintf("login-%d", c.loginSeq.Add(1))
	login := ami.NewAction("Login").
		Set("ActionID", actionID).
		Set("Username", c.opts.Username).
		Set("Secret", c.opts.Secret)
	if _, err := conn.Write(login.Marshal()); err != nil {
		return fmt.Errorf("sending login: %w", err)
	}

	// The login response is the first response frame on the wire; some
	// Asterisk builds emit FullyBooted and friends first.
	for {
		frame, ok := parser.Next()
		if !ok {
			return fmt.Errorf("AMI connection closed during login")
		}
		if !frame.IsResponse() || frame.ActionID() != actionID {
			continue
		}
		if !frame.IsSuccess() {
			return &AuthError{Message: frame.Message()}
		}
		return nil
	}
}

// Send issues one action and blocks until its reply or the fixed deadline.
// The action must carry a caller-supplied ActionID.
func (c *Client) Send(ctx context.Context, a *ami.Action) (ami.Event, error) {
	actionID := a.ActionID()
	if actionID == "" {
		return ami.Event{}, fmt.Errorf("ami: action %q has no ActionID", a.Name())
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil || !c.connected.Load() {
		c.mu.Unlock()
		return ami.Event{}, ErrNotConnected
	}
	ch := make(chan ami.Event, 1)
	c.pending[actionID] = ch
	_, err := conn.Write(a.Marshal())
	c.mu.Unlock()

	if err != nil {
		c.unregister(actionID)
		return ami.Event{}, fmt.Errorf("writing action: %w", err)
	}

	timer := time.NewTimer(c.opts.ActionTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return ami.Event{}, ErrNotConnected
		}
		return resp, nil
	case <-timer.C:
		c.unregister(actionID)
		return ami.Event{}, ErrTimeout
	case <-ctx.Done():
		c.unregister(actionID)
		return ami.Event{}, ctx.Err()
	}
}

// deliverResponse routes a response frame to its waiting Send call.
// Returns false for responses nobody is waiting on (late replies after a
// timeout); those flow to the event stream like any other frame.
func (c *Client) deliverResponse(frame ami.Event) bool {
	actionID := frame.ActionID()
	if actionID == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[actionID]
	if ok {
		delete(c.pending, actionID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- frame
	return true
}

func (c *Client) unregister(actionID string) {
	c.mu.Lock()
	delete(c.pending, actionID)
	c.mu.Unlock()
}

// dropSession fails all in-flight sends; their replies are gone with the
// connection.
func (c *Client) dropSession() {
	c.connected.Store(false)
	c.mu.Lock()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}
