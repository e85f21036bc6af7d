// Package ws owns the realtime transport handle and its lifecycle: connect
// and disconnect, reconnection backoff, error classification, and the
// single-handler event registry. No other component touches the socket
// directly; all interaction goes through Emit, On and Off.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"utalk/internal/clock"
	"utalk/internal/models"
	"utalk/internal/token"
)

// Transport is a live socket handle. The client owns at most one at a time
// and recreates it wholesale on reconnect, never reusing a handle.
type Transport interface {
	ReadEnvelope() (models.Envelope, error)
	WriteEnvelope(models.Envelope) error
	Close() error
}

// Dialer opens an authenticated transport.
type Dialer interface {
	Dial(ctx context.Context, bearer string, timeout time.Duration) (Transport, error)
}

type Config struct {
	// ConnectTimeout bounds a single dial. Long by default to tolerate slow
	// cold-starts.
	ConnectTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// MaxReconnects is the retry ceiling before the client gives up and
	// degrades to fallback.
	MaxReconnects int
	// Cooldown is how long Emit stays muted after the server signals event
	// flooding.
	Cooldown time.Duration

	// OnStatusChange fires on every status transition, outside the client's
	// lock. err is nil unless the transition was caused by a failure.
	OnStatusChange func(status models.ConnStatus, err error)
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 45 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	return c
}

type Client struct {
	log    *slog.Logger
	clk    clock.Clock
	dialer Dialer
	cfg    Config

	mu              sync.Mutex
	status          models.ConnStatus
	connErr         *ConnError
	bearer          string
	userID          string
	connecting      bool
	transport       Transport
	gen             int // transport generation; bumps invalidate stale read loops
	reconnects      int
	reconnectTimer  clock.Timer
	cooldown        bool
	cooldownTimer   clock.Timer
	dialTimeout     time.Duration
	lastConnectedAt time.Time
	baseCtx         context.Context

	statusHooks []func(models.ConnStatus, error)

	hmu      sync.RWMutex
	handlers map[string]func(json.RawMessage)
}

func NewClient(clk clock.Clock, dialer Dialer, cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Client{
		log:         log,
		clk:         clk,
		dialer:      dialer,
		cfg:         cfg,
		status:      models.ConnStatusDisconnected,
		dialTimeout: cfg.ConnectTimeout,
		baseCtx:     context.Background(),
		handlers:    make(map[string]func(json.RawMessage)),
	}
}

// Connect establishes the transport, blocking for at most the connect
// timeout. A no-op while already connected or while an attempt is in
// flight; the in-flight flag, not the status alone, guards the race window.
// On the initial path a timeout degrades to fallback instead of retrying.
func (c *Client) Connect(ctx context.Context, bearer string) error {
	c.mu.Lock()
	if c.connecting || c.status == models.ConnStatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.bearer = bearer
	c.baseCtx = ctx
	c.reconnects = 0
	c.dialTimeout = c.cfg.ConnectTimeout
	if uid, err := token.UserID(bearer); err == nil {
		c.userID = uid
	} else {
		c.userID = ""
		c.log.Debug("no user context in token", "error", err)
	}
	c.cancelReconnectLocked()
	notify := c.setStatusLocked(models.ConnStatusConnecting, nil)
	c.mu.Unlock()
	notify()

	return c.dial(ctx, true)
}

// UpdateToken stores a rotated bearer token for subsequent dials. It does
// not tear down a live connection.
func (c *Client) UpdateToken(bearer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bearer = bearer
	if uid, err := token.UserID(bearer); err == nil {
		c.userID = uid
	}
}

// Disconnect tears the handle down unconditionally, clears any pending
// reconnection timer and resets status to disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.connecting = false
	c.reconnects = 0
	c.cancelReconnectLocked()
	c.clearCooldownLocked()
	tr := c.transport
	c.transport = nil
	notify := c.setStatusLocked(models.ConnStatusDisconnected, nil)
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	notify()
}

// Emit sends an event to the server. Returns false without side effects
// when not connected, muted by cooldown, or when a room-scoped event cannot
// derive its room id for lack of an authenticated user context.
func (c *Client) Emit(event string, payload any) bool {
	c.mu.Lock()
	tr := c.transport
	st := c.status
	uid := c.userID
	muted := c.cooldown
	c.mu.Unlock()

	if st != models.ConnStatusConnected || tr == nil {
		c.log.Debug("emit skipped, not connected", "event", event, "status", string(st))
		return false
	}
	if muted {
		c.log.Debug("emit skipped, cooling down", "event", event)
		return false
	}

	switch p := payload.(type) {
	case models.JoinConversationPayload:
		if p.RoomID == "" {
			if uid == "" {
				c.log.Warn("emit refused, no user context for room derivation", "event", event)
				return false
			}
			p.RoomID = token.RoomID(p.ConversationID)
			payload = p
		}
	case models.LeaveConversationPayload:
		if p.RoomID == "" {
			if uid == "" {
				c.log.Warn("emit refused, no user context for room derivation", "event", event)
				return false
			}
			p.RoomID = token.RoomID(p.ConversationID)
			payload = p
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("emit payload marshal failed", "event", event, "error", err)
		return false
	}
	if err := tr.WriteEnvelope(models.Envelope{Event: event, Data: data}); err != nil {
		c.log.Error("emit failed", "event", event, "error", err)
		return false
	}
	return true
}

// OnStatus registers an additional status observer, invoked on every
// transition after the configured OnStatusChange hook, outside the client's
// lock. Observers cannot be removed; register before connecting.
func (c *Client) OnStatus(fn func(models.ConnStatus, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusHooks = append(c.statusHooks, fn)
}

// On registers the handler for an event name. At most one handler per name:
// re-registering silently detaches the previous one, preventing duplicate
// delivery.
func (c *Client) On(event string, handler func(json.RawMessage)) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[event] = handler
}

func (c *Client) Off(event string) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	delete(c.handlers, event)
}

// NoteServerError feeds a server-reported error event back for
// classification. An event-flood signal starts a send cooldown that clears
// itself rather than triggering a reconnect storm.
func (c *Client) NoteServerError(msg string) {
	if Classify(errors.New(msg)) != KindRateLimited {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cooldown {
		return
	}
	c.cooldown = true
	c.log.Warn("server reported event flooding, muting sends", "cooldown", c.cfg.Cooldown)
	c.cooldownTimer = c.clk.AfterFunc(c.cfg.Cooldown, func() {
		c.mu.Lock()
		c.cooldown = false
		c.cooldownTimer = nil
		c.mu.Unlock()
	})
}

func (c *Client) Status() models.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the current typed connection error, nil when healthy.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cooldown {
		return &ConnError{Kind: KindRateLimited, Msg: "self-imposed cooldown"}
	}
	if c.connErr == nil {
		return nil
	}
	return c.connErr
}

func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *Client) LastConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConnectedAt
}

// UserID is the subject extracted from the bearer token, empty when the
// token carried none.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// dial performs one connection attempt. initial marks the foreground
// login-path attempt, whose timeout degrades to fallback; background
// attempts reschedule themselves per the backoff policy.
func (c *Client) dial(ctx context.Context, initial bool) error {
	c.mu.Lock()
	bearer := c.bearer
	gen := c.gen
	timeout := c.dialTimeout
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, timeout)
	tr, err := c.dialer.Dial(dctx, bearer, timeout)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		// A disconnect or newer attempt superseded this dial.
		c.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		return nil
	}

	if err != nil {
		kind := Classify(err)
		cerr := &ConnError{Kind: kind, Msg: err.Error()}
		var notify func()
		switch {
		case kind == KindAuth:
			c.connecting = false
			notify = c.setStatusLocked(models.ConnStatusDisconnected, cerr)
		case kind == KindTimeout && initial:
			c.connecting = false
			notify = c.setStatusLocked(models.ConnStatusFallback, cerr)
		default:
			if kind == KindTimeout {
				c.boostDialTimeoutLocked()
			}
			notify = c.scheduleReconnectLocked(cerr)
		}
		c.mu.Unlock()
		notify()
		c.log.Error("connect failed", "kind", kind.String(), "error", err)
		return cerr
	}

	c.transport = tr
	c.connecting = false
	c.reconnects = 0
	c.dialTimeout = c.cfg.ConnectTimeout
	c.lastConnectedAt = c.clk.Now()
	c.gen++
	readGen := c.gen
	notify := c.setStatusLocked(models.ConnStatusConnected, nil)
	c.mu.Unlock()
	notify()

	go c.readLoop(tr, readGen)
	return nil
}

func (c *Client) readLoop(tr Transport, gen int) {
	for {
		env, err := tr.ReadEnvelope()
		if err != nil {
			c.handleTransportClose(gen, err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env models.Envelope) {
	c.hmu.RLock()
	handler := c.handlers[env.Event]
	c.hmu.RUnlock()

	if handler == nil {
		c.log.Debug("unhandled event", "event", env.Event)
		return
	}
	handler(env.Data)
}

// handleTransportClose reacts to an unexpected close. Client-initiated
// closes bump the generation first, so stale read loops return silently.
func (c *Client) handleTransportClose(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.transport = nil

	kind := Classify(err)
	cerr := &ConnError{Kind: kind, Msg: err.Error()}
	var notify func()
	switch kind {
	case KindAuth:
		c.connecting = false
		notify = c.setStatusLocked(models.ConnStatusDisconnected, cerr)
	default:
		if kind == KindTimeout {
			c.boostDialTimeoutLocked()
		}
		notify = c.scheduleReconnectLocked(cerr)
	}
	c.mu.Unlock()
	notify()
	c.log.Warn("transport closed", "kind", kind.String(), "error", err)

	if kind == KindRateLimited {
		c.NoteServerError(err.Error())
	}
}

// scheduleReconnectLocked arms the backoff timer for the next attempt, or
// degrades to fallback once the ceiling is hit. Caller holds the lock; the
// returned func must run after release.
func (c *Client) scheduleReconnectLocked(cause *ConnError) func() {
	if c.reconnects >= c.cfg.MaxReconnects {
		c.connecting = false
		return c.setStatusLocked(models.ConnStatusFallback,
			&ConnError{Kind: KindExhausted, Msg: "reconnect attempts exhausted: " + cause.Msg})
	}

	delay := c.cfg.BackoffBase << c.reconnects
	if delay > c.cfg.BackoffMax {
		delay = c.cfg.BackoffMax
	}
	c.reconnects++
	c.connecting = true
	c.cancelReconnectLocked()
	ctx := c.baseCtx
	c.reconnectTimer = c.clk.AfterFunc(delay, func() {
		_ = c.dial(ctx, false)
	})
	c.log.Info("reconnect scheduled", "attempt", c.reconnects, "delay", delay)
	return c.setStatusLocked(models.ConnStatusConnecting, cause)
}

func (c *Client) boostDialTimeoutLocked() {
	boosted := c.dialTimeout + c.dialTimeout/2
	if limit := 2 * c.cfg.ConnectTimeout; boosted > limit {
		boosted = limit
	}
	c.dialTimeout = boosted
}

// cancelReconnectLocked stops a pending reconnection timer so a stale timer
// cannot fire after a newer connect or disconnect superseded it.
func (c *Client) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) clearCooldownLocked() {
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
		c.cooldownTimer = nil
	}
	c.cooldown = false
}

// setStatusLocked records the transition and returns the notification
// callback to invoke once the lock is released.
func (c *Client) setStatusLocked(st models.ConnStatus, err *ConnError) func() {
	c.status = st
	c.connErr = err

	hooks := make([]func(models.ConnStatus, error), 0, len(c.statusHooks)+1)
	if c.cfg.OnStatusChange != nil {
		hooks = append(hooks, c.cfg.OnStatusChange)
	}
	hooks = append(hooks, c.statusHooks...)
	if len(hooks) == 0 {
		return func() {}
	}
	var e error
	if err != nil {
		e = err
	}
	return func() {
		for _, h := range hooks {
			h(st, e)
		}
	}
}
