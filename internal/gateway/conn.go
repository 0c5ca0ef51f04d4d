// Package gateway implements the WebSocket client side of the Clawbridge
// Gateway protocol: connect handshake with device auth, request/response
// RPC, event dispatch, tick liveness and auto-reconnect.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawbridge/internal/identity"
	"github.com/nextlevelbuilder/clawbridge/pkg/protocol"
)

const (
	// DefaultHelloTimeout bounds the whole handshake, dial to hello-ok.
	DefaultHelloTimeout = 10 * time.Second
	// DefaultRPCTimeout bounds a single request/response round trip.
	DefaultRPCTimeout = 15 * time.Second
	// DefaultTickInterval is assumed until the gateway advertises its own.
	DefaultTickInterval = 30 * time.Second

	// challengeFallback is how long to wait for a connect.challenge event
	// before sending the connect request without a nonce. Older gateways
	// never send the challenge.
	challengeFallback = 1500 * time.Millisecond

	// tickToleranceFactor scales the tick interval into a liveness deadline.
	tickToleranceFactor = 2.5

	maxMessageSize = 512 * 1024
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingChallenge
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Options configures a gateway client.
type Options struct {
	URL      string
	Token    string
	ClientID string
	Mode     string
	Role     string
	Scopes   []string
	Version  string

	Identity *identity.DeviceIdentity

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	HelloTimeout  time.Duration
	RPCTimeout    time.Duration
	TickInterval  time.Duration
}

// Client is a reconnecting gateway WebSocket client.
// Start blocks until Stop is called or the context is cancelled; the
// connection is re-established with exponential backoff after every drop.
type Client struct {
	opts Options
	id   *identity.DeviceIdentity

	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex

	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex

	state   atomic.Int32
	pending *pendingTable

	// attempt counts consecutive failed sessions. Only touched by the
	// connectAndRun goroutine.
	attempt int

	tickInterval atomic.Int64 // nanoseconds
	lastTick     atomic.Int64 // unix millis

	onEvent        func(ev *protocol.EventFrame)
	onConnected    func(hello *protocol.HelloOk)
	onDisconnected func(err error)
}

// NewClient creates a gateway client. Callbacks must be set before Start.
func NewClient(opts Options) *Client {
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = DefaultHelloTimeout
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Mode == "" {
		opts.Mode = protocol.ClientModeBackend
	}

	c := &Client{
		opts:    opts,
		id:      opts.Identity,
		pending: newPendingTable(),
	}
	c.tickInterval.Store(int64(opts.TickInterval))
	return c
}

// OnEvent registers the handler for non-handshake events (chat, health, ...).
func (c *Client) OnEvent(fn func(ev *protocol.EventFrame)) { c.onEvent = fn }

// OnConnected registers the handler called after each successful handshake.
func (c *Client) OnConnected(fn func(hello *protocol.HelloOk)) { c.onConnected = fn }

// OnDisconnected registers the handler called when a session drops.
func (c *Client) OnDisconnected(fn func(err error)) { c.onDisconnected = fn }

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Start connects and runs until stopped or the context is cancelled.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.stopCh = make(chan struct{})
	c.stopped = false
	c.mu.Unlock()

	return c.connectAndRun(ctx)
}

// Stop shuts down the connection and stops the reconnect loop.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
}

func (c *Client) connectAndRun(ctx context.Context) error {
	for {
		select {
		case <-c.stopCh:
			c.state.Store(int32(StateDisconnected))
			return nil
		case <-ctx.Done():
			c.state.Store(int32(StateDisconnected))
			return ctx.Err()
		default:
		}

		err := c.runSession(ctx)

		c.state.Store(int32(StateDisconnected))
		c.pending.rejectAll(fmt.Errorf("connection closed"))

		if err != nil {
			slog.Warn("gateway: disconnected", "error", err, "attempt", c.attempt)
			if c.onDisconnected != nil {
				c.onDisconnected(err)
			}
		}

		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.waitReconnect()
		c.attempt++
	}
}

func (c *Client) waitReconnect() {
	wait := ReconnectDelay(c.opts.ReconnectBase, c.opts.ReconnectCap, c.attempt)
	slog.Info("gateway: reconnecting", "wait", wait, "attempt", c.attempt)

	select {
	case <-time.After(wait):
	case <-c.stopCh:
	}
}

// session holds per-connection handshake state.
type session struct {
	connectID   string
	connectSent bool
	mu          sync.Mutex
}

// runSession dials, performs the handshake and pumps frames until the
// connection drops. A nil return means Stop was called.
func (c *Client) runSession(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))
	slog.Info("gateway: connecting", "url", c.opts.URL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	}()

	c.state.Store(int32(StateAwaitingChallenge))
	sess := &session{}

	// The whole handshake must finish before the hello deadline.
	helloTimer := time.AfterFunc(c.opts.HelloTimeout, func() {
		if c.State() != StateConnected {
			slog.Warn("gateway: handshake timed out")
			conn.Close()
		}
	})
	defer helloTimer.Stop()

	// Fallback for gateways that never send connect.challenge.
	fallbackTimer := time.AfterFunc(challengeFallback, func() {
		c.sendConnect(sess, "")
	})
	defer fallbackTimer.Stop()

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	c.lastTick.Store(time.Now().UnixMilli())
	go c.tickWatchdog(conn, watchdogDone)

	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
				return nil
			default:
			}
			return fmt.Errorf("read: %w", err)
		}

		frame := protocol.ParseFrame(message)
		if frame == nil {
			slog.Debug("gateway: dropping malformed frame", "len", len(message))
			continue
		}

		if err := c.handleFrame(sess, frame); err != nil {
			return err
		}
	}
}

func (c *Client) handleFrame(sess *session, frame protocol.Frame) error {
	switch f := frame.(type) {
	case *protocol.ResponseFrame:
		sess.mu.Lock()
		isConnect := f.ID == sess.connectID
		sess.mu.Unlock()
		if isConnect {
			return c.handleHello(f)
		}
		c.pending.resolve(f)

	case *protocol.EventFrame:
		switch f.Event {
		case protocol.EventConnectChallenge:
			var ch protocol.ConnectChallenge
			if f.Payload != nil {
				json.Unmarshal(f.Payload, &ch)
			}
			c.sendConnect(sess, ch.Nonce)

		case protocol.EventTick:
			c.lastTick.Store(time.Now().UnixMilli())

		case protocol.EventShutdown:
			var ev protocol.ShutdownEvent
			if f.Payload != nil {
				json.Unmarshal(f.Payload, &ev)
			}
			return fmt.Errorf("gateway shutting down: %s", ev.Reason)

		default:
			c.lastTick.Store(time.Now().UnixMilli())
			if c.onEvent != nil {
				c.onEvent(f)
			}
		}

	case *protocol.RequestFrame:
		// The gateway does not call methods on connectors.
		c.writeFrame(protocol.NewErrorResponse(f.ID, protocol.ErrMethodNotFound, "unsupported method: "+f.Method))
	}

	return nil
}

// sendConnect sends the connect request exactly once per session,
// whether triggered by the challenge event or the fallback timer.
func (c *Client) sendConnect(sess *session, nonce string) {
	sess.mu.Lock()
	if sess.connectSent {
		sess.mu.Unlock()
		return
	}
	sess.connectSent = true
	sess.connectID = uuid.NewString()
	connectID := sess.connectID
	sess.mu.Unlock()

	c.state.Store(int32(StateAuthenticating))

	params := protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client: protocol.ClientInfo{
			ID:       c.opts.ClientID,
			Version:  c.opts.Version,
			Platform: runtime.GOOS,
			Mode:     c.opts.Mode,
		},
		Role:   c.opts.Role,
		Scopes: c.opts.Scopes,
	}
	if c.opts.Token != "" {
		params.Auth = &protocol.AuthInfo{Token: c.opts.Token}
	}

	if c.id != nil {
		signedAt := time.Now().UnixMilli()
		params.Device = &protocol.DeviceInfo{
			ID:        c.id.DeviceID,
			PublicKey: c.id.PublicKeyBase64(),
			SignedAt:  signedAt,
			Nonce:     nonce,
			Signature: c.id.Sign(identity.SignParams{
				ClientID: c.opts.ClientID,
				Mode:     c.opts.Mode,
				Role:     c.opts.Role,
				Scopes:   c.opts.Scopes,
				SignedAt: signedAt,
				Token:    c.id.Token(),
				Nonce:    nonce,
			}),
		}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		slog.Error("gateway: marshal connect params", "error", err)
		return
	}

	slog.Debug("gateway: sending connect", "nonce", nonce != "")
	if err := c.writeFrame(protocol.NewRequest(connectID, protocol.MethodConnect, raw)); err != nil {
		slog.Error("gateway: send connect failed", "error", err)
	}
}

// handleHello settles the connect response.
func (c *Client) handleHello(res *protocol.ResponseFrame) error {
	if !res.OK {
		code := protocol.ErrInternal
		message := ""
		if res.Error != nil {
			code = res.Error.Code
			message = res.Error.Message
		}

		// A stale device token must not poison every retry.
		if code == protocol.ErrDeviceTokenMismatch && c.id != nil {
			slog.Warn("gateway: device token rejected, clearing")
			c.id.ClearToken()
		}
		return fmt.Errorf("connect rejected: %s: %s", code, message)
	}

	var hello protocol.HelloOk
	if res.Payload != nil {
		if err := json.Unmarshal(res.Payload, &hello); err != nil {
			return fmt.Errorf("parse hello: %w", err)
		}
	}

	if hello.Auth != nil && hello.Auth.DeviceToken != "" && c.id != nil {
		if err := c.id.SaveToken(hello.Auth.DeviceToken); err != nil {
			slog.Warn("gateway: persist device token failed", "error", err)
		}
	}
	if hello.Policy.TickIntervalMs > 0 {
		c.tickInterval.Store(int64(time.Duration(hello.Policy.TickIntervalMs) * time.Millisecond))
	}

	c.state.Store(int32(StateConnected))
	c.lastTick.Store(time.Now().UnixMilli())
	c.attempt = 0

	slog.Info("gateway: connected",
		"protocol", hello.Protocol,
		"server", hello.Server.Version,
		"connId", hello.Server.ConnID,
	)

	if c.onConnected != nil {
		c.onConnected(&hello)
	}
	return nil
}

// tickWatchdog closes the connection when ticks stop arriving, which
// unblocks the read loop and triggers a reconnect.
func (c *Client) tickWatchdog(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			interval := time.Duration(c.tickInterval.Load())
			deadline := time.Duration(float64(interval) * tickToleranceFactor)
			idle := time.Since(time.UnixMilli(c.lastTick.Load()))
			if idle > deadline {
				slog.Warn("gateway: tick timeout, closing connection", "idle", idle)
				conn.Close()
				return
			}
		}
	}
}

// Request sends a req frame and waits for the matching res frame.
// Params are marshalled to JSON; a nil params sends no params member.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.State() != StateConnected {
		return nil, &RPCError{Code: protocol.ErrUnavailable, Message: "not connected"}
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}

	id := uuid.NewString()
	ch := c.pending.add(id)

	if err := c.writeFrame(protocol.NewRequest(id, method, raw)); err != nil {
		c.pending.remove(id)
		return nil, err
	}

	timeout := time.NewTimer(c.opts.RPCTimeout)
	defer timeout.Stop()

	select {
	case result := <-ch:
		return result.payload, result.err
	case <-timeout.C:
		c.pending.remove(id)
		return nil, &RPCError{Code: protocol.ErrAgentTimeout, Message: method + " timed out"}
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	case <-c.stopCh:
		c.pending.remove(id)
		return nil, fmt.Errorf("client stopped")
	}
}

func (c *Client) writeFrame(frame protocol.Frame) error {
	data, err := protocol.MarshalFrame(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return fmt.Errorf("connection closed")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
