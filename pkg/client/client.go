// Package client implements a reconnecting client for the relay gateway.
// It maintains the connection across transport failures and planned server
// restarts, honoring the server's advised reconnect delay and backing off
// exponentially with jitter otherwise.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/helpdeck/relay/internal/protocol"
)

// State is the client lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

var (
	// ErrClosed fails operations after Close.
	ErrClosed = errors.New("client: closed")

	// ErrNotConnected fails sends while the transport is down; the caller
	// may retry after reconnection.
	ErrNotConnected = errors.New("client: not connected")

	// ErrAckTimeout expires an emitWithAck wait.
	ErrAckTimeout = errors.New("client: ack timeout")
)

// Handler consumes one inbound event payload.
type Handler func(data json.RawMessage)

// Options configures a Client.
type Options struct {
	// URL is the gateway websocket endpoint, e.g. ws://host:8080/ws.
	URL string

	// Handshake carries tenant, principal, credential and namespace.
	Handshake protocol.Handshake

	// Backoff shapes reconnect delays. Zero value selects DefaultBackoff.
	Backoff Backoff

	// AckTimeout bounds EmitWithAck waits. Defaults to 10s.
	AckTimeout time.Duration

	// DialTimeout bounds one connection attempt. Defaults to 10s.
	DialTimeout time.Duration

	Logger zerolog.Logger

	// OnStateChange, when set, observes every lifecycle transition.
	OnStateChange func(State)
}

// Client is a reconnecting gateway client. Safe for concurrent use.
type Client struct {
	opts    Options
	backoff Backoff
	log     zerolog.Logger

	state atomic.Int32

	mu   sync.Mutex // guards conn and writes
	conn net.Conn

	handlerMu sync.RWMutex
	handlers  map[string][]Handler

	ackMu   sync.Mutex
	ackNext int64
	acks    map[int64]chan json.RawMessage

	// advisedDelayMs is the reconnect delay from the last server:shutdown
	// notice; consumed by the next reconnect attempt.
	advisedDelayMs atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

// New builds a client. Call Run to connect.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("client: URL is required")
	}
	if !protocol.ValidNamespace(opts.Handshake.Namespace) {
		return nil, fmt.Errorf("client: invalid namespace %q", opts.Handshake.Namespace)
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Client{
		opts:     opts,
		backoff:  opts.Backoff,
		log:      opts.Logger.With().Str("component", "relay_client").Logger(),
		handlers: make(map[string][]Handler),
		acks:     make(map[int64]chan json.RawMessage),
		closed:   make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// OnEvent registers a handler for an inbound event. Multiple handlers per
// event run in registration order on the read goroutine.
func (c *Client) OnEvent(event string, h Handler) {
	c.handlerMu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.handlerMu.Unlock()
}

// Run connects and keeps the session alive until Close or ctx cancellation.
// It blocks; run it on its own goroutine.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-c.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if attempt == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
			delay := c.nextDelay(attempt)
			c.log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("Reconnecting")
			select {
			case <-time.After(delay):
			case <-c.closed:
				return ErrClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.runSession(ctx, func() { attempt = 0 })
		if c.State() == StateClosing {
			return ErrClosed
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("Session ended")
		}
		attempt++
	}
}

// nextDelay prefers the server-advised delay from a shutdown notice over the
// backoff schedule, once. The advised value is spread rather than taken
// verbatim so a fleet told to reconnect in 5s does not reconnect in exactly
// 5s everywhere at once.
func (c *Client) nextDelay(attempt int) time.Duration {
	if ms := c.advisedDelayMs.Swap(0); ms > 0 {
		return SpreadAdvised(time.Duration(ms) * time.Millisecond)
	}
	return c.backoff.Delay(attempt - 1)
}

// sessionConn reads through the dialer's buffered reader (which may already
// hold frames that arrived with the handshake response) while writes and
// deadlines go to the transport directly.
type sessionConn struct {
	r io.Reader
	net.Conn
}

func (s sessionConn) Read(p []byte) (int, error) { return s.r.Read(p) }

// runSession performs one dial/handshake/read cycle. onConnected resets the
// caller's attempt counter once the handshake succeeds.
func (c *Client) runSession(ctx context.Context, onConnected func()) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	raw, br, _, err := ws.Dial(dialCtx, c.opts.URL)
	cancel()
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	conn := sessionConn{r: raw, Conn: raw}
	if br != nil {
		conn.r = br
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.failPendingAcks()
		if c.State() != StateClosing {
			c.setState(StateDisconnected)
		}
	}()

	open, err := c.awaitOpen(conn)
	if err != nil {
		return err
	}

	hs, err := json.Marshal(c.opts.Handshake)
	if err != nil {
		return err
	}
	connect := protocol.Packet{
		Type:      protocol.PacketConnect,
		Namespace: c.opts.Handshake.Namespace,
		Data:      hs,
	}
	if err := c.writePacket(connect); err != nil {
		return err
	}

	if err := c.awaitConnectAck(conn, open); err != nil {
		return err
	}

	c.setState(StateConnected)
	onConnected()
	c.log.Info().Str("namespace", c.opts.Handshake.Namespace).Msg("Connected")

	return c.readLoop(conn, open)
}

// awaitOpen reads the server hello carrying heartbeat parameters.
func (c *Client) awaitOpen(conn net.Conn) (protocol.OpenPayload, error) {
	conn.SetReadDeadline(time.Now().Add(c.opts.DialTimeout))
	raw, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		return protocol.OpenPayload{}, fmt.Errorf("client: open frame: %w", err)
	}
	ft, body, err := protocol.DecodeFrame(raw)
	if err != nil || ft != protocol.FrameOpen {
		return protocol.OpenPayload{}, fmt.Errorf("client: expected open frame")
	}
	var open protocol.OpenPayload
	if err := json.Unmarshal(body, &open); err != nil {
		return protocol.OpenPayload{}, fmt.Errorf("client: open payload: %w", err)
	}
	return open, nil
}

// awaitConnectAck waits for the server to confirm or refuse the handshake.
func (c *Client) awaitConnectAck(conn net.Conn, open protocol.OpenPayload) error {
	deadline := time.Now().Add(c.opts.DialTimeout)
	for {
		conn.SetReadDeadline(deadline)
		raw, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			return fmt.Errorf("client: handshake read: %w", err)
		}
		ft, body, err := protocol.DecodeFrame(raw)
		if err != nil || ft != protocol.FrameMessage {
			continue
		}
		pkt, err := protocol.Decode(body)
		if err != nil {
			continue
		}
		switch pkt.Type {
		case protocol.PacketConnect:
			return nil
		case protocol.PacketError:
			var ep protocol.ErrorPayload
			_ = json.Unmarshal(pkt.Data, &ep)
			return fmt.Errorf("client: handshake refused: %s %s", ep.Code, ep.Message)
		}
	}
}

// readLoop consumes frames until the transport fails or the client closes.
func (c *Client) readLoop(conn net.Conn, open protocol.OpenPayload) error {
	readTimeout := time.Duration(open.PingTimeoutMs) * time.Millisecond
	if readTimeout <= 0 {
		readTimeout = time.Minute
	}
	for {
		select {
		case <-c.closed:
			return ErrClosed
		default:
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		raw, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			return err
		}
		ft, body, err := protocol.DecodeFrame(raw)
		if err != nil {
			continue
		}
		switch ft {
		case protocol.FramePing:
			_ = c.writeFrame(protocol.EncodeFrame(protocol.FramePong, nil))
		case protocol.FrameMessage:
			pkt, err := protocol.Decode(body)
			if err != nil {
				continue
			}
			c.handlePacket(pkt)
		}
	}
}

func (c *Client) handlePacket(pkt protocol.Packet) {
	switch pkt.Type {
	case protocol.PacketEvent:
		if pkt.Event == protocol.EventServerShutdown {
			var notice protocol.ServerShutdownPayload
			if err := json.Unmarshal(pkt.Data, &notice); err == nil && notice.ReconnectDelayMs > 0 {
				c.advisedDelayMs.Store(notice.ReconnectDelayMs)
				c.log.Info().
					Int64("delay_ms", notice.ReconnectDelayMs).
					Msg("Server shutdown notice received")
			}
		}
		c.handlerMu.RLock()
		handlers := c.handlers[pkt.Event]
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(pkt.Data)
		}
	case protocol.PacketAck:
		c.resolveAck(pkt.AckID, pkt.Data)
	case protocol.PacketError:
		c.handlerMu.RLock()
		handlers := c.handlers[protocol.EventError]
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(pkt.Data)
		}
	}
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.writePacket(protocol.Packet{
		Type:      protocol.PacketEvent,
		Namespace: c.opts.Handshake.Namespace,
		Event:     event,
		Data:      data,
	})
}

// EmitWithAck sends an event and waits for the server's correlated ack.
func (c *Client) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	c.ackMu.Lock()
	c.ackNext++
	id := c.ackNext
	ch := make(chan json.RawMessage, 1)
	c.acks[id] = ch
	c.ackMu.Unlock()

	err = c.writePacket(protocol.Packet{
		Type:      protocol.PacketEvent,
		Namespace: c.opts.Handshake.Namespace,
		Event:     event,
		Data:      data,
		AckID:     id,
		HasAck:    true,
	})
	if err != nil {
		c.dropAck(id)
		return nil, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return res, nil
	case <-timer.C:
		c.dropAck(id)
		return nil, ErrAckTimeout
	case <-ctx.Done():
		c.dropAck(id)
		return nil, ctx.Err()
	case <-c.closed:
		c.dropAck(id)
		return nil, ErrClosed
	}
}

func (c *Client) resolveAck(id int64, data json.RawMessage) {
	c.ackMu.Lock()
	ch, ok := c.acks[id]
	delete(c.acks, id)
	c.ackMu.Unlock()
	if ok {
		ch <- data
	}
}

func (c *Client) dropAck(id int64) {
	c.ackMu.Lock()
	delete(c.acks, id)
	c.ackMu.Unlock()
}

func (c *Client) failPendingAcks() {
	c.ackMu.Lock()
	pending := c.acks
	c.acks = make(map[int64]chan json.RawMessage)
	c.ackMu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) writePacket(pkt protocol.Packet) error {
	frame, err := pkt.EncodeMessage()
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

func (c *Client) writeFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return wsutil.WriteClientMessage(c.conn, ws.OpText, frame)
}

// Close ends the session permanently; no reconnect follows. A best-effort
// DISCONNECT packet tells the server this departure is deliberate.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		_ = c.writePacket(protocol.Packet{
			Type:      protocol.PacketDisconnect,
			Namespace: c.opts.Handshake.Namespace,
		})
		close(c.closed)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}
