package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helpdeck/relay/internal/auth"
	"github.com/helpdeck/relay/internal/metrics"
	"github.com/helpdeck/relay/internal/protocol"
)

// Connection lifecycle states.
const (
	StateDisconnected int32 = iota
	StateConnecting
	StateConnected
	StateClosing
)

var (
	// ErrAckTimeout is surfaced only to the caller awaiting that ack; the
	// connection stays open.
	ErrAckTimeout = errors.New("gateway: ack timeout")

	// ErrConnClosed fails operations on a torn-down connection.
	ErrConnClosed = errors.New("gateway: connection closed")

	// ErrSendBufferFull reports a dropped enqueue on a saturated outbound
	// queue.
	ErrSendBufferFull = errors.New("gateway: send buffer full")
)

// slowStrikes is how many consecutive full-buffer drops force-close a
// connection. One slow peer must not pin broadcast memory for everyone.
const slowStrikes = 3

// Conn is one authenticated gateway connection. It is owned exclusively by
// the process that accepted it and never shared across processes; all
// cross-process state goes through presence and rooms.
type Conn struct {
	id       string
	identity auth.Identity
	netConn  net.Conn
	server   *Server

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	state           atomic.Int32
	authenticatedAt time.Time
	lastHeartbeat   atomic.Int64 // unix millis

	acks *ackTable

	slowCount atomic.Int32

	typingMu     sync.Mutex
	typingTimers map[string]*time.Timer // conversationID -> auto-stop timer
}

func (c *Conn) ID() string        { return c.id }
func (c *Conn) Tenant() string    { return c.identity.TenantID }
func (c *Conn) Namespace() string { return c.identity.Namespace }
func (c *Conn) Principal() string { return c.identity.PrincipalID }

// State returns the connection lifecycle state.
func (c *Conn) State() int32 { return c.state.Load() }

func (c *Conn) touchHeartbeat() {
	c.lastHeartbeat.Store(time.Now().UnixMilli())
}

// enqueue places a raw frame on the outbound queue without blocking.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		c.slowCount.Store(0)
		return true
	default:
		if c.slowCount.Add(1) >= slowStrikes {
			c.server.disconnect(c, "slow_consumer")
		}
		return false
	}
}

// Deliver implements rooms.Conn: enqueue an event frame, dropping on a full
// buffer.
func (c *Conn) Deliver(event string, data json.RawMessage) bool {
	pkt := protocol.Packet{
		Type:      protocol.PacketEvent,
		Namespace: c.identity.Namespace,
		Event:     event,
		Data:      data,
	}
	frame, err := pkt.EncodeMessage()
	if err != nil {
		return false
	}
	if !c.enqueue(frame) {
		return false
	}
	metrics.EventsSent.Inc()
	return true
}

// Emit sends a fire-and-forget event. It never waits for a response.
func (c *Conn) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if !c.Deliver(event, data) {
		return ErrSendBufferFull
	}
	return nil
}

// EmitWithAck sends an event carrying a fresh ack id and waits for the
// correlated ACK packet or the deadline, whichever comes first. A
// non-positive timeout selects the configured default. The ack id is not
// reused by any later call on this connection.
func (c *Conn) EmitWithAck(ctx context.Context, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.server.cfg.AckTimeout
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id, ch := c.acks.register()
	pkt := protocol.Packet{
		Type:      protocol.PacketEvent,
		Namespace: c.identity.Namespace,
		Event:     event,
		Data:      data,
		AckID:     id,
		HasAck:    true,
	}
	frame, err := pkt.EncodeMessage()
	if err != nil {
		c.acks.drop(id)
		return nil, err
	}
	if !c.enqueue(frame) {
		c.acks.drop(id)
		return nil, ErrSendBufferFull
	}
	metrics.EventsSent.Inc()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	case <-timer.C:
		c.acks.drop(id)
		metrics.AckTimeouts.Inc()
		return nil, ErrAckTimeout
	case <-ctx.Done():
		c.acks.drop(id)
		return nil, ctx.Err()
	}
}

// sendAck answers an inbound event that carried an ack id.
func (c *Conn) sendAck(id int64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	pkt := protocol.Packet{
		Type:      protocol.PacketAck,
		Namespace: c.identity.Namespace,
		AckID:     id,
		HasAck:    true,
		Data:      data,
	}
	if frame, err := pkt.EncodeMessage(); err == nil {
		c.enqueue(frame)
	}
}

// sendErrorEvent reports an in-band failure without tearing the connection
// down.
func (c *Conn) sendErrorEvent(code, message string, retryAfter time.Duration) {
	_ = c.Emit(protocol.EventError, protocol.ErrorPayload{
		Code:         code,
		Message:      message,
		RetryAfterMs: retryAfter.Milliseconds(),
	})
}

// scheduleTypingStop arms (or re-arms) the auto-expiry of a typing
// indicator; stop runs if no explicit typing:stop arrives in time.
func (c *Conn) scheduleTypingStop(conversationID string, after time.Duration, stop func()) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if t, ok := c.typingTimers[conversationID]; ok {
		t.Stop()
	}
	c.typingTimers[conversationID] = time.AfterFunc(after, func() {
		c.cancelTypingStop(conversationID)
		stop()
	})
}

// cancelTypingStop disarms the auto-expiry after an explicit stop.
func (c *Conn) cancelTypingStop(conversationID string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if t, ok := c.typingTimers[conversationID]; ok {
		t.Stop()
		delete(c.typingTimers, conversationID)
	}
}

func (c *Conn) cancelAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	for id, t := range c.typingTimers {
		t.Stop()
		delete(c.typingTimers, id)
	}
}
