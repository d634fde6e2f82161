package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeck/relay/internal/protocol"
)

func TestEmitWithAckResolvesOnCorrelatedAck(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	c := newTestConn(t, s, "acme", "dev-1", protocol.NamespaceDevice)

	type result struct {
		data json.RawMessage
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.EmitWithAck(context.Background(), protocol.EventMessageNew, nil, time.Second)
		done <- result{data, err}
	}()

	// The outbound frame carries the allocated ack id; answer it.
	pkt := nextPacket(t, c)
	require.True(t, pkt.HasAck)
	c.acks.resolve(pkt.AckID, json.RawMessage(`{"ok":true}`))

	res := <-done
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"ok":true}`, string(res.data))
}

func TestEmitWithAckTimesOutWithoutReply(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	c := newTestConn(t, s, "acme", "dev-1", protocol.NamespaceDevice)

	start := time.Now()
	_, err := c.EmitWithAck(context.Background(), protocol.EventMessageNew, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrAckTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// A resolve arriving after the deadline must not deliver anywhere.
	pkt := nextPacket(t, c)
	c.acks.resolve(pkt.AckID, json.RawMessage(`{}`))
}

func TestEmitWithAckDoesNotReuseIDsAfterTimeout(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	c := newTestConn(t, s, "acme", "dev-1", protocol.NamespaceDevice)

	_, err := c.EmitWithAck(context.Background(), protocol.EventMessageNew, nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrAckTimeout)
	first := nextPacket(t, c)

	_, err = c.EmitWithAck(context.Background(), protocol.EventMessageNew, nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrAckTimeout)
	second := nextPacket(t, c)

	assert.Greater(t, second.AckID, first.AckID)
}

func TestEmitWithAckUsesConfiguredDefaultTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 50 * time.Millisecond
	s, _ := newTestServer(t, cfg)
	c := newTestConn(t, s, "acme", "dev-1", protocol.NamespaceDevice)

	start := time.Now()
	_, err := c.EmitWithAck(context.Background(), protocol.EventMessageNew, nil, 0)
	assert.ErrorIs(t, err, ErrAckTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEmitWithAckFailsOnClosedConnection(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	c := newTestConn(t, s, "acme", "dev-1", protocol.NamespaceDevice)

	done := make(chan error, 1)
	go func() {
		_, err := c.EmitWithAck(context.Background(), protocol.EventMessageNew, nil, 5*time.Second)
		done <- err
	}()
	_ = nextPacket(t, c) // event is on the wire, ack now pending

	s.disconnect(c, "client_close")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnClosed)
	case <-time.After(time.Second):
		t.Fatal("pending ack not failed on teardown")
	}
}
