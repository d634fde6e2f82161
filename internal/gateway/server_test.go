package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeck/relay/internal/auth"
	"github.com/helpdeck/relay/internal/backend"
	"github.com/helpdeck/relay/internal/bus"
	"github.com/helpdeck/relay/internal/protocol"
	"github.com/helpdeck/relay/internal/store"
	"github.com/helpdeck/relay/pkg/client"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	cfg := testConfig()

	be := backend.NewMemory()
	be.SeedConversation(backend.Conversation{ID: "conv-1", TenantID: "acme", DeviceID: "dev-1"})

	srv, err := NewServer(Options{
		Config: cfg,
		Logger: zerolog.Nop(),
		Store:  store.NewMemoryStore(),
		Bus:    bus.NewLocalBus(),
		Auth: &auth.StaticAuthenticator{Identities: map[string]auth.Identity{
			"dev-token": {TenantID: "acme", PrincipalID: "dev-1", Namespace: protocol.NamespaceDevice},
			"op-token":  {TenantID: "acme", PrincipalID: "op-1", Namespace: protocol.NamespaceOperator},
		}},
		Backend: be,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	return srv
}

func startClient(t *testing.T, srv *Server, credential, principal, namespace string) *client.Client {
	t.Helper()
	c, err := client.New(client.Options{
		URL: "ws://" + srv.Addr() + "/ws",
		Handshake: protocol.Handshake{
			TenantID:    "acme",
			PrincipalID: principal,
			Credential:  credential,
			Namespace:   namespace,
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	go c.Run(context.Background())
	require.Eventually(t, func() bool {
		return c.State() == client.StateConnected
	}, 3*time.Second, 10*time.Millisecond, "client never connected")
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEndToEndConnectAndAck(t *testing.T) {
	srv := startServer(t)
	defer srv.Shutdown()

	connected := make(chan protocol.ConnectedPayload, 1)
	c, err := client.New(client.Options{
		URL: "ws://" + srv.Addr() + "/ws",
		Handshake: protocol.Handshake{
			TenantID:    "acme",
			PrincipalID: "dev-1",
			Credential:  "dev-token",
			Namespace:   protocol.NamespaceDevice,
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	c.OnEvent(protocol.EventConnected, func(data json.RawMessage) {
		var p protocol.ConnectedPayload
		if json.Unmarshal(data, &p) == nil {
			connected <- p
		}
	})
	go c.Run(context.Background())
	defer c.Close()

	select {
	case p := <-connected:
		assert.NotEmpty(t, p.ConnectionID)
	case <-time.After(3 * time.Second):
		t.Fatal("connected event not received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = c.EmitWithAck(ctx, protocol.EventPing, nil)
	require.NoError(t, err)
}

func TestEndToEndAuthFailure(t *testing.T) {
	srv := startServer(t)
	defer srv.Shutdown()

	c, err := client.New(client.Options{
		URL: "ws://" + srv.Addr() + "/ws",
		Handshake: protocol.Handshake{
			TenantID:    "acme",
			PrincipalID: "dev-1",
			Credential:  "wrong-token",
			Namespace:   protocol.NamespaceDevice,
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	go c.Run(context.Background())
	defer c.Close()

	assert.Never(t, func() bool {
		return c.State() == client.StateConnected
	}, 500*time.Millisecond, 25*time.Millisecond, "handshake with a bad credential must not connect")
	assert.EqualValues(t, 0, srv.ActiveConnections())
}

func TestEndToEndMessageFlow(t *testing.T) {
	srv := startServer(t)
	defer srv.Shutdown()

	device := startClient(t, srv, "dev-token", "dev-1", protocol.NamespaceDevice)
	operator := startClient(t, srv, "op-token", "op-1", protocol.NamespaceOperator)

	incoming := make(chan protocol.MessageNewPayload, 1)
	device.OnEvent(protocol.EventMessageNew, func(data json.RawMessage) {
		var p protocol.MessageNewPayload
		if json.Unmarshal(data, &p) == nil {
			incoming <- p
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := device.EmitWithAck(ctx, protocol.EventConversationJoin,
		protocol.ConversationJoinRequest{ConversationID: "conv-1"})
	require.NoError(t, err)

	raw, err := operator.EmitWithAck(ctx, protocol.EventMessageSend,
		protocol.MessageSendRequest{ConversationID: "conv-1", Body: "hello there", LocalID: "l-1"})
	require.NoError(t, err)
	var sa protocol.SendAck
	require.NoError(t, json.Unmarshal(raw, &sa))
	require.True(t, sa.Success)
	assert.Equal(t, "hello there", sa.Message.Body)

	select {
	case msg := <-incoming:
		assert.Equal(t, sa.Message.ID, msg.ID)
		assert.Equal(t, "hello there", msg.Body)
	case <-time.After(3 * time.Second):
		t.Fatal("device never received the broadcast")
	}
}

func TestEndToEndShutdownNotice(t *testing.T) {
	srv := startServer(t)

	device := startClient(t, srv, "dev-token", "dev-1", protocol.NamespaceDevice)

	notice := make(chan protocol.ServerShutdownPayload, 1)
	device.OnEvent(protocol.EventServerShutdown, func(data json.RawMessage) {
		var p protocol.ServerShutdownPayload
		if json.Unmarshal(data, &p) == nil {
			notice <- p
		}
	})

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()

	select {
	case p := <-notice:
		assert.EqualValues(t, 5000, p.ReconnectDelayMs)
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown notice not received")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.EqualValues(t, 0, srv.ActiveConnections())
}
