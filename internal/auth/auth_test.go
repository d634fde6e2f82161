package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeck/relay/internal/protocol"
)

func TestJWTRoundTrip(t *testing.T) {
	a := NewJWTAuthenticator("secret")
	id := Identity{TenantID: "acme", PrincipalID: "dev-1", Namespace: protocol.NamespaceDevice}

	token, err := a.IssueToken(id, time.Minute)
	require.NoError(t, err)

	got, err := a.Authenticate(context.Background(), protocol.Handshake{
		TenantID:    "acme",
		PrincipalID: "dev-1",
		Credential:  token,
		Namespace:   protocol.NamespaceDevice,
	})
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestJWTRejectsMismatchedHandshake(t *testing.T) {
	a := NewJWTAuthenticator("secret")
	token, err := a.IssueToken(Identity{
		TenantID:    "acme",
		PrincipalID: "dev-1",
		Namespace:   protocol.NamespaceDevice,
	}, time.Minute)
	require.NoError(t, err)

	cases := map[string]protocol.Handshake{
		"wrong tenant": {
			TenantID: "other", PrincipalID: "dev-1",
			Credential: token, Namespace: protocol.NamespaceDevice,
		},
		"wrong principal": {
			TenantID: "acme", PrincipalID: "dev-2",
			Credential: token, Namespace: protocol.NamespaceDevice,
		},
		"wrong namespace": {
			TenantID: "acme", PrincipalID: "dev-1",
			Credential: token, Namespace: protocol.NamespaceOperator,
		},
	}
	for name, hs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), hs)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	a := NewJWTAuthenticator("secret")
	token, err := a.IssueToken(Identity{
		TenantID:    "acme",
		PrincipalID: "dev-1",
		Namespace:   protocol.NamespaceDevice,
	}, -time.Minute)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), protocol.Handshake{
		TenantID: "acme", PrincipalID: "dev-1",
		Credential: token, Namespace: protocol.NamespaceDevice,
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTAuthenticator("secret-a")
	verifier := NewJWTAuthenticator("secret-b")
	token, err := issuer.IssueToken(Identity{
		TenantID:    "acme",
		PrincipalID: "dev-1",
		Namespace:   protocol.NamespaceDevice,
	}, time.Minute)
	require.NoError(t, err)

	_, err = verifier.Authenticate(context.Background(), protocol.Handshake{
		TenantID: "acme", PrincipalID: "dev-1",
		Credential: token, Namespace: protocol.NamespaceDevice,
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWTRejectsUnknownNamespace(t *testing.T) {
	a := NewJWTAuthenticator("secret")
	_, err := a.Authenticate(context.Background(), protocol.Handshake{
		TenantID: "acme", PrincipalID: "dev-1",
		Credential: "anything", Namespace: "/admin",
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStaticAuthenticator(t *testing.T) {
	a := &StaticAuthenticator{Identities: map[string]Identity{
		"tok": {TenantID: "acme", PrincipalID: "dev-1", Namespace: protocol.NamespaceDevice},
	}}

	got, err := a.Authenticate(context.Background(), protocol.Handshake{
		TenantID: "acme", PrincipalID: "dev-1",
		Credential: "tok", Namespace: protocol.NamespaceDevice,
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)

	_, err = a.Authenticate(context.Background(), protocol.Handshake{
		TenantID: "acme", PrincipalID: "dev-1",
		Credential: "bad", Namespace: protocol.NamespaceDevice,
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}
