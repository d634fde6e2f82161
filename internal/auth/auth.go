// Package auth validates handshake credentials. The production validator
// checks an HS256 token binding tenant, principal and namespace; handshakes
// failing validation never reach connection-established state.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/helpdeck/relay/internal/protocol"
)

// ErrUnauthorized rejects a handshake. The gateway sends an ERROR packet
// and closes the transport without creating a connection.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is the validated result of a handshake.
type Identity struct {
	TenantID    string
	PrincipalID string
	Namespace   string
}

// Authenticator validates a handshake against the credential issuer.
type Authenticator interface {
	Authenticate(ctx context.Context, hs protocol.Handshake) (Identity, error)
}

// Claims is the token payload issued to devices and operators.
type Claims struct {
	TenantID  string `json:"tenantId"`
	Namespace string `json:"namespace"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 credentials.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator builds a validator over the shared signing secret.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, hs protocol.Handshake) (Identity, error) {
	if !protocol.ValidNamespace(hs.Namespace) {
		return Identity{}, fmt.Errorf("%w: unknown namespace %q", ErrUnauthorized, hs.Namespace)
	}
	token, err := jwt.ParseWithClaims(hs.Credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrUnauthorized)
	}
	// The credential must bind exactly the identity the handshake asserts.
	if claims.TenantID != hs.TenantID || claims.Subject != hs.PrincipalID || claims.Namespace != hs.Namespace {
		return Identity{}, fmt.Errorf("%w: credential does not match handshake", ErrUnauthorized)
	}
	return Identity{TenantID: hs.TenantID, PrincipalID: hs.PrincipalID, Namespace: hs.Namespace}, nil
}

// IssueToken signs a credential for the given identity. Used by token
// issuance tooling and tests; the gateway itself only verifies.
func (a *JWTAuthenticator) IssueToken(id Identity, ttl time.Duration) (string, error) {
	claims := &Claims{
		TenantID:  id.TenantID,
		Namespace: id.Namespace,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.PrincipalID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "helpdeck-relay",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// StaticAuthenticator maps credentials to identities directly. Test helper.
type StaticAuthenticator struct {
	Identities map[string]Identity // credential -> identity
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, hs protocol.Handshake) (Identity, error) {
	id, ok := a.Identities[hs.Credential]
	if !ok || id.TenantID != hs.TenantID || id.PrincipalID != hs.PrincipalID || id.Namespace != hs.Namespace {
		return Identity{}, ErrUnauthorized
	}
	return id, nil
}
