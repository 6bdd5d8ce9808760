package client

import (
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/verr"
)

// Authenticator resolves an upgrade request's identity before the
// gateway accepts the socket. Authentication and authorization
// proper are assumed to happen upstream of this repository; this
// interface only needs a concrete implementation to keep the gateway
// wired to a real dependency rather than a stub.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// claims is the minimal shape this repository expects a view-syncer
// access token to carry.
type claims struct {
	jwt.RegisteredClaims
	GroupID  string            `json:"group_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// JWTAuthenticator verifies a bearer token carried either as an
// Authorization header or a "token" query parameter (browsers cannot
// set headers on a WebSocket upgrade request), against a single
// shared signing key.
type JWTAuthenticator struct {
	key []byte
}

// NewJWTAuthenticator builds an Authenticator that verifies HS256
// tokens signed with key.
func NewJWTAuthenticator(key []byte) *JWTAuthenticator {
	return &JWTAuthenticator{key: key}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		authFailures.WithLabelValues("missing_token").Inc()
		return Identity{}, verr.New(verr.BadRequest, "missing bearer token")
	}

	token, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		return a.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		authFailures.WithLabelValues("invalid_token").Inc()
		return Identity{}, verr.Wrap(verr.BadRequest, "invalid bearer token", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || c.Subject == "" || c.GroupID == "" {
		authFailures.WithLabelValues("missing_claims").Inc()
		return Identity{}, verr.New(verr.BadRequest, "token missing subject or group_id claim")
	}

	return Identity{
		ClientID: c.Subject,
		GroupID:  cvr.GroupID(c.GroupID),
		Metadata: c.Metadata,
	}, nil
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > len("Bearer ") && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return r.URL.Query().Get("token")
}
