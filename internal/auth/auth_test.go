// ABOUTME: Tests for JWT verification, handshake admission and the HTTP middleware.
// ABOUTME: Tokens are generated with the same verifier type they are checked with.

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	t.Run("round trip", func(t *testing.T) {
		tok, err := v.Generate("agent-1", "agent", time.Hour)
		require.NoError(t, err)
		claims, err := v.Verify(tok)
		require.NoError(t, err)
		assert.Equal(t, "agent-1", claims.Subject)
		assert.Equal(t, "agent", claims.Role)
	})

	t.Run("expired", func(t *testing.T) {
		tok, err := v.Generate("agent-1", "", -time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(tok)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong secret", func() string {
			tok, _ := NewJWTVerifier([]byte("other")).Generate("x", "", time.Hour)
			return tok
		}(), ErrInvalidToken},
		{"missing subject", func() string {
			tok, _ := v.Generate("", "", time.Hour)
			return tok
		}(), ErrMissingClaim},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAuthenticatorCheck(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	agentTok, _ := v.Generate("agent-1", "agent", time.Hour)
	anyTok, _ := v.Generate("app-1", "", time.Hour)

	t.Run("optional admits anonymous", func(t *testing.T) {
		a := &Authenticator{Verifier: v}
		id, err := a.Check("", "app")
		require.NoError(t, err)
		assert.True(t, id.Anonymous)
	})

	t.Run("optional still rejects bad tokens", func(t *testing.T) {
		a := &Authenticator{Verifier: v}
		_, err := a.Check("junk", "app")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("required rejects missing", func(t *testing.T) {
		a := &Authenticator{Verifier: v, Required: true}
		_, err := a.Check("", "app")
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("role restriction", func(t *testing.T) {
		a := &Authenticator{Verifier: v, Required: true}
		_, err := a.Check(agentTok, "app")
		assert.ErrorIs(t, err, ErrRoleNotAllowed)

		id, err := a.Check(agentTok, "agent")
		require.NoError(t, err)
		assert.Equal(t, "agent-1", id.Subject)

		_, err = a.Check(anyTok, "tui")
		assert.NoError(t, err)
	})

	t.Run("nil authenticator admits", func(t *testing.T) {
		var a *Authenticator
		_, err := a.Check("", "agent")
		assert.NoError(t, err)
	})
}

func TestMiddleware(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	a := &Authenticator{Verifier: v, Required: true}
	var seen *Identity
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/connections", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, _ := v.Generate("ops", "", time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "ops", seen.Subject)

	t.Run("query token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/connections?token="+tok, nil)
		assert.Equal(t, tok, RequestToken(req))
	})
}

func TestMetadataValue(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("role", "agent", "authorization", "Bearer abc"))
	assert.Equal(t, "agent", MetadataValue(ctx, "role"))
	assert.Equal(t, "abc", BearerToken(MetadataValue(ctx, "authorization")))
	assert.Equal(t, "", MetadataValue(context.Background(), "role"))
}
