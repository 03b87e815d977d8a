// ABOUTME: Handshake authentication shared by the WebSocket, gRPC and HTTP surfaces.
// ABOUTME: Tokens come from the Authorization header, a token query parameter or gRPC metadata.

// Package auth verifies bearer tokens presented when a peer connects.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ErrRoleNotAllowed indicates the token is restricted to another role.
var ErrRoleNotAllowed = errors.New("token not valid for role")

// Authenticator admits peers. With Required unset, peers without a token
// are admitted anonymously; a token that is present must still verify.
type Authenticator struct {
	Verifier TokenVerifier // nil disables verification entirely
	Required bool
	Logger   *slog.Logger
}

// Check verifies token for a peer connecting as role.
func (a *Authenticator) Check(token, role string) (*Identity, error) {
	if a == nil || a.Verifier == nil {
		return &Identity{Role: role, Anonymous: true}, nil
	}
	if token == "" {
		if a.Required {
			return nil, ErrMissingToken
		}
		return &Identity{Role: role, Anonymous: true}, nil
	}
	claims, err := a.Verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Role != "" && role != "" && claims.Role != role {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotAllowed, role)
	}
	return &Identity{Subject: claims.Subject, Role: role}, nil
}

// BearerToken extracts a bearer token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// RequestToken returns the token on an HTTP request: header first, then
// the token query parameter.
func RequestToken(r *http.Request) string {
	if t := BearerToken(r.Header.Get("Authorization")); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

// Middleware authenticates HTTP API requests.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Check(RequestToken(r), "")
		if err != nil {
			a.logFailure("http", err, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// MetadataValue returns the first value for key in incoming gRPC metadata.
func MetadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context { return s.ctx }

// StreamInterceptor authenticates gRPC streams using the "authorization"
// and "role" metadata keys.
func (a *Authenticator) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(srv, ss)
		}
		ctx := ss.Context()
		token := BearerToken(MetadataValue(ctx, "authorization"))
		id, err := a.Check(token, MetadataValue(ctx, "role"))
		if err != nil {
			a.logFailure("grpc", err, "method", info.FullMethod)
			return status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(srv, &identityStream{ServerStream: ss, ctx: WithIdentity(ctx, id)})
	}
}

func (a *Authenticator) logFailure(surface string, err error, attrs ...any) {
	if a.Logger == nil {
		return
	}
	a.Logger.Warn("auth failure", append([]any{"surface", surface, "error", err}, attrs...)...)
}
