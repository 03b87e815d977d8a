// ABOUTME: Identity attached to a request or connection context after authentication.
// ABOUTME: WithIdentity/FromContext propagate it to handlers.

package auth

import "context"

// Identity is an authenticated (or admitted anonymous) peer.
type Identity struct {
	Subject   string
	Role      string
	Anonymous bool
}

type identityKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the Identity in ctx, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
