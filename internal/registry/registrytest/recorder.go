// ABOUTME: In-memory Sender that records every envelope it is given.
// ABOUTME: Used by tests across packages to stand in for a live transport.

package registrytest

import (
	"context"
	"sync"

	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/registry"
)

// Recorder captures sent envelopes. Set Err to make every Send fail.
type Recorder struct {
	mu   sync.Mutex
	sent []*envelope.Envelope
	Err  error
}

// Send records env, or returns Err when set.
func (r *Recorder) Send(_ context.Context, env *envelope.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, env)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (r *Recorder) Sent() []*envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*envelope.Envelope, len(r.sent))
	copy(out, r.sent)
	return out
}

// OfType returns delivered envelopes with the given type.
func (r *Recorder) OfType(typ string) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, env := range r.Sent() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// SetErr changes the failure mode under the lock.
func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	r.Err = err
	r.mu.Unlock()
}

// Connect registers a connection backed by a new Recorder.
func Connect(reg *registry.Registry, p registry.ConnectionParams) (*registry.Connection, *Recorder) {
	rec := &Recorder{}
	p.Sender = rec
	c := registry.NewConnection(p)
	if err := reg.Register(c); err != nil {
		panic(err)
	}
	return c, rec
}
