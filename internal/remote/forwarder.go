// ABOUTME: Remote Forwarder: best-effort mirror of cross-boundary messages to the proxy.
// ABOUTME: RequireRemote turns an absent or failing proxy into a routing error.

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/metrics"
	"github.com/codeboltai/codebolt-router/internal/registry"
)

// ErrRemoteUnavailable indicates the message required the remote proxy and
// it was not configured or could not accept the message.
var ErrRemoteUnavailable = errors.New("remote proxy unavailable")

// Direction records which side of the router a forwarded message came from.
type Direction string

const (
	FromAgent Direction = "agent"
	FromApp   Direction = "app"
)

// Message is the frame published to the proxy.
type Message struct {
	Direction        Direction          `json:"direction"`
	SenderID         string             `json:"senderId"`
	SenderInstanceID string             `json:"senderInstanceId,omitempty"`
	Envelope         *envelope.Envelope `json:"envelope"`
}

// Handler receives envelopes pushed by the proxy.
type Handler func(ctx context.Context, env *envelope.Envelope)

// Proxy is an external relay channel.
type Proxy interface {
	Publish(ctx context.Context, msg *Message) error
	Subscribe(handler Handler) error
	Close() error
}

// ClientSender delivers envelopes to an app or TUI by id.
type ClientSender interface {
	SendToClientID(ctx context.Context, id string, env *envelope.Envelope) bool
}

type forwardOptions struct {
	requireRemote bool
}

// Option adjusts a single forward call.
type Option func(*forwardOptions)

// RequireRemote makes forwarding failure visible to the sender.
func RequireRemote() Option {
	return func(o *forwardOptions) { o.requireRemote = true }
}

// Forwarder mirrors messages to the remote proxy. A nil proxy is valid and
// means remote relay is disabled.
type Forwarder struct {
	proxy   Proxy
	clients ClientSender
	logger  *slog.Logger
}

// NewForwarder creates a Forwarder. proxy may be nil.
func NewForwarder(proxy Proxy, clients ClientSender, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		proxy:   proxy,
		clients: clients,
		logger:  logger,
	}
}

// ForwardAgentMessage mirrors an agent-originated envelope. Failures are
// logged and never returned.
func (f *Forwarder) ForwardAgentMessage(ctx context.Context, agent *registry.Connection, env *envelope.Envelope) error {
	if f.proxy == nil {
		f.logger.Debug("remote proxy not configured, skipping agent mirror", "agent_id", agent.ID, "type", env.Type)
		metrics.Forwarded(string(FromAgent), "skipped")
		return nil
	}

	out := env.Clone()
	out.AgentID = agent.ID
	if out.AgentInstanceID == "" {
		out.AgentInstanceID = agent.InstanceID
	}
	msg := &Message{
		Direction:        FromAgent,
		SenderID:         agent.ID,
		SenderInstanceID: agent.InstanceID,
		Envelope:         out,
	}
	if err := f.proxy.Publish(ctx, msg); err != nil {
		f.logger.Warn("mirroring agent message failed", "agent_id", agent.ID, "type", env.Type, "error", err)
		metrics.Forwarded(string(FromAgent), "error")
		return nil
	}
	metrics.Forwarded(string(FromAgent), "ok")
	return nil
}

// ForwardAppMessage mirrors a client-originated envelope. With
// RequireRemote, an unavailable proxy sends an error envelope back to the
// client and returns ErrRemoteUnavailable.
func (f *Forwarder) ForwardAppMessage(ctx context.Context, clientID string, env *envelope.Envelope, opts ...Option) error {
	var o forwardOptions
	for _, opt := range opts {
		opt(&o)
	}

	if f.proxy == nil {
		f.logger.Warn("remote proxy not configured", "client_id", clientID, "type", env.Type, "require_remote", o.requireRemote)
		metrics.Forwarded(string(FromApp), "skipped")
		if !o.requireRemote {
			return nil
		}
		return f.fail(ctx, clientID, env, ErrRemoteUnavailable)
	}

	msg := &Message{
		Direction: FromApp,
		SenderID:  clientID,
		Envelope:  env,
	}
	if err := f.proxy.Publish(ctx, msg); err != nil {
		metrics.Forwarded(string(FromApp), "error")
		if !o.requireRemote {
			f.logger.Warn("mirroring app message failed", "client_id", clientID, "type", env.Type, "error", err)
			return nil
		}
		return f.fail(ctx, clientID, env, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err))
	}
	metrics.Forwarded(string(FromApp), "ok")
	return nil
}

// Subscribe attaches handler to the proxy's inbound notification stream.
func (f *Forwarder) Subscribe(handler Handler) error {
	if f.proxy == nil {
		return nil
	}
	return f.proxy.Subscribe(handler)
}

// Close releases the proxy.
func (f *Forwarder) Close() error {
	if f.proxy == nil {
		return nil
	}
	return f.proxy.Close()
}

func (f *Forwarder) fail(ctx context.Context, clientID string, env *envelope.Envelope, err error) error {
	reply := envelope.Failure(envelope.TypeError, env.CorrelationID(), envelope.KindRemoteUnavailable,
		fmt.Sprintf("no route for %s: %v", env.Type, err))
	reply.AgentID = env.TargetAgentID()
	if f.clients != nil && !f.clients.SendToClientID(ctx, clientID, reply) {
		f.logger.Warn("could not report remote failure to client", "client_id", clientID)
	}
	return err
}
