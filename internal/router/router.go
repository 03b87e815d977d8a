// ABOUTME: Collaborator interfaces shared by the client, agent and remote routers.
// ABOUTME: Concrete implementations live in approval, dispatch, remote, spawn and tools.

// Package router classifies inbound envelopes and hands each variant to the
// component that owns it.
package router

import (
	"context"

	"github.com/codeboltai/codebolt-router/internal/dedupe"
	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/registry"
	"github.com/codeboltai/codebolt-router/internal/remote"
	"github.com/codeboltai/codebolt-router/internal/tools"
)

// ApprovalHandler is one approval-gated operation.
type ApprovalHandler interface {
	Action() string
	HandleRequest(ctx context.Context, agent *registry.Connection, req *envelope.Envelope)
	HandleConfirmation(ctx context.Context, msg *envelope.ConfirmationResponse) bool
	HandleRemoteNotification(ctx context.Context, env *envelope.Envelope) bool
	AbandonAgent(ctx context.Context, agentID string) int
}

// Dispatch delivers client envelopes toward agents.
type Dispatch interface {
	// SendResponseToAgent returns the delivery tier that accepted env.
	SendResponseToAgent(ctx context.Context, clientID string, env *envelope.Envelope) (string, error)
	SendInitialMessage(ctx context.Context, client *registry.Connection, start *envelope.SessionStart) error
	DeliverToAgent(ctx context.Context, env *envelope.Envelope) (string, bool)
}

// AppMirror relays client envelopes to the remote proxy.
type AppMirror interface {
	ForwardAppMessage(ctx context.Context, clientID string, env *envelope.Envelope, opts ...remote.Option) error
}

// AgentMirror relays agent envelopes to the remote proxy.
type AgentMirror interface {
	ForwardAgentMessage(ctx context.Context, agent *registry.Connection, env *envelope.Envelope) error
}

// ToolRunner executes tools on behalf of a connection.
type ToolRunner interface {
	Registry() *tools.Registry
	ExecuteFor(ctx context.Context, ownerID, callID, name string, params map[string]any) *tools.Result
	CancelOwner(ownerID string) int
}

// ReadyMarker resolves spawn readiness futures.
type ReadyMarker interface {
	MarkReady(instanceID, agentID string) bool
}

// resolveConfirmation offers a decision to every handler. At most one owns
// the correlation id; the rest report false.
func resolveConfirmation(ctx context.Context, handlers []ApprovalHandler, msg *envelope.ConfirmationResponse) bool {
	claimed := false
	for _, h := range handlers {
		if h.HandleConfirmation(ctx, msg) {
			claimed = true
		}
	}
	return claimed
}

func resolveRemote(ctx context.Context, handlers []ApprovalHandler, env *envelope.Envelope) bool {
	claimed := false
	for _, h := range handlers {
		if h.HandleRemoteNotification(ctx, env) {
			claimed = true
		}
	}
	return claimed
}

func dedupeKey(senderID string, env *envelope.Envelope) string {
	corr := env.CorrelationID()
	if corr == "" {
		return ""
	}
	return dedupe.Key(senderID, env.Type+"/"+env.Action+"/"+corr)
}
