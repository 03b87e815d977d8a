// ABOUTME: Router for envelopes pushed by the remote proxy.
// ABOUTME: Decisions resolve pending approvals; agent-bound envelopes use local tiers only.

package router

import (
	"context"
	"log/slog"

	"github.com/codeboltai/codebolt-router/internal/dedupe"
	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/metrics"
)

// Remote routes proxy notifications.
type Remote struct {
	approvals []ApprovalHandler
	dispatch  Dispatch
	replays   *dedupe.Window
	logger    *slog.Logger
}

// NewRemote creates a remote router.
func NewRemote(approvals []ApprovalHandler, dispatch Dispatch, replays *dedupe.Window, logger *slog.Logger) *Remote {
	return &Remote{
		approvals: approvals,
		dispatch:  dispatch,
		replays:   replays,
		logger:    logger.With("component", "router.remote"),
	}
}

// Handle matches remote.Handler.
func (r *Remote) Handle(ctx context.Context, env *envelope.Envelope) {
	if r.replays != nil && r.replays.Seen(dedupeKey("remote", env)) {
		metrics.MessageRouted("remote", "duplicate")
		return
	}

	switch env.Type {
	case envelope.TypeConfirmationResponse, envelope.TypeRemoteNotification:
		if resolveRemote(ctx, r.approvals, env) {
			metrics.MessageRouted("remote", "confirmation")
			return
		}
		if env.Type == envelope.TypeConfirmationResponse || isDecision(env) {
			// Already resolved elsewhere or expired; the agent got its one response.
			r.logger.Warn("remote decision matched no pending request", "request_id", env.CorrelationID(), "agent_id", env.TargetAgentID())
			metrics.MessageRouted("remote", "stale_confirmation")
			return
		}
	}

	if env.TargetAgentID() == "" && env.AgentInstanceID == "" {
		r.logger.Debug("ignoring remote notification without agent", "type", env.Type)
		metrics.MessageRouted("remote", "dropped")
		return
	}
	if tier, ok := r.dispatch.DeliverToAgent(ctx, env); ok {
		metrics.DeliveredVia(tier)
		metrics.MessageRouted("remote", "delivered")
		return
	}
	r.logger.Warn("remote envelope undeliverable", "type", env.Type, "agent_id", env.TargetAgentID())
	metrics.MessageRouted("remote", "undeliverable")
}

// isDecision reports whether env carries a correlation id and an explicit
// approval decision.
func isDecision(env *envelope.Envelope) bool {
	res, err := envelope.DecodeResolution(env)
	return err == nil && res.Decided
}
