// ABOUTME: Inbound router for agent envelopes: readiness, approvals, tools and passthrough.
// ABOUTME: Every agent envelope is mirrored to the remote proxy after routing.

package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codeboltai/codebolt-router/internal/dedupe"
	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/metrics"
	"github.com/codeboltai/codebolt-router/internal/registry"
)

// AgentsConfig contains configuration options for Agents.
type AgentsConfig struct {
	Registry  *registry.Registry
	Approvals []ApprovalHandler
	Tools     ToolRunner
	Ready     ReadyMarker // may be nil
	Mirror    AgentMirror // may be nil
	Replays   *dedupe.Window
	Logger    *slog.Logger
}

// Agents routes envelopes received from agents.
type Agents struct {
	registry  *registry.Registry
	approvals map[string]ApprovalHandler
	tools     ToolRunner
	ready     ReadyMarker
	mirror    AgentMirror
	replays   *dedupe.Window
	logger    *slog.Logger

	calls sync.WaitGroup
}

// NewAgents creates an agent router.
func NewAgents(cfg AgentsConfig) *Agents {
	approvals := make(map[string]ApprovalHandler, len(cfg.Approvals))
	for _, h := range cfg.Approvals {
		approvals[h.Action()] = h
	}
	return &Agents{
		registry:  cfg.Registry,
		approvals: approvals,
		tools:     cfg.Tools,
		ready:     cfg.Ready,
		mirror:    cfg.Mirror,
		replays:   cfg.Replays,
		logger:    cfg.Logger.With("component", "router.agents"),
	}
}

// Handle routes one envelope from agent.
func (r *Agents) Handle(ctx context.Context, agent *registry.Connection, env *envelope.Envelope) {
	if r.replays != nil && r.replays.Seen(dedupeKey(agent.ID, env)) {
		r.logger.Debug("dropping replayed envelope", "agent_id", agent.ID, "type", env.Type, "request_id", env.CorrelationID())
		metrics.MessageRouted("agent", "duplicate")
		return
	}

	switch m := envelope.ClassifyAgent(env).(type) {
	case *envelope.ReadyNotice:
		if r.ready == nil || !r.ready.MarkReady(agent.InstanceID, agent.ID) {
			r.logger.Debug("ready notice from agent not awaiting readiness", "agent_id", agent.ID, "instance_id", agent.InstanceID)
		}
		metrics.MessageRouted("agent", "ready")
		r.toParent(ctx, agent, env)

	case *envelope.ResourceRequest:
		h, ok := r.approvals[env.Action]
		if !ok {
			r.logger.Warn("no handler for file action", "agent_id", agent.ID, "action", env.Action)
			r.reply(ctx, agent, envelope.Failure(envelope.ResponseType(env.Action), env.CorrelationID(),
				envelope.KindRouting, "unsupported action "+env.Action))
			metrics.MessageRouted("agent", "unsupported")
			break
		}
		metrics.MessageRouted("agent", "approval")
		h.HandleRequest(ctx, agent, m.Env)

	case *envelope.ToolRequest:
		metrics.MessageRouted("agent", "tool")
		r.calls.Add(1)
		go func() {
			defer r.calls.Done()
			r.handleTool(ctx, agent, m.Env)
		}()

	case *envelope.Passthrough:
		metrics.MessageRouted("agent", "passthrough")
		r.toParent(ctx, agent, env)
	}

	if r.mirror != nil {
		_ = r.mirror.ForwardAgentMessage(ctx, agent, env)
	}
}

// toParent delivers env to the agent's parent client, or every app and TUI
// when the agent has none.
func (r *Agents) toParent(ctx context.Context, agent *registry.Connection, env *envelope.Envelope) {
	out := env.Clone()
	out.AgentID = agent.ID
	if out.AgentInstanceID == "" {
		out.AgentInstanceID = agent.InstanceID
	}
	if parent, ok := r.registry.ResolveParent(agent.ID); ok {
		if r.registry.SendToClient(ctx, parent, out) {
			return
		}
	}
	n := r.registry.BroadcastClients(ctx, out)
	r.logger.Debug("agent message broadcast", "agent_id", agent.ID, "type", env.Type, "delivered", n)
}

func (r *Agents) reply(ctx context.Context, agent *registry.Connection, resp *envelope.Envelope) {
	resp.AgentID = agent.ID
	if !r.registry.SendTo(ctx, registry.RoleAgent, agent.ID, resp) {
		r.logger.Warn("agent gone before reply", "agent_id", agent.ID, "type", resp.Type)
	}
}

// Disconnected cancels the agent's in-flight tool calls and drops its
// pending approvals.
func (r *Agents) Disconnected(ctx context.Context, agent *registry.Connection) {
	cancelled := 0
	if r.tools != nil {
		cancelled = r.tools.CancelOwner(agent.ID)
	}
	abandoned := 0
	for _, h := range r.approvals {
		abandoned += h.AbandonAgent(ctx, agent.ID)
	}
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", agent.ID,
		"instance_id", agent.InstanceID,
		"cancelled_calls", cancelled,
		"abandoned_approvals", abandoned,
	)
}

// Wait blocks until in-flight tool calls finish.
func (r *Agents) Wait() {
	r.calls.Wait()
}
