// ABOUTME: Tool event handling for agents: catalog queries and tool execution.
// ABOUTME: Replies are <action>Response envelopes correlated by request id.

package router

import (
	"context"

	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/registry"
	"github.com/codeboltai/codebolt-router/internal/tools"
)

// toolPayload is the data agents send with tool events.
type toolPayload struct {
	ToolName  string         `json:"toolName"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params"`
	Arguments map[string]any `json:"arguments"`
	Names     []string       `json:"toolNames"`
	Query     string         `json:"query"`
}

func (p toolPayload) tool() string {
	if p.ToolName != "" {
		return p.ToolName
	}
	return p.Name
}

func (p toolPayload) params() map[string]any {
	if p.Params != nil {
		return p.Params
	}
	if p.Arguments != nil {
		return p.Arguments
	}
	return map[string]any{}
}

func (r *Agents) handleTool(ctx context.Context, agent *registry.Connection, env *envelope.Envelope) {
	typ := envelope.ResponseType(env.Action)
	corr := env.CorrelationID()

	if r.tools == nil {
		r.reply(ctx, agent, envelope.Failure(typ, corr, envelope.KindRouting, "tools are not available"))
		return
	}

	var p toolPayload
	if len(env.Data) > 0 {
		if err := env.DecodeData(&p); err != nil {
			r.reply(ctx, agent, envelope.Failure(typ, corr, envelope.KindValidation, err.Error()))
			return
		}
	}

	reg := r.tools.Registry()
	var resp *envelope.Envelope
	switch env.Action {
	case envelope.ActionGetEnabledToolBoxes:
		resp = envelope.Success(typ, corr, reg.EnabledToolboxes())
	case envelope.ActionSearchToolBoxes:
		resp = envelope.Success(typ, corr, reg.SearchToolboxes(p.Query))
	case envelope.ActionGetAvailableTools:
		resp = envelope.Success(typ, corr, reg.GetAll())
	case envelope.ActionGetToolsByName:
		resp = envelope.Success(typ, corr, reg.FilterByName(p.Names))
	case envelope.ActionExecuteTool:
		resp = r.execute(ctx, agent, env, p)
	}
	if resp == nil {
		return
	}
	resp.MessageID = env.MessageID
	resp.ThreadID = env.ThreadID
	r.reply(ctx, agent, resp)
}

// execute runs the tool directly, or hands it to the tool approval handler
// and returns nil when the descriptor needs approval.
func (r *Agents) execute(ctx context.Context, agent *registry.Connection, env *envelope.Envelope, p toolPayload) *envelope.Envelope {
	typ := envelope.ResponseType(env.Action)
	corr := env.CorrelationID()
	name := p.tool()
	if name == "" {
		return envelope.Failure(typ, corr, envelope.KindValidation, "toolName is required")
	}

	if desc, ok := r.tools.Registry().Get(name); ok && r.tools.Registry().Enabled(desc.Toolbox) && desc.NeedsApproval() {
		h, ok := r.approvals[envelope.ActionExecuteTool]
		if !ok {
			r.logger.Warn("refusing tool that needs approval", "agent_id", agent.ID, "tool", name)
			return envelope.Failure(typ, corr, envelope.KindRouting, "tool "+name+" requires approval and none is configured")
		}
		req := env.Clone()
		req.AgentID = agent.ID
		h.HandleRequest(ctx, agent, req)
		return nil
	}

	res := r.tools.ExecuteFor(tools.WithCaller(ctx, agent.ID), agent.ID, corr, name, p.params())
	if res.OK() {
		return envelope.Success(typ, corr, res)
	}

	r.logger.Info("tool call failed", "agent_id", agent.ID, "tool", name, "kind", res.ErrorKind, "error", res.Error)
	out := envelope.Failure(typ, corr, toolErrorKind(res.ErrorKind), res.Error)
	out.Data = envelope.MustData(res)
	return out
}

func toolErrorKind(kind string) envelope.Kind {
	switch envelope.Kind(kind) {
	case envelope.KindValidation, envelope.KindExecution, envelope.KindTimeout, envelope.KindRouting:
		return envelope.Kind(kind)
	}
	return envelope.KindExecution
}
