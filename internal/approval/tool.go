// ABOUTME: Tool calls that need the parent client's approval before they run.
// ABOUTME: The grant is keyed on the tool name plus the command or path it targets.

package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/tools"
)

// ToolRunner executes catalog tools for an owner.
type ToolRunner interface {
	ExecuteFor(ctx context.Context, ownerID, callID, name string, params map[string]any) *tools.Result
}

// ToolCall gates executeTool requests for tools whose descriptor needs
// approval. Requests must carry the calling agent's id in AgentID.
type ToolCall struct {
	runner ToolRunner
}

// NewToolCall creates the tool call operation.
func NewToolCall(runner ToolRunner) *ToolCall {
	return &ToolCall{runner: runner}
}

type toolRequest struct {
	ToolName  string         `json:"toolName"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params"`
	Arguments map[string]any `json:"arguments"`
}

func decodeToolRequest(req *envelope.Envelope) (string, map[string]any, error) {
	var tr toolRequest
	if err := req.DecodeData(&tr); err != nil {
		return "", nil, err
	}
	name := tools.StripAlias(tr.ToolName)
	if name == "" {
		name = tools.StripAlias(tr.Name)
	}
	if name == "" {
		return "", nil, fmt.Errorf("%w: toolName is required", envelope.ErrMalformed)
	}
	params := tr.Params
	if params == nil {
		params = tr.Arguments
	}
	if params == nil {
		params = map[string]any{}
	}
	return name, params, nil
}

func (*ToolCall) Action() string { return envelope.ActionExecuteTool }

// Resource names the call by tool and target, e.g. "execute_command: make test".
func (*ToolCall) Resource(req *envelope.Envelope) (string, error) {
	name, params, err := decodeToolRequest(req)
	if err != nil {
		return "", err
	}
	for _, key := range []string{"command", "path", "url"} {
		if v, ok := params[key].(string); ok && strings.TrimSpace(v) != "" {
			return name + ": " + v, nil
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", envelope.ErrMalformed, err)
	}
	return name + ": " + string(b), nil
}

func (t *ToolCall) Execute(ctx context.Context, req *envelope.Envelope, _ string) (any, error) {
	name, params, err := decodeToolRequest(req)
	if err != nil {
		return nil, err
	}
	if req.AgentID == "" {
		return nil, errors.New("tool call has no owning agent")
	}
	res := t.runner.ExecuteFor(tools.WithCaller(ctx, req.AgentID), req.AgentID, req.CorrelationID(), name, params)
	if res.OK() {
		return res, nil
	}
	if res.ErrorKind == string(envelope.KindValidation) {
		return nil, fmt.Errorf("%w: %s", envelope.ErrMalformed, res.Error)
	}
	return nil, errors.New(res.Error)
}
