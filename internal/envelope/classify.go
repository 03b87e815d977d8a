// ABOUTME: Closed message variants for client- and agent-originated envelopes.
// ABOUTME: Tag-to-decoder tables replace ad hoc string branching in the routers.

package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClientMessage is a classified envelope received from an app or TUI.
// The set of implementations is closed: ConfirmationResponse, SessionStart
// and GenericResponse.
type ClientMessage interface {
	Envelope() *Envelope
	clientMessage()
}

// Resolution is the decision carried by a confirmation reply or a remote
// approval notification.
type Resolution struct {
	CorrelationID string
	Approved      bool
	Reason        string
	// Decided is false when no decision field was present.
	Decided bool
}

// ConfirmationResponse answers a pending approval prompt.
type ConfirmationResponse struct {
	Env *Envelope
	Resolution
}

// SessionStart begins a brand-new user session and may spawn an agent.
type SessionStart struct {
	Env     *Envelope
	Message UserMessage
}

// GenericResponse is any other client message; it is destined for the
// agent named by AgentID, which may be empty.
type GenericResponse struct {
	Env     *Envelope
	AgentID string
}

func (m *ConfirmationResponse) Envelope() *Envelope { return m.Env }
func (m *SessionStart) Envelope() *Envelope         { return m.Env }
func (m *GenericResponse) Envelope() *Envelope      { return m.Env }

func (*ConfirmationResponse) clientMessage() {}
func (*SessionStart) clientMessage()         {}
func (*GenericResponse) clientMessage()      {}

// UserMessage is the payload of a session start.
type UserMessage struct {
	Text          string        `json:"userMessage"`
	ThreadID      string        `json:"threadId,omitempty"`
	MessageID     string        `json:"messageId,omitempty"`
	SelectedAgent SelectedAgent `json:"selectedAgent"`
}

// SelectedAgent names the agent a session should run on.
type SelectedAgent struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	AgentType    string `json:"agentType,omitempty"`
	AgentDetails string `json:"agentDetails,omitempty"`
}

type clientDecoder func(*Envelope) (ClientMessage, error)

var clientDecoders = map[string]clientDecoder{
	TypeConfirmationResponse: decodeConfirmation,
	TypeMessageResponse:      decodeSessionStart,
}

// ClassifyClient maps a client envelope to its variant. Unknown types are
// generic responses.
func ClassifyClient(env *Envelope) (ClientMessage, error) {
	if dec, ok := clientDecoders[env.Type]; ok {
		return dec(env)
	}
	return &GenericResponse{Env: env, AgentID: env.TargetAgentID()}, nil
}

func decodeConfirmation(env *Envelope) (ClientMessage, error) {
	res, err := DecodeResolution(env)
	if err != nil {
		return nil, err
	}
	return &ConfirmationResponse{Env: env, Resolution: res}, nil
}

func decodeSessionStart(env *Envelope) (ClientMessage, error) {
	raw := env.Message
	if len(raw) == 0 {
		raw = env.Data
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: messageResponse without message", ErrMalformed)
	}
	var msg UserMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: user message: %v", ErrMalformed, err)
	}
	if msg.ThreadID == "" {
		msg.ThreadID = env.ThreadID
	}
	if msg.MessageID == "" {
		msg.MessageID = env.MessageID
	}
	return &SessionStart{Env: env, Message: msg}, nil
}

// resolutionPayload accepts the shapes apps, TUIs and the remote proxy use
// to express a decision.
type resolutionPayload struct {
	Approved    *bool  `json:"approved"`
	State       string `json:"state"`
	Decision    string `json:"decision"`
	UserMessage string `json:"userMessage"`
	Reason      string `json:"reason"`
	RequestID   string `json:"requestId"`
}

var approvingWords = map[string]bool{
	"approve":  true,
	"approved": true,
	"allow":    true,
	"allowed":  true,
	"yes":      true,
	"accept":   true,
	"accepted": true,
}

// DecodeResolution extracts the correlation id and decision from a
// confirmation reply or remote notification. A missing decision is a
// rejection.
func DecodeResolution(env *Envelope) (Resolution, error) {
	res := Resolution{CorrelationID: env.CorrelationID()}

	var p resolutionPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Resolution{}, fmt.Errorf("%w: resolution: %v", ErrMalformed, err)
		}
	}
	if res.CorrelationID == "" {
		res.CorrelationID = p.RequestID
	}
	if res.CorrelationID == "" {
		return Resolution{}, fmt.Errorf("%w: resolution without correlation id", ErrMalformed)
	}

	res.Decided = true
	switch {
	case p.Approved != nil:
		res.Approved = *p.Approved
	case p.State != "":
		res.Approved = approvingWords[strings.ToLower(p.State)]
	case p.Decision != "":
		res.Approved = approvingWords[strings.ToLower(p.Decision)]
	case p.UserMessage != "":
		res.Approved = approvingWords[strings.ToLower(p.UserMessage)]
	default:
		res.Decided = false
	}
	res.Reason = p.Reason
	if env.Error != nil && res.Reason == "" {
		res.Reason = env.Error.Message
	}
	return res, nil
}

// AgentMessage is a classified envelope received from an agent.
// Implementations: ReadyNotice, ResourceRequest, ToolRequest, Passthrough.
type AgentMessage interface {
	Envelope() *Envelope
	agentMessage()
}

// ReadyNotice signals that a spawned agent can receive its first message.
type ReadyNotice struct{ Env *Envelope }

// ResourceRequest is an approval-gated operation such as readFile.
type ResourceRequest struct{ Env *Envelope }

// ToolRequest asks the tool dispatcher to list or execute tools.
type ToolRequest struct{ Env *Envelope }

// Passthrough is relayed to the agent's parent client.
type Passthrough struct{ Env *Envelope }

func (m *ReadyNotice) Envelope() *Envelope     { return m.Env }
func (m *ResourceRequest) Envelope() *Envelope { return m.Env }
func (m *ToolRequest) Envelope() *Envelope     { return m.Env }
func (m *Passthrough) Envelope() *Envelope     { return m.Env }

func (*ReadyNotice) agentMessage()     {}
func (*ResourceRequest) agentMessage() {}
func (*ToolRequest) agentMessage()     {}
func (*Passthrough) agentMessage()     {}

// Agent actions the router owns.
const (
	ActionReadFile   = "readFile"
	ActionWriteFile  = "writeFile"
	ActionDeleteFile = "deleteFile"

	ActionExecuteTool         = "executeTool"
	ActionGetEnabledToolBoxes = "getEnabledToolBoxes"
	ActionSearchToolBoxes     = "searchAvailableToolBoxes"
	ActionGetAvailableTools   = "getAvailableTools"
	ActionGetToolsByName      = "getToolsByName"
)

var agentDecoders = map[string]func(*Envelope) AgentMessage{
	TypeAgentReady: func(env *Envelope) AgentMessage { return &ReadyNotice{Env: env} },
	TypeFSEvent: func(env *Envelope) AgentMessage {
		switch env.Action {
		case ActionReadFile, ActionWriteFile, ActionDeleteFile:
			return &ResourceRequest{Env: env}
		}
		return &Passthrough{Env: env}
	},
	TypeToolEvent: func(env *Envelope) AgentMessage {
		switch env.Action {
		case ActionExecuteTool, ActionGetEnabledToolBoxes, ActionSearchToolBoxes,
			ActionGetAvailableTools, ActionGetToolsByName:
			return &ToolRequest{Env: env}
		}
		return &Passthrough{Env: env}
	},
}

// ClassifyAgent maps an agent envelope to its variant.
func ClassifyAgent(env *Envelope) AgentMessage {
	if dec, ok := agentDecoders[env.Type]; ok {
		return dec(env)
	}
	return &Passthrough{Env: env}
}
