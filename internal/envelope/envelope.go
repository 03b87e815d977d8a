// ABOUTME: RoutedMessage envelope carried across every router boundary.
// ABOUTME: Normalizes error shapes at decode time and builds response envelopes.

// Package envelope defines the JSON message format shared by every peer
// and classifies inbound envelopes into closed variants.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Message types the router itself understands. Everything else is opaque
// and routed by the fallback policy.
const (
	TypeConfirmationRequest  = "confirmationRequest"
	TypeConfirmationResponse = "confirmationResponse"
	TypeRemoteNotification   = "remoteNotification"
	TypeMessageResponse      = "messageResponse"
	TypeAgentReady           = "agentReady"
	TypeFSEvent              = "fsEvent"
	TypeToolEvent            = "toolEvent"
	TypeNotification         = "notification"
	TypeError                = "error"
)

// ErrMalformed indicates an envelope could not be decoded.
var ErrMalformed = errors.New("malformed envelope")

// Kind classifies a failure carried in an envelope.
type Kind string

const (
	KindRouting           Kind = "routing"
	KindValidation        Kind = "validation"
	KindExecution         Kind = "execution"
	KindRejected          Kind = "rejected"
	KindSpawn             Kind = "spawn"
	KindRemoteUnavailable Kind = "remote_unavailable"
	KindTimeout           Kind = "timeout"
	KindUnknown           Kind = "unknown"
)

// Error is the single error shape used past the decode boundary.
// Peers send either a bare string or an object with a message field;
// both decode into this.
type Error struct {
	Message string `json:"message"`
	Kind    Kind   `json:"kind,omitempty"`
}

func (e *Error) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

// UnmarshalJSON accepts "text", {"message": "..."} and {"error": "..."}.
func (e *Error) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		e.Message = s
		e.Kind = KindUnknown
		return nil
	}

	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Kind    Kind   `json:"kind"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: error field: %v", ErrMalformed, err)
	}
	e.Message = obj.Message
	if e.Message == "" {
		e.Message = obj.Error
	}
	e.Kind = obj.Kind
	if e.Kind == "" && obj.Code != "" {
		e.Kind = Kind(obj.Code)
	}
	if e.Kind == "" {
		e.Kind = KindUnknown
	}
	return nil
}

// Envelope is the unit of routing, ordering and idempotency.
type Envelope struct {
	Type            string          `json:"type"`
	Action          string          `json:"action,omitempty"`
	RequestID       string          `json:"requestId,omitempty"`
	MessageID       string          `json:"messageId,omitempty"`
	AgentID         string          `json:"agentId,omitempty"`
	AgentInstanceID string          `json:"agentInstanceId,omitempty"`
	ThreadID        string          `json:"threadId,omitempty"`
	Success         *bool           `json:"success,omitempty"`
	Error           *Error          `json:"error,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	Message         json.RawMessage `json:"message,omitempty"`
}

// Decode parses a raw frame into an Envelope.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &env, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// CorrelationID returns the id used to correlate this envelope with its
// request, preferring requestId over messageId.
func (e *Envelope) CorrelationID() string {
	if e.RequestID != "" {
		return e.RequestID
	}
	return e.MessageID
}

// Clone returns a shallow copy. Data and Message are shared; treat them as
// read-only.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Success != nil {
		ok := *e.Success
		c.Success = &ok
	}
	if e.Error != nil {
		errCopy := *e.Error
		c.Error = &errCopy
	}
	return &c
}

// Succeeded reports the success discriminant. Envelopes without one count
// as successful unless they carry an error.
func (e *Envelope) Succeeded() bool {
	if e.Success != nil {
		return *e.Success
	}
	return e.Error == nil
}

// Field returns a top-level string field from Data, or "" when absent.
func (e *Envelope) Field(key string) string {
	if len(e.Data) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// TargetAgentID resolves the agent a response is destined for. The id
// carried in data wins over the envelope header.
func (e *Envelope) TargetAgentID() string {
	if id := e.Field("agentId"); id != "" {
		return id
	}
	return e.AgentID
}

// DecodeData unmarshals Data into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: empty data", ErrMalformed)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	return nil
}

// MustData marshals v for use as Data. Values that cannot be marshaled
// yield an empty payload.
func MustData(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Success builds a successful response envelope.
func Success(typ, requestID string, data any) *Envelope {
	ok := true
	return &Envelope{
		Type:      typ,
		RequestID: requestID,
		Success:   &ok,
		Data:      MustData(data),
	}
}

// Failure builds a failed response envelope carrying a normalized error.
func Failure(typ, requestID string, kind Kind, message string) *Envelope {
	ok := false
	return &Envelope{
		Type:      typ,
		RequestID: requestID,
		Success:   &ok,
		Error:     &Error{Message: message, Kind: kind},
	}
}

// ResponseType names the reply type for a request action, e.g.
// "readFile" becomes "readFileResponse".
func ResponseType(action string) string {
	if action == "" {
		return "response"
	}
	return action + "Response"
}
