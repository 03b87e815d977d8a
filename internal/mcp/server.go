// ABOUTME: MCP-compatible HTTP server exposing the tool catalog to external callers.
// ABOUTME: Implements the Streamable HTTP transport with per-session tool ownership.

package mcp

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeboltai/codebolt-router/internal/auth"
	"github.com/codeboltai/codebolt-router/internal/tools"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// Role is the connection role MCP callers authenticate as.
const Role = "mcp"

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// ToolInfo is one entry of a tools/list result.
type ToolInfo struct {
	Name        string        `json:"name"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description"`
	InputSchema *tools.Schema `json:"inputSchema"`
}

// ListToolsResult is the result for tools/list.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// CallToolParams are the params for tools/call.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult is the result for tools/call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is a text block in a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type session struct {
	id              string
	protocolVersion string
	subject         string
	ownerToken      string
	createdAt       time.Time
}

// owner is the dispatcher owner id for the session's tool calls.
func (s *session) owner() string {
	return "mcp:" + s.id
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

func (s *sessionStore) create(protocolVersion, subject, ownerToken string) *session {
	sess := &session{
		id:              uuid.NewString(),
		protocolVersion: protocolVersion,
		subject:         subject,
		ownerToken:      ownerToken,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Config holds configuration for the MCP server.
type Config struct {
	Dispatcher    *tools.Dispatcher
	Authenticator *auth.Authenticator // nil admits everyone
	Logger        *slog.Logger
	Version       string
}

// Server implements the MCP endpoint.
type Server struct {
	dispatcher *tools.Dispatcher
	auth       *auth.Authenticator
	logger     *slog.Logger
	version    string
	sessions   *sessionStore
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		dispatcher: cfg.Dispatcher,
		auth:       cfg.Authenticator,
		logger:     logger.With("component", "mcp"),
		version:    version,
		sessions:   newSessionStore(),
	}, nil
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/mcp", s)
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	return s.sessions.len()
}

// ServeHTTP dispatches on method: POST carries JSON-RPC, DELETE ends a session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if sess.ownerToken != auth.RequestToken(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	cancelled := s.dispatcher.CancelOwner(sess.owner())
	s.logger.Info("MCP session terminated", "session_id", sessionID, "cancelled_calls", cancelled)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendError(w, nil, JSONRPCParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendError(w, nil, JSONRPCInvalidRequest, "request body too large")
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, JSONRPCParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version")
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	var sess *session
	if !isInitialize {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		var ok bool
		if sess, ok = s.sessions.get(sessionID); !ok {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req)
	case "ping":
		s.sendResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(w, r, req, sess)
	default:
		s.sendError(w, req.ID, JSONRPCMethodNotFound, "method not found")
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	token := auth.RequestToken(r)
	id, err := s.auth.Check(token, Role)
	if err != nil {
		s.logger.Warn("MCP initialize rejected", "error", err, "remote_addr", r.RemoteAddr)
		s.sendError(w, req.ID, JSONRPCInvalidRequest, "authentication failed")
		return
	}

	sess := s.sessions.create(latestProtocolVersion, id.Subject, token)
	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"subject", sess.subject,
		"anonymous", id.Anonymous,
	)

	w.Header().Set("Mcp-Session-Id", sess.id)
	s.sendResult(w, req.ID, map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "codebolt-router",
			"version": s.version,
		},
	})
}

func (s *Server) handleToolsList(w http.ResponseWriter, req JSONRPCRequest) {
	reg := s.dispatcher.Registry()
	result := ListToolsResult{Tools: []ToolInfo{}}
	for _, d := range reg.GetAll() {
		if !callable(reg, d) {
			continue
		}
		schema := d.Schema
		if schema == nil {
			schema = &tools.Schema{Type: "object"}
		}
		result.Tools = append(result.Tools, ToolInfo{
			Name:        d.Alias(),
			Title:       d.DisplayName,
			Description: d.Description,
			InputSchema: schema,
		})
	}
	s.sendResult(w, req.ID, result)
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, sess *session) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, JSONRPCInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendError(w, req.ID, JSONRPCInvalidParams, "tool name is required")
		return
	}
	reg := s.dispatcher.Registry()
	d, ok := reg.Get(params.Name)
	if !ok {
		s.sendError(w, req.ID, JSONRPCInvalidParams, "tool not found")
		return
	}
	if !callable(reg, d) {
		s.logger.Info("refusing tool over MCP", "tool_name", d.Name, "session_id", sess.id)
		s.sendResult(w, req.ID, CallToolResult{
			Content: []Content{{Type: "text", Text: "tool " + d.Name + " is not available over MCP"}},
			IsError: true,
		})
		return
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	callID := uuid.NewString()
	res := s.dispatcher.ExecuteFor(r.Context(), sess.owner(), callID, params.Name, params.Arguments)

	s.logger.Debug("tools/call complete",
		"tool_name", params.Name,
		"call_id", callID,
		"session_id", sess.id,
		"status", res.Status,
	)
	s.sendResult(w, req.ID, toCallResult(res))
}

// callable reports whether MCP sessions may run d. Sessions have no parent
// client to approve a call, so tools that need approval are withheld.
func callable(reg *tools.Registry, d *tools.Descriptor) bool {
	return reg.Enabled(d.Toolbox) && !d.NeedsApproval()
}

func toCallResult(res *tools.Result) CallToolResult {
	if !res.OK() {
		return CallToolResult{Content: []Content{{Type: "text", Text: res.Error}}, IsError: true}
	}
	var text string
	switch v := res.Result.(type) {
	case string:
		text = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return CallToolResult{Content: []Content{{Type: "text", Text: err.Error()}}, IsError: true}
		}
		text = string(b)
	}
	return CallToolResult{Content: []Content{{Type: "text", Text: text}}}
}

func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	s.write(w, JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.write(w, JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message}})
}

func (s *Server) write(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
