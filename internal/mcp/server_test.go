// ABOUTME: Tests for the MCP HTTP server: session lifecycle, tool listing and execution.
// ABOUTME: Uses an in-memory tool catalog behind a real dispatcher.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeboltai/codebolt-router/internal/auth"
	"github.com/codeboltai/codebolt-router/internal/tools"
)

var testSecret = []byte("mcp-test-secret-mcp-test-secret!")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, authn *auth.Authenticator) (*Server, chan struct{}) {
	t.Helper()
	started := make(chan struct{}, 1)
	boxes := []*tools.Toolbox{{
		Name: "test",
		Tools: []*tools.Descriptor{
			{
				Name:        "echo",
				DisplayName: "Echo",
				Description: "Echo the message",
				Schema: tools.MustSchema(`{
					"type": "object",
					"properties": {"message": {"type": "string"}},
					"required": ["message"]
				}`),
				Run: func(_ context.Context, p map[string]any) (any, error) {
					return p["message"], nil
				},
			},
			{
				Name: "stat",
				Run: func(context.Context, map[string]any) (any, error) {
					return map[string]any{"size": 42}, nil
				},
			},
			{
				Name: "block",
				Run: func(ctx context.Context, _ map[string]any) (any, error) {
					started <- struct{}{}
					<-ctx.Done()
					return nil, ctx.Err()
				},
			},
			{
				Name: "run",
				Kind: tools.KindExecute,
				Run: func(context.Context, map[string]any) (any, error) {
					return "ran", nil
				},
			},
		},
	}}
	reg, err := tools.NewRegistry(boxes, nil, testLogger())
	require.NoError(t, err)
	disp := tools.NewDispatcher(tools.DispatcherConfig{Registry: reg, Logger: testLogger(), Timeout: 5 * time.Second})

	srv, err := NewServer(Config{Dispatcher: disp, Authenticator: authn, Logger: testLogger(), Version: "test"})
	require.NoError(t, err)
	return srv, started
}

type rpcClient struct {
	t       *testing.T
	handler http.Handler
	session string
	token   string
}

func (c *rpcClient) call(method string, params any) (*httptest.ResponseRecorder, JSONRPCResponse) {
	c.t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(c.t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(raw))
	if c.session != "" {
		req.Header.Set("Mcp-Session-Id", c.session)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)

	var resp JSONRPCResponse
	if rec.Code == http.StatusOK {
		require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func (c *rpcClient) initialize() {
	c.t.Helper()
	rec, resp := c.call("initialize", map[string]any{"protocolVersion": latestProtocolVersion})
	require.Nil(c.t, resp.Error)
	c.session = rec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(c.t, c.session)
}

func decodeResult[T any](t *testing.T, resp JSONRPCResponse) T {
	t.Helper()
	require.Nil(t, resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestNewServerRequiresDispatcher(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestInitialize(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	c := &rpcClient{t: t, handler: srv}

	rec, resp := c.call("initialize", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeResult[map[string]any](t, resp)
	assert.Equal(t, latestProtocolVersion, result["protocolVersion"])
	assert.Equal(t, "codebolt-router", result["serverInfo"].(map[string]any)["name"])
	assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))
	assert.Equal(t, 1, srv.Sessions())
}

func TestSessionRequired(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	t.Run("missing session header", func(t *testing.T) {
		c := &rpcClient{t: t, handler: srv}
		rec, _ := c.call("tools/list", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		c := &rpcClient{t: t, handler: srv, session: "nope"}
		rec, _ := c.call("tools/list", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestToolsList(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	c := &rpcClient{t: t, handler: srv}
	c.initialize()

	_, resp := c.call("tools/list", nil)
	result := decodeResult[ListToolsResult](t, resp)
	require.Len(t, result.Tools, 3, "tools needing approval are not listed")
	assert.Equal(t, "codebolt--echo", result.Tools[0].Name)
	assert.Equal(t, "Echo", result.Tools[0].Title)
	assert.Equal(t, []string{"message"}, result.Tools[0].InputSchema.Required)
	assert.Equal(t, "object", result.Tools[1].InputSchema.Type, "tools without a schema advertise an empty object")
}

func TestToolsCall(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	c := &rpcClient{t: t, handler: srv}
	c.initialize()

	t.Run("alias name", func(t *testing.T) {
		_, resp := c.call("tools/call", map[string]any{
			"name":      "codebolt--echo",
			"arguments": map[string]any{"message": "hi"},
		})
		result := decodeResult[CallToolResult](t, resp)
		assert.False(t, result.IsError)
		assert.Equal(t, "hi", result.Content[0].Text)
	})

	t.Run("structured result is JSON text", func(t *testing.T) {
		_, resp := c.call("tools/call", map[string]any{"name": "stat"})
		result := decodeResult[CallToolResult](t, resp)
		assert.JSONEq(t, `{"size":42}`, result.Content[0].Text)
	})

	t.Run("validation failure is a tool error", func(t *testing.T) {
		_, resp := c.call("tools/call", map[string]any{"name": "echo", "arguments": map[string]any{}})
		result := decodeResult[CallToolResult](t, resp)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content[0].Text, "message")
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, resp := c.call("tools/call", map[string]any{"name": "missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
	})

	t.Run("missing name", func(t *testing.T) {
		_, resp := c.call("tools/call", map[string]any{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
	})

	t.Run("tool needing approval is refused", func(t *testing.T) {
		_, resp := c.call("tools/call", map[string]any{"name": "run"})
		result := decodeResult[CallToolResult](t, resp)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content[0].Text, "not available over MCP")
	})
}

func TestProtocolErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	post := func(body string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec
	}

	t.Run("invalid JSON", func(t *testing.T) {
		rec := post("{", nil)
		assert.Contains(t, rec.Body.String(), "-32700")
	})

	t.Run("wrong version", func(t *testing.T) {
		rec := post(`{"jsonrpc":"1.0","id":1,"method":"initialize"}`, nil)
		assert.Contains(t, rec.Body.String(), "-32600")
	})

	t.Run("unsupported protocol header", func(t *testing.T) {
		rec := post(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, map[string]string{
			"Mcp-Protocol-Version": "1999-01-01",
			"Mcp-Session-Id":       "x",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		c := &rpcClient{t: t, handler: srv}
		c.initialize()
		_, resp := c.call("resources/list", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCMethodNotFound, resp.Error.Code)
	})

	t.Run("notification accepted", func(t *testing.T) {
		c := &rpcClient{t: t, handler: srv}
		c.initialize()
		rec := post(`{"jsonrpc":"2.0","method":"notifications/initialized"}`, map[string]string{
			"Mcp-Session-Id": c.session,
		})
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("GET not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestAuthentication(t *testing.T) {
	verifier := auth.NewJWTVerifier(testSecret)
	srv, _ := newTestServer(t, &auth.Authenticator{Verifier: verifier, Required: true})

	t.Run("missing token", func(t *testing.T) {
		c := &rpcClient{t: t, handler: srv}
		_, resp := c.call("initialize", nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidRequest, resp.Error.Code)
	})

	t.Run("token for another role", func(t *testing.T) {
		tok, err := verifier.Generate("agent-1", "agent", time.Hour)
		require.NoError(t, err)
		c := &rpcClient{t: t, handler: srv, token: tok}
		_, resp := c.call("initialize", nil)
		require.NotNil(t, resp.Error)
	})

	t.Run("valid token", func(t *testing.T) {
		tok, err := verifier.Generate("ide-1", Role, time.Hour)
		require.NoError(t, err)
		c := &rpcClient{t: t, handler: srv, token: tok}
		c.initialize()
	})
}

func TestDeleteSession(t *testing.T) {
	srv, started := newTestServer(t, nil)
	c := &rpcClient{t: t, handler: srv}
	c.initialize()

	done := make(chan JSONRPCResponse, 1)
	go func() {
		_, resp := c.call("tools/call", map[string]any{"name": "block"})
		done <- resp
	}()
	<-started

	del := func(session, token string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		if session != "" {
			req.Header.Set("Mcp-Session-Id", session)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusBadRequest, del("", ""))
	assert.Equal(t, http.StatusForbidden, del(c.session, "someone-else"))
	assert.Equal(t, http.StatusNoContent, del(c.session, ""))
	assert.Equal(t, http.StatusNotFound, del(c.session, ""))

	select {
	case resp := <-done:
		result := decodeResult[CallToolResult](t, resp)
		assert.True(t, result.IsError, "in-flight call is cancelled with the session")
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight call was not cancelled")
	}
	assert.Equal(t, 0, srv.Sessions())
}
