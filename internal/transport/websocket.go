// ABOUTME: WebSocket transport serving /ws/{role} for agents, apps and terminals.
// ABOUTME: Handshake parameters arrive as query values; writes are serialized per connection.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/codeboltai/codebolt-router/internal/auth"
	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/registry"
)

// WebSocketServer upgrades HTTP requests into router connections.
type WebSocketServer struct {
	hub            *Hub
	originPatterns []string
}

// NewWebSocketServer creates a WebSocket transport. originPatterns lists
// browser origins allowed in addition to same-host requests.
func NewWebSocketServer(hub *Hub, originPatterns ...string) *WebSocketServer {
	return &WebSocketServer{hub: hub, originPatterns: originPatterns}
}

// RegisterRoutes mounts the transport at /ws/{role}.
func (s *WebSocketServer) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws/{role}", s)
}

// ServeHTTP performs the handshake and serves the connection until either
// side closes it.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role, err := parseHandshakeRole(r.PathValue("role"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	hs := Handshake{
		Role:       role,
		ID:         q.Get("id"),
		InstanceID: q.Get("instanceId"),
		ParentID:   q.Get("parentId"),
		ThreadID:   q.Get("threadId"),
		AgentType:  q.Get("agentType"),
		Token:      auth.RequestToken(r),
		Remote:     r.RemoteAddr,
	}
	if _, err := s.hub.authenticate(&hs); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.hub.logger.Debug("websocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.hub.cfg.MaxMessageBytes)

	sender := &wsSender{conn: conn, timeout: s.hub.cfg.WriteTimeout}
	c, err := s.hub.attach(hs, sender)
	if err != nil {
		s.hub.logger.Warn("websocket registration refused", "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, truncateReason(err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer s.hub.detach(ctx, c)

	go s.keepalive(ctx, cancel, conn, c)

	err = s.readLoop(ctx, conn, c)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
		s.hub.logger.Debug("websocket closed by peer", "id", c.ID, "status", websocket.CloseStatus(err))
	default:
		s.hub.logger.Info("websocket read failed", "id", c.ID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "read failed")
	}
}

func (s *WebSocketServer) readLoop(ctx context.Context, conn *websocket.Conn, c *registry.Connection) error {
	limiter := s.hub.newLimiter()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		if err := s.hub.receive(ctx, c, limiter, data); err != nil {
			return err
		}
	}
}

// keepalive pings the peer and cancels the connection when a ping fails.
func (s *WebSocketServer) keepalive(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *registry.Connection) {
	ticker := time.NewTicker(s.hub.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, s.hub.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() == nil {
					s.hub.logger.Info("websocket ping failed", "id", c.ID, "error", err)
				}
				cancel()
				return
			}
		}
	}
}

// wsSender writes envelopes as text frames, one at a time.
type wsSender struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSender) Send(ctx context.Context, env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// truncateReason keeps a close reason within the 123 bytes a close frame allows.
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
