// ABOUTME: WebSocket proxy client: one outbound connection to the cloud relay.
// ABOUTME: Reconnects with exponential backoff and feeds inbound frames to the handler.

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/codeboltai/codebolt-router/internal/envelope"
)

// ErrNotConnected indicates the proxy connection is currently down.
var ErrNotConnected = errors.New("remote proxy not connected")

// WebSocketConfig configures a WebSocketProxy.
type WebSocketConfig struct {
	URL          string
	Token        string
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
}

// WebSocketProxy relays frames over a single long-lived WebSocket.
type WebSocketProxy struct {
	cfg    WebSocketConfig
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	handler Handler

	connected chan struct{}
	once      sync.Once
}

// NewWebSocketProxy creates a proxy client. Call Run to connect.
func NewWebSocketProxy(cfg WebSocketConfig, logger *slog.Logger) *WebSocketProxy {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &WebSocketProxy{
		cfg:       cfg,
		logger:    logger,
		connected: make(chan struct{}),
	}
}

// Subscribe sets the inbound handler. Frames that arrive before a handler
// is set are dropped.
func (p *WebSocketProxy) Subscribe(handler Handler) error {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
	return nil
}

// Connected is closed after the first successful dial.
func (p *WebSocketProxy) Connected() <-chan struct{} {
	return p.connected
}

// Publish writes msg on the current connection.
func (p *WebSocketProxy) Publish(ctx context.Context, msg *Message) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding proxy message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing proxy message: %w", err)
	}
	return nil
}

// Run dials the relay and keeps the connection alive until ctx is done.
func (p *WebSocketProxy) Run(ctx context.Context) error {
	var wait time.Duration
	for {
		connected, err := p.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait = p.nextBackoff(wait, connected)
		p.logger.Warn("remote proxy connection lost", "url", p.cfg.URL, "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// nextBackoff doubles prev up to MaxBackoff. A session that connected
// starts the schedule over at MinBackoff.
func (p *WebSocketProxy) nextBackoff(prev time.Duration, connected bool) time.Duration {
	if connected || prev <= 0 {
		return p.cfg.MinBackoff
	}
	return min(prev*2, p.cfg.MaxBackoff)
}

// session runs one connection until it fails. connected reports whether
// the dial succeeded.
func (p *WebSocketProxy) session(ctx context.Context) (connected bool, err error) {
	var opts *websocket.DialOptions
	if p.cfg.Token != "" {
		opts = &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": []string{"Bearer " + p.cfg.Token}},
		}
	}
	conn, _, err := websocket.Dial(ctx, p.cfg.URL, opts)
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", p.cfg.URL, err)
	}
	conn.SetReadLimit(32 << 20)

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.once.Do(func() { close(p.connected) })
	p.logger.Info("=== REMOTE PROXY CONNECTED ===", "url", p.cfg.URL)

	defer func() {
		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		env, err := envelope.Decode(data)
		if err != nil {
			p.logger.Warn("dropping malformed proxy frame", "error", err)
			continue
		}
		p.mu.RLock()
		handler := p.handler
		p.mu.RUnlock()
		if handler != nil {
			handler(ctx, env)
		}
	}
}

// Close drops the current connection. Run keeps reconnecting until its
// context is cancelled.
func (p *WebSocketProxy) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusGoingAway, "router shutting down")
}
