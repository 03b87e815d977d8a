// ABOUTME: Tests for the WebSocket proxy client against an in-process relay.
// ABOUTME: Covers publish, inbound notifications, the auth header and reconnect backoff.

package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeboltai/codebolt-router/internal/envelope"
)

func TestWebSocketProxy(t *testing.T) {
	received := make(chan *Message, 1)
	authHeader := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if json.Unmarshal(data, &msg) == nil {
			received <- &msg
		}

		note := `{"type":"remoteNotification","data":{"requestId":"corr-1","state":"approved"}}`
		_ = c.Write(ctx, websocket.MessageText, []byte(note))
		<-ctx.Done()
	}))
	defer srv.Close()

	proxy := NewWebSocketProxy(WebSocketConfig{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token: "secret",
	}, testLogger())

	notes := make(chan *envelope.Envelope, 1)
	require.NoError(t, proxy.Subscribe(func(_ context.Context, env *envelope.Envelope) {
		notes <- env
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = proxy.Run(ctx) }()

	select {
	case <-proxy.Connected():
	case <-time.After(5 * time.Second):
		t.Fatal("proxy never connected")
	}
	assert.Equal(t, "Bearer secret", <-authHeader)

	require.NoError(t, proxy.Publish(ctx, &Message{Direction: FromApp, SenderID: "app1", Envelope: &envelope.Envelope{Type: "x"}}))

	select {
	case msg := <-received:
		assert.Equal(t, "app1", msg.SenderID)
		assert.Equal(t, "x", msg.Envelope.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("relay never received the message")
	}

	select {
	case env := <-notes:
		assert.Equal(t, envelope.TypeRemoteNotification, env.Type)
		assert.Equal(t, "corr-1", env.Field("requestId"))
	case <-time.After(5 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestWebSocketProxyPublishBeforeConnect(t *testing.T) {
	proxy := NewWebSocketProxy(WebSocketConfig{URL: "ws://127.0.0.1:1"}, testLogger())
	err := proxy.Publish(context.Background(), &Message{Envelope: &envelope.Envelope{Type: "x"}})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWebSocketProxyBackoff(t *testing.T) {
	p := NewWebSocketProxy(WebSocketConfig{MinBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}, testLogger())

	tests := []struct {
		name      string
		prev      time.Duration
		connected bool
		want      time.Duration
	}{
		{"first failure", 0, false, 100 * time.Millisecond},
		{"doubles", 200 * time.Millisecond, false, 400 * time.Millisecond},
		{"capped", 800 * time.Millisecond, false, time.Second},
		{"stays capped", time.Second, false, time.Second},
		{"connected session resets", time.Second, true, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.nextBackoff(tt.prev, tt.connected))
		})
	}
}

func TestWebSocketProxyReconnectsQuicklyAfterSessions(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepts.Add(1)
		_ = c.Close(websocket.StatusGoingAway, "relay restarting")
	}))
	defer srv.Close()

	// Without a reset the tenth dial would wait over ten seconds.
	proxy := NewWebSocketProxy(WebSocketConfig{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: time.Minute,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = proxy.Run(ctx) }()

	require.Eventually(t, func() bool { return accepts.Load() >= 10 }, 5*time.Second, 10*time.Millisecond)
}
