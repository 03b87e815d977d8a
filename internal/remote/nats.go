// ABOUTME: NATS proxy client: publishes mirrored messages on per-sender subjects.
// ABOUTME: Approval notifications arrive on <prefix>.notifications.

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/codeboltai/codebolt-router/internal/envelope"
)

// NATSConfig configures a NATSProxy.
type NATSConfig struct {
	URL           string
	Name          string
	Token         string
	SubjectPrefix string
	Timeout       time.Duration
}

// NATSProxy relays frames through a NATS server.
type NATSProxy struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSProxy connects to the NATS server.
func NewNATSProxy(cfg NATSConfig, logger *slog.Logger) (*NATSProxy, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "codebolt"
	}
	if cfg.Name == "" {
		cfg.Name = "codebolt-router"
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("=== REMOTE PROXY CONNECTED ===", "url", cfg.URL, "prefix", cfg.SubjectPrefix)

	return &NATSProxy{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		logger: logger,
	}, nil
}

// Subject returns the subject a message from sender is published on.
func Subject(prefix string, dir Direction, senderID string) string {
	return prefix + "." + string(dir) + "." + senderID
}

// NotificationSubject is where the relay publishes approval resolutions.
func NotificationSubject(prefix string) string {
	return prefix + ".notifications"
}

// Publish sends msg on its sender subject.
func (p *NATSProxy) Publish(_ context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding proxy message: %w", err)
	}
	if err := p.conn.Publish(Subject(p.prefix, msg.Direction, msg.SenderID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe attaches handler to the notification subject, replacing any
// previous subscription.
func (p *NATSProxy) Subscribe(handler Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sub != nil {
		_ = p.sub.Unsubscribe()
		p.sub = nil
	}
	sub, err := p.conn.Subscribe(NotificationSubject(p.prefix), func(m *nats.Msg) {
		env, err := envelope.Decode(m.Data)
		if err != nil {
			p.logger.Warn("dropping malformed proxy notification", "subject", m.Subject, "error", err)
			return
		}
		handler(context.Background(), env)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	p.sub = sub
	return nil
}

// Close drains the subscription and closes the connection.
func (p *NATSProxy) Close() error {
	p.mu.Lock()
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
		p.sub = nil
	}
	p.mu.Unlock()
	p.conn.Close()
	return nil
}
