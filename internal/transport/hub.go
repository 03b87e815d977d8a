// ABOUTME: Transport-independent connection lifecycle: handshake, register, read, route, detach.
// ABOUTME: WebSocket and gRPC servers feed raw frames through the same Hub.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/codeboltai/codebolt-router/internal/auth"
	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/metrics"
	"github.com/codeboltai/codebolt-router/internal/registry"
)

// Defaults applied when Config leaves a limit unset.
const (
	DefaultMaxMessageBytes = 32 << 20
	DefaultWriteTimeout    = 10 * time.Second
	DefaultPingInterval    = 30 * time.Second
)

// ErrRoleNotAccepted indicates a handshake named a role transports do not serve.
var ErrRoleNotAccepted = errors.New("role not accepted on this transport")

// Handler routes envelopes from one side of the router.
type Handler interface {
	Handle(ctx context.Context, c *registry.Connection, env *envelope.Envelope)
	Disconnected(ctx context.Context, c *registry.Connection)
}

// Config holds what the hub needs to admit and serve connections.
type Config struct {
	Registry      *registry.Registry
	Clients       Handler // app and tui connections
	Agents        Handler
	Authenticator *auth.Authenticator
	Logger        *slog.Logger

	MaxMessageBytes int64
	RateLimit       float64 // envelopes per second per connection, 0 = unlimited
	RateBurst       int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
}

// Hub admits connections and pumps their frames into the routers.
type Hub struct {
	cfg    Config
	logger *slog.Logger
}

// NewHub creates a Hub, filling unset limits with defaults.
func NewHub(cfg Config) *Hub {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{cfg: cfg, logger: logger.With("component", "transport")}
}

// Handshake carries the parameters a peer presents when connecting.
type Handshake struct {
	Role       registry.Role
	ID         string
	InstanceID string
	ParentID   string
	ThreadID   string
	AgentType  string
	Token      string
	Remote     string // peer address, for logs
}

// parseHandshakeRole accepts the roles peers may connect as.
func parseHandshakeRole(s string) (registry.Role, error) {
	role, err := registry.ParseRole(s)
	if err != nil {
		return role, err
	}
	if role == registry.RoleRemote {
		return role, fmt.Errorf("%w: %s", ErrRoleNotAccepted, role)
	}
	return role, nil
}

// authenticate verifies the handshake token for its role.
func (h *Hub) authenticate(hs *Handshake) (*auth.Identity, error) {
	id, err := h.cfg.Authenticator.Check(hs.Token, hs.Role.String())
	if err != nil {
		h.logger.Warn("handshake rejected",
			"role", hs.Role.String(),
			"id", hs.ID,
			"remote_addr", hs.Remote,
			"error", err,
		)
		return nil, err
	}
	return id, nil
}

// attach registers a connection for a completed handshake.
func (h *Hub) attach(hs Handshake, sender registry.Sender) (*registry.Connection, error) {
	if hs.ID == "" {
		hs.ID = uuid.NewString()
	}
	c := registry.NewConnection(registry.ConnectionParams{
		ID:         hs.ID,
		Role:       hs.Role,
		InstanceID: hs.InstanceID,
		ParentID:   hs.ParentID,
		ThreadID:   hs.ThreadID,
		AgentType:  hs.AgentType,
		Sender:     sender,
		Logger:     h.logger.With("role", hs.Role.String(), "id", hs.ID),
	})
	if err := h.cfg.Registry.Register(c); err != nil {
		return nil, fmt.Errorf("registering %s/%s: %w", hs.Role, hs.ID, err)
	}
	return c, nil
}

// detach removes c and notifies its router. Routing state owned by the
// connection is torn down even when the request context is already gone.
func (h *Hub) detach(ctx context.Context, c *registry.Connection) {
	if !h.cfg.Registry.Remove(c) {
		return
	}
	h.handler(c.Role).Disconnected(context.WithoutCancel(ctx), c)
}

func (h *Hub) handler(role registry.Role) Handler {
	if role == registry.RoleAgent {
		return h.cfg.Agents
	}
	return h.cfg.Clients
}

func (h *Hub) newLimiter() *rate.Limiter {
	if h.cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, h.cfg.RateBurst)
	}
	return rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)
}

// receive decodes one frame and routes it. Malformed frames are answered
// with a validation error and do not end the connection. The limiter
// applies backpressure by blocking the reader.
func (h *Hub) receive(ctx context.Context, c *registry.Connection, limiter *rate.Limiter, raw []byte) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		metrics.MessageRouted(c.Role.String(), "malformed")
		h.logger.Debug("malformed frame", "role", c.Role.String(), "id", c.ID, "error", err)
		reply := envelope.Failure(envelope.TypeError, "", envelope.KindValidation, err.Error())
		if sendErr := c.Send(ctx, reply); sendErr != nil {
			h.logger.Debug("failed to report malformed frame", "id", c.ID, "error", sendErr)
		}
		return nil
	}
	h.handler(c.Role).Handle(ctx, c, env)
	return nil
}
