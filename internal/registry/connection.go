// ABOUTME: Represents a single live transport endpoint and its role.
// ABOUTME: Sending goes through the transport-provided Sender.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeboltai/codebolt-router/internal/envelope"
)

// Role partitions the registry.
type Role int

const (
	RoleAgent Role = iota
	RoleApp
	RoleTUI
	RoleRemote
)

// Roles lists every role in table order.
var Roles = []Role{RoleAgent, RoleApp, RoleTUI, RoleRemote}

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleApp:
		return "app"
	case RoleTUI:
		return "tui"
	case RoleRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ParseRole converts a handshake role name into a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agent":
		return RoleAgent, nil
	case "app":
		return RoleApp, nil
	case "tui", "terminal":
		return RoleTUI, nil
	case "remote", "remote-proxy":
		return RoleRemote, nil
	default:
		return RoleAgent, fmt.Errorf("unknown role: %q", s)
	}
}

// IsClient reports whether the role answers approval prompts.
func (r Role) IsClient() bool {
	return r == RoleApp || r == RoleTUI
}

// Sender writes envelopes to the underlying transport. Implementations
// must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope) error
}

// Connection is one live endpoint. Fields are fixed at registration.
type Connection struct {
	ID         string
	Role       Role
	InstanceID string
	ParentID   string
	ThreadID   string
	AgentType  string

	ConnectedAt time.Time

	sender Sender
	logger *slog.Logger
}

// ConnectionParams holds the values a transport learns at handshake.
type ConnectionParams struct {
	ID         string
	Role       Role
	InstanceID string
	ParentID   string
	ThreadID   string
	AgentType  string
	Sender     Sender
	Logger     *slog.Logger
}

// NewConnection creates a Connection for a completed handshake.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:          p.ID,
		Role:        p.Role,
		InstanceID:  p.InstanceID,
		ParentID:    p.ParentID,
		ThreadID:    p.ThreadID,
		AgentType:   p.AgentType,
		ConnectedAt: time.Now(),
		sender:      p.Sender,
		logger:      logger,
	}
}

// Send transmits an envelope to this endpoint.
func (c *Connection) Send(ctx context.Context, env *envelope.Envelope) error {
	if c.sender == nil {
		return fmt.Errorf("connection %s has no sender", c.ID)
	}
	return c.sender.Send(ctx, env)
}

// Ref returns the addressable reference for this connection.
func (c *Connection) Ref() ClientRef {
	return ClientRef{Role: c.Role, ID: c.ID}
}

// Info returns the public view of the connection.
func (c *Connection) Info() Info {
	return Info{
		ID:          c.ID,
		Role:        c.Role.String(),
		InstanceID:  c.InstanceID,
		ParentID:    c.ParentID,
		ThreadID:    c.ThreadID,
		AgentType:   c.AgentType,
		ConnectedAt: c.ConnectedAt,
	}
}

// Info contains public information about a registered connection.
type Info struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	InstanceID  string    `json:"instanceId,omitempty"`
	ParentID    string    `json:"parentId,omitempty"`
	ThreadID    string    `json:"threadId,omitempty"`
	AgentType   string    `json:"agentType,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// ClientRef addresses a connection by role and id.
type ClientRef struct {
	Role Role
	ID   string
}

func (r ClientRef) String() string {
	return r.Role.String() + "/" + r.ID
}
