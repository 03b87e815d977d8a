// ABOUTME: Connection Registry: per-role tables of live connections and spawn links.
// ABOUTME: Lookup, targeted send, broadcast, any-agent delivery and parent resolution.

// Package registry tracks live connections by role and resolves an
// agent's parent client.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/metrics"
)

// ErrAlreadyRegistered indicates a connection with the same ID and role is
// already registered.
var ErrAlreadyRegistered = errors.New("connection already registered")

// Registry is the single source of truth for live connections.
type Registry struct {
	mu       sync.RWMutex
	tables   map[Role]map[string]*Connection
	selector *Selector
	logger   *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	tables := make(map[Role]map[string]*Connection, len(Roles))
	for _, role := range Roles {
		tables[role] = make(map[string]*Connection)
	}
	return &Registry{
		tables:   tables,
		selector: NewSelector(),
		logger:   logger,
	}
}

// Register adds a connection to its role table.
// Returns ErrAlreadyRegistered if the ID is taken within the role.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := r.tables[c.Role]
	if _, exists := table[c.ID]; exists {
		return ErrAlreadyRegistered
	}
	table[c.ID] = c
	metrics.SetConnections(c.Role.String(), len(table))

	r.logger.Info("=== CONNECTION REGISTERED ===",
		"role", c.Role.String(),
		"id", c.ID,
		"instance_id", c.InstanceID,
		"parent_id", c.ParentID,
		"total", len(table),
	)
	return nil
}

// Deregister removes the connection with the given id from every table.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for role, table := range r.tables {
		if _, ok := table[id]; ok {
			delete(table, id)
			metrics.SetConnections(role.String(), len(table))
			r.logger.Info("=== CONNECTION DEREGISTERED ===",
				"role", role.String(),
				"id", id,
				"total", len(table),
			)
		}
	}
}

// Remove deregisters c only if it is still the registered connection for
// its id. A late disconnect from a replaced connection is a no-op.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := r.tables[c.Role]
	if current, ok := table[c.ID]; !ok || current != c {
		return false
	}
	delete(table, c.ID)
	metrics.SetConnections(c.Role.String(), len(table))
	r.logger.Info("=== CONNECTION DEREGISTERED ===",
		"role", c.Role.String(),
		"id", c.ID,
		"total", len(table),
	)
	return true
}

// Get retrieves a connection by role and id.
func (r *Registry) Get(role Role, id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.tables[role][id]
	return c, ok
}

// GetByInstanceID returns the agent connection with the given instance id.
func (r *Registry) GetByInstanceID(instanceID string) (*Connection, bool) {
	if instanceID == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.tables[RoleAgent] {
		if c.InstanceID == instanceID {
			return c, true
		}
	}
	return nil, false
}

// SendTo delivers env to one connection. Missing targets and transport
// errors both return false so callers can apply their fallback policy.
func (r *Registry) SendTo(ctx context.Context, role Role, id string, env *envelope.Envelope) bool {
	c, ok := r.Get(role, id)
	if !ok {
		r.logger.Debug("send target not registered", "role", role.String(), "id", id, "type", env.Type)
		return false
	}
	if err := c.Send(ctx, env); err != nil {
		r.logger.Warn("send failed",
			"role", role.String(),
			"id", id,
			"type", env.Type,
			"error", err,
		)
		return false
	}
	return true
}

// SendToClient delivers env to an app or TUI by reference.
func (r *Registry) SendToClient(ctx context.Context, ref ClientRef, env *envelope.Envelope) bool {
	return r.SendTo(ctx, ref.Role, ref.ID, env)
}

// SendToClientID delivers env to an app or TUI whose role is unknown to the caller.
func (r *Registry) SendToClientID(ctx context.Context, id string, env *envelope.Envelope) bool {
	if r.SendTo(ctx, RoleApp, id, env) {
		return true
	}
	return r.SendTo(ctx, RoleTUI, id, env)
}

// Broadcast sends env to every connection of a role and returns how many
// deliveries succeeded.
func (r *Registry) Broadcast(ctx context.Context, role Role, env *envelope.Envelope) int {
	delivered := 0
	for _, c := range r.snapshot(role) {
		if err := c.Send(ctx, env); err != nil {
			r.logger.Warn("broadcast send failed",
				"role", role.String(),
				"id", c.ID,
				"type", env.Type,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// BroadcastClients sends env to every app and TUI.
func (r *Registry) BroadcastClients(ctx context.Context, env *envelope.Envelope) int {
	return r.Broadcast(ctx, RoleApp, env) + r.Broadcast(ctx, RoleTUI, env)
}

// SendToAnyAgent delivers env to one live agent, starting from the next
// round-robin pick and falling through the rest of the pool on failure.
func (r *Registry) SendToAnyAgent(ctx context.Context, env *envelope.Envelope) (string, bool) {
	order, err := r.selector.Order(r.snapshot(RoleAgent))
	if err != nil {
		return "", false
	}
	for _, c := range order {
		if err := c.Send(ctx, env); err != nil {
			r.logger.Warn("any-agent send failed", "agent_id", c.ID, "error", err)
			continue
		}
		return c.ID, true
	}
	return "", false
}

// ResolveParent classifies the agent's recorded parent as an app or TUI.
// Returns false when the agent is unknown, parentless, or its parent is no
// longer connected.
func (r *Registry) ResolveParent(agentID string) (ClientRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.tables[RoleAgent][agentID]
	if !ok || agent.ParentID == "" {
		return ClientRef{}, false
	}
	if _, ok := r.tables[RoleApp][agent.ParentID]; ok {
		return ClientRef{Role: RoleApp, ID: agent.ParentID}, true
	}
	if _, ok := r.tables[RoleTUI][agent.ParentID]; ok {
		return ClientRef{Role: RoleTUI, ID: agent.ParentID}, true
	}
	return ClientRef{}, false
}

// Children returns the agents spawned by the given client.
func (r *Registry) Children(parentID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for _, c := range r.tables[RoleAgent] {
		if c.ParentID == parentID {
			out = append(out, c)
		}
	}
	sortConnections(out)
	return out
}

// List returns public information about every connection of a role.
func (r *Registry) List(role Role) []Info {
	conns := r.snapshot(role)
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

// Count returns the number of connections of a role.
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tables[role])
}

// snapshot copies a role table so sends happen outside the lock.
func (r *Registry) snapshot(role Role) []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.tables[role]))
	for _, c := range r.tables[role] {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sortConnections(out)
	return out
}

func sortConnections(conns []*Connection) {
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
}
