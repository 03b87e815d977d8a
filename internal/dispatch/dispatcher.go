// ABOUTME: Outbound dispatcher: delivers client responses to agents with tiered fallback.
// ABOUTME: Also starts sessions by spawning an agent and handing it the first message.

// Package dispatch delivers client envelopes to agents, falling back from
// the addressed agent to any live agent and then to the remote proxy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/metrics"
	"github.com/codeboltai/codebolt-router/internal/registry"
	"github.com/codeboltai/codebolt-router/internal/remote"
	"github.com/codeboltai/codebolt-router/internal/spawn"
)

// DefaultAgentType is spawned when a session names no agent type.
const DefaultAgentType = "marketplace"

// DefaultReadyTimeout bounds the wait for a spawned agent's readiness.
const DefaultReadyTimeout = 30 * time.Second

// Delivery tiers, in the order they are tried.
const (
	TierDirect   = "direct"
	TierAnyAgent = "any_agent"
	TierRemote   = "remote"
	TierNone     = "none"
)

// ErrUndeliverable indicates no tier accepted the envelope.
var ErrUndeliverable = errors.New("no agent could take the message")

// Spawner starts agent processes.
type Spawner interface {
	StartAgentByType(ctx context.Context, agentType, detail, parentID, threadID string) (*spawn.Handle, error)
}

// AppForwarder relays client messages to the remote proxy.
type AppForwarder interface {
	ForwardAppMessage(ctx context.Context, clientID string, env *envelope.Envelope, opts ...remote.Option) error
}

// Config contains configuration options for a Dispatcher.
type Config struct {
	Registry     *registry.Registry
	Spawner      Spawner
	Forwarder    AppForwarder
	Logger       *slog.Logger
	ReadyTimeout time.Duration
	AgentType    string // overrides DefaultAgentType
}

// Dispatcher sends client-originated envelopes toward agents.
type Dispatcher struct {
	registry     *registry.Registry
	spawner      Spawner
	forwarder    AppForwarder
	logger       *slog.Logger
	readyTimeout time.Duration
	agentType    string
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	agentType := cfg.AgentType
	if agentType == "" {
		agentType = DefaultAgentType
	}
	return &Dispatcher{
		registry:     cfg.Registry,
		spawner:      cfg.Spawner,
		forwarder:    cfg.Forwarder,
		logger:       cfg.Logger.With("component", "dispatch"),
		readyTimeout: timeout,
		agentType:    agentType,
	}
}

// DeliverToAgent tries the local tiers only: the carried agent id (or
// instance id), then any live agent. It returns the tier that accepted env.
func (d *Dispatcher) DeliverToAgent(ctx context.Context, env *envelope.Envelope) (string, bool) {
	if id := env.TargetAgentID(); id != "" {
		if d.registry.SendTo(ctx, registry.RoleAgent, id, env) {
			return TierDirect, true
		}
		d.logger.Debug("direct delivery failed", "agent_id", id, "type", env.Type)
	} else if inst := env.AgentInstanceID; inst != "" {
		if c, ok := d.registry.GetByInstanceID(inst); ok && d.registry.SendTo(ctx, registry.RoleAgent, c.ID, env) {
			return TierDirect, true
		}
	}

	if id, ok := d.registry.SendToAnyAgent(ctx, env); ok {
		d.logger.Info("delivered to fallback agent", "agent_id", id, "type", env.Type, "intended", env.TargetAgentID())
		return TierAnyAgent, true
	}
	return TierNone, false
}

// SendResponseToAgent delivers a client response: direct, then any agent,
// then the remote proxy. Tiers are tried strictly in order and the first
// success ends the attempt; the accepting tier is returned. When every tier
// fails the client has already been sent an error envelope by the remote tier.
func (d *Dispatcher) SendResponseToAgent(ctx context.Context, clientID string, env *envelope.Envelope) (string, error) {
	if tier, ok := d.DeliverToAgent(ctx, env); ok {
		metrics.DeliveredVia(tier)
		return tier, nil
	}

	if d.forwarder != nil {
		err := d.forwarder.ForwardAppMessage(ctx, clientID, env, remote.RequireRemote())
		if err == nil {
			metrics.DeliveredVia(TierRemote)
			return TierRemote, nil
		}
		metrics.DeliveredVia(TierNone)
		d.logger.Warn("response undeliverable", "client_id", clientID, "type", env.Type, "error", err)
		return TierNone, fmt.Errorf("%w: %w", ErrUndeliverable, err)
	}

	metrics.DeliveredVia(TierNone)
	d.logger.Warn("response undeliverable, no remote configured", "client_id", clientID, "type", env.Type)
	d.registry.SendToClientID(ctx, clientID, envelope.Failure(envelope.TypeError, env.CorrelationID(), envelope.KindRouting, "no agent available"))
	return TierNone, ErrUndeliverable
}

// SendInitialMessage starts the agent a session asks for and hands it the
// session's first message once it is ready. Failures are reported to the
// client as error envelopes; nothing is retried.
func (d *Dispatcher) SendInitialMessage(ctx context.Context, client *registry.Connection, start *envelope.SessionStart) error {
	sel := start.Message.SelectedAgent
	agentType := sel.AgentType
	if agentType == "" {
		agentType = d.agentType
	}
	detail := sel.AgentDetails
	if detail == "" {
		detail = sel.ID
	}
	corr := start.Env.CorrelationID()

	if d.spawner == nil {
		err := fmt.Errorf("%w: no agent manager", spawn.ErrSpawnFailed)
		d.reportFailure(ctx, client, corr, envelope.KindSpawn, err)
		return err
	}

	h, err := d.spawner.StartAgentByType(ctx, agentType, detail, client.ID, start.Message.ThreadID)
	if err != nil {
		d.reportFailure(ctx, client, corr, envelope.KindSpawn, err)
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.readyTimeout)
	defer cancel()
	if err := h.WaitReady(waitCtx); err != nil {
		kind := envelope.KindSpawn
		if errors.Is(err, spawn.ErrReadyTimeout) {
			kind = envelope.KindTimeout
		}
		d.reportFailure(ctx, client, corr, kind, err)
		return err
	}

	msg := start.Env.Clone()
	msg.AgentID = h.AgentID()
	msg.AgentInstanceID = h.InstanceID
	msg.ThreadID = h.ThreadID
	if !d.registry.SendTo(ctx, registry.RoleAgent, h.AgentID(), msg) {
		err := fmt.Errorf("%w: spawned agent %s not reachable", ErrUndeliverable, h.AgentID())
		d.reportFailure(ctx, client, corr, envelope.KindRouting, err)
		return err
	}

	d.logger.Info("initial message delivered",
		"agent_id", h.AgentID(),
		"instance_id", h.InstanceID,
		"thread_id", h.ThreadID,
		"client_id", client.ID,
	)
	return nil
}

func (d *Dispatcher) reportFailure(ctx context.Context, client *registry.Connection, corr string, kind envelope.Kind, err error) {
	d.logger.Error("session start failed", "client_id", client.ID, "kind", string(kind), "error", err)
	env := envelope.Failure(envelope.TypeError, corr, kind, err.Error())
	if !d.registry.SendTo(ctx, client.Role, client.ID, env) {
		d.logger.Warn("client gone before failure report", "client_id", client.ID)
	}
}
