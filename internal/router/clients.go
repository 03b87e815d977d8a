// ABOUTME: Inbound router for app and TUI envelopes.
// ABOUTME: Confirmations fan out to approval handlers; envelopes the proxy has not seen are mirrored.

package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codeboltai/codebolt-router/internal/dedupe"
	"github.com/codeboltai/codebolt-router/internal/dispatch"
	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/metrics"
	"github.com/codeboltai/codebolt-router/internal/registry"
)

// ClientsConfig contains configuration options for Clients.
type ClientsConfig struct {
	Registry  *registry.Registry
	Approvals []ApprovalHandler
	Dispatch  Dispatch
	Mirror    AppMirror // may be nil
	Replays   *dedupe.Window
	Logger    *slog.Logger
}

// Clients routes envelopes received from apps and TUIs.
type Clients struct {
	registry  *registry.Registry
	approvals []ApprovalHandler
	dispatch  Dispatch
	mirror    AppMirror
	replays   *dedupe.Window
	logger    *slog.Logger

	sessions sync.WaitGroup
}

// NewClients creates a client router.
func NewClients(cfg ClientsConfig) *Clients {
	return &Clients{
		registry:  cfg.Registry,
		approvals: cfg.Approvals,
		dispatch:  cfg.Dispatch,
		mirror:    cfg.Mirror,
		replays:   cfg.Replays,
		logger:    cfg.Logger.With("component", "router.clients"),
	}
}

// Handle routes one envelope from client.
func (r *Clients) Handle(ctx context.Context, client *registry.Connection, env *envelope.Envelope) {
	origin := client.Role.String()
	if r.replays != nil && r.replays.Seen(dedupeKey(client.ID, env)) {
		r.logger.Debug("dropping replayed envelope", "client_id", client.ID, "type", env.Type, "request_id", env.CorrelationID())
		metrics.MessageRouted(origin, "duplicate")
		return
	}

	msg, err := envelope.ClassifyClient(env)
	if err != nil {
		r.logger.Warn("malformed client envelope", "client_id", client.ID, "type", env.Type, "error", err)
		metrics.MessageRouted(origin, "malformed")
		r.registry.SendTo(ctx, client.Role, client.ID,
			envelope.Failure(envelope.TypeError, env.CorrelationID(), envelope.KindValidation, err.Error()))
		return
	}

	switch m := msg.(type) {
	case *envelope.ConfirmationResponse:
		if resolveConfirmation(ctx, r.approvals, m) {
			metrics.MessageRouted(origin, "confirmation")
		} else {
			r.logger.Warn("confirmation matched no pending request",
				"client_id", client.ID,
				"correlation_id", m.CorrelationID,
			)
			metrics.MessageRouted(origin, "stale_confirmation")
		}

	case *envelope.SessionStart:
		metrics.MessageRouted(origin, "session_start")
		r.sessions.Add(1)
		go func() {
			defer r.sessions.Done()
			if err := r.dispatch.SendInitialMessage(ctx, client, m); err != nil {
				r.logger.Warn("session start failed", "client_id", client.ID, "thread_id", m.Message.ThreadID, "error", err)
			}
		}()

	case *envelope.GenericResponse:
		if m.AgentID == "" {
			r.logger.Warn("dropping client message without agent id", "client_id", client.ID, "type", env.Type)
			metrics.MessageRouted(origin, "dropped")
			break
		}
		tier, err := r.dispatch.SendResponseToAgent(ctx, client.ID, env)
		if err != nil {
			metrics.MessageRouted(origin, "undeliverable")
			// Nothing took it, so a retry of the same message must get through.
			if r.replays != nil {
				r.replays.Forget(dedupeKey(client.ID, env))
			}
			break
		}
		metrics.MessageRouted(origin, "delivered")
		if tier == dispatch.TierRemote {
			// The proxy already has this envelope.
			return
		}
	}

	if r.mirror != nil {
		_ = r.mirror.ForwardAppMessage(ctx, client.ID, env)
	}
}

// Disconnected is called once a client's transport has closed.
func (r *Clients) Disconnected(_ context.Context, client *registry.Connection) {
	children := r.registry.Children(client.ID)
	r.logger.Info("client disconnected", "client_id", client.ID, "role", client.Role.String(), "children", len(children))
}

// Wait blocks until in-flight session starts finish.
func (r *Clients) Wait() {
	r.sessions.Wait()
}
