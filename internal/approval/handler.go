// ABOUTME: Approval-gated request handler: pending correlation table and grant cache.
// ABOUTME: First resolution wins, whether it comes from a client, the remote proxy or expiry.

package approval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/metrics"
	"github.com/codeboltai/codebolt-router/internal/registry"
	"github.com/codeboltai/codebolt-router/internal/store"
)

// DefaultTimeout bounds how long a request may wait for a decision.
const DefaultTimeout = 5 * time.Minute

// Resolution channels recorded in the audit trail.
const (
	ChannelClient = "client"
	ChannelRemote = "remote"
	ChannelTimer  = "timer"
	ChannelAuto   = "auto"
	ChannelAgent  = "agent"
)

// Mirror relays agent-side envelopes to remote observers.
type Mirror interface {
	ForwardAgentMessage(ctx context.Context, agent *registry.Connection, env *envelope.Envelope) error
}

// Recorder persists decisions.
type Recorder interface {
	RecordDecision(ctx context.Context, d *store.ApprovalDecision) error
}

// Config contains configuration options for a Handler.
type Config struct {
	Operation Operation
	Registry  *registry.Registry
	Mirror    Mirror   // may be nil
	Recorder  Recorder // may be nil
	Grants    *GrantSet
	Logger    *slog.Logger

	// Timeout bounds AWAITING_APPROVAL. Zero disables expiry.
	Timeout time.Duration
}

// pendingRequest is one request awaiting a decision.
type pendingRequest struct {
	correlationID string
	agentID       string
	agentInst     string
	request       *envelope.Envelope
	target        registry.ClientRef
	resource      string
	createdAt     time.Time
	expiresAt     time.Time
	timer         *time.Timer
}

// PendingInfo is the public view of a pending request.
type PendingInfo struct {
	CorrelationID string     `json:"correlationId"`
	Action        string     `json:"action"`
	AgentID       string     `json:"agentId"`
	Resource      string     `json:"resource"`
	Target        string     `json:"target"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// Handler drives the confirm/execute state machine for one Operation.
type Handler struct {
	op       Operation
	registry *registry.Registry
	mirror   Mirror
	recorder Recorder
	grants   *GrantSet
	timeout  time.Duration
	logger   *slog.Logger
	ids      *idSource

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	grants := cfg.Grants
	if grants == nil {
		grants = NewGrantSet()
	}
	return &Handler{
		op:       cfg.Operation,
		registry: cfg.Registry,
		mirror:   cfg.Mirror,
		recorder: cfg.Recorder,
		grants:   grants,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With("operation", cfg.Operation.Action()),
		ids:      newIDSource(),
		pending:  make(map[string]*pendingRequest),
	}
}

// Action returns the fsEvent action handled.
func (h *Handler) Action() string {
	return h.op.Action()
}

// Grants returns the handler's permission cache.
func (h *Handler) Grants() *GrantSet {
	return h.grants
}

// HandleRequest processes a sensitive-operation request from agent.
func (h *Handler) HandleRequest(ctx context.Context, agent *registry.Connection, req *envelope.Envelope) {
	resource, err := h.op.Resource(req)
	if err != nil {
		h.logger.Warn("rejecting malformed request", "agent_id", agent.ID, "request_id", req.CorrelationID(), "error", err)
		h.respond(ctx, agent.ID, req, nil, &envelope.Error{Message: err.Error(), Kind: envelope.KindValidation})
		return
	}

	parent, hasParent := h.registry.ResolveParent(agent.ID)
	if !hasParent {
		h.logger.Info("no parent client, executing immediately", "agent_id", agent.ID, "resource", resource)
		h.perform(ctx, &pendingRequest{
			agentID:   agent.ID,
			agentInst: agent.InstanceID,
			request:   req,
			resource:  resource,
		}, ChannelAuto, store.OutcomeNoParent)
		return
	}

	if h.grants.Has(agent.ID, resource) {
		h.logger.Debug("permission cached, executing", "agent_id", agent.ID, "resource", resource)
		h.perform(ctx, &pendingRequest{
			agentID:   agent.ID,
			agentInst: agent.InstanceID,
			request:   req,
			target:    parent,
			resource:  resource,
		}, ChannelAuto, store.OutcomeCached)
		return
	}

	p := &pendingRequest{
		correlationID: h.ids.next(),
		agentID:       agent.ID,
		agentInst:     agent.InstanceID,
		request:       req,
		target:        parent,
		resource:      resource,
		createdAt:     time.Now(),
	}

	h.mu.Lock()
	h.pending[p.correlationID] = p
	if h.timeout > 0 {
		p.expiresAt = p.createdAt.Add(h.timeout)
		id := p.correlationID
		p.timer = time.AfterFunc(h.timeout, func() { h.expire(id) })
	}
	n := len(h.pending)
	h.mu.Unlock()
	metrics.SetPending(h.op.Action(), n)

	prompt := h.confirmationRequest(p)
	if !h.registry.SendToClient(ctx, parent, prompt) {
		h.logger.Warn("parent unreachable, request stays pending",
			"correlation_id", p.correlationID,
			"target", parent.String(),
		)
	}
	if h.mirror != nil {
		_ = h.mirror.ForwardAgentMessage(ctx, agent, prompt)
	}

	h.logger.Info("awaiting approval",
		"correlation_id", p.correlationID,
		"agent_id", agent.ID,
		"resource", resource,
		"target", parent.String(),
	)
}

// HandleConfirmation resolves a pending request from a client reply.
// Returns false if the correlation id is not pending here.
func (h *Handler) HandleConfirmation(ctx context.Context, msg *envelope.ConfirmationResponse) bool {
	return h.resolve(ctx, msg.Resolution, ChannelClient)
}

// HandleRemoteNotification resolves a pending request from a remote proxy
// notification. Returns false if the envelope does not resolve a request
// pending here.
func (h *Handler) HandleRemoteNotification(ctx context.Context, env *envelope.Envelope) bool {
	res, err := envelope.DecodeResolution(env)
	if err != nil {
		h.logger.Debug("ignoring remote notification", "error", err)
		return false
	}
	if !res.Decided {
		return false
	}
	return h.resolve(ctx, res, ChannelRemote)
}

// Pending lists requests awaiting a decision, oldest first.
func (h *Handler) Pending() []PendingInfo {
	h.mu.Lock()
	out := make([]PendingInfo, 0, len(h.pending))
	for _, p := range h.pending {
		info := PendingInfo{
			CorrelationID: p.correlationID,
			Action:        h.op.Action(),
			AgentID:       p.agentID,
			Resource:      p.resource,
			Target:        p.target.String(),
			CreatedAt:     p.createdAt,
		}
		if !p.expiresAt.IsZero() {
			exp := p.expiresAt
			info.ExpiresAt = &exp
		}
		out = append(out, info)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CorrelationID < out[j].CorrelationID })
	return out
}

// AbandonAgent drops every pending request from agentID without executing
// it and tells observers the operation was not performed.
func (h *Handler) AbandonAgent(ctx context.Context, agentID string) int {
	h.mu.Lock()
	var dropped []*pendingRequest
	for id, p := range h.pending {
		if p.agentID == agentID {
			delete(h.pending, id)
			if p.timer != nil {
				p.timer.Stop()
			}
			dropped = append(dropped, p)
		}
	}
	n := len(h.pending)
	h.mu.Unlock()
	metrics.SetPending(h.op.Action(), n)

	for _, p := range dropped {
		h.logger.Info("dropping pending request from disconnected agent", "correlation_id", p.correlationID, "agent_id", agentID)
		h.notify(ctx, p, notification{
			Status: store.OutcomeRejected,
			Reason: "agent disconnected",
		})
		h.record(ctx, p, store.OutcomeRejected, "agent disconnected", ChannelAgent)
	}
	return len(dropped)
}

// Close stops every expiry timer. Pending requests are discarded.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, p := range h.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(h.pending, id)
	}
	metrics.SetPending(h.op.Action(), 0)
}

func (h *Handler) expire(correlationID string) {
	h.logger.Info("approval timed out", "correlation_id", correlationID, "timeout", h.timeout)
	h.resolve(context.Background(), envelope.Resolution{
		CorrelationID: correlationID,
		Approved:      false,
		Reason:        "approval timed out",
	}, ChannelTimer)
}

// take removes and returns the pending request. Only the first caller for
// a given id gets it.
func (h *Handler) take(correlationID string) (*pendingRequest, bool) {
	h.mu.Lock()
	p, ok := h.pending[correlationID]
	if ok {
		delete(h.pending, correlationID)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	n := len(h.pending)
	h.mu.Unlock()
	if ok {
		metrics.SetPending(h.op.Action(), n)
	}
	return p, ok
}

func (h *Handler) resolve(ctx context.Context, res envelope.Resolution, channel string) bool {
	p, ok := h.take(res.CorrelationID)
	if !ok {
		h.logger.Debug("correlation id not pending here", "correlation_id", res.CorrelationID, "channel", channel)
		return false
	}

	if res.Approved {
		h.grants.Grant(p.agentID, p.resource)
		h.logger.Info("request approved", "correlation_id", p.correlationID, "agent_id", p.agentID, "channel", channel)
		h.perform(ctx, p, channel, store.OutcomeApproved)
		return true
	}

	reason := res.Reason
	if reason == "" {
		reason = "request rejected by user"
	}
	outcome := store.OutcomeRejected
	if channel == ChannelTimer {
		outcome = store.OutcomeExpired
	}
	h.logger.Info("request rejected", "correlation_id", p.correlationID, "agent_id", p.agentID, "channel", channel, "reason", reason)
	metrics.ApprovalOutcome(h.op.Action(), outcome)

	h.respond(ctx, p.agentID, p.request, nil, &envelope.Error{Message: reason, Kind: envelope.KindRejected})
	h.notify(ctx, p, notification{Status: outcome, Reason: reason})
	h.record(ctx, p, outcome, reason, channel)
	return true
}

// perform executes an allowed request and reports the result.
func (h *Handler) perform(ctx context.Context, p *pendingRequest, channel, outcome string) {
	result, err := h.op.Execute(ctx, p.request, p.resource)
	metrics.ApprovalOutcome(h.op.Action(), outcome)
	if err != nil {
		h.logger.Warn("operation failed", "agent_id", p.agentID, "resource", p.resource, "error", err)
		kind := envelope.KindExecution
		if errors.Is(err, envelope.ErrMalformed) {
			kind = envelope.KindValidation
		}
		h.respond(ctx, p.agentID, p.request, nil, &envelope.Error{Message: err.Error(), Kind: kind})
		h.notify(ctx, p, notification{Status: outcome, Error: err.Error()})
		h.record(ctx, p, outcome, err.Error(), channel)
		return
	}

	h.respond(ctx, p.agentID, p.request, result, nil)
	h.notify(ctx, p, notification{Status: outcome, Performed: true})
	h.record(ctx, p, outcome, "", channel)
}

// respond sends the <action>Response envelope to the requesting agent.
func (h *Handler) respond(ctx context.Context, agentID string, req *envelope.Envelope, result any, failure *envelope.Error) {
	typ := envelope.ResponseType(h.op.Action())
	var resp *envelope.Envelope
	if failure != nil {
		resp = envelope.Failure(typ, req.CorrelationID(), failure.Kind, failure.Message)
	} else {
		resp = envelope.Success(typ, req.CorrelationID(), result)
	}
	resp.MessageID = req.MessageID
	resp.AgentID = agentID
	resp.ThreadID = req.ThreadID

	if !h.registry.SendTo(ctx, registry.RoleAgent, agentID, resp) {
		h.logger.Warn("agent gone before response", "agent_id", agentID, "request_id", req.CorrelationID())
	}
}

type notification struct {
	CorrelationID string `json:"requestId,omitempty"`
	Action        string `json:"action"`
	AgentID       string `json:"agentId"`
	Resource      string `json:"filePath"`
	Status        string `json:"status"`
	Performed     bool   `json:"performed"`
	Reason        string `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
}

// notify tells observers how the request ended: the resolved target
// directly if it is still connected, otherwise every app and TUI.
func (h *Handler) notify(ctx context.Context, p *pendingRequest, n notification) {
	n.CorrelationID = p.correlationID
	n.Action = h.op.Action()
	n.AgentID = p.agentID
	n.Resource = p.resource

	env := &envelope.Envelope{
		Type:            envelope.TypeNotification,
		Action:          h.op.Action(),
		RequestID:       p.correlationID,
		AgentID:         p.agentID,
		AgentInstanceID: p.agentInst,
		ThreadID:        p.request.ThreadID,
		Data:            envelope.MustData(n),
	}
	if p.target.ID != "" && h.registry.SendToClient(ctx, p.target, env) {
		return
	}
	delivered := h.registry.BroadcastClients(ctx, env)
	h.logger.Debug("notification broadcast", "correlation_id", p.correlationID, "delivered", delivered)
}

func (h *Handler) record(ctx context.Context, p *pendingRequest, outcome, reason, channel string) {
	if h.recorder == nil {
		return
	}
	target := ""
	if p.target.ID != "" {
		target = p.target.String()
	}
	err := h.recorder.RecordDecision(ctx, &store.ApprovalDecision{
		CorrelationID: p.correlationID,
		AgentID:       p.agentID,
		Operation:     h.op.Action(),
		Resource:      p.resource,
		Target:        target,
		Outcome:       outcome,
		Reason:        reason,
		Channel:       channel,
	})
	if err != nil {
		h.logger.Warn("recording decision failed", "correlation_id", p.correlationID, "error", err)
	}
}

func (h *Handler) confirmationRequest(p *pendingRequest) *envelope.Envelope {
	return &envelope.Envelope{
		Type:            envelope.TypeConfirmationRequest,
		Action:          h.op.Action(),
		RequestID:       p.correlationID,
		MessageID:       p.correlationID,
		AgentID:         p.agentID,
		AgentInstanceID: p.agentInst,
		ThreadID:        p.request.ThreadID,
		Data: envelope.MustData(map[string]any{
			"requestId":         p.correlationID,
			"action":            h.op.Action(),
			"agentId":           p.agentID,
			"filePath":          p.resource,
			"resource":          p.resource,
			"originalRequestId": p.request.CorrelationID(),
			"options":           []string{"approve", "reject"},
		}),
	}
}
