// ABOUTME: HTTP API handlers exposing connections, approvals, tools and spawned agents.
// ABOUTME: Also serves the liveness and readiness probes.

package gateway

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/codeboltai/codebolt-router/internal/approval"
	"github.com/codeboltai/codebolt-router/internal/registry"
	"github.com/codeboltai/codebolt-router/internal/spawn"
	"github.com/codeboltai/codebolt-router/internal/store"
	"github.com/codeboltai/codebolt-router/internal/tools"
)

// ConnectionsResponse is the JSON response for GET /api/connections.
type ConnectionsResponse struct {
	Connections map[string][]registry.Info `json:"connections"`
	Total       int                        `json:"total"`
}

// DecisionResponse is one entry of GET /api/approvals/history.
type DecisionResponse struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId"`
	AgentID       string    `json:"agentId"`
	Operation     string    `json:"operation"`
	Resource      string    `json:"resource"`
	Target        string    `json:"target,omitempty"`
	Outcome       string    `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	Channel       string    `json:"channel"`
	DecidedAt     time.Time `json:"decidedAt"`
}

// ToolsResponse is the JSON response for GET /api/tools.
type ToolsResponse struct {
	Toolboxes []tools.ToolboxInfo `json:"toolboxes"`
	Tools     []*tools.Descriptor `json:"tools"`
}

// SpawnRecordResponse is one historical spawn attempt.
type SpawnRecordResponse struct {
	InstanceID string    `json:"instanceId"`
	AgentType  string    `json:"agentType"`
	Detail     string    `json:"detail,omitempty"`
	ParentID   string    `json:"parentId,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
}

// AgentsResponse is the JSON response for GET /api/agents.
type AgentsResponse struct {
	Processes []spawn.Info          `json:"processes"`
	History   []SpawnRecordResponse `json:"history,omitempty"`
}

// HealthResponse is the JSON response for the health probes.
type HealthResponse struct {
	Status      string            `json:"status"`
	Uptime      string            `json:"uptime"`
	Connections map[string]int    `json:"connections,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// handleReady reports 503 until the store answers and a configured remote
// proxy has connected.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]string{}
	ready := true

	if g.store != nil {
		if err := g.store.Ping(); err != nil {
			checks["store"] = err.Error()
			ready = false
		} else {
			checks["store"] = "ok"
		}
	}
	if g.wsProxy != nil {
		select {
		case <-g.wsProxy.Connected():
			checks["remote"] = "ok"
		default:
			checks["remote"] = "connecting"
			ready = false
		}
	}

	counts := make(map[string]int, len(registry.Roles))
	for _, role := range registry.Roles {
		counts[role.String()] = g.registry.Count(role)
	}

	resp := HealthResponse{
		Status:      "ready",
		Uptime:      time.Since(g.startedAt).Round(time.Second).String(),
		Connections: counts,
		Checks:      checks,
	}
	code := http.StatusOK
	if !ready {
		resp.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, resp)
}

func (g *Gateway) handleConnections(w http.ResponseWriter, _ *http.Request) {
	resp := ConnectionsResponse{Connections: make(map[string][]registry.Info, len(registry.Roles))}
	for _, role := range registry.Roles {
		infos := g.registry.List(role)
		resp.Connections[role.String()] = infos
		resp.Total += len(infos)
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handlePendingApprovals(w http.ResponseWriter, _ *http.Request) {
	pending := make([]approval.PendingInfo, 0)
	for _, h := range g.approvals {
		pending = append(pending, h.Pending()...)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	g.writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (g *Gateway) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "audit store disabled")
		return
	}

	q := r.URL.Query()
	filter := store.DecisionFilter{
		AgentID:   q.Get("agentId"),
		Operation: q.Get("operation"),
		Outcome:   q.Get("outcome"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	decisions, err := g.store.ListDecisions(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing approval decisions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}
	out := make([]DecisionResponse, len(decisions))
	for i, d := range decisions {
		out[i] = DecisionResponse{
			ID:            d.ID,
			CorrelationID: d.CorrelationID,
			AgentID:       d.AgentID,
			Operation:     d.Operation,
			Resource:      d.Resource,
			Target:        d.Target,
			Outcome:       d.Outcome,
			Reason:        d.Reason,
			Channel:       d.Channel,
			DecidedAt:     d.DecidedAt,
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"decisions": out})
}

func (g *Gateway) handleTools(w http.ResponseWriter, _ *http.Request) {
	reg := g.tools.Registry()
	g.writeJSON(w, http.StatusOK, ToolsResponse{
		Toolboxes: reg.Toolboxes(),
		Tools:     reg.GetAll(),
	})
}

func (g *Gateway) handleAgents(w http.ResponseWriter, r *http.Request) {
	resp := AgentsResponse{Processes: g.spawner.List()}
	if resp.Processes == nil {
		resp.Processes = []spawn.Info{}
	}

	if threadID := r.URL.Query().Get("threadId"); threadID != "" && g.store != nil {
		records, err := g.store.ListSpawns(r.Context(), threadID, 50)
		if err != nil {
			g.logger.Error("listing spawn history", "thread_id", threadID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "failed to list spawn history")
			return
		}
		for _, rec := range records {
			resp.History = append(resp.History, SpawnRecordResponse{
				InstanceID: rec.InstanceID,
				AgentType:  rec.AgentType,
				Detail:     rec.Detail,
				ParentID:   rec.ParentID,
				PID:        rec.PID,
				Outcome:    rec.Outcome,
				Error:      rec.Error,
				StartedAt:  rec.StartedAt,
			})
		}
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes {"error": message} with the given status.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
