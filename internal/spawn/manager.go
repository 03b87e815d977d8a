// ABOUTME: Agent process manager: starts agents by type, idempotent per thread id.
// ABOUTME: Concurrent starts for one thread are coalesced; every attempt is audited.

// Package spawn starts agent processes and waits for them to announce
// readiness.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/codeboltai/codebolt-router/internal/metrics"
	"github.com/codeboltai/codebolt-router/internal/store"
)

// ErrSpawnFailed wraps every failure to start an agent.
var ErrSpawnFailed = errors.New("spawn failed")

// Spawn outcomes.
const (
	OutcomeStarted = "started"
	OutcomeReused  = "reused"
	OutcomeFailed  = "failed"
)

// Recorder persists spawn attempts.
type Recorder interface {
	RecordSpawn(ctx context.Context, r *store.SpawnRecord) error
}

// Config contains configuration options for a Manager.
type Config struct {
	Launcher Launcher
	Recorder Recorder // may be nil
	Logger   *slog.Logger
	// StopGrace is how long Shutdown waits after SIGTERM before killing.
	StopGrace time.Duration
}

// Manager owns every spawned agent process.
type Manager struct {
	launcher  Launcher
	recorder  Recorder
	logger    *slog.Logger
	stopGrace time.Duration

	// base outlives individual requests; processes end with the manager.
	base   context.Context
	cancel context.CancelFunc

	flight singleflight.Group

	mu         sync.Mutex
	byThread   map[string]*Handle
	byInstance map[string]*Handle
	wg         sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	base, cancel := context.WithCancel(context.Background())
	grace := cfg.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Manager{
		launcher:   cfg.Launcher,
		recorder:   cfg.Recorder,
		logger:     cfg.Logger.With("component", "spawn"),
		stopGrace:  grace,
		base:       base,
		cancel:     cancel,
		byThread:   make(map[string]*Handle),
		byInstance: make(map[string]*Handle),
	}
}

// StartAgentByType starts an agent for threadID, or returns the live handle
// already serving it. An empty threadID always starts a new agent.
func (m *Manager) StartAgentByType(ctx context.Context, agentType, detail, parentID, threadID string) (*Handle, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}

	v, err, shared := m.flight.Do(threadID, func() (any, error) {
		if h := m.live(threadID); h != nil {
			m.logger.Info("reusing agent for thread", "thread_id", threadID, "instance_id", h.InstanceID)
			metrics.Spawned(agentType, OutcomeReused)
			m.record(ctx, h, OutcomeReused, nil)
			return h, nil
		}
		return m.start(ctx, Request{
			AgentType:  agentType,
			Detail:     detail,
			ParentID:   parentID,
			ThreadID:   threadID,
			InstanceID: uuid.NewString(),
		})
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug("coalesced concurrent start", "thread_id", threadID)
	}
	return v.(*Handle), nil
}

func (m *Manager) live(threadID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.byThread[threadID]; ok && h.Alive() {
		return h
	}
	return nil
}

func (m *Manager) start(ctx context.Context, req Request) (*Handle, error) {
	if m.launcher == nil {
		err := fmt.Errorf("%w: no launcher configured", ErrSpawnFailed)
		m.fail(ctx, req, err)
		return nil, err
	}
	proc, err := m.launcher.Launch(m.base, req)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSpawnFailed, err)
		m.fail(ctx, req, err)
		return nil, err
	}

	h := newHandle(req, proc)
	m.mu.Lock()
	m.byThread[req.ThreadID] = h
	m.byInstance[req.InstanceID] = h
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reap(h)

	m.logger.Info("=== AGENT SPAWNED ===",
		"agent_type", req.AgentType,
		"detail", req.Detail,
		"thread_id", req.ThreadID,
		"instance_id", req.InstanceID,
		"parent_id", req.ParentID,
		"pid", h.PID(),
	)
	metrics.Spawned(req.AgentType, OutcomeStarted)
	m.record(ctx, h, OutcomeStarted, nil)
	return h, nil
}

func (m *Manager) fail(ctx context.Context, req Request, err error) {
	m.logger.Error("agent spawn failed", "agent_type", req.AgentType, "thread_id", req.ThreadID, "error", err)
	metrics.Spawned(req.AgentType, OutcomeFailed)
	m.record(ctx, newHandle(req, nil), OutcomeFailed, err)
}

// reap waits for the process and drops the handle from the tables.
func (m *Manager) reap(h *Handle) {
	defer m.wg.Done()
	err := h.proc.Wait()
	h.exited(err)

	m.mu.Lock()
	if m.byThread[h.ThreadID] == h {
		delete(m.byThread, h.ThreadID)
	}
	if m.byInstance[h.InstanceID] == h {
		delete(m.byInstance, h.InstanceID)
	}
	m.mu.Unlock()

	m.logger.Info("agent process exited", "instance_id", h.InstanceID, "thread_id", h.ThreadID, "error", err)
}

func (m *Manager) record(ctx context.Context, h *Handle, outcome string, cause error) {
	if m.recorder == nil {
		return
	}
	rec := &store.SpawnRecord{
		AgentType:  h.AgentType,
		Detail:     h.Detail,
		ParentID:   h.ParentID,
		ThreadID:   h.ThreadID,
		InstanceID: h.InstanceID,
		PID:        h.PID(),
		Outcome:    outcome,
		StartedAt:  time.Now(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := m.recorder.RecordSpawn(ctx, rec); err != nil {
		m.logger.Warn("recording spawn failed", "instance_id", h.InstanceID, "error", err)
	}
}

// MarkReady resolves the readiness future of the agent spawned with
// instanceID. Returns false for agents this manager did not start or that
// were already ready.
func (m *Manager) MarkReady(instanceID, agentID string) bool {
	h, ok := m.Get(instanceID)
	if !ok {
		return false
	}
	if !h.markReady(agentID) {
		return false
	}
	m.logger.Info("agent ready", "instance_id", instanceID, "agent_id", agentID, "startup", time.Since(h.StartedAt))
	return true
}

// Get returns the handle for a spawned instance.
func (m *Manager) Get(instanceID string) (*Handle, bool) {
	if instanceID == "" {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byInstance[instanceID]
	return h, ok
}

// List returns every live handle, newest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.byInstance))
	for _, h := range m.byInstance {
		out = append(out, h.Info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Shutdown asks every agent to stop, kills stragglers after the grace
// period, and waits for them to be reaped or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.byInstance))
	for _, h := range m.byInstance {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.proc.Signal(syscall.SIGTERM); err != nil {
			m.logger.Debug("signalling agent failed", "instance_id", h.InstanceID, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.stopGrace)
	defer timer.Stop()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	m.cancel()
	for _, h := range handles {
		if h.Alive() {
			_ = h.proc.Kill()
		}
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
