// ABOUTME: Handle for one spawned agent: readiness future and exit signal.
// ABOUTME: Readiness is signalled when the agent connects and announces agentReady.

package spawn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrExited indicates the agent process ended before it became ready.
	ErrExited = errors.New("agent exited before ready")
	// ErrReadyTimeout indicates the agent did not announce readiness in time.
	ErrReadyTimeout = errors.New("agent readiness timed out")
)

// Handle tracks one spawned agent.
type Handle struct {
	InstanceID string
	ThreadID   string
	AgentType  string
	Detail     string
	ParentID   string
	StartedAt  time.Time

	proc Process

	mu      sync.Mutex
	agentID string
	exitErr error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

func newHandle(req Request, proc Process) *Handle {
	return &Handle{
		InstanceID: req.InstanceID,
		ThreadID:   req.ThreadID,
		AgentType:  req.AgentType,
		Detail:     req.Detail,
		ParentID:   req.ParentID,
		StartedAt:  time.Now(),
		proc:       proc,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Ready is closed once the agent announced readiness.
func (h *Handle) Ready() <-chan struct{} { return h.ready }

// Done is closed when the process exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// AgentID returns the connection id the agent registered with, or "" before
// readiness.
func (h *Handle) AgentID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agentID
}

// Err returns the process exit error once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// PID returns the process id, or 0 if unknown.
func (h *Handle) PID() int {
	if h.proc == nil {
		return 0
	}
	return h.proc.PID()
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// WaitReady blocks until the agent is ready, the process exits, or ctx ends.
func (h *Handle) WaitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	default:
	}
	select {
	case <-h.ready:
		return nil
	case <-h.done:
		// ready and done can race when a fast agent exits right after announcing
		select {
		case <-h.ready:
			return nil
		default:
		}
		if err := h.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrExited, err)
		}
		return ErrExited
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrReadyTimeout
		}
		return ctx.Err()
	}
}

func (h *Handle) markReady(agentID string) bool {
	first := false
	h.readyOnce.Do(func() {
		h.mu.Lock()
		h.agentID = agentID
		h.mu.Unlock()
		close(h.ready)
		first = true
	})
	return first
}

func (h *Handle) exited(err error) {
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}

// Info is the public view of a handle.
type Info struct {
	InstanceID string    `json:"instanceId"`
	ThreadID   string    `json:"threadId"`
	AgentType  string    `json:"agentType"`
	Detail     string    `json:"detail,omitempty"`
	ParentID   string    `json:"parentId,omitempty"`
	AgentID    string    `json:"agentId,omitempty"`
	PID        int       `json:"pid"`
	Ready      bool      `json:"ready"`
	StartedAt  time.Time `json:"startedAt"`
}

// Info returns the public view of h.
func (h *Handle) Info() Info {
	ready := false
	select {
	case <-h.ready:
		ready = true
	default:
	}
	return Info{
		InstanceID: h.InstanceID,
		ThreadID:   h.ThreadID,
		AgentType:  h.AgentType,
		Detail:     h.Detail,
		ParentID:   h.ParentID,
		AgentID:    h.AgentID(),
		PID:        h.PID(),
		Ready:      ready,
		StartedAt:  h.StartedAt,
	}
}
