// ABOUTME: Tests for the agent process manager and exec launcher.
// ABOUTME: Fake processes stand in for real agents except in the exec launcher test.

package spawn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeboltai/codebolt-router/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProcess struct {
	exit     chan error
	signaled atomic.Int32
}

func newFakeProcess() *fakeProcess { return &fakeProcess{exit: make(chan error, 1)} }

func (p *fakeProcess) PID() int    { return 4242 }
func (p *fakeProcess) Wait() error { return <-p.exit }
func (p *fakeProcess) Signal(os.Signal) error {
	p.signaled.Add(1)
	select {
	case p.exit <- nil:
	default:
	}
	return nil
}
func (p *fakeProcess) Kill() error { return p.Signal(os.Kill) }

type fakeLauncher struct {
	mu       sync.Mutex
	launches []Request
	procs    []*fakeProcess
	err      error
	delay    time.Duration
}

func (l *fakeLauncher) Launch(_ context.Context, req Request) (Process, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, req)
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess()
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

type memRecorder struct {
	mu   sync.Mutex
	recs []*store.SpawnRecord
}

func (r *memRecorder) RecordSpawn(_ context.Context, rec *store.SpawnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memRecorder) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.recs {
		out = append(out, rec.Outcome)
	}
	return out
}

func newTestManager(l Launcher, rec Recorder) *Manager {
	return NewManager(Config{Launcher: l, Recorder: rec, Logger: testLogger(), StopGrace: 100 * time.Millisecond})
}

func TestStartAndReady(t *testing.T) {
	ctx := context.Background()
	launcher := &fakeLauncher{}
	rec := &memRecorder{}
	m := newTestManager(launcher, rec)
	defer func() { _ = m.Shutdown(ctx) }()

	h, err := m.StartAgentByType(ctx, "marketplace", "agent-x", "app1", "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "thread-1", h.ThreadID)
	assert.NotEmpty(t, h.InstanceID)
	assert.Equal(t, "agent-x", launcher.launches[0].Detail)

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.MarkReady(h.InstanceID, "agent-conn-1")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.WaitReady(waitCtx))
	assert.Equal(t, "agent-conn-1", h.AgentID())
	assert.False(t, m.MarkReady(h.InstanceID, "again"), "readiness resolves once")
	assert.Equal(t, []string{OutcomeStarted}, rec.outcomes())
}

func TestIdempotentPerThread(t *testing.T) {
	ctx := context.Background()
	launcher := &fakeLauncher{}
	rec := &memRecorder{}
	m := newTestManager(launcher, rec)
	defer func() { _ = m.Shutdown(ctx) }()

	first, err := m.StartAgentByType(ctx, "marketplace", "a", "app1", "thread-1")
	require.NoError(t, err)
	second, err := m.StartAgentByType(ctx, "marketplace", "a", "app1", "thread-1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, launcher.count())
	assert.Equal(t, []string{OutcomeStarted, OutcomeReused}, rec.outcomes())

	t.Run("exited agent is replaced", func(t *testing.T) {
		launcher.procs[0].exit <- errors.New("crashed")
		<-first.Done()
		require.Eventually(t, func() bool {
			_, ok := m.Get(first.InstanceID)
			return !ok
		}, time.Second, 5*time.Millisecond)

		third, err := m.StartAgentByType(ctx, "marketplace", "a", "app1", "thread-1")
		require.NoError(t, err)
		assert.NotSame(t, first, third)
		assert.Equal(t, 2, launcher.count())
	})
}

func TestConcurrentStartsCoalesce(t *testing.T) {
	ctx := context.Background()
	launcher := &fakeLauncher{delay: 30 * time.Millisecond}
	m := newTestManager(launcher, nil)
	defer func() { _ = m.Shutdown(ctx) }()

	var wg sync.WaitGroup
	handles := make([]*Handle, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.StartAgentByType(ctx, "marketplace", "a", "app1", "thread-c")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, launcher.count())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestEmptyThreadAlwaysStarts(t *testing.T) {
	ctx := context.Background()
	launcher := &fakeLauncher{}
	m := newTestManager(launcher, nil)
	defer func() { _ = m.Shutdown(ctx) }()

	a, err := m.StartAgentByType(ctx, "marketplace", "", "", "")
	require.NoError(t, err)
	b, err := m.StartAgentByType(ctx, "marketplace", "", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, a.ThreadID, b.ThreadID)
	assert.Len(t, m.List(), 2)
}

func TestSpawnFailure(t *testing.T) {
	ctx := context.Background()
	rec := &memRecorder{}
	m := newTestManager(&fakeLauncher{err: ErrUnknownAgentType}, rec)

	_, err := m.StartAgentByType(ctx, "nope", "", "app1", "t")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.ErrorIs(t, err, ErrUnknownAgentType)
	assert.Equal(t, []string{OutcomeFailed}, rec.outcomes())

	t.Run("no launcher", func(t *testing.T) {
		_, err := newTestManager(nil, nil).StartAgentByType(ctx, "x", "", "", "")
		assert.ErrorIs(t, err, ErrSpawnFailed)
	})
}

func TestWaitReadyFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("exit before ready", func(t *testing.T) {
		launcher := &fakeLauncher{}
		m := newTestManager(launcher, nil)
		h, err := m.StartAgentByType(ctx, "marketplace", "", "", "t1")
		require.NoError(t, err)
		launcher.procs[0].exit <- errors.New("boom")
		assert.ErrorIs(t, h.WaitReady(ctx), ErrExited)
	})

	t.Run("timeout", func(t *testing.T) {
		m := newTestManager(&fakeLauncher{}, nil)
		defer func() { _ = m.Shutdown(ctx) }()
		h, err := m.StartAgentByType(ctx, "marketplace", "", "", "t2")
		require.NoError(t, err)
		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, h.WaitReady(waitCtx), ErrReadyTimeout)
	})

	t.Run("unknown instance", func(t *testing.T) {
		m := newTestManager(&fakeLauncher{}, nil)
		assert.False(t, m.MarkReady("missing", "a"))
		assert.False(t, m.MarkReady("", "a"))
	})
}

func TestShutdownSignalsAgents(t *testing.T) {
	ctx := context.Background()
	launcher := &fakeLauncher{}
	m := newTestManager(launcher, nil)
	_, err := m.StartAgentByType(ctx, "marketplace", "", "", "t1")
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, int32(1), launcher.procs[0].signaled.Load())
	assert.Empty(t, m.List())
}

func TestExecLauncher(t *testing.T) {
	var out bytes.Buffer
	l := &ExecLauncher{
		RouterURL: "ws://127.0.0.1:9/ws/agent",
		Stdout:    &out,
		Commands: map[string]Command{
			"echo": {
				Path: "/bin/sh",
				Args: []string{"-c", `echo "$CODEBOLT_THREAD_ID $CODEBOLT_ROUTER_URL $EXTRA {detail}"`},
				Env:  map[string]string{"EXTRA": "x1"},
			},
		},
	}
	assert.Equal(t, []string{"echo"}, l.Types())

	proc, err := l.Launch(context.Background(), Request{AgentType: "echo", Detail: "d1", ThreadID: "th-9", InstanceID: "i-1"})
	require.NoError(t, err)
	require.NoError(t, proc.Wait())
	assert.Equal(t, "th-9 ws://127.0.0.1:9/ws/agent x1 d1", strings.TrimSpace(out.String()))

	_, err = l.Launch(context.Background(), Request{AgentType: "missing"})
	assert.ErrorIs(t, err, ErrUnknownAgentType)
}
