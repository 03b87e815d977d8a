// ABOUTME: Tests for the approval state machine: prompts, grants, races and expiry.
// ABOUTME: Uses registry recorders as transports and a counting operation.

package approval

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/registry"
	"github.com/codeboltai/codebolt-router/internal/registry/registrytest"
	"github.com/codeboltai/codebolt-router/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingOp struct {
	ReadFile
	runs atomic.Int32
}

func (c *countingOp) Execute(ctx context.Context, req *envelope.Envelope, resource string) (any, error) {
	c.runs.Add(1)
	return map[string]string{"filePath": resource}, nil
}

type fakeMirror struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (m *fakeMirror) ForwardAgentMessage(_ context.Context, _ *registry.Connection, env *envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs = append(m.envs, env)
	return nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	decisions []*store.ApprovalDecision
}

func (r *fakeRecorder) RecordDecision(_ context.Context, d *store.ApprovalDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	return nil
}

func (r *fakeRecorder) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, d := range r.decisions {
		out = append(out, d.Outcome)
	}
	return out
}

type fixture struct {
	reg      *registry.Registry
	agent    *registry.Connection
	agentRec *registrytest.Recorder
	appRec   *registrytest.Recorder
	mirror   *fakeMirror
	recorder *fakeRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(testLogger())
	_, appRec := registrytest.Connect(reg, registry.ConnectionParams{ID: "app1", Role: registry.RoleApp})
	agent, agentRec := registrytest.Connect(reg, registry.ConnectionParams{ID: "agentA", InstanceID: "inst-A", Role: registry.RoleAgent, ParentID: "app1"})
	return &fixture{
		reg:      reg,
		agent:    agent,
		agentRec: agentRec,
		appRec:   appRec,
		mirror:   &fakeMirror{},
		recorder: &fakeRecorder{},
	}
}

func (f *fixture) handler(op Operation, timeout time.Duration) *Handler {
	return NewHandler(Config{
		Operation: op,
		Registry:  f.reg,
		Mirror:    f.mirror,
		Recorder:  f.recorder,
		Logger:    testLogger(),
		Timeout:   timeout,
	})
}

func fileRequestEnv(action, requestID, path string, content *string) *envelope.Envelope {
	data := map[string]any{"filePath": path}
	if content != nil {
		data["content"] = *content
	}
	return &envelope.Envelope{
		Type:      envelope.TypeFSEvent,
		Action:    action,
		RequestID: requestID,
		Data:      envelope.MustData(data),
	}
}

func confirm(id string, approved bool) *envelope.ConfirmationResponse {
	return &envelope.ConfirmationResponse{
		Env:        &envelope.Envelope{Type: envelope.TypeConfirmationResponse, MessageID: id},
		Resolution: envelope.Resolution{CorrelationID: id, Approved: approved},
	}
}

func TestWriteApproveReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	root := t.TempDir()
	h := f.handler(NewWriteFile(root), 0)

	target := filepath.Join(root, "x.txt")
	content := "hello"
	h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionWriteFile, "req-1", target, &content))

	prompts := f.appRec.OfType(envelope.TypeConfirmationRequest)
	require.Len(t, prompts, 1)
	corr := prompts[0].RequestID
	assert.NotEqual(t, "req-1", corr)
	assert.Equal(t, target, prompts[0].Field("filePath"))
	assert.Len(t, f.mirror.envs, 1)
	assert.Empty(t, f.agentRec.Sent())

	require.True(t, h.HandleConfirmation(ctx, confirm(corr, true)))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	responses := f.agentRec.OfType("writeFileResponse")
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Succeeded())
	assert.Equal(t, "req-1", responses[0].RequestID)
	assert.Len(t, f.appRec.OfType(envelope.TypeNotification), 1)

	// replaying the same approval changes nothing
	assert.False(t, h.HandleConfirmation(ctx, confirm(corr, true)))
	assert.Len(t, f.agentRec.Sent(), 1)
	assert.Len(t, f.appRec.OfType(envelope.TypeNotification), 1)
	assert.Equal(t, []string{store.OutcomeApproved}, f.recorder.outcomes())
}

func TestPermissionCaching(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	op := &countingOp{}
	h := f.handler(op, 0)

	h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionReadFile, "r1", "/tmp/p", nil))
	corr := f.appRec.OfType(envelope.TypeConfirmationRequest)[0].RequestID
	require.True(t, h.HandleConfirmation(ctx, confirm(corr, true)))

	h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionReadFile, "r2", "/tmp/p", nil))

	assert.Len(t, f.appRec.OfType(envelope.TypeConfirmationRequest), 1)
	assert.Equal(t, int32(2), op.runs.Load())
	assert.Len(t, f.agentRec.OfType("readFileResponse"), 2)
	assert.True(t, h.Grants().Has("agentA", "/tmp/p"))

	t.Run("grant is per resource", func(t *testing.T) {
		h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionReadFile, "r3", "/tmp/other", nil))
		assert.Len(t, f.appRec.OfType(envelope.TypeConfirmationRequest), 2)
	})
}

func TestRejection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	op := &countingOp{}
	h := f.handler(op, 0)

	h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionReadFile, "r1", "/etc/secret", nil))
	corr := f.appRec.OfType(envelope.TypeConfirmationRequest)[0].RequestID

	msg := confirm(corr, false)
	msg.Reason = "absolutely not"
	require.True(t, h.HandleConfirmation(ctx, msg))

	assert.Equal(t, int32(0), op.runs.Load())
	resp := f.agentRec.OfType("readFileResponse")
	require.Len(t, resp, 1)
	assert.False(t, resp[0].Succeeded())
	assert.Equal(t, envelope.KindRejected, resp[0].Error.Kind)
	assert.Equal(t, "absolutely not", resp[0].Error.Message)

	notes := f.appRec.OfType(envelope.TypeNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, store.OutcomeRejected, notes[0].Field("status"))
	assert.False(t, h.Grants().Has("agentA", "/etc/secret"))
}

func TestCorrelationUniqueness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := f.handler(&countingOp{}, 0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionReadFile, "same", "/tmp/same", nil))
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, p := range f.appRec.OfType(envelope.TypeConfirmationRequest) {
		assert.False(t, seen[p.RequestID], "duplicate correlation id %s", p.RequestID)
		seen[p.RequestID] = true
	}
	assert.Len(t, seen, 100)
	assert.Len(t, h.Pending(), 100)
}

func TestRemoteAndClientRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	op := &countingOp{}
	h := f.handler(op, 0)

	h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionReadFile, "r1", "/tmp/race", nil))
	corr := f.appRec.OfType(envelope.TypeConfirmationRequest)[0].RequestID

	remote := &envelope.Envelope{
		Type: envelope.TypeRemoteNotification,
		Data: envelope.MustData(map[string]string{"requestId": corr, "state": "approved"}),
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if h.HandleConfirmation(ctx, confirm(corr, true)) {
			wins.Add(1)
		}
	}()
	go func() {
		defer wg.Done()
		if h.HandleRemoteNotification(ctx, remote) {
			wins.Add(1)
		}
	}()
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), op.runs.Load())
	assert.Len(t, f.agentRec.OfType("readFileResponse"), 1)
}

func TestRemoteNotificationWithoutDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := f.handler(&countingOp{}, 0)

	h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionReadFile, "r1", "/tmp/info", nil))
	corr := f.appRec.OfType(envelope.TypeConfirmationRequest)[0].RequestID

	claimed := h.HandleRemoteNotification(ctx, &envelope.Envelope{
		Type: envelope.TypeRemoteNotification,
		Data: envelope.MustData(map[string]string{"requestId": corr, "message": "viewed on mobile"}),
	})
	assert.False(t, claimed)
	assert.Len(t, h.Pending(), 1)
	assert.Empty(t, f.agentRec.OfType("readFileResponse"))
}

func TestParentless(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(testLogger())
	agent, agentRec := registrytest.Connect(reg, registry.ConnectionParams{ID: "solo", Role: registry.RoleAgent})
	_, tuiRec := registrytest.Connect(reg, registry.ConnectionParams{ID: "tui1", Role: registry.RoleTUI})
	op := &countingOp{}
	h := NewHandler(Config{Operation: op, Registry: reg, Logger: testLogger()})

	h.HandleRequest(ctx, agent, fileRequestEnv(envelope.ActionReadFile, "r1", "/tmp/a", nil))

	assert.Equal(t, int32(1), op.runs.Load())
	assert.Len(t, agentRec.OfType("readFileResponse"), 1)
	assert.Empty(t, tuiRec.OfType(envelope.TypeConfirmationRequest))
	assert.Len(t, tuiRec.OfType(envelope.TypeNotification), 1)
}

func TestDisconnectedParentExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, observer := registrytest.Connect(f.reg, registry.ConnectionParams{ID: "tui9", Role: registry.RoleTUI})
	op := &countingOp{}
	h := f.handler(op, 50*time.Millisecond)

	h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionReadFile, "r1", "/etc/secret", nil))
	corr := f.appRec.OfType(envelope.TypeConfirmationRequest)[0].RequestID
	f.reg.Deregister("app1")

	require.Eventually(t, func() bool {
		return len(f.agentRec.OfType("readFileResponse")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := f.agentRec.OfType("readFileResponse")[0]
	assert.False(t, resp.Succeeded())
	assert.Equal(t, envelope.KindRejected, resp.Error.Kind)
	assert.Len(t, observer.OfType(envelope.TypeNotification), 1)
	assert.Equal(t, int32(0), op.runs.Load())

	// a late approval cannot execute the read
	assert.False(t, h.HandleConfirmation(ctx, confirm(corr, true)))
	assert.Equal(t, int32(0), op.runs.Load())
	assert.Equal(t, []string{store.OutcomeExpired}, f.recorder.outcomes())
}

func TestNoExpiryKeepsPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	op := &countingOp{}
	h := f.handler(op, 0)

	h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionReadFile, "r1", "/etc/secret", nil))
	f.reg.Deregister("app1")
	time.Sleep(20 * time.Millisecond)

	pending := h.Pending()
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].ExpiresAt)
	assert.Equal(t, int32(0), op.runs.Load())
	h.Close()
	assert.Empty(t, h.Pending())
}

func TestAbandonAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	op := &countingOp{}
	h := f.handler(op, time.Minute)

	h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionReadFile, "r1", "/tmp/a", nil))
	h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionReadFile, "r2", "/tmp/b", nil))

	assert.Equal(t, 2, h.AbandonAgent(ctx, "agentA"))
	assert.Empty(t, h.Pending())
	assert.Len(t, f.appRec.OfType(envelope.TypeNotification), 2)
	assert.Equal(t, int32(0), op.runs.Load())
}

func TestMalformedRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := f.handler(NewReadFile("/"), 0)

	h.HandleRequest(ctx, f.agent, &envelope.Envelope{Type: envelope.TypeFSEvent, Action: envelope.ActionReadFile, RequestID: "r1", Data: envelope.MustData(map[string]string{})})

	resp := f.agentRec.OfType("readFileResponse")
	require.Len(t, resp, 1)
	assert.Equal(t, envelope.KindValidation, resp[0].Error.Kind)
	assert.Empty(t, f.appRec.Sent())
}

func TestFileOperations(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	content := "data"

	write := NewWriteFile(root)
	req := fileRequestEnv(envelope.ActionWriteFile, "w", "nested/file.txt", &content)
	res, err := write.Resource(req)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "nested", "file.txt"), res)
	_, err = write.Execute(ctx, req, res)
	require.NoError(t, err)

	read := NewReadFile(root)
	out, err := read.Execute(ctx, req, res)
	require.NoError(t, err)
	assert.Equal(t, "data", out.(map[string]any)["content"])

	del := NewDeleteFile(root)
	_, err = del.Execute(ctx, req, res)
	require.NoError(t, err)
	_, err = os.Stat(res)
	assert.True(t, os.IsNotExist(err))

	_, err = write.Execute(ctx, fileRequestEnv(envelope.ActionWriteFile, "w", "x", nil), filepath.Join(root, "x"))
	assert.ErrorIs(t, err, envelope.ErrMalformed)
}

func TestPathsStayInsideRoot(t *testing.T) {
	root := t.TempDir()
	read := NewReadFile(root)

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"relative", "notes/a.txt", true},
		{"absolute inside", filepath.Join(root, "a.txt"), true},
		{"dot dot escape", "../secret", false},
		{"absolute outside", "/etc/passwd", false},
		{"cleaned back inside", "notes/../a.txt", true},
		{"null byte", "a\x00b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := read.Resource(fileRequestEnv(envelope.ActionReadFile, "r", tt.path, nil))
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrOutsideRoot)
		})
	}

	t.Run("escape is rejected before prompting", func(t *testing.T) {
		f := newFixture(t)
		h := f.handler(read, 0)
		h.HandleRequest(context.Background(), f.agent, fileRequestEnv(envelope.ActionReadFile, "r1", "/etc/passwd", nil))

		resp := f.agentRec.OfType("readFileResponse")
		require.Len(t, resp, 1)
		assert.Equal(t, envelope.KindValidation, resp[0].Error.Kind)
		assert.Empty(t, f.appRec.Sent())
	})
}

func TestWriteWithoutContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	root := t.TempDir()
	h := f.handler(NewWriteFile(root), 0)

	h.HandleRequest(ctx, f.agent, fileRequestEnv(envelope.ActionWriteFile, "w1", "x.txt", nil))

	resp := f.agentRec.OfType("writeFileResponse")
	require.Len(t, resp, 1)
	assert.Equal(t, envelope.KindValidation, resp[0].Error.Kind)
	assert.Contains(t, resp[0].Error.Message, "content")
	assert.Empty(t, f.appRec.Sent(), "no prompt for a write that cannot succeed")
	assert.Empty(t, h.Pending())
	assert.False(t, h.Grants().Has("agentA", filepath.Join(root, "x.txt")))
}
