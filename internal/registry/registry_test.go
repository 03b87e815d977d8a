// ABOUTME: Tests for the connection registry: registration, sends, broadcast,
// ABOUTME: round-robin any-agent delivery and parent resolution.

package registry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeboltai/codebolt-router/internal/envelope"
	"github.com/codeboltai/codebolt-router/internal/registry"
	"github.com/codeboltai/codebolt-router/internal/registry/registrytest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegister(t *testing.T) {
	t.Run("rejects duplicate id within a role", func(t *testing.T) {
		reg := registry.New(testLogger())
		registrytest.Connect(reg, registry.ConnectionParams{ID: "a1", Role: registry.RoleAgent})

		dup := registry.NewConnection(registry.ConnectionParams{ID: "a1", Role: registry.RoleAgent})
		err := reg.Register(dup)
		assert.ErrorIs(t, err, registry.ErrAlreadyRegistered)
	})

	t.Run("same id in different roles is allowed", func(t *testing.T) {
		reg := registry.New(testLogger())
		registrytest.Connect(reg, registry.ConnectionParams{ID: "x", Role: registry.RoleAgent})
		registrytest.Connect(reg, registry.ConnectionParams{ID: "x", Role: registry.RoleApp})

		assert.Equal(t, 1, reg.Count(registry.RoleAgent))
		assert.Equal(t, 1, reg.Count(registry.RoleApp))
	})
}

func TestDeregisterAndRemove(t *testing.T) {
	reg := registry.New(testLogger())
	old, _ := registrytest.Connect(reg, registry.ConnectionParams{ID: "a1", Role: registry.RoleAgent})

	reg.Deregister("a1")
	_, ok := reg.Get(registry.RoleAgent, "a1")
	assert.False(t, ok)

	// a reconnect under the same id must survive the stale connection's cleanup
	fresh, _ := registrytest.Connect(reg, registry.ConnectionParams{ID: "a1", Role: registry.RoleAgent})
	assert.False(t, reg.Remove(old))
	got, ok := reg.Get(registry.RoleAgent, "a1")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	assert.True(t, reg.Remove(fresh))
	assert.Equal(t, 0, reg.Count(registry.RoleAgent))
}

func TestSendTo(t *testing.T) {
	ctx := context.Background()
	env := &envelope.Envelope{Type: "ping"}

	t.Run("missing target returns false", func(t *testing.T) {
		reg := registry.New(testLogger())
		assert.False(t, reg.SendTo(ctx, registry.RoleApp, "nobody", env))
	})

	t.Run("delivers to target", func(t *testing.T) {
		reg := registry.New(testLogger())
		_, rec := registrytest.Connect(reg, registry.ConnectionParams{ID: "app1", Role: registry.RoleApp})

		assert.True(t, reg.SendTo(ctx, registry.RoleApp, "app1", env))
		assert.Len(t, rec.Sent(), 1)
	})

	t.Run("sender error returns false", func(t *testing.T) {
		reg := registry.New(testLogger())
		_, rec := registrytest.Connect(reg, registry.ConnectionParams{ID: "app1", Role: registry.RoleApp})
		rec.SetErr(errors.New("closed"))

		assert.False(t, reg.SendTo(ctx, registry.RoleApp, "app1", env))
	})

	t.Run("client id falls back to tui table", func(t *testing.T) {
		reg := registry.New(testLogger())
		_, rec := registrytest.Connect(reg, registry.ConnectionParams{ID: "t1", Role: registry.RoleTUI})

		assert.True(t, reg.SendToClientID(ctx, "t1", env))
		assert.Len(t, rec.Sent(), 1)
	})
}

func TestBroadcast(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(testLogger())
	_, a := registrytest.Connect(reg, registry.ConnectionParams{ID: "app1", Role: registry.RoleApp})
	_, b := registrytest.Connect(reg, registry.ConnectionParams{ID: "app2", Role: registry.RoleApp})
	_, tui := registrytest.Connect(reg, registry.ConnectionParams{ID: "tui1", Role: registry.RoleTUI})
	b.SetErr(errors.New("gone"))

	n := reg.BroadcastClients(ctx, &envelope.Envelope{Type: envelope.TypeNotification})
	assert.Equal(t, 2, n)
	assert.Len(t, a.Sent(), 1)
	assert.Len(t, tui.Sent(), 1)
}

func TestSendToAnyAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("no agents", func(t *testing.T) {
		reg := registry.New(testLogger())
		_, ok := reg.SendToAnyAgent(ctx, &envelope.Envelope{Type: "x"})
		assert.False(t, ok)
	})

	t.Run("skips failing agents", func(t *testing.T) {
		reg := registry.New(testLogger())
		_, bad := registrytest.Connect(reg, registry.ConnectionParams{ID: "a1", Role: registry.RoleAgent})
		_, good := registrytest.Connect(reg, registry.ConnectionParams{ID: "a2", Role: registry.RoleAgent})
		bad.SetErr(errors.New("broken pipe"))

		for i := 0; i < 4; i++ {
			id, ok := reg.SendToAnyAgent(ctx, &envelope.Envelope{Type: "x"})
			require.True(t, ok)
			assert.Equal(t, "a2", id)
		}
		assert.Len(t, good.Sent(), 4)
	})

	t.Run("rotates across agents", func(t *testing.T) {
		reg := registry.New(testLogger())
		registrytest.Connect(reg, registry.ConnectionParams{ID: "a1", Role: registry.RoleAgent})
		registrytest.Connect(reg, registry.ConnectionParams{ID: "a2", Role: registry.RoleAgent})

		first, _ := reg.SendToAnyAgent(ctx, &envelope.Envelope{Type: "x"})
		second, _ := reg.SendToAnyAgent(ctx, &envelope.Envelope{Type: "x"})
		assert.NotEqual(t, first, second)
	})
}

func TestResolveParent(t *testing.T) {
	reg := registry.New(testLogger())
	registrytest.Connect(reg, registry.ConnectionParams{ID: "app1", Role: registry.RoleApp})
	registrytest.Connect(reg, registry.ConnectionParams{ID: "tui1", Role: registry.RoleTUI})
	registrytest.Connect(reg, registry.ConnectionParams{ID: "a-app", Role: registry.RoleAgent, ParentID: "app1"})
	registrytest.Connect(reg, registry.ConnectionParams{ID: "a-tui", Role: registry.RoleAgent, ParentID: "tui1"})
	registrytest.Connect(reg, registry.ConnectionParams{ID: "a-orphan", Role: registry.RoleAgent, ParentID: "gone"})
	registrytest.Connect(reg, registry.ConnectionParams{ID: "a-none", Role: registry.RoleAgent})

	tests := []struct {
		agent string
		want  registry.ClientRef
		ok    bool
	}{
		{"a-app", registry.ClientRef{Role: registry.RoleApp, ID: "app1"}, true},
		{"a-tui", registry.ClientRef{Role: registry.RoleTUI, ID: "tui1"}, true},
		{"a-orphan", registry.ClientRef{}, false},
		{"a-none", registry.ClientRef{}, false},
		{"unknown", registry.ClientRef{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.agent, func(t *testing.T) {
			got, ok := reg.ResolveParent(tt.agent)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	children := reg.Children("app1")
	require.Len(t, children, 1)
	assert.Equal(t, "a-app", children[0].ID)
}

func TestGetByInstanceID(t *testing.T) {
	reg := registry.New(testLogger())
	registrytest.Connect(reg, registry.ConnectionParams{ID: "a1", Role: registry.RoleAgent, InstanceID: "inst-1"})

	c, ok := reg.GetByInstanceID("inst-1")
	require.True(t, ok)
	assert.Equal(t, "a1", c.ID)

	_, ok = reg.GetByInstanceID("")
	assert.False(t, ok)
}

func TestConcurrentRegistration(t *testing.T) {
	reg := registry.New(testLogger())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a'+i%26)) + string(rune('a'+i/26))
			c := registry.NewConnection(registry.ConnectionParams{ID: id, Role: registry.RoleAgent, Sender: &registrytest.Recorder{}})
			_ = reg.Register(c)
			reg.List(registry.RoleAgent)
			reg.SendToAnyAgent(context.Background(), &envelope.Envelope{Type: "x"})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, reg.Count(registry.RoleAgent))
}

func TestParseRole(t *testing.T) {
	r, err := registry.ParseRole("terminal")
	require.NoError(t, err)
	assert.Equal(t, registry.RoleTUI, r)
	assert.True(t, r.IsClient())

	_, err = registry.ParseRole("robot")
	assert.Error(t, err)
}
