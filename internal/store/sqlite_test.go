// ABOUTME: Tests for the SQLite store: schema creation, audit records and notes
// ABOUTME: Uses temp-dir databases and ":memory:"

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "router.db")

	s, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
	assert.NoError(t, s.Ping())
}

func TestDecisions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	records := []*ApprovalDecision{
		{CorrelationID: "c1", AgentID: "a1", Operation: "readFile", Resource: "/tmp/x", Outcome: OutcomeApproved, Channel: "client", DecidedAt: base},
		{CorrelationID: "c2", AgentID: "a1", Operation: "writeFile", Resource: "/tmp/y", Outcome: OutcomeRejected, Reason: "no", Channel: "remote", DecidedAt: base.Add(time.Minute)},
		{CorrelationID: "c3", AgentID: "a2", Operation: "readFile", Resource: "/etc/secret", Outcome: OutcomeExpired, Channel: "timer", DecidedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range records {
		require.NoError(t, s.RecordDecision(ctx, r))
		assert.NotEmpty(t, r.ID)
	}

	t.Run("newest first", func(t *testing.T) {
		all, err := s.ListDecisions(ctx, DecisionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "c3", all[0].CorrelationID)
		assert.Equal(t, "c1", all[2].CorrelationID)
	})

	t.Run("filter by agent", func(t *testing.T) {
		got, err := s.ListDecisions(ctx, DecisionFilter{AgentID: "a1"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("filter by outcome and operation", func(t *testing.T) {
		got, err := s.ListDecisions(ctx, DecisionFilter{Operation: "writeFile", Outcome: OutcomeRejected})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "no", got[0].Reason)
	})

	t.Run("since and limit", func(t *testing.T) {
		since := base.Add(30 * time.Second)
		got, err := s.ListDecisions(ctx, DecisionFilter{Since: &since, Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "c3", got[0].CorrelationID)
	})
}

func TestSpawns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RecordSpawn(ctx, &SpawnRecord{AgentType: "marketplace", ThreadID: "t1", Outcome: "started", PID: 42}))
	require.NoError(t, s.RecordSpawn(ctx, &SpawnRecord{AgentType: "marketplace", ThreadID: "t2", Outcome: "failed", Error: "exec: not found"}))

	got, err := s.ListSpawns(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 42, got[0].PID)

	all, err := s.ListSpawns(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestNotes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetNote(ctx, &AgentNote{AgentID: "a1", Key: "plan", Value: "v1"}))
	require.NoError(t, s.SetNote(ctx, &AgentNote{AgentID: "a1", Key: "plan", Value: "v2"}))
	require.NoError(t, s.SetNote(ctx, &AgentNote{AgentID: "a2", Key: "plan", Value: "other"}))

	n, err := s.GetNote(ctx, "a1", "plan")
	require.NoError(t, err)
	assert.Equal(t, "v2", n.Value)

	list, err := s.ListNotes(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteNote(ctx, "a1", "plan"))
	_, err = s.GetNote(ctx, "a1", "plan")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteNote(ctx, "a1", "plan"), ErrNotFound)
}
