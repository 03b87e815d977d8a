// ABOUTME: Store interfaces and record types for the router's audit trail.
// ABOUTME: Approval decisions, spawn attempts and agent notes.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Decision outcomes.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomeExpired  = "expired"
	OutcomeCached   = "cached"
	OutcomeNoParent = "no_parent"
)

// ApprovalDecision records how one approval-gated request ended.
type ApprovalDecision struct {
	ID            string
	CorrelationID string
	AgentID       string
	Operation     string // readFile, writeFile, deleteFile
	Resource      string
	Target        string // role/id of the client that was asked
	Outcome       string
	Reason        string
	Channel       string // client, remote, timer, auto
	DecidedAt     time.Time
}

// DecisionFilter narrows ListDecisions.
type DecisionFilter struct {
	AgentID   string
	Operation string
	Outcome   string
	Since     *time.Time
	Limit     int // default 100, max 1000
}

// SpawnRecord records one attempt to start an agent process.
type SpawnRecord struct {
	ID         string
	AgentType  string
	Detail     string
	ParentID   string
	ThreadID   string
	InstanceID string
	PID        int
	Outcome    string // started, reused, failed
	Error      string
	StartedAt  time.Time
}

// AgentNote represents a key-value note for an agent
type AgentNote struct {
	ID        string
	AgentID   string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditStore persists approval decisions and spawn attempts.
type AuditStore interface {
	RecordDecision(ctx context.Context, d *ApprovalDecision) error
	ListDecisions(ctx context.Context, f DecisionFilter) ([]*ApprovalDecision, error)
	RecordSpawn(ctx context.Context, r *SpawnRecord) error
	ListSpawns(ctx context.Context, threadID string, limit int) ([]*SpawnRecord, error)
}

// NoteStore persists per-agent notes.
type NoteStore interface {
	SetNote(ctx context.Context, note *AgentNote) error
	GetNote(ctx context.Context, agentID, key string) (*AgentNote, error)
	ListNotes(ctx context.Context, agentID string) ([]*AgentNote, error)
	DeleteNote(ctx context.Context, agentID, key string) error
}
