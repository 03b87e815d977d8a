// ABOUTME: Approval decision and spawn attempt records for the audit trail
// ABOUTME: Write-mostly; read back only by the HTTP history endpoint

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordDecision appends an approval decision.
// Generates ID and DecidedAt if not set.
func (s *SQLiteStore) RecordDecision(ctx context.Context, d *ApprovalDecision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_decisions (id, correlation_id, agent_id, operation, resource, target, outcome, reason, channel, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID,
		d.CorrelationID,
		d.AgentID,
		d.Operation,
		d.Resource,
		d.Target,
		d.Outcome,
		d.Reason,
		d.Channel,
		d.DecidedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting approval decision: %w", err)
	}

	s.logger.Debug("recorded approval decision",
		"correlation_id", d.CorrelationID,
		"agent_id", d.AgentID,
		"operation", d.Operation,
		"outcome", d.Outcome,
	)
	return nil
}

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// nullable turns "" into a NULL query argument.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const decisionsQuery = `
	SELECT id, correlation_id, agent_id, operation, resource, target, outcome, reason, channel, decided_at
	FROM approval_decisions
	WHERE (? IS NULL OR agent_id = ?)
	  AND (? IS NULL OR operation = ?)
	  AND (? IS NULL OR outcome = ?)
	  AND (? IS NULL OR decided_at >= ?)
	ORDER BY decided_at DESC
	LIMIT ?
`

// ListDecisions returns decisions newest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]*ApprovalDecision, error) {
	var since any
	if f.Since != nil {
		since = f.Since.UTC().Format(timeLayout)
	}
	agent, op, outcome := nullable(f.AgentID), nullable(f.Operation), nullable(f.Outcome)

	rows, err := s.db.QueryContext(ctx, decisionsQuery,
		agent, agent,
		op, op,
		outcome, outcome,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying approval decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ApprovalDecision
	for rows.Next() {
		var d ApprovalDecision
		var decidedAt string
		if err := rows.Scan(&d.ID, &d.CorrelationID, &d.AgentID, &d.Operation, &d.Resource,
			&d.Target, &d.Outcome, &d.Reason, &d.Channel, &decidedAt); err != nil {
			return nil, fmt.Errorf("scanning approval decision: %w", err)
		}
		d.DecidedAt, err = time.Parse(timeLayout, decidedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing decided_at: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// RecordSpawn appends a spawn attempt.
func (s *SQLiteStore) RecordSpawn(ctx context.Context, r *SpawnRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_spawns (id, agent_type, detail, parent_id, thread_id, instance_id, pid, outcome, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.AgentType, r.Detail, r.ParentID, r.ThreadID, r.InstanceID, r.PID, r.Outcome, r.Error,
		r.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting spawn record: %w", err)
	}
	return nil
}

// ListSpawns returns spawn attempts newest first. An empty threadID lists
// every thread.
func (s *SQLiteStore) ListSpawns(ctx context.Context, threadID string, limit int) ([]*SpawnRecord, error) {
	thread := nullable(threadID)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_type, detail, parent_id, thread_id, instance_id, pid, outcome, error, started_at
		FROM agent_spawns
		WHERE (? IS NULL OR thread_id = ?)
		ORDER BY started_at DESC
		LIMIT ?
	`, thread, thread, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying spawn records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SpawnRecord
	for rows.Next() {
		var r SpawnRecord
		var startedAt string
		if err := rows.Scan(&r.ID, &r.AgentType, &r.Detail, &r.ParentID, &r.ThreadID,
			&r.InstanceID, &r.PID, &r.Outcome, &r.Error, &startedAt); err != nil {
			return nil, fmt.Errorf("scanning spawn record: %w", err)
		}
		r.StartedAt, err = time.Parse(timeLayout, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
