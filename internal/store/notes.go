// ABOUTME: Per-agent key/value notes persisted for the notes toolbox
// ABOUTME: Notes are scoped by agent id and upserted on (agent_id, key)

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SetNote creates or updates a note.
func (s *SQLiteStore) SetNote(ctx context.Context, note *AgentNote) error {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	now := time.Now()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	note.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_notes (id, agent_id, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, note.ID, note.AgentID, note.Key, note.Value, note.CreatedAt.Format(time.RFC3339), note.UpdatedAt.Format(time.RFC3339))

	return err
}

// GetNote retrieves a note by agent and key.
func (s *SQLiteStore) GetNote(ctx context.Context, agentID, key string) (*AgentNote, error) {
	var n AgentNote
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, key, value, created_at, updated_at
		FROM agent_notes WHERE agent_id = ? AND key = ?
	`, agentID, key).Scan(&n.ID, &n.AgentID, &n.Key, &n.Value, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	n.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &n, nil
}

// ListNotes lists all notes for an agent ordered by key.
func (s *SQLiteStore) ListNotes(ctx context.Context, agentID string) ([]*AgentNote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, key, value, created_at, updated_at
		FROM agent_notes WHERE agent_id = ?
		ORDER BY key ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var notes []*AgentNote
	for rows.Next() {
		var n AgentNote
		var createdAt, updatedAt string
		if err := rows.Scan(&n.ID, &n.AgentID, &n.Key, &n.Value, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		n.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

// DeleteNote deletes a note by agent and key.
func (s *SQLiteStore) DeleteNote(ctx context.Context, agentID, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_notes WHERE agent_id = ? AND key = ?`, agentID, key)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
