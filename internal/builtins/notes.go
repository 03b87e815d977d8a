// ABOUTME: Notes toolbox provides key-value storage scoped to the calling agent.
// ABOUTME: Backed by the SQLite note store.

package builtins

import (
	"context"
	"errors"

	"github.com/codeboltai/codebolt-router/internal/store"
	"github.com/codeboltai/codebolt-router/internal/tools"
)

// ErrNoCaller indicates a notes tool was called without an agent identity.
var ErrNoCaller = errors.New("notes require a calling agent")

// NotesToolbox creates the notes toolbox.
func NotesToolbox(s store.NoteStore) *tools.Toolbox {
	n := &notesHandlers{store: s}
	return &tools.Toolbox{
		Name:        "notes",
		Description: "Per-agent key/value notes",
		Tools: []*tools.Descriptor{
			{
				Name:        "note_set",
				DisplayName: "Set Note",
				Description: "Store a note",
				Kind:        tools.KindWrite,
				Schema:      tools.MustSchema(`{"type":"object","properties":{"key":{"type":"string"},"value":{"type":"string"}},"required":["key","value"]}`),
				Run:         n.Set,
			},
			{
				Name:        "note_get",
				DisplayName: "Get Note",
				Description: "Retrieve a note",
				Kind:        tools.KindRead,
				Schema:      tools.MustSchema(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`),
				Run:         n.Get,
			},
			{
				Name:        "note_list",
				DisplayName: "List Notes",
				Description: "List all note keys",
				Kind:        tools.KindRead,
				Schema:      tools.MustSchema(`{"type":"object","properties":{}}`),
				Run:         n.List,
			},
			{
				Name:        "note_delete",
				DisplayName: "Delete Note",
				Description: "Delete a note",
				Kind:        tools.KindDelete,
				Schema:      tools.MustSchema(`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`),
				Run:         n.Delete,
			},
		},
	}
}

type notesHandlers struct {
	store store.NoteStore
}

func caller(ctx context.Context) (string, error) {
	id := tools.CallerFrom(ctx)
	if id == "" {
		return "", ErrNoCaller
	}
	return id, nil
}

func (n *notesHandlers) Set(ctx context.Context, params map[string]any) (any, error) {
	agentID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	key := stringParam(params, "key", "")
	note := &store.AgentNote{
		AgentID: agentID,
		Key:     key,
		Value:   stringParam(params, "value", ""),
	}
	if err := n.store.SetNote(ctx, note); err != nil {
		return nil, err
	}
	return map[string]string{"key": key, "status": "saved"}, nil
}

func (n *notesHandlers) Get(ctx context.Context, params map[string]any) (any, error) {
	agentID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	note, err := n.store.GetNote(ctx, agentID, stringParam(params, "key", ""))
	if err != nil {
		return nil, err
	}
	return map[string]string{"key": note.Key, "value": note.Value}, nil
}

func (n *notesHandlers) List(ctx context.Context, _ map[string]any) (any, error) {
	agentID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	notes, err := n.store.ListNotes(ctx, agentID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(notes))
	for i, note := range notes {
		keys[i] = note.Key
	}
	return map[string]any{"keys": keys, "count": len(keys)}, nil
}

func (n *notesHandlers) Delete(ctx context.Context, params map[string]any) (any, error) {
	agentID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	key := stringParam(params, "key", "")
	if err := n.store.DeleteNote(ctx, agentID, key); err != nil {
		return nil, err
	}
	return map[string]string{"key": key, "status": "deleted"}, nil
}
