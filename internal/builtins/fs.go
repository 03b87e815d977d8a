// ABOUTME: Read-only filesystem toolbox scoped to the workspace root.
// ABOUTME: Writes and deletes go through the approval-gated fsEvent path instead.

package builtins

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codeboltai/codebolt-router/internal/tools"
)

// fsToolbox creates the fs toolbox.
func fsToolbox(ws workspace, maxBytes int64) *tools.Toolbox {
	h := &fsHandlers{ws: ws, maxBytes: maxBytes}
	return &tools.Toolbox{
		Name:        "fs",
		Description: "Read-only access to files in the workspace",
		Tools: []*tools.Descriptor{
			{
				Name:        "read_file",
				DisplayName: "Read File",
				Description: "Read a text file from the workspace",
				Kind:        tools.KindRead,
				Schema:      tools.MustSchema(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
				Run:         h.ReadFile,

				RequiresApproval: true,
			},
			{
				Name:        "list_directory",
				DisplayName: "List Directory",
				Description: "List the entries of a workspace directory",
				Kind:        tools.KindRead,
				Schema:      tools.MustSchema(`{"type":"object","properties":{"path":{"type":"string"}}}`),
				Run:         h.ListDirectory,
			},
			{
				Name:        "search_files",
				DisplayName: "Search Files",
				Description: "Find files whose relative path contains a pattern",
				Kind:        tools.KindRead,
				Schema:      tools.MustSchema(`{"type":"object","properties":{"pattern":{"type":"string"},"limit":{"type":"integer","minimum":1,"maximum":1000}},"required":["pattern"]}`),
				Run:         h.SearchFiles,
			},
		},
	}
}

type fsHandlers struct {
	ws       workspace
	maxBytes int64
}

func (h *fsHandlers) ReadFile(_ context.Context, params map[string]any) (any, error) {
	path, err := h.ws.resolve(stringParam(params, "path", ""))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxBytes+1))
	if err != nil {
		return nil, err
	}
	truncated := int64(len(data)) > h.maxBytes
	if truncated {
		data = data[:h.maxBytes]
	}
	return map[string]any{
		"path":      path,
		"content":   string(data),
		"truncated": truncated,
	}, nil
}

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

func (h *fsHandlers) ListDirectory(_ context.Context, params map[string]any) (any, error) {
	path, err := h.ws.resolve(stringParam(params, "path", "."))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		var size int64
		if info, err := e.Info(); err == nil && !e.IsDir() {
			size = info.Size()
		}
		out = append(out, dirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	return map[string]any{"path": path, "entries": out}, nil
}

func (h *fsHandlers) SearchFiles(ctx context.Context, params map[string]any) (any, error) {
	pattern := strings.ToLower(stringParam(params, "pattern", ""))
	limit := intParam(params, "limit", 100)

	var matches []string
	err := filepath.WalkDir(h.ws.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(h.ws.root, p)
		if strings.Contains(strings.ToLower(rel), pattern) {
			matches = append(matches, rel)
			if len(matches) >= limit {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching workspace: %w", err)
	}
	sort.Strings(matches)
	return map[string]any{"matches": matches, "count": len(matches)}, nil
}
