// ABOUTME: Git toolbox backed by go-git: worktree status and commit history.
// ABOUTME: Opens the repository containing the workspace root on every call.

package builtins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/codeboltai/codebolt-router/internal/tools"
)

func gitToolbox(ws workspace) *tools.Toolbox {
	h := &gitHandlers{ws: ws}
	return &tools.Toolbox{
		Name:        "git",
		Description: "Inspect the workspace git repository",
		Tools: []*tools.Descriptor{
			{
				Name:        "git_status",
				DisplayName: "Git Status",
				Description: "Show the current branch and changed files",
				Kind:        tools.KindRead,
				Schema:      tools.MustSchema(`{"type":"object","properties":{}}`),
				Run:         h.Status,
			},
			{
				Name:        "git_log",
				DisplayName: "Git Log",
				Description: "List recent commits on HEAD",
				Kind:        tools.KindRead,
				Schema:      tools.MustSchema(`{"type":"object","properties":{"limit":{"type":"integer","minimum":1,"maximum":500}}}`),
				Run:         h.Log,
			},
		},
	}
}

type gitHandlers struct {
	ws workspace
}

func (h *gitHandlers) open() (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(h.ws.root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return repo, nil
}

type fileStatus struct {
	Path     string `json:"path"`
	Staging  string `json:"staging"`
	Worktree string `json:"worktree"`
}

func (h *gitHandlers) Status(_ context.Context, _ map[string]any) (any, error) {
	repo, err := h.open()
	if err != nil {
		return nil, err
	}

	branch := ""
	if head, err := repo.Head(); err == nil {
		branch = head.Name().Short()
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("reading worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}

	files := make([]fileStatus, 0, len(status))
	for path, s := range status {
		files = append(files, fileStatus{
			Path:     path,
			Staging:  string(s.Staging),
			Worktree: string(s.Worktree),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return map[string]any{
		"branch": branch,
		"clean":  status.IsClean(),
		"files":  files,
	}, nil
}

type commitInfo struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
	Message string    `json:"message"`
}

func (h *gitHandlers) Log(ctx context.Context, params map[string]any) (any, error) {
	limit := intParam(params, "limit", 20)

	repo, err := h.open()
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	var commits []commitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		commits = append(commits, commitInfo{
			Hash:    c.Hash.String(),
			Author:  c.Author.Name,
			When:    c.Author.When,
			Message: firstLine(c.Message),
		})
		if len(commits) >= limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, err
	}
	return map[string]any{"commits": commits, "count": len(commits)}, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
