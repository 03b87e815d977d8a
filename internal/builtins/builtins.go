// ABOUTME: Assembles the static toolbox catalog from the individual toolboxes.
// ABOUTME: Shared parameter helpers and workspace path resolution live here too.

package builtins

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeboltai/codebolt-router/internal/store"
	"github.com/codeboltai/codebolt-router/internal/tools"
)

// ErrOutsideWorkspace indicates a path resolves outside the workspace root.
var ErrOutsideWorkspace = errors.New("path outside workspace")

// Config controls the catalog.
type Config struct {
	WorkspaceRoot string
	Notes         store.NoteStore // nil omits the notes toolbox
	HTTPClient    *http.Client
	MaxReadBytes  int64
}

// Toolboxes builds every toolbox.
func Toolboxes(cfg Config) ([]*tools.Toolbox, error) {
	root, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = 1 << 20
	}
	ws := workspace{root: root}

	boxes := []*tools.Toolbox{
		fsToolbox(ws, cfg.MaxReadBytes),
		shellToolbox(ws),
		gitToolbox(ws),
		WebToolbox(cfg.HTTPClient, cfg.MaxReadBytes),
	}
	if cfg.Notes != nil {
		boxes = append(boxes, NotesToolbox(cfg.Notes))
	}
	return boxes, nil
}

// workspace resolves tool paths against a root directory.
type workspace struct {
	root string
}

// resolve joins p to the root and rejects results outside it.
func (w workspace) resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: path contains null byte", ErrOutsideWorkspace)
	}
	abs := p
	if !filepath.IsAbs(p) {
		abs = filepath.Join(w.root, p)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
	}
	return abs, nil
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
