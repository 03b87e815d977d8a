// ABOUTME: Sensitive file operations gated behind approval: read, write and delete.
// ABOUTME: Each operation names its resource and performs the work once allowed.

package approval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeboltai/codebolt-router/internal/envelope"
)

// Operation is one approval-gated action.
type Operation interface {
	// Action is the fsEvent action this operation handles, e.g. "readFile".
	Action() string
	// Resource extracts the resource the grant is keyed on.
	Resource(req *envelope.Envelope) (string, error)
	// Execute performs the operation on an already-approved resource.
	Execute(ctx context.Context, req *envelope.Envelope, resource string) (any, error)
}

// fileRequest is the payload agents send with file operations.
type fileRequest struct {
	FilePath string  `json:"filePath"`
	Path     string  `json:"path"`
	Content  *string `json:"content"`
}

func decodeFileRequest(req *envelope.Envelope) (fileRequest, error) {
	var fr fileRequest
	if err := req.DecodeData(&fr); err != nil {
		return fr, err
	}
	if fr.FilePath == "" {
		fr.FilePath = fr.Path
	}
	if strings.TrimSpace(fr.FilePath) == "" {
		return fr, fmt.Errorf("%w: filePath is required", envelope.ErrMalformed)
	}
	return fr, nil
}

// ErrOutsideRoot indicates a file path resolves outside the workspace root.
var ErrOutsideRoot = errors.New("path outside workspace root")

// fileResource resolves request paths against a base directory and keeps
// them inside it. An empty root leaves paths unconfined.
type fileResource struct {
	root string
}

func (f fileResource) Resource(req *envelope.Envelope) (string, error) {
	fr, err := decodeFileRequest(req)
	if err != nil {
		return "", err
	}
	return f.resolve(fr.FilePath)
}

func (f fileResource) resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: path contains null byte", ErrOutsideRoot)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(f.root, p)
	}
	p = filepath.Clean(p)
	if f.root == "" {
		return p, nil
	}
	rel, err := filepath.Rel(filepath.Clean(f.root), p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return p, nil
}

// ReadFile returns a file's contents.
type ReadFile struct{ fileResource }

// NewReadFile creates the read operation; relative paths resolve under root.
func NewReadFile(root string) *ReadFile { return &ReadFile{fileResource{root: root}} }

func (*ReadFile) Action() string { return envelope.ActionReadFile }

func (*ReadFile) Execute(_ context.Context, _ *envelope.Envelope, resource string) (any, error) {
	data, err := os.ReadFile(resource)
	if err != nil {
		return nil, err
	}
	return map[string]any{"filePath": resource, "content": string(data)}, nil
}

// WriteFile replaces a file's contents, creating parent directories.
type WriteFile struct{ fileResource }

// NewWriteFile creates the write operation; relative paths resolve under root.
func NewWriteFile(root string) *WriteFile { return &WriteFile{fileResource{root: root}} }

func (*WriteFile) Action() string { return envelope.ActionWriteFile }

// Resource rejects writes without content so nothing is prompted or granted
// for a request that cannot succeed.
func (w *WriteFile) Resource(req *envelope.Envelope) (string, error) {
	fr, err := decodeFileRequest(req)
	if err != nil {
		return "", err
	}
	if fr.Content == nil {
		return "", fmt.Errorf("%w: content is required", envelope.ErrMalformed)
	}
	return w.resolve(fr.FilePath)
}

func (*WriteFile) Execute(_ context.Context, req *envelope.Envelope, resource string) (any, error) {
	fr, err := decodeFileRequest(req)
	if err != nil {
		return nil, err
	}
	if fr.Content == nil {
		return nil, fmt.Errorf("%w: content is required", envelope.ErrMalformed)
	}
	if err := os.MkdirAll(filepath.Dir(resource), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(resource, []byte(*fr.Content), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"filePath": resource, "bytesWritten": len(*fr.Content)}, nil
}

// DeleteFile removes a file.
type DeleteFile struct{ fileResource }

// NewDeleteFile creates the delete operation; relative paths resolve under root.
func NewDeleteFile(root string) *DeleteFile { return &DeleteFile{fileResource{root: root}} }

func (*DeleteFile) Action() string { return envelope.ActionDeleteFile }

func (*DeleteFile) Execute(_ context.Context, _ *envelope.Envelope, resource string) (any, error) {
	if err := os.Remove(resource); err != nil {
		return nil, err
	}
	return map[string]any{"filePath": resource, "deleted": true}, nil
}
