// ABOUTME: Shell toolbox: runs one command in the workspace and captures output.
// ABOUTME: The dispatcher's context bounds the process lifetime.

package builtins

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"

	"github.com/codeboltai/codebolt-router/internal/tools"
)

const maxCommandOutput = 256 << 10

func shellToolbox(ws workspace) *tools.Toolbox {
	h := &shellHandlers{ws: ws}
	return &tools.Toolbox{
		Name:        "shell",
		Description: "Run shell commands in the workspace",
		Tools: []*tools.Descriptor{
			{
				Name:        "execute_command",
				DisplayName: "Execute Command",
				Description: "Run a shell command and return its exit code and output",
				Kind:        tools.KindExecute,
				Schema:      tools.MustSchema(`{"type":"object","properties":{"command":{"type":"string"},"cwd":{"type":"string"}},"required":["command"]}`),
				Run:         h.Execute,
			},
		},
	}
}

type shellHandlers struct {
	ws workspace
}

func (h *shellHandlers) Execute(ctx context.Context, params map[string]any) (any, error) {
	dir, err := h.ws.resolve(stringParam(params, "cwd", "."))
	if err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", stringParam(params, "command", ""))
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", stringParam(params, "command", ""))
	}
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &stdout, max: maxCommandOutput}
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: maxCommandOutput}

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, runErr
		}
		exitCode = exitErr.ExitCode()
	}
	return map[string]any{
		"exitCode": exitCode,
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
	}, nil
}

// limitedBuffer discards writes past max while reporting full success to
// the child process.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
