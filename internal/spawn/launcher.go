// ABOUTME: Starts agent processes for an agent type from configured command lines.
// ABOUTME: Spawned agents learn their identity and router address from CODEBOLT_* variables.

package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// Environment variables handed to every spawned agent.
const (
	EnvInstanceID = "CODEBOLT_INSTANCE_ID"
	EnvThreadID   = "CODEBOLT_THREAD_ID"
	EnvParentID   = "CODEBOLT_PARENT_ID"
	EnvRouterURL  = "CODEBOLT_ROUTER_URL"
	EnvAgentType  = "CODEBOLT_AGENT_TYPE"
	EnvDetail     = "CODEBOLT_AGENT_DETAIL"
)

// ErrUnknownAgentType indicates no command is configured for an agent type.
var ErrUnknownAgentType = errors.New("unknown agent type")

// Request describes one agent to start.
type Request struct {
	AgentType  string
	Detail     string
	ParentID   string
	ThreadID   string
	InstanceID string
}

// Env returns the CODEBOLT_* variables for the request.
func (r Request) Env(routerURL string) []string {
	return []string{
		EnvInstanceID + "=" + r.InstanceID,
		EnvThreadID + "=" + r.ThreadID,
		EnvParentID + "=" + r.ParentID,
		EnvRouterURL + "=" + routerURL,
		EnvAgentType + "=" + r.AgentType,
		EnvDetail + "=" + r.Detail,
	}
}

// Process is a running agent.
type Process interface {
	PID() int
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Launcher starts agent processes.
type Launcher interface {
	Launch(ctx context.Context, req Request) (Process, error)
}

// Command is the command line for one agent type. "{detail}", "{thread}"
// and "{instance}" in Args are replaced per launch.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string
}

// ExecLauncher runs configured commands with os/exec.
type ExecLauncher struct {
	Commands  map[string]Command
	RouterURL string
	Stdout    io.Writer
	Stderr    io.Writer
}

// Types returns the configured agent types, sorted.
func (l *ExecLauncher) Types() []string {
	out := make([]string, 0, len(l.Commands))
	for t := range l.Commands {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Launch starts the command configured for req.AgentType. The process is
// killed when ctx ends.
func (l *ExecLauncher) Launch(ctx context.Context, req Request) (Process, error) {
	spec, ok := l.Commands[req.AgentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgentType, req.AgentType)
	}

	replacer := strings.NewReplacer(
		"{detail}", req.Detail,
		"{thread}", req.ThreadID,
		"{instance}", req.InstanceID,
	)
	args := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.CommandContext(ctx, spec.Path, args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.Env = append(os.Environ(), req.Env(l.RouterURL)...)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Path, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error                { return p.cmd.Wait() }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }
