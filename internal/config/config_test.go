// ABOUTME: Tests for configuration loading and parsing.
// ABOUTME: Covers YAML and TOML, env var expansion, defaults, durations and validation.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_ROUTER_SECRET", "s3cret")
	path := writeFile(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9000"
  grpc_addr: "0.0.0.0:9001"
auth:
  jwt_secret: "${TEST_ROUTER_SECRET}"
  required: true
agents:
  ready_timeout: "45s"
  commands:
    marketplace:
      path: "/usr/bin/agent"
      args: ["--id", "{detail}"]
approvals:
  timeout: "2m"
remote:
  kind: nats
  url: "nats://localhost:4222"
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 45*time.Second, cfg.Agents.ReadyTimeout)
	assert.Equal(t, []string{"--id", "{detail}"}, cfg.Agents.Commands["marketplace"].Args)
	assert.Equal(t, 2*time.Minute, cfg.Approvals.Timeout)
	assert.Equal(t, RemoteNATS, cfg.Remote.Kind)
	assert.Equal(t, "json", cfg.Logging.Format)

	t.Run("defaults survive partial files", func(t *testing.T) {
		assert.Equal(t, 60*time.Second, cfg.Tools.Timeout)
		assert.Equal(t, 30*time.Second, cfg.Transport.PingInterval)
		assert.Equal(t, "codebolt", cfg.Remote.SubjectPrefix)
		assert.Equal(t, "marketplace", cfg.Agents.DefaultType)
	})
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
[server]
http_addr = "127.0.0.1:7777"

[approvals]
timeout = "0s"

[tools]
enabled = ["fs", "git"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.Server.HTTPAddr)
	assert.Equal(t, time.Duration(0), cfg.Approvals.Timeout, "zero disables expiry")
	assert.Equal(t, []string{"fs", "git"}, cfg.Tools.Enabled)
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""), false)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Approvals.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Agents.ReadyTimeout)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", "approvals:\n  timeout: soon\n", "approvals.timeout"},
		{"unknown remote", "remote:\n  kind: carrier-pigeon\n", "remote.kind"},
		{"remote without url", "remote:\n  kind: websocket\n", "remote.url"},
		{"auth required without secret", "auth:\n  required: true\n", "jwt_secret"},
		{"tailscale without hostname", "tailscale:\n  enabled: true\n", "tailscale.hostname"},
		{"command without path", "agents:\n  commands:\n    x:\n      args: [a]\n", "agents.commands.x.path"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
		{"no http addr", "server:\n  http_addr: \"\"\n", "server.http_addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), false)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("ROUTER_A", "alpha")
	assert.Equal(t, "x=alpha y=", expandEnvVars("x=${ROUTER_A} y=${ROUTER_UNSET_VAR}"))
}

func TestResolvePath(t *testing.T) {
	t.Run("explicit wins", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "/from/env.yaml")
		p, err := ResolvePath("/explicit.yaml")
		require.NoError(t, err)
		assert.Equal(t, "/explicit.yaml", p)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "/from/env.yaml")
		p, err := ResolvePath("")
		require.NoError(t, err)
		assert.Equal(t, "/from/env.yaml", p)
	})

	t.Run("xdg", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv(EnvConfigPath, "")
		t.Setenv("XDG_CONFIG_HOME", dir)
		_, err := ResolvePath("")
		assert.ErrorIs(t, err, ErrNoConfig)

		require.NoError(t, os.MkdirAll(filepath.Join(dir, "codebolt-router"), 0o755))
		want := filepath.Join(dir, "codebolt-router", "config.toml")
		require.NoError(t, os.WriteFile(want, nil, 0o644))
		p, err := ResolvePath("")
		require.NoError(t, err)
		assert.Equal(t, want, p)
	})
}
