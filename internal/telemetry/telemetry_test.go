// ABOUTME: Tests for tracer provider setup and span export.
// ABOUTME: Spans are exported to a temp file and read back.

package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoop(t *testing.T) {
	p, err := Setup(Config{})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSpansReachOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "spans.json")
	p, err := Setup(Config{Enabled: true, ServiceName: "codebolt-router-test", Output: out})
	require.NoError(t, err)

	_, span := Tracer("telemetry-test").Start(context.Background(), "tools.execute")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tools.execute")
	assert.Contains(t, string(data), "codebolt-router-test")
}

func TestBadOutput(t *testing.T) {
	_, err := Setup(Config{Enabled: true, Output: filepath.Join(t.TempDir(), "missing", "dir", "x.json")})
	assert.Error(t, err)
}
