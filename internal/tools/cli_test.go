package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
)

func echoAdapter(t *testing.T) *CLIAdapter {
	t.Helper()
	yaml := `
name: echo
description: Print arguments
command: echo
timeout: 5
schema:
  options:
    no_newline:
      type: boolean
      short: n
  positional:
    - name: text
      type: string
      required: true
recipes:
  say:
    description: Print text
    preset: {}
    params:
      text: {}
`
	def, err := ParseCLIDefinition([]byte(yaml))
	require.NoError(t, err)
	adapter, err := NewCLIAdapter([]*CLIDefinition{def}, logging.NewNop())
	require.NoError(t, err)
	return adapter
}

func TestCLIAdapterCallCapturesStdout(t *testing.T) {
	adapter := echoAdapter(t)

	out, err := adapter.Call(context.Background(), "echo", "say", map[string]any{"text": "hello world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)
}

func TestCLIAdapterEscapeHatch(t *testing.T) {
	adapter := echoAdapter(t)

	out, err := adapter.Call(context.Background(), "echo", "", map[string]any{
		"text":       "hi",
		"no_newline": true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestCLIAdapterNonZeroExit(t *testing.T) {
	yaml := `
name: fail
command: "false"
timeout: 5
schema: {}
recipes:
  go:
    preset: {}
    params: {}
`
	def, err := ParseCLIDefinition([]byte(yaml))
	require.NoError(t, err)
	adapter, err := NewCLIAdapter([]*CLIDefinition{def}, logging.NewNop())
	require.NoError(t, err)

	_, err = adapter.Call(context.Background(), "fail", "go", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindToolExecution))
}

func TestCLIAdapterTimeout(t *testing.T) {
	yaml := `
name: sleeper
command: sleep
timeout: 0.2
schema:
  positional:
    - name: seconds
      type: string
      required: true
recipes:
  nap:
    preset: {}
    params:
      seconds: {}
`
	def, err := ParseCLIDefinition([]byte(yaml))
	require.NoError(t, err)
	adapter, err := NewCLIAdapter([]*CLIDefinition{def}, logging.NewNop())
	require.NoError(t, err)

	start := time.Now()
	_, err = adapter.Call(context.Background(), "sleeper", "nap", map[string]any{"seconds": "10"})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindToolTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	toolYAML := `
name: greet
command: echo
schema:
  positional:
    - name: who
      type: string
      required: true
recipes:
  hello:
    preset: {}
    params:
      who: {}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(toolYAML), 0o644))
	// Non-YAML files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644))

	reg := NewRegistry(logging.NewNop())
	require.NoError(t, LoadDir(context.Background(), reg, dir, logging.NewNop()))

	listed := reg.List()
	require.Len(t, listed, 1)
	assert.Equal(t, "greet", listed[0].Name)

	out, err := reg.Call(context.Background(), "greet", "hello", map[string]any{"who": "world"})
	require.NoError(t, err)
	assert.Equal(t, "world\n", out)
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	reg := NewRegistry(logging.NewNop())
	require.NoError(t, LoadDir(context.Background(), reg, filepath.Join(t.TempDir(), "absent"), logging.NewNop()))
	assert.Empty(t, reg.List())
}
