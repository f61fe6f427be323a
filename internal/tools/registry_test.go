package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/types"
)

// stubAdapter serves canned tools and records calls.
type stubAdapter struct {
	tools  []types.Tool
	result any
	err    error
	calls  []string
	closed bool
}

func (s *stubAdapter) ListTools() []types.Tool { return s.tools }

func (s *stubAdapter) Call(ctx context.Context, tool, recipe string, args map[string]any) (any, error) {
	s.calls = append(s.calls, tool+"."+recipe)
	return s.result, s.err
}

func (s *stubAdapter) Close() error {
	s.closed = true
	return nil
}

func stubTool(name, description string, tags ...string) types.Tool {
	return types.Tool{
		Name:        name,
		Description: description,
		Tags:        tags,
		Callables:   []types.ToolCallable{{Name: "run"}},
	}
}

func TestRegistryRegisterAndCall(t *testing.T) {
	reg := NewRegistry(logging.NewNop())
	adapter := &stubAdapter{tools: []types.Tool{stubTool("echo", "prints things")}, result: "hi"}
	require.NoError(t, reg.Register(adapter))

	result, err := reg.Call(context.Background(), "echo", "run", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", result)
	assert.Equal(t, []string{"echo.run"}, adapter.calls)

	_, err = reg.Call(context.Background(), "missing", "run", nil)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry(logging.NewNop())
	require.NoError(t, reg.Register(&stubAdapter{tools: []types.Tool{stubTool("dup", "first")}}))

	err := reg.Register(&stubAdapter{tools: []types.Tool{stubTool("dup", "second")}})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindDuplicateTool))
	// The first registration still serves the name.
	tool, ok := reg.Get("dup")
	require.True(t, ok)
	assert.Equal(t, "first", tool.Description)
}

func TestRegistrySearch(t *testing.T) {
	reg := NewRegistry(logging.NewNop())
	require.NoError(t, reg.Register(&stubAdapter{tools: []types.Tool{
		stubTool("nmap", "network scanner", "recon", "network"),
		stubTool("curl", "transfer data over the network", "http"),
		stubTool("jq", "json processor"),
	}}))

	results := reg.Search("network", 5)
	require.NotEmpty(t, results)
	// Tag match outranks description match.
	assert.Equal(t, "nmap", results[0].Name)
	for _, tool := range results {
		assert.NotEqual(t, "jq", tool.Name)
	}

	assert.Empty(t, reg.Search("zzz-no-such", 5))
	assert.Len(t, reg.Search("network", 1), 1)
}

func TestRegistryClosePropagates(t *testing.T) {
	reg := NewRegistry(logging.NewNop())
	adapter := &stubAdapter{tools: []types.Tool{stubTool("one", "")}}
	require.NoError(t, reg.Register(adapter))
	require.NoError(t, reg.Close())
	assert.True(t, adapter.closed)
}
