// Package tools defines external capabilities (tools), their invocation
// adapters, and the registry that routes calls to them.
package tools

import (
	"context"

	"github.com/codebox-ai/codebox/internal/types"
)

// Adapter executes tool operations against one kind of backend (CLI
// processes, rpc-stdio servers, HTTP endpoints).
type Adapter interface {
	// ListTools returns the tools this adapter serves.
	ListTools() []types.Tool
	// Call invokes recipe on tool with a named-argument mapping. An empty
	// recipe is the escape hatch where the adapter supports one.
	Call(ctx context.Context, tool, recipe string, args map[string]any) (any, error)
	// Close releases backend connections. Idempotent.
	Close() error
}
