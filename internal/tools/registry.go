package tools

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/types"
)

// Registry holds adapters keyed by the tools they serve and routes calls.
// Tool names are unique across all registered adapters.
type Registry struct {
	adapters []Adapter
	byTool   map[string]Adapter
	tools    map[string]types.Tool
	log      *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		byTool: make(map[string]Adapter),
		tools:  make(map[string]types.Tool),
		log:    log.Named("tools"),
	}
}

// Register adds an adapter and claims its tool names. Registration fails
// with DuplicateTool when a name is already taken; in that case no tool from
// the adapter is registered.
func (r *Registry) Register(adapter Adapter) error {
	incoming := adapter.ListTools()
	for _, tool := range incoming {
		if _, exists := r.byTool[tool.Name]; exists {
			return errdefs.New(errdefs.KindDuplicateTool, "tool %q is already registered", tool.Name)
		}
	}
	r.adapters = append(r.adapters, adapter)
	for _, tool := range incoming {
		r.byTool[tool.Name] = adapter
		r.tools[tool.Name] = tool
		r.log.Debug("registered tool", zap.String("tool", tool.Name), zap.Int("callables", len(tool.Callables)))
	}
	return nil
}

// Get returns the tool descriptor by name.
func (r *Registry) Get(name string) (types.Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []types.Tool {
	out := make([]types.Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call routes an invocation to the owning adapter.
func (r *Registry) Call(ctx context.Context, tool, recipe string, args map[string]any) (any, error) {
	adapter, ok := r.byTool[tool]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "tool %q not found", tool)
	}
	return adapter.Call(ctx, tool, recipe, args)
}

// Search ranks tools by keyword match over name, tags, and description.
// Ties break by name so results are deterministic.
func (r *Registry) Search(query string, limit int) []types.Tool {
	if limit <= 0 {
		limit = 5
	}
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		tool  types.Tool
		score int
	}
	var results []scored
	for _, tool := range r.tools {
		score := 0
		name := strings.ToLower(tool.Name)
		desc := strings.ToLower(tool.Description)
		for _, term := range terms {
			if strings.Contains(name, term) {
				score += 3
			}
			for _, tag := range tool.Tags {
				if strings.Contains(strings.ToLower(tag), term) {
					score += 2
					break
				}
			}
			if strings.Contains(desc, term) {
				score++
			}
		}
		if score > 0 {
			results = append(results, scored{tool: tool, score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].tool.Name < results[j].tool.Name
	})
	if len(results) > limit {
		results = results[:limit]
	}
	out := make([]types.Tool, len(results))
	for i, res := range results {
		out[i] = res.tool
	}
	return out
}

// Close closes every adapter, keeping the first error.
func (r *Registry) Close() error {
	var firstErr error
	for _, adapter := range r.adapters {
		if err := adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
