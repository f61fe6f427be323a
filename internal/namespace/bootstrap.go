// Package namespace constructs the four agent-visible namespaces (tools,
// skills, artifacts, deps) from a storage access descriptor and binds them
// into an interpreter runtime. Bootstrap is the single point of namespace
// construction: executors in this process, subprocess kernels, and container
// servers all build their view of the world through it, so every interpreter
// sees the same tools, skills, and artifacts for the same inputs.
package namespace

import (
	"context"

	"github.com/codebox-ai/codebox/internal/config"
	"github.com/codebox-ai/codebox/internal/deps"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/skills"
	"github.com/codebox-ai/codebox/internal/storage"
	"github.com/codebox-ai/codebox/internal/tools"
)

// BootstrapConfig is the serializable payload a remote interpreter needs to
// reconstruct identical namespaces.
type BootstrapConfig struct {
	Storage   storage.Access        `json:"storage"`
	ToolsPath string                `json:"tools_path,omitempty"`
	Deps      config.DepsConfig     `json:"deps"`
	Embedder  config.EmbedderConfig `json:"embedder,omitempty"`
}

// Namespaces bundles the constructed dispatch objects. The executor that
// receives them is their owner; everything else holds non-owning references.
type Namespaces struct {
	Storage   storage.Backend
	Tools     *tools.Registry
	Skills    *skills.Library
	Artifacts storage.ArtifactStore
	Deps      *deps.Controller
}

// Bootstrap reconstructs storage and builds the four namespaces.
func Bootstrap(ctx context.Context, cfg BootstrapConfig, log *logging.Logger) (*Namespaces, error) {
	backend, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(log)
	if err := tools.LoadDir(ctx, registry, cfg.ToolsPath, log); err != nil {
		registry.Close()
		backend.Close()
		return nil, err
	}

	library, err := skills.NewLibrary(ctx, backend.Skills(), skills.NewEmbedder(cfg.Embedder), log)
	if err != nil {
		registry.Close()
		backend.Close()
		return nil, err
	}

	installer := deps.NewExecInstaller(cfg.Deps.InstallerCommand, log)
	controller, err := deps.NewController(ctx, backend.Deps(), installer, cfg.Deps, log)
	if err != nil {
		registry.Close()
		backend.Close()
		return nil, err
	}

	return &Namespaces{
		Storage:   backend,
		Tools:     registry,
		Skills:    library,
		Artifacts: backend.Artifacts(),
		Deps:      controller,
	}, nil
}

// Close releases adapter connections and the storage backend.
func (n *Namespaces) Close() error {
	err := n.Tools.Close()
	if closeErr := n.Storage.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
