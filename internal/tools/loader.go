package tools

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
)

// LoadDir reads every tool YAML under dir and registers the resulting
// adapters. Files choose their adapter via a `type` discriminator: cli
// (default), mcp, or http. All CLI definitions share one adapter; each mcp
// and http file gets its own.
func LoadDir(ctx context.Context, registry *Registry, dir string, log *logging.Logger) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		log.Named("tools").Debug("tools directory does not exist", zap.String("dir", dir))
		return nil
	}
	if err != nil {
		return errdefs.Wrap(errdefs.KindSchemaError, err, "reading tools directory %s", dir)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)

	var cliDefs []*CLIDefinition
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return errdefs.Wrap(errdefs.KindSchemaError, err, "reading %s", file)
		}
		var head struct {
			Type string `yaml:"type"`
		}
		if err := yaml.Unmarshal(data, &head); err != nil {
			return errdefs.Wrap(errdefs.KindSchemaError, err, "parsing %s", file)
		}

		switch head.Type {
		case "", "cli":
			def, err := ParseCLIDefinition(data)
			if err != nil {
				return errdefs.Wrap(errdefs.KindSchemaError, err, "loading %s", file)
			}
			cliDefs = append(cliDefs, def)
		case "mcp":
			var cfg MCPConfig
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return errdefs.Wrap(errdefs.KindSchemaError, err, "loading %s", file)
			}
			adapter, err := NewMCPAdapter(ctx, cfg, log)
			if err != nil {
				return err
			}
			if err := registry.Register(adapter); err != nil {
				adapter.Close()
				return err
			}
		case "http":
			var cfg HTTPConfig
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return errdefs.Wrap(errdefs.KindSchemaError, err, "loading %s", file)
			}
			adapter, err := NewHTTPAdapter(cfg, log)
			if err != nil {
				return err
			}
			if err := registry.Register(adapter); err != nil {
				return err
			}
		default:
			return errdefs.New(errdefs.KindSchemaError, "%s: unknown tool type %q", file, head.Type)
		}
	}

	if len(cliDefs) > 0 {
		adapter, err := NewCLIAdapter(cliDefs, log)
		if err != nil {
			return err
		}
		if err := registry.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}
