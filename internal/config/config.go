package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DepsConfig controls the dependency controller. It is JSON-serializable so
// executors can ship it to remote interpreters as part of the bootstrap
// payload.
type DepsConfig struct {
	// AllowRuntime permits deps.add / deps.remove from agent code. When
	// false those operations fail with RuntimeDepsDisabled; list and sync
	// stay available.
	AllowRuntime bool `json:"allow_runtime" envconfig:"ALLOW_RUNTIME_DEPS" default:"true"`
	// SyncOnStart installs all declared deps before the first execute.
	SyncOnStart bool `json:"sync_on_start" envconfig:"SYNC_DEPS_ON_START" default:"false"`
	// InstallerCommand is the argv prefix used to install one package spec,
	// e.g. ["pip", "install", "--quiet"]. Empty disables installation (sync
	// and add report every spec as failed).
	InstallerCommand []string `json:"installer_command,omitempty" envconfig:"DEPS_INSTALLER"`
	// Preinstalled specs are added to the store before the first sync.
	Preinstalled []string `json:"preinstalled,omitempty" envconfig:"DEPS"`
}

// EmbedderConfig selects the embedding backend for semantic skill search.
type EmbedderConfig struct {
	// URL of an embedding endpoint accepting {"texts": [...]} and returning
	// {"vectors": [[...], ...]}. Empty disables semantic ranking; search
	// degrades to substring matching.
	URL     string        `json:"url,omitempty" envconfig:"EMBEDDER_URL"`
	Timeout time.Duration `json:"timeout,omitempty" envconfig:"EMBEDDER_TIMEOUT" default:"10s"`
}

// ServerConfig holds container session server configuration. Everything is
// environment-driven because the server runs inside a container.
type ServerConfig struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port string `envconfig:"PORT" default:"8080"`

	// AuthToken is the bearer token required on every request. The server
	// refuses to start when it is empty unless AuthDisabled is set.
	AuthToken    string `envconfig:"AUTH_TOKEN"`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`

	// StorageAccess is a JSON-encoded storage access descriptor. When empty
	// the server falls back to a file backend rooted at BasePath.
	StorageAccess string `envconfig:"STORAGE_ACCESS"`
	BasePath      string `envconfig:"BASE_PATH" default:"/data"`
	ToolsPath     string `envconfig:"TOOLS_PATH"`

	DefaultTimeout time.Duration `envconfig:"DEFAULT_TIMEOUT" default:"30s"`

	Deps     DepsConfig
	Embedder EmbedderConfig

	RateLimitRPS   int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Metrics        bool `envconfig:"METRICS" default:"true"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
}

// envPrefix namespaces every server variable (CODEBOX_PORT, CODEBOX_AUTH_TOKEN, ...).
const envPrefix = "CODEBOX"

// LoadServer loads server configuration from the environment.
func LoadServer() (*ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// DefaultServer returns the built-in defaults without touching the environment.
func DefaultServer() *ServerConfig {
	return &ServerConfig{
		Host:           "0.0.0.0",
		Port:           "8080",
		BasePath:       "/data",
		DefaultTimeout: 30 * time.Second,
		Deps:           DepsConfig{AllowRuntime: true},
		Embedder:       EmbedderConfig{Timeout: 10 * time.Second},
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		Metrics:        true,
		LogLevel:       "info",
	}
}
