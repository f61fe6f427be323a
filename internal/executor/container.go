package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/namespace"
	"github.com/codebox-ai/codebox/internal/storage"
	"github.com/codebox-ai/codebox/internal/types"
)

// Container paths the session server sees for mounted file storage and
// tools.
const (
	containerDataPath  = "/data"
	containerToolsPath = "/tools"
	containerPort      = 8080
)

// ContainerConfig configures the container executor.
type ContainerConfig struct {
	Image string
	// Runtime is the container CLI, docker by default.
	Runtime string
	// Port is the host port to publish; 0 picks a free one.
	Port int
	// Memory and CPUs are resource limits passed to the runtime, e.g.
	// "512m" and "1.5". Empty means unlimited.
	Memory string
	CPUs   string
	// DisableNetwork runs the container with networking off. Incompatible
	// with redis-backed storage.
	DisableNetwork bool
	// AuthToken is the bearer token shared with the server; generated when
	// empty.
	AuthToken string
	// Env adds extra environment variables.
	Env map[string]string

	StartupTimeout time.Duration
	DefaultTimeout time.Duration
}

func (c *ContainerConfig) withDefaults() ContainerConfig {
	cfg := *c
	if cfg.Runtime == "" {
		cfg.Runtime = "docker"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 120 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultExecTimeout
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = uuid.NewString()
	}
	return cfg
}

// containerRuntime starts and stops the container; split out so tests can
// substitute an in-process session server.
type containerRuntime interface {
	Start(ctx context.Context, cfg ContainerConfig, bootstrap namespace.BootstrapConfig) (id, baseURL string, err error)
	Stop(ctx context.Context, id string) error
}

// Container runs code in a session server inside a container, speaking HTTP
// with a bearer token chosen at start time.
type Container struct {
	cfg     ContainerConfig
	runtime containerRuntime
	log     *logging.Logger

	mu      sync.Mutex
	id      string
	client  *resty.Client
	started bool
	closed  bool
}

// NewContainer creates an unstarted container executor using the configured
// container CLI.
func NewContainer(cfg ContainerConfig, log *logging.Logger) *Container {
	resolved := cfg.withDefaults()
	return &Container{
		cfg:     resolved,
		runtime: &cliRuntime{cli: resolved.Runtime, log: log.Named("executor.container")},
		log:     log.Named("executor.container"),
	}
}

// newContainerWithRuntime injects a runtime; used by tests.
func newContainerWithRuntime(cfg ContainerConfig, rt containerRuntime, log *logging.Logger) *Container {
	return &Container{cfg: cfg.withDefaults(), runtime: rt, log: log.Named("executor.container")}
}

// Start launches the container and polls /health until the server reports
// healthy.
func (e *Container) Start(ctx context.Context, cfg namespace.BootstrapConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errdefs.New(errdefs.KindExecutorClosed, "executor is closed")
	}
	if e.started {
		return errdefs.New(errdefs.KindExecutorUnavailable, "executor already started")
	}

	id, baseURL, err := e.runtime.Start(ctx, e.cfg, cfg)
	if err != nil {
		return err
	}
	e.id = id
	e.client = resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(e.cfg.AuthToken).
		SetTimeout(e.cfg.DefaultTimeout + 30*time.Second)

	if err := e.awaitHealthy(ctx, baseURL); err != nil {
		e.runtime.Stop(ctx, id)
		e.id = ""
		return err
	}
	e.started = true
	e.log.Info("container session ready", zap.String("id", id), zap.String("url", baseURL))
	return nil
}

// awaitHealthy polls /health every 500ms until the server reports healthy
// or the startup timeout passes.
func (e *Container) awaitHealthy(ctx context.Context, baseURL string) error {
	poll := retryablehttp.NewClient()
	poll.RetryMax = 0
	poll.Logger = nil
	poll.HTTPClient.Timeout = 5 * time.Second

	deadline := time.Now().Add(e.cfg.StartupTimeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return errdefs.Wrap(errdefs.KindExecutorUnavailable, ctx.Err(), "waiting for container")
		}
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return errdefs.Wrap(errdefs.KindExecutorUnavailable, err, "building health request")
		}
		req.Header.Set("Authorization", "Bearer "+e.cfg.AuthToken)
		resp, err := poll.Do(req)
		if err == nil {
			var health struct {
				Status string `json:"status"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&health)
			resp.Body.Close()
			if decodeErr == nil && health.Status == "healthy" {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return errdefs.New(errdefs.KindExecutorUnavailable, "container not healthy within %s", e.cfg.StartupTimeout)
}

// Execute forwards the code to the session server.
func (e *Container) Execute(ctx context.Context, code string, timeout time.Duration) (*types.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errdefs.New(errdefs.KindExecutorClosed, "executor is closed")
	}
	if !e.started {
		return nil, errdefs.New(errdefs.KindExecutorUnavailable, "executor not started")
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	var result types.ExecutionResult
	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"code": code, "timeout": timeout.Seconds()}).
		SetResult(&result).
		SetError(&result).
		Post("/execute")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransport, err, "reaching container session")
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		return &result, nil
	case resp.StatusCode() == http.StatusRequestTimeout:
		// The server also returns the result body on timeout.
		if result.Error != nil {
			return &result, nil
		}
		return &types.ExecutionResult{
			Error: &types.ExecError{Kind: string(errdefs.KindTimeout), Message: timeoutSentinel},
		}, nil
	case resp.StatusCode() == http.StatusUnauthorized:
		return nil, errdefs.New(errdefs.KindExecutorUnavailable, "container rejected auth token")
	default:
		return nil, errdefs.New(errdefs.KindTransport, "container returned %d: %s",
			resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
}

// Reset asks the server to reset its namespace.
func (e *Container) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errdefs.New(errdefs.KindExecutorClosed, "executor is closed")
	}
	if !e.started {
		return errdefs.New(errdefs.KindExecutorUnavailable, "executor not started")
	}
	resp, err := e.client.R().SetContext(ctx).Post("/reset")
	if err != nil {
		return errdefs.Wrap(errdefs.KindTransport, err, "reaching container session")
	}
	if resp.IsError() {
		return errdefs.New(errdefs.KindTransport, "reset returned %d", resp.StatusCode())
	}
	return nil
}

// Close stops and removes the container. Idempotent.
func (e *Container) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.id != "" {
		if err := e.runtime.Stop(ctx, e.id); err != nil {
			e.log.Warn("stopping container failed", zap.String("id", e.id), zap.Error(err))
			return err
		}
		e.id = ""
	}
	return nil
}

// Capabilities include network isolation only when configured.
func (e *Container) Capabilities() []string {
	caps := []string{CapTimeout, CapProcessIsolation, CapContainerIsolation, CapReset, CapDepsInstall}
	if e.cfg.DisableNetwork {
		caps = append(caps, CapNetworkIsolation)
	}
	return caps
}

// cliRuntime drives the container CLI (docker-compatible) directly.
type cliRuntime struct {
	cli string
	log *logging.Logger
}

func (r *cliRuntime) Start(ctx context.Context, cfg ContainerConfig, bootstrap namespace.BootstrapConfig) (string, string, error) {
	if cfg.Image == "" {
		return "", "", errdefs.New(errdefs.KindInvalidRequest, "container image not configured")
	}
	if err := r.ensureImage(ctx, cfg.Image); err != nil {
		return "", "", err
	}

	port := cfg.Port
	if port == 0 {
		free, err := freePort()
		if err != nil {
			return "", "", errdefs.Wrap(errdefs.KindExecutorUnavailable, err, "allocating host port")
		}
		port = free
	}

	args := []string{"run", "-d",
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", port, containerPort),
		"-e", "CODEBOX_AUTH_TOKEN=" + cfg.AuthToken,
	}

	// File storage and tools are mounted; the access descriptor is rewritten
	// to the container-side paths so the server reopens the same stores.
	access := bootstrap.Storage
	if access.Type == storage.TypeFile {
		args = append(args, "-v", access.BasePath+":"+containerDataPath)
		access.BasePath = containerDataPath
	}
	if cfg.DisableNetwork {
		if access.Type == storage.TypeRedis {
			return "", "", errdefs.New(errdefs.KindInvalidRequest,
				"network isolation is incompatible with redis storage")
		}
		args = append(args, "--network", "none")
	}
	accessJSON, err := json.Marshal(access)
	if err != nil {
		return "", "", errdefs.Wrap(errdefs.KindExecutorUnavailable, err, "encoding storage access")
	}
	args = append(args, "-e", "CODEBOX_STORAGE_ACCESS="+string(accessJSON))

	if bootstrap.ToolsPath != "" {
		args = append(args,
			"-v", bootstrap.ToolsPath+":"+containerToolsPath+":ro",
			"-e", "CODEBOX_TOOLS_PATH="+containerToolsPath)
	}
	args = append(args,
		"-e", fmt.Sprintf("CODEBOX_ALLOW_RUNTIME_DEPS=%t", bootstrap.Deps.AllowRuntime),
		"-e", fmt.Sprintf("CODEBOX_SYNC_DEPS_ON_START=%t", bootstrap.Deps.SyncOnStart))
	if len(bootstrap.Deps.Preinstalled) > 0 {
		args = append(args, "-e", "CODEBOX_DEPS="+strings.Join(bootstrap.Deps.Preinstalled, ","))
	}
	if len(bootstrap.Deps.InstallerCommand) > 0 {
		args = append(args, "-e", "CODEBOX_DEPS_INSTALLER="+strings.Join(bootstrap.Deps.InstallerCommand, ","))
	}
	if bootstrap.Embedder.URL != "" {
		args = append(args, "-e", "CODEBOX_EMBEDDER_URL="+bootstrap.Embedder.URL)
	}
	if cfg.Memory != "" {
		args = append(args, "--memory", cfg.Memory)
	}
	if cfg.CPUs != "" {
		args = append(args, "--cpus", cfg.CPUs)
	}
	for key, value := range cfg.Env {
		args = append(args, "-e", key+"="+value)
	}
	args = append(args, cfg.Image)

	out, err := exec.CommandContext(ctx, r.cli, args...).Output()
	if err != nil {
		return "", "", errdefs.Wrap(errdefs.KindExecutorUnavailable, err, "starting container")
	}
	id := strings.TrimSpace(string(out))
	r.log.Info("container started", zap.String("id", id), zap.Int("port", port))
	return id, fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

func (r *cliRuntime) ensureImage(ctx context.Context, image string) error {
	if err := exec.CommandContext(ctx, r.cli, "image", "inspect", image).Run(); err == nil {
		return nil
	}
	r.log.Info("pulling image", zap.String("image", image))
	if err := exec.CommandContext(ctx, r.cli, "pull", image).Run(); err != nil {
		return errdefs.Wrap(errdefs.KindExecutorUnavailable, err, "pulling image %s", image)
	}
	return nil
}

func (r *cliRuntime) Stop(ctx context.Context, id string) error {
	if err := exec.CommandContext(ctx, r.cli, "rm", "-f", id).Run(); err != nil {
		return errdefs.Wrap(errdefs.KindExecutorUnavailable, err, "removing container %s", id)
	}
	return nil
}

func freePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
