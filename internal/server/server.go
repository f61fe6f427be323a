// Package server implements the container session server: the HTTP surface
// over one in-process executor plus the skills, artifacts, and deps stores.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/config"
	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/executor"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/namespace"
	"github.com/codebox-ai/codebox/internal/storage"
)

// Health states reported by /health.
const (
	statusStarting  = "starting"
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// Server wires the HTTP surface to an in-process executor. Execute and
// reset are serialized; health and store queries run concurrently.
type Server struct {
	cfg    *config.ServerConfig
	log    *logging.Logger
	engine *gin.Engine
	exec   *executor.InProcess
	ns     *namespace.Namespaces

	execMu    sync.Mutex
	resetting atomic.Bool
	health    atomic.Value
	startTime time.Time
	execCount atomic.Int64

	metrics *metrics
	httpSrv *http.Server
}

// New builds the server. Authentication is fail-closed: with no token
// configured and auth not explicitly disabled, construction fails rather
// than starting an open server.
func New(ctx context.Context, cfg *config.ServerConfig, log *logging.Logger) (*Server, error) {
	if !cfg.AuthDisabled && cfg.AuthToken == "" {
		return nil, errdefs.New(errdefs.KindAuthRequired,
			"auth not configured: set CODEBOX_AUTH_TOKEN or explicitly disable auth")
	}
	if cfg.AuthDisabled {
		log.Warn("authentication is DISABLED; use only for local development")
	}

	bootstrapCfg, err := bootstrapConfig(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		log:       log.Named("server"),
		exec:      executor.NewInProcess(cfg.DefaultTimeout, log),
		startTime: time.Now(),
		metrics:   newMetrics(),
	}
	s.health.Store(statusStarting)

	if err := s.exec.Start(ctx, bootstrapCfg); err != nil {
		return nil, err
	}
	s.ns = s.exec.Namespaces()

	if cfg.Deps.SyncOnStart {
		report, err := s.ns.Deps.Sync(ctx)
		if err != nil {
			s.log.Warn("dep sync on start failed", zap.Error(err))
		} else if !report.OK() {
			s.log.Warn("dep sync left failures", zap.Strings("failed", report.Failed))
		}
	}

	s.engine = s.buildRouter()
	s.health.Store(statusHealthy)
	return s, nil
}

func bootstrapConfig(cfg *config.ServerConfig) (namespace.BootstrapConfig, error) {
	var access storage.Access
	if cfg.StorageAccess != "" {
		if err := json.Unmarshal([]byte(cfg.StorageAccess), &access); err != nil {
			return namespace.BootstrapConfig{}, errdefs.Wrap(errdefs.KindInvalidRequest, err, "parsing CODEBOX_STORAGE_ACCESS")
		}
	} else {
		access = storage.Access{Type: storage.TypeFile, BasePath: cfg.BasePath}
	}
	return namespace.BootstrapConfig{
		Storage:   access,
		ToolsPath: cfg.ToolsPath,
		Deps:      cfg.Deps,
		Embedder:  cfg.Embedder,
	}, nil
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())
	engine.Use(s.rateLimitMiddleware())
	engine.Use(s.metricsMiddleware())
	engine.Use(s.authMiddleware())

	engine.GET("/", s.handleInfo)
	engine.GET("/health", s.handleHealth)
	engine.POST("/execute", s.handleExecute)
	engine.POST("/reset", s.handleReset)

	engine.GET("/tools", s.handleListTools)
	engine.GET("/tools/search", s.handleSearchTools)

	engine.GET("/skills", s.handleListSkills)
	engine.GET("/skills/search", s.handleSearchSkills)
	engine.POST("/skills", s.handleCreateSkill)
	engine.GET("/skills/:name", s.handleGetSkill)
	engine.DELETE("/skills/:name", s.handleDeleteSkill)

	engine.GET("/artifacts", s.handleListArtifacts)
	engine.POST("/artifacts", s.handleSaveArtifact)
	engine.GET("/artifacts/:name", s.handleGetArtifact)
	engine.DELETE("/artifacts/:name", s.handleDeleteArtifact)

	engine.GET("/deps", s.handleListDeps)
	engine.POST("/deps", s.handleAddDep)
	engine.DELETE("/deps/:name", s.handleRemoveDep)
	engine.POST("/deps/sync", s.handleSyncDeps)

	if s.cfg.Metrics {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))
	}
	return engine
}

// Handler exposes the router; tests drive it through httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the context is cancelled, then drains and closes the
// executor.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Host + ":" + s.cfg.Port,
		Handler: s.engine,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("session server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.health.Store(statusUnhealthy)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
		return s.Close(shutdownCtx)
	}
}

// Close releases the executor and its namespaces. Idempotent.
func (s *Server) Close(ctx context.Context) error {
	s.health.Store(statusUnhealthy)
	return s.exec.Close(ctx)
}

// metrics bundles the server's Prometheus collectors on a private registry
// so multiple servers can coexist in one process.
type metrics struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	execDuration prometheus.Histogram
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	m := &metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codebox_requests_total",
			Help: "HTTP requests by path and status.",
		}, []string{"path", "status"}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "codebox_execute_duration_seconds",
			Help:    "Code execution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	registry.MustRegister(m.requests, m.execDuration)
	return m
}
