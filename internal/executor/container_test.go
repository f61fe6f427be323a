package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/namespace"
	"github.com/codebox-ai/codebox/internal/types"
)

// fakeSession mimics the container session server's execute surface.
type fakeSession struct {
	token    string
	healthy  bool
	executes int
	resets   int
}

func (f *fakeSession) handler() http.Handler {
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+f.token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/health", auth(func(w http.ResponseWriter, r *http.Request) {
		status := "starting"
		if f.healthy {
			status = "healthy"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}))
	mux.HandleFunc("/execute", auth(func(w http.ResponseWriter, r *http.Request) {
		f.executes++
		var req struct {
			Code string `json:"code"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		result := &types.ExecutionResult{Value: float64(2)}
		if req.Code == "hang" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusRequestTimeout)
			result = &types.ExecutionResult{Error: &types.ExecError{Kind: "Timeout", Message: "execution timeout exceeded"}}
			json.NewEncoder(w).Encode(result)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}))
	mux.HandleFunc("/reset", auth(func(w http.ResponseWriter, r *http.Request) {
		f.resets++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	return mux
}

type fakeRuntime struct {
	url     string
	stopped []string
}

func (r *fakeRuntime) Start(ctx context.Context, cfg ContainerConfig, bootstrap namespace.BootstrapConfig) (string, string, error) {
	return "fake-container", r.url, nil
}

func (r *fakeRuntime) Stop(ctx context.Context, id string) error {
	r.stopped = append(r.stopped, id)
	return nil
}

func newContainerFixture(t *testing.T) (*Container, *fakeSession, *fakeRuntime) {
	t.Helper()
	session := &fakeSession{token: "T", healthy: true}
	srv := httptest.NewServer(session.handler())
	t.Cleanup(srv.Close)

	runtime := &fakeRuntime{url: srv.URL}
	cfg := ContainerConfig{
		Image:          "codebox:test",
		AuthToken:      "T",
		StartupTimeout: 5 * time.Second,
		DefaultTimeout: 2 * time.Second,
	}
	exec := newContainerWithRuntime(cfg, runtime, logging.NewNop())
	t.Cleanup(func() { exec.Close(context.Background()) })
	return exec, session, runtime
}

func TestContainerExecute(t *testing.T) {
	exec, session, _ := newContainerFixture(t)
	ctx := context.Background()
	require.NoError(t, exec.Start(ctx, namespace.BootstrapConfig{}))

	result, err := exec.Execute(ctx, "1 + 1", 0)
	require.NoError(t, err)
	require.Nil(t, result.Error)
	assert.EqualValues(t, 2, result.Value)
	assert.Equal(t, 1, session.executes)
}

func TestContainerTimeoutMapped(t *testing.T) {
	exec, _, _ := newContainerFixture(t)
	ctx := context.Background()
	require.NoError(t, exec.Start(ctx, namespace.BootstrapConfig{}))

	result, err := exec.Execute(ctx, "hang", 0)
	require.NoError(t, err)
	require.NotNil(t, result.Error)
	assert.Equal(t, "Timeout", result.Error.Kind)
}

func TestContainerAuthFailureSurfaces(t *testing.T) {
	session := &fakeSession{token: "other", healthy: true}
	srv := httptest.NewServer(session.handler())
	defer srv.Close()

	cfg := ContainerConfig{
		Image:          "codebox:test",
		AuthToken:      "T",
		StartupTimeout: 2 * time.Second,
	}
	exec := newContainerWithRuntime(cfg, &fakeRuntime{url: srv.URL}, logging.NewNop())
	defer exec.Close(context.Background())

	// Health polling never sees a healthy response with the wrong token.
	err := exec.Start(context.Background(), namespace.BootstrapConfig{})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindExecutorUnavailable))
}

func TestContainerResetAndClose(t *testing.T) {
	exec, session, runtime := newContainerFixture(t)
	ctx := context.Background()
	require.NoError(t, exec.Start(ctx, namespace.BootstrapConfig{}))

	require.NoError(t, exec.Reset(ctx))
	assert.Equal(t, 1, session.resets)

	require.NoError(t, exec.Close(ctx))
	require.NoError(t, exec.Close(ctx), "close is idempotent")
	assert.Equal(t, []string{"fake-container"}, runtime.stopped)

	_, err := exec.Execute(ctx, "1", 0)
	assert.True(t, errdefs.IsKind(err, errdefs.KindExecutorClosed))
}

func TestContainerCapabilities(t *testing.T) {
	open := NewContainer(ContainerConfig{Image: "x"}, logging.NewNop())
	assert.True(t, Supports(open, CapContainerIsolation))
	assert.False(t, Supports(open, CapNetworkIsolation))

	isolated := NewContainer(ContainerConfig{Image: "x", DisableNetwork: true}, logging.NewNop())
	assert.True(t, Supports(isolated, CapNetworkIsolation))
}
