package deps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebox-ai/codebox/internal/config"
	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/storage"
)

func newController(t *testing.T, installer Installer, cfg config.DepsConfig) (*Controller, storage.DepsStore) {
	t.Helper()
	backend, err := storage.NewFile(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	controller, err := NewController(context.Background(), backend.Deps(), installer, cfg, logging.NewNop())
	require.NoError(t, err)
	return controller, backend.Deps()
}

func TestAddInstallsAndDeclares(t *testing.T) {
	installer := &StaticInstaller{}
	controller, _ := newController(t, installer, config.DepsConfig{AllowRuntime: true})
	ctx := context.Background()

	report, err := controller.Add(ctx, "pandas>=2.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"pandas>=2.0"}, report.Installed)

	listed, err := controller.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pandas>=2.0"}, listed)
}

func TestAddReplacesConstraintForSameName(t *testing.T) {
	controller, _ := newController(t, &StaticInstaller{}, config.DepsConfig{AllowRuntime: true})
	ctx := context.Background()

	_, err := controller.Add(ctx, "pandas>=2.0")
	require.NoError(t, err)
	_, err = controller.Add(ctx, "Pandas==2.2")
	require.NoError(t, err)

	listed, err := controller.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pandas==2.2"}, listed)
}

func TestAddRollsBackOnInstallFailure(t *testing.T) {
	installer := &StaticInstaller{Fail: map[string]string{"badpkg": "no matching distribution"}}
	controller, _ := newController(t, installer, config.DepsConfig{AllowRuntime: true})
	ctx := context.Background()

	_, err := controller.Add(ctx, "badpkg")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInstallFailed))

	listed, err := controller.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed, "failed install must leave the declared list unchanged")
}

func TestAddRollbackRestoresPriorConstraint(t *testing.T) {
	installer := &StaticInstaller{Fail: map[string]string{}}
	controller, _ := newController(t, installer, config.DepsConfig{AllowRuntime: true})
	ctx := context.Background()

	_, err := controller.Add(ctx, "pkg==1.0")
	require.NoError(t, err)

	installer.Fail["pkg"] = "resolver exploded"
	_, err = controller.Add(ctx, "pkg==2.0")
	require.Error(t, err)

	listed, err := controller.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg==1.0"}, listed, "prior constraint must be restored")
}

func TestPolicyGateBlocksMutation(t *testing.T) {
	cfg := config.DepsConfig{AllowRuntime: false, Preinstalled: []string{"pkg-a==1.0"}}
	controller, _ := newController(t, &StaticInstaller{}, cfg)
	ctx := context.Background()

	_, err := controller.Add(ctx, "pkg-b")
	assert.True(t, errdefs.IsKind(err, errdefs.KindRuntimeDepsDisabled))

	_, err = controller.Remove(ctx, "pkg-a")
	assert.True(t, errdefs.IsKind(err, errdefs.KindRuntimeDepsDisabled))

	// List and Sync stay available.
	listed, err := controller.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg-a==1.0"}, listed)

	report, err := controller.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestSyncIdempotent(t *testing.T) {
	installer := &StaticInstaller{}
	cfg := config.DepsConfig{AllowRuntime: true, Preinstalled: []string{"one", "two"}}
	controller, _ := newController(t, installer, cfg)
	ctx := context.Background()

	first, err := controller.Sync(ctx)
	require.NoError(t, err)
	assert.Len(t, first.Installed, 2)

	installer.Present = map[string]bool{"one": true, "two": true}
	second, err := controller.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Installed)
	assert.Len(t, second.AlreadyPresent, 2)
}

func TestRemoveDeclaredOnly(t *testing.T) {
	controller, _ := newController(t, &StaticInstaller{}, config.DepsConfig{AllowRuntime: true})
	ctx := context.Background()

	_, err := controller.Add(ctx, "gone")
	require.NoError(t, err)

	removed, err := controller.Remove(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = controller.Remove(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestExecInstallerNoCommand(t *testing.T) {
	installer := NewExecInstaller(nil, logging.NewNop())
	report, err := installer.Install(context.Background(), []string{"anything"})
	require.NoError(t, err)
	assert.Equal(t, []string{"anything"}, report.Failed)
}

func TestExecInstallerRunsCommand(t *testing.T) {
	installer := NewExecInstaller([]string{"true"}, logging.NewNop())
	report, err := installer.Install(context.Background(), []string{"pkg-a", "pkg-b"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pkg-a", "pkg-b"}, report.Installed)

	failing := NewExecInstaller([]string{"false"}, logging.NewNop())
	report, err = failing.Install(context.Background(), []string{"pkg-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg-a"}, report.Failed)
}

func TestExecInstallerProbeSkips(t *testing.T) {
	installer := NewExecInstaller([]string{"true"}, logging.NewNop())
	installer.Probe = func(name string) bool { return name == "present" }

	report, err := installer.Install(context.Background(), []string{"present", "absent"})
	require.NoError(t, err)
	assert.Equal(t, []string{"present"}, report.AlreadyPresent)
	assert.Equal(t, []string{"absent"}, report.Installed)
}
