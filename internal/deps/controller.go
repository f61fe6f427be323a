package deps

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/config"
	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/storage"
)

// Controller is the policy-gated dependency surface exposed to agents and
// facades. Add and Remove honor the runtime-mutation policy; List and Sync
// are always permitted because they only act on pre-declared intent.
type Controller struct {
	store        storage.DepsStore
	installer    Installer
	allowRuntime bool
	log          *logging.Logger
	mu           sync.Mutex
}

// NewController builds the controller and declares any preinstalled specs
// from the config.
func NewController(ctx context.Context, store storage.DepsStore, installer Installer, cfg config.DepsConfig, log *logging.Logger) (*Controller, error) {
	c := &Controller{
		store:        store,
		installer:    installer,
		allowRuntime: cfg.AllowRuntime,
		log:          log.Named("deps"),
	}
	for _, raw := range cfg.Preinstalled {
		spec, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		if err := store.Put(ctx, spec.Name, spec.Full); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add validates and declares a spec, then installs it. A failed install
// rolls the declaration back so the store never advertises a package that
// is not importable.
func (c *Controller) Add(ctx context.Context, raw string) (*Report, error) {
	if !c.allowRuntime {
		return nil, errdefs.New(errdefs.KindRuntimeDepsDisabled,
			"runtime dependency installation is disabled; declare deps before session start")
	}
	spec, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prior, hadPrior, err := c.store.Get(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if err := c.store.Put(ctx, spec.Name, spec.Full); err != nil {
		return nil, err
	}

	report, err := c.installer.Install(ctx, []string{spec.Full})
	if err == nil && !report.OK() {
		err = errdefs.New(errdefs.KindInstallFailed, "installing %q: %s", spec.Full, report.Errors[spec.Full])
	}
	if err != nil {
		// Roll back the declaration.
		if hadPrior {
			if putErr := c.store.Put(ctx, spec.Name, prior); putErr != nil {
				c.log.Error("rollback failed", zap.String("dep", spec.Name), zap.Error(putErr))
			}
		} else {
			if _, delErr := c.store.Remove(ctx, spec.Name); delErr != nil {
				c.log.Error("rollback failed", zap.String("dep", spec.Name), zap.Error(delErr))
			}
		}
		return nil, err
	}
	c.log.Info("dep added", zap.String("spec", spec.Full))
	return report, nil
}

// Remove drops a spec from the declared list. The package is not
// uninstalled from the environment; the store reflects declared intent.
func (c *Controller) Remove(ctx context.Context, raw string) (bool, error) {
	if !c.allowRuntime {
		return false, errdefs.New(errdefs.KindRuntimeDepsDisabled,
			"runtime dependency modification is disabled; declare deps before session start")
	}
	spec, err := Parse(raw)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Remove(ctx, spec.Name)
}

// List returns the declared specs. Always permitted.
func (c *Controller) List(ctx context.Context) ([]string, error) {
	return c.store.List(ctx)
}

// Sync installs every declared dep that is not yet importable. Idempotent
// and always permitted: it only realizes pre-declared intent.
func (c *Controller) Sync(ctx context.Context) (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	specs, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	report, err := c.installer.Install(ctx, specs)
	if err != nil {
		return nil, err
	}
	c.log.Info("deps synced",
		zap.Int("installed", len(report.Installed)),
		zap.Int("already_present", len(report.AlreadyPresent)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

// RuntimeAllowed reports whether agent code may mutate the declared set.
func (c *Controller) RuntimeAllowed() bool { return c.allowRuntime }
