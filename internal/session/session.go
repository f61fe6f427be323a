// Package session composes storage and an executor into the primary API:
// open a session, run code, manage skills/artifacts/deps through facade
// methods, and get guaranteed resource release on close.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/deps"
	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/executor"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/namespace"
	"github.com/codebox-ai/codebox/internal/types"
)

// Options configures a session.
type Options struct {
	// Bootstrap describes storage, tools, deps, and the embedding backend.
	Bootstrap namespace.BootstrapConfig
	// Executor is the isolation backend; nil means a fresh in-process
	// executor.
	Executor executor.Executor
	// SyncDepsOnStart installs declared deps before the first Run.
	SyncDepsOnStart bool
	// DefaultTimeout applies to Run calls without an explicit timeout.
	DefaultTimeout time.Duration
	Logger         *logging.Logger
}

// nsProvider is implemented by executors whose namespaces live in this
// process; the session reuses them for facade methods instead of building a
// second view.
type nsProvider interface {
	Namespaces() *namespace.Namespaces
}

// Session is a scoped aggregate of storage, executor, and the four agent
// namespaces. The executor owns the interpreter state; the session holds
// non-owning references for its facade methods.
type Session struct {
	exec executor.Executor
	ns   *namespace.Namespaces
	// ownsNS is true when the facade namespaces were built by the session
	// rather than borrowed from the executor.
	ownsNS bool
	log    *logging.Logger
	closed bool
}

// Open starts the executor and builds the facade namespaces, releasing
// everything if any step fails.
func Open(ctx context.Context, opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = logging.NewDefault()
	}
	exec := opts.Executor
	if exec == nil {
		exec = executor.NewInProcess(opts.DefaultTimeout, log)
	}

	if err := exec.Start(ctx, opts.Bootstrap); err != nil {
		return nil, err
	}

	s := &Session{exec: exec, log: log.Named("session")}
	if provider, ok := exec.(nsProvider); ok {
		s.ns = provider.Namespaces()
	} else {
		// Remote executors hold their namespaces elsewhere; the facade gets
		// its own equivalent view over the same storage.
		ns, err := namespace.Bootstrap(ctx, opts.Bootstrap, log)
		if err != nil {
			exec.Close(ctx)
			return nil, err
		}
		s.ns = ns
		s.ownsNS = true
	}

	if opts.SyncDepsOnStart {
		report, err := s.ns.Deps.Sync(ctx)
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
		if !report.OK() {
			s.Close(ctx)
			return nil, errdefs.New(errdefs.KindInstallFailed, "dep sync failed for %v", report.Failed)
		}
	}
	return s, nil
}

// Run executes code in the session's interpreter.
func (s *Session) Run(ctx context.Context, code string, timeout time.Duration) (*types.ExecutionResult, error) {
	if s.closed {
		return nil, errdefs.New(errdefs.KindExecutorClosed, "session is closed")
	}
	return s.exec.Execute(ctx, code, timeout)
}

// RunAsync executes code on a separate goroutine, returning a channel that
// yields the single outcome. The executor still serializes executions.
func (s *Session) RunAsync(ctx context.Context, code string, timeout time.Duration) <-chan RunOutcome {
	out := make(chan RunOutcome, 1)
	go func() {
		result, err := s.Run(ctx, code, timeout)
		out <- RunOutcome{Result: result, Err: err}
		close(out)
	}()
	return out
}

// RunOutcome pairs an execution result with a transport-level error.
type RunOutcome struct {
	Result *types.ExecutionResult
	Err    error
}

// Reset clears user bindings while preserving the injected namespaces.
func (s *Session) Reset(ctx context.Context) error {
	if s.closed {
		return errdefs.New(errdefs.KindExecutorClosed, "session is closed")
	}
	return s.exec.Reset(ctx)
}

// Close releases the executor and, when owned, the facade namespaces. It
// runs on every exit path and is idempotent.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.exec.Close(ctx)
	if s.ownsNS {
		if nsErr := s.ns.Close(); nsErr != nil {
			if err == nil {
				err = nsErr
			} else {
				s.log.Warn("closing facade namespaces failed", zap.Error(nsErr))
			}
		}
	}
	return err
}

// Supports reports whether the executor advertises a capability.
func (s *Session) Supports(capability string) bool {
	return executor.Supports(s.exec, capability)
}

// SupportedCapabilities returns the executor's capability set.
func (s *Session) SupportedCapabilities() []string {
	return s.exec.Capabilities()
}

// ListTools returns all registered tools.
func (s *Session) ListTools() []types.Tool { return s.ns.Tools.List() }

// SearchTools ranks tools by keyword match.
func (s *Session) SearchTools(query string, limit int) []types.Tool {
	return s.ns.Tools.Search(query, limit)
}

// ListSkills returns skill summaries without source.
func (s *Session) ListSkills() []*types.Skill { return s.ns.Skills.List() }

// SearchSkills ranks skills against the query.
func (s *Session) SearchSkills(ctx context.Context, query string, limit int) ([]*types.Skill, error) {
	return s.ns.Skills.Search(ctx, query, limit)
}

// GetSkill returns the full record including source.
func (s *Session) GetSkill(name string) (*types.Skill, error) {
	return s.ns.Skills.Get(name)
}

// AddSkill validates, persists, and indexes a skill.
func (s *Session) AddSkill(ctx context.Context, name, source, description string) (*types.Skill, error) {
	return s.ns.Skills.Create(ctx, name, source, description, false)
}

// RemoveSkill deletes a skill; removing an absent skill returns false.
func (s *Session) RemoveSkill(ctx context.Context, name string) (bool, error) {
	return s.ns.Skills.Delete(ctx, name)
}

// ListArtifacts returns artifact summaries without payloads.
func (s *Session) ListArtifacts(ctx context.Context) ([]*types.Artifact, error) {
	return s.ns.Artifacts.List(ctx)
}

// SaveArtifact persists a blob with metadata.
func (s *Session) SaveArtifact(ctx context.Context, name string, data []byte, description string, metadata map[string]any) error {
	return s.ns.Artifacts.Put(ctx, &types.Artifact{
		Name:        name,
		Data:        data,
		Description: description,
		Metadata:    metadata,
	})
}

// LoadArtifact returns the full artifact.
func (s *Session) LoadArtifact(ctx context.Context, name string) (*types.Artifact, error) {
	return s.ns.Artifacts.Get(ctx, name)
}

// DeleteArtifact removes an artifact; removing an absent one returns false.
func (s *Session) DeleteArtifact(ctx context.Context, name string) (bool, error) {
	return s.ns.Artifacts.Delete(ctx, name)
}

// ListDeps returns the declared dependency specs.
func (s *Session) ListDeps(ctx context.Context) ([]string, error) {
	return s.ns.Deps.List(ctx)
}

// AddDep declares and installs a dependency, subject to policy.
func (s *Session) AddDep(ctx context.Context, spec string) (*deps.Report, error) {
	return s.ns.Deps.Add(ctx, spec)
}

// RemoveDep removes a declared dependency, subject to policy.
func (s *Session) RemoveDep(ctx context.Context, spec string) (bool, error) {
	return s.ns.Deps.Remove(ctx, spec)
}

// SyncDeps installs every declared dep not yet present.
func (s *Session) SyncDeps(ctx context.Context) (*deps.Report, error) {
	return s.ns.Deps.Sync(ctx)
}
