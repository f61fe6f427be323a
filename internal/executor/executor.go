// Package executor implements the execution contract over three isolation
// backends: in-process (goja runtime in this process), subprocess (a
// long-lived interpreter kernel spoken to over stdio), and container (a
// session server reached over HTTP).
package executor

import (
	"context"
	"time"

	"github.com/codebox-ai/codebox/internal/namespace"
	"github.com/codebox-ai/codebox/internal/types"
)

// Capability names advertised by executors.
const (
	CapTimeout            = "timeout"
	CapProcessIsolation   = "process_isolation"
	CapContainerIsolation = "container_isolation"
	CapNetworkIsolation   = "network_isolation"
	CapReset              = "reset"
	CapDepsInstall        = "deps_install"
)

// Executor is the uniform contract over isolation backends.
//
// State contract: between Start and Close every Execute sees the cumulative
// side effects of all previous Execute calls. Reset discards user bindings
// but preserves the injected namespaces. Close releases all resources and is
// idempotent; any call after Close fails with ExecutorClosed.
//
// Failure semantics: Execute never returns a Go error for user-code faults —
// those are contained in ExecutionResult.Error. Go errors from Execute are
// infrastructure faults (ExecutorUnavailable, TransportError, ExecutorClosed).
type Executor interface {
	Start(ctx context.Context, cfg namespace.BootstrapConfig) error
	// Execute runs code with the given timeout; zero means the executor's
	// default.
	Execute(ctx context.Context, code string, timeout time.Duration) (*types.ExecutionResult, error)
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
	Capabilities() []string
}

// Supports reports whether the executor advertises a capability.
func Supports(e Executor, capability string) bool {
	for _, c := range e.Capabilities() {
		if c == capability {
			return true
		}
	}
	return false
}
