package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/namespace"
	"github.com/codebox-ai/codebox/internal/types"
)

const defaultExecTimeout = 30 * time.Second

const timeoutSentinel = "execution timeout exceeded"

// InProcess runs code in a goja runtime living in this process. The runtime
// and its global object (the namespace dict) are long-lived: bindings
// persist across Execute calls until Reset. Interruption is hard (the
// runtime's interrupt mechanism), so timeout is advertised.
type InProcess struct {
	mu             sync.Mutex
	defaultTimeout time.Duration
	log            *logging.Logger

	cfg     namespace.BootstrapConfig
	ns      *namespace.Namespaces
	vm      *goja.Runtime
	binder  *namespace.Binder
	sink    *namespace.ConsoleSink
	started bool
	closed  bool
}

// NewInProcess creates an unstarted in-process executor.
func NewInProcess(defaultTimeout time.Duration, log *logging.Logger) *InProcess {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultExecTimeout
	}
	return &InProcess{
		defaultTimeout: defaultTimeout,
		log:            log.Named("executor.inprocess"),
	}
}

// Start bootstraps the namespaces and binds them into a fresh runtime.
func (e *InProcess) Start(ctx context.Context, cfg namespace.BootstrapConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errdefs.New(errdefs.KindExecutorClosed, "executor is closed")
	}
	if e.started {
		return errdefs.New(errdefs.KindExecutorUnavailable, "executor already started")
	}
	ns, err := namespace.Bootstrap(ctx, cfg, e.log)
	if err != nil {
		return err
	}
	e.cfg = cfg
	e.ns = ns
	e.sink = &namespace.ConsoleSink{}
	if err := e.rebindLocked(); err != nil {
		ns.Close()
		return err
	}
	e.started = true
	return nil
}

// StartWithNamespaces starts over pre-built namespaces, taking ownership of
// them. Used by the container session server and by composition tests.
func (e *InProcess) StartWithNamespaces(ns *namespace.Namespaces) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errdefs.New(errdefs.KindExecutorClosed, "executor is closed")
	}
	if e.started {
		return errdefs.New(errdefs.KindExecutorUnavailable, "executor already started")
	}
	e.ns = ns
	e.sink = &namespace.ConsoleSink{}
	if err := e.rebindLocked(); err != nil {
		return err
	}
	e.started = true
	return nil
}

func (e *InProcess) rebindLocked() error {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	binder, err := namespace.Bind(vm, e.ns, e.sink, e.log)
	if err != nil {
		return err
	}
	e.vm = vm
	e.binder = binder
	return nil
}

// Namespaces exposes the executor's namespaces for facade use. The executor
// remains the owner.
func (e *InProcess) Namespaces() *namespace.Namespaces {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ns
}

// Execute runs code and returns a structured result. User-code faults are
// contained in the result; only infrastructure faults surface as errors.
func (e *InProcess) Execute(ctx context.Context, code string, timeout time.Duration) (*types.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errdefs.New(errdefs.KindExecutorClosed, "executor is closed")
	}
	if !e.started {
		return nil, errdefs.New(errdefs.KindExecutorUnavailable, "executor not started")
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	e.sink.Reset()
	e.binder.SetContext(ctx)

	// Interrupt the runtime on timeout or caller cancellation; both surface
	// as Timeout per the cancellation contract.
	timer := time.NewTimer(timeout)
	done := make(chan struct{})
	go func() {
		select {
		case <-timer.C:
			e.vm.Interrupt(timeoutSentinel)
		case <-ctx.Done():
			e.vm.Interrupt(timeoutSentinel)
		case <-done:
		}
	}()

	start := time.Now()
	value, err := e.vm.RunString(code)
	close(done)
	timer.Stop()
	e.vm.ClearInterrupt()

	result := &types.ExecutionResult{
		Stdout:     e.sink.Stdout(),
		Stderr:     e.sink.Stderr(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Error = classify(err)
		e.log.Debug("execution failed",
			zap.String("kind", result.Error.Kind), zap.String("message", result.Error.Message))
		return result, nil
	}
	result.Value = exportValue(value)
	return result, nil
}

// Reset swaps in a fresh runtime, clearing user bindings while preserving
// the injected namespaces.
func (e *InProcess) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errdefs.New(errdefs.KindExecutorClosed, "executor is closed")
	}
	if !e.started {
		return errdefs.New(errdefs.KindExecutorUnavailable, "executor not started")
	}
	return e.rebindLocked()
}

// Close releases the namespaces. Idempotent.
func (e *InProcess) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.vm = nil
	e.binder = nil
	if e.ns != nil {
		return e.ns.Close()
	}
	return nil
}

// Capabilities advertises hard timeout, reset, and dep installation.
func (e *InProcess) Capabilities() []string {
	return []string{CapTimeout, CapReset, CapDepsInstall}
}

// exportValue converts the completion value into a JSON-serializable
// representation. Non-serializable values (functions, cycles) degrade to
// their string form.
func exportValue(value goja.Value) any {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil
	}
	exported := value.Export()
	if _, err := json.Marshal(exported); err != nil {
		return fmt.Sprint(exported)
	}
	return exported
}

// classify maps a runtime error onto the wire error taxonomy.
func classify(err error) *types.ExecError {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &types.ExecError{Kind: string(errdefs.KindTimeout), Message: timeoutSentinel}
	}
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return &types.ExecError{Kind: string(errdefs.KindSyntax), Message: syntaxErr.Error()}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		execErr := &types.ExecError{
			Kind:    string(errdefs.KindRuntime),
			Message: ex.Value().String(),
			Trace:   ex.String(),
		}
		if obj, ok := ex.Value().(*goja.Object); ok {
			if nameVal := obj.Get("name"); nameVal != nil {
				name := nameVal.String()
				switch {
				case name == string(errdefs.KindToolExecution) || name == string(errdefs.KindToolTimeout):
					execErr.Kind = "ToolError"
				case errdefs.Known(name):
					execErr.Kind = name
				}
			}
			if msgVal := obj.Get("message"); msgVal != nil && !goja.IsUndefined(msgVal) {
				execErr.Message = msgVal.String()
			}
		}
		return execErr
	}
	return &types.ExecError{Kind: string(errdefs.KindRuntime), Message: err.Error()}
}
