package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/namespace"
	"github.com/codebox-ai/codebox/internal/types"
)

// SubprocessConfig configures the subprocess-kernel executor.
type SubprocessConfig struct {
	// Command launches the kernel binary, e.g. ["codebox-kernel"].
	Command []string
	// StartupTimeout bounds kernel launch, readiness, and bootstrap.
	StartupTimeout time.Duration
	// DefaultTimeout applies to Execute calls that pass none.
	DefaultTimeout time.Duration
	// Grace is how long past the execution timeout the host waits for the
	// kernel's own timeout handling before declaring it hung and killing it.
	Grace time.Duration
}

func (c *SubprocessConfig) withDefaults() SubprocessConfig {
	cfg := *c
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"codebox-kernel"}
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultExecTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	return cfg
}

// kernelConn is one live channel to a kernel. frames closes when the kernel
// dies; stop force-terminates it.
type kernelConn struct {
	enc    *json.Encoder
	frames <-chan frame
	stop   func()
}

// Subprocess runs code in a child interpreter kernel reached over an
// in-order stdio request/response channel. State lives in the kernel; a
// hung kernel is killed and restarted, losing state, and the caller
// observes Timeout.
type Subprocess struct {
	cfg    SubprocessConfig
	launch func(ctx context.Context) (*kernelConn, error)
	log    *logging.Logger

	mu        sync.Mutex
	bootstrap namespace.BootstrapConfig
	conn      *kernelConn
	started   bool
	closed    bool
}

// NewSubprocess creates an unstarted subprocess executor.
func NewSubprocess(cfg SubprocessConfig, log *logging.Logger) *Subprocess {
	e := &Subprocess{
		cfg: cfg.withDefaults(),
		log: log.Named("executor.subprocess"),
	}
	e.launch = e.spawn
	return e
}

// newSubprocessWithLauncher injects a kernel transport; used by tests to run
// the kernel loop over in-memory pipes.
func newSubprocessWithLauncher(cfg SubprocessConfig, launch func(ctx context.Context) (*kernelConn, error), log *logging.Logger) *Subprocess {
	e := &Subprocess{
		cfg:    cfg.withDefaults(),
		launch: launch,
		log:    log.Named("executor.subprocess"),
	}
	return e
}

// spawn launches the kernel process with stdio pipes and a frame reader.
func (e *Subprocess) spawn(ctx context.Context) (*kernelConn, error) {
	cmd := exec.Command(e.cfg.Command[0], e.cfg.Command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindExecutorUnavailable, err, "opening kernel stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindExecutorUnavailable, err, "opening kernel stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindExecutorUnavailable, err, "opening kernel stderr")
	}
	if err := cmd.Start(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindExecutorUnavailable, err, "launching kernel %v", e.cfg.Command)
	}
	e.log.Info("kernel launched", zap.Int("pid", cmd.Process.Pid))

	// The kernel logs on stderr; forward it.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			e.log.Debug("kernel stderr", zap.String("line", scanner.Text()))
		}
	}()

	frames := make(chan frame, 16)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
		for scanner.Scan() {
			var f frame
			if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
				e.log.Warn("malformed kernel frame", zap.Error(err))
				continue
			}
			frames <- f
		}
	}()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			stdin.Close()
			if cmd.Process != nil {
				syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
			go cmd.Wait()
		})
	}
	return &kernelConn{enc: json.NewEncoder(stdin), frames: frames, stop: stop}, nil
}

// connectLocked launches a kernel, waits for readiness, and bootstraps it.
func (e *Subprocess) connectLocked(ctx context.Context) error {
	conn, err := e.launch(ctx)
	if err != nil {
		return err
	}
	if err := awaitReady(conn, e.cfg.StartupTimeout); err != nil {
		conn.stop()
		return err
	}
	if _, err := call(conn, methodBootstrap, e.bootstrap, e.cfg.StartupTimeout); err != nil {
		conn.stop()
		return err
	}
	e.conn = conn
	return nil
}

func awaitReady(conn *kernelConn, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case f, ok := <-conn.frames:
			if !ok {
				return errdefs.New(errdefs.KindExecutorUnavailable, "kernel exited before becoming ready")
			}
			if f.Type == frameReady {
				return nil
			}
		case <-deadline.C:
			return errdefs.New(errdefs.KindExecutorUnavailable, "kernel not ready within %s", timeout)
		}
	}
}

// call sends one request and waits for its response. The channel is
// strictly ordered, so the next response with a matching id belongs to this
// request. A nil frame return means the wait timed out.
func call(conn *kernelConn, method string, params any, timeout time.Duration) (*frame, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransport, err, "encoding %s params", method)
	}
	req := frame{Type: frameRequest, ID: uuid.NewString(), Method: method, Params: data}
	if err := conn.enc.Encode(req); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransport, err, "sending %s request", method)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case f, ok := <-conn.frames:
			if !ok {
				return nil, errdefs.New(errdefs.KindTransport, "kernel died during %s", method)
			}
			if f.Type != frameResponse || f.ID != req.ID {
				continue
			}
			if f.Error != nil {
				return nil, errdefs.New(errdefs.Kind(f.Error.Kind), "%s", f.Error.Message)
			}
			return &f, nil
		case <-deadline.C:
			return nil, nil
		}
	}
}

// Start launches the kernel and ships it the bootstrap payload.
func (e *Subprocess) Start(ctx context.Context, cfg namespace.BootstrapConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errdefs.New(errdefs.KindExecutorClosed, "executor is closed")
	}
	if e.started {
		return errdefs.New(errdefs.KindExecutorUnavailable, "executor already started")
	}
	e.bootstrap = cfg
	if err := e.connectLocked(ctx); err != nil {
		return err
	}
	e.started = true
	return nil
}

// Execute ships the code to the kernel. On a hung kernel the child is
// killed and relaunched; the caller observes Timeout and a fresh namespace.
func (e *Subprocess) Execute(ctx context.Context, code string, timeout time.Duration) (*types.ExecutionResult, error) {
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

	params := executeParams{Code: code, TimeoutMS: timeout.Milliseconds()}
	resp, err := call(e.conn, methodExecute, params, timeout+e.cfg.Grace)
	if err != nil {
		// Kernel died mid-request: relaunch so the next call works, then
		// surface the fault.
		e.log.Warn("kernel channel failed, restarting", zap.Error(err))
		e.restartLocked(ctx)
		return nil, err
	}
	if resp == nil {
		// Kernel is hung past its own timeout handling: kill and restart.
		// State is lost; the caller observes Timeout.
		e.log.Warn("kernel unresponsive, restarting", zap.Duration("timeout", timeout))
		e.restartLocked(ctx)
		return &types.ExecutionResult{
			Error: &types.ExecError{Kind: string(errdefs.KindTimeout), Message: timeoutSentinel},
		}, nil
	}

	var result types.ExecutionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransport, err, "decoding execution result")
	}
	return &result, nil
}

func (e *Subprocess) restartLocked(ctx context.Context) {
	if e.conn != nil {
		e.conn.stop()
		e.conn = nil
	}
	if err := e.connectLocked(ctx); err != nil {
		e.log.Error("kernel restart failed", zap.Error(err))
	}
}

// Reset restarts the kernel and re-bootstraps, dropping user bindings.
func (e *Subprocess) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errdefs.New(errdefs.KindExecutorClosed, "executor is closed")
	}
	if !e.started {
		return errdefs.New(errdefs.KindExecutorUnavailable, "executor not started")
	}
	if e.conn != nil {
		e.conn.stop()
		e.conn = nil
	}
	return e.connectLocked(ctx)
}

// Close shuts the kernel down. Idempotent.
func (e *Subprocess) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.conn != nil {
		// Best-effort orderly shutdown before the kill.
		call(e.conn, methodShutdown, map[string]any{}, 2*time.Second)
		e.conn.stop()
		e.conn = nil
	}
	return nil
}

// Capabilities advertises process isolation on top of the kernel's own
// timeout and reset support.
func (e *Subprocess) Capabilities() []string {
	return []string{CapTimeout, CapProcessIsolation, CapReset, CapDepsInstall}
}
