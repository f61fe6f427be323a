package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/types"
)

// stderrTailLimit bounds how much captured stderr is attached to errors.
const stderrTailLimit = 2000

// killGrace is how long a process gets after SIGKILL before Wait gives up
// waiting for pipe teardown.
const killGrace = 5 * time.Second

// CLIAdapter serves tools defined by YAML schema files. Invocation builds an
// argv from the schema and runs the executable directly; no shell is ever
// involved.
type CLIAdapter struct {
	defs map[string]*CLIDefinition
	log  *logging.Logger
}

// NewCLIAdapter creates an adapter over parsed definitions.
func NewCLIAdapter(defs []*CLIDefinition, log *logging.Logger) (*CLIAdapter, error) {
	byName := make(map[string]*CLIDefinition, len(defs))
	for _, def := range defs {
		if _, exists := byName[def.Name]; exists {
			return nil, errdefs.New(errdefs.KindDuplicateTool, "tool %q defined twice", def.Name)
		}
		byName[def.Name] = def
	}
	return &CLIAdapter{defs: byName, log: log.Named("tools.cli")}, nil
}

// ListTools returns the loaded tools sorted by name.
func (a *CLIAdapter) ListTools() []types.Tool {
	names := make([]string, 0, len(a.defs))
	for name := range a.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]types.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, a.defs[name].Tool())
	}
	return out
}

// Call builds the argv and runs the tool. An empty recipe is the escape
// hatch over the raw schema.
func (a *CLIAdapter) Call(ctx context.Context, tool, recipe string, args map[string]any) (any, error) {
	def, ok := a.defs[tool]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "tool %q not found", tool)
	}

	var argv []string
	var err error
	if recipe == "" {
		argv, err = def.BuildArgv(args)
	} else {
		argv, err = def.BuildRecipe(recipe, args)
	}
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(def.Timeout * float64(time.Second))
	return a.run(ctx, def.Name, argv, timeout)
}

func (a *CLIAdapter) run(ctx context.Context, tool string, argv []string, timeout time.Duration) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Run the child in its own process group so cancellation kills the whole
	// tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killGrace

	a.log.Debug("running tool", zap.String("tool", tool), zap.Strings("argv", argv))
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		a.log.Warn("tool timed out", zap.String("tool", tool), zap.Duration("timeout", timeout))
		return "", errdefs.New(errdefs.KindToolTimeout, "tool %q timed out after %s", tool, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", errdefs.New(errdefs.KindToolExecution,
				"tool %q exited with code %d: %s", tool, exitErr.ExitCode(), tail(stderr.String()))
		}
		return "", errdefs.Wrap(errdefs.KindToolExecution, err, "tool %q failed to run", tool)
	}

	a.log.Debug("tool finished", zap.String("tool", tool), zap.Duration("elapsed", elapsed))
	return stdout.String(), nil
}

// Close is a no-op; CLI tools hold no persistent connections.
func (a *CLIAdapter) Close() error { return nil }

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailLimit {
		return "..." + s[len(s)-stderrTailLimit:]
	}
	return s
}
