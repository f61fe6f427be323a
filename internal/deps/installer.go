package deps

import (
	"bytes"
	"context"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
)

// Report summarizes one install pass.
type Report struct {
	Installed      []string          `json:"installed"`
	AlreadyPresent []string          `json:"already_present"`
	Failed         []string          `json:"failed"`
	Errors         map[string]string `json:"errors,omitempty"`
}

func (r *Report) sorted() *Report {
	sort.Strings(r.Installed)
	sort.Strings(r.AlreadyPresent)
	sort.Strings(r.Failed)
	return r
}

// OK reports whether nothing failed.
func (r *Report) OK() bool { return len(r.Failed) == 0 }

// newReport starts a report with non-nil slices so the wire form always
// carries arrays.
func newReport() *Report {
	return &Report{
		Installed:      []string{},
		AlreadyPresent: []string{},
		Failed:         []string{},
		Errors:         make(map[string]string),
	}
}

// Installer makes declared packages importable. The contract is "package
// importable after success"; how is up to the implementation.
type Installer interface {
	Install(ctx context.Context, specs []string) (*Report, error)
}

const installConcurrency = 4

// ExecInstaller shells out to a configured installer command, one spec per
// invocation, argv-style (never through a shell). Probe, when set, lets the
// installer skip packages that are already importable.
type ExecInstaller struct {
	Command []string
	Probe   func(name string) bool
	log     *logging.Logger
}

// NewExecInstaller builds an installer around the given argv prefix.
func NewExecInstaller(command []string, log *logging.Logger) *ExecInstaller {
	return &ExecInstaller{Command: command, log: log.Named("deps.installer")}
}

func (i *ExecInstaller) Install(ctx context.Context, specs []string) (*Report, error) {
	report := newReport()
	if len(specs) == 0 {
		return report, nil
	}
	if len(i.Command) == 0 {
		for _, spec := range specs {
			report.Failed = append(report.Failed, spec)
			report.Errors[spec] = "no installer command configured"
		}
		return report.sorted(), nil
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(installConcurrency)
	for _, spec := range specs {
		group.Go(func() error {
			if i.Probe != nil {
				parsed, err := Parse(spec)
				if err == nil && i.Probe(parsed.Name) {
					mu.Lock()
					report.AlreadyPresent = append(report.AlreadyPresent, spec)
					mu.Unlock()
					return nil
				}
			}
			argv := append(append([]string{}, i.Command...), spec)
			cmd := exec.CommandContext(groupCtx, argv[0], argv[1:]...)
			var stderr bytes.Buffer
			cmd.Stderr = &stderr
			err := cmd.Run()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				i.log.Warn("install failed", zap.String("spec", spec), zap.Error(err))
				report.Failed = append(report.Failed, spec)
				report.Errors[spec] = strings.TrimSpace(tailOf(stderr.String()))
				return nil
			}
			i.log.Info("installed", zap.String("spec", spec))
			report.Installed = append(report.Installed, spec)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInstallFailed, err, "install pass aborted")
	}
	return report.sorted(), nil
}

const stderrTail = 1000

func tailOf(s string) string {
	if len(s) > stderrTail {
		return "..." + s[len(s)-stderrTail:]
	}
	return s
}

// StaticInstaller resolves installs from fixed sets. Used in tests and for
// images with every dependency preinstalled.
type StaticInstaller struct {
	// Present names are reported already_present.
	Present map[string]bool
	// Fail names are reported failed with this message.
	Fail map[string]string

	mu    sync.Mutex
	Calls [][]string
}

func (s *StaticInstaller) Install(ctx context.Context, specs []string) (*Report, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, append([]string{}, specs...))
	s.mu.Unlock()

	report := newReport()
	for _, spec := range specs {
		parsed, err := Parse(spec)
		name := spec
		if err == nil {
			name = parsed.Name
		}
		switch {
		case s.Fail[name] != "":
			report.Failed = append(report.Failed, spec)
			report.Errors[spec] = s.Fail[name]
		case s.Present[name]:
			report.AlreadyPresent = append(report.AlreadyPresent, spec)
		default:
			report.Installed = append(report.Installed, spec)
		}
	}
	return report.sorted(), nil
}
