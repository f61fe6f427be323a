package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/namespace"
)

// ServeKernel runs the interpreter kernel loop: it announces readiness,
// reconstructs the namespaces from the bootstrap request, and then answers
// execute/reset requests in order until shutdown or EOF. cmd/kernel wires
// this to stdio; tests drive it over pipes.
func ServeKernel(ctx context.Context, r io.Reader, w io.Writer, log *logging.Logger) error {
	log = log.Named("kernel")
	enc := json.NewEncoder(w)
	if err := enc.Encode(frame{Type: frameReady}); err != nil {
		return err
	}

	exec := NewInProcess(0, log)
	defer exec.Close(ctx)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req frame
		if err := json.Unmarshal(line, &req); err != nil {
			log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if req.Type != frameRequest {
			continue
		}

		resp := handleKernelRequest(ctx, exec, &req, log)
		if err := enc.Encode(resp); err != nil {
			return err
		}
		if req.Method == methodShutdown {
			return nil
		}
	}
	return scanner.Err()
}

func handleKernelRequest(ctx context.Context, exec *InProcess, req *frame, log *logging.Logger) frame {
	resp := frame{Type: frameResponse, ID: req.ID}

	fail := func(err error) frame {
		resp.Error = &wireError{Kind: string(errdefs.KindOf(err)), Message: err.Error()}
		return resp
	}
	ok := func(result any) frame {
		data, err := json.Marshal(result)
		if err != nil {
			return fail(errdefs.Wrap(errdefs.KindTransport, err, "encoding result"))
		}
		resp.Result = data
		return resp
	}

	switch req.Method {
	case methodBootstrap:
		var cfg namespace.BootstrapConfig
		if err := json.Unmarshal(req.Params, &cfg); err != nil {
			return fail(errdefs.Wrap(errdefs.KindInvalidRequest, err, "decoding bootstrap config"))
		}
		if err := exec.Start(ctx, cfg); err != nil {
			return fail(err)
		}
		if cfg.Deps.SyncOnStart {
			if report, err := exec.Namespaces().Deps.Sync(ctx); err != nil {
				log.Warn("dep sync failed during bootstrap", zap.Error(err))
			} else if !report.OK() {
				log.Warn("dep sync left failures", zap.Strings("failed", report.Failed))
			}
		}
		return ok(map[string]bool{"ok": true})

	case methodExecute:
		var params executeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(errdefs.Wrap(errdefs.KindInvalidRequest, err, "decoding execute params"))
		}
		result, err := exec.Execute(ctx, params.Code, time.Duration(params.TimeoutMS)*time.Millisecond)
		if err != nil {
			return fail(err)
		}
		return ok(result)

	case methodReset:
		if err := exec.Reset(ctx); err != nil {
			return fail(err)
		}
		return ok(map[string]bool{"ok": true})

	case methodShutdown:
		return ok(map[string]bool{"ok": true})

	default:
		return fail(errdefs.New(errdefs.KindInvalidRequest, "unknown method %q", req.Method))
	}
}
