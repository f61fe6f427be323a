package executor

import (
	"encoding/json"
)

// Kernel wire protocol: newline-delimited JSON frames over stdio. The host
// sends request frames; the kernel answers with response frames carrying the
// same id, in order. The kernel emits one ready frame on startup.
const (
	frameReady    = "ready"
	frameRequest  = "request"
	frameResponse = "response"
)

// Kernel methods.
const (
	methodBootstrap = "bootstrap"
	methodExecute   = "execute"
	methodReset     = "reset"
	methodShutdown  = "shutdown"
)

type frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type executeParams struct {
	Code      string `json:"code"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// maxFrameSize bounds one protocol line; execution results carry captured
// output, so frames can get large.
const maxFrameSize = 32 << 20
