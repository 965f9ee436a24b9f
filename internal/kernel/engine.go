package kernel

import (
	"context"

	"github.com/danmuck/kernelctl/internal/protocol"
)

// Engine evaluates code for a kernel. The core owns the wire protocol; an
// Engine only computes results. Methods run on the dispatch goroutine, one
// request at a time.
type Engine interface {
	// Execute runs req.Code. ctx is cancelled on interrupt. A returned error
	// is an engine failure: it is logged and the request gets no reply. User
	// code errors are reported through ExecuteResult.
	Execute(ctx context.Context, req protocol.ExecuteRequestContent, out Output) (ExecuteResult, error)
	// Complete returns complete_reply content (matches, cursor_start, cursor_end).
	Complete(ctx context.Context, req protocol.CompleteRequestContent) (map[string]any, error)
	// Inspect returns inspect_reply content (found, data, metadata).
	Inspect(ctx context.Context, req protocol.InspectRequestContent) (map[string]any, error)
	// History returns history_reply content (history).
	History(ctx context.Context, req protocol.HistoryRequestContent) (map[string]any, error)
	// IsComplete returns is_complete_reply content (status complete|incomplete|invalid|unknown, indent).
	IsComplete(ctx context.Context, req protocol.IsCompleteRequestContent) (map[string]any, error)
	// Shutdown releases engine resources before the kernel exits.
	Shutdown(ctx context.Context, restart bool) error
	Info() Info
}

// Resetter is implemented by engines that support clear_request.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Applier is implemented by engines that support apply_request.
type Applier interface {
	Apply(ctx context.Context, content map[string]any, out Output) (map[string]any, error)
}

// ExecuteResult is the engine's view of one execution.
type ExecuteResult struct {
	// Status is protocol.StatusOK or protocol.StatusError.
	Status          string
	UserExpressions map[string]any
	EName           string
	EValue          string
	Traceback       []string
}

// Info feeds kernel_info_reply.
type Info struct {
	Implementation        string
	ImplementationVersion string
	LanguageInfo          map[string]any
	Banner                string
	HelpLinks             []map[string]any
}

// Output is how an engine publishes side effects of one request. Iopub
// messages carry the request as parent.
type Output interface {
	Stream(name, text string)
	DisplayData(data, metadata map[string]any)
	// ExecuteResult publishes a result tagged with the current execution count.
	ExecuteResult(data, metadata map[string]any)
	Error(ename, evalue string, traceback []string)
	ClearOutput(wait bool)
	// AddPayload appends to the execute_reply payload list.
	AddPayload(p map[string]any)
	// Input asks the requesting front-end for a line over stdin.
	Input(ctx context.Context, prompt string, password bool) (string, error)
}
