package protocol

import "strings"

// MsgType is the header msg_type tag.
type MsgType string

const (
	ExecuteRequest    MsgType = "execute_request"
	ExecuteReply      MsgType = "execute_reply"
	CompleteRequest   MsgType = "complete_request"
	CompleteReply     MsgType = "complete_reply"
	InspectRequest    MsgType = "inspect_request"
	InspectReply      MsgType = "inspect_reply"
	HistoryRequest    MsgType = "history_request"
	HistoryReply      MsgType = "history_reply"
	KernelInfoRequest MsgType = "kernel_info_request"
	KernelInfoReply   MsgType = "kernel_info_reply"
	ConnectRequest    MsgType = "connect_request"
	ConnectReply      MsgType = "connect_reply"
	ShutdownRequest   MsgType = "shutdown_request"
	ShutdownReply     MsgType = "shutdown_reply"
	IsCompleteRequest MsgType = "is_complete_request"
	IsCompleteReply   MsgType = "is_complete_reply"
	ApplyRequest      MsgType = "apply_request"
	ApplyReply        MsgType = "apply_reply"

	ClearRequest     MsgType = "clear_request"
	ClearReply       MsgType = "clear_reply"
	AbortRequest     MsgType = "abort_request"
	AbortReply       MsgType = "abort_reply"
	InterruptRequest MsgType = "interrupt_request"
	InterruptReply   MsgType = "interrupt_reply"

	Status        MsgType = "status"
	ExecuteInput  MsgType = "execute_input"
	ExecuteResult MsgType = "execute_result"
	Stream        MsgType = "stream"
	DisplayData   MsgType = "display_data"
	Error         MsgType = "error"
	ClearOutput   MsgType = "clear_output"

	InputRequest MsgType = "input_request"
	InputReply   MsgType = "input_reply"
)

// Reply statuses carried in content["status"].
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusAborted = "aborted"
)

// ExecutionState is the iopub status content["execution_state"].
type ExecutionState string

const (
	StateStarting ExecutionState = "starting"
	StateIdle     ExecutionState = "idle"
	StateBusy     ExecutionState = "busy"

	// StateShuttingDown is terminal and never published.
	StateShuttingDown ExecutionState = "shutting-down"
)

// IsRequest reports whether t names a request.
func (t MsgType) IsRequest() bool {
	return strings.HasSuffix(string(t), "_request")
}

// ReplyType maps "<name>_request" to "<name>_reply". Other types are
// returned with "_reply" appended.
func ReplyType(t MsgType) MsgType {
	base, ok := strings.CutSuffix(string(t), "_request")
	if !ok {
		return MsgType(string(t) + "_reply")
	}
	return MsgType(base + "_reply")
}
