// Package proto holds the two wire-frame shapes that cross process
// boundaries — WsFrame over the client-facing WebSocket/SSE edge and
// GuestFrame over the newline-delimited guest socket — plus the BootStage
// progress tags a Driver reports during launch. It is split out from
// internal/task so that internal/vmm, internal/fanout, and internal/relay
// can depend on the frame shapes without importing the Task Lifecycle
// Controller itself.
package proto

// File is an optional workspace seed file forwarded to the guest Init frame.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// BootStage is one of the seven well-known progress tags reported during
// a task's launch, in order, at most once each. The Driver reports the
// first four; the Controller reports ConnectingAgent, InitializingAgent
// and Ready.
type BootStage string

const (
	StageCreatingVm        BootStage = "creating_vm"
	StageConfiguringVm     BootStage = "configuring_vm"
	StageWaitingForSocket  BootStage = "waiting_for_socket"
	StageBootingVm         BootStage = "booting_vm"
	StageConnectingAgent   BootStage = "connecting_agent"
	StageInitializingAgent BootStage = "initializing_agent"
	StageReady             BootStage = "ready"
)

// Message is the human-readable string shown alongside a BootStage.
func (s BootStage) Message() string {
	switch s {
	case StageCreatingVm, StageWaitingForSocket:
		return "Starting VM..."
	case StageConfiguringVm:
		return "Configuring VM..."
	case StageBootingVm:
		return "Booting..."
	case StageConnectingAgent:
		return "Connecting..."
	case StageInitializingAgent:
		return "Initializing agent..."
	case StageReady:
		return "Ready"
	default:
		return string(s)
	}
}

// TaskStatus mirrors task.Status without importing internal/task, so a
// Status WsFrame can be built from either package without a cycle.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusStarting   TaskStatus = "starting"
	StatusRunning    TaskStatus = "running"
	StatusSuspended  TaskStatus = "suspended"
	StatusTerminated TaskStatus = "terminated"
)

// WsFrame is the JSON frame shape carried over the WebSocket/SSE protocol
// to and from external subscribers. Type is the discriminator; only the
// fields relevant to Type are populated.
type WsFrame struct {
	Type string `json:"type"`

	// Output
	Data string `json:"data,omitempty"`
	TSMs int64  `json:"ts_ms,omitempty"`

	// Status
	Status   TaskStatus `json:"status,omitempty"`
	ExitCode *int       `json:"exit_code,omitempty"`

	// Progress
	Stage   BootStage `json:"stage,omitempty"`
	Message string    `json:"message,omitempty"`
}

const (
	WsOutput   = "output"
	WsInput    = "input"
	WsStatus   = "status"
	WsProgress = "progress"
	WsError    = "error"
	WsPing     = "ping"
	WsPong     = "pong"
)

// NewWsOutput builds an Output WsFrame.
func NewWsOutput(data string, tsMs int64) WsFrame {
	return WsFrame{Type: WsOutput, Data: data, TSMs: tsMs}
}

// NewWsStatus builds a Status WsFrame.
func NewWsStatus(status TaskStatus, exitCode *int) WsFrame {
	return WsFrame{Type: WsStatus, Status: status, ExitCode: exitCode}
}

// NewWsProgress builds a Progress WsFrame.
func NewWsProgress(stage BootStage) WsFrame {
	return WsFrame{Type: WsProgress, Stage: stage, Message: stage.Message()}
}

// NewWsError builds an Error WsFrame. The error text is carried in Data to
// keep a single JSON shape; handlers should read Data for this type.
func NewWsError(message string) WsFrame {
	return WsFrame{Type: WsError, Data: message}
}

// GuestFrame is the JSON frame shape carried, newline-delimited, over the
// guest socket in both directions.
type GuestFrame struct {
	Type string `json:"type"`

	// Init (host -> guest, always first)
	APIKey string `json:"api_key,omitempty"`
	Prompt string `json:"prompt,omitempty"`
	Files  []File `json:"files,omitempty"`

	// Output / Input
	Data string `json:"data,omitempty"`

	// Exit
	Code int `json:"code,omitempty"`

	// Error
	Message string `json:"message,omitempty"`
}

const (
	GuestInit      = "init"
	GuestOutput    = "output"
	GuestInput     = "input"
	GuestExit      = "exit"
	GuestError     = "error"
	GuestHeartbeat = "heartbeat"
)

// NewGuestInit builds an Init GuestFrame, the first frame the Relay sends.
func NewGuestInit(apiKey, prompt string, files []File) GuestFrame {
	return GuestFrame{Type: GuestInit, APIKey: apiKey, Prompt: prompt, Files: files}
}

// NewGuestInput builds an Input GuestFrame.
func NewGuestInput(data string) GuestFrame {
	return GuestFrame{Type: GuestInput, Data: data}
}
