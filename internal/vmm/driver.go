// Package vmm defines the Hypervisor Driver abstract contract and its
// two concrete backends (MicrovmDriver, SysemuDriver). The two backends
// differ fundamentally in wire protocol and are not made to share
// protocol code; they are hidden behind this single interface so the
// Task Lifecycle Controller and Relay are written once.
package vmm

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/liaorch/lia/internal/allocator"
	"github.com/liaorch/lia/internal/proto"
)

// State is a VmInstance's lifecycle state.
type State string

const (
	StateUnstarted  State = "unstarted"
	StateConfiguring State = "configuring"
	StateBooting    State = "booting"
	StateLive       State = "live"
	StatePaused     State = "paused"
	StateDead       State = "dead"
)

// BootConfig carries the resource shape and optional guest init
// parameters for one launch call.
type BootConfig struct {
	VCPUs             int
	MemoryMB          int
	StorageGB         int
	SSHPublicKey      string
	KernelCmdlineExtra string
}

// VmInstance is the Driver's record of one live (or torn-down) VM.
type VmInstance struct {
	VMID              string
	TaskID            string
	CID               uint32
	ManagementSocket  string
	RootfsImagePath   string
	DataVolumePath    string
	SerialLogPath     string
	PIDFile           string
	PID               int
	TapName           string
	IPAddress         string
	Gateway           string
	State             State
}

// ProgressFunc is called synchronously from the driver's launch path with
// each BootStage as it's reached. Implementations must not block; the
// Controller bridges this into the asynchronous fanout via a
// single-producer-single-consumer queue so no lock is held across an
// await point in the driver's hot path.
type ProgressFunc func(proto.BootStage)

// VmError is a typed error for any failure during launch/pause/resume/quit.
type VmError struct {
	Op  string
	Err error
}

func (e *VmError) Error() string { return "vmm: " + e.Op + ": " + e.Err.Error() }
func (e *VmError) Unwrap() error { return e.Err }

// Driver is the polymorphic contract over {configure, launch, pause,
// resume, quit, get_info}. MicrovmDriver and SysemuDriver both satisfy
// it.
type Driver interface {
	// Launch boots a new VM for taskID using the given reservation and
	// boot configuration, reporting BootStage progress through cb.
	Launch(ctx context.Context, taskID string, r allocator.Reservation, cfg BootConfig, cb ProgressFunc) (*VmInstance, error)

	// Pause suspends a live VM via the management protocol.
	Pause(ctx context.Context, vmID string) error
	// Resume un-suspends a paused VM via the management protocol.
	Resume(ctx context.Context, vmID string) error
	// Quit forcefully stops a VM: management-protocol quit, falling back
	// to SIGTERM then SIGKILL after a grace period if the management
	// channel is unreachable.
	Quit(ctx context.Context, vmID string) error

	// GetInfo returns a snapshot of a live VmInstance, or nil if unknown.
	GetInfo(vmID string) *VmInstance

	// GuestDialer returns how the Relay should reach this VM's guest
	// socket for the in-guest agent listening on guestPort.
	GuestDialer(inst *VmInstance, guestPort int) GuestDialer
}

// GuestDialer abstracts the two ways the Relay can reach the guest
// socket: AF_VSOCK directly (SysemuDriver) or a UDS multiplexer that
// requires a CONNECT handshake (MicrovmDriver).
type GuestDialer interface {
	// Dial attempts a single connection attempt. Callers retry this on
	// failure per the Relay's dial loop.
	Dial(ctx context.Context) (Conn, error)
	// RequiresHandshake reports whether a CONNECT <port>\n / OK <port>\n
	// text handshake must be performed after Dial succeeds.
	RequiresHandshake() bool
	// Port is the guest-side listening port to request in the handshake.
	Port() int
}

// Conn is the minimal byte-stream surface the Relay needs from a dialed
// guest connection.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
}

const (
	// ManagementSocketWait is the total time §4.2 step 7 allows for the
	// management socket to appear, polled every 100ms.
	ManagementSocketWait = 5 * time.Second
	managementSocketPoll = 100 * time.Millisecond

	// PIDFileWait is the total time allowed for the PID file to appear.
	PIDFileWait = 2 * time.Second
	pidFilePoll = 100 * time.Millisecond

	// QuitGracePeriod is the SIGTERM->SIGKILL escalation window.
	QuitGracePeriod = 2 * time.Second
)

// newLogger returns a named child logger, or a discarding logger if l is nil.
func newLogger(l hclog.Logger, name string) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l.Named(name)
}
