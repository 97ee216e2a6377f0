package vmm

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/mdlayher/vsock"

	"github.com/liaorch/lia/internal/allocator"
	"github.com/liaorch/lia/internal/config"
	"github.com/liaorch/lia/internal/proto"
)

// SysemuDriver drives a general-purpose system emulator spawned as a
// subprocess with its full device topology passed as argv. The
// management socket is used only for post-boot control and speaks a
// line-delimited JSON protocol: an initial greeting, a capabilities
// negotiation, then one JSON object per request/response on a fresh
// connection per command. The host reaches the guest socket natively
// via AF_VSOCK — no UDS indirection.
type SysemuDriver struct {
	cfg *config.Config
	log hclog.Logger

	mu        sync.RWMutex
	instances map[string]*vmProcess
}

// NewSysemuDriver constructs a SysemuDriver.
func NewSysemuDriver(cfg *config.Config, l hclog.Logger) *SysemuDriver {
	return &SysemuDriver{
		cfg:       cfg,
		log:       newLogger(l, "sysemu-driver"),
		instances: make(map[string]*vmProcess),
	}
}

// Launch implements Driver.
func (d *SysemuDriver) Launch(ctx context.Context, taskID string, r allocator.Reservation, cfg BootConfig, cb ProgressFunc) (*VmInstance, error) {
	vmID := "vm-" + taskID
	inst := &VmInstance{
		VMID:             vmID,
		TaskID:           taskID,
		CID:              r.CID,
		ManagementSocket: d.cfg.SocketPathFor(vmID),
		RootfsImagePath:  d.cfg.VolumesDir + "/" + taskID + "-rootfs.ext4",
		DataVolumePath:   d.cfg.VolumePathFor(taskID),
		SerialLogPath:    d.cfg.LogPathFor(vmID),
		PIDFile:          d.cfg.PidPathFor(vmID),
		TapName:          r.TapName,
		IPAddress:        r.IP,
		Gateway:          "172.16.0.1",
		State:            StateUnstarted,
	}

	cb(proto.StageCreatingVm)
	if err := ensureDirs(inst.ManagementSocket, inst.RootfsImagePath, inst.DataVolumePath, inst.SerialLogPath, inst.PIDFile); err != nil {
		return nil, &VmError{"launch:ensure_dirs", err}
	}
	if err := createSparseVolume(inst.DataVolumePath, cfg.StorageGB); err != nil {
		return nil, &VmError{"launch:create_volume", err}
	}
	if err := copyRootfs(d.cfg.RootfsPath, inst.RootfsImagePath); err != nil {
		_ = removeBestEffort(inst.DataVolumePath)
		return nil, &VmError{"launch:copy_rootfs", err}
	}
	if err := createTap(ctx, inst.TapName, d.cfg.BridgeName); err != nil {
		d.cleanupPartialLaunch(inst)
		return nil, &VmError{"launch:create_tap", err}
	}

	cmdline := sysemuCmdline(r.IP, inst.Gateway, cfg.SSHPublicKey, cfg.KernelCmdlineExtra)

	binPath := d.cfg.SysemuBin
	if binPath == "" {
		binPath = "qemu-system-x86_64"
	}
	args := []string{
		"-M", "microvm",
		"-cpu", "host",
		"-enable-kvm",
		"-m", strconv.Itoa(cfg.MemoryMB) + "M",
		"-smp", strconv.Itoa(cfg.VCPUs),
		"-display", "none",
		"-vga", "none",
		"-kernel", d.cfg.KernelPath,
		"-append", cmdline,
		"-drive", "file=" + inst.RootfsImagePath + ",if=virtio,format=raw",
		"-drive", "file=" + inst.DataVolumePath + ",if=virtio,format=raw",
		"-netdev", "tap,id=net0,ifname=" + inst.TapName + ",script=no,downscript=no",
		"-device", "virtio-net-pci,netdev=net0,mac=" + r.MAC,
		"-device", fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", r.CID),
		"-qmp", "unix:" + inst.ManagementSocket + ",server,nowait",
		"-serial", "file:" + inst.SerialLogPath,
		"-daemonize",
		"-pidfile", inst.PIDFile,
	}

	cb(proto.StageConfiguringVm)
	cmd := exec.CommandContext(ctx, binPath, args...)
	if err := cmd.Run(); err != nil {
		_ = deleteTap(ctx, inst.TapName, d.cfg.BridgeName)
		d.cleanupPartialLaunch(inst)
		return nil, &VmError{"launch:spawn", err}
	}

	cb(proto.StageWaitingForSocket)
	if err := waitForFile(ctx, inst.ManagementSocket, managementSocketPoll, ManagementSocketWait); err != nil {
		_ = deleteTap(ctx, inst.TapName, d.cfg.BridgeName)
		d.cleanupPartialLaunch(inst)
		return nil, &VmError{"launch:wait_socket", err}
	}

	cb(proto.StageBootingVm)
	if err := waitForFile(ctx, inst.PIDFile, pidFilePoll, PIDFileWait); err != nil {
		_ = deleteTap(ctx, inst.TapName, d.cfg.BridgeName)
		d.cleanupPartialLaunch(inst)
		return nil, &VmError{"launch:wait_pid", err}
	}
	pidBytes, err := os.ReadFile(inst.PIDFile)
	if err != nil {
		_ = deleteTap(ctx, inst.TapName, d.cfg.BridgeName)
		d.cleanupPartialLaunch(inst)
		return nil, &VmError{"launch:read_pid", err}
	}
	pid, err := strconv.Atoi(string(trimNewline(pidBytes)))
	if err != nil {
		_ = deleteTap(ctx, inst.TapName, d.cfg.BridgeName)
		d.cleanupPartialLaunch(inst)
		return nil, &VmError{"launch:parse_pid", err}
	}
	inst.PID = pid
	inst.State = StateLive

	d.mu.Lock()
	d.instances[vmID] = &vmProcess{inst: inst}
	d.mu.Unlock()

	return inst, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

// sysemuCmdline builds the kernel command line for the SysemuDriver: the
// `root=/dev/vda rw` variant.
func sysemuCmdline(ip, gateway, sshKey, extra string) string {
	cmdline := fmt.Sprintf("console=ttyS0 root=/dev/vda rw init=/sbin/init lia.ip=%s lia.gateway=%s", ip, gateway)
	if sshKey != "" {
		cmdline += " lia.ssh_key=" + encodeSSHKey(sshKey)
	}
	if extra != "" {
		cmdline += " " + extra
	}
	return cmdline
}

// qmpDial opens a fresh connection to the management socket, performs
// the greeting/capabilities-negotiation handshake, and returns a
// NetControlChannel ready for one request/response.
func (d *SysemuDriver) qmpDial(ctx context.Context, socketPath string) (*NetControlChannel, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, err
	}
	ch := NewNetControlChannel(conn)

	// Read the greeting line, then negotiate capabilities.
	if _, err := ch.Recv(ctx); err != nil {
		ch.Close()
		return nil, fmt.Errorf("read qmp greeting: %w", err)
	}
	if err := ch.Send(ctx, []byte(`{"execute":"qmp_capabilities"}`)); err != nil {
		ch.Close()
		return nil, err
	}
	if _, err := ch.Recv(ctx); err != nil {
		ch.Close()
		return nil, fmt.Errorf("negotiate qmp capabilities: %w", err)
	}
	return ch, nil
}

func (d *SysemuDriver) qmpCommand(ctx context.Context, socketPath, execute string) error {
	ch, err := d.qmpDial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer ch.Close()

	req, _ := json.Marshal(map[string]string{"execute": execute})
	if err := ch.Send(ctx, req); err != nil {
		return err
	}
	resp, err := ch.Recv(ctx)
	if err != nil {
		return err
	}

	var parsed struct {
		Error *struct {
			Class string `json:"class"`
			Desc  string `json:"desc"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return fmt.Errorf("parse qmp response: %w", err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("qmp %s: %s: %s", execute, parsed.Error.Class, parsed.Error.Desc)
	}
	return nil
}

// Pause implements Driver. QMP "stop".
func (d *SysemuDriver) Pause(ctx context.Context, vmID string) error {
	vp := d.lookup(vmID)
	if vp == nil {
		return &VmError{"pause", fmt.Errorf("unknown vm %s", vmID)}
	}
	if err := d.qmpCommand(ctx, vp.inst.ManagementSocket, "stop"); err != nil {
		return &VmError{"pause", err}
	}
	d.mu.Lock()
	vp.inst.State = StatePaused
	d.mu.Unlock()
	return nil
}

// Resume implements Driver. QMP "cont".
func (d *SysemuDriver) Resume(ctx context.Context, vmID string) error {
	vp := d.lookup(vmID)
	if vp == nil {
		return &VmError{"resume", fmt.Errorf("unknown vm %s", vmID)}
	}
	if err := d.qmpCommand(ctx, vp.inst.ManagementSocket, "cont"); err != nil {
		return &VmError{"resume", err}
	}
	d.mu.Lock()
	vp.inst.State = StateLive
	d.mu.Unlock()
	return nil
}

// Quit implements Driver. QMP "quit" first; on failure, SIGTERM then a
// grace period then SIGKILL.
func (d *SysemuDriver) Quit(ctx context.Context, vmID string) error {
	vp := d.lookup(vmID)
	if vp == nil {
		return nil // idempotent: already gone
	}

	var errs *multierror.Error
	if err := d.qmpCommand(ctx, vp.inst.ManagementSocket, "quit"); err != nil {
		d.log.Warn("qmp quit failed, falling back to signal escalation", "vm_id", vmID, "error", err)
		if vp.inst.PID != 0 {
			if err := terminateProcess(vp.inst.PID, QuitGracePeriod); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if err := deleteTap(ctx, vp.inst.TapName, d.cfg.BridgeName); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, p := range []string{vp.inst.ManagementSocket, vp.inst.PIDFile, vp.inst.DataVolumePath, vp.inst.RootfsImagePath} {
		if err := removeBestEffort(p); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	d.mu.Lock()
	vp.inst.State = StateDead
	delete(d.instances, vmID)
	d.mu.Unlock()

	if errs != nil {
		d.log.Warn("quit completed with best-effort teardown errors", "vm_id", vmID, "errors", errs)
	}
	return nil
}

// cleanupPartialLaunch unlinks the per-VM files a failed Launch already
// created before returning its error, so a launch failure never leaks
// the data volume or rootfs copy onto disk.
func (d *SysemuDriver) cleanupPartialLaunch(inst *VmInstance) {
	var errs *multierror.Error
	for _, p := range []string{inst.DataVolumePath, inst.RootfsImagePath} {
		if err := removeBestEffort(p); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		d.log.Warn("launch cleanup left files behind", "vm_id", inst.VMID, "errors", errs)
	}
}

// GetInfo implements Driver.
func (d *SysemuDriver) GetInfo(vmID string) *VmInstance {
	vp := d.lookup(vmID)
	if vp == nil {
		return nil
	}
	cp := *vp.inst
	return &cp
}

func (d *SysemuDriver) lookup(vmID string) *vmProcess {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.instances[vmID]
}

// GuestDialer implements Driver: reaches the guest natively via
// AF_VSOCK, no UDS indirection.
func (d *SysemuDriver) GuestDialer(inst *VmInstance, guestPort int) GuestDialer {
	return &vsockGuestDialer{cid: inst.CID, port: uint32(guestPort)}
}

type vsockGuestDialer struct {
	cid  uint32
	port uint32
}

func (g *vsockGuestDialer) Dial(ctx context.Context) (Conn, error) {
	conn, err := vsock.Dial(g.cid, g.port, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (g *vsockGuestDialer) RequiresHandshake() bool { return false }
func (g *vsockGuestDialer) Port() int               { return int(g.port) }
