package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/liaorch/lia/internal/allocator"
	"github.com/liaorch/lia/internal/config"
	"github.com/liaorch/lia/internal/proto"
)

// MicrovmDriver drives a minimal KVM microVM monitor whose management
// endpoint speaks HTTP-over-Unix. It issues idempotent PUT requests to
// configure the VM, then starts it, and exposes the guest's vsock port
// through a UDS multiplexer using a CONNECT text handshake.
//
// Grounded on the teacher's Cloud Hypervisor driver's unix-socket
// http.Client pattern (internal/vmm/cloudhv.go), generalized to this
// system's device topology and wire paths.
type MicrovmDriver struct {
	cfg *config.Config
	log hclog.Logger

	mu        sync.RWMutex
	instances map[string]*vmProcess
}

type vmProcess struct {
	inst   *VmInstance
	cmd    *exec.Cmd
	client *microvmClient
}

// NewMicrovmDriver constructs a MicrovmDriver.
func NewMicrovmDriver(cfg *config.Config, l hclog.Logger) *MicrovmDriver {
	return &MicrovmDriver{
		cfg:       cfg,
		log:       newLogger(l, "microvm-driver"),
		instances: make(map[string]*vmProcess),
	}
}

// microvmClient is a thin http.Client bound to a single unix socket,
// matching the teacher's chClient pattern exactly.
type microvmClient struct {
	http *http.Client
}

func newMicrovmClient(socketPath string) *microvmClient {
	return &microvmClient{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					d := net.Dialer{}
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 10 * time.Second,
		},
	}
}

func (c *microvmClient) put(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost"+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("PUT %s: status %d", path, resp.StatusCode)
	}
	return nil
}

func (c *microvmClient) patch(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, "http://localhost"+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("PATCH %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// Launch implements Driver.
func (d *MicrovmDriver) Launch(ctx context.Context, taskID string, r allocator.Reservation, cfg BootConfig, cb ProgressFunc) (*VmInstance, error) {
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

	cmdline := microvmCmdline(r.IP, inst.Gateway, cfg.SSHPublicKey, cfg.KernelCmdlineExtra)

	binPath := d.cfg.MicrovmBin
	if binPath == "" {
		binPath = "lia-microvm"
	}
	cmd := exec.CommandContext(ctx, binPath,
		"--api-sock", inst.ManagementSocket,
		"--log-path", inst.SerialLogPath,
		"--pid-file", inst.PIDFile,
	)
	cb(proto.StageConfiguringVm)
	if err := cmd.Start(); err != nil {
		_ = deleteTap(ctx, inst.TapName, d.cfg.BridgeName)
		d.cleanupPartialLaunch(inst)
		return nil, &VmError{"launch:spawn", err}
	}

	cb(proto.StageWaitingForSocket)
	if err := waitForFile(ctx, inst.ManagementSocket, managementSocketPoll, ManagementSocketWait); err != nil {
		_ = cmd.Process.Kill()
		_ = deleteTap(ctx, inst.TapName, d.cfg.BridgeName)
		d.cleanupPartialLaunch(inst)
		return nil, &VmError{"launch:wait_socket", err}
	}

	client := newMicrovmClient(inst.ManagementSocket)

	if err := d.configureVM(ctx, client, inst, cfg, cmdline); err != nil {
		_ = cmd.Process.Kill()
		_ = deleteTap(ctx, inst.TapName, d.cfg.BridgeName)
		d.cleanupPartialLaunch(inst)
		return nil, &VmError{"launch:configure", err}
	}

	cb(proto.StageBootingVm)
	if err := client.put(ctx, "/actions", map[string]string{"action_type": "InstanceStart"}); err != nil {
		_ = cmd.Process.Kill()
		_ = deleteTap(ctx, inst.TapName, d.cfg.BridgeName)
		d.cleanupPartialLaunch(inst)
		return nil, &VmError{"launch:start", err}
	}

	if err := waitForFile(ctx, inst.PIDFile, pidFilePoll, PIDFileWait); err != nil {
		_ = cmd.Process.Kill()
		_ = deleteTap(ctx, inst.TapName, d.cfg.BridgeName)
		d.cleanupPartialLaunch(inst)
		return nil, &VmError{"launch:wait_pid", err}
	}
	inst.PID = cmd.Process.Pid
	inst.State = StateLive

	d.mu.Lock()
	d.instances[vmID] = &vmProcess{inst: inst, cmd: cmd, client: client}
	d.mu.Unlock()

	return inst, nil
}

func (d *MicrovmDriver) configureVM(ctx context.Context, c *microvmClient, inst *VmInstance, cfg BootConfig, cmdline string) error {
	if err := c.put(ctx, "/boot-source", map[string]string{
		"kernel_image_path": d.cfg.KernelPath,
		"boot_args":         cmdline,
	}); err != nil {
		return err
	}
	if err := c.put(ctx, "/machine-config", map[string]any{
		"vcpu_count": cfg.VCPUs,
		"mem_size_mib": cfg.MemoryMB,
	}); err != nil {
		return err
	}
	if err := c.put(ctx, "/drives/rootfs", map[string]any{
		"drive_id":     "rootfs",
		"path_on_host": inst.RootfsImagePath,
		"is_root_device": true,
		"is_read_only":   false,
	}); err != nil {
		return err
	}
	if err := c.put(ctx, "/drives/data", map[string]any{
		"drive_id":       "data",
		"path_on_host":   inst.DataVolumePath,
		"is_root_device": false,
		"is_read_only":   false,
	}); err != nil {
		return err
	}
	if err := c.put(ctx, "/network-interfaces/eth0", map[string]any{
		"iface_id":      "eth0",
		"host_dev_name": inst.TapName,
	}); err != nil {
		return err
	}
	if err := c.put(ctx, "/vsock", map[string]any{
		"guest_cid": inst.CID,
		"uds_path":  d.cfg.VsockPathFor(inst.TaskID),
	}); err != nil {
		return err
	}
	return nil
}

// microvmCmdline builds the kernel command line for the MicrovmDriver,
// the `reboot=k panic=1 pci=off` variant, omitting `root=...rw`
// specifics in favor of the rootfs drive being marked the root device.
func microvmCmdline(ip, gateway, sshKey, extra string) string {
	cmdline := fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off init=/sbin/init lia.ip=%s lia.gateway=%s", ip, gateway)
	if sshKey != "" {
		cmdline += " lia.ssh_key=" + encodeSSHKey(sshKey)
	}
	if extra != "" {
		cmdline += " " + extra
	}
	return cmdline
}

// Pause implements Driver.
func (d *MicrovmDriver) Pause(ctx context.Context, vmID string) error {
	vp := d.lookup(vmID)
	if vp == nil {
		return &VmError{"pause", fmt.Errorf("unknown vm %s", vmID)}
	}
	if err := vp.client.patch(ctx, "/vm", map[string]string{"state": "Paused"}); err != nil {
		return &VmError{"pause", err}
	}
	d.mu.Lock()
	vp.inst.State = StatePaused
	d.mu.Unlock()
	return nil
}

// Resume implements Driver.
func (d *MicrovmDriver) Resume(ctx context.Context, vmID string) error {
	vp := d.lookup(vmID)
	if vp == nil {
		return &VmError{"resume", fmt.Errorf("unknown vm %s", vmID)}
	}
	if err := vp.client.patch(ctx, "/vm", map[string]string{"state": "Resumed"}); err != nil {
		return &VmError{"resume", err}
	}
	d.mu.Lock()
	vp.inst.State = StateLive
	d.mu.Unlock()
	return nil
}

// Quit implements Driver. Tries the management protocol first; falls
// back to SIGTERM then SIGKILL after a grace period if unreachable.
func (d *MicrovmDriver) Quit(ctx context.Context, vmID string) error {
	vp := d.lookup(vmID)
	if vp == nil {
		return nil // idempotent: already gone
	}

	var errs *multierror.Error
	mgmtErr := vp.client.put(ctx, "/actions", map[string]string{"action_type": "SendCtrlAltDel"})
	if mgmtErr != nil {
		d.log.Warn("management quit failed, falling back to signal escalation", "vm_id", vmID, "error", mgmtErr)
		if vp.cmd != nil && vp.cmd.Process != nil {
			if err := terminateProcess(vp.cmd.Process.Pid, QuitGracePeriod); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if err := deleteTap(ctx, vp.inst.TapName, d.cfg.BridgeName); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, p := range []string{vp.inst.ManagementSocket, d.cfg.VsockPathFor(vp.inst.TaskID), vp.inst.PIDFile, vp.inst.DataVolumePath, vp.inst.RootfsImagePath} {
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
func (d *MicrovmDriver) cleanupPartialLaunch(inst *VmInstance) {
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
func (d *MicrovmDriver) GetInfo(vmID string) *VmInstance {
	vp := d.lookup(vmID)
	if vp == nil {
		return nil
	}
	cp := *vp.inst
	return &cp
}

func (d *MicrovmDriver) lookup(vmID string) *vmProcess {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.instances[vmID]
}

// GuestDialer implements Driver: reaches the guest over the UDS
// multiplexer with a CONNECT text handshake.
func (d *MicrovmDriver) GuestDialer(inst *VmInstance, guestPort int) GuestDialer {
	return &udsGuestDialer{path: d.cfg.VsockPathFor(inst.TaskID), port: guestPort}
}

type udsGuestDialer struct {
	path string
	port int
}

func (g *udsGuestDialer) Dial(ctx context.Context) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", g.path)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (g *udsGuestDialer) RequiresHandshake() bool { return true }
func (g *udsGuestDialer) Port() int               { return g.port }
