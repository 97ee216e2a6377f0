// Package config holds liad runtime configuration and the filesystem
// layout shared by the allocator, drivers, relay, and store.
package config

import (
	"os"
	"os/exec"
	"path/filepath"
)

// Backend selects which Hypervisor Driver implementation the daemon uses.
type Backend string

const (
	// BackendMicrovm uses a minimal KVM microVM monitor with an
	// HTTP-over-unix-socket management API and UDS-multiplexed vsock
	// (MicrovmDriver).
	BackendMicrovm Backend = "microvm"
	// BackendSysemu uses a general system emulator spawned as a
	// subprocess, managed over a line-delimited JSON control socket,
	// with native AF_VSOCK host<->guest dialing (SysemuDriver).
	BackendSysemu Backend = "sysemu"
)

// Config holds liad runtime configuration.
type Config struct {
	// Backend selects the hypervisor driver.
	Backend Backend

	// BinDir is searched for the backend binaries alongside PATH.
	BinDir string

	// SocketsDir holds per-VM management-socket and vsock UDS files.
	SocketsDir string
	// VolumesDir holds per-VM data-volume images.
	VolumesDir string
	// LogsDir holds per-VM serial/boot log files.
	LogsDir string
	// PidsDir holds per-VM pidfiles.
	PidsDir string

	// RootfsPath is the shared read-only base rootfs image copied or
	// attached read-only into every VM.
	RootfsPath string
	// KernelPath is the guest kernel image.
	KernelPath string

	// MicrovmBin is the path to the microVM monitor binary. Empty
	// means search PATH / BinDir.
	MicrovmBin string
	// SysemuBin is the path to the system emulator binary. Empty
	// means search PATH / BinDir.
	SysemuBin string

	// BridgeName is the host bridge TAP devices are attached to.
	BridgeName string

	// DefaultMemoryMB / DefaultVCPUs / DefaultStorageGB are not read by
	// the task Controller: it fills unset task config fields from its
	// own built-in defaults instead.
	DefaultMemoryMB  int
	DefaultVCPUs     int
	DefaultStorageGB int

	// DBPath is the path to the SQLite task store.
	DBPath string

	// HTTPAddr is the address the API server listens on.
	HTTPAddr string

	// GatewayAPIKey is handed to the guest agent at Init time so it can
	// authenticate to whatever upstream assistant API it drives.
	GatewayAPIKey string
}

// DefaultConfig returns the default configuration, rooted at ~/.lia
// except for PidsDir, which is /var/run/lia.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".lia")

	return &Config{
		Backend: BackendMicrovm,
		BinDir:  executableDir(),

		SocketsDir: filepath.Join(base, "sockets"),
		VolumesDir: filepath.Join(base, "volumes"),
		LogsDir:    filepath.Join(base, "logs"),
		PidsDir:    "/var/run/lia",

		RootfsPath: filepath.Join(base, "images", "rootfs.ext4"),
		KernelPath: filepath.Join(base, "images", "vmlinux"),

		BridgeName: "lia0",

		DefaultMemoryMB:  2048,
		DefaultVCPUs:     2,
		DefaultStorageGB: 50,

		DBPath: filepath.Join(base, "lia.db"),

		HTTPAddr: "127.0.0.1:8088",
	}
}

// EnsureDirs creates the four independent directories named in the
// external-interfaces filesystem layout (sockets, volumes, logs, pids)
// plus the store's parent directory.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.SocketsDir,
		c.VolumesDir,
		c.LogsDir,
		c.PidsDir,
		filepath.Dir(c.DBPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ResolveBinaries eagerly resolves MicrovmBin/SysemuBin if empty, so the
// driver construction and any preflight checks share one discovery result.
func (c *Config) ResolveBinaries() {
	if c.MicrovmBin == "" {
		c.MicrovmBin = FindBinary("lia-microvm", c.BinDir)
	}
	if c.SysemuBin == "" {
		c.SysemuBin = FindBinary("qemu-system-x86_64", c.BinDir)
	}
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable (binDir)
//  3. Known system paths
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}

	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	for _, dir := range []string{"/usr/lib/lia", "/usr/libexec", "/usr/local/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// SocketPathFor returns the management-socket path for a VM.
func (c *Config) SocketPathFor(vmID string) string {
	return filepath.Join(c.SocketsDir, vmID+".sock")
}

// VsockPathFor returns the multiplexed-vsock UDS path for a VM
// (microvm backend only).
func (c *Config) VsockPathFor(vmID string) string {
	return filepath.Join(c.SocketsDir, vmID+".vsock")
}

// VolumePathFor returns the data-volume image path for a VM.
func (c *Config) VolumePathFor(vmID string) string {
	return filepath.Join(c.VolumesDir, vmID+".ext4")
}

// LogPathFor returns the serial/boot log path for a VM.
func (c *Config) LogPathFor(vmID string) string {
	return filepath.Join(c.LogsDir, vmID+".log")
}

// PidPathFor returns the pidfile path for a VM (both backends).
func (c *Config) PidPathFor(vmID string) string {
	return filepath.Join(c.PidsDir, vmID+".pid")
}
