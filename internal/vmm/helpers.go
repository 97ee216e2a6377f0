package vmm

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// sshKeySentinel is the character substituted for spaces when an SSH
// public key is embedded in a kernel command line. Both backends use the
// same sentinel so the in-guest agent's decode is a single code path.
//
// The upstream two-backend implementation this was ported from disagreed
// on this choice (one driver used '+', the other '^'); this
// implementation picks '+' and applies it identically on both sides.
const sshKeySentinel = '+'

// encodeSSHKey replaces spaces in an SSH public key with the sentinel
// character so it is safe to embed as a single kernel cmdline token.
func encodeSSHKey(key string) string {
	return strings.ReplaceAll(key, " ", string(sshKeySentinel))
}

// waitForFile polls for path to exist, every interval, up to timeout.
func waitForFile(ctx context.Context, path string, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// createSparseVolume creates an empty sparse file of sizeGB gibibytes at
// path, then formats it ext4 with force, matching the reference
// implementation's "truncate then mkfs.ext4 -F" recipe.
func createSparseVolume(path string, sizeGB int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create volume file: %w", err)
	}
	size := int64(sizeGB) * 1024 * 1024 * 1024
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("truncate volume file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close volume file: %w", err)
	}

	cmd := exec.Command("mkfs.ext4", "-F", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mkfs.ext4: %w: %s", err, out)
	}
	return nil
}

// copyRootfs makes a full, per-VM copy of the shared base rootfs image.
// Copy-on-write is a possible future optimization; a full copy is
// acceptable per the launch contract.
func copyRootfs(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open base rootfs: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create rootfs copy: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy rootfs: %w", err)
	}
	return dst.Close()
}

// createTap invokes the privileged, opaque helper that creates a TAP
// device and attaches it to the host bridge. The helper's implementation
// is out of scope for this system; it is treated as an external command.
func createTap(ctx context.Context, tapName, bridgeName string) error {
	cmd := exec.CommandContext(ctx, "lia-create-tap", tapName, bridgeName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("lia-create-tap %s %s: %w: %s", tapName, bridgeName, err, out)
	}
	return nil
}

// deleteTap invokes the privileged, opaque helper that removes a TAP
// device. Best-effort: the caller logs failures rather than treating
// them as fatal, per the spec's teardown policy.
func deleteTap(ctx context.Context, tapName, bridgeName string) error {
	cmd := exec.CommandContext(ctx, "lia-delete-tap", tapName, bridgeName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("lia-delete-tap %s %s: %w: %s", tapName, bridgeName, err, out)
	}
	return nil
}

// removeBestEffort unlinks path, ignoring a not-exist error.
func removeBestEffort(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func ensureDirs(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("ensure dir for %s: %w", p, err)
		}
	}
	return nil
}

// terminateProcess sends SIGTERM to pid, waits grace for the process to
// exit, then SIGKILLs it. Used as the quit fallback when the management
// channel is unreachable.
func terminateProcess(pid int, grace time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	_ = proc.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		if _, err := proc.Wait(); err != nil {
			// Not our child (e.g. a daemonized emulator): poll until the
			// pid no longer accepts signals.
			for proc.Signal(syscall.Signal(0)) == nil {
				time.Sleep(100 * time.Millisecond)
			}
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return proc.Kill()
	}
}
