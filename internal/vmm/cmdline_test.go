package vmm

import "testing"

func TestEncodeSSHKeyUsesSentinel(t *testing.T) {
	got := encodeSSHKey("ssh-ed25519 AAAAC3 user@host")
	want := "ssh-ed25519+AAAAC3+user@host"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestMicrovmCmdlineOmitsRootArgs(t *testing.T) {
	c := microvmCmdline("172.16.0.101", "172.16.0.1", "", "")
	if !contains(c, "reboot=k panic=1 pci=off") {
		t.Errorf("missing microvm-specific args: %q", c)
	}
	if contains(c, "root=/dev/vda") {
		t.Errorf("microvm cmdline should not set root=: %q", c)
	}
	if !contains(c, "lia.ip=172.16.0.101") || !contains(c, "lia.gateway=172.16.0.1") {
		t.Errorf("missing lia.* params: %q", c)
	}
}

func TestSysemuCmdlineSetsRoot(t *testing.T) {
	c := sysemuCmdline("172.16.0.102", "172.16.0.1", "ssh-ed25519 AAA bob@x", "")
	if !contains(c, "root=/dev/vda rw") {
		t.Errorf("missing root=: %q", c)
	}
	if !contains(c, "lia.ssh_key=ssh-ed25519+AAA+bob@x") {
		t.Errorf("ssh key not sentinel-encoded consistently: %q", c)
	}
}

func TestBothBackendsUseSameSentinel(t *testing.T) {
	key := "ssh-rsa AAAA test@host"
	m := microvmCmdline("172.16.0.1", "172.16.0.1", key, "")
	s := sysemuCmdline("172.16.0.1", "172.16.0.1", key, "")
	encoded := encodeSSHKey(key)
	if !contains(m, encoded) || !contains(s, encoded) {
		t.Errorf("backends disagree on ssh key encoding:\nmicrovm=%q\nsysemu=%q", m, s)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
