// Package allocator hands out the per-VM resources a Hypervisor Driver
// needs before it can launch a guest: a vsock CID, a /24-scoped IPv4
// address, a derived MAC address, and a TAP device name.
package allocator

import (
	"fmt"
	"sync"
)

const (
	cidBase      = 100
	ipBase       = 100
	ipMax        = 254
	ipOctetReset = 100
)

// Reservation is the set of resources handed to a Driver's launch
// operation. CID and the IP octet come from the allocator's counters (the
// octet possibly from its free-list); MAC is derived from the IP octet and
// TapName from the task ID prefix passed to Allocate.
type Reservation struct {
	CID     uint32
	IP      string // "172.16.0.<octet>"
	MAC     string // "02:FC:00:00:00:<octet-hex>"
	TapName string // "tap-<first 8 hex chars of task id>"
}

// Allocator is safe for concurrent use. CIDs are monotonic for the
// lifetime of the process — they are never reused, matching the spec's
// vsock addressing contract. IP octets are drawn from a free-list on top
// of a monotonic counter: a released IP becomes immediately available to
// the next allocation instead of waiting for the counter to wrap.
type Allocator struct {
	mu       sync.Mutex
	nextCID  uint32
	nextIP   uint32 // next octet to hand out if the free-list is empty
	freeIPs  []uint32
	inUse    map[uint32]bool
}

// New returns an Allocator with CIDs starting at cidBase and IPs starting
// at 172.16.0.100.
func New() *Allocator {
	return &Allocator{
		nextCID: cidBase,
		nextIP:  ipBase,
		inUse:   make(map[uint32]bool),
	}
}

// Allocate reserves a CID, IP, MAC, and TAP name for a new VM. taskID8 is
// the first 8 hex characters of the owning task's ID, used to derive a
// stable, human-greppable TAP device name.
func (a *Allocator) Allocate(taskID8 string) Reservation {
	a.mu.Lock()
	defer a.mu.Unlock()

	cid := a.nextCID
	a.nextCID++

	octet := a.takeIPOctetLocked()
	a.inUse[octet] = true

	ip := fmt.Sprintf("172.16.0.%d", octet)
	return Reservation{
		CID:     cid,
		IP:      ip,
		MAC:     generateMAC(octet),
		TapName: "tap-" + taskID8,
	}
}

// takeIPOctetLocked must be called with a.mu held.
func (a *Allocator) takeIPOctetLocked() uint32 {
	if n := len(a.freeIPs); n > 0 {
		octet := a.freeIPs[n-1]
		a.freeIPs = a.freeIPs[:n-1]
		return octet
	}

	octet := a.nextIP
	a.nextIP++
	if a.nextIP > ipMax {
		a.nextIP = ipOctetReset
	}
	return octet
}

// Release returns a previously allocated IP octet to the free-list so it
// can be reused by a subsequent Allocate call without waiting for the
// counter to wrap. The CID is never released — vsock addressing is
// monotonic for the process lifetime.
func (a *Allocator) Release(r Reservation) {
	var octet uint32
	if _, err := fmt.Sscanf(r.IP, "172.16.0.%d", &octet); err != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.inUse[octet] {
		return
	}
	delete(a.inUse, octet)
	a.freeIPs = append(a.freeIPs, octet)
}

// generateMAC derives a MAC address from the last IP octet, matching
// the 02:FC:00:00:00:XX locally-administered scheme.
func generateMAC(octet uint32) string {
	return fmt.Sprintf("02:FC:00:00:00:%02X", octet)
}
