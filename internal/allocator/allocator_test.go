package allocator

import "testing"

func TestAllocateMonotonicCID(t *testing.T) {
	a := New()
	r1 := a.Allocate("aaaaaaaa")
	r2 := a.Allocate("bbbbbbbb")

	if r1.CID != cidBase || r2.CID != cidBase+1 {
		t.Fatalf("expected monotonic CIDs starting at %d, got %d, %d", cidBase, r1.CID, r2.CID)
	}
}

func TestAllocateIPWraps(t *testing.T) {
	a := New()
	var last Reservation
	for i := 0; i < (ipMax - ipBase + 1); i++ {
		last = a.Allocate("deadbeef")
	}
	if last.IP != "172.16.0.254" {
		t.Fatalf("expected last IP before wrap to be .254, got %s", last.IP)
	}

	wrapped := a.Allocate("deadbeef")
	if wrapped.IP != "172.16.0.100" {
		t.Fatalf("expected wrap to 172.16.0.100, got %s", wrapped.IP)
	}
}

func TestAllocateMACDerivedFromIP(t *testing.T) {
	a := New()
	r := a.Allocate("cafebabe")
	if r.MAC != "02:FC:00:00:00:64" { // 100 decimal = 0x64
		t.Fatalf("unexpected MAC %s for IP %s", r.MAC, r.IP)
	}
}

func TestAllocateTapName(t *testing.T) {
	a := New()
	r := a.Allocate("0123456789abcdef")
	if r.TapName != "tap-0123456789abcdef" {
		t.Fatalf("unexpected tap name %s", r.TapName)
	}
}

func TestReleaseMakesIPImmediatelyReusable(t *testing.T) {
	a := New()
	r1 := a.Allocate("11111111")
	a.Allocate("22222222")
	a.Release(r1)

	r3 := a.Allocate("33333333")
	if r3.IP != r1.IP {
		t.Fatalf("expected released IP %s to be reused immediately, got %s", r1.IP, r3.IP)
	}
}

func TestReleaseUnknownIPIsNoop(t *testing.T) {
	a := New()
	a.Release(Reservation{IP: "172.16.0.200"})
	r := a.Allocate("44444444")
	if r.IP != "172.16.0.100" {
		t.Fatalf("expected allocator state unaffected by release of unknown IP, got %s", r.IP)
	}
}
