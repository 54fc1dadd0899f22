package xdpfilter

import (
	"net/netip"
	"testing"

	"github.com/cilium/ebpf"
)

// newTestFilter builds a Filter around real (but freestanding, unattached)
// eBPF maps, skipping the test when the environment can't create maps
// (no CAP_BPF / not running as root), the same guard cilium/ebpf's own
// test suite uses for privileged behavior.
func newTestFilter(t *testing.T) *Filter {
	t.Helper()

	srcV4, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "test_allowed_src_v4",
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  1,
		MaxEntries: 16,
	})
	if err != nil {
		t.Skipf("cannot create eBPF map (need CAP_BPF): %v", err)
	}
	t.Cleanup(func() { srcV4.Close() })

	dstPorts, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "test_allowed_dst_ports",
		Type:       ebpf.Hash,
		KeySize:    2,
		ValueSize:  1,
		MaxEntries: 16,
	})
	if err != nil {
		t.Skipf("cannot create eBPF map (need CAP_BPF): %v", err)
	}
	t.Cleanup(func() { dstPorts.Close() })

	return &Filter{
		srcV4:        srcV4,
		dstPorts:     dstPorts,
		allowedV4:    make(map[[4]byte]struct{}),
		allowedV6:    make(map[[16]byte]struct{}),
		allowedPorts: make(map[uint16]struct{}),
	}
}

func mapCount(t *testing.T, m *ebpf.Map) int {
	t.Helper()
	n := 0
	var key, value []byte
	it := m.Iterate()
	for it.Next(&key, &value) {
		n++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return n
}

func TestAllowSrcIPIsIdempotent(t *testing.T) {
	f := newTestFilter(t)
	addr := netip.MustParseAddr("192.0.2.10")

	for i := 0; i < 3; i++ {
		if err := f.AllowSrcIP(addr); err != nil {
			t.Fatalf("AllowSrcIP iteration %d: %v", i, err)
		}
	}

	if n := mapCount(t, f.srcV4); n != 1 {
		t.Fatalf("expected exactly one kernel entry after repeated adds, got %d", n)
	}
	v4, _, _ := f.AllowedCounts()
	if v4 != 1 {
		t.Fatalf("expected local allow-list size 1, got %d", v4)
	}
}

func TestAllowDstPortIsIdempotent(t *testing.T) {
	f := newTestFilter(t)

	for i := 0; i < 5; i++ {
		if err := f.AllowDstPort(7000); err != nil {
			t.Fatalf("AllowDstPort iteration %d: %v", i, err)
		}
	}

	if n := mapCount(t, f.dstPorts); n != 1 {
		t.Fatalf("expected exactly one kernel entry after repeated adds, got %d", n)
	}
	_, _, ports := f.AllowedCounts()
	if ports != 1 {
		t.Fatalf("expected local allow-list size 1, got %d", ports)
	}
}

func TestAllowSrcIPDistinctAddressesAccumulate(t *testing.T) {
	f := newTestFilter(t)

	addrs := []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"}
	for _, a := range addrs {
		if err := f.AllowSrcIP(netip.MustParseAddr(a)); err != nil {
			t.Fatalf("AllowSrcIP %s: %v", a, err)
		}
	}

	if n := mapCount(t, f.srcV4); n != len(addrs) {
		t.Fatalf("expected %d kernel entries, got %d", len(addrs), n)
	}
}
