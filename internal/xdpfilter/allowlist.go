package xdpfilter

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/xdpkit/transport/internal/xdperr"
	"github.com/cilium/ebpf"
)

// marker is the value stored for every allow-list key; its content is
// irrelevant, only presence is checked.
var marker = [1]byte{1}

// AllowSrcIP adds addr to the kernel-resident source-IP allow-list
// (§4.1 "allow_src_ip"). The operation is additive and idempotent: adding
// the same address twice is a no-op and never touches the kernel map a
// second time (§8 "Idempotence").
func (f *Filter) AllowSrcIP(addr netip.Addr) error {
	const op = "xdpfilter.AllowSrcIP"
	addr = addr.Unmap()

	f.mu.Lock()
	defer f.mu.Unlock()

	if addr.Is4() {
		key := ipv4Key(addr)
		if _, ok := f.allowedV4[key]; ok {
			return nil
		}
		if err := f.srcV4.Update(key[:], marker[:], ebpf.UpdateAny); err != nil {
			return xdperr.New(xdperr.KindSetup, op, fmt.Errorf("update allowed_src_ips_v4: %w", err))
		}
		f.allowedV4[key] = struct{}{}
		return nil
	}

	key := ipv6Key(addr)
	if _, ok := f.allowedV6[key]; ok {
		return nil
	}
	if err := f.srcV6.Update(key[:], marker[:], ebpf.UpdateAny); err != nil {
		return xdperr.New(xdperr.KindSetup, op, fmt.Errorf("update allowed_src_ips_v6: %w", err))
	}
	f.allowedV6[key] = struct{}{}
	return nil
}

// AllowDstPort adds port to the kernel-resident destination-port allow-list
// (§4.1 "allow_dst_port"), additive and idempotent like AllowSrcIP.
func (f *Filter) AllowDstPort(port uint16) error {
	const op = "xdpfilter.AllowDstPort"

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.allowedPorts[port]; ok {
		return nil
	}

	var key [2]byte
	binary.BigEndian.PutUint16(key[:], port)
	if err := f.dstPorts.Update(key[:], marker[:], ebpf.UpdateAny); err != nil {
		return xdperr.New(xdperr.KindSetup, op, fmt.Errorf("update allowed_dst_ports: %w", err))
	}
	f.allowedPorts[port] = struct{}{}
	return nil
}

// AllowedCounts reports how many distinct entries have been added to each
// allow-list, for internal/xstats.
func (f *Filter) AllowedCounts() (v4, v6, ports int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.allowedV4), len(f.allowedV6), len(f.allowedPorts)
}
