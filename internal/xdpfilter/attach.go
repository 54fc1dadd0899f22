// Package xdpfilter implements the Packet Filter component (spec §4.1):
// attaching the XDP program to a NIC and maintaining the kernel-resident
// allow-lists that decide which frames are redirected to user space.
package xdpfilter

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"net/netip"
	"sync"

	cfg "github.com/xdpkit/transport/internal/config"
	"github.com/xdpkit/transport/internal/xdperr"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"gvisor.dev/gvisor/pkg/xdp"
)

//go:embed bpf/obj/xdp_filter.o
var filterObj []byte

// Filter owns the attached XDP program, its maps, and the AF_XDP control
// block (UMEM + rings) created for the bound socket.
type Filter struct {
	coll     *ebpf.Collection
	link     link.Link
	xsksMap  *ebpf.Map
	statsMap *ebpf.Map
	srcV4    *ebpf.Map
	srcV6    *ebpf.Map
	dstPorts *ebpf.Map

	cb      *xdp.ControlBlock
	srcMAC  [6]byte
	queueID uint32

	mu           sync.Mutex
	allowedV4    map[[4]byte]struct{}
	allowedV6    map[[16]byte]struct{}
	allowedPorts map[uint16]struct{}
}

// Attach loads the eBPF program, creates the AF_XDP socket for c.QueueID,
// inserts its fd into xsks_map, and attaches the program to c.InterfaceName
// — driver mode first, falling back to SKB (generic) mode (§4.1 "Attach
// policy"). Attach failure in both modes is fatal: the reactor cannot be
// constructed (§7 "Kernel-setup errors").
func Attach(c cfg.Config) (*Filter, error) {
	const op = "xdpfilter.Attach"

	ifi, err := net.InterfaceByName(c.InterfaceName)
	if err != nil {
		return nil, xdperr.New(xdperr.KindSetup, op, fmt.Errorf("interface %s: %w", c.InterfaceName, err))
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(filterObj))
	if err != nil {
		return nil, xdperr.New(xdperr.KindSetup, op, fmt.Errorf("load collection spec: %w", err))
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, xdperr.New(xdperr.KindSetup, op, fmt.Errorf("new collection: %w", err))
	}

	prog := coll.Programs["xdp_filter_prog"]
	if prog == nil {
		coll.Close()
		return nil, xdperr.New(xdperr.KindSetup, op, fmt.Errorf("xdp_filter_prog not found in object"))
	}

	opts := xdp.DefaultOpts()
	opts.NFrames = uint32(2 * c.FrameCount)
	opts.FrameSize = uint32(c.FrameSize)
	opts.NDescriptors = uint32(c.FrameCount)
	opts.Bind = true
	opts.UseNeedWakeup = true

	cb, err := xdp.New(uint32(ifi.Index), c.QueueID, opts)
	if err != nil {
		coll.Close()
		return nil, xdperr.New(xdperr.KindSetup, op, fmt.Errorf("create AF_XDP socket: %w", err))
	}

	xsksMap := coll.Maps["xsks_map"]
	if err := xsksMap.Update(c.QueueID, cb.UMEM.SockFD(), ebpf.UpdateAny); err != nil {
		coll.Close()
		return nil, xdperr.New(xdperr.KindSetup, op, fmt.Errorf("insert socket fd into xsks_map: %w", err))
	}

	l, err := attachProgram(prog, ifi.Index, c.XDPMode)
	if err != nil {
		coll.Close()
		return nil, xdperr.New(xdperr.KindSetup, op, err)
	}

	var srcMAC [6]byte
	if c.MAC != ([6]byte{}) {
		srcMAC = c.MAC
	} else if len(ifi.HardwareAddr) == 6 {
		copy(srcMAC[:], ifi.HardwareAddr)
	}

	return &Filter{
		coll:         coll,
		link:         l,
		xsksMap:      xsksMap,
		statsMap:     coll.Maps["stats_map"],
		srcV4:        coll.Maps["allowed_src_ips_v4"],
		srcV6:        coll.Maps["allowed_src_ips_v6"],
		dstPorts:     coll.Maps["allowed_dst_ports"],
		cb:           cb,
		srcMAC:       srcMAC,
		queueID:      c.QueueID,
		allowedV4:    make(map[[4]byte]struct{}),
		allowedV6:    make(map[[16]byte]struct{}),
		allowedPorts: make(map[uint16]struct{}),
	}, nil
}

// attachProgram tries driver mode first, then SKB mode, per the auto
// policy; an explicit mode skips straight to that mode.
func attachProgram(prog *ebpf.Program, ifindex int, mode cfg.XDPMode) (link.Link, error) {
	tryDriver := mode == cfg.ModeDriver || mode == cfg.ModeAuto
	tryGeneric := mode == cfg.ModeSKB || mode == cfg.ModeAuto

	var firstErr error
	if tryDriver {
		l, err := link.AttachXDP(link.XDPOptions{Program: prog, Interface: ifindex, Flags: link.XDPDriverMode})
		if err == nil {
			return l, nil
		}
		firstErr = err
		if mode == cfg.ModeDriver {
			return nil, fmt.Errorf("attach XDP (driver mode): %w", err)
		}
	}
	if tryGeneric {
		l, err := link.AttachXDP(link.XDPOptions{Program: prog, Interface: ifindex, Flags: link.XDPGenericMode})
		if err == nil {
			return l, nil
		}
		if firstErr != nil {
			return nil, fmt.Errorf("attach XDP (driver mode): %v; (generic mode): %w", firstErr, err)
		}
		return nil, fmt.Errorf("attach XDP (generic mode): %w", err)
	}
	return nil, firstErr
}

// ControlBlock exposes the AF_XDP UMEM + rings for internal/ring to wrap.
func (f *Filter) ControlBlock() *xdp.ControlBlock { return f.cb }

// SrcMAC is the interface's hardware address, used to stamp outbound
// Ethernet frames.
func (f *Filter) SrcMAC() [6]byte { return f.srcMAC }

// Close detaches the XDP program and releases the eBPF collection. It does
// not close the AF_XDP socket or release the UMEM and rings.
func (f *Filter) Close() error {
	var err error
	if f.link != nil {
		err = f.link.Close()
	}
	f.coll.Close()
	return err
}

func ipv4Key(ip netip.Addr) [4]byte { return ip.As4() }
func ipv6Key(ip netip.Addr) [16]byte { return ip.As16() }
