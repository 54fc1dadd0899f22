// Package engine implements the Protocol Engine (spec §4.3): a
// general-purpose TCP/IP stack fed by raw Ethernet frames, and the
// listener-registry that turns inbound SYNs into accepted connections.
package engine

import (
	"fmt"
	"net/netip"
	"sync"

	cfg "github.com/xdpkit/transport/internal/config"
	"github.com/xdpkit/transport/internal/xdperr"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const nicID tcpip.NICID = 1

// AcceptedConn is one connection handed off by the forwarder to a
// registered listener; internal/stream wraps it in a TcpStream.
type AcceptedConn struct {
	ep     tcpip.Endpoint
	wq     *waiter.Queue
	remote netip.AddrPort
}

// Conn wraps the accepted endpoint as a gonet.TCPConn, the same adapter
// Dial uses, so TcpStream has one underlying type regardless of how the
// connection was established.
func (c *AcceptedConn) Conn() *gonet.TCPConn {
	return gonet.NewTCPConn(c.wq, c.ep)
}

// Remote is the connecting peer's address.
func (c *AcceptedConn) Remote() netip.AddrPort { return c.remote }

// Engine owns the gVisor stack and the single NIC fed by the AF_XDP ring
// (via Inject/Drain in bridge.go). Unlike the donor's single hardcoded
// reverse-shell port, it dispatches inbound SYNs to whichever port has a
// registered listener.
type Engine struct {
	Stack  *stack.Stack
	LinkEP *channel.Endpoint

	mu        sync.Mutex
	listeners map[uint16]chan *AcceptedConn
}

// New builds the stack, NIC, and addressing described by c, and installs
// the process-wide TCP forwarder. IPv6 support is additive over the
// donor's IPv4-only netstack.
func New(c cfg.Config) (*Engine, error) {
	const op = "engine.New"
	c = c.WithDefaults()

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	linkEP := channel.New(4096, uint32(c.FrameSize-cfg.EthHeaderSize), "")
	if err := s.CreateNIC(nicID, linkEP); err != nil {
		return nil, xdperr.New(xdperr.KindSetup, op, fmt.Errorf("create NIC: %s", err))
	}

	if !c.LocalCIDR.IsValid() {
		return nil, xdperr.New(xdperr.KindConfig, op, fmt.Errorf("local CIDR not set"))
	}
	localAddr := c.LocalCIDR.Addr()

	var proto tcpip.NetworkProtocolNumber
	if localAddr.Is4() {
		proto = ipv4.ProtocolNumber
	} else {
		proto = ipv6.ProtocolNumber
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol: proto,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFromSlice(localAddr.AsSlice()),
			PrefixLen: c.LocalCIDR.Bits(),
		},
	}
	if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, xdperr.New(xdperr.KindSetup, op, fmt.Errorf("add protocol address: %s", err))
	}

	var routes []tcpip.Route
	if c.Gateway.IsValid() {
		if localAddr.Is4() {
			routes = append(routes, tcpip.Route{
				Destination: header.IPv4EmptySubnet,
				Gateway:     tcpip.AddrFromSlice(c.Gateway.AsSlice()),
				NIC:         nicID,
			})
		} else {
			routes = append(routes, tcpip.Route{
				Destination: header.IPv6EmptySubnet,
				Gateway:     tcpip.AddrFromSlice(c.Gateway.AsSlice()),
				NIC:         nicID,
			})
		}
	} else {
		routes = append(routes,
			tcpip.Route{Destination: header.IPv4EmptySubnet, NIC: nicID},
			tcpip.Route{Destination: header.IPv6EmptySubnet, NIC: nicID},
		)
	}
	s.SetRouteTable(routes)

	e := &Engine{
		Stack:     s,
		LinkEP:    linkEP,
		listeners: make(map[uint16]chan *AcceptedConn),
	}

	fwd := tcp.NewForwarder(s, 0, c.ListenBacklog, e.forward)
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)

	return e, nil
}

// forward is the single process-wide tcp.Forwarder callback: every inbound
// SYN lands here and is dispatched by destination port (§4.3 "one
// tcp.Forwarder dispatches every inbound SYN to the channel registered for
// its destination port, or refuses it if none is registered").
func (e *Engine) forward(r *tcp.ForwarderRequest) {
	port := r.ID().LocalPort

	e.mu.Lock()
	ch, ok := e.listeners[port]
	e.mu.Unlock()
	if !ok {
		r.Complete(true)
		return
	}

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		r.Complete(true)
		return
	}
	r.Complete(false)

	remote := endpointRemote(ep)
	conn := &AcceptedConn{ep: ep, wq: &wq, remote: remote}

	select {
	case ch <- conn:
	default:
		// Backlog full: the registered listener isn't draining fast enough.
		ep.Close()
	}
}

// RegisterListener opens port for inbound connections: every SYN that
// matches it is handed to the returned channel as an *AcceptedConn. Cancel
// unregisters the port; any in-flight connection already queued is still
// delivered but no new SYN on that port is accepted afterward (§4.3
// "Listening sockets accept into their own handle").
func (e *Engine) RegisterListener(port uint16) (<-chan *AcceptedConn, func(), error) {
	const op = "engine.RegisterListener"

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[port]; ok {
		return nil, nil, xdperr.New(xdperr.KindProtocol, op, fmt.Errorf("port %d already has a listener", port))
	}
	ch := make(chan *AcceptedConn, e.backlogFor(port))
	e.listeners[port] = ch

	cancel := func() {
		e.mu.Lock()
		delete(e.listeners, port)
		e.mu.Unlock()
	}
	return ch, cancel, nil
}

func (e *Engine) backlogFor(uint16) int { return cfg.DefaultListenBacklog }

// Close tears down the NIC and releases the stack.
func (e *Engine) Close() {
	e.LinkEP.Close()
	e.Stack.Close()
}

func endpointRemote(ep tcpip.Endpoint) netip.AddrPort {
	addr, err := ep.GetRemoteAddress()
	if err != nil {
		return netip.AddrPort{}
	}
	ip, ok := netip.AddrFromSlice(addr.Addr.AsSlice())
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ip.Unmap(), addr.Port)
}
