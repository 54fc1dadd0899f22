// Package stream implements the Async Handles (spec §4.5): TcpStream and
// TcpListener, the user-facing API layered over the reactor and protocol
// engine. Waiting for socket readiness is expressed with Go channels
// rather than a manual waker-registration scheme (§9 Open Question: Go's
// goroutine/channel model is the idiomatic equivalent of the two waker
// slots per socket the original used).
package stream

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/xdpkit/transport/internal/engine"
	"github.com/xdpkit/transport/internal/reactor"
	"github.com/xdpkit/transport/internal/xdperr"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
)

// TcpStream is one established connection, either dialed out or accepted
// from a TcpListener.
type TcpStream struct {
	conn *gonet.TCPConn
}

// Dial opens an outbound connection to remote through r's protocol
// engine. It blocks until the handshake completes, ctx is done, or the
// attempt is refused (§7 "connection-refused").
func Dial(ctx context.Context, r *reactor.Reactor, remote netip.AddrPort) (*TcpStream, error) {
	const op = "stream.Dial"

	if err := r.Filter().AllowSrcIP(remote.Addr()); err != nil {
		return nil, xdperr.New(xdperr.KindSetup, op, fmt.Errorf("allow src ip %s: %w", remote.Addr(), err))
	}

	proto, addr := fullAddr(remote)
	conn, err := gonet.DialContextTCP(ctx, r.Engine().Stack, addr, proto)
	if err != nil {
		return nil, xdperr.New(xdperr.KindProtocol, op, fmt.Errorf("dial %s: %w", remote, err))
	}
	return &TcpStream{conn: conn}, nil
}

// Read implements io.Reader.
func (s *TcpStream) Read(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if err != nil {
		return n, wrapIOErr("stream.Read", err)
	}
	return n, nil
}

// Write implements io.Writer. It stages data with the engine; actual
// transmission is batched by the reactor's next Flush (§4.2).
func (s *TcpStream) Write(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	if err != nil {
		return n, wrapIOErr("stream.Write", err)
	}
	return n, nil
}

// Flush is a no-op hook for callers that want an explicit flush point in
// their own code; the reactor already flushes every pass on its own.
func (s *TcpStream) Flush() error { return nil }

// Shutdown half-closes the write side, signaling EOF to the peer without
// releasing local resources (§4.5 "graceful half-close").
func (s *TcpStream) Shutdown() error {
	if err := s.conn.CloseWrite(); err != nil {
		return wrapIOErr("stream.Shutdown", err)
	}
	return nil
}

// Close releases the connection's endpoint.
func (s *TcpStream) Close() error {
	return s.conn.Close()
}

// LocalAddr is the local endpoint address.
func (s *TcpStream) LocalAddr() netip.AddrPort {
	return addrPortFromNet(s.conn.LocalAddr())
}

// RemoteAddr is the peer's endpoint address.
func (s *TcpStream) RemoteAddr() netip.AddrPort {
	return addrPortFromNet(s.conn.RemoteAddr())
}

// TcpListener accepts inbound connections on one registered port.
type TcpListener struct {
	local  netip.AddrPort
	accept <-chan *engine.AcceptedConn
	cancel func()
}

// Listen registers local.Port with the reactor's engine and returns a
// listener for it. Only one listener may be active per port at a time
// (§4.3).
func Listen(r *reactor.Reactor, local netip.AddrPort) (*TcpListener, error) {
	const op = "stream.Listen"
	if err := r.Filter().AllowDstPort(local.Port()); err != nil {
		return nil, xdperr.New(xdperr.KindSetup, op, fmt.Errorf("allow dst port %d: %w", local.Port(), err))
	}
	ch, cancel, err := r.Engine().RegisterListener(local.Port())
	if err != nil {
		return nil, xdperr.New(xdperr.KindConfig, op, err)
	}
	return &TcpListener{local: local, accept: ch, cancel: cancel}, nil
}

// Accept blocks until a connection arrives or ctx is done. Closing the
// listener does not wake an Accept that is already blocked.
func (l *TcpListener) Accept(ctx context.Context) (*TcpStream, netip.AddrPort, error) {
	const op = "stream.Accept"
	select {
	case conn, ok := <-l.accept:
		if !ok {
			return nil, netip.AddrPort{}, xdperr.New(xdperr.KindIO, op, fmt.Errorf("listener closed"))
		}
		gc := conn.Conn()
		return &TcpStream{conn: gc}, conn.Remote(), nil
	case <-ctx.Done():
		return nil, netip.AddrPort{}, ctx.Err()
	}
}

// Close unregisters the listener's port, so no new connections are
// queued. Connections already queued stay in the channel and Accept still
// returns them.
func (l *TcpListener) Close() error {
	l.cancel()
	return nil
}

// LocalAddr is the address this listener was bound to.
func (l *TcpListener) LocalAddr() netip.AddrPort { return l.local }

func fullAddr(ap netip.AddrPort) (tcpip.NetworkProtocolNumber, tcpip.FullAddress) {
	addr := ap.Addr()
	proto := ipv4.ProtocolNumber
	if addr.Is6() && !addr.Is4In6() {
		proto = ipv6.ProtocolNumber
	}
	return proto, tcpip.FullAddress{
		Addr: tcpip.AddrFromSlice(addr.AsSlice()),
		Port: ap.Port(),
	}
}

func addrPortFromNet(a net.Addr) netip.AddrPort {
	addr, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return addr
}
