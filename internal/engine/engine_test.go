package engine

import (
	"bytes"
	"context"
	"io"
	"net/netip"
	"testing"
	"time"

	cfg "github.com/xdpkit/transport/internal/config"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
)

// newTestEngine builds an Engine bound to addr without any real NIC or
// AF_XDP socket, mirroring the dual-stack loopback approach used to
// exercise the protocol engine in isolation.
func newTestEngine(t *testing.T, addr string) *Engine {
	t.Helper()
	prefix := netip.MustParsePrefix(addr)
	e, err := New(cfg.Config{
		InterfaceName: "test0",
		LocalCIDR:     prefix,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

// bridge wires two engines' virtual NICs together directly, without a
// ring.Device: every outbound L3 packet from one side is wrapped in a
// synthetic Ethernet header and injected into the other, the same
// Ethernet framing InjectInbound expects from the real Rx path.
func bridge(ctx context.Context, a, b *Engine) {
	go pump(ctx, a, b, [6]byte{0x02, 0, 0, 0, 0, 1}, [6]byte{0x02, 0, 0, 0, 0, 2})
	go pump(ctx, b, a, [6]byte{0x02, 0, 0, 0, 0, 2}, [6]byte{0x02, 0, 0, 0, 0, 1})
}

func pump(ctx context.Context, from, to *Engine, srcMAC, dstMAC [6]byte) {
	for {
		pkt := from.LinkEP.ReadContext(ctx)
		if pkt == nil {
			return
		}
		l3 := pkt.ToView().AsSlice()
		etherType := etherTypeIPv4
		if pkt.NetworkProtocolNumber != ipv4.ProtocolNumber {
			etherType = etherTypeIPv6
		}
		frame := make([]byte, cfg.EthHeaderSize+len(l3))
		copy(frame[0:6], dstMAC[:])
		copy(frame[6:12], srcMAC[:])
		copy(frame[12:14], etherType[:])
		copy(frame[cfg.EthHeaderSize:], l3)
		pkt.DecRef()
		to.InjectInbound(frame)
	}
}

func TestLoopbackConnectAndOneByteExchange(t *testing.T) {
	server := newTestEngine(t, "10.0.0.1/24")
	client := newTestEngine(t, "10.0.0.2/24")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge(ctx, server, client)

	accepted, cancelListen, err := server.RegisterListener(9000)
	if err != nil {
		t.Fatalf("RegisterListener: %v", err)
	}
	defer cancelListen()

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()

	remote := tcpip.FullAddress{
		Addr: tcpip.AddrFromSlice(netip.MustParseAddr("10.0.0.1").AsSlice()),
		Port: 9000,
	}
	clientConnCh := make(chan *gonet.TCPConn, 1)
	clientErrCh := make(chan error, 1)
	go func() {
		conn, err := gonet.DialContextTCP(dialCtx, client.Stack, remote, ipv4.ProtocolNumber)
		if err != nil {
			clientErrCh <- err
			return
		}
		clientConnCh <- conn
	}()

	var serverConn *gonet.TCPConn
	select {
	case acc := <-accepted:
		serverConn = acc.Conn()
	case err := <-clientErrCh:
		t.Fatalf("dial failed before accept: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for accept")
	}
	defer serverConn.Close()

	var clientConn *gonet.TCPConn
	select {
	case clientConn = <-clientConnCh:
	case err := <-clientErrCh:
		t.Fatalf("dial: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for dial to complete")
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte{0x42}); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 1)
	if err := serverConn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, err := io.ReadFull(serverConn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 0x42 {
		t.Fatalf("got %x, want 0x42", buf[0])
	}
}

func TestGracefulHalfClose(t *testing.T) {
	server := newTestEngine(t, "10.0.1.1/24")
	client := newTestEngine(t, "10.0.1.2/24")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge(ctx, server, client)

	accepted, cancelListen, err := server.RegisterListener(9001)
	if err != nil {
		t.Fatalf("RegisterListener: %v", err)
	}
	defer cancelListen()

	remote := tcpip.FullAddress{
		Addr: tcpip.AddrFromSlice(netip.MustParseAddr("10.0.1.1").AsSlice()),
		Port: 9001,
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()

	clientConnCh := make(chan *gonet.TCPConn, 1)
	go func() {
		conn, err := gonet.DialContextTCP(dialCtx, client.Stack, remote, ipv4.ProtocolNumber)
		if err == nil {
			clientConnCh <- conn
		}
	}()

	acc := <-accepted
	serverConn := acc.Conn()
	defer serverConn.Close()
	clientConn := <-clientConnCh
	defer clientConn.Close()

	if err := clientConn.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	if err := serverConn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	n, err := serverConn.Read(make([]byte, 16))
	if n != 0 || err != io.EOF {
		t.Fatalf("expected (0, io.EOF) after half-close, got (%d, %v)", n, err)
	}
}

func TestBulkTransferSurvivesBackpressure(t *testing.T) {
	server := newTestEngine(t, "10.0.2.1/24")
	client := newTestEngine(t, "10.0.2.2/24")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge(ctx, server, client)

	accepted, cancelListen, err := server.RegisterListener(9002)
	if err != nil {
		t.Fatalf("RegisterListener: %v", err)
	}
	defer cancelListen()

	remote := tcpip.FullAddress{
		Addr: tcpip.AddrFromSlice(netip.MustParseAddr("10.0.2.1").AsSlice()),
		Port: 9002,
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()

	clientConnCh := make(chan *gonet.TCPConn, 1)
	go func() {
		conn, err := gonet.DialContextTCP(dialCtx, client.Stack, remote, ipv4.ProtocolNumber)
		if err == nil {
			clientConnCh <- conn
		}
	}()

	acc := <-accepted
	serverConn := acc.Conn()
	defer serverConn.Close()
	clientConn := <-clientConnCh
	defer clientConn.Close()

	const size = 1 << 20 // larger than any socket buffer, forces backpressure
	payload := bytes.Repeat([]byte("abcdefgh"), size/8)

	done := make(chan error, 1)
	go func() {
		_, err := clientConn.Write(payload)
		clientConn.CloseWrite()
		done <- err
	}()

	if err := serverConn.SetReadDeadline(time.Now().Add(20 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	got, err := io.ReadAll(serverConn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}
