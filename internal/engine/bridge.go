package engine

import (
	"context"

	cfg "github.com/xdpkit/transport/internal/config"
	"github.com/xdpkit/transport/internal/ring"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

var (
	etherTypeIPv4 = [2]byte{0x08, 0x00}
	etherTypeIPv6 = [2]byte{0x86, 0xDD}
)

// InjectInbound strips the Ethernet header off a raw frame read from the
// Rx ring and hands the L3 payload to the stack, branching on EtherType
// instead of assuming IPv4 like the donor bridge did.
func (e *Engine) InjectInbound(frame []byte) {
	if len(frame) < cfg.EthHeaderSize+cfg.IPHeaderMinSize {
		return
	}

	var etherType [2]byte
	copy(etherType[:], frame[12:14])
	l3 := frame[cfg.EthHeaderSize:]

	var proto tcpip.NetworkProtocolNumber
	switch etherType {
	case etherTypeIPv4:
		proto = ipv4.ProtocolNumber
	case etherTypeIPv6:
		proto = ipv6.ProtocolNumber
	default:
		return
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), l3...)),
	})
	e.LinkEP.InjectInbound(proto, pkt)
	pkt.DecRef()
}

// DrainOutbound blocks on the stack's outbound queue and stages every
// packet it produces onto dev's Tx ring, stamping a minimal Ethernet
// header (§4.3 "the bridge owns framing; the stack only ever sees L3").
// dstMAC is resolved fresh for every frame, since the peer's MAC may only
// become known partway through the run. It returns once ctx is done.
func (e *Engine) DrainOutbound(ctx context.Context, dev *ring.Device, srcMAC [6]byte, dstMAC func() [6]byte) int {
	n := 0
	for {
		pkt := e.LinkEP.ReadContext(ctx)
		if pkt == nil {
			return n
		}
		data := pkt.ToView().AsSlice()
		e.sendFrame(dev, srcMAC, dstMAC(), data, pkt.NetworkProtocolNumber)
		pkt.DecRef()
		n++
	}
}

func (e *Engine) sendFrame(dev *ring.Device, srcMAC, dstMAC [6]byte, l3 []byte, proto tcpip.NetworkProtocolNumber) {
	tok, ok := dev.GetFrameToWrite()
	if !ok {
		return
	}

	etherType := etherTypeIPv4
	if proto == ipv6.ProtocolNumber {
		etherType = etherTypeIPv6
	}

	total := cfg.EthHeaderSize + len(l3)
	tok.Consume(total, func(buf []byte) {
		copy(buf[0:6], dstMAC[:])
		copy(buf[6:12], srcMAC[:])
		copy(buf[12:14], etherType[:])
		copy(buf[cfg.EthHeaderSize:], l3)
	})
}
