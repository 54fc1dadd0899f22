// Command xdptcpc dials a single TCP connection over AF_XDP, writes
// stdin to it, and copies whatever comes back to stdout, then exits — a
// one-shot client for exercising Dial against xdptcpd or any other peer.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/netip"
	"os"

	cfg "github.com/xdpkit/transport/internal/config"
	"github.com/xdpkit/transport/internal/reactor"
	"github.com/xdpkit/transport/internal/stream"

	"github.com/cilium/ebpf/rlimit"
)

func main() {
	iface := flag.String("iface", "eth0", "network interface to bind the AF_XDP socket to")
	queue := flag.Uint("queue", 0, "NIC queue id")
	cidr := flag.String("local-cidr", "", "local address/prefix, e.g. 10.0.0.3/24")
	gateway := flag.String("gateway", "", "default gateway address")
	remote := flag.String("remote", "", "remote address:port to connect to")
	flag.Parse()

	if err := rlimit.RemoveMemlock(); err != nil {
		log.Fatalf("remove memlock: %v", err)
	}

	localCIDR, err := netip.ParsePrefix(*cidr)
	if err != nil {
		log.Fatalf("invalid -local-cidr %q: %v", *cidr, err)
	}
	var gw netip.Addr
	if *gateway != "" {
		gw, err = netip.ParseAddr(*gateway)
		if err != nil {
			log.Fatalf("invalid -gateway %q: %v", *gateway, err)
		}
	}
	remoteAddr, err := netip.ParseAddrPort(*remote)
	if err != nil {
		log.Fatalf("invalid -remote %q: %v", *remote, err)
	}

	c := cfg.Config{
		InterfaceName: *iface,
		QueueID:       uint32(*queue),
		LocalCIDR:     localCIDR,
		Gateway:       gw,
	}.WithDefaults()

	r, err := reactor.Init(c)
	if err != nil {
		log.Fatalf("reactor init: %v", err)
	}
	defer r.Shutdown()

	ctx := context.Background()
	conn, err := stream.Dial(ctx, r, remoteAddr)
	if err != nil {
		log.Fatalf("dial %s: %v", remoteAddr, err)
	}
	defer conn.Close()

	go func() {
		io.Copy(conn, os.Stdin)
		conn.Shutdown()
	}()
	if _, err := io.Copy(os.Stdout, conn); err != nil && err != io.EOF {
		log.Printf("read: %v", err)
	}
}
