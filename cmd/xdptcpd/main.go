// Command xdptcpd runs a minimal echo server directly over AF_XDP: every
// byte a client sends on the configured port is written back unchanged.
// It exists to exercise the full stack end to end, the same role the
// donor's cmd/server/main.go entrypoint played for its reverse shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/xdpkit/transport/internal/config"
	"github.com/xdpkit/transport/internal/reactor"
	"github.com/xdpkit/transport/internal/stream"
	"github.com/xdpkit/transport/internal/xstats"

	"github.com/cilium/ebpf/rlimit"
)

func main() {
	iface := flag.String("iface", "eth0", "network interface to bind the AF_XDP socket to")
	queue := flag.Uint("queue", 0, "NIC queue id")
	cidr := flag.String("local-cidr", "", "local address/prefix, e.g. 10.0.0.2/24")
	gateway := flag.String("gateway", "", "default gateway address")
	port := flag.Uint("port", 7000, "TCP port to accept connections on")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go xstats.Run(ctx, r, os.Stdout, 10*time.Second)

	ln, err := stream.Listen(r, netip.AddrPortFrom(localCIDR.Addr(), uint16(*port)))
	if err != nil {
		log.Fatalf("listen :%d: %v", *port, err)
	}
	defer ln.Close()

	log.Printf("xdptcpd listening on %s via %s", ln.LocalAddr(), *iface)

	for {
		conn, remote, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("accept: %v", err)
			continue
		}
		log.Printf("accepted connection from %s", remote)
		go echo(conn)
	}
}

func echo(s *stream.TcpStream) {
	defer s.Close()
	if _, err := io.Copy(s, s); err != nil && err != io.EOF {
		fmt.Fprintf(os.Stderr, "echo %s: %v\n", s.RemoteAddr(), err)
	}
}
