// Package reactor implements the Reactor (spec §4.4/§6): the single
// background loop that drains the AF_XDP rings, feeds the protocol
// engine, and parks on the socket fd between batches of work.
package reactor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	cfg "github.com/xdpkit/transport/internal/config"
	"github.com/xdpkit/transport/internal/engine"
	"github.com/xdpkit/transport/internal/ring"
	"github.com/xdpkit/transport/internal/xdperr"
	"github.com/xdpkit/transport/internal/xdpfilter"
	"golang.org/x/sys/unix"
)

// ReactorGuard serializes Init/Shutdown against each other and enforces
// the single-reactor-per-process rule (§6 "one reactor owns one NIC
// queue"); a second Init before Shutdown is a setup error, not a second
// independent reactor.
var ReactorGuard sync.Mutex

var active *Reactor

// Reactor owns one queue's worth of AF_XDP rings, the filter attached to
// it, and the protocol engine it feeds.
type Reactor struct {
	dev    *ring.Device
	filter *xdpfilter.Filter
	engine *engine.Engine

	localMAC [6]byte

	macMu         sync.RWMutex
	remoteMAC     [6]byte
	haveRemoteMAC bool

	livenessTimeout time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// Init attaches the filter, builds the ring device and protocol engine
// for c, and starts the background loop. Only one Reactor may be active
// per process.
func Init(c cfg.Config) (*Reactor, error) {
	const op = "reactor.Init"
	ReactorGuard.Lock()
	defer ReactorGuard.Unlock()

	if active != nil {
		return nil, xdperr.New(xdperr.KindSetup, op, fmt.Errorf("a reactor is already running"))
	}
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, xdperr.New(xdperr.KindConfig, op, err)
	}

	f, err := xdpfilter.Attach(c)
	if err != nil {
		return nil, err
	}
	dev := ring.New(f.ControlBlock(), c)
	eng, err := engine.New(c)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Reactor{
		dev:             dev,
		filter:          f,
		engine:          eng,
		localMAC:        f.SrcMAC(),
		livenessTimeout: time.Duration(cfg.DefaultLivenessTimeoutMS) * time.Millisecond,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	active = r
	go r.run()
	return r, nil
}

// Engine exposes the protocol engine for internal/stream.
func (r *Reactor) Engine() *engine.Engine { return r.engine }

// Device exposes the ring device, mainly for internal/xstats.
func (r *Reactor) Device() *ring.Device { return r.dev }

// Filter exposes the attached packet filter, mainly for internal/xstats
// and allow-list management.
func (r *Reactor) Filter() *xdpfilter.Filter { return r.filter }

// Shutdown stops the background loop, closes the protocol engine, and
// detaches the eBPF program. The AF_XDP socket and UMEM are not closed.
// It blocks until the loop has exited.
func (r *Reactor) Shutdown() {
	close(r.stopCh)
	<-r.doneCh

	ReactorGuard.Lock()
	if active == r {
		active = nil
	}
	ReactorGuard.Unlock()

	r.engine.Close()
	r.filter.Close()
}

// run is the reactor's background loop (§4.4): drain the Rx ring into the
// engine, flush the Tx ring a separate goroutine staged frames onto, and
// park on the socket fd when a full pass found no work. It pins the OS
// thread since epoll/poll and XDP sockets are both thread-affine enough
// to make migration a needless cost (§5).
func (r *Reactor) run() {
	defer close(r.doneCh)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	outboundCtx, cancelOutbound := context.WithCancel(context.Background())
	defer cancelOutbound()
	go r.drainOutboundForever(outboundCtx)

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		workDone := r.drainInbound()
		if err := r.dev.Flush(); err != nil {
			_ = err // transient I/O error; next pass retries (§7)
		}

		if !workDone {
			r.parkOnFd()
		}
	}
}

// drainOutboundForever blocks on the engine's outbound queue and stages
// every packet it produces onto the Tx ring, the same split the donor
// used (a dedicated goroutine for outbound, since ReadContext blocks)
// rather than polling the queue from the main loop.
func (r *Reactor) drainOutboundForever(ctx context.Context) {
	r.engine.DrainOutbound(ctx, r.dev, r.localMAC, r.peerMAC)
}

// drainInbound pulls every currently-available Rx frame, learns the peer
// MAC from the first one seen (there is no ARP/NDP resolution on this
// path), and injects each into the engine.
func (r *Reactor) drainInbound() bool {
	n := 0
	for {
		tok, ok := r.dev.GetFrameToRead()
		if !ok {
			break
		}
		tok.Consume(func(payload []byte) {
			r.macMu.RLock()
			known := r.haveRemoteMAC
			r.macMu.RUnlock()
			if !known && len(payload) >= 12 {
				r.macMu.Lock()
				copy(r.remoteMAC[:], payload[6:12])
				r.haveRemoteMAC = true
				r.macMu.Unlock()
			}
			r.engine.InjectInbound(payload)
		})
		n++
	}
	return n > 0
}

func (r *Reactor) peerMAC() [6]byte {
	r.macMu.RLock()
	defer r.macMu.RUnlock()
	if r.haveRemoteMAC {
		return r.remoteMAC
	}
	return [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// parkOnFd blocks on the AF_XDP socket fd until it's readable or the
// liveness timeout elapses, so an idle reactor doesn't spin (§4.4).
func (r *Reactor) parkOnFd() {
	fds := []unix.PollFd{{Fd: int32(r.dev.Fd()), Events: unix.POLLIN}}
	_, _ = unix.Poll(fds, int(r.livenessTimeout.Milliseconds()))
}
