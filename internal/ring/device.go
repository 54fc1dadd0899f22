package ring

import (
	"sync"

	cfg "github.com/xdpkit/transport/internal/config"
	"github.com/xdpkit/transport/internal/xdperr"
	"golang.org/x/sys/unix"
)

// umem abstracts the shared-memory frame pool. In production this is
// backed by gvisor.dev/gvisor/pkg/xdp's UMEM; in tests it is an in-memory
// fake, so the region bookkeeping in this package can be exercised without
// a real NIC or root.
type umem interface {
	Lock()
	Unlock()
	Get(d unix.XDPDesc) []byte
	AllocFrame() uint64
	FreeFrame(addr uint64)
	SockFD() int
}

type fillQueue interface {
	FillAll(u umem)
}

type rxQueue interface {
	Peek() (n uint32, index uint32)
	Get(index uint32) unix.XDPDesc
	Release(n uint32)
}

type txQueue interface {
	Reserve(u umem, n uint32) (reserved uint32, index uint32)
	Set(index uint32, d unix.XDPDesc)
	Notify() error
}

type completionQueue interface {
	Peek() (n uint32, index uint32)
	Get(index uint32) uint64
	Release(n uint32)
}

// Stats reports the device's ring occupancy for internal/xstats.
type Stats struct {
	RxKernelWritable, RxUserReadable, RxUserReturned int
	TxUserWritable, TxUserFilled, TxKernelSending    int
	ShortProduceCount                                uint64
}

// pendingTx is a frame that has been written into (by TxToken.Consume) and
// is waiting to be produced onto the Tx ring.
type pendingTx struct {
	addr uint64
	len  uint32
}

// Device is the Frame Ring Device (§4.2): it owns the UMEM and the four
// AF_XDP rings, hides ownership bookkeeping behind get-frame/flush calls,
// and exposes single-use Rx/Tx tokens.
type Device struct {
	mu sync.Mutex

	umem       umem
	fill       fillQueue
	rx         rxQueue
	tx         txQueue
	completion completionQueue

	fc               int
	frameSize        int
	rxBatchThreshold int
	txBatchThreshold int

	rxRegions *rxRegions
	txRegions *txRegions

	// rxReadable holds descriptors consumed from the Rx ring but not yet
	// handed out as tokens; rxReturned holds frame addresses the user has
	// finished with, pending return via the Fill ring.
	rxReadable []unix.XDPDesc
	rxReturned []uint64

	// txStaged holds frames the user has filled but that haven't been
	// produced onto the Tx ring yet.
	txStaged []pendingTx

	shortProduce uint64
}

func newDevice(u umem, fill fillQueue, rx rxQueue, tx txQueue, completion completionQueue, c cfg.Config) *Device {
	d := &Device{
		umem:             u,
		fill:             fill,
		rx:               rx,
		tx:               tx,
		completion:       completion,
		fc:               c.FrameCount,
		frameSize:        c.FrameSize,
		rxBatchThreshold: c.RxBatchThreshold,
		txBatchThreshold: c.TxBatchThreshold,
		rxRegions:        newRxRegions(c.FrameCount),
		txRegions:        newTxRegions(c.FrameCount),
	}
	// Prime the Fill ring with every frame up front, or the kernel has
	// nowhere to DMA inbound packets and rx.Peek() never returns anything.
	// rxRegions already counts all fc frames KernelWritable at construction;
	// this is what makes that count true of the real ring too.
	d.fill.FillAll(d.umem)
	return d
}

// Fd is the AF_XDP socket file descriptor the reactor parks on.
func (d *Device) Fd() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.umem.SockFD()
}

// RxToken is a read-only view of one received frame. By the time it is
// handed out, its descriptor has already moved UserReadable → UserReturned
// (§4.2); Consume only exposes the payload.
type RxToken struct {
	data []byte
}

// Consume calls f with the frame's payload exactly once.
func (t RxToken) Consume(f func(payload []byte)) {
	f(t.data)
}

// TxToken is a mutable view of one frame reserved for transmission. Its
// descriptor is UserFilled from the moment it is handed out; Consume fills
// in the payload and the final length.
type TxToken struct {
	dev   *Device
	addr  uint64
	frame []byte
}

// Consume asserts len <= frame capacity, calls f with a len-sized mutable
// slice exactly once, and stages the frame for submission. It does not
// wake the kernel — batching is the device's decision (§4.2).
func (t TxToken) Consume(length int, f func(buf []byte)) {
	if length > len(t.frame) {
		panic("ring: tx token length exceeds frame capacity")
	}
	f(t.frame[:length])

	t.dev.mu.Lock()
	t.dev.txStaged = append(t.dev.txStaged, pendingTx{addr: t.addr, len: uint32(length)})
	t.dev.mu.Unlock()
}

// GetFrameToRead implements the receive path of §4.2: replenish the Fill
// ring if enough frames have been returned, consume the Rx ring if
// nothing is currently readable, then hand back one readable frame.
func (d *Device) GetFrameToRead() (RxToken, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.rxReturned) >= d.rxBatchThreshold {
		for _, addr := range d.rxReturned {
			d.umem.FreeFrame(addr)
		}
		d.fill.FillAll(d.umem)
		d.rxRegions.giveBack(len(d.rxReturned))
		d.rxReturned = d.rxReturned[:0]
	}

	if len(d.rxReadable) == 0 {
		n, index := d.rx.Peek()
		if n > 0 {
			for i := uint32(0); i < n; i++ {
				d.rxReadable = append(d.rxReadable, d.rx.Get(index+i))
			}
			d.rx.Release(n)
			d.rxRegions.consume(int(n))
		}
	}

	if len(d.rxReadable) == 0 {
		return RxToken{}, false
	}

	desc := d.rxReadable[0]
	d.rxReadable = d.rxReadable[1:]
	payload := d.umem.Get(desc)
	d.rxRegions.takeOne()
	d.rxReturned = append(d.rxReturned, uint64(desc.Addr))
	return RxToken{data: payload}, true
}

// GetFrameToWrite implements the transmit path of §4.2: submit staged
// frames if the batch threshold is met (waking the kernel), reclaim
// completed frames if nothing is writable, then hand back one writable
// frame.
func (d *Device) GetFrameToWrite() (TxToken, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.txStaged) >= d.txBatchThreshold {
		d.submitStagedLocked()
		if err := d.tx.Notify(); err != nil {
			// Wake failures are transient I/O errors (§7); the frames
			// stay KernelSending and the next flush will retry.
			_ = xdperr.New(xdperr.KindIO, "ring.GetFrameToWrite", err)
		}
	}

	if d.txRegions.userWritable == 0 {
		d.reclaimCompletionsLocked()
	}

	if d.txRegions.userWritable == 0 {
		return TxToken{}, false
	}

	frameAddr := d.umem.AllocFrame()
	if frameAddr == 0 {
		return TxToken{}, false
	}
	frame := d.umem.Get(unix.XDPDesc{Addr: frameAddr, Len: uint32(d.frameSize)})
	d.txRegions.takeOne()
	return TxToken{dev: d, addr: frameAddr, frame: frame}, true
}

// Flush force-produces every staged frame onto the Tx ring and wakes the
// kernel unconditionally, per §4.2. Called by the reactor on every pass of
// its loop.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.txStaged) > 0 {
		d.submitStagedLocked()
	}
	if err := d.tx.Notify(); err != nil {
		return xdperr.New(xdperr.KindIO, "ring.Flush", err)
	}
	return nil
}

// submitStagedLocked produces as many staged frames as the Tx ring will
// accept. A short produce (kernel ring full) is not an error; the
// remainder stays staged (UserFilled) and is retried next call.
func (d *Device) submitStagedLocked() {
	reserved, index := d.tx.Reserve(d.umem, uint32(len(d.txStaged)))
	for i := uint32(0); i < reserved; i++ {
		p := d.txStaged[i]
		d.tx.Set(index+i, unix.XDPDesc{Addr: p.addr, Len: p.len})
	}
	d.txRegions.submit(int(reserved))
	if int(reserved) < len(d.txStaged) {
		d.shortProduce++
	}
	d.txStaged = d.txStaged[reserved:]
}

// reclaimCompletionsLocked consumes the Completion ring, freeing sent
// frames back to the UMEM free pool (KernelSending → UserWritable).
func (d *Device) reclaimCompletionsLocked() {
	n, index := d.completion.Peek()
	if n == 0 {
		return
	}
	for i := uint32(0); i < n; i++ {
		addr := d.completion.Get(index + i)
		d.umem.FreeFrame(addr)
	}
	d.completion.Release(n)
	d.txRegions.complete(int(n))
}

// Stats returns a snapshot of ring occupancy.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		RxKernelWritable:  d.rxRegions.kernelWritable,
		RxUserReadable:    d.rxRegions.userReadable,
		RxUserReturned:    d.rxRegions.userReturned,
		TxUserWritable:    d.txRegions.userWritable,
		TxUserFilled:      d.txRegions.userFilled,
		TxKernelSending:   d.txRegions.kernelSending,
		ShortProduceCount: d.shortProduce,
	}
}
