package ring

import "golang.org/x/sys/unix"

// fakeRing is a self-contained, in-memory stand-in for the four AF_XDP
// rings and the UMEM, used to property-test the region bookkeeping in
// device.go without a real NIC, root, or XDP support. It is wrapped by
// five thin adapters (below) so each satisfies exactly one of
// umem/fillQueue/rxQueue/txQueue/completionQueue, the same split production.go
// uses for the real gvisor types.
type fakeRing struct {
	frames map[uint64][]byte
	free   []uint64

	rxPending []unix.XDPDesc // frames "delivered by the kernel", waiting to be Peek'd
	txSent    []pendingTx    // frames reserved+set on the fake Tx ring, not yet "on the wire"
	txDone    []uint64       // frames the fake NIC finished sending, waiting on Completion

	notifyCount int
}

func newFakeRing(fc int, frameSize int) *fakeRing {
	r := &fakeRing{frames: make(map[uint64][]byte)}
	for i := 0; i < 2*fc; i++ {
		addr := uint64(i * frameSize)
		r.frames[addr] = make([]byte, frameSize)
		r.free = append(r.free, addr)
	}
	return r
}

func (r *fakeRing) alloc() uint64 {
	if len(r.free) == 0 {
		return 0
	}
	addr := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	return addr
}

func (r *fakeRing) free_(addr uint64) {
	r.free = append(r.free, addr)
}

// deliver simulates the kernel writing an inbound packet into a fresh
// frame and queuing it on the Rx ring.
func (r *fakeRing) deliver(payload []byte) bool {
	addr := r.alloc()
	if addr == 0 && len(r.free) == 0 {
		return false
	}
	buf := r.frames[addr]
	n := copy(buf, payload)
	r.rxPending = append(r.rxPending, unix.XDPDesc{Addr: addr, Len: uint32(n)})
	return true
}

// wireTo moves every frame this ring has sent (and not yet delivered onto
// the wire) into peer's Rx pending queue, simulating the NIC + wire, and
// marks them complete on this ring's Completion queue.
func (r *fakeRing) wireTo(peer *fakeRing) {
	for _, p := range r.txSent {
		payload := append([]byte(nil), r.frames[p.addr][:p.len]...)
		peer.deliver(payload)
		r.txDone = append(r.txDone, p.addr)
	}
	r.txSent = r.txSent[:0]
}

// fakeUmem adapts fakeRing to the umem interface.
type fakeUmem struct{ r *fakeRing }

func (a fakeUmem) Lock()                     {}
func (a fakeUmem) Unlock()                   {}
func (a fakeUmem) Get(d unix.XDPDesc) []byte { return a.r.frames[d.Addr][:d.Len] }
func (a fakeUmem) AllocFrame() uint64        { return a.r.alloc() }
func (a fakeUmem) FreeFrame(addr uint64)     { a.r.free_(addr) }
func (a fakeUmem) SockFD() int               { return -1 }

// fakeFill adapts fakeRing to the fillQueue interface: returning a frame
// to "kernel writable" just means it's available to be allocated for a
// future delivery, so there's nothing to do here.
type fakeFill struct{ r *fakeRing }

func (a fakeFill) FillAll(umem) {}

// fakeRx adapts fakeRing to the rxQueue interface.
type fakeRx struct{ r *fakeRing }

func (a fakeRx) Peek() (uint32, uint32)        { return uint32(len(a.r.rxPending)), 0 }
func (a fakeRx) Get(index uint32) unix.XDPDesc { return a.r.rxPending[index] }
func (a fakeRx) Release(n uint32)              { a.r.rxPending = a.r.rxPending[n:] }

// fakeTx adapts fakeRing to the txQueue interface.
type fakeTx struct{ r *fakeRing }

func (a fakeTx) Reserve(umem, n uint32) (uint32, uint32) {
	return n, uint32(len(a.r.txSent))
}
func (a fakeTx) Set(index uint32, d unix.XDPDesc) {
	for uint32(len(a.r.txSent)) <= index {
		a.r.txSent = append(a.r.txSent, pendingTx{})
	}
	a.r.txSent[index] = pendingTx{addr: d.Addr, len: d.Len}
}
func (a fakeTx) Notify() error {
	a.r.notifyCount++
	return nil
}

// fakeCompletion adapts fakeRing to the completionQueue interface.
type fakeCompletion struct{ r *fakeRing }

func (a fakeCompletion) Peek() (uint32, uint32)  { return uint32(len(a.r.txDone)), 0 }
func (a fakeCompletion) Get(index uint32) uint64 { return a.r.txDone[index] }
func (a fakeCompletion) Release(n uint32)        { a.r.txDone = a.r.txDone[n:] }

func newFakeDevice(fc, frameSize, rxBatch, txBatch int) (*Device, *fakeRing) {
	r := newFakeRing(fc, frameSize)
	d := &Device{
		umem:             fakeUmem{r},
		fill:             fakeFill{r},
		rx:               fakeRx{r},
		tx:               fakeTx{r},
		completion:       fakeCompletion{r},
		fc:               fc,
		frameSize:        frameSize,
		rxBatchThreshold: rxBatch,
		txBatchThreshold: txBatch,
		rxRegions:        newRxRegions(fc),
		txRegions:        newTxRegions(fc),
	}
	return d, r
}
