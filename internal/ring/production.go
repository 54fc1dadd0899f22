package ring

import (
	cfg "github.com/xdpkit/transport/internal/config"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/xdp"
)

// umemAdapter satisfies the umem interface against gvisor's concrete
// *xdp.UMEM, the same type the donor project drives directly.
type umemAdapter struct{ u *xdp.UMEM }

func (a umemAdapter) Lock()                        { a.u.Lock() }
func (a umemAdapter) Unlock()                      { a.u.Unlock() }
func (a umemAdapter) Get(d unix.XDPDesc) []byte     { return a.u.Get(d) }
func (a umemAdapter) AllocFrame() uint64            { return a.u.AllocFrame() }
func (a umemAdapter) FreeFrame(addr uint64)         { a.u.FreeFrame(addr) }
func (a umemAdapter) SockFD() int                   { return a.u.SockFD() }

// fillAdapter ignores the umem argument device.go passes (it already holds
// the real *xdp.UMEM pointer the Fill queue needs).
type fillAdapter struct {
	q *xdp.FillQueue
	u *xdp.UMEM
}

func (a fillAdapter) FillAll(umem) { a.q.FillAll(a.u) }

type rxAdapter struct{ q *xdp.RXQueue }

func (a rxAdapter) Peek() (uint32, uint32)        { return a.q.Peek() }
func (a rxAdapter) Get(index uint32) unix.XDPDesc  { return a.q.Get(index) }
func (a rxAdapter) Release(n uint32)               { a.q.Release(n) }

type txAdapter struct {
	q *xdp.TXQueue
	u *xdp.UMEM
}

func (a txAdapter) Reserve(umem, n uint32) (uint32, uint32) { return a.q.Reserve(a.u, n) }
func (a txAdapter) Set(index uint32, d unix.XDPDesc)        { a.q.Set(index, d) }
func (a txAdapter) Notify() error                           { return a.q.Notify() }

type completionAdapter struct{ q *xdp.CompletionQueue }

func (a completionAdapter) Peek() (uint32, uint32)  { return a.q.Peek() }
func (a completionAdapter) Get(index uint32) uint64 { return a.q.Get(index) }
func (a completionAdapter) Release(n uint32)         { a.q.Release(n) }

// New builds a Device wrapping a real AF_XDP control block (UMEM + the
// four rings), as produced by internal/xdpfilter.Attach.
func New(cb *xdp.ControlBlock, c cfg.Config) *Device {
	c = c.WithDefaults()
	u := umemAdapter{&cb.UMEM}
	return newDevice(
		u,
		fillAdapter{&cb.Fill, &cb.UMEM},
		rxAdapter{&cb.RX},
		txAdapter{&cb.TX, &cb.UMEM},
		completionAdapter{&cb.Completion},
		c,
	)
}
