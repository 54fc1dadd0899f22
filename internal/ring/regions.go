// Package ring implements the Frame Ring Device: the UMEM-backed
// Fill/Rx/Tx/Completion queues and the three-region ownership bookkeeping
// described in spec §3/§4.2.
package ring

import "fmt"

// rxRegions tracks the three-way partition of the FC receive descriptors:
// KernelWritable (kernel owns, will fill with inbound data) → UserReadable
// (user owns, has data waiting) → UserReturned (user owns, already
// consumed, pending return to kernel). Lengths always sum to fc.
type rxRegions struct {
	fc             int
	kernelWritable int
	userReadable   int
	userReturned   int
}

func newRxRegions(fc int) *rxRegions {
	return &rxRegions{fc: fc, kernelWritable: fc}
}

// consume moves n descriptors KernelWritable → UserReadable (consuming the
// Rx ring).
func (r *rxRegions) consume(n int) {
	if n < 0 || n > r.kernelWritable {
		panic(fmt.Sprintf("ring: rx consume %d exceeds kernel-writable %d", n, r.kernelWritable))
	}
	r.kernelWritable -= n
	r.userReadable += n
	r.assert()
}

// takeOne moves one descriptor UserReadable → UserReturned (the user takes
// a receive token). Reports false if nothing is readable.
func (r *rxRegions) takeOne() bool {
	if r.userReadable == 0 {
		return false
	}
	r.userReadable--
	r.userReturned++
	r.assert()
	return true
}

// giveBack moves n descriptors UserReturned → KernelWritable (producing
// onto the Fill ring).
func (r *rxRegions) giveBack(n int) {
	if n < 0 || n > r.userReturned {
		panic(fmt.Sprintf("ring: rx giveBack %d exceeds user-returned %d", n, r.userReturned))
	}
	r.userReturned -= n
	r.kernelWritable += n
	r.assert()
}

func (r *rxRegions) assert() {
	if r.kernelWritable < 0 || r.userReadable < 0 || r.userReturned < 0 {
		panic("ring: rx region went negative")
	}
	if sum := r.kernelWritable + r.userReadable + r.userReturned; sum != r.fc {
		panic(fmt.Sprintf("ring: rx regions sum %d != fc %d", sum, r.fc))
	}
}

// txRegions tracks the symmetric Tx partition: UserWritable → UserFilled
// (payload written, pending submission) → KernelSending (in flight).
type txRegions struct {
	fc            int
	userWritable  int
	userFilled    int
	kernelSending int
}

func newTxRegions(fc int) *txRegions {
	return &txRegions{fc: fc, userWritable: fc}
}

// takeOne moves one descriptor UserWritable → UserFilled (the user takes a
// transmit token). Reports false if nothing is writable.
func (t *txRegions) takeOne() bool {
	if t.userWritable == 0 {
		return false
	}
	t.userWritable--
	t.userFilled++
	t.assert()
	return true
}

// submit moves up to n descriptors UserFilled → KernelSending (producing
// onto the Tx ring); returns the number actually moved, since a partial
// produce (kernel ring full) is not an error (§4.2).
func (t *txRegions) submit(n int) int {
	if n > t.userFilled {
		n = t.userFilled
	}
	t.userFilled -= n
	t.kernelSending += n
	t.assert()
	return n
}

// complete moves n descriptors KernelSending → UserWritable (consuming the
// Completion ring).
func (t *txRegions) complete(n int) {
	if n < 0 || n > t.kernelSending {
		panic(fmt.Sprintf("ring: tx complete %d exceeds kernel-sending %d", n, t.kernelSending))
	}
	t.kernelSending -= n
	t.userWritable += n
	t.assert()
}

func (t *txRegions) assert() {
	if t.userWritable < 0 || t.userFilled < 0 || t.kernelSending < 0 {
		panic("ring: tx region went negative")
	}
	if sum := t.userWritable + t.userFilled + t.kernelSending; sum != t.fc {
		panic(fmt.Sprintf("ring: tx regions sum %d != fc %d", sum, t.fc))
	}
}
