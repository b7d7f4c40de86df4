// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfq

import (
	"sync"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// slab is a fixed-slot chunked arena for queue nodes.
//
// Slots keep their address for the lifetime of the arena: a freed node is
// reused with the same address, which the queue algorithms rely on across
// reclamation cycles. The free list is a Treiber stack whose head carries
// an ABA tag in the upper half of a 128-bit atomic; the per-slot link
// lives in a side cell after the node so that freed node memory keeps its
// cleared witness bits.
//
// alloc/release are safe for concurrent use. Chunk growth takes a mutex on
// the empty slow path only. forEach and resetFree are recovery-time
// operations and require quiescence.
type slab[N any] struct {
	_    pad
	free atomix.Uint128 // lo=top slot address, hi=ABA tag
	_    pad

	grow       sync.Mutex
	chunks     [][]slabSlot[N]
	chunkSlots int
}

// slabSlot places the free-list link beside the node rather than inside
// it. The node is the first field: slot and node share an address.
type slabSlot[N any] struct {
	node     N
	nextFree atomix.Uintptr
}

func newSlab[N any](chunkSlots int) *slab[N] {
	return &slab[N]{chunkSlots: chunkSlots}
}

// alloc pops a slot from the free list, growing the arena by one chunk
// when the list is empty. Fresh chunk memory is zero-valued, and freed
// slots had their persistence witness cleared before free, so a node
// returned by alloc never carries a set witness flag.
func (a *slab[N]) alloc() *N {
	if n := a.tryPop(); n != nil {
		return n
	}

	a.grow.Lock()
	defer a.grow.Unlock()

	// Another thread may have freed or grown while we waited.
	if n := a.tryPop(); n != nil {
		return n
	}

	chunk := make([]slabSlot[N], a.chunkSlots)
	a.chunks = append(a.chunks, chunk)
	for i := 1; i < len(chunk); i++ {
		a.push(&chunk[i])
	}
	return &chunk[0].node
}

func (a *slab[N]) tryPop() *N {
	sw := spin.Wait{}
	for {
		lo, hi := a.free.LoadAcquire()
		if lo == 0 {
			return nil
		}
		top := (*slabSlot[N])(unsafe.Pointer(uintptr(lo)))
		next := top.nextFree.LoadRelaxed()
		// The tag bump makes a concurrent pop-push-pop of the same slot
		// fail this CAS.
		if a.free.CompareAndSwapAcqRel(lo, hi, uint64(next), hi+1) {
			return &top.node
		}
		sw.Once()
	}
}

// release returns a node to the arena. The caller must have cleared the
// node's persistence witness (and flushed the clear) beforehand.
func (a *slab[N]) release(p *N) {
	a.push((*slabSlot[N])(unsafe.Pointer(p)))
}

func (a *slab[N]) push(s *slabSlot[N]) {
	sw := spin.Wait{}
	for {
		lo, hi := a.free.LoadAcquire()
		s.nextFree.StoreRelaxed(uintptr(lo))
		if a.free.CompareAndSwapAcqRel(lo, hi, uint64(uintptr(unsafe.Pointer(s))), hi) {
			return
		}
		sw.Once()
	}
}

// resetFree empties the free list. Recovery calls this before sweeping
// the chunks and re-freeing every slot outside the recovered queue,
// rebuilding the list from scratch. Requires quiescence.
func (a *slab[N]) resetFree() {
	_, hi := a.free.LoadAcquire()
	a.free.StoreRelaxed(0, hi+1)
}

// forEach visits every slot of every chunk, in allocation order of the
// chunks. Requires quiescence.
func (a *slab[N]) forEach(fn func(*N)) {
	for _, chunk := range a.chunks {
		for i := range chunk {
			fn(&chunk[i].node)
		}
	}
}
