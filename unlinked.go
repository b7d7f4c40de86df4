// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfq

import (
	"cmp"
	"fmt"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"github.com/addrummond/heap"

	"code.hybscloud.com/dfq/internal/pmem"
)

// Unlinked is the unlinked, eager durable queue.
//
// Next pointers are never part of the persistent image. Each node instead
// persists a strictly increasing index (dummy = 0, first enqueue = 1, ...)
// and a linked flag set after the CAS that installed the node. Head is a
// 16-byte {index, pointer} pair updated with a double-word CAS, so the
// head position survives crashes as a plain index. Recovery sweeps the
// slab, keeps every node with linked set and index beyond the head index,
// and rebuilds the list by index order.
type Unlinked[T any] struct {
	_    pad
	head atomix.Uint128 // lo=index, hi=node address
	_    pad
	tail atomix.Uintptr
	_    pad

	nodes  *slab[unlinkedNode[T]]
	retire []retireSlot
}

type unlinkedNode[T any] struct {
	item   T
	next   atomix.Uintptr
	linked atomix.Bool
	index  uint64
}

func unode[T any](p uintptr) *unlinkedNode[T] {
	return (*unlinkedNode[T])(unsafe.Pointer(p))
}

// init prepares a freshly allocated node. linked must be visibly false
// before the index is later raised past the head index.
func (n *unlinkedNode[T]) init(item T) {
	n.item = item
	n.next.StoreRelaxed(0)
	n.linked.StoreRelease(false)
}

// slotRef orders surviving nodes by index during recovery.
type slotRef struct {
	index uint64
	ptr   uintptr
}

func (a *slotRef) Cmp(b *slotRef) int {
	return cmp.Compare(a.index, b.index)
}

// NewUnlinked creates an unlinked eager queue with the given slab chunk
// size. A non-positive chunkSlots selects DefaultChunkSlots.
func NewUnlinked[T any](chunkSlots int) *Unlinked[T] {
	q := &Unlinked[T]{
		nodes:  newSlab[unlinkedNode[T]](chunkSlotsOrDefault(chunkSlots)),
		retire: make([]retireSlot, MaxThreads),
	}

	dummy := q.nodes.alloc()
	var zero T
	dummy.init(zero)
	dummy.index = 0

	dp := uintptr(unsafe.Pointer(dummy))
	q.head.StoreRelaxed(0, uint64(dp))
	q.tail.StoreRelaxed(dp)

	pmem.Flush(unsafe.Pointer(&q.head))
	pmem.SFence()

	return q
}

// Enqueue adds an element at the tail.
// Panics if tid is outside [0, MaxThreads).
func (q *Unlinked[T]) Enqueue(elem *T, tid int) {
	checkTID(tid)

	n := q.nodes.alloc()
	n.init(*elem)
	np := uintptr(unsafe.Pointer(n))

	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		tnode := unode[T](tail)
		tn := tnode.next.LoadAcquire()
		if tn == 0 {
			n.index = tnode.index + 1
			if tnode.next.CompareAndSwapAcqRel(0, np) {
				n.linked.StoreRelease(true)
				pmem.Flush(unsafe.Pointer(n))
				q.tail.CompareAndSwapAcqRel(tail, np)
				return
			}
			tn = tnode.next.LoadAcquire()
		}
		if tn != 0 {
			q.tail.CompareAndSwapAcqRel(tail, tn)
		}
		sw.Once()
	}
}

// Dequeue removes and returns the element at the head.
// Returns (zero-value, ErrWouldBlock) if the queue is empty.
// Panics if tid is outside [0, MaxThreads).
func (q *Unlinked[T]) Dequeue(tid int) (T, error) {
	checkTID(tid)

	sw := spin.Wait{}
	for {
		hidx, hptr := q.head.LoadAcquire()
		hn := unode[T](uintptr(hptr)).next.LoadAcquire()
		if hn == 0 {
			pmem.Flush(unsafe.Pointer(&q.head))
			pmem.SFence()
			var zero T
			return zero, ErrWouldBlock
		}

		hnode := unode[T](hn)
		if q.head.CompareAndSwapAcqRel(hidx, hptr, hnode.index, uint64(hn)) {
			elem := hnode.item

			if r := q.retire[tid].ptr; r != 0 {
				pmem.Flush(unsafe.Pointer(&unode[T](r).linked))
			}
			pmem.Flush(unsafe.Pointer(&q.head))
			pmem.SFence()

			if r := q.retire[tid].ptr; r != 0 {
				q.nodes.release(unode[T](r))
			}
			old := unode[T](uintptr(hptr))
			old.linked.StoreRelaxed(false)
			q.retire[tid].ptr = uintptr(hptr)

			return elem, nil
		}
		sw.Once()
	}
}

// Recover rebuilds the queue from the persistent image. See Recoverer.
//
// The surviving state is the head index (durable through the pair CAS
// flush discipline) and the per-node linked+index fields. Nodes with
// linked set and index beyond the head index are relinked in ascending
// index order behind a fresh dummy; everything else returns to the slab.
// A missing index in the sequence means that enqueue was never
// acknowledged; the survivors around it still relink in order.
func (q *Unlinked[T]) Recover() error {
	for i := range q.retire {
		q.retire[i].ptr = 0
	}
	q.nodes.resetFree()

	headIdx, _ := q.head.LoadAcquire()

	var survivors heap.Heap[slotRef, heap.Min]
	seen := make(map[uint64]struct{})
	var sweepErr error

	q.nodes.forEach(func(n *unlinkedNode[T]) {
		if sweepErr != nil {
			return
		}
		if n.linked.Load() && n.index > headIdx {
			if _, dup := seen[n.index]; dup {
				sweepErr = fmt.Errorf("%w: duplicate index %d", ErrCorrupted, n.index)
				return
			}
			seen[n.index] = struct{}{}
			heap.PushOrderable(&survivors, slotRef{index: n.index, ptr: uintptr(unsafe.Pointer(n))})
			return
		}
		if n.linked.Load() {
			n.linked.StoreRelaxed(false)
			pmem.Flush(unsafe.Pointer(&n.linked))
		}
		q.nodes.release(n)
	})
	if sweepErr != nil {
		return sweepErr
	}

	// Allocate the new dummy only after the sweep so it cannot be swept.
	dummy := q.nodes.alloc()
	var zero T
	dummy.init(zero)
	dummy.index = headIdx
	q.head.StoreRelaxed(headIdx, uint64(uintptr(unsafe.Pointer(dummy))))

	pred := dummy
	for {
		ref, ok := heap.PopOrderable(&survivors)
		if !ok {
			break
		}
		pred.next.StoreRelaxed(ref.ptr)
		pred = unode[T](ref.ptr)
	}
	pred.next.StoreRelaxed(0)
	q.tail.StoreRelaxed(uintptr(unsafe.Pointer(pred)))

	pmem.Flush(unsafe.Pointer(&q.head))
	pmem.SFence()

	return nil
}
