// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfq

import (
	"fmt"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"github.com/addrummond/heap"

	"code.hybscloud.com/dfq/internal/pmem"
)

// OptUnlinked is the unlinked, optimistic durable queue.
//
// Twin structure as in OptLinked, but the persistent twin carries no
// links: only item, index, and a linked flag. There is no last-enqueue
// bookkeeping; an enqueue is acknowledged once its own twin's linked flag
// is durable, and that flush is fenced before the tail swing so a
// surviving index k+1 implies k was durable too. Recovery sorts the
// surviving twins beyond the maximum witnessed head index; the
// contiguous run starting at headIndex+1 is the queue, and anything past
// the first gap is an unacknowledged suffix that is discarded and freed.
type OptUnlinked[T any] struct {
	_    pad
	head atomix.Uintptr // volatile twin address
	_    pad
	tail atomix.Uintptr
	_    pad

	pnodes *slab[optuPNode[T]]
	vnodes *slab[optuVNode[T]]
	local  []optuLocal

	chunkSlots int
}

// optuPNode is the persistent twin. linked must be visibly false before
// the index is later raised past the head index.
type optuPNode[T any] struct {
	item   T
	index  uint64
	linked atomix.Bool
}

// optuVNode is the volatile twin.
type optuVNode[T any] struct {
	item  T
	index uint64
	next  atomix.Uintptr
	pnode uintptr
}

func oupnode[T any](p uintptr) *optuPNode[T] {
	return (*optuPNode[T])(unsafe.Pointer(p))
}

func ouvnode[T any](p uintptr) *optuVNode[T] {
	return (*optuVNode[T])(unsafe.Pointer(p))
}

// NewOptUnlinked creates an unlinked optimistic queue with the given slab
// chunk size. A non-positive chunkSlots selects DefaultChunkSlots.
func NewOptUnlinked[T any](chunkSlots int) *OptUnlinked[T] {
	n := chunkSlotsOrDefault(chunkSlots)
	q := &OptUnlinked[T]{
		pnodes:     newSlab[optuPNode[T]](n),
		vnodes:     newSlab[optuVNode[T]](n),
		local:      make([]optuLocal, MaxThreads),
		chunkSlots: n,
	}

	var zero T
	dummy := q.allocNode(zero)
	dummy.index = 0
	oupnode[T](dummy.pnode).index = 0

	dp := uintptr(unsafe.Pointer(dummy))
	q.head.StoreRelaxed(dp)
	q.tail.StoreRelaxed(dp)

	for i := range q.local {
		q.local[i].retire = 0
		pmem.NTStore8(&q.local[i].headIndex, 0)
	}
	pmem.SFence()

	return q
}

// allocNode allocates a volatile twin and its persistent twin.
func (q *OptUnlinked[T]) allocNode(item T) *optuVNode[T] {
	v := q.vnodes.alloc()
	v.item = item
	v.next.StoreRelaxed(0)
	p := q.pnodes.alloc()
	p.item = item
	p.linked.StoreRelease(false)
	v.pnode = uintptr(unsafe.Pointer(p))
	return v
}

// Enqueue adds an element at the tail.
// Panics if tid is outside [0, MaxThreads).
func (q *OptUnlinked[T]) Enqueue(elem *T, tid int) {
	checkTID(tid)

	v := q.allocNode(*elem)
	p := oupnode[T](v.pnode)
	vp := uintptr(unsafe.Pointer(v))

	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		tnode := ouvnode[T](tail)
		tn := tnode.next.LoadAcquire()
		if tn == 0 {
			p.index = tnode.index + 1
			v.index = p.index
			if tnode.next.CompareAndSwapAcqRel(0, vp) {
				p.linked.StoreRelease(true)
				pmem.Flush(unsafe.Pointer(p))
				// The fence orders this twin's durability before the new
				// tail becomes observable; recovery's gap rule (index k+1
				// surviving implies k is durable) depends on it.
				pmem.SFence()
				q.tail.CompareAndSwapAcqRel(tail, vp)
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
func (q *OptUnlinked[T]) Dequeue(tid int) (T, error) {
	checkTID(tid)

	sw := spin.Wait{}
	for {
		head := q.head.LoadAcquire()
		hnode := ouvnode[T](head)
		hn := hnode.next.LoadAcquire()
		if hn == 0 {
			pmem.NTStore8(&q.local[tid].headIndex, hnode.index)
			pmem.SFence()
			var zero T
			return zero, ErrWouldBlock
		}

		if q.head.CompareAndSwapAcqRel(head, hn) {
			next := ouvnode[T](hn)
			elem := next.item
			pmem.NTStore8(&q.local[tid].headIndex, next.index)
			if r := q.local[tid].retire; r != 0 {
				// The linked clear from the previous retirement becomes
				// durable before that twin can be reused.
				pmem.Flush(unsafe.Pointer(&oupnode[T](ouvnode[T](r).pnode).linked))
			}
			pmem.SFence()

			if r := q.local[tid].retire; r != 0 {
				rv := ouvnode[T](r)
				q.pnodes.release(oupnode[T](rv.pnode))
				q.vnodes.release(rv)
			}
			oupnode[T](hnode.pnode).linked.StoreRelaxed(false)
			q.local[tid].retire = head

			return elem, nil
		}
		sw.Once()
	}
}

// Recover rebuilds the queue from the persistent image. See Recoverer.
func (q *OptUnlinked[T]) Recover() error {
	// The volatile region does not survive the crash; start from a fresh
	// volatile arena.
	q.vnodes = newSlab[optuVNode[T]](q.chunkSlots)
	for i := range q.local {
		q.local[i].retire = 0
	}
	q.pnodes.resetFree()

	headIdx := q.maxLocalHeadIndex()

	var survivors heap.Heap[slotRef, heap.Min]
	seen := make(map[uint64]struct{})
	var sweepErr error
	didFlush := false

	q.pnodes.forEach(func(p *optuPNode[T]) {
		if sweepErr != nil {
			return
		}
		if p.linked.Load() && p.index > headIdx {
			if _, dup := seen[p.index]; dup {
				sweepErr = fmt.Errorf("%w: duplicate index %d", ErrCorrupted, p.index)
				return
			}
			seen[p.index] = struct{}{}
			heap.PushOrderable(&survivors, slotRef{index: p.index, ptr: uintptr(unsafe.Pointer(p))})
			return
		}
		if p.linked.Load() {
			p.linked.StoreRelaxed(false)
			pmem.Flush(unsafe.Pointer(&p.linked))
			didFlush = true
		}
		q.pnodes.release(p)
	})
	if sweepErr != nil {
		return sweepErr
	}

	// Allocate the new dummy only after the sweep so it cannot be swept.
	vdummy := q.vnodes.alloc()
	pdummy := q.pnodes.alloc()
	vdummy.index = headIdx
	vdummy.pnode = uintptr(unsafe.Pointer(pdummy))
	vdummy.next.StoreRelaxed(0)
	pdummy.index = headIdx
	q.head.StoreRelaxed(uintptr(unsafe.Pointer(vdummy)))

	// Relink the contiguous run from headIdx+1. An enqueue with index k
	// acknowledges only after its linked flag is durable and fenced, so a
	// surviving k+1 implies k survived too; the first gap therefore marks
	// the start of an unacknowledged suffix, which is discarded.
	pred := vdummy
	want := headIdx + 1
	for {
		ref, ok := heap.PopOrderable(&survivors)
		if !ok {
			break
		}
		p := oupnode[T](ref.ptr)
		if ref.index != want {
			p.linked.StoreRelaxed(false)
			pmem.Flush(unsafe.Pointer(&p.linked))
			didFlush = true
			q.pnodes.release(p)
			continue
		}
		want++

		v := q.vnodes.alloc()
		v.item = p.item
		v.index = p.index
		v.pnode = ref.ptr
		v.next.StoreRelaxed(0)
		pred.next.StoreRelaxed(uintptr(unsafe.Pointer(v)))
		pred = v
	}
	pred.next.StoreRelaxed(0)
	q.tail.StoreRelaxed(uintptr(unsafe.Pointer(pred)))

	if didFlush {
		pmem.SFence()
	}
	return nil
}

func (q *OptUnlinked[T]) maxLocalHeadIndex() uint64 {
	var headIdx uint64
	for i := range q.local {
		if h := q.local[i].headIndex; h > headIdx {
			headIdx = h
		}
	}
	return headIdx
}
