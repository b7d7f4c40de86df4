// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfq

import (
	"slices"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"

	"code.hybscloud.com/dfq/internal/pmem"
)

// OptLinked is the linked, optimistic durable queue.
//
// Each logical node splits into a persistent twin (PMEM) and a volatile
// twin (DRAM). The volatile twins carry the live Michael-Scott list; the
// persistent twins carry item, a reverse pred chain, and the node index.
// The enqueue that installs a node writes back its persistent twin and,
// walking the transient volatile pred links, the twins of any unpersisted
// suffix a stalled predecessor left behind. The live next links, Head and
// Tail are never flushed.
//
// Recovery has no durable head or tail pointer to start from. It instead
// uses per-thread detachable metadata written with non-temporal stores:
// a head-index witness recording the largest index a dequeuer observed,
// and double-buffered last-enqueue witnesses whose validity bits make a
// torn pair detectable. The largest witnessed enqueue that anchors a
// contiguous pred chain down to the head index is the recovered tail.
type OptLinked[T any] struct {
	_    pad
	head atomix.Uintptr // volatile twin address
	_    pad
	tail atomix.Uintptr
	_    pad

	pnodes *slab[optPNode[T]]
	vnodes *slab[optVNode[T]]
	local  []optLocal

	chunkSlots int
}

// optPNode is the persistent twin. pred must be visible before index: a
// persistent node with a stored index is taken at face value by recovery.
type optPNode[T any] struct {
	item  T
	pred  uintptr       // persistent twin of the predecessor
	index atomix.Uint64 // release-stored after pred
}

// optVNode is the volatile twin.
type optVNode[T any] struct {
	item  T
	next  atomix.Uintptr
	pred  atomix.Uintptr // transient, cleared after the suffix flush
	index uint64
	pnode uintptr // persistent twin
}

func opnode[T any](p uintptr) *optPNode[T] {
	return (*optPNode[T])(unsafe.Pointer(p))
}

func ovnode[T any](p uintptr) *optVNode[T] {
	return (*optVNode[T])(unsafe.Pointer(p))
}

// Validity-bit positions of the last-enqueue witnesses: bit 0 of the
// pointer (nodes are at least 8-byte aligned) and bit 63 of the index
// (indices stay below 2^63).
const (
	validBitPtr   = 0
	validBitIndex = 63
)

func zeroBit(v uint64, bit uint) uint64 {
	return v &^ (1 << bit)
}

func applyBit(v uint64, bit uint, b uint64) uint64 {
	return zeroBit(v, bit) | b<<bit
}

func getBit(v uint64, bit uint) uint64 {
	return (v >> bit) & 1
}

// NewOptLinked creates a linked optimistic queue with the given slab
// chunk size. A non-positive chunkSlots selects DefaultChunkSlots.
func NewOptLinked[T any](chunkSlots int) *OptLinked[T] {
	n := chunkSlotsOrDefault(chunkSlots)
	q := &OptLinked[T]{
		pnodes:     newSlab[optPNode[T]](n),
		vnodes:     newSlab[optVNode[T]](n),
		local:      make([]optLocal, MaxThreads),
		chunkSlots: n,
	}

	var zero T
	dummy := q.allocNode(zero)
	dummy.pred.StoreRelaxed(0)
	dummy.index = 0
	opnode[T](dummy.pnode).index.StoreRelaxed(0)

	dp := uintptr(unsafe.Pointer(dummy))
	q.head.StoreRelaxed(dp)
	q.tail.StoreRelaxed(dp)
	// The dummy itself is never reached by recovery; no flush needed.

	for i := range q.local {
		q.local[i].retire = 0
		q.resetLastEnqueues(i)
		pmem.NTStore8(&q.local[i].headIndex, 0)
	}
	pmem.SFence()

	return q
}

// allocNode allocates a volatile twin and its persistent twin.
func (q *OptLinked[T]) allocNode(item T) *optVNode[T] {
	v := q.vnodes.alloc()
	v.item = item
	v.next.StoreRelaxed(0)
	p := q.pnodes.alloc()
	p.item = item
	v.pnode = uintptr(unsafe.Pointer(p))
	return v
}

// Enqueue adds an element at the tail.
// Panics if tid is outside [0, MaxThreads).
func (q *OptLinked[T]) Enqueue(elem *T, tid int) {
	checkTID(tid)

	v := q.allocNode(*elem)
	p := opnode[T](v.pnode)
	vp := uintptr(unsafe.Pointer(v))

	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		tnode := ovnode[T](tail)
		tn := tnode.next.LoadAcquire()
		if tn == 0 {
			v.pred.StoreRelaxed(tail)
			v.index = tnode.index + 1
			p.pred = tnode.pnode
			// pred must be written before index becomes observable.
			p.index.StoreRelease(v.index)
			if tnode.next.CompareAndSwapAcqRel(0, vp) {
				q.tail.CompareAndSwapAcqRel(tail, vp)
				q.flushSuffix(v)
				q.recordLastEnqueue(v, tid)
				pmem.SFence()

				v.pred.StoreRelaxed(0)
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

// flushSuffix writes back the persistent twins of the unpersisted suffix,
// walking the transient volatile pred links until a node whose enqueuer
// already completed (pred cleared).
func (q *OptLinked[T]) flushSuffix(v *optVNode[T]) {
	for {
		pred := v.pred.LoadAcquire()
		if pred == 0 {
			return
		}
		pmem.Flush(unsafe.Pointer(opnode[T](v.pnode)))
		v = ovnode[T](pred)
	}
}

// recordLastEnqueue writes this thread's detachable last-enqueue witness.
//
// The validity bit forms an atomic write of the pointer and index pair:
// without it, a crash between the two non-temporal stores could leave an
// index paired with a pointer to a reclaimed node that another thread
// reused under the same index. Slots alternate on each enqueue, and the
// bit flips once per slot pair, so a crash mid-write always leaves the
// other slot intact.
func (q *OptLinked[T]) recordLastEnqueue(v *optVNode[T], tid int) {
	ld := &q.local[tid]
	i := ld.cursor

	pmem.NTStore8(&ld.lastEnqueues[i].ptr, applyBit(uint64(v.pnode), validBitPtr, ld.validBit))
	pmem.NTStore8(&ld.lastEnqueues[i].index, applyBit(v.index, validBitIndex, ld.validBit))

	ld.validBit ^= i // flip once per slot pair
	ld.cursor ^= 1
}

func (q *OptLinked[T]) resetLastEnqueues(tid int) {
	ld := &q.local[tid]
	pmem.NTStore8(&ld.lastEnqueues[0].index, 0)
	pmem.NTStore8(&ld.lastEnqueues[1].index, 0)
	pmem.NTStore8(&ld.lastEnqueues[0].ptr, 0)
	pmem.NTStore8(&ld.lastEnqueues[1].ptr, 0)
	ld.validBit = 1
	ld.cursor = 0
}

// Dequeue removes and returns the element at the head.
// Returns (zero-value, ErrWouldBlock) if the queue is empty.
// Panics if tid is outside [0, MaxThreads).
func (q *OptLinked[T]) Dequeue(tid int) (T, error) {
	checkTID(tid)

	sw := spin.Wait{}
	for {
		head := q.head.LoadAcquire()
		hnode := ovnode[T](head)
		hn := hnode.next.LoadAcquire()
		if hn == 0 {
			pmem.NTStore8(&q.local[tid].headIndex, hnode.index)
			pmem.SFence()
			var zero T
			return zero, ErrWouldBlock
		}

		if q.head.CompareAndSwapAcqRel(head, hn) {
			next := ovnode[T](hn)
			elem := next.item
			pmem.NTStore8(&q.local[tid].headIndex, next.index)
			pmem.SFence()

			next.pred.StoreRelaxed(0)

			if r := q.local[tid].retire; r != 0 {
				rv := ovnode[T](r)
				q.pnodes.release(opnode[T](rv.pnode))
				q.vnodes.release(rv)
			}
			q.local[tid].retire = head

			return elem, nil
		}
		sw.Once()
	}
}

// Recover rebuilds the queue from the persistent image. See Recoverer.
func (q *OptLinked[T]) Recover() error {
	// The volatile region does not survive the crash; start from a fresh
	// volatile arena.
	q.vnodes = newSlab[optVNode[T]](q.chunkSlots)
	for i := range q.local {
		q.local[i].retire = 0
	}
	q.pnodes.resetFree()

	headIdx := q.maxLocalHeadIndex()

	queue := q.materialize(q.potentialTails(headIdx), headIdx)

	q.retireNonQueueNodes(queue, headIdx)

	// Allocate the new dummy only after the sweep so it cannot be swept.
	q.recoverHead(headIdx)
	q.recoverVolatileQueue(queue)
	q.recoverLastEnqueues()

	pmem.SFence()
	return nil
}

func (q *OptLinked[T]) maxLocalHeadIndex() uint64 {
	var headIdx uint64
	for i := range q.local {
		if h := q.local[i].headIndex; h > headIdx {
			headIdx = h
		}
	}
	return headIdx
}

// potentialTails collects every untorn last-enqueue witness beyond the
// head index, largest index first. A slot whose validity bits disagree
// was torn mid-write and is discarded; its sibling slot survives.
func (q *OptLinked[T]) potentialTails(headIdx uint64) []lastEnqueue {
	var tails []lastEnqueue
	for i := range q.local {
		for j := range q.local[i].lastEnqueues {
			raw := q.local[i].lastEnqueues[j]
			if getBit(raw.index, validBitIndex) != getBit(raw.ptr, validBitPtr) {
				continue
			}
			clean := lastEnqueue{
				ptr:   zeroBit(raw.ptr, validBitPtr),
				index: zeroBit(raw.index, validBitIndex),
			}
			if clean.index <= headIdx || clean.ptr == 0 {
				continue
			}
			tails = append(tails, clean)
		}
	}
	slices.SortFunc(tails, func(a, b lastEnqueue) int {
		switch {
		case a.index > b.index:
			return -1
		case a.index < b.index:
			return 1
		}
		return 0
	})
	return tails
}

// materialize tries each potential tail from the largest index down,
// following the persistent pred chain toward headIdx+1. A candidate is
// the recovered tail iff its own stored index matches the witness and
// every link steps the index down by exactly one; larger candidates that
// fail are torn or stale suffixes whose enqueues were never acknowledged.
// Returns the recovered persistent chain in head-to-tail order.
func (q *OptLinked[T]) materialize(tails []lastEnqueue, headIdx uint64) []*optPNode[T] {
	for _, cand := range tails {
		pn := opnode[T](uintptr(cand.ptr))
		if pn.index.Load() != cand.index {
			continue // witness points at a reclaimed, reused twin
		}

		chain := make([]*optPNode[T], 0, int(cand.index-headIdx))
		curr := pn
		for {
			chain = append(chain, curr)
			if curr.index.Load() == headIdx+1 {
				slices.Reverse(chain)
				return chain
			}
			pred := curr.pred
			if pred == 0 || opnode[T](pred).index.Load() != curr.index.Load()-1 {
				chain = nil
				break
			}
			curr = opnode[T](pred)
		}
	}
	// No candidate validated: every witnessed enqueue past the head index
	// was unacknowledged. The queue recovered empty.
	return nil
}

// retireNonQueueNodes sweeps the persistent slab and frees every twin
// outside the recovered chain. Twins beyond the head index get their
// index cleared and flushed first so a later crash cannot revive them as
// potential tails.
func (q *OptLinked[T]) retireNonQueueNodes(queue []*optPNode[T], headIdx uint64) {
	members := make(map[*optPNode[T]]struct{}, len(queue))
	for _, p := range queue {
		members[p] = struct{}{}
	}
	q.pnodes.forEach(func(p *optPNode[T]) {
		if _, ok := members[p]; ok {
			return
		}
		if p.index.Load() > headIdx {
			p.index.StoreRelaxed(0)
			pmem.Flush(unsafe.Pointer(p))
		}
		q.pnodes.release(p)
	})
}

func (q *OptLinked[T]) recoverHead(headIdx uint64) {
	v := q.vnodes.alloc()
	p := q.pnodes.alloc()
	v.pnode = uintptr(unsafe.Pointer(p))
	v.index = headIdx
	p.index.StoreRelaxed(headIdx)
	q.head.StoreRelaxed(uintptr(unsafe.Pointer(v)))
}

// recoverVolatileQueue rebuilds the volatile mirror of the recovered
// persistent chain and restores Head.next and Tail.
func (q *OptLinked[T]) recoverVolatileQueue(queue []*optPNode[T]) {
	dummy := ovnode[T](q.head.LoadRelaxed())
	pred := dummy
	for _, p := range queue {
		v := q.vnodes.alloc()
		v.item = p.item
		v.index = p.index.Load()
		v.pnode = uintptr(unsafe.Pointer(p))
		v.next.StoreRelaxed(0)
		pred.next.StoreRelaxed(uintptr(unsafe.Pointer(v)))
		pred = v
	}
	pred.next.StoreRelaxed(0)
	pred.pred.StoreRelaxed(0)
	q.tail.StoreRelaxed(uintptr(unsafe.Pointer(pred)))
}

// recoverLastEnqueues repairs the witness slots: the slot naming the
// recovered tail (if any) is kept, its sibling is cleared, and the cursor
// and validity bit are set so the thread's next enqueue atomically
// supersedes the kept slot.
func (q *OptLinked[T]) recoverLastEnqueues() {
	tailV := ovnode[T](q.tail.LoadRelaxed())
	headV := ovnode[T](q.head.LoadRelaxed())

	isValidTail := func(raw lastEnqueue) bool {
		cleanIdx := zeroBit(raw.index, validBitIndex)
		cleanPtr := zeroBit(raw.ptr, validBitPtr)
		return cleanIdx == tailV.index &&
			uintptr(cleanPtr) == tailV.pnode &&
			cleanIdx > headV.index &&
			getBit(raw.index, validBitIndex) == getBit(raw.ptr, validBitPtr)
	}

	for i := range q.local {
		ld := &q.local[i]
		switch {
		case !isValidTail(ld.lastEnqueues[0]) && !isValidTail(ld.lastEnqueues[1]):
			q.resetLastEnqueues(i)
		case isValidTail(ld.lastEnqueues[0]):
			pmem.NTStore8(&ld.lastEnqueues[1].index, 0)
			pmem.NTStore8(&ld.lastEnqueues[1].ptr, 0)
			ld.cursor = 1
			ld.validBit = getBit(ld.lastEnqueues[0].index, validBitIndex)
		default:
			pmem.NTStore8(&ld.lastEnqueues[0].index, 0)
			pmem.NTStore8(&ld.lastEnqueues[0].ptr, 0)
			ld.cursor = 0
			ld.validBit = getBit(ld.lastEnqueues[1].index, validBitIndex) ^ 1
		}
	}
}
