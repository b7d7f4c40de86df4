// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfq

import (
	"fmt"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"

	"code.hybscloud.com/dfq/internal/pmem"
)

// Linked is the linked, eager durable queue.
//
// The persistent image is the singly linked list itself: item and next of
// every node are flushed before the enqueue that installed them returns.
// A transient pred link, live only between node installation and
// completion of the suffix flush, lets an enqueuer finish the flushes a
// stalled predecessor left behind, so a completed enqueue is durable even
// when earlier racing enqueues have not yet flushed their own nodes.
//
// A node belongs to the logical queue iff its initialized witness is set;
// recovery walks next from Head, truncates at the first uninitialized
// successor, and sweeps the slab to reclaim everything else.
type Linked[T any] struct {
	_    pad
	head atomix.Uintptr
	_    pad
	tail atomix.Uintptr
	_    pad

	nodes  *slab[linkedNode[T]]
	retire []retireSlot
}

type linkedNode[T any] struct {
	item        T
	next        atomix.Uintptr
	pred        atomix.Uintptr // transient reverse link for suffix flushing
	initialized atomix.Bool
}

func lnode[T any](p uintptr) *linkedNode[T] {
	return (*linkedNode[T])(unsafe.Pointer(p))
}

// init prepares a freshly allocated node. The slab guarantees the
// initialized witness is false on every node it hands out, so the release
// store publishes item and next together with the witness.
func (n *linkedNode[T]) init(item T) {
	n.item = item
	n.next.StoreRelaxed(0)
	n.initialized.StoreRelease(true)
}

// NewLinked creates a linked eager queue with the given slab chunk size.
// A non-positive chunkSlots selects DefaultChunkSlots.
func NewLinked[T any](chunkSlots int) *Linked[T] {
	q := &Linked[T]{
		nodes:  newSlab[linkedNode[T]](chunkSlotsOrDefault(chunkSlots)),
		retire: make([]retireSlot, MaxThreads),
	}

	dummy := q.nodes.alloc()
	var zero T
	dummy.init(zero)
	dummy.pred.StoreRelaxed(0)

	dp := uintptr(unsafe.Pointer(dummy))
	q.head.StoreRelaxed(dp)
	q.tail.StoreRelaxed(dp)

	pmem.Flush(unsafe.Pointer(dummy))
	pmem.Flush(unsafe.Pointer(&q.head))
	pmem.SFence()

	return q
}

// Enqueue adds an element at the tail.
// Panics if tid is outside [0, MaxThreads).
func (q *Linked[T]) Enqueue(elem *T, tid int) {
	checkTID(tid)

	n := q.nodes.alloc()
	n.init(*elem)
	np := uintptr(unsafe.Pointer(n))

	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		tn := lnode[T](tail).next.LoadAcquire()
		if tn == 0 {
			n.pred.StoreRelaxed(tail)
			if lnode[T](tail).next.CompareAndSwapAcqRel(0, np) {
				q.flushSuffix(n)
				q.tail.CompareAndSwapAcqRel(tail, np)
				n.pred.StoreRelaxed(0)
				return
			}
			tn = lnode[T](tail).next.LoadAcquire()
		}
		if tn != 0 {
			// Help the racing enqueuer swing Tail forward.
			q.tail.CompareAndSwapAcqRel(tail, tn)
		}
		sw.Once()
	}
}

// flushSuffix writes back the chain of recently enqueued nodes whose
// persistence has not been acknowledged: the newly installed node and,
// through the transient pred links, every predecessor whose enqueuer has
// not yet completed its own flush. Each enqueuer clears its pred after
// flushing, so the walked suffix stays short.
func (q *Linked[T]) flushSuffix(n *linkedNode[T]) {
	for n != nil {
		pmem.Flush(unsafe.Pointer(n))
		n = lnode[T](n.pred.LoadAcquire())
	}
}

// Dequeue removes and returns the element at the head.
// Returns (zero-value, ErrWouldBlock) if the queue is empty.
// Panics if tid is outside [0, MaxThreads).
func (q *Linked[T]) Dequeue(tid int) (T, error) {
	checkTID(tid)

	sw := spin.Wait{}
	for {
		head := q.head.LoadAcquire()
		hn := lnode[T](head).next.LoadAcquire()
		if hn == 0 {
			// An enqueue that linearized before this empty observation
			// must be durable before empty is reported.
			pmem.Flush(unsafe.Pointer(&q.head))
			pmem.SFence()
			var zero T
			return zero, ErrWouldBlock
		}

		if q.head.CompareAndSwapAcqRel(head, hn) {
			hnode := lnode[T](hn)
			elem := hnode.item

			if r := q.retire[tid].ptr; r != 0 {
				// The witness clear from the previous retirement becomes
				// durable before that node can be reused.
				pmem.Flush(unsafe.Pointer(&lnode[T](r).initialized))
			}
			pmem.Flush(unsafe.Pointer(&q.head))
			pmem.SFence()

			hnode.pred.StoreRelaxed(0)

			if r := q.retire[tid].ptr; r != 0 {
				q.nodes.release(lnode[T](r))
			}
			old := lnode[T](head)
			old.initialized.StoreRelaxed(false)
			q.retire[tid].ptr = head

			return elem, nil
		}
		sw.Once()
	}
}

// Recover rebuilds the queue from the persistent image. See Recoverer.
func (q *Linked[T]) Recover() error {
	for i := range q.retire {
		q.retire[i].ptr = 0
	}
	q.nodes.resetFree()

	queueNodes := make(map[*linkedNode[T]]struct{})
	didFlush, last, err := q.collectQueueNodes(queueNodes)
	if err != nil {
		return err
	}
	if q.retireNonQueueNodes(queueNodes) {
		didFlush = true
	}

	last.pred.StoreRelaxed(0)
	q.tail.StoreRelaxed(uintptr(unsafe.Pointer(last)))

	if didFlush {
		pmem.SFence()
	}
	return nil
}

// collectQueueNodes walks next from Head, collecting every initialized
// node. The chain ends at a nil next or at the first successor whose
// initialized witness is unset (allocated but never durably linked); the
// chain is truncated there. Returns whether anything was flushed and the
// last node of the recovered chain.
func (q *Linked[T]) collectQueueNodes(set map[*linkedNode[T]]struct{}) (bool, *linkedNode[T], error) {
	curr := lnode[T](q.head.LoadRelaxed())

	if !curr.initialized.Load() {
		// Crash before the constructor's flush completed: rebuild the
		// dummy in place.
		var zero T
		curr.init(zero)
		curr.pred.StoreRelaxed(0)
		pmem.Flush(unsafe.Pointer(curr))
		set[curr] = struct{}{}
		return true, curr, nil
	}

	for {
		if _, ok := set[curr]; ok {
			return false, nil, fmt.Errorf("%w: cycle in node chain", ErrCorrupted)
		}
		set[curr] = struct{}{}

		next := lnode[T](curr.next.LoadRelaxed())
		if next == nil {
			return false, curr, nil
		}
		if !next.initialized.Load() {
			curr.next.StoreRelaxed(0)
			pmem.Flush(unsafe.Pointer(curr))
			return true, curr, nil
		}
		curr = next
	}
}

// retireNonQueueNodes sweeps the slab and returns every node outside the
// recovered set to the free list, clearing any set witness first so a
// crash during the sweep cannot resurrect a reclaimed node.
func (q *Linked[T]) retireNonQueueNodes(set map[*linkedNode[T]]struct{}) bool {
	didFlush := false
	q.nodes.forEach(func(n *linkedNode[T]) {
		if _, ok := set[n]; ok {
			return
		}
		if n.initialized.Load() {
			n.initialized.StoreRelaxed(false)
			pmem.Flush(unsafe.Pointer(n))
			didFlush = true
		}
		q.nodes.release(n)
	})
	return didFlush
}
