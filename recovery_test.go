// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfq

// Crash-image tests. The build's persistence layer keeps every completed
// store, so a post-crash image is crafted the way a real crash would
// leave it: volatile state scrambled, and the particular stores whose
// cache lines were lost undone by hand. Recovery must not read anything
// the crash destroyed.

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// Linked (eager)
// =============================================================================

// TestLinkedRecoverTruncatesUninitializedSuffix crashes an enqueue after
// the next CAS but before its initialized witness reached persistence:
// recovery truncates the chain at the unwitnessed successor and reclaims
// it.
func TestLinkedRecoverTruncatesUninitializedSuffix(t *testing.T) {
	q := NewLinked[int](64)
	for _, v := range []int{1, 2} {
		v := v
		q.Enqueue(&v, 0)
	}

	// Allocated, linked into next, but initialized never became durable.
	n := q.nodes.alloc()
	n.item = 42
	n.next.StoreRelaxed(0)
	tail := lnode[int](q.tail.LoadRelaxed())
	tail.next.StoreRelaxed(uintptr(unsafe.Pointer(n)))
	q.tail.StoreRelaxed(0) // Tail is rebuilt by recovery

	require.NoError(t, q.Recover())

	for _, want := range []int{1, 2} {
		got, err := q.Dequeue(0)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := q.Dequeue(0)
	require.ErrorIs(t, err, ErrWouldBlock)

	// The truncated node went back to the slab; the queue keeps working.
	v := 7
	q.Enqueue(&v, 0)
	got, err := q.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, 7, got)
}

// TestLinkedRecoverKeepsDurableSuffix is the other arm of the same
// crash: the witness did reach persistence, so the element survives.
func TestLinkedRecoverKeepsDurableSuffix(t *testing.T) {
	q := NewLinked[int](64)
	for _, v := range []int{1, 2} {
		v := v
		q.Enqueue(&v, 0)
	}

	n := q.nodes.alloc()
	n.init(42)
	tail := lnode[int](q.tail.LoadRelaxed())
	n.pred.StoreRelaxed(uintptr(unsafe.Pointer(tail)))
	tail.next.StoreRelaxed(uintptr(unsafe.Pointer(n)))
	q.tail.StoreRelaxed(0)

	require.NoError(t, q.Recover())

	for _, want := range []int{1, 2, 42} {
		got, err := q.Dequeue(0)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := q.Dequeue(0)
	require.ErrorIs(t, err, ErrWouldBlock)
}

// TestLinkedRecoverRebuildsDummy covers a crash before the constructor's
// flush completed: the head node's witness is unset and recovery
// re-initializes it in place.
func TestLinkedRecoverRebuildsDummy(t *testing.T) {
	q := NewLinked[int](64)
	lnode[int](q.head.LoadRelaxed()).initialized.StoreRelaxed(false)

	require.NoError(t, q.Recover())

	_, err := q.Dequeue(0)
	require.ErrorIs(t, err, ErrWouldBlock)

	v := 5
	q.Enqueue(&v, 0)
	got, err := q.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, 5, got)
}

// TestLinkedRecoverDetectsCycle verifies fail-stop on a corrupt image.
func TestLinkedRecoverDetectsCycle(t *testing.T) {
	q := NewLinked[int](64)
	for _, v := range []int{1, 2} {
		v := v
		q.Enqueue(&v, 0)
	}

	head := lnode[int](q.head.LoadRelaxed())
	tail := lnode[int](q.tail.LoadRelaxed())
	tail.next.StoreRelaxed(uintptr(unsafe.Pointer(head)))

	err := q.Recover()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCorrupted))
}

// =============================================================================
// Unlinked (eager)
// =============================================================================

// scrambleUnlinked destroys everything a crash destroys for the Unlinked
// variant: next links and the Tail pointer. The Head pair and the
// per-node linked+index fields are the persistent image.
func scrambleUnlinked(q *Unlinked[int]) {
	q.nodes.forEach(func(n *unlinkedNode[int]) {
		n.next.StoreRelaxed(0)
	})
	q.tail.StoreRelaxed(0)
}

// TestUnlinkedRecoverRebuildsFromIndices rebuilds order purely from the
// persisted indices after the volatile links are gone.
func TestUnlinkedRecoverRebuildsFromIndices(t *testing.T) {
	q := NewUnlinked[int](64)
	for i := 1; i <= 5; i++ {
		v := i * 10
		q.Enqueue(&v, 0)
	}
	for range 2 {
		_, err := q.Dequeue(0)
		require.NoError(t, err)
	}

	scrambleUnlinked(q)
	require.NoError(t, q.Recover())

	for _, want := range []int{30, 40, 50} {
		got, err := q.Dequeue(0)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := q.Dequeue(0)
	require.ErrorIs(t, err, ErrWouldBlock)
}

// TestUnlinkedRecoverSkipsUnflushedNode drops a node whose linked flag
// never became durable while keeping the acknowledged enqueues around
// it. The enqueue of the dropped node never returned, so the survivors
// still form a legal history.
func TestUnlinkedRecoverSkipsUnflushedNode(t *testing.T) {
	q := NewUnlinked[int](64)
	for i := 1; i <= 5; i++ {
		v := i * 10
		q.Enqueue(&v, 0)
	}

	q.nodes.forEach(func(n *unlinkedNode[int]) {
		if n.index == 3 && n.linked.Load() {
			n.linked.StoreRelaxed(false)
		}
	})
	scrambleUnlinked(q)
	require.NoError(t, q.Recover())

	for _, want := range []int{10, 20, 40, 50} {
		got, err := q.Dequeue(0)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := q.Dequeue(0)
	require.ErrorIs(t, err, ErrWouldBlock)
}

// TestUnlinkedRecoverDetectsDuplicateIndex verifies fail-stop when two
// slab nodes claim the same live index.
func TestUnlinkedRecoverDetectsDuplicateIndex(t *testing.T) {
	q := NewUnlinked[int](64)

	for _, v := range []int{1, 2} {
		v := v
		q.Enqueue(&v, 0)
	}
	forged := q.nodes.alloc()
	forged.init(99)
	forged.index = 2
	forged.linked.StoreRelaxed(true)

	err := q.Recover()
	require.Error(t, err)
	require.True(t, IsCorrupted(err))
}

// =============================================================================
// OptLinked (optimistic)
// =============================================================================

// scrambleOptLinked destroys the volatile half of the OptLinked state:
// the volatile twins die with DRAM, and Head/Tail point into them.
// Recovery must reconstruct everything from the persistent twins and the
// detachable per-thread metadata.
func scrambleOptLinked(q *OptLinked[int]) {
	q.head.StoreRelaxed(0)
	q.tail.StoreRelaxed(0)
	q.vnodes = nil
}

// TestOptLinkedRecoverFromWitnesses rebuilds the queue from the
// last-enqueue witnesses and pred chain alone.
func TestOptLinkedRecoverFromWitnesses(t *testing.T) {
	q := NewOptLinked[int](64)
	for i := 1; i <= 3; i++ {
		v := i * 10
		q.Enqueue(&v, 0)
	}

	scrambleOptLinked(q)
	require.NoError(t, q.Recover())

	for _, want := range []int{10, 20, 30} {
		got, err := q.Dequeue(0)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := q.Dequeue(0)
	require.ErrorIs(t, err, ErrWouldBlock)
}

// TestOptLinkedCrashBetweenEnqueues covers the suffix-flush guarantee:
// after the first enqueue completed, a crash during any later state
// leaves at least that element. With only one enqueue acknowledged, the
// recovered queue contains exactly it.
func TestOptLinkedCrashBetweenEnqueues(t *testing.T) {
	q := NewOptLinked[int](64)
	v := 10
	q.Enqueue(&v, 0)

	scrambleOptLinked(q)
	require.NoError(t, q.Recover())

	got, err := q.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, 10, got)
	_, err = q.Dequeue(0)
	require.ErrorIs(t, err, ErrWouldBlock)
}

// TestOptLinkedTornWitnessDiscarded tears one last-enqueue slot the way
// a crash between its two non-temporal stores would: the validity bits
// disagree, recovery discards the slot and falls back to its sibling.
func TestOptLinkedTornWitnessDiscarded(t *testing.T) {
	q := NewOptLinked[int](64)
	for i := 1; i <= 3; i++ {
		v := i * 10
		q.Enqueue(&v, 0)
	}

	// Slots alternate per enqueue: slot 0 holds the third enqueue.
	ld := &q.local[0]
	require.Equal(t, uint64(3), zeroBit(ld.lastEnqueues[0].index, validBitIndex))
	ld.lastEnqueues[0].index ^= 1 << validBitIndex

	scrambleOptLinked(q)
	require.NoError(t, q.Recover())

	// The torn witness named the unacknowledged third enqueue; the
	// sibling slot recovers the first two.
	for _, want := range []int{10, 20} {
		got, err := q.Dequeue(0)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := q.Dequeue(0)
	require.ErrorIs(t, err, ErrWouldBlock)

	// The witness machinery keeps working after repair.
	v := 40
	q.Enqueue(&v, 0)
	scrambleOptLinked(q)
	require.NoError(t, q.Recover())
	got, err := q.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, 40, got)
}

// TestOptLinkedHeadWitnessPreventsResurrection verifies dequeued items
// stay dequeued: the non-temporal head-index witness outlives the crash.
func TestOptLinkedHeadWitnessPreventsResurrection(t *testing.T) {
	q := NewOptLinked[int](64)
	for i := 1; i <= 3; i++ {
		v := i * 10
		q.Enqueue(&v, 0)
	}
	for range 3 {
		_, err := q.Dequeue(1)
		require.NoError(t, err)
	}

	scrambleOptLinked(q)
	require.NoError(t, q.Recover())

	_, err := q.Dequeue(0)
	require.ErrorIs(t, err, ErrWouldBlock)

	// Indices continue past the witnessed head.
	v := 40
	q.Enqueue(&v, 0)
	got, err := q.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, 40, got)
}

// TestOptLinkedEmptyDequeueWitness covers the empty-dequeue path: the
// observation that the queue was empty is itself durable.
func TestOptLinkedEmptyDequeueWitness(t *testing.T) {
	q := NewOptLinked[int](64)
	for i := 1; i <= 2; i++ {
		v := i
		q.Enqueue(&v, 0)
	}
	for range 2 {
		_, err := q.Dequeue(1)
		require.NoError(t, err)
	}
	_, err := q.Dequeue(1)
	require.ErrorIs(t, err, ErrWouldBlock)

	scrambleOptLinked(q)
	require.NoError(t, q.Recover())
	_, err = q.Dequeue(1)
	require.ErrorIs(t, err, ErrWouldBlock)
}

// =============================================================================
// OptUnlinked (optimistic)
// =============================================================================

func scrambleOptUnlinked(q *OptUnlinked[int]) {
	q.head.StoreRelaxed(0)
	q.tail.StoreRelaxed(0)
	q.vnodes = nil
}

// TestOptUnlinkedGapTruncation drops the suffix above a missing linked
// flag: with indices 1..5 durable except 3, recovery keeps {1,2} and
// discards {4,5} as unacknowledged.
func TestOptUnlinkedGapTruncation(t *testing.T) {
	q := NewOptUnlinked[int](64)
	for i := 1; i <= 5; i++ {
		v := i * 10
		q.Enqueue(&v, 0)
	}

	q.pnodes.forEach(func(p *optuPNode[int]) {
		if p.index == 3 && p.linked.Load() {
			p.linked.StoreRelaxed(false)
		}
	})
	scrambleOptUnlinked(q)
	require.NoError(t, q.Recover())

	for _, want := range []int{10, 20} {
		got, err := q.Dequeue(0)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := q.Dequeue(0)
	require.ErrorIs(t, err, ErrWouldBlock)

	// Discarded twins returned to the slab; indices continue from the
	// recovered tail.
	v := 60
	q.Enqueue(&v, 0)
	got, err := q.Dequeue(0)
	require.NoError(t, err)
	require.Equal(t, 60, got)
}

// TestOptUnlinkedRecoverFromHeadWitness rebuilds from the per-thread
// head-index witnesses after dequeues.
func TestOptUnlinkedRecoverFromHeadWitness(t *testing.T) {
	q := NewOptUnlinked[int](64)
	for i := 1; i <= 5; i++ {
		v := i * 10
		q.Enqueue(&v, 0)
	}
	for range 2 {
		_, err := q.Dequeue(3)
		require.NoError(t, err)
	}

	scrambleOptUnlinked(q)
	require.NoError(t, q.Recover())

	for _, want := range []int{30, 40, 50} {
		got, err := q.Dequeue(0)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := q.Dequeue(0)
	require.ErrorIs(t, err, ErrWouldBlock)
}

// TestOptUnlinkedRecoverDetectsDuplicateIndex verifies fail-stop when
// two persistent twins claim the same live index.
func TestOptUnlinkedRecoverDetectsDuplicateIndex(t *testing.T) {
	q := NewOptUnlinked[int](64)
	for _, v := range []int{1, 2} {
		v := v
		q.Enqueue(&v, 0)
	}

	forged := q.pnodes.alloc()
	forged.item = 99
	forged.index = 2
	forged.linked.StoreRelaxed(true)

	err := q.Recover()
	require.Error(t, err)
	require.True(t, IsCorrupted(err))
}
