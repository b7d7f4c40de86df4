// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfq

// MaxThreads bounds the thread identifiers accepted by queue operations.
// Thread-local state (retirement slots, head-index witnesses, last-enqueue
// witnesses) is indexed by tid, and for the optimistic variants those
// arrays are part of the persistent header. Changing MaxThreads is an ABI
// break for existing persistent regions.
const MaxThreads = 256

// Queue is the combined producer-consumer interface for a durable FIFO
// queue.
//
// Every operation takes a tid in [0, MaxThreads) that uniquely identifies
// the calling thread for the queue's lifetime. Reusing a tid from a
// different goroutine requires a quiescent handoff: the previous owner
// must have returned from its last operation before the new owner starts.
//
// Example:
//
//	q := dfq.NewLinked[int](dfq.DefaultChunkSlots)
//
//	v := 42
//	q.Enqueue(&v, tid)
//
//	elem, err := q.Dequeue(tid)
//	if dfq.IsWouldBlock(err) {
//	    // Queue is empty
//	}
type Queue[T any] interface {
	Producer[T]
	Consumer[T]
	Recoverer
}

// Producer is the interface for enqueueing elements.
//
// The element is passed by pointer to avoid copying large structs. The
// queue stores a copy of the pointed-to value, so the original can be
// modified after Enqueue returns. T must be trivially copyable: the queue
// treats items as value bits and never invokes finalization on dequeued
// slots.
type Producer[T any] interface {
	// Enqueue adds an element at the tail. It never fails: the queue is
	// unbounded and allocation grows the slab when the free list is empty.
	// Enqueue returns only after the element's persistent image (and, for
	// the linked variants, every preceding unpersisted suffix node) has
	// been handed to the persistence domain.
	//
	// Panics if tid is outside [0, MaxThreads).
	Enqueue(elem *T, tid int)
}

// Consumer is the interface for dequeueing elements.
type Consumer[T any] interface {
	// Dequeue removes and returns the element at the head.
	// Returns (zero-value, ErrWouldBlock) if the queue is empty. The empty
	// return is itself durable: any enqueue that completed before the
	// empty observation has been persisted by the time Dequeue returns.
	//
	// Panics if tid is outside [0, MaxThreads).
	Dequeue(tid int) (T, error)
}

// Recoverer reconstructs a consistent queue from whatever state survived
// a system-wide crash.
type Recoverer interface {
	// Recover rebuilds the queue from its persistent image. It must be
	// called once, by a single thread, before any Enqueue/Dequeue on a
	// reopened queue, with no concurrent operations in flight.
	//
	// Recover preserves every enqueue acknowledged before the crash and
	// every dequeue acknowledged before the crash; in-flight operations
	// surface as either completed or never-started, always leaving a
	// legal FIFO prefix. Recovery is idempotent: power loss during
	// Recover leaves an image from which a fresh Recover succeeds.
	//
	// Returns an error wrapping ErrCorrupted if the persistent image
	// violates the queue invariants (fail-stop, refuse to mount).
	Recover() error
}

func checkTID(tid int) {
	if tid < 0 || tid >= MaxThreads {
		panic("dfq: tid out of range")
	}
}
