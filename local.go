// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfq

// Per-thread records. Each record is padded to a multiple of the 128-byte
// false-sharing stride (two cache lines) so that neighboring tids never
// share a prefetch pair. A layout test pins the sizes.

// retireSlot holds the node detached by a thread's most recent successful
// dequeue (variants Linked and Unlinked). Freeing is deferred by one
// dequeue per thread: a new detachment shifts the previous occupant to
// the slab, so a concurrent operation still holding a pre-CAS pointer to
// the detached node cannot race a reuse.
type retireSlot struct {
	ptr uintptr
	_   padLocal
}

// lastEnqueue is one detachable last-enqueue witness of the OptLinked
// variant: the persistent twin's address and the node index, both written
// with non-temporal 8-byte stores. Bit 0 of ptr and bit 63 of index carry
// the thread's validity bit so a torn pair is detectable on recovery.
type lastEnqueue struct {
	ptr   uint64
	index uint64
}

// optLocal is the per-thread record of the OptLinked variant.
type optLocal struct {
	retire uintptr // volatile twin detached by the last dequeue
	_      [56]byte

	validBit uint64
	cursor   uint64 // which lastEnqueues slot the next enqueue writes
	_        [48]byte

	lastEnqueues [2]lastEnqueue
	headIndex    uint64 // largest head index this thread has witnessed
	_            [88]byte
}

// optuLocal is the per-thread record of the OptUnlinked variant.
type optuLocal struct {
	retire uintptr
	_      [56]byte

	headIndex uint64
	_         [56]byte
}
