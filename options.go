// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfq

// DefaultChunkSlots is the number of node slots per slab chunk used by
// the builder and by constructors given a non-positive slot count.
const DefaultChunkSlots = 1024

// Options configures queue creation and variant selection.
type Options struct {
	// Variant axes
	unlinked   bool // persist index+linked flag instead of next links
	optimistic bool // defer flushes, recover via detachable metadata

	// Slab sizing
	chunkSlots int
}

// Builder creates queues with fluent configuration.
//
// The two knobs mirror the two orthogonal axes of the algorithm family:
//
//	Linked vs Unlinked:    is FIFO order persisted as next links, or
//	                       reconstructed by sorting per-node indices?
//	Eager vs Optimistic:   is every mutation persisted before the
//	                       operation returns, or deferred and witnessed
//	                       by detachable per-thread metadata?
//
// Example:
//
//	// Eager linked queue (default)
//	q := dfq.Build[Event](dfq.New())
//
//	// Optimistic unlinked queue with a larger slab chunk
//	q := dfq.Build[Event](dfq.New().Unlinked().Optimistic().ChunkSlots(4096))
type Builder struct {
	opts Options
}

// New creates a queue builder with default settings: the eager linked
// variant and DefaultChunkSlots slots per slab chunk.
func New() *Builder {
	return &Builder{opts: Options{chunkSlots: DefaultChunkSlots}}
}

// Unlinked selects the unlinked representation: the persistent image
// carries a per-node monotonic index and a linked flag instead of next
// pointers, and recovery reconstructs order by sorting surviving nodes.
func (b *Builder) Unlinked() *Builder {
	b.opts.unlinked = true
	return b
}

// Optimistic selects the optimistic flush discipline: nodes split into
// persistent and volatile twins, flushes are deferred off the critical
// path, and recovery reconstructs a legal linearization from per-thread
// detachable metadata written with non-temporal stores.
func (b *Builder) Optimistic() *Builder {
	b.opts.optimistic = true
	return b
}

// ChunkSlots sets the number of node slots per slab chunk.
// Panics if n < 2.
func (b *Builder) ChunkSlots(n int) *Builder {
	if n < 2 {
		panic("dfq: chunk slots must be >= 2")
	}
	b.opts.chunkSlots = n
	return b
}

// Build creates a Queue[T] for the configured variant.
//
// Variant selection:
//
//	default                  → Linked     (linked, eager)
//	Unlinked()               → Unlinked   (unlinked, eager)
//	Optimistic()             → OptLinked  (linked, optimistic)
//	Unlinked().Optimistic()  → OptUnlinked (unlinked, optimistic)
//
// For concrete types, use the direct constructors NewLinked, NewUnlinked,
// NewOptLinked, NewOptUnlinked.
func Build[T any](b *Builder) Queue[T] {
	switch {
	case b.opts.unlinked && b.opts.optimistic:
		return NewOptUnlinked[T](b.opts.chunkSlots)
	case b.opts.unlinked:
		return NewUnlinked[T](b.opts.chunkSlots)
	case b.opts.optimistic:
		return NewOptLinked[T](b.opts.chunkSlots)
	default:
		return NewLinked[T](b.opts.chunkSlots)
	}
}

// pad is cache line padding to prevent false sharing.
type pad [64]byte

// padLocal pads an 8-byte field to the two-cache-line stride used for
// per-thread records.
type padLocal [128 - 8]byte

func chunkSlotsOrDefault(n int) int {
	if n <= 0 {
		return DefaultChunkSlots
	}
	if n < 2 {
		panic("dfq: chunk slots must be >= 2")
	}
	return n
}
