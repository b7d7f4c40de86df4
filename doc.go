// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dfq provides durable lock-free FIFO queue implementations for
// byte-addressable persistent memory.
//
// The package offers four queue variants along two orthogonal axes:
//
//   - Linked:      linked, eager persistence
//   - Unlinked:    index-based, eager persistence
//   - OptLinked:   linked, optimistic (deferred) persistence
//   - OptUnlinked: index-based, optimistic persistence
//
// All variants share the classical two-operation FIFO interface with
// linearizable semantics across any number of concurrent threads, plus a
// recovery operation that reconstructs a consistent queue from whatever
// state survived a system-wide crash.
//
// # Quick Start
//
// Direct constructors (recommended for most cases):
//
//	q := dfq.NewLinked[Event](dfq.DefaultChunkSlots)
//	q := dfq.NewOptUnlinked[*Request](4096)
//
// Builder API selects the variant from the two axes:
//
//	q := dfq.Build[Event](dfq.New())                          // → Linked
//	q := dfq.Build[Event](dfq.New().Unlinked())               // → Unlinked
//	q := dfq.Build[Event](dfq.New().Optimistic())             // → OptLinked
//	q := dfq.Build[Event](dfq.New().Unlinked().Optimistic())  // → OptUnlinked
//
// # Basic Usage
//
// Every operation takes a thread id in [0, MaxThreads) that uniquely
// identifies the calling goroutine for the queue's lifetime; per-thread
// retirement and recovery metadata are indexed by it.
//
//	q := dfq.NewLinked[int](1024)
//
//	// Enqueue (never fails; the queue is unbounded)
//	v := 42
//	q.Enqueue(&v, tid)
//
//	// Dequeue (non-blocking)
//	elem, err := q.Dequeue(tid)
//	if dfq.IsWouldBlock(err) {
//	    // Queue is empty - try again later
//	}
//
// # Durability Model
//
// Queues operate on a cached persistent memory model with three
// primitives: cache-line writeback, store fence, and 8-byte non-temporal
// store (CLWB/SFENCE/MOVNTI on x86 PMEM). An operation is durable once
// its writes have been flushed and fenced.
//
// The eager variants (Linked, Unlinked) persist every mutation before an
// operation returns. A Linked enqueue that observes unflushed
// predecessors completes their writeback first by walking a transient
// reverse chain; an Unlinked enqueue flushes only its own node, and
// recovery relinks the surviving nodes across any missing index. Either
// way acknowledged enqueues survive arbitrary thread stalls.
//
// The optimistic variants (OptLinked, OptUnlinked) split every node into
// a persistent and a volatile twin and move flushes off the critical
// path. Recovery instead relies on per-thread detachable metadata
// written with non-temporal stores: a head-index witness, and (for
// OptLinked) double-buffered last-enqueue witnesses whose validity bits
// make torn writes detectable.
//
// # Recovery
//
// After a crash, call Recover once, from a single goroutine, before any
// other operation on the reopened queue:
//
//	if err := q.Recover(); err != nil {
//	    // image violates queue invariants: refuse to mount
//	    return err
//	}
//
// Recovery preserves every enqueue and dequeue acknowledged before the
// crash; operations in flight at the crash surface as either completed
// or never started, always leaving a legal FIFO prefix. Recovery is
// idempotent: a crash during recovery leaves an image from which a fresh
// Recover succeeds. Fail-stop: a detectably corrupt image yields an
// error wrapping [ErrCorrupted] rather than silently discarding state.
//
// # Memory Reclamation
//
// Nodes live in a slab arena with stable addresses. A dequeue defers
// freeing its detached node by one operation per thread, so a concurrent
// operation still holding a pre-CAS pointer cannot race a reuse. The
// persistence witness (initialized/linked flag) is cleared and flushed
// before a node returns to the slab, so a crash mid-free cannot
// resurrect it.
//
// # Error Handling
//
// Enqueue never fails. Dequeue returns [ErrWouldBlock] when the queue is
// empty; the error is sourced from [code.hybscloud.com/iox] for
// ecosystem consistency.
//
//	backoff := iox.Backoff{}
//	for {
//	    elem, err := q.Dequeue(tid)
//	    if err == nil {
//	        backoff.Reset()
//	        process(elem)
//	        continue
//	    }
//	    backoff.Wait()
//	}
//
// # Thread Identity
//
// tid reuse by a different goroutine requires a quiescent handoff: the
// previous owner must have returned from its last operation first.
// Operations panic on a tid outside [0, MaxThreads).
//
// # Race Detection
//
// Go's race detector cannot observe happens-before relationships
// established through atomic memory orderings on separate variables.
// The queue algorithms publish non-atomic node fields through
// acquire-release CASes; they are correct, but the detector may report
// false positives. Tests incompatible with race detection skip themselves
// when RaceEnabled is set; the runnable examples are excluded via
// //go:build !race.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/atomix] for atomic primitives
// with explicit memory ordering (including the 128-bit head pair of the
// Unlinked variant), [code.hybscloud.com/iox] for semantic errors, and
// [code.hybscloud.com/spin] for CPU pause instructions in retry loops.
package dfq
