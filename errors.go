// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dfq

import (
	"errors"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock indicates the operation cannot proceed immediately.
//
// For Dequeue it means the queue is empty (no data available). It is a
// control flow signal, not a failure: the caller should retry later
// (with backoff or yield) rather than propagating the error.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
//
// Example:
//
//	backoff := iox.Backoff{}
//	for {
//	    elem, err := q.Dequeue(tid)
//	    if err == nil {
//	        backoff.Reset()
//	        process(elem)
//	        continue
//	    }
//	    if dfq.IsWouldBlock(err) {
//	        backoff.Wait()
//	        continue
//	    }
//	    return err // Unexpected error
//	}
var ErrWouldBlock = iox.ErrWouldBlock

// ErrCorrupted indicates that Recover found a persistent image violating
// the queue invariants (duplicate indices, a cycle in the node chain).
//
// Recovery is fail-stop: when the image cannot be trusted, Recover
// returns an error wrapping ErrCorrupted and leaves the queue unmounted
// instead of silently discarding state. A corrupted image means the
// platform did not deliver the persistence contract (flush+fence implies
// durability); re-running Recover will not help.
var ErrCorrupted = errors.New("dfq: persistent image corrupted")

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
// Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// IsNonFailure reports whether err represents a non-failure condition.
// Returns true for nil or ErrWouldBlock.
// Delegates to [iox.IsNonFailure].
func IsNonFailure(err error) bool {
	return iox.IsNonFailure(err)
}

// IsCorrupted reports whether err indicates an unrecoverable persistent
// image, i.e. wraps [ErrCorrupted].
func IsCorrupted(err error) bool {
	return errors.Is(err, ErrCorrupted)
}
