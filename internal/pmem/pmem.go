// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pmem

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is the writeback granularity of Flush.
const CacheLineSize = 64

// Flush asynchronously writes back the cache line containing p to the
// persistence domain without invalidating it. Completion is not ordered
// until a subsequent SFence.
func Flush(p unsafe.Pointer) {
	_ = p
}

// SFence orders all prior Flush calls and non-temporal stores before any
// subsequent one, and before subsequent stores become observable as
// durable.
func SFence() {}

// NTStore8 performs an 8-byte store to addr that bypasses the cache and
// is ordered only by SFence.
func NTStore8(addr *uint64, val uint64) {
	atomic.StoreUint64(addr, val)
}
