// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pmem provides the three durability primitives of the cached
// persistent memory model: cache-line writeback, store fence, and 8-byte
// non-temporal store.
//
// On x86 hardware persistent memory these map to CLWB, SFENCE, and MOVNTI.
// This build is the conformant emulation permitted by the model: in
// process-lifetime memory every completed store is already in the
// persistence domain, so Flush and SFence mark the protocol points where
// the hardware instructions belong, and NTStore8 compiles to a
// sync/atomic 8-byte store (its cross-thread visibility at recovery time
// still matters). Callers must keep the discipline regardless of build:
// every Flush on data precedes an SFence before the data may be relied
// upon as durable, and every NTStore8 requires a subsequent SFence.
package pmem
