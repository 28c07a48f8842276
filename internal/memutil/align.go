// Copyright 2024 The memcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memutil holds the handful of bit-twiddling helpers shared by the
// region and slab allocators: both need power-of-two roundup and bit-length
// arithmetic, and both must agree on the native word size.
package memutil

import (
	"unsafe"

	"github.com/cznic/mathutil"
)

// WordBytes is the machine word size in bytes, used by the slab allocator
// to size the exact size class. The slab bitmaps themselves are fixed
// 64-bit words.
const WordBytes = unsafe.Sizeof(uintptr(0))

// WordBits is WordBytes in bits.
const WordBits = WordBytes * 8

// Roundup rounds n up to the next multiple of m. m must be a power of two.
func Roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

// RoundupPtr is Roundup for uintptr-valued sizes.
func RoundupPtr(n, m uintptr) uintptr { return (n + m - 1) &^ (m - 1) }

// CeilLog2 returns the smallest shift such that 1<<shift >= n, for n >= 1.
func CeilLog2(n int) uint {
	if n <= 1 {
		return 0
	}
	return uint(mathutil.BitLen(n - 1))
}
