// Copyright 2024 The memcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slab

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, segBytes int) *Pool {
	t.Helper()
	seg := make([]byte, segBytes)
	p, err := Init(seg, Config{PageSize: 4096, MinShift: 3}, nil)
	require.NoError(t, err)
	return p
}

func TestInitLayout(t *testing.T) {
	p := newTestPool(t, 64<<10)
	assert.Equal(t, 4096, p.pageSize)
	assert.Equal(t, 3, int(p.minShift))
	assert.Equal(t, 8, p.minSize)
	assert.Equal(t, 64, p.exactSize)
	assert.Equal(t, 6, int(p.exactShift))
	assert.Equal(t, 2048, p.maxClass)
	assert.True(t, len(p.descs) >= 1)
}

func TestInitRejectsUndersizedSegment(t *testing.T) {
	_, err := Init(make([]byte, 8), Config{PageSize: 4096}, nil)
	assert.ErrorIs(t, err, ErrSegmentTooSmall)
}

func TestAllocSmallChunksAreContiguous(t *testing.T) {
	p := newTestPool(t, 64<<10)

	a, err := p.Alloc(8)
	require.NoError(t, err)
	b, err := p.Alloc(8)
	require.NoError(t, err)

	assert.Equal(t, int64(8), chunkAddr(b)-chunkAddr(a))
}

func TestAllocExactChunksAreContiguous(t *testing.T) {
	p := newTestPool(t, 64<<10)

	a, err := p.Alloc(64)
	require.NoError(t, err)
	b, err := p.Alloc(64)
	require.NoError(t, err)

	assert.Equal(t, int64(64), chunkAddr(b)-chunkAddr(a))
}

func TestAllocBigChunksAreContiguous(t *testing.T) {
	p := newTestPool(t, 64<<10)

	// 100 bytes rounds up to the 128-byte class (CeilLog2(100) == 7),
	// which sits strictly between exactSize (64) and maxClass (2048).
	a, err := p.Alloc(100)
	require.NoError(t, err)
	b, err := p.Alloc(100)
	require.NoError(t, err)

	assert.Equal(t, int64(128), chunkAddr(b)-chunkAddr(a))
}

func TestAllocPageClassHandsBackWholePages(t *testing.T) {
	p := newTestPool(t, 64<<10)

	buf, err := p.Alloc(2048) // == maxClass, routed to the page path
	require.NoError(t, err)
	assert.Len(t, buf, 2048)
	assert.Zero(t, chunkAddr(buf)%int64(p.pageSize))
}

func TestAllocTwoPagesSpansContiguousRun(t *testing.T) {
	p := newTestPool(t, 64<<10)

	buf, err := p.Alloc(4097) // forces a 2-page run
	require.NoError(t, err)
	assert.Len(t, buf, 4097)
}

func TestFreeAndReallocReusesPage(t *testing.T) {
	p := newTestPool(t, 64<<10)

	buf, err := p.Alloc(2048)
	require.NoError(t, err)
	firstAddr := chunkAddr(buf)

	p.Free(buf)

	buf2, err := p.Alloc(2048)
	require.NoError(t, err)
	assert.Equal(t, firstAddr, chunkAddr(buf2), "a freed single-page run should be handed back out again")
}

func TestFreeSmallChunkAllowsReuse(t *testing.T) {
	p := newTestPool(t, 64<<10)

	a, err := p.Alloc(8)
	require.NoError(t, err)
	addr := chunkAddr(a)

	p.Free(a)

	b, err := p.Alloc(8)
	require.NoError(t, err)
	assert.Equal(t, addr, chunkAddr(b))
}

func TestFillSmallPageThenFreeAllReturnsPageToFreeList(t *testing.T) {
	p := newTestPool(t, 64<<10)

	freeBefore := freePageCount(p)

	// pageSize/chunkSize chunks fit in one page; allocate enough 8-byte
	// chunks to span the page (the exact count doesn't matter, just that
	// it's comfortably more than one page's worth).
	var bufs [][]byte
	for i := 0; i < 600; i++ {
		b, err := p.Alloc(8)
		require.NoError(t, err)
		bufs = append(bufs, b)
	}

	assert.Less(t, freePageCount(p), freeBefore, "serving 600 8-byte chunks must have claimed at least one page")

	for _, b := range bufs {
		p.Free(b)
	}

	assert.Equal(t, freeBefore, freePageCount(p), "every page emptied by Free must return to the free list")
}

func TestDoubleFreeIsLoggedNotFatal(t *testing.T) {
	p := newTestPool(t, 64<<10)

	a, err := p.Alloc(8)
	require.NoError(t, err)
	p.Free(a)
	assert.NotPanics(t, func() { p.Free(a) })
}

func TestFreeOutsidePoolIsLoggedNotFatal(t *testing.T) {
	p := newTestPool(t, 64<<10)
	stray := make([]byte, 8)
	assert.NotPanics(t, func() { p.Free(stray) })
}

func chunkAddr(b []byte) int64 {
	return int64(uintptr(unsafe.Pointer(&b[0])))
}

// freePageCount sums the run lengths of every node still on the pool's
// free-page list: the total number of whole pages not yet claimed by any
// size class or page allocation.
func freePageCount(p *Pool) int {
	total := 0
	cur, ok := decodeNext(p.descAt(0).next)
	for ok && cur != 0 {
		total += int(p.descAt(cur).slab &^ slabStart)
		next, nok := decodeNext(p.descAt(cur).next)
		cur, ok = next, nok
	}
	return total
}
