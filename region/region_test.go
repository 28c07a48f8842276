// Copyright 2024 The memcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrOf(b *byte) unsafe.Pointer { return unsafe.Pointer(b) }

func TestNewDefaults(t *testing.T) {
	r, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBlockSize, r.blockSize)
	assert.NotNil(t, r.head)
	assert.Same(t, r.head, r.current)
}

func TestNewFloorsTinyBlockSize(t *testing.T) {
	r, err := New(Config{BlockSize: 8}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.blockSize, bookkeepingFloor)
}

func TestAllocSmallNonOverlapping(t *testing.T) {
	r, err := New(Config{BlockSize: 4096}, nil)
	require.NoError(t, err)

	a, err := r.Alloc(32)
	require.NoError(t, err)
	b, err := r.Alloc(32)
	require.NoError(t, err)

	for i := range a {
		a[i] = 0xaa
	}
	for i := range b {
		b[i] = 0xbb
	}
	for _, v := range a {
		assert.Equal(t, byte(0xaa), v)
	}
}

func TestAllocSmallIsAligned(t *testing.T) {
	r, err := New(Config{BlockSize: 4096}, nil)
	require.NoError(t, err)

	// Force an odd cursor, then confirm the next aligned allocation lands
	// on an Align boundary relative to the block's base.
	_, err = r.Alloc(3)
	require.NoError(t, err)

	b, err := r.Alloc(16)
	require.NoError(t, err)
	base := &r.current.buf[0]
	off := uintptr(ptrOf(&b[0])) - uintptr(ptrOf(base))
	assert.Zero(t, off%Align)
}

func TestAllocUnalignedPacksTight(t *testing.T) {
	r, err := New(Config{BlockSize: 4096}, nil)
	require.NoError(t, err)

	a, err := r.AllocUnaligned(3)
	require.NoError(t, err)
	b, err := r.AllocUnaligned(5)
	require.NoError(t, err)

	assert.Equal(t, uintptr(ptrOf(&r.current.buf[0])), uintptr(ptrOf(&a[0])))
	assert.Equal(t, uintptr(3), uintptr(ptrOf(&b[0]))-uintptr(ptrOf(&a[0])))
}

func TestAllocGrowsChainWhenBlockFull(t *testing.T) {
	r, err := New(Config{BlockSize: 256}, nil)
	require.NoError(t, err)
	first := r.head

	// Exhaust the first block with unaligned allocations so the exact
	// byte budget is easy to reason about.
	for i := 0; i < 64; i++ {
		_, err := r.AllocUnaligned(8)
		require.NoError(t, err)
	}

	// One failed scan is far below the fail_count > 4 soft-eviction rule,
	// so current stays on the first block while the chain grows.
	assert.Same(t, first, r.current, "a single failure must not move current past the first block")
	assert.NotNil(t, first.next, "allocation past one block's capacity must grow the chain")
}

func TestAllocLargeBypassesBlocks(t *testing.T) {
	r, err := New(Config{BlockSize: 256}, nil)
	require.NoError(t, err)

	big, err := r.Alloc(r.max + 1)
	require.NoError(t, err)
	assert.Len(t, big, r.max+1)
	assert.NotNil(t, r.large)
}

func TestFreeLargeHitAndMiss(t *testing.T) {
	r, err := New(Config{BlockSize: 256}, nil)
	require.NoError(t, err)

	big, err := r.Alloc(r.max + 1)
	require.NoError(t, err)

	other := make([]byte, 4)
	assert.False(t, r.FreeLarge(other))
	assert.True(t, r.FreeLarge(big))
	assert.False(t, r.FreeLarge(big), "freeing the same slice twice must not succeed twice")
}

func TestFreeLargeSlotReused(t *testing.T) {
	r, err := New(Config{BlockSize: 256}, nil)
	require.NoError(t, err)

	a, err := r.Alloc(r.max + 1)
	require.NoError(t, err)
	require.True(t, r.FreeLarge(a))

	before := 0
	for l := r.large; l != nil; l = l.next {
		before++
	}

	_, err = r.Alloc(r.max + 2)
	require.NoError(t, err)

	after := 0
	for l := r.large; l != nil; l = l.next {
		after++
	}
	assert.Equal(t, before, after, "a vacated large slot within scan range must be reused, not appended")
}

func TestResetRewindsWithoutNewBlock(t *testing.T) {
	r, err := New(Config{BlockSize: 4096}, nil)
	require.NoError(t, err)

	_, err = r.Alloc(1024)
	require.NoError(t, err)
	_, err = r.Alloc(r.max + 1)
	require.NoError(t, err)

	head := r.head
	r.Reset()

	assert.Same(t, head, r.head)
	assert.Same(t, head, r.current)
	assert.Zero(t, head.cursor)
	assert.Nil(t, r.large)

	// Post-reset allocation must be served from the existing block, not a
	// freshly grown one.
	_, err = r.Alloc(1024)
	require.NoError(t, err)
	assert.Same(t, head, r.current)
}

func TestCleanupRunsEachOnceAtDestroy(t *testing.T) {
	r, err := New(Config{BlockSize: 4096}, nil)
	require.NoError(t, err)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		c, err := r.AddCleanup(0)
		require.NoError(t, err)
		c.Handler = func([]byte) { order = append(order, i) }
	}

	r.Destroy()
	require.Len(t, order, 3)
	// Cleanups run in reverse registration order, matching nginx's pool
	// cleanup chain (most recently added runs first).
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestCleanupDataComesFromRegion(t *testing.T) {
	r, err := New(Config{BlockSize: 4096}, nil)
	require.NoError(t, err)

	c, err := r.AddCleanup(16)
	require.NoError(t, err)
	require.Len(t, c.Data, 16)
	copy(c.Data, "hello")

	var got string
	c.Handler = func(data []byte) { got = string(data[:5]) }
	r.Destroy()
	assert.Equal(t, "hello", got)
}

func TestRunFileCleanupFiresOnceAndSkipsAtDestroy(t *testing.T) {
	r, err := New(Config{BlockSize: 4096}, nil)
	require.NoError(t, err)

	calls := 0
	_, err = AddFileCleanup(r, 42, "fixture", func(fd uintptr) error {
		calls++
		assert.EqualValues(t, 42, fd)
		return nil
	})
	require.NoError(t, err)

	r.RunFileCleanup(42)
	r.RunFileCleanup(42) // second call on an already-consumed fd is a no-op
	r.Destroy()

	assert.Equal(t, 1, calls)
}

func TestAllocMemalignAligns(t *testing.T) {
	r, err := New(Config{BlockSize: 4096}, nil)
	require.NoError(t, err)

	for _, align := range []int{16, 64, 256} {
		b, err := r.AllocMemalign(32, align)
		require.NoError(t, err)
		assert.Zero(t, uintptr(ptrOf(&b[0]))%uintptr(align))
	}
}

func TestDestroyDropsBlocks(t *testing.T) {
	r, err := New(Config{BlockSize: 4096}, nil)
	require.NoError(t, err)
	r.Destroy()
	assert.Nil(t, r.head)
	assert.Nil(t, r.current)
}
