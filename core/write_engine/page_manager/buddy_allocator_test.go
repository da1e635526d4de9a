package pagemanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBuddyAllocSplitAndMerge allocates every page of a region one by one and
// frees them again; the region must end up as a single max-order block.
func TestBuddyAllocSplitAndMerge(t *testing.T) {
	b := NewBuddyAllocator(64)
	require.Equal(t, 6, b.HighestFreeOrder())

	// 1. Drain the region with order-0 allocations; they come out in address order.
	for i := uint32(0); i < 64; i++ {
		index, ok := b.Alloc(0)
		require.True(t, ok)
		assert.Equal(t, i, index)
	}
	_, ok := b.Alloc(0)
	assert.False(t, ok)
	assert.Equal(t, -1, b.HighestFreeOrder())
	assert.Equal(t, uint64(64), b.AllocatedPages())

	// 2. Free in reverse order; buddies merge back up.
	for i := int32(63); i >= 0; i-- {
		b.Free(uint32(i), 0)
	}
	assert.True(t, b.Empty())
	assert.Equal(t, uint64(64), b.FreePages())
}

// TestBuddyMultiPageAlloc checks alignment of larger blocks.
func TestBuddyMultiPageAlloc(t *testing.T) {
	b := NewBuddyAllocator(64)

	first, ok := b.Alloc(0)
	require.True(t, ok)
	assert.Equal(t, uint32(0), first)

	big, ok := b.Alloc(3)
	require.True(t, ok)
	assert.Equal(t, uint32(0), big%8, "order-3 block must be 8-page aligned")
	assert.NotEqual(t, uint32(0), big)

	_, ok = b.Alloc(7)
	assert.False(t, ok, "order above the region maximum")

	b.Free(big, 3)
	b.Free(first, 0)
	assert.True(t, b.Empty())
}

// TestBuddyMarkAllocated carves specific blocks, the way the metapage slots are
// reserved, and rejects double reservation.
func TestBuddyMarkAllocated(t *testing.T) {
	b := NewBuddyAllocator(32)

	require.NoError(t, b.MarkAllocated(0, 1))
	require.NoError(t, b.MarkAllocated(12, 2))
	assert.Error(t, b.MarkAllocated(13, 0), "page already inside an allocated block")
	assert.Error(t, b.MarkAllocated(3, 1), "misaligned block")

	assert.False(t, b.IsFree(0))
	assert.False(t, b.IsFree(15))
	assert.True(t, b.IsFree(2))
	assert.True(t, b.IsFree(16))
	assert.Equal(t, uint64(6), b.AllocatedPages())

	next, ok := b.Alloc(0)
	require.True(t, ok)
	assert.Equal(t, uint32(2), next)
}
