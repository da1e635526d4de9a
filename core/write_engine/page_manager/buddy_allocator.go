package pagemanager

import (
	"fmt"
	"math/bits"
)

// bitmap is a fixed-length bit set.
type bitmap []uint64

func newBitmap(n uint32) bitmap {
	return make(bitmap, (n+63)/64)
}

func (b bitmap) get(i uint32) bool { return b[i/64]&(1<<(i%64)) != 0 }
func (b bitmap) set(i uint32)      { b[i/64] |= 1 << (i % 64) }
func (b bitmap) clear(i uint32)    { b[i/64] &^= 1 << (i % 64) }

// first returns the lowest set bit.
func (b bitmap) first() (uint32, bool) {
	for w, word := range b {
		if word != 0 {
			return uint32(w*64 + bits.TrailingZeros64(word)), true
		}
	}
	return 0, false
}

// BuddyAllocator manages the pages of one region. Free blocks of order k are
// tracked in a bitmap indexed by block number (page index >> k).
type BuddyAllocator struct {
	numPages uint32
	maxOrder uint8
	free     []bitmap
	counts   []uint32
}

// NewBuddyAllocator returns an allocator for a region of numPages pages, all
// of them free. numPages must be a power of two.
func NewBuddyAllocator(numPages uint32) *BuddyAllocator {
	maxOrder := uint8(bits.TrailingZeros32(numPages))
	b := &BuddyAllocator{
		numPages: numPages,
		maxOrder: maxOrder,
		free:     make([]bitmap, maxOrder+1),
		counts:   make([]uint32, maxOrder+1),
	}
	for order := uint8(0); order <= maxOrder; order++ {
		b.free[order] = newBitmap(numPages >> order)
	}
	b.free[maxOrder].set(0)
	b.counts[maxOrder] = 1
	return b
}

// newFullBuddyAllocator returns an allocator with nothing free; used when
// rebuilding state from its free-block list.
func newFullBuddyAllocator(numPages uint32) *BuddyAllocator {
	b := NewBuddyAllocator(numPages)
	b.free[b.maxOrder].clear(0)
	b.counts[b.maxOrder] = 0
	return b
}

// NumPages returns the capacity of the region.
func (b *BuddyAllocator) NumPages() uint32 { return b.numPages }

// MaxOrder returns the largest order the region can serve.
func (b *BuddyAllocator) MaxOrder() uint8 { return b.maxOrder }

// HighestFreeOrder returns the largest order with a free block, or -1 when the
// region is full.
func (b *BuddyAllocator) HighestFreeOrder() int {
	for order := int(b.maxOrder); order >= 0; order-- {
		if b.counts[order] > 0 {
			return order
		}
	}
	return -1
}

// Alloc hands out the lowest-addressed block of the given order, splitting
// larger blocks as needed. It returns the first page index of the block.
func (b *BuddyAllocator) Alloc(order uint8) (uint32, bool) {
	if order > b.maxOrder {
		return 0, false
	}
	found := -1
	for o := order; o <= b.maxOrder; o++ {
		if b.counts[o] > 0 {
			found = int(o)
			break
		}
	}
	if found < 0 {
		return 0, false
	}
	o := uint8(found)
	block, _ := b.free[o].first()
	b.take(o, block)
	for o > order {
		o--
		block *= 2
		b.put(o, block+1)
	}
	return block << order, true
}

// Free returns a block and merges it with its buddies.
func (b *BuddyAllocator) Free(index uint32, order uint8) {
	block := index >> order
	for order < b.maxOrder {
		buddy := block ^ 1
		if !b.free[order].get(buddy) {
			break
		}
		b.take(order, buddy)
		block >>= 1
		order++
	}
	b.put(order, block)
}

// MarkAllocated carves a specific block out of the free space.
func (b *BuddyAllocator) MarkAllocated(index uint32, order uint8) error {
	if order > b.maxOrder || index%(1<<order) != 0 || index >= b.numPages {
		return fmt.Errorf("invalid block %d/o%d in region of %d pages", index, order, b.numPages)
	}
	for o := order; o <= b.maxOrder; o++ {
		container := index >> o
		if !b.free[o].get(container) {
			continue
		}
		b.take(o, container)
		for o > order {
			o--
			container *= 2
			want := index >> o
			if want == container {
				b.put(o, container+1)
			} else {
				b.put(o, container)
				container++
			}
		}
		return nil
	}
	return fmt.Errorf("block %d/o%d is not free", index, order)
}

// IsFree reports whether the page at index is covered by a free block.
func (b *BuddyAllocator) IsFree(index uint32) bool {
	for o := uint8(0); o <= b.maxOrder; o++ {
		if b.free[o].get(index >> o) {
			return true
		}
	}
	return false
}

// FreePages counts free pages.
func (b *BuddyAllocator) FreePages() uint64 {
	var n uint64
	for order, c := range b.counts {
		n += uint64(c) << order
	}
	return n
}

// AllocatedPages counts allocated pages.
func (b *BuddyAllocator) AllocatedPages() uint64 {
	return uint64(b.numPages) - b.FreePages()
}

// Empty reports whether the whole region is free.
func (b *BuddyAllocator) Empty() bool {
	return b.counts[b.maxOrder] == 1
}

// freeBlocks visits every free block in order of (order, index).
func (b *BuddyAllocator) freeBlocks(fn func(index uint32, order uint8)) {
	for o := uint8(0); o <= b.maxOrder; o++ {
		if b.counts[o] == 0 {
			continue
		}
		for w, word := range b.free[o] {
			for word != 0 {
				bit := uint32(bits.TrailingZeros64(word))
				word &^= 1 << bit
				fn((uint32(w)*64+bit)<<o, o)
			}
		}
	}
}

func (b *BuddyAllocator) freeBlockCount() int {
	n := 0
	for _, c := range b.counts {
		n += int(c)
	}
	return n
}

func (b *BuddyAllocator) clone() *BuddyAllocator {
	c := &BuddyAllocator{
		numPages: b.numPages,
		maxOrder: b.maxOrder,
		free:     make([]bitmap, len(b.free)),
		counts:   append([]uint32(nil), b.counts...),
	}
	for i, bm := range b.free {
		c.free[i] = append(bitmap(nil), bm...)
	}
	return c
}

func (b *BuddyAllocator) take(order uint8, block uint32) {
	b.free[order].clear(block)
	b.counts[order]--
}

func (b *BuddyAllocator) put(order uint8, block uint32) {
	b.free[order].set(block)
	b.counts[order]++
}
