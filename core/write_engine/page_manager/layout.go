package pagemanager

import (
	"fmt"
	"math"
	"math/bits"
)

const (
	// DefaultRegionPages gives 16 MiB regions.
	DefaultRegionPages = 4096
	// MinRegionPages keeps room for the metapage slots plus some usable pages.
	MinRegionPages = 16
	// MaxRegionPages is the largest region a single buddy allocator can manage.
	MaxRegionPages = 1 << MaxOrder
)

// Layout describes how the file is carved into regions. The file is always a
// whole number of regions.
type Layout struct {
	RegionPages uint32
	NumRegions  uint32
}

// RegionSize is the byte length of one region.
func (l Layout) RegionSize() uint64 {
	return uint64(l.RegionPages) * PageSize
}

// Len is the byte length of the file the layout describes.
func (l Layout) Len() uint64 {
	return uint64(l.NumRegions) * l.RegionSize()
}

// RegionMaxOrder is the largest order a region of this layout can serve.
func (l Layout) RegionMaxOrder() uint8 {
	return uint8(bits.TrailingZeros32(l.RegionPages))
}

// Address returns the byte offset of p. All arithmetic is carried out in
// 64 bits: region_index * region_size + page_index * page_size.
func (l Layout) Address(p PageNumber) uint64 {
	return RegionAddress(p.Region, l.RegionSize()) + uint64(p.Index)*PageSize
}

// AddressRange returns the half-open byte range [start, end) covered by p.
func (l Layout) AddressRange(p PageNumber) (uint64, uint64) {
	start := l.Address(p)
	return start, start + p.Size()
}

// Contains reports whether the whole block p lies inside the layout.
func (l Layout) Contains(p PageNumber) bool {
	if p.Region >= l.NumRegions || p.Order > l.RegionMaxOrder() {
		return false
	}
	return uint64(p.Index)+p.NumPages() <= uint64(l.RegionPages)
}

// WithRegions returns a copy of the layout holding n regions.
func (l Layout) WithRegions(n uint32) Layout {
	l.NumRegions = n
	return l
}

// Validate checks that the layout can be addressed without overflow.
func (l Layout) Validate() error {
	if l.RegionPages < MinRegionPages || l.RegionPages > MaxRegionPages {
		return fmt.Errorf("region pages %d out of range [%d, %d]", l.RegionPages, MinRegionPages, MaxRegionPages)
	}
	if bits.OnesCount32(l.RegionPages) != 1 {
		return fmt.Errorf("region pages %d is not a power of two", l.RegionPages)
	}
	if l.NumRegions == 0 || l.NumRegions > MaxRegions {
		return fmt.Errorf("region count %d out of range [1, %d]", l.NumRegions, MaxRegions)
	}
	hi, lo := bits.Mul64(uint64(l.NumRegions), l.RegionSize())
	if hi != 0 || lo > math.MaxInt64 {
		return fmt.Errorf("layout of %d regions of %d pages exceeds the maximum file size", l.NumRegions, l.RegionPages)
	}
	return nil
}

// RegionAddress returns the byte offset of the first page of a region.
func RegionAddress(region uint32, regionSize uint64) uint64 {
	return uint64(region) * regionSize
}

// LayoutForSize returns the smallest layout of regionPages-sized regions that
// covers at least size bytes.
func LayoutForSize(size uint64, regionPages uint32) Layout {
	l := Layout{RegionPages: regionPages, NumRegions: 1}
	if rs := l.RegionSize(); size > rs {
		n := (size + rs - 1) / rs
		if n > MaxRegions {
			n = MaxRegions
		}
		l.NumRegions = uint32(n)
	}
	return l
}
