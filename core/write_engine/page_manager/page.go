package pagemanager

import (
	"encoding/binary"
	"fmt"
)

// --- Page Addressing ---

const (
	// PageSize is the fixed size of every page in the file. It is part of the
	// on-disk format and is not configurable.
	PageSize = 4096

	// MaxOrder is the largest buddy order a region can hand out (2^20 pages).
	MaxOrder = 20

	// MaxRegions bounds the region index so it fits the 24 bits reserved for it
	// in an encoded PageNumber.
	MaxRegions = 1 << 24

	// HeaderPages are the leading pages of region 0 that hold the two metapage
	// slots. They are permanently allocated.
	HeaderPages = 2
)

// PageNumber identifies a block of 2^Order contiguous pages by region and by
// page index inside that region.
type PageNumber struct {
	Region uint32
	Index  uint32
	Order  uint8
}

// InvalidPageNumber is the zero PageNumber. Page 0 of region 0 is metapage
// slot 0, so no tree structure can ever live there.
var InvalidPageNumber = PageNumber{}

// NewPageNumber builds a PageNumber.
func NewPageNumber(region, index uint32, order uint8) PageNumber {
	return PageNumber{Region: region, Index: index, Order: order}
}

// IsValid reports whether p can name a tree or overflow page.
func (p PageNumber) IsValid() bool {
	return p != InvalidPageNumber
}

// NumPages returns the number of pages covered by the block.
func (p PageNumber) NumPages() uint64 {
	return uint64(1) << p.Order
}

// Size returns the length of the block in bytes.
func (p PageNumber) Size() uint64 {
	return p.NumPages() * PageSize
}

// Encode packs the PageNumber into 64 bits: order in bits 0-7, page index in
// bits 8-39, region in bits 40-63.
func (p PageNumber) Encode() uint64 {
	return uint64(p.Region)<<40 | uint64(p.Index)<<8 | uint64(p.Order)
}

// DecodePageNumber is the inverse of Encode.
func DecodePageNumber(v uint64) PageNumber {
	return PageNumber{
		Region: uint32(v >> 40),
		Index:  uint32(v >> 8),
		Order:  uint8(v),
	}
}

// PutPageNumber writes p little-endian into the first 8 bytes of buf.
func PutPageNumber(buf []byte, p PageNumber) {
	binary.LittleEndian.PutUint64(buf, p.Encode())
}

// ReadPageNumber reads a PageNumber written by PutPageNumber.
func ReadPageNumber(buf []byte) PageNumber {
	return DecodePageNumber(binary.LittleEndian.Uint64(buf))
}

func (p PageNumber) String() string {
	return fmt.Sprintf("r%d.p%d/o%d", p.Region, p.Index, p.Order)
}

// OrderForPages returns the smallest order whose block holds at least n pages.
func OrderForPages(n uint64) uint8 {
	var order uint8
	for (uint64(1) << order) < n {
		order++
	}
	return order
}

// OrderForBytes returns the smallest order whose block holds n bytes.
func OrderForBytes(n uint64) uint8 {
	pages := (n + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	return OrderForPages(pages)
}
