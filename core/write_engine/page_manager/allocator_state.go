package pagemanager

import (
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

// Persisted allocator state, little-endian:
//
//	version u8 | pad [3] | region pages u32 | regions u32
//	per region: free block count u32, (index u32, order u8)*
//	pending count u32, (page u64, freed at u64)*
const (
	stateVersion     = 1
	stateHeaderSize  = 12
	freeBlockSize    = 5
	pendingEntrySize = 16
)

// EncodedStateSize returns the length MarshalState would produce.
func (a *Allocator) EncodedStateSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.encodedSizeLocked()
}

func (a *Allocator) encodedSizeLocked() int {
	n := stateHeaderSize + 4 + len(a.pending)*pendingEntrySize
	for _, r := range a.regions {
		n += 4 + r.freeBlockCount()*freeBlockSize
	}
	return n
}

// MarshalState serializes the free space and the pending list.
func (a *Allocator) MarshalState() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.marshalLocked(make([]byte, 0, a.encodedSizeLocked()))
}

func (a *Allocator) marshalLocked(buf []byte) []byte {
	buf = append(buf, stateVersion, 0, 0, 0)
	buf = binary.LittleEndian.AppendUint32(buf, a.layout.RegionPages)
	buf = binary.LittleEndian.AppendUint32(buf, a.layout.NumRegions)
	for _, r := range a.regions {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r.freeBlockCount()))
		r.freeBlocks(func(index uint32, order uint8) {
			buf = binary.LittleEndian.AppendUint32(buf, index)
			buf = append(buf, order)
		})
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(a.pending)))
	for _, p := range a.pending {
		buf = binary.LittleEndian.AppendUint64(buf, p.Page.Encode())
		buf = binary.LittleEndian.AppendUint64(buf, p.FreedAt)
	}
	return buf
}

// PersistState allocates a block for the allocator's own state and returns it
// with the serialized state. The state already accounts for the block holding
// it. The returned buffer is padded to the block size.
func (a *Allocator) PersistState() (PageNumber, []byte, int, error) {
	slack := 0
	for attempt := 0; attempt < 8; attempt++ {
		want := a.EncodedStateSize() + slack
		pn, err := a.Allocate(OrderForBytes(uint64(want)))
		if err != nil {
			return InvalidPageNumber, nil, 0, err
		}
		a.mu.Lock()
		size := a.encodedSizeLocked()
		if uint64(size) <= pn.Size() {
			buf := a.marshalLocked(make([]byte, 0, pn.Size()))
			a.mu.Unlock()
			return pn, buf[:pn.Size()], size, nil
		}
		err = a.freeLocked(pn)
		a.mu.Unlock()
		if err != nil {
			return InvalidPageNumber, nil, 0, err
		}
		slack = size - want + slack + PageSize
	}
	return InvalidPageNumber, nil, 0, fmt.Errorf("allocator state does not converge on a block size")
}

// UnmarshalState rebuilds an allocator from MarshalState output. Pending pages
// are restored as pending; callers opening a file release them with
// ReleasePending.
func UnmarshalState(data []byte, grower Grower, logger *zap.Logger) (*Allocator, error) {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: allocator state: %s", flushmanager.ErrCorrupted, fmt.Sprintf(format, args...))
	}
	if len(data) < stateHeaderSize+4 {
		return nil, corrupt("truncated header (%d bytes)", len(data))
	}
	if data[0] != stateVersion {
		return nil, corrupt("unknown version %d", data[0])
	}
	layout := Layout{
		RegionPages: binary.LittleEndian.Uint32(data[4:8]),
		NumRegions:  binary.LittleEndian.Uint32(data[8:12]),
	}
	if err := layout.Validate(); err != nil {
		return nil, corrupt("%v", err)
	}

	a := newAllocator(layout, grower, logger)
	off := stateHeaderSize
	for i := uint32(0); i < layout.NumRegions; i++ {
		if off+4 > len(data) {
			return nil, corrupt("truncated region %d", i)
		}
		count := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+count*freeBlockSize > len(data) {
			return nil, corrupt("truncated free list of region %d", i)
		}
		r := newFullBuddyAllocator(layout.RegionPages)
		for j := 0; j < count; j++ {
			index := binary.LittleEndian.Uint32(data[off:])
			order := data[off+4]
			off += freeBlockSize
			if order > r.MaxOrder() || index%(1<<order) != 0 || index >= r.NumPages() || r.IsFree(index) {
				return nil, corrupt("bad free block %d/o%d in region %d", index, order, i)
			}
			r.Free(index, order)
		}
		a.regions = append(a.regions, r)
	}
	if off+4 > len(data) {
		return nil, corrupt("truncated pending list")
	}
	count := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if off+count*pendingEntrySize > len(data) {
		return nil, corrupt("truncated pending list of %d entries", count)
	}
	for j := 0; j < count; j++ {
		pn := DecodePageNumber(binary.LittleEndian.Uint64(data[off:]))
		freedAt := binary.LittleEndian.Uint64(data[off+8:])
		off += pendingEntrySize
		if !layout.Contains(pn) {
			return nil, corrupt("pending page %s outside layout", pn)
		}
		a.pending = append(a.pending, PendingFree{Page: pn, FreedAt: freedAt})
	}
	a.refreshAll()
	return a, nil
}
