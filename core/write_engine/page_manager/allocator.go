package pagemanager

import (
	"fmt"
	"sync"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

// Grower extends the backing store. It is implemented by the I/O backends.
type Grower interface {
	Grow(newLen uint64) error
}

// PendingFree is a page released by a committed transaction that some reader
// may still observe. FreedAt is the generation of the newest snapshot that can
// still reach the page.
type PendingFree struct {
	Page    PageNumber
	FreedAt uint64
}

// AllocatorStats is a point-in-time summary of the allocator.
type AllocatorStats struct {
	Regions         uint32
	AllocatedPages  uint64
	FreePages       uint64
	PendingPages    uint64
	ReleasedRegions int
}

// Allocator owns the physical free space of the file. Pages freed by committed
// transactions go through the pending list and are only reused once the
// caller's low-water-mark has moved past them.
type Allocator struct {
	mu       sync.Mutex
	layout   Layout
	regions  []*BuddyAllocator
	tracker  *RegionTracker
	pending  []PendingFree
	released int
	grower   Grower
	logger   *zap.Logger
}

// NewAllocator returns an allocator for a freshly created file. Only the
// metapage slots are allocated.
func NewAllocator(layout Layout, grower Grower, logger *zap.Logger) (*Allocator, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	a := newAllocator(layout, grower, logger)
	for i := uint32(0); i < layout.NumRegions; i++ {
		a.regions = append(a.regions, NewBuddyAllocator(layout.RegionPages))
	}
	if err := a.regions[0].MarkAllocated(0, OrderForPages(HeaderPages)); err != nil {
		return nil, err
	}
	a.refreshAll()
	return a, nil
}

func newAllocator(layout Layout, grower Grower, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{
		layout:  layout,
		tracker: NewRegionTracker(int(layout.NumRegions)),
		grower:  grower,
		logger:  logger,
	}
}

// Layout returns the current region layout.
func (a *Allocator) Layout() Layout {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.layout
}

// Allocate hands out a block of 2^order pages. Existing regions are tried
// first, lowest region first; the file only grows when none can serve the
// request.
func (a *Allocator) Allocate(order uint8) (PageNumber, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if order > a.layout.RegionMaxOrder() {
		return InvalidPageNumber, fmt.Errorf("%w: block of %d pages exceeds region capacity of %d pages",
			flushmanager.ErrValueTooLarge, uint64(1)<<order, a.layout.RegionPages)
	}
	for {
		if region, ok := a.tracker.Find(order); ok {
			index, ok := a.regions[region].Alloc(order)
			a.refresh(region)
			if !ok {
				continue
			}
			pn := PageNumber{Region: region, Index: index, Order: order}
			a.logger.Debug("page allocated", zap.Stringer("page", pn))
			return pn, nil
		}
		if err := a.growLocked(1); err != nil {
			return InvalidPageNumber, err
		}
	}
}

func (a *Allocator) growLocked(n uint32) error {
	next := uint64(a.layout.NumRegions) + uint64(n)
	if next > MaxRegions {
		return fmt.Errorf("%w: region limit %d reached", flushmanager.ErrAllocationExhausted, MaxRegions)
	}
	grown := a.layout.WithRegions(uint32(next))
	if err := grown.Validate(); err != nil {
		return fmt.Errorf("%w: %v", flushmanager.ErrAllocationExhausted, err)
	}
	if a.grower != nil {
		if err := a.grower.Grow(grown.Len()); err != nil {
			return fmt.Errorf("%w: growing file to %d bytes: %w", flushmanager.ErrAllocationExhausted, grown.Len(), err)
		}
	}
	for i := a.layout.NumRegions; i < grown.NumRegions; i++ {
		a.regions = append(a.regions, NewBuddyAllocator(grown.RegionPages))
	}
	a.layout = grown
	a.tracker.Resize(len(a.regions))
	for i := uint32(len(a.regions)) - n; i < uint32(len(a.regions)); i++ {
		a.refresh(i)
	}
	a.logger.Info("file grown", zap.Uint32("regions", grown.NumRegions), zap.Uint64("bytes", grown.Len()))
	return nil
}

// FreeNow returns a block to the free space immediately. It must only be used
// for pages no snapshot can reach.
func (a *Allocator) FreeNow(pn PageNumber) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked(pn)
}

func (a *Allocator) freeLocked(pn PageNumber) error {
	if !a.layout.Contains(pn) {
		return fmt.Errorf("%w: free of %s outside layout", flushmanager.ErrInvalidPageData, pn)
	}
	r := a.regions[pn.Region]
	if r.IsFree(pn.Index) {
		return fmt.Errorf("%w: double free of %s", flushmanager.ErrInvalidPageData, pn)
	}
	r.Free(pn.Index, pn.Order)
	a.refresh(pn.Region)
	return nil
}

// Free records a page released by a committing transaction. The page stays
// allocated until ReclaimUpTo passes freedAt.
func (a *Allocator) Free(pn PageNumber, freedAt uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, PendingFree{Page: pn, FreedAt: freedAt})
}

// ReclaimUpTo releases every pending page with FreedAt < lwm and returns how
// many pages became reusable. Regions left completely empty are counted as
// released.
func (a *Allocator) ReclaimUpTo(lwm uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		reclaimed uint64
		firstErr  error
	)
	kept := make([]PendingFree, 0, len(a.pending))
	for _, p := range a.pending {
		if p.FreedAt >= lwm {
			kept = append(kept, p)
			continue
		}
		if err := a.freeLocked(p.Page); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reclaimed += p.Page.NumPages()
	}
	a.pending = kept

	a.released = 0
	for _, r := range a.regions {
		if r.Empty() {
			a.released++
		}
	}
	if reclaimed > 0 {
		a.logger.Debug("pages reclaimed",
			zap.Uint64("pages", reclaimed),
			zap.Uint64("low_water_mark", lwm),
			zap.Int("pending", len(a.pending)),
			zap.Int("empty_regions", a.released))
	}
	return reclaimed, firstErr
}

// ReleasePending frees every pending page regardless of generation. Used at
// open, when no reader can exist.
func (a *Allocator) ReleasePending() error {
	_, err := a.ReclaimUpTo(^uint64(0))
	return err
}

// RemovePending drops the given pages from the pending list; they become live
// again. It returns the pages that were not pending.
func (a *Allocator) RemovePending(pages map[PageNumber]struct{}) map[PageNumber]struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	missing := make(map[PageNumber]struct{}, len(pages))
	for pn := range pages {
		missing[pn] = struct{}{}
	}
	kept := a.pending[:0]
	for _, p := range a.pending {
		if _, ok := pages[p.Page]; ok {
			delete(missing, p.Page)
			continue
		}
		kept = append(kept, p)
	}
	a.pending = kept
	return missing
}

// TrimTrailingRegions drops trailing regions that are entirely free. Region 0
// always stays. It returns the number of regions removed.
func (a *Allocator) TrimTrailingRegions() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var removed uint32
	for len(a.regions) > 1 && a.regions[len(a.regions)-1].Empty() {
		a.regions = a.regions[:len(a.regions)-1]
		removed++
	}
	if removed > 0 {
		a.layout = a.layout.WithRegions(uint32(len(a.regions)))
		a.tracker.Resize(len(a.regions))
		a.logger.Info("trailing regions trimmed", zap.Uint32("removed", removed), zap.Uint32("regions", a.layout.NumRegions))
	}
	return removed
}

// IsAllocated reports whether every page of pn is allocated.
func (a *Allocator) IsAllocated(pn PageNumber) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.layout.Contains(pn) {
		return false
	}
	r := a.regions[pn.Region]
	for i := uint64(0); i < pn.NumPages(); i++ {
		if r.IsFree(pn.Index + uint32(i)) {
			return false
		}
	}
	return true
}

// PendingPages returns a copy of the pending list.
func (a *Allocator) PendingPages() []PendingFree {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]PendingFree(nil), a.pending...)
}

// Stats summarizes the allocator.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := AllocatorStats{Regions: a.layout.NumRegions, ReleasedRegions: a.released}
	for _, r := range a.regions {
		s.FreePages += r.FreePages()
		s.AllocatedPages += r.AllocatedPages()
	}
	for _, p := range a.pending {
		s.PendingPages += p.Page.NumPages()
	}
	return s
}

// Clone returns a deep copy, used to roll back a failed commit.
func (a *Allocator) Clone() *Allocator {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := newAllocator(a.layout, a.grower, a.logger)
	c.tracker = a.tracker.clone()
	c.pending = append([]PendingFree(nil), a.pending...)
	c.released = a.released
	for _, r := range a.regions {
		c.regions = append(c.regions, r.clone())
	}
	return c
}

// Restore replaces the allocator state with a copy taken by Clone.
func (a *Allocator) Restore(from *Allocator) {
	snapshot := from.Clone()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.layout = snapshot.layout
	a.regions = snapshot.regions
	a.tracker = snapshot.tracker
	a.pending = snapshot.pending
	a.released = snapshot.released
}

func (a *Allocator) refresh(region uint32) {
	a.tracker.Set(region, a.regions[region].HighestFreeOrder())
}

func (a *Allocator) refreshAll() {
	a.tracker.Resize(len(a.regions))
	for i := range a.regions {
		a.refresh(uint32(i))
	}
}
