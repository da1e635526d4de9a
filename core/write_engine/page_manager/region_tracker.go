package pagemanager

// RegionTracker keeps the highest free order of every region so an allocation
// can skip regions that cannot serve it without touching their bitmaps.
type RegionTracker struct {
	highest []int8
}

// NewRegionTracker returns a tracker for n regions, all marked full.
func NewRegionTracker(n int) *RegionTracker {
	t := &RegionTracker{highest: make([]int8, n)}
	for i := range t.highest {
		t.highest[i] = -1
	}
	return t
}

// Set records the highest free order of a region (-1 when full).
func (t *RegionTracker) Set(region uint32, order int) {
	t.highest[region] = int8(order)
}

// Get returns the recorded highest free order of a region.
func (t *RegionTracker) Get(region uint32) int {
	return int(t.highest[region])
}

// Find returns the first region that can serve an allocation of the order.
func (t *RegionTracker) Find(order uint8) (uint32, bool) {
	for region, highest := range t.highest {
		if int(highest) >= int(order) {
			return uint32(region), true
		}
	}
	return 0, false
}

// Resize grows or truncates the tracker to n regions. New regions start full;
// the caller records their real state.
func (t *RegionTracker) Resize(n int) {
	for len(t.highest) < n {
		t.highest = append(t.highest, -1)
	}
	t.highest = t.highest[:n]
}

// Len returns the number of tracked regions.
func (t *RegionTracker) Len() int { return len(t.highest) }

func (t *RegionTracker) clone() *RegionTracker {
	return &RegionTracker{highest: append([]int8(nil), t.highest...)}
}
