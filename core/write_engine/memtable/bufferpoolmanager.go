package memtable

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// DefaultCacheBytes is the read cache budget used when none is configured.
const DefaultCacheBytes = 64 << 20

const flushConcurrency = 8

// CacheStats summarizes read cache effectiveness.
type CacheStats struct {
	Hits       uint64
	Misses     uint64
	DirtyPages int
}

// BufferPoolManager sits between the B-tree and the backend. Committed pages
// are immutable, so reads go through a shared cost-bounded cache keyed by the
// encoded page number. Pages written by the open write transaction stay in the
// dirty set until FlushDirty writes them out.
type BufferPoolManager struct {
	backend    flushmanager.Backend
	regionSize uint64
	cache      *ristretto.Cache[uint64, []byte]
	mu         sync.RWMutex
	dirty      map[pagemanager.PageNumber][]byte
	logger     *zap.Logger
}

// NewBufferPoolManager creates a pool over backend. cacheBytes <= 0 selects
// DefaultCacheBytes.
func NewBufferPoolManager(backend flushmanager.Backend, regionPages uint32, cacheBytes int64, logger *zap.Logger) (*BufferPoolManager, error) {
	if backend == nil {
		return nil, fmt.Errorf("buffer pool requires a backend")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheBytes <= 0 {
		cacheBytes = DefaultCacheBytes
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: max(10*cacheBytes/pagemanager.PageSize, 1000),
		MaxCost:     cacheBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating page cache: %w", err)
	}
	bpm := &BufferPoolManager{
		backend:    backend,
		regionSize: uint64(regionPages) * pagemanager.PageSize,
		cache:      cache,
		dirty:      make(map[pagemanager.PageNumber][]byte),
		logger:     logger.Named("buffer_pool"),
	}
	bpm.logger.Debug("buffer pool initialized", zap.Int64("cache_bytes", cacheBytes), zap.Uint32("region_pages", regionPages))
	return bpm, nil
}

// Backend returns the underlying store.
func (bpm *BufferPoolManager) Backend() flushmanager.Backend { return bpm.backend }

func (bpm *BufferPoolManager) address(pn pagemanager.PageNumber) uint64 {
	return pagemanager.RegionAddress(pn.Region, bpm.regionSize) + uint64(pn.Index)*pagemanager.PageSize
}

// FetchPage returns the contents of the block pn. The returned slice is shared
// and must not be modified.
func (bpm *BufferPoolManager) FetchPage(pn pagemanager.PageNumber) ([]byte, error) {
	if !pn.IsValid() {
		return nil, fmt.Errorf("%w: fetch of invalid page %s", flushmanager.ErrInvalidPageData, pn)
	}
	bpm.mu.RLock()
	if data, ok := bpm.dirty[pn]; ok {
		bpm.mu.RUnlock()
		return data, nil
	}
	bpm.mu.RUnlock()

	key := pn.Encode()
	if data, ok := bpm.cache.Get(key); ok {
		return data, nil
	}
	data, err := bpm.backend.Read(bpm.address(pn), int(pn.Size()))
	if err != nil {
		return nil, fmt.Errorf("reading page %s: %w", pn, err)
	}
	bpm.cache.Set(key, data, int64(len(data)))
	return data, nil
}

// WritePage stages the full contents of a block owned by the write
// transaction. The pool keeps data; the caller must not reuse it.
func (bpm *BufferPoolManager) WritePage(pn pagemanager.PageNumber, data []byte) error {
	if uint64(len(data)) != pn.Size() {
		return fmt.Errorf("%w: page %s expects %d bytes, got %d", flushmanager.ErrInvalidPageData, pn, pn.Size(), len(data))
	}
	bpm.mu.Lock()
	bpm.dirty[pn] = data
	bpm.mu.Unlock()
	return nil
}

// DiscardPage drops the staged contents of pn, if any.
func (bpm *BufferPoolManager) DiscardPage(pn pagemanager.PageNumber) {
	bpm.mu.Lock()
	delete(bpm.dirty, pn)
	bpm.mu.Unlock()
}

// DiscardAll drops every staged page. Used on abort.
func (bpm *BufferPoolManager) DiscardAll() {
	bpm.mu.Lock()
	n := len(bpm.dirty)
	bpm.dirty = make(map[pagemanager.PageNumber][]byte)
	bpm.mu.Unlock()
	if n > 0 {
		bpm.logger.Debug("discarded dirty pages", zap.Int("pages", n))
	}
}

// DirtyPages returns the number of staged pages.
func (bpm *BufferPoolManager) DirtyPages() int {
	bpm.mu.RLock()
	defer bpm.mu.RUnlock()
	return len(bpm.dirty)
}

// FlushDirty writes every staged page to the backend. It does not issue a
// durability barrier. Cached copies of the written page numbers are dropped,
// since a reallocated page may still have an older incarnation cached.
//
// The staged set is detached before any I/O, so readers of published
// snapshots never wait on the write-back. On failure the detached pages are
// staged again.
func (bpm *BufferPoolManager) FlushDirty(ctx context.Context) error {
	bpm.mu.Lock()
	batch := bpm.dirty
	bpm.dirty = make(map[pagemanager.PageNumber][]byte)
	bpm.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(flushConcurrency)
	for pn, data := range batch {
		g.Go(func() error {
			if err := bpm.backend.Write(bpm.address(pn), data); err != nil {
				return fmt.Errorf("writing page %s: %w", pn, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		bpm.mu.Lock()
		for pn, data := range batch {
			if _, ok := bpm.dirty[pn]; !ok {
				bpm.dirty[pn] = data
			}
		}
		bpm.mu.Unlock()
		return err
	}

	bpm.cache.Wait()
	for pn := range batch {
		bpm.cache.Del(pn.Encode())
	}
	bpm.logger.Debug("flushed dirty pages", zap.Int("pages", len(batch)))
	return nil
}

// InvalidateAll empties the read cache.
func (bpm *BufferPoolManager) InvalidateAll() {
	bpm.cache.Clear()
}

// Stats reports cache hit counters and the number of staged pages.
func (bpm *BufferPoolManager) Stats() CacheStats {
	s := CacheStats{DirtyPages: bpm.DirtyPages()}
	if m := bpm.cache.Metrics; m != nil {
		s.Hits = m.Hits()
		s.Misses = m.Misses()
	}
	return s
}

// Close releases the cache. The backend is owned by the caller.
func (bpm *BufferPoolManager) Close() {
	bpm.cache.Close()
}
