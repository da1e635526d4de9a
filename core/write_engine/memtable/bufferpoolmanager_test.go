package memtable

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

func setupPool(t *testing.T) (*BufferPoolManager, *flushmanager.MemoryBackend) {
	t.Helper()
	backend := flushmanager.NewMemoryBackend()
	layout := pagemanager.Layout{RegionPages: 16, NumRegions: 2}
	require.NoError(t, backend.Grow(layout.Len()))
	bpm, err := NewBufferPoolManager(backend, layout.RegionPages, 1<<20, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(bpm.Close)
	return bpm, backend
}

// TestBufferPoolDirtyAndFlush checks staged pages are visible before the
// flush and land at their region address after it.
func TestBufferPoolDirtyAndFlush(t *testing.T) {
	bpm, backend := setupPool(t)
	pn := pagemanager.NewPageNumber(1, 4, 1)
	data := bytes.Repeat([]byte{0xAB}, int(pn.Size()))

	// 1. Size mismatches are rejected.
	assert.ErrorIs(t, bpm.WritePage(pn, data[:100]), flushmanager.ErrInvalidPageData)

	// 2. A staged page is served from the dirty set.
	require.NoError(t, bpm.WritePage(pn, data))
	got, err := bpm.FetchPage(pn)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, bpm.DirtyPages())

	// 3. Flushing writes it to the backend at region 1, page 4.
	require.NoError(t, bpm.FlushDirty(context.Background()))
	assert.Equal(t, 0, bpm.DirtyPages())
	raw, err := backend.Read(16*pagemanager.PageSize+4*pagemanager.PageSize, int(pn.Size()))
	require.NoError(t, err)
	assert.Equal(t, data, raw)
}

// TestBufferPoolReallocatedPage checks that a cached page is not served after
// the same page number is rewritten and flushed.
func TestBufferPoolReallocatedPage(t *testing.T) {
	bpm, _ := setupPool(t)
	pn := pagemanager.NewPageNumber(0, 3, 0)

	old := bytes.Repeat([]byte{1}, pagemanager.PageSize)
	require.NoError(t, bpm.WritePage(pn, old))
	require.NoError(t, bpm.FlushDirty(context.Background()))
	got, err := bpm.FetchPage(pn)
	require.NoError(t, err)
	assert.Equal(t, old, got)

	fresh := bytes.Repeat([]byte{2}, pagemanager.PageSize)
	require.NoError(t, bpm.WritePage(pn, fresh))
	require.NoError(t, bpm.FlushDirty(context.Background()))
	got, err = bpm.FetchPage(pn)
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
}

// TestBufferPoolDiscard drops staged pages without touching the backend.
func TestBufferPoolDiscard(t *testing.T) {
	bpm, backend := setupPool(t)
	a := pagemanager.NewPageNumber(0, 2, 0)
	b := pagemanager.NewPageNumber(0, 3, 0)
	require.NoError(t, bpm.WritePage(a, bytes.Repeat([]byte{7}, pagemanager.PageSize)))
	require.NoError(t, bpm.WritePage(b, bytes.Repeat([]byte{8}, pagemanager.PageSize)))

	bpm.DiscardPage(a)
	assert.Equal(t, 1, bpm.DirtyPages())
	bpm.DiscardAll()
	assert.Equal(t, 0, bpm.DirtyPages())

	require.NoError(t, bpm.FlushDirty(context.Background()))
	raw, err := backend.Read(2*pagemanager.PageSize, pagemanager.PageSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, pagemanager.PageSize), raw)

	_, err = bpm.FetchPage(pagemanager.InvalidPageNumber)
	assert.ErrorIs(t, err, flushmanager.ErrInvalidPageData)
}
