package indexmanager

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// memPages keeps freed pages readable so earlier roots stay walkable.
type memPages struct {
	pages map[pagemanager.PageNumber][]byte
	freed map[pagemanager.PageNumber]bool
	next  uint32
}

func newMemPages() *memPages {
	return &memPages{
		pages: make(map[pagemanager.PageNumber][]byte),
		freed: make(map[pagemanager.PageNumber]bool),
		next:  pagemanager.HeaderPages,
	}
}

func (m *memPages) FetchPage(pn pagemanager.PageNumber) ([]byte, error) {
	data, ok := m.pages[pn]
	if !ok {
		return nil, fmt.Errorf("%w: page %s", flushmanager.ErrIO, pn)
	}
	return data, nil
}

func (m *memPages) AllocatePage(order uint8) (pagemanager.PageNumber, error) {
	pn := pagemanager.NewPageNumber(0, m.next, order)
	m.next += 1 << order
	return pn, nil
}

func (m *memPages) WritePage(pn pagemanager.PageNumber, data []byte) error {
	m.pages[pn] = data
	return nil
}

func (m *memPages) FreePage(pn pagemanager.PageNumber) error {
	if _, ok := m.pages[pn]; !ok || m.freed[pn] {
		return fmt.Errorf("%w: double free of %s", flushmanager.ErrInvalidPageData, pn)
	}
	m.freed[pn] = true
	return nil
}

// TestCatalogLifecycle creates, reopens, type-checks and deletes tables.
func TestCatalogLifecycle(t *testing.T) {
	pages := newMemPages()
	c := NewCatalog(pages, pagemanager.InvalidPageNumber)

	// 1. Create a table and fill it through its staged definition.
	def, created, err := c.OpenOrCreate("users", TableNormal, "string", "bytes")
	require.NoError(t, err)
	assert.True(t, created)
	tree := btree.New(pages, def.Root, nil)
	for i := 0; i < 50; i++ {
		_, _, err := tree.Insert([]byte(fmt.Sprintf("u%03d", i)), []byte("x"))
		require.NoError(t, err)
	}
	def.Root, def.Length = tree.Root(), 50

	_, _, err = c.OpenOrCreate("tags", TableMultimap, "string", "string")
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	// 2. A fresh catalog over the flushed root sees both tables.
	c2 := NewCatalog(pages, c.Root())
	got, err := c2.Open("users", TableNormal, "string", "bytes")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), got.Length)
	assert.Equal(t, tree.Root(), got.Root)
	names, err := c2.List(TableMultimap)
	require.NoError(t, err)
	assert.Equal(t, []string{"tags"}, names)

	// 3. Type checks and missing tables.
	_, err = c2.Open("users", TableMultimap, "string", "bytes")
	assert.ErrorIs(t, err, flushmanager.ErrTableTypeMismatch)
	_, err = c2.Open("users", TableNormal, "uint64", "bytes")
	assert.ErrorIs(t, err, flushmanager.ErrTableTypeMismatch)
	_, err = c2.Open("nope", TableNormal, "string", "bytes")
	assert.ErrorIs(t, err, flushmanager.ErrTableDoesNotExist)
	_, err = c2.Open("", TableNormal, "string", "bytes")
	assert.ErrorIs(t, err, flushmanager.ErrInvalidTableName)

	// 4. Deleting frees the table's pages and drops its handle.
	staged, _, err := c2.OpenOrCreate("users", TableNormal, "string", "bytes")
	require.NoError(t, err)
	deleted, err := c2.Delete("users")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.True(t, c2.Dropped(staged))
	require.NoError(t, c2.Flush())

	var catalogPages int
	require.NoError(t, c2.VisitPages(func(pagemanager.PageNumber, btree.PageKind) error {
		catalogPages++
		return nil
	}))
	assert.Equal(t, 1, catalogPages, "only the catalog leaf remains")
	assert.Equal(t, 1, len(pages.pages)-len(pages.freed))
}

// TestCatalogFlushSkipsUnchanged checks opening a table for write does not
// rewrite the catalog when nothing changed.
func TestCatalogFlushSkipsUnchanged(t *testing.T) {
	pages := newMemPages()
	c := NewCatalog(pages, pagemanager.InvalidPageNumber)
	_, _, err := c.OpenOrCreate("t", TableNormal, "u64", "u64")
	require.NoError(t, err)
	require.NoError(t, c.Flush())
	root := c.Root()

	c = NewCatalog(pages, root)
	_, created, err := c.OpenOrCreate("t", TableNormal, "u64", "u64")
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, c.Flush())
	assert.Equal(t, root, c.Root())
}

// TestCatalogReset reloads staged definitions from an earlier root.
func TestCatalogReset(t *testing.T) {
	pages := newMemPages()
	c := NewCatalog(pages, pagemanager.InvalidPageNumber)
	a, _, err := c.OpenOrCreate("a", TableNormal, "k", "v")
	require.NoError(t, err)
	require.NoError(t, c.Flush())
	checkpoint := c.Root()

	a.Length = 7
	b, _, err := c.OpenOrCreate("b", TableNormal, "k", "v")
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	require.NoError(t, c.Reset(checkpoint))
	assert.Equal(t, uint64(0), a.Length)
	assert.False(t, c.Dropped(a))
	assert.True(t, c.Dropped(b))
	names, err := c.List(TableNormal)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)
}

// TestCatalogResetRevivesDeleted restores a root taken before a table was
// deleted; the handle opened before the delete works again.
func TestCatalogResetRevivesDeleted(t *testing.T) {
	pages := newMemPages()
	c := NewCatalog(pages, pagemanager.InvalidPageNumber)
	a, _, err := c.OpenOrCreate("a", TableNormal, "k", "v")
	require.NoError(t, err)
	a.Length = 3
	require.NoError(t, c.Flush())
	checkpoint := c.Root()

	// 1. Deleting marks the handle dropped.
	deleted, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.True(t, c.Dropped(a))

	// 2. Resetting to the earlier root brings it back in place.
	require.NoError(t, c.Reset(checkpoint))
	assert.False(t, c.Dropped(a))
	assert.Equal(t, uint64(3), a.Length)
	again, created, err := c.OpenOrCreate("a", TableNormal, "k", "v")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, a, again)

	// 3. Updates through the revived handle are flushed.
	a.Length = 5
	require.NoError(t, c.Flush())
	got, err := NewCatalog(pages, c.Root()).Open("a", TableNormal, "k", "v")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Length)
}
