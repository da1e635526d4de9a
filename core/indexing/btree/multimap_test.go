package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

func mmValue(i int) []byte { return []byte(fmt.Sprintf("value-%05d", i)) }

func values(t *testing.T, vi *ValueIterator) []string {
	t.Helper()
	var out []string
	for vi.Next() {
		out = append(out, string(vi.Value()))
	}
	require.NoError(t, vi.Err())
	return out
}

// TestMultimapCardinality inserts N values under K keys, removes one value
// and checks nothing else moved.
func TestMultimapCardinality(t *testing.T) {
	pages := newMemPages()
	mm := NewMultimap(pages, pagemanager.InvalidPageNumber, nil, nil)
	const keys, perKey = 6, 40

	// 1. Key 0 gets a large value set (nested tree), the rest small sets.
	for k := 0; k < keys; k++ {
		n := 3
		if k == 0 {
			n = perKey
		}
		for v := 0; v < n; v++ {
			existed, err := mm.Insert(key(k), mmValue(v))
			require.NoError(t, err)
			assert.False(t, existed)
		}
	}
	existed, err := mm.Insert(key(1), mmValue(2))
	require.NoError(t, err)
	assert.True(t, existed)

	// 2. Remove one value from each kind of collection.
	removed, err := mm.Remove(key(0), mmValue(7))
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = mm.Remove(key(2), mmValue(1))
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = mm.Remove(key(2), mmValue(99))
	require.NoError(t, err)
	assert.False(t, removed)

	// 3. Every other pair is untouched and the keys are still present.
	n, err := mm.ValueCount(key(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(perKey-1), n)
	vi, err := mm.Get(key(2), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"value-00000", "value-00002"}, values(t, vi))
	for k := 3; k < keys; k++ {
		vi, err := mm.Get(key(k), true)
		require.NoError(t, err)
		assert.Equal(t, []string{"value-00002", "value-00001", "value-00000"}, values(t, vi))
	}

	// 4. The range walk sees each key once with its values.
	it, err := mm.Range(All(), false)
	require.NoError(t, err)
	total := 0
	for it.Next() {
		total += len(values(t, it.Values()))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, perKey-1+3+2+3*(keys-3), total)
	assertNoLeaks(t, mm.Tree(), pages)
}

// TestMultimapCollapseAndRemoveAll shrinks a nested value set back inline and
// removes whole keys.
func TestMultimapCollapseAndRemoveAll(t *testing.T) {
	pages := newMemPages()
	mm := NewMultimap(pages, pagemanager.InvalidPageNumber, nil, nil)
	for v := 0; v < 100; v++ {
		_, err := mm.Insert(key(1), mmValue(v))
		require.NoError(t, err)
	}
	require.NotEqual(t, 1, pages.live())

	// 1. Shrinking to a handful of values returns to a single leaf page.
	for v := 5; v < 100; v++ {
		removed, err := mm.Remove(key(1), mmValue(v))
		require.NoError(t, err)
		require.True(t, removed)
	}
	assert.Equal(t, 1, pages.live())
	assertNoLeaks(t, mm.Tree(), pages)

	// 2. Grow again, then remove the whole key.
	for v := 5; v < 60; v++ {
		_, err := mm.Insert(key(1), mmValue(v))
		require.NoError(t, err)
	}
	all, err := mm.RemoveAll(key(1))
	require.NoError(t, err)
	assert.Len(t, all, 60)
	assert.Equal(t, 0, pages.live())

	// 3. The last value of a key takes the key with it.
	_, err = mm.Insert(key(2), mmValue(1))
	require.NoError(t, err)
	_, err = mm.Remove(key(2), mmValue(1))
	require.NoError(t, err)
	assert.True(t, mm.Tree().IsEmpty())
}
