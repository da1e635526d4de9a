package transaction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/indexmanager"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/metapage"
)

const testRegionPages = 64

func openManager(t *testing.T, backend flushmanager.Backend, strategy metapage.Strategy) *Manager {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	m, err := Open(context.Background(), backend, Options{
		Strategy:    strategy,
		RegionPages: testRegionPages,
		Logger:      logger,
	})
	require.NoError(t, err)
	return m
}

func beginWrite(t *testing.T, m *Manager) *WriteTxn {
	t.Helper()
	w, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	return w
}

func openStringTable(t *testing.T, w *WriteTxn, table string) *indexmanager.TableDef {
	t.Helper()
	def, err := w.OpenTable(table, indexmanager.TableNormal, "string", "string")
	require.NoError(t, err)
	return def
}

func put(t *testing.T, w *WriteTxn, table, key, value string) {
	t.Helper()
	def := openStringTable(t, w, table)
	require.NoError(t, w.Mutate(func() error {
		tree := indexmanager.TableTree(w.Pages(), def, nil)
		_, existed, err := tree.Insert([]byte(key), []byte(value))
		if err != nil {
			return err
		}
		def.Root = tree.Root()
		if !existed {
			def.Length++
		}
		return nil
	}))
}

func del(t *testing.T, w *WriteTxn, table, key string) bool {
	t.Helper()
	def := openStringTable(t, w, table)
	var found bool
	require.NoError(t, w.Mutate(func() error {
		tree := indexmanager.TableTree(w.Pages(), def, nil)
		_, ok, err := tree.Remove([]byte(key))
		if err != nil {
			return err
		}
		def.Root = tree.Root()
		if ok {
			def.Length--
		}
		found = ok
		return nil
	}))
	return found
}

func commit(t *testing.T, m *Manager, fn func(w *WriteTxn)) {
	t.Helper()
	w := beginWrite(t, m)
	fn(w)
	require.NoError(t, w.Commit(context.Background()))
}

// contents reads a whole table. A missing table reads as an empty map.
func contents(t *testing.T, pages btree.PageReader, cat *indexmanager.Catalog, table string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	def, err := cat.Open(table, indexmanager.TableNormal, "string", "string")
	if errors.Is(err, flushmanager.ErrTableDoesNotExist) {
		return out
	}
	require.NoError(t, err)
	it, err := indexmanager.TableTree(pages, def, nil).Range(btree.All(), false)
	require.NoError(t, err)
	for it.Next() {
		e := it.Entry()
		out[string(e.Key)] = string(e.Value)
	}
	require.NoError(t, it.Err())
	require.Equal(t, def.Length, uint64(len(out)), "table length matches its entries")
	return out
}

func latest(t *testing.T, m *Manager, table string) map[string]string {
	t.Helper()
	r, err := m.BeginRead()
	require.NoError(t, err)
	defer r.Close()
	return contents(t, r.Pages(), r.Catalog(), table)
}

func check(t *testing.T, m *Manager) {
	t.Helper()
	_, err := m.Check(context.Background(), nil)
	require.NoError(t, err)
}
