package store

import (
	"fmt"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/indexmanager"
	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/pkg/codec"
)

// TableDefinition names a table and the codecs of its keys and values.
type TableDefinition[K, V any] struct {
	Name  string
	Key   codec.Codec[K]
	Value codec.Codec[V]
}

// NewTableDefinition returns a definition and registers its codecs by type
// name so tools like Check can order keys.
func NewTableDefinition[K, V any](name string, key codec.Codec[K], value codec.Codec[V]) TableDefinition[K, V] {
	codec.Register(key)
	codec.Register(value)
	return TableDefinition[K, V]{Name: name, Key: key, Value: value}
}

// Entry is a decoded key with its value.
type Entry[K, V any] struct {
	Key   K
	Value V
}

type keyBound[K any] struct {
	key       K
	inclusive bool
}

// KeyRange selects keys between two optional bounds, in ascending or
// descending order. The zero value selects every key in ascending order.
//
//	store.AllKeys[string]().From("a").Until("m").Reverse()
type KeyRange[K any] struct {
	lower, upper *keyBound[K]
	reverse      bool
}

// AllKeys selects every key.
func AllKeys[K any]() KeyRange[K] { return KeyRange[K]{} }

// From sets an inclusive lower bound.
func (r KeyRange[K]) From(k K) KeyRange[K] { r.lower = &keyBound[K]{k, true}; return r }

// After sets an exclusive lower bound.
func (r KeyRange[K]) After(k K) KeyRange[K] { r.lower = &keyBound[K]{k, false}; return r }

// Until sets an exclusive upper bound.
func (r KeyRange[K]) Until(k K) KeyRange[K] { r.upper = &keyBound[K]{k, false}; return r }

// Through sets an inclusive upper bound.
func (r KeyRange[K]) Through(k K) KeyRange[K] { r.upper = &keyBound[K]{k, true}; return r }

// Reverse iterates from the upper end.
func (r KeyRange[K]) Reverse() KeyRange[K] { r.reverse = !r.reverse; return r }

func (r KeyRange[K]) encode(c codec.Codec[K]) btree.Range {
	var out btree.Range
	if r.lower != nil {
		out.Lower = &btree.Bound{Key: c.Encode(r.lower.key), Inclusive: r.lower.inclusive}
	}
	if r.upper != nil {
		out.Upper = &btree.Bound{Key: c.Encode(r.upper.key), Inclusive: r.upper.inclusive}
	}
	return out
}

func decodeEntry[K, V any](kc codec.Codec[K], vc codec.Codec[V], e btree.Entry) (Entry[K, V], error) {
	var out Entry[K, V]
	var err error
	if out.Key, err = kc.Decode(e.Key); err != nil {
		return out, fmt.Errorf("decoding %s key: %w", kc.TypeName(), err)
	}
	if out.Value, err = vc.Decode(e.Value); err != nil {
		return out, fmt.Errorf("decoding %s value: %w", vc.TypeName(), err)
	}
	return out, nil
}

// RangeIterator walks a fixed snapshot of a table.
//
//	it, err := t.Range(store.AllKeys[string]())
//	for it.Next() {
//		e := it.Entry()
//	}
//	err = it.Err()
type RangeIterator[K, V any] struct {
	it  *btree.Iterator
	kc  codec.Codec[K]
	vc  codec.Codec[V]
	cur Entry[K, V]
	err error
}

// Next advances the iterator and reports whether an entry is available.
func (it *RangeIterator[K, V]) Next() bool {
	if it.err != nil || !it.it.Next() {
		return false
	}
	it.cur, it.err = decodeEntry(it.kc, it.vc, it.it.Entry())
	return it.err == nil
}

// Entry returns the current entry.
func (it *RangeIterator[K, V]) Entry() Entry[K, V] { return it.cur }

// Err returns the error that stopped the iteration, if any.
func (it *RangeIterator[K, V]) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.it.Err()
}

// Collect drains the iterator into a slice.
func (it *RangeIterator[K, V]) Collect() ([]Entry[K, V], error) {
	var out []Entry[K, V]
	for it.Next() {
		out = append(out, it.cur)
	}
	return out, it.Err()
}

// reader holds what read access to one table needs.
type reader[K, V any] struct {
	pages btree.PageReader
	def   *indexmanager.TableDef
	kc    codec.Codec[K]
	vc    codec.Codec[V]
}

func (r *reader[K, V]) tree() *btree.Tree {
	return btree.New(r.pages, r.def.Root, r.kc.Compare)
}

func (r *reader[K, V]) get(key K) (V, bool, error) {
	var zero V
	raw, found, err := r.tree().Get(r.kc.Encode(key))
	if err != nil || !found {
		return zero, false, err
	}
	v, err := r.vc.Decode(raw)
	return v, err == nil, err
}

func (r *reader[K, V]) edge(last bool) (Entry[K, V], bool, error) {
	var (
		e     btree.Entry
		found bool
		err   error
	)
	if last {
		e, found, err = r.tree().Last()
	} else {
		e, found, err = r.tree().First()
	}
	if err != nil || !found {
		return Entry[K, V]{}, false, err
	}
	out, err := decodeEntry(r.kc, r.vc, e)
	return out, err == nil, err
}

func (r *reader[K, V]) rangeOf(kr KeyRange[K]) (*RangeIterator[K, V], error) {
	it, err := r.tree().Range(kr.encode(r.kc), kr.reverse)
	if err != nil {
		return nil, err
	}
	return &RangeIterator[K, V]{it: it, kc: r.kc, vc: r.vc}, nil
}

// ReadOnlyTable is a table seen through a read transaction.
type ReadOnlyTable[K, V any] struct {
	reader[K, V]
	name string
}

// OpenReadOnlyTable opens an existing table of a snapshot. It fails with
// ErrTableDoesNotExist or ErrTableTypeMismatch.
func OpenReadOnlyTable[K, V any](tx *ReadTransaction, def TableDefinition[K, V]) (*ReadOnlyTable[K, V], error) {
	td, err := tx.r.Catalog().Open(def.Name, indexmanager.TableNormal, def.Key.TypeName(), def.Value.TypeName())
	if err != nil {
		return nil, err
	}
	return &ReadOnlyTable[K, V]{
		reader: reader[K, V]{pages: tx.r.Pages(), def: td, kc: def.Key, vc: def.Value},
		name:   def.Name,
	}, nil
}

// Name returns the table name.
func (t *ReadOnlyTable[K, V]) Name() string { return t.name }

// Get returns the value stored under key.
func (t *ReadOnlyTable[K, V]) Get(key K) (V, bool, error) { return t.get(key) }

// First returns the entry with the smallest key.
func (t *ReadOnlyTable[K, V]) First() (Entry[K, V], bool, error) { return t.edge(false) }

// Last returns the entry with the largest key.
func (t *ReadOnlyTable[K, V]) Last() (Entry[K, V], bool, error) { return t.edge(true) }

// Range iterates the entries of kr.
func (t *ReadOnlyTable[K, V]) Range(kr KeyRange[K]) (*RangeIterator[K, V], error) {
	return t.rangeOf(kr)
}

// Len returns the number of entries.
func (t *ReadOnlyTable[K, V]) Len() uint64 { return t.def.Length }

// IsEmpty reports whether the table has no entries.
func (t *ReadOnlyTable[K, V]) IsEmpty() bool { return t.def.Length == 0 }

// Table is a table opened for writing. Its methods fail once the transaction
// has ended, and with ErrTableDoesNotExist once the table was deleted or
// rolled away by a savepoint.
type Table[K, V any] struct {
	reader[K, V]
	w *transaction.WriteTxn
}

// OpenTable opens a table in a write transaction, creating it when it does
// not exist.
func OpenTable[K, V any](tx *WriteTransaction, def TableDefinition[K, V]) (*Table[K, V], error) {
	td, err := tx.w.OpenTable(def.Name, indexmanager.TableNormal, def.Key.TypeName(), def.Value.TypeName())
	if err != nil {
		return nil, err
	}
	return &Table[K, V]{
		reader: reader[K, V]{pages: tx.w.Pages(), def: td, kc: def.Key, vc: def.Value},
		w:      tx.w,
	}, nil
}

func (t *Table[K, V]) live() error {
	if err := t.w.Usable(); err != nil {
		return err
	}
	if t.w.Dropped(t.def) {
		return fmt.Errorf("%w: %q", flushmanager.ErrTableDoesNotExist, t.def.Name)
	}
	return nil
}

// mutate runs fn on the table tree and records the new root.
func (t *Table[K, V]) mutate(fn func(tree *btree.Tree) error) error {
	if err := t.live(); err != nil {
		return err
	}
	return t.w.Mutate(func() error {
		tree := t.tree()
		err := fn(tree)
		t.def.Root = tree.Root()
		return err
	})
}

// Name returns the table name.
func (t *Table[K, V]) Name() string { return t.def.Name }

// Get returns the value stored under key, including uncommitted changes.
func (t *Table[K, V]) Get(key K) (V, bool, error) {
	if err := t.live(); err != nil {
		var zero V
		return zero, false, err
	}
	return t.get(key)
}

// Insert stores value under key and returns the value it replaced.
func (t *Table[K, V]) Insert(key K, value V) (V, bool, error) {
	var (
		old     V
		existed bool
	)
	err := t.mutate(func(tree *btree.Tree) error {
		raw, found, err := tree.Insert(t.kc.Encode(key), t.vc.Encode(value))
		if err != nil {
			return err
		}
		if existed = found; found {
			old, err = t.vc.Decode(raw)
			return err
		}
		t.def.Length++
		return nil
	})
	return old, existed, err
}

// Remove deletes key and returns its value.
func (t *Table[K, V]) Remove(key K) (V, bool, error) {
	var (
		old   V
		found bool
	)
	err := t.mutate(func(tree *btree.Tree) error {
		raw, ok, err := tree.Remove(t.kc.Encode(key))
		if err != nil || !ok {
			return err
		}
		found = true
		t.def.Length--
		old, err = t.vc.Decode(raw)
		return err
	})
	return old, found, err
}

// First returns the entry with the smallest key.
func (t *Table[K, V]) First() (Entry[K, V], bool, error) {
	if err := t.live(); err != nil {
		return Entry[K, V]{}, false, err
	}
	return t.edge(false)
}

// Last returns the entry with the largest key.
func (t *Table[K, V]) Last() (Entry[K, V], bool, error) {
	if err := t.live(); err != nil {
		return Entry[K, V]{}, false, err
	}
	return t.edge(true)
}

// Range iterates the entries of kr as they are now. Later changes made by the
// transaction do not show up in the iterator.
func (t *Table[K, V]) Range(kr KeyRange[K]) (*RangeIterator[K, V], error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	t.w.Pin()
	return t.rangeOf(kr)
}

func (t *Table[K, V]) pop(last bool) (Entry[K, V], bool, error) {
	var (
		out   Entry[K, V]
		found bool
	)
	err := t.mutate(func(tree *btree.Tree) error {
		var (
			e   btree.Entry
			err error
		)
		if last {
			e, found, err = tree.PopLast()
		} else {
			e, found, err = tree.PopFirst()
		}
		if err != nil || !found {
			return err
		}
		t.def.Length--
		out, err = decodeEntry(t.kc, t.vc, e)
		return err
	})
	return out, found, err
}

// PopFirst removes and returns the entry with the smallest key.
func (t *Table[K, V]) PopFirst() (Entry[K, V], bool, error) { return t.pop(false) }

// PopLast removes and returns the entry with the largest key.
func (t *Table[K, V]) PopLast() (Entry[K, V], bool, error) { return t.pop(true) }

// Drain removes every entry of kr and returns them in key order, or in
// reverse order for a reversed range.
func (t *Table[K, V]) Drain(kr KeyRange[K]) ([]Entry[K, V], error) {
	var out []Entry[K, V]
	err := t.mutate(func(tree *btree.Tree) error {
		removed, err := tree.Drain(kr.encode(t.kc))
		t.def.Length -= uint64(len(removed))
		if err != nil {
			return err
		}
		out = make([]Entry[K, V], 0, len(removed))
		for _, e := range removed {
			de, err := decodeEntry(t.kc, t.vc, e)
			if err != nil {
				return err
			}
			out = append(out, de)
		}
		return nil
	})
	if err == nil && kr.reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, err
}

// Len returns the number of entries, including uncommitted changes.
func (t *Table[K, V]) Len() uint64 { return t.def.Length }

// IsEmpty reports whether the table has no entries.
func (t *Table[K, V]) IsEmpty() bool { return t.def.Length == 0 }
