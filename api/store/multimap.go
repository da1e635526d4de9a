package store

import (
	"fmt"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/indexmanager"
	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/pkg/codec"
)

// MultimapTableDefinition names a multimap table, where a key maps to an
// ordered set of values.
type MultimapTableDefinition[K, V any] struct {
	Name  string
	Key   codec.Codec[K]
	Value codec.Codec[V]
}

// NewMultimapTableDefinition returns a definition and registers its codecs.
func NewMultimapTableDefinition[K, V any](name string, key codec.Codec[K], value codec.Codec[V]) MultimapTableDefinition[K, V] {
	codec.Register(key)
	codec.Register(value)
	return MultimapTableDefinition[K, V]{Name: name, Key: key, Value: value}
}

// ValueIterator walks the values of one key in value order.
type ValueIterator[V any] struct {
	it  *btree.ValueIterator
	vc  codec.Codec[V]
	cur V
	err error
}

// Next advances the iterator.
func (it *ValueIterator[V]) Next() bool {
	if it.err != nil || !it.it.Next() {
		return false
	}
	if it.cur, it.err = it.vc.Decode(it.it.Value()); it.err != nil {
		it.err = fmt.Errorf("decoding %s value: %w", it.vc.TypeName(), it.err)
		return false
	}
	return true
}

// Value returns the current value.
func (it *ValueIterator[V]) Value() V { return it.cur }

// Err returns the error that stopped the iteration, if any.
func (it *ValueIterator[V]) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.it.Err()
}

// Collect drains the iterator into a slice.
func (it *ValueIterator[V]) Collect() ([]V, error) {
	var out []V
	for it.Next() {
		out = append(out, it.cur)
	}
	return out, it.Err()
}

// MultimapIterator walks keys in order, with a value iterator per key.
type MultimapIterator[K, V any] struct {
	it  *btree.MultimapIterator
	kc  codec.Codec[K]
	vc  codec.Codec[V]
	key K
	err error
}

// Next advances to the next key.
func (it *MultimapIterator[K, V]) Next() bool {
	if it.err != nil || !it.it.Next() {
		return false
	}
	if it.key, it.err = it.kc.Decode(it.it.Key()); it.err != nil {
		it.err = fmt.Errorf("decoding %s key: %w", it.kc.TypeName(), it.err)
		return false
	}
	return true
}

// Key returns the current key.
func (it *MultimapIterator[K, V]) Key() K { return it.key }

// Values returns the values of the current key.
func (it *MultimapIterator[K, V]) Values() *ValueIterator[V] {
	return &ValueIterator[V]{it: it.it.Values(), vc: it.vc}
}

// Err returns the error that stopped the iteration, if any.
func (it *MultimapIterator[K, V]) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.it.Err()
}

type multimapReader[K, V any] struct {
	pages btree.PageReader
	def   *indexmanager.TableDef
	kc    codec.Codec[K]
	vc    codec.Codec[V]
}

func (r *multimapReader[K, V]) multimap() *btree.Multimap {
	return btree.NewMultimap(r.pages, r.def.Root, r.kc.Compare, r.vc.Compare)
}

func (r *multimapReader[K, V]) get(key K, reverse bool) (*ValueIterator[V], error) {
	it, err := r.multimap().Get(r.kc.Encode(key), reverse)
	if err != nil {
		return nil, err
	}
	return &ValueIterator[V]{it: it, vc: r.vc}, nil
}

func (r *multimapReader[K, V]) rangeOf(kr KeyRange[K]) (*MultimapIterator[K, V], error) {
	it, err := r.multimap().Range(kr.encode(r.kc), kr.reverse)
	if err != nil {
		return nil, err
	}
	return &MultimapIterator[K, V]{it: it, kc: r.kc, vc: r.vc}, nil
}

// ReadOnlyMultimapTable is a multimap table seen through a read transaction.
type ReadOnlyMultimapTable[K, V any] struct {
	multimapReader[K, V]
}

// OpenReadOnlyMultimapTable opens an existing multimap table of a snapshot.
func OpenReadOnlyMultimapTable[K, V any](tx *ReadTransaction, def MultimapTableDefinition[K, V]) (*ReadOnlyMultimapTable[K, V], error) {
	td, err := tx.r.Catalog().Open(def.Name, indexmanager.TableMultimap, def.Key.TypeName(), def.Value.TypeName())
	if err != nil {
		return nil, err
	}
	return &ReadOnlyMultimapTable[K, V]{multimapReader[K, V]{pages: tx.r.Pages(), def: td, kc: def.Key, vc: def.Value}}, nil
}

// Get iterates the values of key, in descending order when reverse is set.
func (t *ReadOnlyMultimapTable[K, V]) Get(key K, reverse bool) (*ValueIterator[V], error) {
	return t.get(key, reverse)
}

// ValueCount returns the number of values stored under key.
func (t *ReadOnlyMultimapTable[K, V]) ValueCount(key K) (uint64, error) {
	return t.multimap().ValueCount(t.kc.Encode(key))
}

// Range iterates the keys of kr with their values.
func (t *ReadOnlyMultimapTable[K, V]) Range(kr KeyRange[K]) (*MultimapIterator[K, V], error) {
	return t.rangeOf(kr)
}

// Len returns the total number of values.
func (t *ReadOnlyMultimapTable[K, V]) Len() uint64 { return t.def.Length }

// IsEmpty reports whether the table holds no values.
func (t *ReadOnlyMultimapTable[K, V]) IsEmpty() bool { return t.def.Length == 0 }

// MultimapTable is a multimap table opened for writing.
type MultimapTable[K, V any] struct {
	multimapReader[K, V]
	w *transaction.WriteTxn
}

// OpenMultimapTable opens a multimap table in a write transaction, creating
// it when it does not exist.
func OpenMultimapTable[K, V any](tx *WriteTransaction, def MultimapTableDefinition[K, V]) (*MultimapTable[K, V], error) {
	td, err := tx.w.OpenTable(def.Name, indexmanager.TableMultimap, def.Key.TypeName(), def.Value.TypeName())
	if err != nil {
		return nil, err
	}
	return &MultimapTable[K, V]{
		multimapReader: multimapReader[K, V]{pages: tx.w.Pages(), def: td, kc: def.Key, vc: def.Value},
		w:              tx.w,
	}, nil
}

func (t *MultimapTable[K, V]) live() error {
	if err := t.w.Usable(); err != nil {
		return err
	}
	if t.w.Dropped(t.def) {
		return fmt.Errorf("%w: %q", flushmanager.ErrTableDoesNotExist, t.def.Name)
	}
	return nil
}

func (t *MultimapTable[K, V]) mutate(fn func(mm *btree.Multimap) error) error {
	if err := t.live(); err != nil {
		return err
	}
	return t.w.Mutate(func() error {
		mm := t.multimap()
		err := fn(mm)
		t.def.Root = mm.Root()
		return err
	})
}

// Name returns the table name.
func (t *MultimapTable[K, V]) Name() string { return t.def.Name }

// Insert adds value to the values of key. It reports whether the pair was
// already present, in which case nothing changes.
func (t *MultimapTable[K, V]) Insert(key K, value V) (bool, error) {
	var existed bool
	err := t.mutate(func(mm *btree.Multimap) error {
		var err error
		existed, err = mm.Insert(t.kc.Encode(key), t.vc.Encode(value))
		if err == nil && !existed {
			t.def.Length++
		}
		return err
	})
	return existed, err
}

// Remove deletes one value of key. The key disappears with its last value.
func (t *MultimapTable[K, V]) Remove(key K, value V) (bool, error) {
	var found bool
	err := t.mutate(func(mm *btree.Multimap) error {
		var err error
		found, err = mm.Remove(t.kc.Encode(key), t.vc.Encode(value))
		if err == nil && found {
			t.def.Length--
		}
		return err
	})
	return found, err
}

// RemoveAll deletes key and returns its values in order.
func (t *MultimapTable[K, V]) RemoveAll(key K) ([]V, error) {
	var out []V
	err := t.mutate(func(mm *btree.Multimap) error {
		raw, err := mm.RemoveAll(t.kc.Encode(key))
		t.def.Length -= uint64(len(raw))
		if err != nil {
			return err
		}
		out = make([]V, 0, len(raw))
		for _, r := range raw {
			v, err := t.vc.Decode(r)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// Get iterates the values of key as they are now.
func (t *MultimapTable[K, V]) Get(key K, reverse bool) (*ValueIterator[V], error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	t.w.Pin()
	return t.get(key, reverse)
}

// ValueCount returns the number of values stored under key.
func (t *MultimapTable[K, V]) ValueCount(key K) (uint64, error) {
	if err := t.live(); err != nil {
		return 0, err
	}
	return t.multimap().ValueCount(t.kc.Encode(key))
}

// Range iterates the keys of kr with their values, as they are now.
func (t *MultimapTable[K, V]) Range(kr KeyRange[K]) (*MultimapIterator[K, V], error) {
	if err := t.live(); err != nil {
		return nil, err
	}
	t.w.Pin()
	return t.rangeOf(kr)
}

// Len returns the total number of values.
func (t *MultimapTable[K, V]) Len() uint64 { return t.def.Length }

// IsEmpty reports whether the table holds no values.
func (t *MultimapTable[K, V]) IsEmpty() bool { return t.def.Length == 0 }
