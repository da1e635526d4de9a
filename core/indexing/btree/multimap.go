package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- Multimap ---
//
// The value stored under each outer key is a sorted collection:
//
//	inline:  kind=1 | count u32 | (len u16 | value)*
//	subtree: kind=2 | root u64 | count u64
//
// A collection stays inline while its encoding fits MaxInlineValue. Beyond
// that the values become the keys of a nested tree with empty values.

const (
	collectionInline  byte = 1
	collectionSubtree byte = 2

	inlineCollectionHeader = 1 + 4
	subtreeRefSize         = 1 + 8 + 8
)

type collection struct {
	subtree bool
	values  [][]byte
	root    pagemanager.PageNumber
	count   uint64
}

func inlineSize(values [][]byte) int {
	s := inlineCollectionHeader
	for _, v := range values {
		s += 2 + len(v)
	}
	return s
}

func encodeInline(values [][]byte) []byte {
	buf := make([]byte, inlineSize(values))
	buf[0] = collectionInline
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(values)))
	off := inlineCollectionHeader
	for _, v := range values {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(v)))
		off += 2
		off += copy(buf[off:], v)
	}
	return buf
}

func encodeSubtree(root pagemanager.PageNumber, count uint64) []byte {
	buf := make([]byte, subtreeRefSize)
	buf[0] = collectionSubtree
	pagemanager.PutPageNumber(buf[1:], root)
	binary.LittleEndian.PutUint64(buf[9:], count)
	return buf
}

func decodeCollection(data []byte) (*collection, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty multimap collection", flushmanager.ErrCorrupted)
	}
	switch data[0] {
	case collectionInline:
		if len(data) < inlineCollectionHeader {
			return nil, fmt.Errorf("%w: short inline collection", flushmanager.ErrCorrupted)
		}
		count := int(binary.LittleEndian.Uint32(data[1:]))
		c := &collection{values: make([][]byte, 0, count), count: uint64(count)}
		off := inlineCollectionHeader
		for i := 0; i < count; i++ {
			if off+2 > len(data) {
				return nil, fmt.Errorf("%w: inline collection truncated", flushmanager.ErrCorrupted)
			}
			n := int(binary.LittleEndian.Uint16(data[off:]))
			off += 2
			if off+n > len(data) {
				return nil, fmt.Errorf("%w: inline collection truncated", flushmanager.ErrCorrupted)
			}
			c.values = append(c.values, data[off:off+n:off+n])
			off += n
		}
		return c, nil
	case collectionSubtree:
		if len(data) != subtreeRefSize {
			return nil, fmt.Errorf("%w: subtree reference is %d bytes", flushmanager.ErrCorrupted, len(data))
		}
		return &collection{
			subtree: true,
			root:    pagemanager.ReadPageNumber(data[1:]),
			count:   binary.LittleEndian.Uint64(data[9:]),
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown collection kind %d", flushmanager.ErrCorrupted, data[0])
}

// nestedCollectionRoot is the NestedRoot of a multimap's outer tree.
func nestedCollectionRoot(value []byte) (pagemanager.PageNumber, bool) {
	if len(value) == subtreeRefSize && value[0] == collectionSubtree {
		return pagemanager.ReadPageNumber(value[1:]), true
	}
	return pagemanager.InvalidPageNumber, false
}

// Multimap maps each key to a sorted set of distinct values.
type Multimap struct {
	outer    *Tree
	pages    PageReader
	valueCmp Compare
}

// NewMultimap returns a handle on the multimap rooted at root.
func NewMultimap(pages PageReader, root pagemanager.PageNumber, keyCmp, valueCmp Compare) *Multimap {
	if valueCmp == nil {
		valueCmp = bytes.Compare
	}
	return &Multimap{
		outer:    New(pages, root, keyCmp).WithNested(nestedCollectionRoot),
		pages:    pages,
		valueCmp: valueCmp,
	}
}

// Root returns the root of the outer tree.
func (m *Multimap) Root() pagemanager.PageNumber { return m.outer.Root() }

// Tree returns the outer tree. Page walks on it include the nested trees.
func (m *Multimap) Tree() *Tree { return m.outer }

func (m *Multimap) subtree(root pagemanager.PageNumber) *Tree {
	return New(m.pages, root, m.valueCmp)
}

func (m *Multimap) load(key []byte) (*collection, error) {
	raw, found, err := m.outer.Get(key)
	if err != nil || !found {
		return nil, err
	}
	return decodeCollection(raw)
}

func (m *Multimap) searchInline(values [][]byte, v []byte) (int, bool) {
	i := sort.Search(len(values), func(i int) bool { return m.valueCmp(values[i], v) >= 0 })
	return i, i < len(values) && m.valueCmp(values[i], v) == 0
}

// store writes values under key, inline when they fit.
func (m *Multimap) store(key []byte, values [][]byte) error {
	if inlineSize(values) <= MaxInlineValue {
		_, _, err := m.outer.Insert(key, encodeInline(values))
		return err
	}
	sub := m.subtree(pagemanager.InvalidPageNumber)
	for _, v := range values {
		if _, _, err := sub.Insert(v, nil); err != nil {
			return err
		}
	}
	_, _, err := m.outer.Insert(key, encodeSubtree(sub.Root(), uint64(len(values))))
	return err
}

// Insert adds value under key and reports whether it was already present.
func (m *Multimap) Insert(key, value []byte) (bool, error) {
	if err := checkEntry(key, nil); err != nil {
		return false, err
	}
	if len(value) > MaxKeySize {
		return false, fmt.Errorf("%w: multimap value of %d bytes, limit %d", flushmanager.ErrValueTooLarge, len(value), MaxKeySize)
	}
	if _, err := m.outer.writer(); err != nil {
		return false, err
	}
	c, err := m.load(key)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, m.store(key, [][]byte{value})
	}
	if !c.subtree {
		i, found := m.searchInline(c.values, value)
		if found {
			return true, nil
		}
		return false, m.store(key, slices.Insert(slices.Clone(c.values), i, value))
	}

	sub := m.subtree(c.root)
	if _, found, err := sub.Get(value); err != nil || found {
		return found, err
	}
	if _, _, err := sub.Insert(value, nil); err != nil {
		return false, err
	}
	_, _, err = m.outer.Insert(key, encodeSubtree(sub.Root(), c.count+1))
	return false, err
}

// Remove deletes one value from key and reports whether it was present. The
// key disappears with its last value.
func (m *Multimap) Remove(key, value []byte) (bool, error) {
	if _, err := m.outer.writer(); err != nil {
		return false, err
	}
	c, err := m.load(key)
	if err != nil || c == nil {
		return false, err
	}
	if !c.subtree {
		i, found := m.searchInline(c.values, value)
		if !found {
			return false, nil
		}
		values := slices.Delete(slices.Clone(c.values), i, i+1)
		if len(values) == 0 {
			_, _, err = m.outer.Remove(key)
		} else {
			_, _, err = m.outer.Insert(key, encodeInline(values))
		}
		return true, err
	}

	sub := m.subtree(c.root)
	if _, found, err := sub.Remove(value); err != nil || !found {
		return false, err
	}
	count := c.count - 1
	if count == 0 || sub.IsEmpty() {
		_, _, err = m.outer.Remove(key)
		return true, err
	}
	if count <= MaxInlineValue/2 {
		values, err := collectKeys(sub)
		if err != nil {
			return true, err
		}
		if inlineSize(values) <= MaxInlineValue {
			if err := sub.Free(); err != nil {
				return true, err
			}
			_, _, err = m.outer.Insert(key, encodeInline(values))
			return true, err
		}
	}
	_, _, err = m.outer.Insert(key, encodeSubtree(sub.Root(), count))
	return true, err
}

// RemoveAll deletes key and returns the values it held.
func (m *Multimap) RemoveAll(key []byte) ([][]byte, error) {
	if _, err := m.outer.writer(); err != nil {
		return nil, err
	}
	c, err := m.load(key)
	if err != nil || c == nil {
		return nil, err
	}
	var values [][]byte
	if c.subtree {
		sub := m.subtree(c.root)
		if values, err = collectKeys(sub); err != nil {
			return nil, err
		}
		if err := sub.Free(); err != nil {
			return nil, err
		}
	} else {
		for _, v := range c.values {
			values = append(values, bytes.Clone(v))
		}
	}
	if _, _, err := m.outer.Remove(key); err != nil {
		return nil, err
	}
	return values, nil
}

// Get returns the values under key in order. A missing key yields an empty
// iterator.
func (m *Multimap) Get(key []byte, reverse bool) (*ValueIterator, error) {
	c, err := m.load(key)
	if err != nil {
		return nil, err
	}
	return m.values(c, reverse)
}

// ValueCount returns the number of values under key.
func (m *Multimap) ValueCount(key []byte) (uint64, error) {
	c, err := m.load(key)
	if err != nil || c == nil {
		return 0, err
	}
	return c.count, nil
}

func (m *Multimap) values(c *collection, reverse bool) (*ValueIterator, error) {
	vi := &ValueIterator{reverse: reverse}
	switch {
	case c == nil:
	case c.subtree:
		it, err := m.subtree(c.root).Range(All(), reverse)
		if err != nil {
			return nil, err
		}
		vi.sub = it
	default:
		vi.inline = c.values
		vi.pos = -1
		if reverse {
			vi.pos = len(c.values)
		}
	}
	return vi, nil
}

// Range iterates the keys of r, each with its values.
func (m *Multimap) Range(r Range, reverse bool) (*MultimapIterator, error) {
	it, err := m.outer.Range(r, reverse)
	if err != nil {
		return nil, err
	}
	return &MultimapIterator{m: m, outer: it}, nil
}

func collectKeys(t *Tree) ([][]byte, error) {
	it, err := t.Range(All(), false)
	if err != nil {
		return nil, err
	}
	var keys [][]byte
	for it.Next() {
		keys = append(keys, it.Entry().Key)
	}
	return keys, it.Err()
}

// ValueIterator walks the values of one multimap key.
type ValueIterator struct {
	inline  [][]byte
	pos     int
	sub     *Iterator
	reverse bool
	cur     []byte
}

// Next advances to the next value.
func (vi *ValueIterator) Next() bool {
	if vi.sub != nil {
		if !vi.sub.Next() {
			return false
		}
		vi.cur = vi.sub.Entry().Key
		return true
	}
	if vi.reverse {
		vi.pos--
	} else {
		vi.pos++
	}
	if vi.pos < 0 || vi.pos >= len(vi.inline) {
		return false
	}
	vi.cur = bytes.Clone(vi.inline[vi.pos])
	return true
}

// Value returns the current value.
func (vi *ValueIterator) Value() []byte { return vi.cur }

// Err returns the error that stopped the iteration, if any.
func (vi *ValueIterator) Err() error {
	if vi.sub != nil {
		return vi.sub.Err()
	}
	return nil
}

// MultimapIterator walks keys with their value sets.
type MultimapIterator struct {
	m      *Multimap
	outer  *Iterator
	key    []byte
	values *ValueIterator
	err    error
}

// Next advances to the next key.
func (mi *MultimapIterator) Next() bool {
	if mi.err != nil || !mi.outer.Next() {
		return false
	}
	e := mi.outer.Entry()
	c, err := decodeCollection(e.Value)
	if err == nil {
		mi.values, err = mi.m.values(c, false)
	}
	if err != nil {
		mi.err = err
		return false
	}
	mi.key = e.Key
	return true
}

// Key returns the current key.
func (mi *MultimapIterator) Key() []byte { return mi.key }

// Values returns the values of the current key in ascending order.
func (mi *MultimapIterator) Values() *ValueIterator { return mi.values }

// Err returns the error that stopped the iteration, if any.
func (mi *MultimapIterator) Err() error {
	if mi.err != nil {
		return mi.err
	}
	return mi.outer.Err()
}
