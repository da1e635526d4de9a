package btree

import (
	"bytes"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// Bound is one end of a key range.
type Bound struct {
	Key       []byte
	Inclusive bool
}

// Range selects keys between two optional bounds. The zero Range selects
// every key.
type Range struct {
	Lower *Bound
	Upper *Bound
}

// All selects every key.
func All() Range { return Range{} }

func (r Range) aboveLower(key []byte, cmp Compare) bool {
	if r.Lower == nil {
		return true
	}
	c := cmp(key, r.Lower.Key)
	return c > 0 || (c == 0 && r.Lower.Inclusive)
}

func (r Range) belowUpper(key []byte, cmp Compare) bool {
	if r.Upper == nil {
		return true
	}
	c := cmp(key, r.Upper.Key)
	return c < 0 || (c == 0 && r.Upper.Inclusive)
}

type frame struct {
	n   *node
	idx int
}

// Iterator walks a fixed root in key order, or in reverse. Pages are loaded
// as the walk reaches them.
//
//	it, _ := tree.Range(btree.All(), false)
//	for it.Next() {
//		e := it.Entry()
//	}
//	err := it.Err()
type Iterator struct {
	t       *Tree
	r       Range
	reverse bool
	stack   []frame
	started bool
	done    bool
	cur     Entry
	err     error
}

// Range returns an iterator over the entries of r.
func (t *Tree) Range(r Range, reverse bool) (*Iterator, error) {
	it := &Iterator{t: t, r: r, reverse: reverse}
	if !t.root.IsValid() {
		it.done = true
		return it, nil
	}
	if err := it.seek(); err != nil {
		return nil, err
	}
	return it, nil
}

// seek positions the stack on the first candidate leaf slot.
func (it *Iterator) seek() error {
	pn := it.t.root
	for {
		n, err := it.t.loadNode(pn)
		if err != nil {
			return err
		}
		if n.leaf {
			it.stack = append(it.stack, frame{n: n, idx: it.leafStart(n)})
			return nil
		}
		ci := len(n.children) - 1
		if !it.reverse {
			ci = 0
			if it.r.Lower != nil {
				ci = n.childIndex(it.r.Lower.Key, it.t.cmp)
			}
		} else if it.r.Upper != nil {
			ci = n.childIndex(it.r.Upper.Key, it.t.cmp)
		}
		it.stack = append(it.stack, frame{n: n, idx: ci})
		pn = n.children[ci]
	}
}

func (it *Iterator) leafStart(n *node) int {
	cmp := it.t.cmp
	if !it.reverse {
		if it.r.Lower == nil {
			return 0
		}
		i, found := n.search(it.r.Lower.Key, cmp)
		if found && !it.r.Lower.Inclusive {
			i++
		}
		return i
	}
	if it.r.Upper == nil {
		return len(n.entries) - 1
	}
	i, found := n.search(it.r.Upper.Key, cmp)
	if !found || !it.r.Upper.Inclusive {
		i--
	}
	return i
}

// descend pushes the outermost path below child pn.
func (it *Iterator) descend(pn pagemanager.PageNumber) error {
	for {
		n, err := it.t.loadNode(pn)
		if err != nil {
			return err
		}
		idx := 0
		if n.leaf {
			if it.reverse {
				idx = len(n.entries) - 1
			}
			it.stack = append(it.stack, frame{n: n, idx: idx})
			return nil
		}
		if it.reverse {
			idx = len(n.children) - 1
		}
		it.stack = append(it.stack, frame{n: n, idx: idx})
		pn = n.children[idx]
	}
}

// settle moves the leaf frame onto a valid slot, crossing leaves as needed.
// It returns false at the end of the tree.
func (it *Iterator) settle() (bool, error) {
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.idx >= 0 && top.idx < len(top.n.entries) {
			return true, nil
		}
		it.stack = it.stack[:len(it.stack)-1]
		for len(it.stack) > 0 {
			parent := &it.stack[len(it.stack)-1]
			if it.reverse {
				parent.idx--
			} else {
				parent.idx++
			}
			if parent.idx >= 0 && parent.idx < len(parent.n.children) {
				if err := it.descend(parent.n.children[parent.idx]); err != nil {
					return false, err
				}
				break
			}
			it.stack = it.stack[:len(it.stack)-1]
		}
	}
	return false, nil
}

// Next advances to the next entry. It returns false at the end of the range
// or on error.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.started {
		top := &it.stack[len(it.stack)-1]
		if it.reverse {
			top.idx--
		} else {
			top.idx++
		}
	}
	it.started = true

	ok, err := it.settle()
	if err != nil {
		return it.fail(err)
	}
	if !ok {
		it.done = true
		return false
	}
	top := it.stack[len(it.stack)-1]
	e := &top.n.entries[top.idx]
	if (!it.reverse && !it.r.belowUpper(e.key, it.t.cmp)) || (it.reverse && !it.r.aboveLower(e.key, it.t.cmp)) {
		it.done = true
		return false
	}
	v, err := it.t.readValue(e)
	if err != nil {
		return it.fail(err)
	}
	it.cur = Entry{Key: bytes.Clone(e.key), Value: v}
	return true
}

func (it *Iterator) fail(err error) bool {
	it.err = err
	it.done = true
	return false
}

// Entry returns the current entry.
func (it *Iterator) Entry() Entry { return it.cur }

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error { return it.err }
