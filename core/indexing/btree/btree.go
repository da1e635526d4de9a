// Package btree implements a copy-on-write B+tree over byte keys. A tree is
// identified by its root page; every mutation writes new pages along the
// root-to-leaf path and hands the replaced pages back to the page store, so a
// root captured earlier keeps describing the same contents.
package btree

import (
	"bytes"
	"fmt"
	"math"
	"slices"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// PageReader serves committed or staged pages.
type PageReader interface {
	FetchPage(pn pagemanager.PageNumber) ([]byte, error)
}

// PageWriter is the page store of a write transaction.
type PageWriter interface {
	PageReader
	AllocatePage(order uint8) (pagemanager.PageNumber, error)
	WritePage(pn pagemanager.PageNumber, data []byte) error
	FreePage(pn pagemanager.PageNumber) error
}

// NestedRoot extracts the root of a tree stored inside a value, if any. Trees
// whose values embed other trees set it so page walks descend into them.
type NestedRoot func(value []byte) (pagemanager.PageNumber, bool)

// Entry is a key with its value. Both are owned by the caller.
type Entry struct {
	Key   []byte
	Value []byte
}

// Tree is a handle on one B+tree. A zero root is the empty tree.
type Tree struct {
	root   pagemanager.PageNumber
	cmp    Compare
	pages  PageReader
	nested NestedRoot
}

// New returns a handle on the tree rooted at root. A nil cmp orders keys
// bytewise.
func New(pages PageReader, root pagemanager.PageNumber, cmp Compare) *Tree {
	if cmp == nil {
		cmp = bytes.Compare
	}
	return &Tree{root: root, cmp: cmp, pages: pages}
}

// WithNested sets the nested tree extractor and returns t.
func (t *Tree) WithNested(fn NestedRoot) *Tree {
	t.nested = fn
	return t
}

// Root returns the current root page, InvalidPageNumber when empty.
func (t *Tree) Root() pagemanager.PageNumber { return t.root }

// IsEmpty reports whether the tree has no entries.
func (t *Tree) IsEmpty() bool { return !t.root.IsValid() }

func (t *Tree) writer() (PageWriter, error) {
	w, ok := t.pages.(PageWriter)
	if !ok {
		return nil, flushmanager.ErrReadOnlyTransaction
	}
	return w, nil
}

func (t *Tree) loadNode(pn pagemanager.PageNumber) (*node, error) {
	data, err := t.pages.FetchPage(pn)
	if err != nil {
		return nil, err
	}
	if pn.Order != 0 {
		return nil, fmt.Errorf("%w: node page %s is not a single page", flushmanager.ErrCorrupted, pn)
	}
	return decodeNode(pn, data)
}

func (t *Tree) writeNode(w PageWriter, n *node) (pagemanager.PageNumber, error) {
	pn, err := w.AllocatePage(0)
	if err != nil {
		return pagemanager.InvalidPageNumber, err
	}
	if err := w.WritePage(pn, encodeNode(n)); err != nil {
		return pagemanager.InvalidPageNumber, err
	}
	return pn, nil
}

// --- Values ---

func checkEntry(key []byte, value []byte) error {
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: %d bytes, limit %d", flushmanager.ErrKeyTooLarge, len(key), MaxKeySize)
	}
	if uint64(len(value)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", flushmanager.ErrValueTooLarge, len(value))
	}
	return nil
}

func (t *Tree) newEntry(w PageWriter, key, value []byte) (leafEntry, error) {
	if len(value) <= MaxInlineValue {
		return leafEntry{key: key, kind: valueInline, value: value}, nil
	}
	pn, err := w.AllocatePage(pagemanager.OrderForBytes(uint64(len(value))))
	if err != nil {
		return leafEntry{}, err
	}
	buf := make([]byte, pn.Size())
	copy(buf, value)
	if err := w.WritePage(pn, buf); err != nil {
		return leafEntry{}, err
	}
	return leafEntry{
		key:      key,
		kind:     valueOverflow,
		overflow: pn,
		length:   uint32(len(value)),
		hash:     xxhash.Sum64(value),
	}, nil
}

func (t *Tree) readValue(e *leafEntry) ([]byte, error) {
	if e.kind == valueInline {
		return bytes.Clone(e.value), nil
	}
	data, err := t.pages.FetchPage(e.overflow)
	if err != nil {
		return nil, err
	}
	if uint64(e.length) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: overflow value of %d bytes does not fit block %s", flushmanager.ErrCorrupted, e.length, e.overflow)
	}
	v := data[:e.length]
	if xxhash.Sum64(v) != e.hash {
		return nil, fmt.Errorf("%w: overflow value at %s", flushmanager.ErrChecksumMismatch, e.overflow)
	}
	return bytes.Clone(v), nil
}

func freeValue(w PageWriter, e *leafEntry) error {
	if e.kind == valueOverflow {
		return w.FreePage(e.overflow)
	}
	return nil
}

// --- Lookup ---

// Get returns the value stored under key.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	if !t.root.IsValid() {
		return nil, false, nil
	}
	pn := t.root
	for {
		n, err := t.loadNode(pn)
		if err != nil {
			return nil, false, err
		}
		if n.leaf {
			i, found := n.search(key, t.cmp)
			if !found {
				return nil, false, nil
			}
			v, err := t.readValue(&n.entries[i])
			return v, err == nil, err
		}
		pn = n.children[n.childIndex(key, t.cmp)]
	}
}

// First returns the smallest entry.
func (t *Tree) First() (Entry, bool, error) { return t.edge(false) }

// Last returns the largest entry.
func (t *Tree) Last() (Entry, bool, error) { return t.edge(true) }

func (t *Tree) edge(last bool) (Entry, bool, error) {
	if !t.root.IsValid() {
		return Entry{}, false, nil
	}
	pn := t.root
	for {
		n, err := t.loadNode(pn)
		if err != nil {
			return Entry{}, false, err
		}
		if !n.leaf {
			pn = n.children[0]
			if last {
				pn = n.children[len(n.children)-1]
			}
			continue
		}
		e := &n.entries[0]
		if last {
			e = &n.entries[len(n.entries)-1]
		}
		v, err := t.readValue(e)
		if err != nil {
			return Entry{}, false, err
		}
		return Entry{Key: bytes.Clone(e.key), Value: v}, true, nil
	}
}

// --- Insert ---

type insertResult struct {
	left    *node
	sep     []byte
	right   *node
	old     []byte
	existed bool
}

// Insert stores value under key and returns the value it replaced.
func (t *Tree) Insert(key, value []byte) ([]byte, bool, error) {
	if err := checkEntry(key, value); err != nil {
		return nil, false, err
	}
	w, err := t.writer()
	if err != nil {
		return nil, false, err
	}
	e, err := t.newEntry(w, key, value)
	if err != nil {
		return nil, false, err
	}
	if !t.root.IsValid() {
		pn, err := t.writeNode(w, &node{leaf: true, entries: []leafEntry{e}})
		if err != nil {
			return nil, false, err
		}
		t.root = pn
		return nil, false, nil
	}

	res, err := t.insert(w, t.root, e)
	if err != nil {
		return nil, false, err
	}
	root, err := t.writeSplit(w, res.left, res.sep, res.right)
	if err != nil {
		return nil, false, err
	}
	t.root = root
	return res.old, res.existed, nil
}

func (t *Tree) insert(w PageWriter, pn pagemanager.PageNumber, e leafEntry) (*insertResult, error) {
	n, err := t.loadNode(pn)
	if err != nil {
		return nil, err
	}
	res := &insertResult{}
	var updated *node
	if n.leaf {
		i, found := n.search(e.key, t.cmp)
		entries := slices.Clone(n.entries)
		if found {
			if res.old, err = t.readValue(&entries[i]); err != nil {
				return nil, err
			}
			res.existed = true
			if err := freeValue(w, &entries[i]); err != nil {
				return nil, err
			}
			entries[i] = e
		} else {
			entries = slices.Insert(entries, i, e)
		}
		updated = &node{leaf: true, entries: entries}
	} else {
		ci := n.childIndex(e.key, t.cmp)
		child, err := t.insert(w, n.children[ci], e)
		if err != nil {
			return nil, err
		}
		res.old, res.existed = child.old, child.existed
		if updated, err = t.replaceChild(w, n, ci, child.left, child.sep, child.right); err != nil {
			return nil, err
		}
	}
	if err := w.FreePage(pn); err != nil {
		return nil, err
	}
	if updated.size() > nodeLimit {
		res.left, res.sep, res.right = split(updated)
	} else {
		res.left = updated
	}
	return res, nil
}

// replaceChild writes the replacement(s) of child ci and returns a copy of n
// pointing at them.
func (t *Tree) replaceChild(w PageWriter, n *node, ci int, left *node, sep []byte, right *node) (*node, error) {
	lpn, err := t.writeNode(w, left)
	if err != nil {
		return nil, err
	}
	keys := slices.Clone(n.keys)
	children := slices.Clone(n.children)
	children[ci] = lpn
	if right != nil {
		rpn, err := t.writeNode(w, right)
		if err != nil {
			return nil, err
		}
		keys = slices.Insert(keys, ci, sep)
		children = slices.Insert(children, ci+1, rpn)
	}
	return &node{keys: keys, children: children}, nil
}

// writeSplit writes a top-level result and returns the new root.
func (t *Tree) writeSplit(w PageWriter, left *node, sep []byte, right *node) (pagemanager.PageNumber, error) {
	if right == nil {
		return t.writeNode(w, left)
	}
	lpn, err := t.writeNode(w, left)
	if err != nil {
		return pagemanager.InvalidPageNumber, err
	}
	rpn, err := t.writeNode(w, right)
	if err != nil {
		return pagemanager.InvalidPageNumber, err
	}
	return t.writeNode(w, &node{keys: [][]byte{sep}, children: []pagemanager.PageNumber{lpn, rpn}})
}

// --- Remove ---

type removeResult struct {
	// node replaces the subtree; nil when the subtree is now empty.
	node *node
	old  []byte
}

// Remove deletes key and returns its value. Removing an absent key touches
// no pages.
func (t *Tree) Remove(key []byte) ([]byte, bool, error) {
	if !t.root.IsValid() {
		return nil, false, nil
	}
	w, err := t.writer()
	if err != nil {
		return nil, false, err
	}
	res, err := t.remove(w, t.root, key)
	if err != nil || res == nil {
		return nil, false, err
	}

	root := pagemanager.InvalidPageNumber
	if n := res.node; n != nil {
		if !n.leaf && len(n.children) == 1 {
			root, err = t.collapse(w, n.children[0])
		} else {
			root, err = t.writeNode(w, n)
		}
		if err != nil {
			return nil, false, err
		}
	}
	t.root = root
	return res.old, true, nil
}

// collapse strips single-child branches off the top of the tree.
func (t *Tree) collapse(w PageWriter, pn pagemanager.PageNumber) (pagemanager.PageNumber, error) {
	for {
		n, err := t.loadNode(pn)
		if err != nil {
			return pagemanager.InvalidPageNumber, err
		}
		if n.leaf || len(n.children) > 1 {
			return pn, nil
		}
		if err := w.FreePage(pn); err != nil {
			return pagemanager.InvalidPageNumber, err
		}
		pn = n.children[0]
	}
}

// remove returns nil when key is absent.
func (t *Tree) remove(w PageWriter, pn pagemanager.PageNumber, key []byte) (*removeResult, error) {
	n, err := t.loadNode(pn)
	if err != nil {
		return nil, err
	}
	if n.leaf {
		i, found := n.search(key, t.cmp)
		if !found {
			return nil, nil
		}
		res := &removeResult{}
		if res.old, err = t.readValue(&n.entries[i]); err != nil {
			return nil, err
		}
		if err := freeValue(w, &n.entries[i]); err != nil {
			return nil, err
		}
		if err := w.FreePage(pn); err != nil {
			return nil, err
		}
		if len(n.entries) > 1 {
			res.node = &node{leaf: true, entries: slices.Delete(slices.Clone(n.entries), i, i+1)}
		}
		return res, nil
	}

	ci := n.childIndex(key, t.cmp)
	child, err := t.remove(w, n.children[ci], key)
	if err != nil || child == nil {
		return nil, err
	}
	if err := w.FreePage(pn); err != nil {
		return nil, err
	}
	updated, err := t.rebalance(w, n, ci, child.node)
	if err != nil {
		return nil, err
	}
	return &removeResult{node: updated, old: child.old}, nil
}

// rebalance builds the copy of branch n after child ci was replaced by child
// (nil meaning removed). An underflowing child is merged with a sibling, or
// redistributed with it when both do not fit in one page.
func (t *Tree) rebalance(w PageWriter, n *node, ci int, child *node) (*node, error) {
	keys := slices.Clone(n.keys)
	children := slices.Clone(n.children)

	if child == nil {
		children = slices.Delete(children, ci, ci+1)
		switch {
		case len(children) == 0:
			return nil, nil
		case ci < len(keys):
			keys = slices.Delete(keys, ci, ci+1)
		default:
			keys = keys[:len(keys)-1]
		}
		return &node{keys: keys, children: children}, nil
	}

	if !child.underflows() || len(children) == 1 {
		pn, err := t.writeNode(w, child)
		if err != nil {
			return nil, err
		}
		children[ci] = pn
		return &node{keys: keys, children: children}, nil
	}

	li, si := ci, ci+1
	if ci > 0 {
		li, si = ci-1, ci-1
	}
	sibling, err := t.loadNode(children[si])
	if err != nil {
		return nil, err
	}
	if err := w.FreePage(children[si]); err != nil {
		return nil, err
	}
	left, right := child, sibling
	if si < ci {
		left, right = sibling, child
	}

	merged := merge(left, keys[li], right)
	if merged.size() <= nodeLimit {
		pn, err := t.writeNode(w, merged)
		if err != nil {
			return nil, err
		}
		children[li] = pn
		children = slices.Delete(children, li+1, li+2)
		keys = slices.Delete(keys, li, li+1)
		return &node{keys: keys, children: children}, nil
	}

	l, sep, r := split(merged)
	lpn, err := t.writeNode(w, l)
	if err != nil {
		return nil, err
	}
	rpn, err := t.writeNode(w, r)
	if err != nil {
		return nil, err
	}
	children[li], children[li+1] = lpn, rpn
	keys[li] = sep
	return &node{keys: keys, children: children}, nil
}

// --- Bulk removal ---

// PopFirst removes and returns the smallest entry.
func (t *Tree) PopFirst() (Entry, bool, error) { return t.pop(false) }

// PopLast removes and returns the largest entry.
func (t *Tree) PopLast() (Entry, bool, error) { return t.pop(true) }

func (t *Tree) pop(last bool) (Entry, bool, error) {
	if _, err := t.writer(); err != nil {
		return Entry{}, false, err
	}
	e, ok, err := t.edge(last)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if _, _, err := t.Remove(e.Key); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Drain removes every entry in r and returns them in key order.
func (t *Tree) Drain(r Range) ([]Entry, error) {
	if _, err := t.writer(); err != nil {
		return nil, err
	}
	it, err := t.Range(r, false)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for it.Next() {
		out = append(out, it.Entry())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	for _, e := range out {
		if _, found, err := t.Remove(e.Key); err != nil {
			return nil, err
		} else if !found {
			return nil, fmt.Errorf("%w: drained key vanished", flushmanager.ErrCorrupted)
		}
	}
	return out, nil
}

// Free releases every page of the tree, nested trees and overflow blocks
// included, and leaves t empty.
func (t *Tree) Free() error {
	w, err := t.writer()
	if err != nil {
		return err
	}
	var pages []pagemanager.PageNumber
	if err := t.VisitPages(func(pn pagemanager.PageNumber, _ PageKind) error {
		pages = append(pages, pn)
		return nil
	}); err != nil {
		return err
	}
	var errs error
	for _, pn := range pages {
		errs = multierr.Append(errs, w.FreePage(pn))
	}
	if errs != nil {
		return errs
	}
	t.root = pagemanager.InvalidPageNumber
	return nil
}
