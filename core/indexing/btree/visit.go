package btree

import (
	"fmt"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// PageKind classifies the pages a tree owns.
type PageKind int

const (
	PageLeaf PageKind = iota
	PageBranch
	PageOverflow
)

func (k PageKind) String() string {
	switch k {
	case PageLeaf:
		return "leaf"
	case PageBranch:
		return "branch"
	case PageOverflow:
		return "overflow"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Stats describes the space used by a tree and the trees nested in it.
type Stats struct {
	Height          int
	Entries         uint64
	LeafPages       uint64
	BranchPages     uint64
	OverflowPages   uint64
	StoredBytes     uint64
	MetadataBytes   uint64
	FragmentedBytes uint64
}

// Add accumulates o into s. Height keeps the maximum.
func (s *Stats) Add(o Stats) {
	s.Height = max(s.Height, o.Height)
	s.Entries += o.Entries
	s.LeafPages += o.LeafPages
	s.BranchPages += o.BranchPages
	s.OverflowPages += o.OverflowPages
	s.StoredBytes += o.StoredBytes
	s.MetadataBytes += o.MetadataBytes
	s.FragmentedBytes += o.FragmentedBytes
}

// walk calls fn for every node reachable from the root, depth first, along
// with its depth (root = 1). Nested trees are walked with their own depth.
func (t *Tree) walk(fn func(pn pagemanager.PageNumber, n *node, depth int, nested bool) error) error {
	if !t.root.IsValid() {
		return nil
	}
	return t.walkNode(t.root, 1, false, fn)
}

func (t *Tree) walkNode(pn pagemanager.PageNumber, depth int, nested bool, fn func(pagemanager.PageNumber, *node, int, bool) error) error {
	n, err := t.loadNode(pn)
	if err != nil {
		return err
	}
	if err := fn(pn, n, depth, nested); err != nil {
		return err
	}
	if !n.leaf {
		for _, child := range n.children {
			if err := t.walkNode(child, depth+1, nested, fn); err != nil {
				return err
			}
		}
		return nil
	}
	if t.nested == nil {
		return nil
	}
	for i := range n.entries {
		e := &n.entries[i]
		if e.kind != valueInline {
			continue
		}
		if root, ok := t.nested(e.value); ok && root.IsValid() {
			sub := New(t.pages, root, t.cmp)
			if err := sub.walkNode(root, 1, true, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// VisitPages calls fn once for every page owned by the tree: nodes, overflow
// blocks and the pages of nested trees.
func (t *Tree) VisitPages(fn func(pn pagemanager.PageNumber, kind PageKind) error) error {
	return t.walk(func(pn pagemanager.PageNumber, n *node, _ int, _ bool) error {
		if !n.leaf {
			return fn(pn, PageBranch)
		}
		if err := fn(pn, PageLeaf); err != nil {
			return err
		}
		for i := range n.entries {
			if n.entries[i].kind == valueOverflow {
				if err := fn(n.entries[i].overflow, PageOverflow); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Stats walks the tree and reports its space usage. Entries counts the
// entries of the outer tree only.
func (t *Tree) Stats() (Stats, error) {
	var s Stats
	err := t.walk(func(pn pagemanager.PageNumber, n *node, depth int, nested bool) error {
		if !nested {
			s.Height = max(s.Height, depth)
		}
		used := uint64(n.size())
		s.FragmentedBytes += pagemanager.PageSize - used
		if !n.leaf {
			s.BranchPages++
			s.MetadataBytes += used + checksumSize
			return nil
		}
		s.LeafPages++
		s.MetadataBytes += headerSize + checksumSize
		for i := range n.entries {
			e := &n.entries[i]
			if !nested {
				s.Entries++
			}
			s.StoredBytes += uint64(len(e.key)) + uint64(e.valueLen())
			if e.kind == valueOverflow {
				s.OverflowPages += e.overflow.NumPages()
				s.MetadataBytes += leafEntryHeader + overflowRefSize
				s.FragmentedBytes += e.overflow.Size() - uint64(e.length)
			} else {
				s.MetadataBytes += leafEntryHeader
			}
		}
		return nil
	})
	return s, err
}

// Verify reads every page of the tree, checks node and overflow checksums
// and key order, and returns the number of pages (not blocks) it owns.
func (t *Tree) Verify() (uint64, error) {
	var pages uint64
	err := t.walk(func(pn pagemanager.PageNumber, n *node, _ int, nested bool) error {
		pages++
		cmp := t.cmp
		if nested {
			cmp = nil
		}
		if !n.leaf {
			if len(n.children) == 0 {
				return fmt.Errorf("%w: branch %s has no children", flushmanager.ErrCorrupted, pn)
			}
			for i := 1; cmp != nil && i < len(n.keys); i++ {
				if cmp(n.keys[i-1], n.keys[i]) >= 0 {
					return fmt.Errorf("%w: branch %s keys out of order", flushmanager.ErrCorrupted, pn)
				}
			}
			return nil
		}
		for i := range n.entries {
			e := &n.entries[i]
			if i > 0 && cmp != nil && cmp(n.entries[i-1].key, e.key) >= 0 {
				return fmt.Errorf("%w: leaf %s keys out of order", flushmanager.ErrCorrupted, pn)
			}
			if e.kind == valueOverflow {
				if _, err := t.readValue(e); err != nil {
					return err
				}
				pages += e.overflow.NumPages()
			}
		}
		return nil
	})
	return pages, err
}
