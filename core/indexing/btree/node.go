package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- Node Layout ---
//
// Every node is one page:
//
//	[0]      kind (1 leaf, 2 branch)
//	[1]      reserved, zero
//	[2:4]    entry count (leaf) or key count (branch), uint16
//	...      entries
//	[-8:]    xxhash64 of the preceding bytes
//
// Leaf entry:   keyLen u16 | valueKind u8 | valueLen u32 | key | inline value, or overflow page u64 + xxhash u64
// Branch:       child0 u64 | (keyLen u16 | key | child u64)*
//
// Branch key i is the largest key that can live under child i. The last child
// has no key and is unbounded above.

const (
	nodeLeaf   byte = 1
	nodeBranch byte = 2

	valueInline   byte = 1
	valueOverflow byte = 2

	headerSize   = 4
	checksumSize = 8
	// nodeLimit is the largest encoded node, header included.
	nodeLimit = pagemanager.PageSize - checksumSize
	// Capacity is the number of payload bytes a node can hold.
	Capacity = nodeLimit - headerSize
	// A node whose payload falls below underflowSize is merged with a sibling.
	underflowSize = Capacity / 4

	leafEntryHeader     = 2 + 1 + 4
	overflowRefSize     = 8 + 8
	branchEntryOverhead = 2 + 8

	// MaxKeySize is the largest key accepted by any tree.
	MaxKeySize = 1024
	// MaxInlineValue is the largest value stored inside a leaf. Longer values
	// go to overflow blocks.
	MaxInlineValue = 256
)

// Compare orders keys. It must be a total order and must never change for
// the lifetime of a file.
type Compare func(a, b []byte) int

type leafEntry struct {
	key      []byte
	kind     byte
	value    []byte
	overflow pagemanager.PageNumber
	length   uint32
	hash     uint64
}

func (e *leafEntry) size() int {
	if e.kind == valueOverflow {
		return leafEntryHeader + len(e.key) + overflowRefSize
	}
	return leafEntryHeader + len(e.key) + len(e.value)
}

func (e *leafEntry) valueLen() int {
	if e.kind == valueOverflow {
		return int(e.length)
	}
	return len(e.value)
}

// node is the decoded form of a page. Decoded keys and values alias the page
// buffer, which is never modified once written.
type node struct {
	leaf     bool
	entries  []leafEntry
	keys     [][]byte
	children []pagemanager.PageNumber
}

func (n *node) size() int {
	s := headerSize
	if n.leaf {
		for i := range n.entries {
			s += n.entries[i].size()
		}
		return s
	}
	s += 8
	for _, k := range n.keys {
		s += branchEntryOverhead + len(k)
	}
	return s
}

func (n *node) underflows() bool {
	return n.size()-headerSize < underflowSize
}

// search returns the index of the first entry not less than key.
func (n *node) search(key []byte, cmp Compare) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool { return cmp(n.entries[i].key, key) >= 0 })
	return i, i < len(n.entries) && cmp(n.entries[i].key, key) == 0
}

// childIndex returns the child whose key range contains key.
func (n *node) childIndex(key []byte, cmp Compare) int {
	return sort.Search(len(n.keys), func(i int) bool { return cmp(key, n.keys[i]) <= 0 })
}

func encodeNode(n *node) []byte {
	buf := make([]byte, pagemanager.PageSize)
	off := headerSize
	if n.leaf {
		buf[0] = nodeLeaf
		binary.LittleEndian.PutUint16(buf[2:4], uint16(len(n.entries)))
		for i := range n.entries {
			e := &n.entries[i]
			binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.key)))
			buf[off+2] = e.kind
			binary.LittleEndian.PutUint32(buf[off+3:], uint32(e.valueLen()))
			off += leafEntryHeader
			off += copy(buf[off:], e.key)
			if e.kind == valueOverflow {
				pagemanager.PutPageNumber(buf[off:], e.overflow)
				binary.LittleEndian.PutUint64(buf[off+8:], e.hash)
				off += overflowRefSize
			} else {
				off += copy(buf[off:], e.value)
			}
		}
	} else {
		buf[0] = nodeBranch
		binary.LittleEndian.PutUint16(buf[2:4], uint16(len(n.keys)))
		pagemanager.PutPageNumber(buf[off:], n.children[0])
		off += 8
		for i, k := range n.keys {
			binary.LittleEndian.PutUint16(buf[off:], uint16(len(k)))
			off += 2
			off += copy(buf[off:], k)
			pagemanager.PutPageNumber(buf[off:], n.children[i+1])
			off += 8
		}
	}
	binary.LittleEndian.PutUint64(buf[nodeLimit:], xxhash.Sum64(buf[:nodeLimit]))
	return buf
}

func decodeNode(pn pagemanager.PageNumber, data []byte) (*node, error) {
	if len(data) != pagemanager.PageSize {
		return nil, fmt.Errorf("%w: node %s is %d bytes", flushmanager.ErrCorrupted, pn, len(data))
	}
	if want, got := binary.LittleEndian.Uint64(data[nodeLimit:]), xxhash.Sum64(data[:nodeLimit]); want != got {
		return nil, fmt.Errorf("%w: node %s checksum %x, stored %x", flushmanager.ErrChecksumMismatch, pn, got, want)
	}
	count := int(binary.LittleEndian.Uint16(data[2:4]))
	off := headerSize
	corrupt := func(what string) error {
		return fmt.Errorf("%w: node %s: %s", flushmanager.ErrCorrupted, pn, what)
	}

	switch data[0] {
	case nodeLeaf:
		if count == 0 {
			return nil, corrupt("empty leaf")
		}
		n := &node{leaf: true, entries: make([]leafEntry, count)}
		for i := 0; i < count; i++ {
			if off+leafEntryHeader > nodeLimit {
				return nil, corrupt("entry header past end of page")
			}
			keyLen := int(binary.LittleEndian.Uint16(data[off:]))
			kind := data[off+2]
			valLen := binary.LittleEndian.Uint32(data[off+3:])
			off += leafEntryHeader
			if off+keyLen > nodeLimit {
				return nil, corrupt("key past end of page")
			}
			e := &n.entries[i]
			e.key = data[off : off+keyLen : off+keyLen]
			off += keyLen
			e.kind = kind
			switch kind {
			case valueInline:
				if off+int(valLen) > nodeLimit {
					return nil, corrupt("value past end of page")
				}
				e.value = data[off : off+int(valLen) : off+int(valLen)]
				off += int(valLen)
			case valueOverflow:
				if off+overflowRefSize > nodeLimit {
					return nil, corrupt("overflow reference past end of page")
				}
				e.overflow = pagemanager.ReadPageNumber(data[off:])
				e.hash = binary.LittleEndian.Uint64(data[off+8:])
				e.length = valLen
				off += overflowRefSize
			default:
				return nil, corrupt(fmt.Sprintf("unknown value kind %d", kind))
			}
		}
		return n, nil

	case nodeBranch:
		n := &node{keys: make([][]byte, count), children: make([]pagemanager.PageNumber, count+1)}
		if off+8 > nodeLimit {
			return nil, corrupt("branch too short")
		}
		n.children[0] = pagemanager.ReadPageNumber(data[off:])
		off += 8
		for i := 0; i < count; i++ {
			if off+2 > nodeLimit {
				return nil, corrupt("key header past end of page")
			}
			keyLen := int(binary.LittleEndian.Uint16(data[off:]))
			off += 2
			if off+keyLen+8 > nodeLimit {
				return nil, corrupt("branch entry past end of page")
			}
			n.keys[i] = data[off : off+keyLen : off+keyLen]
			off += keyLen
			n.children[i+1] = pagemanager.ReadPageNumber(data[off:])
			off += 8
		}
		return n, nil
	}
	return nil, corrupt(fmt.Sprintf("unknown node kind %d", data[0]))
}

// split divides an oversized node into two halves whose larger side is as
// small as possible. For a branch, the separator moves up and belongs to
// neither half.
func split(n *node) (left *node, sep []byte, right *node) {
	if n.leaf {
		total := n.size() - headerSize
		best, bestMax := 1, total
		acc := 0
		for i := 0; i < len(n.entries)-1; i++ {
			acc += n.entries[i].size()
			if m := max(acc, total-acc); m < bestMax {
				best, bestMax = i+1, m
			}
		}
		left = &node{leaf: true, entries: n.entries[:best:best]}
		right = &node{leaf: true, entries: n.entries[best:]}
		return left, bytes.Clone(left.entries[best-1].key), right
	}

	// Split at key m: children[0..m] go left, children[m+1..] go right.
	lo, hi := 1, len(n.keys)-2
	if hi < lo {
		lo, hi = len(n.keys)/2, len(n.keys)/2
	}
	best, bestMax := lo, -1
	for m := lo; m <= hi; m++ {
		l, r := 8, 8
		for i := 0; i < m; i++ {
			l += branchEntryOverhead + len(n.keys[i])
		}
		for i := m + 1; i < len(n.keys); i++ {
			r += branchEntryOverhead + len(n.keys[i])
		}
		if mx := max(l, r); bestMax < 0 || mx < bestMax {
			best, bestMax = m, mx
		}
	}
	left = &node{keys: n.keys[:best:best], children: n.children[: best+1 : best+1]}
	right = &node{keys: n.keys[best+1:], children: n.children[best+1:]}
	return left, n.keys[best], right
}

// merge concatenates two siblings. bound is the parent key of left.
func merge(left *node, bound []byte, right *node) *node {
	if left.leaf {
		entries := make([]leafEntry, 0, len(left.entries)+len(right.entries))
		entries = append(entries, left.entries...)
		return &node{leaf: true, entries: append(entries, right.entries...)}
	}
	keys := make([][]byte, 0, len(left.keys)+len(right.keys)+1)
	keys = append(keys, left.keys...)
	keys = append(keys, bound)
	keys = append(keys, right.keys...)
	children := make([]pagemanager.PageNumber, 0, len(left.children)+len(right.children))
	children = append(children, left.children...)
	return &node{keys: keys, children: append(children, right.children...)}
}
