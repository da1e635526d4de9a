// Package indexmanager keeps the table catalog: a B+tree, the root of the
// file's tree forest, mapping table names to table definitions.
package indexmanager

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

type stagedDef struct {
	def *TableDef
	// orig is the encoding last read from or written to the catalog tree,
	// nil for a table the tree does not hold yet.
	orig []byte
}

// Catalog resolves table names for one transaction. Write transactions stage
// definitions in memory so table handles can update roots cheaply; Flush
// writes the changed ones into the catalog tree.
type Catalog struct {
	pages   btree.PageReader
	tree    *btree.Tree
	staged  map[string]*stagedDef
	dropped map[*TableDef]bool
}

// NewCatalog opens the catalog rooted at root.
func NewCatalog(pages btree.PageReader, root pagemanager.PageNumber) *Catalog {
	return &Catalog{
		pages:   pages,
		tree:    btree.New(pages, root, nil),
		staged:  make(map[string]*stagedDef),
		dropped: make(map[*TableDef]bool),
	}
}

// Root returns the catalog tree root. Staged changes are not included until
// Flush.
func (c *Catalog) Root() pagemanager.PageNumber { return c.tree.Root() }

// ValidateName rejects names the catalog cannot store.
func ValidateName(name string) error {
	if name == "" || len(name) > btree.MaxKeySize {
		return fmt.Errorf("%w: %q", flushmanager.ErrInvalidTableName, name)
	}
	return nil
}

func (c *Catalog) lookup(name string) (*stagedDef, error) {
	if s, ok := c.staged[name]; ok {
		return s, nil
	}
	raw, found, err := c.tree.Get([]byte(name))
	if err != nil || !found {
		return nil, err
	}
	def, err := unmarshalTableDef(name, raw)
	if err != nil {
		return nil, err
	}
	return &stagedDef{def: def, orig: raw}, nil
}

// Open returns a copy of the definition of an existing table.
func (c *Catalog) Open(name string, kind TableKind, keyType, valueType string) (*TableDef, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	s, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %q", flushmanager.ErrTableDoesNotExist, name)
	}
	if err := s.def.checkType(kind, keyType, valueType); err != nil {
		return nil, err
	}
	return s.def.clone(), nil
}

// OpenOrCreate returns the staged definition of name, creating an empty table
// when it does not exist. The returned pointer stays valid for the life of
// the catalog; updating its Root and Length is picked up by Flush.
func (c *Catalog) OpenOrCreate(name string, kind TableKind, keyType, valueType string) (*TableDef, bool, error) {
	if err := ValidateName(name); err != nil {
		return nil, false, err
	}
	s, err := c.lookup(name)
	if err != nil {
		return nil, false, err
	}
	created := false
	if s == nil {
		s = &stagedDef{def: &TableDef{Name: name, Kind: kind, KeyType: keyType, ValueType: valueType}}
		created = true
	} else if err := s.def.checkType(kind, keyType, valueType); err != nil {
		return nil, false, err
	}
	c.staged[name] = s
	return s.def, created, nil
}

// Dropped reports whether def was deleted or rolled away since it was opened.
func (c *Catalog) Dropped(def *TableDef) bool { return c.dropped[def] }

// TableTree returns a handle on the pages of def, nested trees included. A
// nil cmp orders keys bytewise.
func TableTree(pages btree.PageReader, def *TableDef, cmp btree.Compare) *btree.Tree {
	if def.Kind == TableMultimap {
		return btree.NewMultimap(pages, def.Root, cmp, nil).Tree()
	}
	return btree.New(pages, def.Root, cmp)
}

// Delete frees every page of the table and removes it from the catalog.
func (c *Catalog) Delete(name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	s, err := c.lookup(name)
	if err != nil || s == nil {
		return false, err
	}
	if err := TableTree(c.pages, s.def, nil).Free(); err != nil {
		return false, err
	}
	if s.orig != nil {
		if _, _, err := c.tree.Remove([]byte(name)); err != nil {
			return false, err
		}
	}
	delete(c.staged, name)
	c.dropped[s.def] = true
	return true, nil
}

// Tables returns every table definition in name order, staged state
// included. The definitions are copies.
func (c *Catalog) Tables() ([]*TableDef, error) {
	var defs []*TableDef
	seen := make(map[string]bool)
	it, err := c.tree.Range(btree.All(), false)
	if err != nil {
		return nil, err
	}
	for it.Next() {
		e := it.Entry()
		name := string(e.Key)
		seen[name] = true
		if s, ok := c.staged[name]; ok {
			defs = append(defs, s.def.clone())
			continue
		}
		def, err := unmarshalTableDef(name, e.Value)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	for name, s := range c.staged {
		if !seen[name] {
			defs = append(defs, s.def.clone())
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// List returns the names of the tables of one kind.
func (c *Catalog) List(kind TableKind) ([]string, error) {
	defs, err := c.Tables()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range defs {
		if d.Kind == kind {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// Flush writes changed staged definitions into the catalog tree.
func (c *Catalog) Flush() error {
	names := make([]string, 0, len(c.staged))
	for name := range c.staged {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := c.staged[name]
		enc := s.def.marshal()
		if s.orig != nil && bytes.Equal(enc, s.orig) {
			continue
		}
		if _, _, err := c.tree.Insert([]byte(name), enc); err != nil {
			return err
		}
		s.orig = enc
	}
	return nil
}

// Reset points the catalog at root, as after restoring a savepoint. Staged
// definitions are reloaded in place so open table handles follow the
// restored state; tables that do not exist at root are marked dropped, and
// handles of tables deleted since root are revived.
func (c *Catalog) Reset(root pagemanager.PageNumber) error {
	c.tree = btree.New(c.pages, root, nil)
	staged := c.staged
	c.staged = make(map[string]*stagedDef)
	for name, s := range staged {
		raw, found, err := c.tree.Get([]byte(name))
		if err != nil {
			return err
		}
		if !found {
			c.dropped[s.def] = true
			continue
		}
		def, err := unmarshalTableDef(name, raw)
		if err != nil {
			return err
		}
		*s.def = *def
		c.staged[name] = &stagedDef{def: s.def, orig: raw}
	}
	for old := range c.dropped {
		if _, ok := c.staged[old.Name]; ok {
			continue
		}
		raw, found, err := c.tree.Get([]byte(old.Name))
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		def, err := unmarshalTableDef(old.Name, raw)
		if err != nil {
			return err
		}
		*old = *def
		delete(c.dropped, old)
		c.staged[old.Name] = &stagedDef{def: old, orig: raw}
	}
	return nil
}

// VisitPages calls fn for every page of the catalog tree and of every table.
// Staged changes must be flushed first.
func (c *Catalog) VisitPages(fn func(pn pagemanager.PageNumber, kind btree.PageKind) error) error {
	if err := c.tree.VisitPages(fn); err != nil {
		return err
	}
	defs, err := c.Tables()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := TableTree(c.pages, def, nil).VisitPages(fn); err != nil {
			return fmt.Errorf("table %q: %w", def.Name, err)
		}
	}
	return nil
}

// Verify checks every node and overflow checksum of the catalog and of every
// table and returns the number of pages they own. cmpFor maps a key type name
// to its ordering; nil, or a nil result, orders bytewise.
func (c *Catalog) Verify(cmpFor func(keyType string) btree.Compare) (uint64, error) {
	pages, err := c.tree.Verify()
	if err != nil {
		return 0, fmt.Errorf("catalog: %w", err)
	}
	defs, err := c.Tables()
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		var cmp btree.Compare
		if cmpFor != nil {
			cmp = cmpFor(def.KeyType)
		}
		n, err := TableTree(c.pages, def, cmp).Verify()
		if err != nil {
			return 0, fmt.Errorf("table %q: %w", def.Name, err)
		}
		pages += n
	}
	return pages, nil
}

// Stats sums the space usage of the catalog tree and every table.
func (c *Catalog) Stats() (btree.Stats, error) {
	s, err := c.tree.Stats()
	if err != nil {
		return s, err
	}
	// the catalog's own entries are table definitions, not user data
	s.Entries = 0
	defs, err := c.Tables()
	if err != nil {
		return s, err
	}
	for _, def := range defs {
		ts, err := TableTree(c.pages, def, nil).Stats()
		if err != nil {
			return s, fmt.Errorf("table %q: %w", def.Name, err)
		}
		s.Add(ts)
	}
	return s, nil
}
