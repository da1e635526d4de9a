package indexmanager

import (
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// TableKind distinguishes plain tables from multimap tables.
type TableKind uint8

const (
	TableNormal   TableKind = 1
	TableMultimap TableKind = 2
)

func (k TableKind) String() string {
	switch k {
	case TableNormal:
		return "table"
	case TableMultimap:
		return "multimap"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// TableDef is the catalog record of one table.
//
// Encoding: kind u8 | root u64 | length u64 | keyTypeLen u16 | keyType | valueTypeLen u16 | valueType
type TableDef struct {
	Name      string
	Kind      TableKind
	Root      pagemanager.PageNumber
	Length    uint64
	KeyType   string
	ValueType string
}

const tableDefFixedSize = 1 + 8 + 8 + 2 + 2

func (d *TableDef) marshal() []byte {
	buf := make([]byte, tableDefFixedSize+len(d.KeyType)+len(d.ValueType))
	buf[0] = byte(d.Kind)
	pagemanager.PutPageNumber(buf[1:], d.Root)
	binary.LittleEndian.PutUint64(buf[9:], d.Length)
	off := 17
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(d.KeyType)))
	off += 2
	off += copy(buf[off:], d.KeyType)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(d.ValueType)))
	off += 2
	copy(buf[off:], d.ValueType)
	return buf
}

func unmarshalTableDef(name string, data []byte) (*TableDef, error) {
	bad := func() error {
		return fmt.Errorf("%w: table definition of %q", flushmanager.ErrCorrupted, name)
	}
	if len(data) < tableDefFixedSize {
		return nil, bad()
	}
	d := &TableDef{
		Name:   name,
		Kind:   TableKind(data[0]),
		Root:   pagemanager.ReadPageNumber(data[1:]),
		Length: binary.LittleEndian.Uint64(data[9:]),
	}
	if d.Kind != TableNormal && d.Kind != TableMultimap {
		return nil, bad()
	}
	off := 17
	n := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if off+n+2 > len(data) {
		return nil, bad()
	}
	d.KeyType = string(data[off : off+n])
	off += n
	n = int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if off+n != len(data) {
		return nil, bad()
	}
	d.ValueType = string(data[off : off+n])
	return d, nil
}

func (d *TableDef) clone() *TableDef {
	c := *d
	return &c
}

// checkType fails with ErrTableTypeMismatch when d was created with a
// different kind or different key or value types.
func (d *TableDef) checkType(kind TableKind, keyType, valueType string) error {
	if d.Kind != kind {
		return fmt.Errorf("%w: %q is a %s, opened as a %s", flushmanager.ErrTableTypeMismatch, d.Name, d.Kind, kind)
	}
	if d.KeyType != keyType || d.ValueType != valueType {
		return fmt.Errorf("%w: %q stores (%s, %s), opened as (%s, %s)",
			flushmanager.ErrTableTypeMismatch, d.Name, d.KeyType, d.ValueType, keyType, valueType)
	}
	return nil
}
