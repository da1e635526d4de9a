package store

import (
	"context"

	"github.com/sushant-115/gojostore/core/indexmanager"
	"github.com/sushant-115/gojostore/core/transaction"
)

// TableInfo is the catalog record of a table: its kind, the type names of
// its codecs and its length.
type TableInfo = indexmanager.TableDef

// TableKind tells plain tables from multimap tables.
type TableKind = indexmanager.TableKind

const (
	KindTable    = indexmanager.TableNormal
	KindMultimap = indexmanager.TableMultimap
)

// ReadTransaction is a snapshot of one commit. Close it when done; an open
// read transaction keeps the pages of its snapshot from being reused.
type ReadTransaction struct {
	r *transaction.ReadTxn
}

// Generation returns the commit the snapshot was taken on.
func (tx *ReadTransaction) Generation() uint64 { return tx.r.Generation() }

// ListTables returns the names of the plain tables, in order.
func (tx *ReadTransaction) ListTables() ([]string, error) {
	return tx.r.Catalog().List(indexmanager.TableNormal)
}

// ListMultimapTables returns the names of the multimap tables, in order.
func (tx *ReadTransaction) ListMultimapTables() ([]string, error) {
	return tx.r.Catalog().List(indexmanager.TableMultimap)
}

// Tables returns the definitions of every table, including the type names
// of their keys and values.
func (tx *ReadTransaction) Tables() ([]*TableInfo, error) {
	return tx.r.Catalog().Tables()
}

// Close ends the transaction.
func (tx *ReadTransaction) Close() error { return tx.r.Close() }

// WriteTransaction is the single active write transaction. Its changes are
// invisible to every other transaction until Commit returns. Abort, or a
// failed Commit, discards them.
type WriteTransaction struct {
	db *DB
	w  *transaction.WriteTxn
}

// SetDurability selects the guarantee of Commit. The default is
// DurabilityImmediate.
func (tx *WriteTransaction) SetDurability(d Durability) { tx.w.SetDurability(d) }

// Commit publishes the transaction.
func (tx *WriteTransaction) Commit(ctx context.Context) error { return tx.w.Commit(ctx) }

// Abort discards the transaction. It returns ErrTransactionResolved when the
// transaction already ended, so it is safe to defer.
func (tx *WriteTransaction) Abort() error { return tx.w.Abort() }

// ListTables returns the names of the plain tables, including ones created by
// this transaction.
func (tx *WriteTransaction) ListTables() ([]string, error) {
	if err := tx.w.Usable(); err != nil {
		return nil, err
	}
	return tx.w.Catalog().List(indexmanager.TableNormal)
}

// ListMultimapTables returns the names of the multimap tables.
func (tx *WriteTransaction) ListMultimapTables() ([]string, error) {
	if err := tx.w.Usable(); err != nil {
		return nil, err
	}
	return tx.w.Catalog().List(indexmanager.TableMultimap)
}

// Tables returns the definitions of every table, including staged changes.
func (tx *WriteTransaction) Tables() ([]*TableInfo, error) {
	if err := tx.w.Usable(); err != nil {
		return nil, err
	}
	return tx.w.Catalog().Tables()
}

// DeleteTable removes a table of either kind and frees its pages. It
// reports whether the table existed. Open handles on it fail afterwards with
// ErrTableDoesNotExist.
func (tx *WriteTransaction) DeleteTable(name string) (bool, error) {
	return tx.w.DeleteTable(name)
}

// Savepoint is a state a write transaction can return to.
type Savepoint struct {
	sp *transaction.Savepoint
}

// ID returns the savepoint id; later savepoints have larger ids.
func (sp *Savepoint) ID() uint64 { return sp.sp.ID() }

// Persistent reports whether the savepoint captured a commit. Persistent
// savepoints outlive their transaction and must be released with
// DB.ReleaseSavepoint.
func (sp *Savepoint) Persistent() bool { return sp.sp.Persistent() }

// Savepoint captures the transaction's current state. Taken before the
// transaction changed anything, it captures the latest commit and can be
// restored by later transactions.
func (tx *WriteTransaction) Savepoint() (*Savepoint, error) {
	sp, err := tx.w.Savepoint()
	if err != nil {
		return nil, err
	}
	return &Savepoint{sp: sp}, nil
}

// RestoreSavepoint returns the transaction to sp. Savepoints created after
// sp become invalid, and so do iterators opened after it.
func (tx *WriteTransaction) RestoreSavepoint(sp *Savepoint) error {
	return tx.w.RestoreSavepoint(sp.sp)
}
