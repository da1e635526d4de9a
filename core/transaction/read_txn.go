package transaction

import (
	"sync/atomic"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/indexmanager"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
)

// ReadTxn is a snapshot of one commit. It never blocks and is never blocked;
// the pages it can reach stay allocated until Close.
type ReadTxn struct {
	m       *Manager
	snap    snapshot
	catalog *indexmanager.Catalog
	closed  atomic.Bool
}

// Generation returns the generation of the snapshot.
func (r *ReadTxn) Generation() uint64 { return r.snap.gen }

// TxnID returns the id of the write transaction that produced the snapshot.
func (r *ReadTxn) TxnID() uint64 { return r.snap.txnID }

// Pages serves the snapshot's pages.
func (r *ReadTxn) Pages() btree.PageReader { return r.m.pool }

// Catalog resolves the tables of the snapshot.
func (r *ReadTxn) Catalog() *indexmanager.Catalog { return r.catalog }

// State reports whether the transaction is still open.
func (r *ReadTxn) State() TransactionState {
	if r.closed.Load() {
		return TxnStateCommitted
	}
	return TxnStateActive
}

// Close ends the transaction and unpins its snapshot.
func (r *ReadTxn) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return flushmanager.ErrTransactionResolved
	}
	r.m.endRead(r.snap.gen)
	return nil
}
