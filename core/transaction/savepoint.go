package transaction

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/indexmanager"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// Savepoint is a state of the forest a write transaction can return to.
//
// A savepoint taken before its transaction changed anything captures the
// latest commit. It pins that commit like a reader does, outlives the
// transaction, and stays valid until released or until an older savepoint is
// restored. A savepoint taken after changes captures the transaction's
// working state and dies with the transaction.
type Savepoint struct {
	id    uint64
	gen   uint64
	txnID uint64
	root  pagemanager.PageNumber
	// owner is the transaction of a working-state savepoint.
	owner *WriteTxn
	seq   uint64
	// invalid is guarded by Manager.stateMu.
	invalid bool
}

// ID returns the savepoint id. Ids grow in creation order.
func (sp *Savepoint) ID() uint64 { return sp.id }

// Generation returns the commit the savepoint was taken on.
func (sp *Savepoint) Generation() uint64 { return sp.gen }

// Persistent reports whether the savepoint captures a commit and so survives
// its transaction.
func (sp *Savepoint) Persistent() bool { return sp.owner == nil }

// Savepoint captures the current state of the transaction.
func (w *WriteTxn) Savepoint() (*Savepoint, error) {
	if err := w.usable(); err != nil {
		return nil, err
	}
	m := w.m
	if !w.dirty() {
		m.stateMu.Lock()
		m.nextSavepoint++
		sp := &Savepoint{id: m.nextSavepoint, gen: w.base.gen, txnID: w.base.txnID, root: w.base.root}
		m.savepoints[sp.id] = sp
		m.stateMu.Unlock()
		w.logger.Debug("savepoint of committed state", zap.Uint64("savepoint", sp.id), zap.Uint64("generation", sp.gen))
		return sp, nil
	}

	if err := w.Mutate(w.catalog.Flush); err != nil {
		return nil, err
	}
	w.pages.pin()
	m.stateMu.Lock()
	m.nextSavepoint++
	sp := &Savepoint{id: m.nextSavepoint, gen: w.base.gen, txnID: w.id, root: w.catalog.Root(), owner: w, seq: w.pages.seq}
	m.stateMu.Unlock()
	w.savepoints = append(w.savepoints, sp)
	w.logger.Debug("savepoint of working state", zap.Uint64("savepoint", sp.id))
	return sp, nil
}

// ReleaseSavepoint unpins a savepoint. Releasing twice is a no-op.
func (m *Manager) ReleaseSavepoint(sp *Savepoint) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	sp.invalid = true
	delete(m.savepoints, sp.id)
}

// RestoreSavepoint returns the transaction to sp. Every savepoint created
// after sp becomes invalid. Iterators opened after sp must not be used again.
func (w *WriteTxn) RestoreSavepoint(sp *Savepoint) error {
	if err := w.usable(); err != nil {
		return err
	}
	w.m.stateMu.Lock()
	invalid := sp.invalid
	w.m.stateMu.Unlock()
	if invalid || (sp.owner != nil && sp.owner != w) {
		return fmt.Errorf("%w: savepoint %d", flushmanager.ErrInvalidSavepoint, sp.id)
	}

	var err error
	if sp.owner == w {
		err = w.restoreWorking(sp)
	} else {
		err = w.restoreCommitted(sp)
	}
	if err != nil {
		return err
	}
	w.invalidateAfter(sp.id)
	w.m.logger.Info("savepoint restored",
		zap.Uint64("txn_id", w.id),
		zap.Uint64("savepoint", sp.id),
		zap.Uint64("generation", sp.gen),
		zap.Bool("persistent", sp.Persistent()))
	return nil
}

func (w *WriteTxn) restoreWorking(sp *Savepoint) error {
	if err := w.pages.rollbackTo(sp.seq); err != nil {
		w.poison(err)
		return err
	}
	if err := w.catalog.Reset(sp.root); err != nil {
		w.poison(err)
		return err
	}
	return nil
}

// restoreCommitted discards the transaction's own changes, then turns the
// base commit into the savepoint's commit. Pages only the base reaches are
// freed like any replaced page. Pages only the savepoint reaches were freed
// by later commits; the savepoint's pin kept them pending, and the commit
// takes them off the pending list.
func (w *WriteTxn) restoreCommitted(sp *Savepoint) error {
	if err := w.pages.rollbackTo(0); err != nil {
		w.poison(err)
		return err
	}
	w.unfree = nil
	if err := w.catalog.Reset(w.base.root); err != nil {
		w.poison(err)
		return err
	}

	current, err := w.reachable(w.base.root)
	if err != nil {
		return err
	}
	target, err := w.reachable(sp.root)
	if err != nil {
		return err
	}
	pending := make(map[pagemanager.PageNumber]struct{})
	for _, p := range w.m.alloc.PendingPages() {
		pending[p.Page] = struct{}{}
	}
	unfree := make(map[pagemanager.PageNumber]struct{})
	for pn := range target {
		if _, ok := current[pn]; ok {
			continue
		}
		if _, ok := pending[pn]; !ok {
			return fmt.Errorf("%w: page %s of savepoint %d is no longer pending", flushmanager.ErrInvalidSavepoint, pn, sp.id)
		}
		unfree[pn] = struct{}{}
	}

	return w.Mutate(func() error {
		for pn := range current {
			if _, ok := target[pn]; !ok {
				if err := w.pages.FreePage(pn); err != nil {
					return err
				}
			}
		}
		if err := w.catalog.Reset(sp.root); err != nil {
			return err
		}
		w.unfree = unfree
		w.touched = true
		return nil
	})
}

// reachable collects every block of the forest rooted at root.
func (w *WriteTxn) reachable(root pagemanager.PageNumber) (map[pagemanager.PageNumber]struct{}, error) {
	set := make(map[pagemanager.PageNumber]struct{})
	cat := indexmanager.NewCatalog(w.m.pool, root)
	err := cat.VisitPages(func(pn pagemanager.PageNumber, _ btree.PageKind) error {
		set[pn] = struct{}{}
		return nil
	})
	return set, err
}

func (w *WriteTxn) invalidateAfter(id uint64) {
	m := w.m
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	for spID, sp := range m.savepoints {
		if spID > id {
			sp.invalid = true
			delete(m.savepoints, spID)
		}
	}
	kept := w.savepoints[:0]
	for _, sp := range w.savepoints {
		if sp.id > id {
			sp.invalid = true
			continue
		}
		kept = append(kept, sp)
	}
	w.savepoints = kept
}
