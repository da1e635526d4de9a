package transaction

import (
	"context"
	"fmt"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/indexmanager"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/metapage"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// WriteTxn is the single active write transaction. It works on a private copy
// of the forest; nothing it does is visible to readers before Commit returns.
type WriteTxn struct {
	m          *Manager
	id         uint64
	base       snapshot
	startLen   uint64
	pages      *txnPages
	catalog    *indexmanager.Catalog
	durability Durability
	state      TransactionState
	// err poisons the transaction: a mutation failed after it had started
	// replacing pages, so the working forest cannot be trusted.
	err error
	// touched records changes that allocate nothing until commit.
	touched bool
	// unfree holds pages of a restored committed savepoint that must come off
	// the pending list at commit.
	unfree     map[pagemanager.PageNumber]struct{}
	savepoints []*Savepoint
	keepToken  bool
	logger     *zap.Logger
}

func newWriteTxn(m *Manager, id uint64, base snapshot) *WriteTxn {
	pages := newTxnPages(m.pool, m.alloc)
	pages.onAlloc = func(pagemanager.PageNumber) {
		m.metrics.PagesAllocatedCounter.Add(context.Background(), 1)
	}
	return &WriteTxn{
		m:        m,
		id:       id,
		base:     base,
		startLen: m.alloc.Layout().Len(),
		pages:    pages,
		catalog:  indexmanager.NewCatalog(pages, base.root),
		state:    TxnStateActive,
		logger:   m.logger.With(zap.Uint64("txn_id", id)),
	}
}

// ID returns the transaction id.
func (w *WriteTxn) ID() uint64 { return w.id }

// BaseGeneration returns the generation the transaction started from.
func (w *WriteTxn) BaseGeneration() uint64 { return w.base.gen }

// State returns the lifecycle state.
func (w *WriteTxn) State() TransactionState { return w.state }

// SetDurability selects the guarantee of Commit.
func (w *WriteTxn) SetDurability(d Durability) { w.durability = d }

// Pages is the transaction's page store. Trees that mutate through it must do
// so inside Mutate.
func (w *WriteTxn) Pages() btree.PageWriter { return w.pages }

// Catalog resolves the tables of the working forest.
func (w *WriteTxn) Catalog() *indexmanager.Catalog { return w.catalog }

// Usable returns the error any operation on the transaction would fail with,
// or nil while it is active and not poisoned.
func (w *WriteTxn) Usable() error { return w.usable() }

func (w *WriteTxn) usable() error {
	if w.state != TxnStateActive {
		return flushmanager.ErrTransactionResolved
	}
	return w.err
}

func (w *WriteTxn) poison(err error) {
	if w.err == nil {
		w.err = fmt.Errorf("write transaction %d can only abort: %w", w.id, err)
		w.logger.Warn("write transaction poisoned", zap.Error(err))
	}
}

// dirty reports whether the working forest may differ from the base commit.
func (w *WriteTxn) dirty() bool {
	return w.pages.touched() || w.touched
}

// Mutate runs fn, which changes trees through Pages. An error raised before fn
// touched any page leaves the transaction usable; any later error poisons it.
func (w *WriteTxn) Mutate(fn func() error) error {
	if err := w.usable(); err != nil {
		return err
	}
	before := w.pages.seq
	err := fn()
	if err != nil && w.pages.seq != before {
		w.poison(err)
	}
	return err
}

// Pin keeps every page written so far readable until the transaction ends.
// Iterators over the working forest call it before they start.
func (w *WriteTxn) Pin() { w.pages.pin() }

// OpenTable returns the staged definition of a table, creating the table when
// it does not exist. Updates to the definition's Root and Length are part of
// the transaction.
func (w *WriteTxn) OpenTable(name string, kind indexmanager.TableKind, keyType, valueType string) (*indexmanager.TableDef, error) {
	if err := w.usable(); err != nil {
		return nil, err
	}
	def, created, err := w.catalog.OpenOrCreate(name, kind, keyType, valueType)
	if err != nil {
		return nil, err
	}
	if created {
		w.touched = true
		w.logger.Debug("table created", zap.String("table", name), zap.Stringer("kind", kind))
	}
	return def, nil
}

// DeleteTable frees every page of a table and removes it.
func (w *WriteTxn) DeleteTable(name string) (bool, error) {
	var deleted bool
	err := w.Mutate(func() error {
		var err error
		deleted, err = w.catalog.Delete(name)
		return err
	})
	if deleted {
		w.touched = true
	}
	return deleted, err
}

// Dropped reports whether def no longer names a table of this transaction.
func (w *WriteTxn) Dropped(def *indexmanager.TableDef) bool { return w.catalog.Dropped(def) }

// Abort discards the transaction. Every page it allocated is free again at
// once.
func (w *WriteTxn) Abort() error {
	if w.state != TxnStateActive {
		return flushmanager.ErrTransactionResolved
	}
	err := w.rollback()
	w.finish(TxnStateAborted)
	w.m.metrics.AbortsCounter.Add(context.Background(), 1)
	w.logger.Debug("write transaction aborted")
	return err
}

func (w *WriteTxn) rollback() error {
	err := w.pages.releaseAll()
	if err != nil {
		w.logger.Error("releasing pages of aborted transaction", zap.Error(err))
	}
	return err
}

func (w *WriteTxn) finish(state TransactionState) {
	w.state = state
	w.m.stateMu.Lock()
	for _, sp := range w.savepoints {
		sp.invalid = true
	}
	w.m.stateMu.Unlock()
	w.savepoints = nil
	if !w.keepToken {
		w.m.releaseWriter()
	}
}

// Commit publishes the working forest as the next generation. With
// DurabilityImmediate the data pages are flushed before the metapage that
// references them, and the metapage goes to the slot not holding the current
// commit. Any failure aborts the transaction and leaves the previous commit
// current.
func (w *WriteTxn) Commit(ctx context.Context) error {
	if w.state != TxnStateActive {
		return flushmanager.ErrTransactionResolved
	}
	if w.err != nil {
		err := w.err
		_ = w.Abort()
		return err
	}

	ctx, span, start := w.m.StartMetricsAndTrace(ctx, "gojostore.commit")
	statusCode := otelcodes.Ok
	defer func() {
		w.m.EndMetricsAndTrace(ctx, span, start, "gojostore.commit", statusCode)
	}()

	res, err := w.commit(ctx)
	if err != nil {
		statusCode = otelcodes.Error
		span.RecordError(err)
		err = multierr.Append(err, w.rollback())
		w.finish(TxnStateAborted)
		w.m.metrics.AbortsCounter.Add(ctx, 1)
		w.logger.Warn("commit failed", zap.Error(err))
		return err
	}
	w.finish(TxnStateCommitted)
	w.m.metrics.CommitsCounter.Add(ctx, 1)

	w.m.logger.Named("commit").Info("transaction committed",
		zap.Uint64("txn_id", w.id),
		zap.Uint64("generation", res.gen),
		zap.Int("dirty_pages", res.dirtyPages),
		zap.Int("freed_pages", res.freedPages),
		zap.Uint64("reclaimed_pages", res.reclaimed),
		zap.Stringer("durability", w.durability),
		zap.Duration("duration", time.Since(start)))
	return nil
}

type commitResult struct {
	gen        uint64
	dirtyPages int
	freedPages int
	reclaimed  uint64
}

func (w *WriteTxn) commit(ctx context.Context) (commitResult, error) {
	m := w.m
	res := commitResult{gen: w.base.gen + 1}
	durable := w.durability == DurabilityImmediate

	if err := w.catalog.Flush(); err != nil {
		return res, err
	}
	root := w.catalog.Root()

	// From here on the allocator is changed for the commit itself; a failure
	// puts it back before the transaction's own pages are released.
	before := m.alloc.Clone()
	fail := func(err error) (commitResult, error) {
		m.alloc.Restore(before)
		return res, err
	}

	if len(w.unfree) > 0 {
		if missing := m.alloc.RemovePending(w.unfree); len(missing) > 0 {
			return fail(fmt.Errorf("%w: %d pages of the restored savepoint were reclaimed", flushmanager.ErrInvalidSavepoint, len(missing)))
		}
	}
	if err := w.pages.releaseDeferred(); err != nil {
		return fail(err)
	}
	for _, f := range w.pages.freed {
		m.alloc.Free(f.pn, w.base.gen)
	}
	res.freedPages = len(w.pages.freed)

	var (
		statePage pagemanager.PageNumber
		stateLen  uint32
		stateHash uint64
		trimmed   uint32
	)
	if durable {
		m.stateMu.Lock()
		oldState := m.allocState
		lwm := m.lowWaterMarkLocked()
		m.stateMu.Unlock()
		if oldState.IsValid() {
			m.alloc.Free(oldState, w.base.gen)
		}
		n, err := m.alloc.ReclaimUpTo(lwm)
		if err != nil {
			return fail(err)
		}
		res.reclaimed = n
		trimmed = m.alloc.TrimTrailingRegions()
		statePage, stateLen, stateHash, err = m.persistAllocator()
		if err != nil {
			return fail(err)
		}
	}

	if m.slotSuspect {
		if err := m.clearInactiveSlot(); err != nil {
			return fail(err)
		}
	}
	res.dirtyPages = m.pool.DirtyPages()
	if err := m.pool.FlushDirty(ctx); err != nil {
		return fail(err)
	}

	layout := m.alloc.Layout()
	slot := m.slot
	if durable {
		if err := m.backend.Flush(); err != nil {
			return fail(fmt.Errorf("flushing data pages: %w", err))
		}
		slot = 1 - m.slot
		h := &metapage.Header{
			Strategy:       m.strategy,
			Layout:         layout,
			Generation:     res.gen,
			TxnID:          w.id,
			Root:           root,
			AllocState:     statePage,
			AllocStateLen:  stateLen,
			AllocStateHash: stateHash,
			DatabaseID:     m.dbID,
		}
		if err := metapage.Commit(m.backend, slot, h); err != nil {
			m.slotSuspect = true
			return fail(err)
		}
	}

	m.stateMu.Lock()
	m.committed = snapshot{gen: res.gen, txnID: w.id, root: root}
	if durable {
		m.durableGen = res.gen
		m.slot = slot
		m.allocState = statePage
	}
	m.stateMu.Unlock()

	if grown := int64(layout.Len()) - int64(w.startLen); grown > 0 {
		m.metrics.FileGrowthCounter.Add(ctx, grown)
	}
	if trimmed > 0 {
		m.truncate(layout)
	}
	if err := m.reclaim(ctx); err != nil {
		// The commit is already published; a bad pending entry only leaks.
		w.logger.Error("reclaiming pages after commit", zap.Error(err))
	}
	return res, nil
}

// clearInactiveSlot zeroes the slot a failed commit may have left behind, so
// recovery can never select it once its pages are reused.
func (m *Manager) clearInactiveSlot() error {
	slot := 1 - m.slot
	if err := m.backend.Write(metapage.SlotOffset(slot), make([]byte, pagemanager.PageSize)); err != nil {
		return fmt.Errorf("clearing metapage slot %d: %w", slot, err)
	}
	if err := m.backend.Flush(); err != nil {
		return fmt.Errorf("flushing cleared metapage slot %d: %w", slot, err)
	}
	m.slotSuspect = false
	m.logger.Info("cleared metapage slot of a failed commit", zap.Int("slot", slot))
	return nil
}

// truncate gives trimmed regions back to the filesystem once the metapage
// that no longer references them is durable.
func (m *Manager) truncate(layout pagemanager.Layout) {
	t, ok := m.backend.(flushmanager.Truncater)
	if !ok {
		return
	}
	if err := t.Truncate(layout.Len()); err != nil {
		m.logger.Warn("truncating trimmed regions", zap.Error(err))
		return
	}
	m.logger.Info("file trimmed", zap.Uint32("regions", layout.NumRegions), zap.Uint64("bytes", layout.Len()))
}
