package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/indexmanager"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	"github.com/sushant-115/gojostore/core/write_engine/metapage"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
)

// Options configures Open. The strategy, initial size and region size only
// apply when the file is created; an existing file keeps its own.
type Options struct {
	Strategy    metapage.Strategy
	InitialSize uint64
	RegionPages uint32
	CacheBytes  int64
	Logger      *zap.Logger
	Meter       metric.Meter
	Tracer      trace.Tracer
}

// snapshot names one committed state of the forest.
type snapshot struct {
	gen   uint64
	txnID uint64
	root  pagemanager.PageNumber
}

// Manager is the process-wide handle on one open database file. It owns the
// backend, the buffer pool and the allocator, and serializes writers.
type Manager struct {
	backend  flushmanager.Backend
	pool     *memtable.BufferPoolManager
	alloc    *pagemanager.Allocator
	strategy metapage.Strategy
	dbID     uuid.UUID

	// writer holds a token while a write transaction is active.
	writer chan struct{}
	// slotSuspect is set when a metapage write failed part way: the inactive
	// slot may hold a commit whose pages are about to be reused. Writer-owned.
	slotSuspect bool

	// stateMu guards everything below. It is held to publish a commit and to
	// register readers, never across page I/O.
	stateMu       sync.Mutex
	committed     snapshot
	durableGen    uint64
	slot          int
	allocState    pagemanager.PageNumber
	readers       map[uint64]int
	numReaders    int
	savepoints    map[uint64]*Savepoint
	nextSavepoint uint64
	nextTxnID     uint64
	closed        bool

	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics
	tracer  trace.Tracer
}

// Open recovers the database stored in backend, or initializes it when the
// backend holds no committed metapage yet. The Manager takes ownership of
// backend and closes it in Close.
func Open(ctx context.Context, backend flushmanager.Backend, opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if opts.Strategy == 0 {
		opts.Strategy = metapage.StrategyChecksum
	}
	if opts.RegionPages == 0 {
		opts.RegionPages = pagemanager.DefaultRegionPages
	}
	metrics, err := internaltelemetry.NewEngineMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating engine metrics: %w", err)
	}

	m := &Manager{
		backend:    backend,
		writer:     make(chan struct{}, 1),
		readers:    make(map[uint64]int),
		savepoints: make(map[uint64]*Savepoint),
		logger:     opts.Logger.Named("transaction_manager"),
		metrics:    metrics,
		tracer:     opts.Tracer,
	}

	ctx, span := m.tracer.Start(ctx, "gojostore.open")
	defer span.End()

	rec, err := metapage.Recover(backend)
	switch {
	case errors.Is(err, metapage.ErrUninitialized):
		err = m.create(ctx, opts)
	case err == nil:
		err = m.load(ctx, rec, opts)
	}
	if err != nil {
		span.SetStatus(otelcodes.Error, err.Error())
		if m.pool != nil {
			m.pool.Close()
		}
		return nil, err
	}
	span.SetStatus(otelcodes.Ok, "Success")

	layout := m.alloc.Layout()
	m.logger.Info("database opened",
		zap.Stringer("strategy", m.strategy),
		zap.Uint64("generation", m.committed.gen),
		zap.Int("slot", m.slot),
		zap.Uint32("regions", layout.NumRegions),
		zap.Uint32("region_pages", layout.RegionPages),
		zap.Stringer("database_id", m.dbID))
	return m, nil
}

// create initializes an empty database: size the file, persist the initial
// allocator state, then write slot 0. Slot 1 stays zero.
func (m *Manager) create(ctx context.Context, opts Options) error {
	if opts.Strategy != metapage.StrategyChecksum && opts.Strategy != metapage.StrategyTwoPhase {
		return fmt.Errorf("unknown commit strategy %d", opts.Strategy)
	}
	layout := pagemanager.LayoutForSize(opts.InitialSize, opts.RegionPages)
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("invalid layout: %w", err)
	}
	if err := m.backend.Grow(layout.Len()); err != nil {
		return fmt.Errorf("%w: sizing new file: %w", flushmanager.ErrAllocationExhausted, err)
	}
	pool, err := memtable.NewBufferPoolManager(m.backend, layout.RegionPages, opts.CacheBytes, opts.Logger)
	if err != nil {
		return err
	}
	m.pool = pool
	alloc, err := pagemanager.NewAllocator(layout, m.backend, opts.Logger.Named("allocator"))
	if err != nil {
		return err
	}
	m.alloc = alloc
	m.strategy = opts.Strategy
	m.dbID = uuid.New()

	statePage, stateLen, stateHash, err := m.persistAllocator()
	if err != nil {
		return err
	}
	if err := m.pool.FlushDirty(ctx); err != nil {
		return err
	}
	if err := m.backend.Flush(); err != nil {
		return fmt.Errorf("flushing new file: %w", err)
	}
	h := &metapage.Header{
		Strategy:       m.strategy,
		Layout:         m.alloc.Layout(),
		Generation:     1,
		AllocState:     statePage,
		AllocStateLen:  stateLen,
		AllocStateHash: stateHash,
		DatabaseID:     m.dbID,
	}
	if err := metapage.Commit(m.backend, 0, h); err != nil {
		return err
	}
	m.committed = snapshot{gen: 1}
	m.durableGen = 1
	m.slot = 0
	m.allocState = statePage
	m.nextTxnID = 1
	m.logger.Info("database created", zap.Stringer("strategy", m.strategy), zap.Uint64("bytes", layout.Len()))
	return nil
}

// load restores the state selected by recovery. The allocator comes from the
// state block the metapage points at; no tree is scanned.
func (m *Manager) load(ctx context.Context, rec *metapage.Recovered, opts Options) error {
	h := rec.Header
	log := opts.Logger.Named("recovery")
	fields := []zap.Field{
		zap.Int("slot", rec.Slot),
		zap.Uint64("generation", h.Generation),
		zap.Uint64("txn_id", h.TxnID),
	}
	if rec.OtherErr != nil {
		fields = append(fields, zap.NamedError("other_slot", rec.OtherErr))
		m.metrics.RecoveriesCounter.Add(ctx, 1)
		log.Warn("recovered metapage", fields...)
	} else {
		log.Info("recovered metapage", fields...)
	}
	if opts.Strategy != h.Strategy {
		log.Debug("file keeps its own commit strategy",
			zap.Stringer("file", h.Strategy), zap.Stringer("requested", opts.Strategy))
	}

	pool, err := memtable.NewBufferPoolManager(m.backend, h.Layout.RegionPages, opts.CacheBytes, opts.Logger)
	if err != nil {
		return err
	}
	m.pool = pool
	block, err := m.pool.FetchPage(h.AllocState)
	if err != nil {
		return fmt.Errorf("reading allocator state: %w", err)
	}
	if uint64(h.AllocStateLen) > uint64(len(block)) {
		return fmt.Errorf("%w: allocator state of %d bytes in a %d byte block", flushmanager.ErrCorrupted, h.AllocStateLen, len(block))
	}
	data := block[:h.AllocStateLen]
	if xxhash.Sum64(data) != h.AllocStateHash {
		return fmt.Errorf("%w: allocator state at %s", flushmanager.ErrChecksumMismatch, h.AllocState)
	}
	alloc, err := pagemanager.UnmarshalState(data, m.backend, opts.Logger.Named("allocator"))
	if err != nil {
		return err
	}
	if alloc.Layout() != h.Layout {
		return fmt.Errorf("%w: allocator state layout %+v does not match metapage layout %+v", flushmanager.ErrCorrupted, alloc.Layout(), h.Layout)
	}
	// No reader survives a restart, so every pending page is free.
	if err := alloc.ReleasePending(); err != nil {
		return err
	}
	m.alloc = alloc
	m.strategy = h.Strategy
	m.dbID = h.DatabaseID
	m.committed = snapshot{gen: h.Generation, txnID: h.TxnID, root: h.Root}
	m.durableGen = h.Generation
	m.slot = rec.Slot
	m.allocState = h.AllocState
	m.nextTxnID = h.TxnID + 1
	return nil
}

// persistAllocator stages the allocator state in a fresh block and returns
// what the metapage must record about it.
func (m *Manager) persistAllocator() (pagemanager.PageNumber, uint32, uint64, error) {
	pn, buf, size, err := m.alloc.PersistState()
	if err != nil {
		return pagemanager.InvalidPageNumber, 0, 0, err
	}
	if err := m.pool.WritePage(pn, buf); err != nil {
		return pagemanager.InvalidPageNumber, 0, 0, err
	}
	return pn, uint32(size), xxhash.Sum64(buf[:size]), nil
}

// Strategy returns the commit strategy recorded in the file.
func (m *Manager) Strategy() metapage.Strategy { return m.strategy }

// DatabaseID returns the identifier stored in every metapage of the file.
func (m *Manager) DatabaseID() uuid.UUID { return m.dbID }

// Generation returns the latest committed generation and the latest durable
// one.
func (m *Manager) Generation() (committed, durable uint64) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.committed.gen, m.durableGen
}

// lowWaterMarkLocked is the oldest generation any snapshot may still read.
// Pending pages freed at a generation below it are unreachable.
func (m *Manager) lowWaterMarkLocked() uint64 {
	lwm := min(m.committed.gen, m.durableGen)
	for gen := range m.readers {
		lwm = min(lwm, gen)
	}
	for _, sp := range m.savepoints {
		lwm = min(lwm, sp.gen)
	}
	return lwm
}

// reclaim releases the pending pages no snapshot can reach. Only the holder
// of the writer token calls it.
func (m *Manager) reclaim(ctx context.Context) error {
	m.stateMu.Lock()
	lwm := m.lowWaterMarkLocked()
	m.stateMu.Unlock()
	n, err := m.alloc.ReclaimUpTo(lwm)
	if n > 0 {
		m.metrics.PagesReclaimedCounter.Add(ctx, int64(n))
	}
	return err
}

// BeginRead opens a read transaction on the latest commit.
func (m *Manager) BeginRead() (*ReadTxn, error) {
	m.stateMu.Lock()
	if m.closed {
		m.stateMu.Unlock()
		return nil, flushmanager.ErrDatabaseClosed
	}
	snap := m.committed
	m.readers[snap.gen]++
	m.numReaders++
	m.stateMu.Unlock()

	m.metrics.ActiveReadersUpDown.Add(context.Background(), 1)
	return &ReadTxn{
		m:       m,
		snap:    snap,
		catalog: indexmanager.NewCatalog(m.pool, snap.root),
	}, nil
}

func (m *Manager) endRead(gen uint64) {
	m.stateMu.Lock()
	if m.readers[gen]--; m.readers[gen] == 0 {
		delete(m.readers, gen)
	}
	m.numReaders--
	m.stateMu.Unlock()
	m.metrics.ActiveReadersUpDown.Add(context.Background(), -1)
}

// BeginWrite opens the write transaction, waiting while another one is
// active. Waiting is not an error; it only ends early when ctx is done.
func (m *Manager) BeginWrite(ctx context.Context) (*WriteTxn, error) {
	select {
	case m.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	w, err := m.startWrite(ctx)
	if err != nil {
		m.releaseWriter()
		return nil, err
	}
	return w, nil
}

// startWrite opens a write transaction for the holder of the writer token.
func (m *Manager) startWrite(ctx context.Context) (*WriteTxn, error) {
	m.stateMu.Lock()
	if m.closed {
		m.stateMu.Unlock()
		return nil, flushmanager.ErrDatabaseClosed
	}
	base := m.committed
	id := m.nextTxnID
	m.nextTxnID++
	m.stateMu.Unlock()

	if err := m.reclaim(ctx); err != nil {
		return nil, err
	}
	return newWriteTxn(m, id, base), nil
}

func (m *Manager) releaseWriter() { <-m.writer }

// StartMetricsAndTrace starts a span for op and returns the context carrying
// it with the start time.
func (m *Manager) StartMetricsAndTrace(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := m.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

// EndMetricsAndTrace closes the span of op and records its latency.
func (m *Manager) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, op string, statusCode otelcodes.Code) {
	if statusCode != otelcodes.Ok {
		span.SetStatus(otelcodes.Error, statusCode.String())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	latency := time.Since(startTime).Milliseconds()
	metricAttributes := attribute.NewSet(
		attribute.String("gojostore.op", op),
		attribute.String("gojostore.code", statusCode.String()),
	)
	m.metrics.CommitLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
}

// Close persists any non-durable commits and releases the file. It fails
// with ErrTransactionsInProgress while a transaction is open.
func (m *Manager) Close(ctx context.Context) error {
	select {
	case m.writer <- struct{}{}:
	default:
		return fmt.Errorf("%w: a write transaction is active", flushmanager.ErrTransactionsInProgress)
	}
	m.stateMu.Lock()
	if m.closed {
		m.stateMu.Unlock()
		<-m.writer
		return flushmanager.ErrDatabaseClosed
	}
	if m.numReaders > 0 {
		n := m.numReaders
		m.stateMu.Unlock()
		<-m.writer
		return fmt.Errorf("%w: %d read transactions are open", flushmanager.ErrTransactionsInProgress, n)
	}
	pendingDurable := m.committed.gen > m.durableGen
	m.stateMu.Unlock()

	var errs error
	if pendingDurable {
		m.logger.Info("persisting non-durable commits before close")
		w, err := m.startWrite(ctx)
		if err == nil {
			w.keepToken = true
			err = w.Commit(ctx)
		}
		errs = multierr.Append(errs, err)
	}

	m.stateMu.Lock()
	m.closed = true
	m.savepoints = make(map[uint64]*Savepoint)
	m.stateMu.Unlock()
	<-m.writer

	m.pool.Close()
	errs = multierr.Append(errs, m.backend.Close())
	m.logger.Info("database closed", zap.Error(errs))
	return errs
}

// Stats describes the space used by the latest commit.
type Stats struct {
	Tree        btree.Stats
	Allocator   pagemanager.AllocatorStats
	Cache       memtable.CacheStats
	Layout      pagemanager.Layout
	Generation  uint64
	DurableGen  uint64
	PageSize    int
	FileBytes   uint64
	NumReaders  int
	Savepoints  int
	StatePages  uint64
	HeaderPages uint64
}

// Stats walks the latest commit and summarizes it with the allocator state.
func (m *Manager) Stats() (*Stats, error) {
	rtx, err := m.BeginRead()
	if err != nil {
		return nil, err
	}
	defer rtx.Close()
	ts, err := rtx.catalog.Stats()
	if err != nil {
		return nil, err
	}
	fileBytes, err := m.backend.Len()
	if err != nil {
		return nil, err
	}
	m.stateMu.Lock()
	s := &Stats{
		Tree:        ts,
		Generation:  m.committed.gen,
		DurableGen:  m.durableGen,
		NumReaders:  m.numReaders - 1,
		Savepoints:  len(m.savepoints),
		StatePages:  m.allocState.NumPages(),
		HeaderPages: pagemanager.HeaderPages,
	}
	m.stateMu.Unlock()
	s.Allocator = m.alloc.Stats()
	s.Layout = m.alloc.Layout()
	s.Cache = m.pool.Stats()
	s.PageSize = pagemanager.PageSize
	s.FileBytes = fileBytes
	return s, nil
}

// Check verifies every tree of the latest commit and that the allocator
// accounts for exactly the pages in use. It holds the writer token so the
// allocator does not move underneath it. cmpFor resolves key orderings by
// type name and may be nil.
func (m *Manager) Check(ctx context.Context, cmpFor func(keyType string) btree.Compare) (uint64, error) {
	select {
	case m.writer <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer m.releaseWriter()

	rtx, err := m.BeginRead()
	if err != nil {
		return 0, err
	}
	defer rtx.Close()
	reachable, err := rtx.catalog.Verify(cmpFor)
	if err != nil {
		return 0, err
	}

	m.stateMu.Lock()
	statePages := m.allocState.NumPages()
	m.stateMu.Unlock()
	as := m.alloc.Stats()
	accounted := reachable + statePages + pagemanager.HeaderPages + as.PendingPages
	if accounted != as.AllocatedPages {
		return reachable, fmt.Errorf("%w: allocator holds %d pages but %d are accounted for (%d reachable, %d pending, %d allocator state, %d header)",
			flushmanager.ErrCorrupted, as.AllocatedPages, accounted, reachable, as.PendingPages, statePages, pagemanager.HeaderPages)
	}
	return reachable, nil
}
