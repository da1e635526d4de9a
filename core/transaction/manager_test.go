package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/indexmanager"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/metapage"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// TestOpenCreateAndReopen creates a file, commits to it and recovers it.
func TestOpenCreateAndReopen(t *testing.T) {
	backend := flushmanager.NewMemoryBackend()

	// 1. A new file starts at generation 1 with an empty forest.
	m := openManager(t, backend, metapage.StrategyChecksum)
	committed, durable := m.Generation()
	assert.Equal(t, uint64(1), committed)
	assert.Equal(t, uint64(1), durable)
	assert.Empty(t, latest(t, m, "t"))
	check(t, m)

	// 2. Commit one table.
	commit(t, m, func(w *WriteTxn) { put(t, w, "t", "a", "1") })
	committed, durable = m.Generation()
	assert.Equal(t, uint64(2), committed)
	assert.Equal(t, uint64(2), durable)
	id := m.DatabaseID()
	require.NoError(t, m.Close(context.Background()))

	// 3. The reopened file keeps its strategy, id and contents.
	reopened := openManager(t, backend.CrashImage(flushmanager.CrashDropUnflushed), metapage.StrategyTwoPhase)
	assert.Equal(t, metapage.StrategyChecksum, reopened.Strategy())
	assert.Equal(t, id, reopened.DatabaseID())
	assert.Equal(t, map[string]string{"a": "1"}, latest(t, reopened, "t"))
	committed, _ = reopened.Generation()
	assert.Equal(t, uint64(2), committed)
	check(t, reopened)
	require.NoError(t, reopened.Close(context.Background()))
}

// TestSnapshotIsolation checks readers only ever see the commit they started on.
func TestSnapshotIsolation(t *testing.T) {
	m := openManager(t, flushmanager.NewMemoryBackend(), metapage.StrategyChecksum)
	commit(t, m, func(w *WriteTxn) { put(t, w, "t", "a", "1") })

	// 1. A reader opened before the writer.
	r1, err := m.BeginRead()
	require.NoError(t, err)

	// 2. The writer sees its own changes; a reader opened mid-write does not.
	w := beginWrite(t, m)
	put(t, w, "t", "a", "2")
	put(t, w, "t", "b", "1")
	assert.Equal(t, map[string]string{"a": "2", "b": "1"}, contents(t, w.Pages(), w.Catalog(), "t"))
	r2, err := m.BeginRead()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1"}, contents(t, r2.Pages(), r2.Catalog(), "t"))
	require.NoError(t, w.Commit(context.Background()))
	assert.Equal(t, TxnStateCommitted, w.State())

	// 3. Old readers keep their snapshot, new readers see the commit.
	assert.Equal(t, map[string]string{"a": "1"}, contents(t, r1.Pages(), r1.Catalog(), "t"))
	assert.Equal(t, map[string]string{"a": "1"}, contents(t, r2.Pages(), r2.Catalog(), "t"))
	r3, err := m.BeginRead()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "2", "b": "1"}, contents(t, r3.Pages(), r3.Catalog(), "t"))
	assert.Equal(t, uint64(2), r1.Generation())
	assert.Equal(t, uint64(3), r3.Generation())
	assert.Equal(t, w.ID(), r3.TxnID())

	for _, r := range []*ReadTxn{r1, r2, r3} {
		require.NoError(t, r.Close())
	}
	check(t, m)
	require.NoError(t, m.Close(context.Background()))
}

// slowBackend delays every write once armed, to hold a commit inside its
// data flush.
type slowBackend struct {
	*flushmanager.MemoryBackend
	delay   time.Duration
	armed   atomic.Bool
	once    sync.Once
	started chan struct{}
}

func (b *slowBackend) Write(offset uint64, data []byte) error {
	if b.armed.Load() {
		b.once.Do(func() { close(b.started) })
		time.Sleep(b.delay)
	}
	return b.MemoryBackend.Write(offset, data)
}

// TestReaderNotBlockedByCommitFlush reads an older snapshot while a commit is
// writing its data pages.
func TestReaderNotBlockedByCommitFlush(t *testing.T) {
	backend := &slowBackend{
		MemoryBackend: flushmanager.NewMemoryBackend(),
		delay:         300 * time.Millisecond,
		started:       make(chan struct{}),
	}
	m := openManager(t, backend, metapage.StrategyChecksum)
	commit(t, m, func(w *WriteTxn) { put(t, w, "t", "a", "1") })

	// 1. A reader on the committed snapshot.
	r, err := m.BeginRead()
	require.NoError(t, err)

	// 2. A writer commits through the slow backend.
	w := beginWrite(t, m)
	put(t, w, "t", "a", "2")
	backend.armed.Store(true)
	done := make(chan error, 1)
	go func() { done <- w.Commit(context.Background()) }()
	<-backend.started

	// 3. The reader finishes well before the flush does.
	start := time.Now()
	assert.Equal(t, map[string]string{"a": "1"}, contents(t, r.Pages(), r.Catalog(), "t"))
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	require.NoError(t, <-done)
	backend.armed.Store(false)
	require.NoError(t, r.Close())
	require.NoError(t, m.Close(context.Background()))
}

// TestWriterSerialization checks a second writer waits for the first and can
// give up through its context.
func TestWriterSerialization(t *testing.T) {
	m := openManager(t, flushmanager.NewMemoryBackend(), metapage.StrategyChecksum)

	// 1. Hold the writer.
	w1 := beginWrite(t, m)

	// 2. A bounded wait ends with the context error.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.BeginWrite(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 3. An unbounded wait is released by the commit and starts on its result.
	started := make(chan *WriteTxn, 1)
	go func() {
		w, err := m.BeginWrite(context.Background())
		if err != nil {
			close(started)
			return
		}
		started <- w
	}()
	select {
	case <-started:
		t.Fatal("second writer started while the first was active")
	case <-time.After(50 * time.Millisecond):
	}
	put(t, w1, "t", "k", "v")
	require.NoError(t, w1.Commit(context.Background()))

	var w2 *WriteTxn
	select {
	case w2 = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("second writer never started")
	}
	require.NotNil(t, w2)
	assert.Equal(t, uint64(2), w2.BaseGeneration())
	assert.Equal(t, map[string]string{"k": "v"}, contents(t, w2.Pages(), w2.Catalog(), "t"))
	require.NoError(t, w2.Abort())
	require.NoError(t, m.Close(context.Background()))
}

// TestAbortReleasesPages checks an aborted transaction gives back every page,
// including pages kept alive by one of its savepoints.
func TestAbortReleasesPages(t *testing.T) {
	m := openManager(t, flushmanager.NewMemoryBackend(), metapage.StrategyChecksum)
	commit(t, m, func(w *WriteTxn) { put(t, w, "t", "seed", "x") })

	// 1. Write enough to allocate overflow blocks and split leaves.
	w := beginWrite(t, m)
	before := m.alloc.Stats().AllocatedPages
	value := strings.Repeat("v", 300)
	for i := 0; i < 100; i++ {
		put(t, w, "t", fmt.Sprintf("k%03d", i), value)
	}

	// 2. A savepoint pins the pages so far; deleting half defers their frees.
	sp, err := w.Savepoint()
	require.NoError(t, err)
	assert.False(t, sp.Persistent())
	for i := 0; i < 50; i++ {
		assert.True(t, del(t, w, "t", fmt.Sprintf("k%03d", i)))
	}
	assert.Greater(t, m.alloc.Stats().AllocatedPages, before)

	// 3. Abort returns the allocator to where the transaction found it.
	require.NoError(t, w.Abort())
	assert.Equal(t, TxnStateAborted, w.State())
	assert.Equal(t, before, m.alloc.Stats().AllocatedPages)
	assert.ErrorIs(t, w.Commit(context.Background()), flushmanager.ErrTransactionResolved)
	assert.ErrorIs(t, w.Abort(), flushmanager.ErrTransactionResolved)
	assert.Equal(t, map[string]string{"seed": "x"}, latest(t, m, "t"))

	// 4. The savepoint died with its transaction.
	w2 := beginWrite(t, m)
	assert.ErrorIs(t, w2.RestoreSavepoint(sp), flushmanager.ErrInvalidSavepoint)
	require.NoError(t, w2.Abort())
	check(t, m)
	require.NoError(t, m.Close(context.Background()))
}

// TestPoisonedTransaction checks a mutation that fails part way leaves the
// transaction able only to abort.
func TestPoisonedTransaction(t *testing.T) {
	boom := errors.New("boom")
	m := openManager(t, flushmanager.NewMemoryBackend(), metapage.StrategyChecksum)
	commit(t, m, func(w *WriteTxn) { put(t, w, "t", "a", "1") })

	w := beginWrite(t, m)
	before := m.alloc.Stats().AllocatedPages

	// 1. A failure before any page changed is harmless.
	assert.ErrorIs(t, w.Mutate(func() error { return boom }), boom)
	put(t, w, "t", "b", "2")

	// 2. A failure after a page changed poisons the transaction.
	err := w.Mutate(func() error {
		if _, err := w.Pages().AllocatePage(0); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = w.OpenTable("t", indexmanager.TableNormal, "string", "string")
	assert.ErrorIs(t, err, boom)
	_, err = w.Savepoint()
	assert.ErrorIs(t, err, boom)

	// 3. Commit turns into an abort.
	assert.ErrorIs(t, w.Commit(context.Background()), boom)
	assert.Equal(t, TxnStateAborted, w.State())
	assert.Equal(t, before, m.alloc.Stats().AllocatedPages)
	assert.Equal(t, map[string]string{"a": "1"}, latest(t, m, "t"))
	check(t, m)
	require.NoError(t, m.Close(context.Background()))
}

// TestDurabilityNone checks non-durable commits are visible at once, lost by
// a crash and persisted by Close.
func TestDurabilityNone(t *testing.T) {
	backend := flushmanager.NewMemoryBackend()
	m := openManager(t, backend, metapage.StrategyTwoPhase)
	commit(t, m, func(w *WriteTxn) { put(t, w, "t", "a", "1") })

	// 1. A non-durable commit is visible but not durable.
	commit(t, m, func(w *WriteTxn) {
		w.SetDurability(DurabilityNone)
		put(t, w, "t", "b", "2")
	})
	committed, durable := m.Generation()
	assert.Equal(t, uint64(3), committed)
	assert.Equal(t, uint64(2), durable)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, latest(t, m, "t"))
	check(t, m)

	// 2. A crash now recovers the last durable commit, whatever reached disk.
	for _, mode := range []flushmanager.CrashMode{flushmanager.CrashDropUnflushed, flushmanager.CrashKeepUnflushed, flushmanager.CrashTearLastWrite} {
		crashed := openManager(t, backend.CrashImage(mode), metapage.StrategyTwoPhase)
		assert.Equal(t, map[string]string{"a": "1"}, latest(t, crashed, "t"), "mode %d", mode)
		check(t, crashed)
		require.NoError(t, crashed.Close(context.Background()))
	}

	// 3. Close persists the pending commits.
	commit(t, m, func(w *WriteTxn) {
		w.SetDurability(DurabilityNone)
		put(t, w, "t", "c", "3")
	})
	require.NoError(t, m.Close(context.Background()))
	reopened := openManager(t, backend.CrashImage(flushmanager.CrashDropUnflushed), metapage.StrategyTwoPhase)
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, latest(t, reopened, "t"))
	committed, durable = reopened.Generation()
	assert.Equal(t, uint64(5), committed)
	assert.Equal(t, uint64(5), durable)
	check(t, reopened)
	require.NoError(t, reopened.Close(context.Background()))
}

// TestCloseRefusesOpenTransactions checks Close waits for nobody.
func TestCloseRefusesOpenTransactions(t *testing.T) {
	m := openManager(t, flushmanager.NewMemoryBackend(), metapage.StrategyChecksum)

	// 1. An open reader blocks Close.
	r, err := m.BeginRead()
	require.NoError(t, err)
	assert.ErrorIs(t, m.Close(context.Background()), flushmanager.ErrTransactionsInProgress)
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Close(), flushmanager.ErrTransactionResolved)

	// 2. So does an open writer.
	w := beginWrite(t, m)
	assert.ErrorIs(t, m.Close(context.Background()), flushmanager.ErrTransactionsInProgress)
	require.NoError(t, w.Abort())

	// 3. Once closed, nothing starts.
	require.NoError(t, m.Close(context.Background()))
	assert.ErrorIs(t, m.Close(context.Background()), flushmanager.ErrDatabaseClosed)
	_, err = m.BeginRead()
	assert.ErrorIs(t, err, flushmanager.ErrDatabaseClosed)
	_, err = m.BeginWrite(context.Background())
	assert.ErrorIs(t, err, flushmanager.ErrDatabaseClosed)
}

// TestReclamationWaitsForReaders checks a page freed while a reader can still
// reach it is not handed out again until the reader closes.
func TestReclamationWaitsForReaders(t *testing.T) {
	m := openManager(t, flushmanager.NewMemoryBackend(), metapage.StrategyChecksum)
	value := strings.Repeat("r", 1000)
	want := make(map[string]string)
	commit(t, m, func(w *WriteTxn) {
		for i := 0; i < 20; i++ {
			key := fmt.Sprintf("k%02d", i)
			put(t, w, "t", key, value)
			want[key] = value
		}
	})

	// 1. Pin the snapshot and record its pages.
	r, err := m.BeginRead()
	require.NoError(t, err)
	readerPages := make(map[pagemanager.PageNumber]struct{})
	require.NoError(t, r.Catalog().VisitPages(func(pn pagemanager.PageNumber, _ btree.PageKind) error {
		readerPages[pn] = struct{}{}
		return nil
	}))
	require.NotEmpty(t, readerPages)

	// 2. Free all of them.
	commit(t, m, func(w *WriteTxn) {
		deleted, err := w.DeleteTable("t")
		require.NoError(t, err)
		assert.True(t, deleted)
	})

	// 3. Allocate heavily; none of the reader's pages comes back.
	w := beginWrite(t, m)
	var reused []pagemanager.PageNumber
	w.pages.onAlloc = func(pn pagemanager.PageNumber) {
		if _, ok := readerPages[pn]; ok {
			reused = append(reused, pn)
		}
	}
	for i := 0; i < 300; i++ {
		put(t, w, "u", fmt.Sprintf("k%03d", i), value)
	}
	require.NoError(t, w.Commit(context.Background()))
	assert.Empty(t, reused)
	assert.Equal(t, want, contents(t, r.Pages(), r.Catalog(), "t"))
	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NumReaders)
	check(t, m)

	// 4. After the reader closes the next writer reclaims them.
	require.NoError(t, r.Close())
	w = beginWrite(t, m)
	for pn := range readerPages {
		assert.False(t, m.alloc.IsAllocated(pn), "page %s", pn)
	}
	require.NoError(t, w.Abort())
	check(t, m)
	require.NoError(t, m.Close(context.Background()))
}

// TestFileShrinksAfterDelete checks trailing regions freed by a delete are
// trimmed and truncated.
func TestFileShrinksAfterDelete(t *testing.T) {
	backend := flushmanager.NewMemoryBackend()
	m, err := Open(context.Background(), backend, Options{RegionPages: pagemanager.MinRegionPages, Logger: zap.NewNop()})
	require.NoError(t, err)

	// 1. Grow the file over many regions.
	value := strings.Repeat("g", 1000)
	commit(t, m, func(w *WriteTxn) {
		for i := 0; i < 200; i++ {
			put(t, w, "t", fmt.Sprintf("k%03d", i), value)
		}
	})
	peak, err := backend.Len()
	require.NoError(t, err)
	require.Greater(t, m.alloc.Layout().NumRegions, uint32(10))

	// 2. Delete everything and let a few commits move the allocator state down.
	commit(t, m, func(w *WriteTxn) {
		_, err := w.DeleteTable("t")
		require.NoError(t, err)
	})
	for i := 0; i < 3; i++ {
		commit(t, m, func(*WriteTxn) {})
	}

	// 3. The file is back to one region.
	layout := m.alloc.Layout()
	assert.Equal(t, uint32(1), layout.NumRegions)
	size, err := backend.Len()
	require.NoError(t, err)
	assert.Equal(t, layout.Len(), size)
	assert.Less(t, size, peak)
	check(t, m)
	require.NoError(t, m.Close(context.Background()))

	// 4. The trimmed file recovers.
	reopened := openManager(t, backend.CrashImage(flushmanager.CrashDropUnflushed), metapage.StrategyChecksum)
	assert.Empty(t, latest(t, reopened, "t"))
	check(t, reopened)
	require.NoError(t, reopened.Close(context.Background()))
}

// TestStatsAndCheck checks the summary of a small forest.
func TestStatsAndCheck(t *testing.T) {
	m := openManager(t, flushmanager.NewMemoryBackend(), metapage.StrategyChecksum)
	commit(t, m, func(w *WriteTxn) {
		for i := 0; i < 30; i++ {
			put(t, w, "t", fmt.Sprintf("k%02d", i), "value")
		}
		put(t, w, "big", "k", strings.Repeat("b", 5000))
	})

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(31), stats.Tree.Entries)
	assert.Equal(t, uint64(2), stats.Generation)
	assert.Equal(t, uint64(2), stats.DurableGen)
	assert.Equal(t, pagemanager.PageSize, stats.PageSize)
	assert.Equal(t, stats.Layout.Len(), stats.FileBytes)
	assert.Equal(t, uint64(pagemanager.HeaderPages), stats.HeaderPages)
	assert.Equal(t, 0, stats.NumReaders)
	assert.Positive(t, stats.Tree.OverflowPages)

	reachable, err := m.Check(context.Background(), nil)
	require.NoError(t, err)
	assert.Positive(t, reachable)
	require.NoError(t, m.Close(context.Background()))
}
