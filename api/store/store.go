// Package store is the embedded API of gojostore: a single-file,
// transactional key-value store with typed tables.
//
//	db, err := store.Open("data.gojo", store.Options{})
//	users := store.NewTableDefinition("users", codec.String(), codec.Bytes())
//	tx, err := db.BeginWrite(ctx)
//	t, err := store.OpenTable(tx, users)
//	_, _, err = t.Insert("ada", []byte("lovelace"))
//	err = tx.Commit(ctx)
package store

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/metapage"
	"github.com/sushant-115/gojostore/pkg/codec"
)

// BackendType selects how Open reaches the file.
type BackendType = flushmanager.BackendType

const (
	BackendFile   = flushmanager.BackendFile
	BackendMmap   = flushmanager.BackendMmap
	BackendMemory = flushmanager.BackendMemory
)

// Strategy is the commit protocol of a file, fixed when it is created.
type Strategy = metapage.Strategy

const (
	StrategyChecksum = metapage.StrategyChecksum
	StrategyTwoPhase = metapage.StrategyTwoPhase
)

// Durability selects what a commit guarantees when it returns.
type Durability = transaction.Durability

const (
	DurabilityImmediate = transaction.DurabilityImmediate
	DurabilityNone      = transaction.DurabilityNone
)

// Options configures Open. Strategy, InitialSize and RegionPages only apply
// when the file is created.
type Options struct {
	Backend     BackendType
	Strategy    Strategy
	InitialSize uint64
	RegionPages uint32
	// CacheSize bounds the read cache in bytes.
	CacheSize int64
	Logger    *zap.Logger
	Meter     metric.Meter
	Tracer    trace.Tracer
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// DB is an open database file. It is safe for concurrent use: any number of
// read transactions run alongside at most one write transaction.
type DB struct {
	m      *transaction.Manager
	path   string
	logger *zap.Logger
}

// Open opens the database at path, creating it when the file is empty or
// missing. The file stays locked against other processes until Close.
func Open(path string, opts Options) (*DB, error) {
	logger := opts.logger()
	var (
		backend flushmanager.Backend
		err     error
	)
	switch opts.Backend {
	case "", BackendFile:
		backend, err = flushmanager.OpenDiskManager(path, logger)
	case BackendMmap:
		backend, err = flushmanager.OpenMmapBackend(path, logger)
	case BackendMemory:
		backend = flushmanager.NewMemoryBackend()
	default:
		err = fmt.Errorf("%w: %q", flushmanager.ErrUnsupportedBackend, opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	db, err := OpenWithBackend(backend, opts)
	if err != nil {
		return nil, multierr.Append(err, backend.Close())
	}
	db.path = path
	return db, nil
}

// OpenWithBackend opens a database stored in any Backend. The DB owns the
// backend from then on.
func OpenWithBackend(backend flushmanager.Backend, opts Options) (*DB, error) {
	logger := opts.logger()
	m, err := transaction.Open(context.Background(), backend, transaction.Options{
		Strategy:    opts.Strategy,
		InitialSize: opts.InitialSize,
		RegionPages: opts.RegionPages,
		CacheBytes:  opts.CacheSize,
		Logger:      logger,
		Meter:       opts.Meter,
		Tracer:      opts.Tracer,
	})
	if err != nil {
		return nil, err
	}
	return &DB{m: m, logger: logger}, nil
}

// Path returns the file path given to Open, or "" for OpenWithBackend.
func (db *DB) Path() string { return db.path }

// Strategy returns the commit protocol recorded in the file.
func (db *DB) Strategy() Strategy { return db.m.Strategy() }

// Close persists any non-durable commits and releases the file. Every
// transaction must be finished first.
func (db *DB) Close() error {
	return db.m.Close(context.Background())
}

// BeginRead starts a read transaction on the latest commit.
func (db *DB) BeginRead() (*ReadTransaction, error) {
	r, err := db.m.BeginRead()
	if err != nil {
		return nil, err
	}
	return &ReadTransaction{r: r}, nil
}

// BeginWrite starts the write transaction, waiting while another one is
// active. The wait ends early only when ctx is done.
func (db *DB) BeginWrite(ctx context.Context) (*WriteTransaction, error) {
	w, err := db.m.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	return &WriteTransaction{db: db, w: w}, nil
}

// Update runs fn in a write transaction and commits it when fn returns nil.
func (db *DB) Update(ctx context.Context, fn func(tx *WriteTransaction) error) error {
	tx, err := db.BeginWrite(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return multierr.Append(err, tx.Abort())
	}
	return tx.Commit(ctx)
}

// View runs fn in a read transaction.
func (db *DB) View(fn func(tx *ReadTransaction) error) error {
	tx, err := db.BeginRead()
	if err != nil {
		return err
	}
	return multierr.Append(fn(tx), tx.Close())
}

// ReleaseSavepoint unpins a persistent savepoint.
func (db *DB) ReleaseSavepoint(sp *Savepoint) { db.m.ReleaseSavepoint(sp.sp) }

// Stats describes the space used by the latest commit.
type Stats struct {
	TreeHeight      int
	Entries         uint64
	AllocatedPages  uint64
	LeafPages       uint64
	BranchPages     uint64
	OverflowPages   uint64
	StoredBytes     uint64
	MetadataBytes   uint64
	FragmentedBytes uint64
	FreePages       uint64
	PendingPages    uint64
	Regions         uint32
	RegionPages     uint32
	PageSize        int
	FileBytes       uint64
	Generation      uint64
	DurableGen      uint64
	ActiveReaders   int
	Savepoints      int
	CacheHits       uint64
	CacheMisses     uint64
}

// Stats walks the latest commit.
func (db *DB) Stats() (*Stats, error) {
	s, err := db.m.Stats()
	if err != nil {
		return nil, err
	}
	return &Stats{
		TreeHeight:      s.Tree.Height,
		Entries:         s.Tree.Entries,
		AllocatedPages:  s.Allocator.AllocatedPages,
		LeafPages:       s.Tree.LeafPages,
		BranchPages:     s.Tree.BranchPages,
		OverflowPages:   s.Tree.OverflowPages,
		StoredBytes:     s.Tree.StoredBytes,
		MetadataBytes:   s.Tree.MetadataBytes,
		FragmentedBytes: s.Tree.FragmentedBytes,
		FreePages:       s.Allocator.FreePages,
		PendingPages:    s.Allocator.PendingPages,
		Regions:         s.Layout.NumRegions,
		RegionPages:     s.Layout.RegionPages,
		PageSize:        s.PageSize,
		FileBytes:       s.FileBytes,
		Generation:      s.Generation,
		DurableGen:      s.DurableGen,
		ActiveReaders:   s.NumReaders,
		Savepoints:      s.Savepoints,
		CacheHits:       s.Cache.Hits,
		CacheMisses:     s.Cache.Misses,
	}, nil
}

// Check verifies every page of the latest commit and the allocator's
// accounting, and returns the number of pages the tables own. Key order is
// checked with the codecs known to this process.
func (db *DB) Check(ctx context.Context) (uint64, error) {
	return db.m.Check(ctx, keyOrder)
}

func keyOrder(keyType string) btree.Compare {
	return codec.Comparer(keyType)
}
