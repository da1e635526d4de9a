// Command store is a load driver for gojostore: writers commit batches of
// random puts while readers run point lookups, throttled to a target rate.
// Engine metrics are served on a Prometheus endpoint while it runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojostore/api/store"
	"github.com/sushant-115/gojostore/pkg/codec"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

const readsPerTxn = 16

var kvTable = store.NewTableDefinition("load", codec.Uint64(), codec.Bytes())

type params struct {
	path      string
	strategy  string
	writers   int
	readers   int
	opsPerSec float64
	batch     int
	keys      uint64
	valueSize int
	duration  time.Duration
	noSync    bool
}

type counters struct {
	commits, writes, reads, hits atomic.Uint64
}

func main() {
	var p params
	flag.StringVar(&p.path, "db", filepath.Join(os.TempDir(), "gojostore-load.gojo"), "database file")
	flag.StringVar(&p.strategy, "strategy", "checksum", "commit strategy of a new file: checksum or two-phase")
	flag.IntVar(&p.writers, "writers", 2, "concurrent writers")
	flag.IntVar(&p.readers, "readers", 8, "concurrent readers")
	flag.Float64Var(&p.opsPerSec, "rate", 20000, "operations per second across all workers; 0 is unlimited")
	flag.IntVar(&p.batch, "batch", 100, "puts per write transaction")
	flag.Uint64Var(&p.keys, "keys", 100000, "key space")
	flag.IntVar(&p.valueSize, "value-size", 128, "value size in bytes")
	flag.DurationVar(&p.duration, "duration", 30*time.Second, "run time")
	flag.BoolVar(&p.noSync, "no-sync", false, "commit with DurabilityNone")
	metricsAddr := flag.String("metrics", ":9464", "Prometheus listen address; empty disables")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdown, err := telemetry.New(telemetry.Config{Enabled: *metricsAddr != "", ServiceName: "gojostore-load", MetricsAddr: *metricsAddr})
	if err != nil {
		zlogger.Fatal("failed to start telemetry", zap.Error(err))
	}
	defer shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, p, tel, zlogger); err != nil {
		zlogger.Error("load run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, p params, tel *telemetry.Telemetry, zlogger *zap.Logger) (err error) {
	strategy := store.StrategyChecksum
	if p.strategy == "two-phase" {
		strategy = store.StrategyTwoPhase
	}
	db, err := store.Open(p.path, store.Options{
		Strategy: strategy,
		Logger:   zlogger.Named("store"),
		Meter:    tel.Meter,
		Tracer:   tel.Tracer,
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	if err := registerStats(tel.Registry, db); err != nil {
		return err
	}
	if addr := tel.MetricsAddr(); addr != "" {
		zlogger.Info("serving metrics", zap.String("addr", "http://"+addr+"/metrics"))
	}

	var limiter *rate.Limiter
	if p.opsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.opsPerSec), max(p.batch, readsPerTxn))
	} else {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	ctx, cancel := context.WithTimeout(ctx, p.duration)
	defer cancel()

	var c counters
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.writers; i++ {
		g.Go(func() error { return writer(gctx, db, limiter, p, &c) })
	}
	for i := 0; i < p.readers; i++ {
		g.Go(func() error { return reader(gctx, db, limiter, p, &c) })
	}
	err = g.Wait()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = nil
	}
	report(db, &c, time.Since(start), p)
	return err
}

func writer(ctx context.Context, db *store.DB, limiter *rate.Limiter, p params, c *counters) error {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	for ctx.Err() == nil {
		if err := limiter.WaitN(ctx, p.batch); err != nil {
			return err
		}
		err := db.Update(ctx, func(tx *store.WriteTransaction) error {
			if p.noSync {
				tx.SetDurability(store.DurabilityNone)
			}
			t, err := store.OpenTable(tx, kvTable)
			if err != nil {
				return err
			}
			for i := 0; i < p.batch; i++ {
				value := make([]byte, p.valueSize)
				for j := range value {
					value[j] = byte(rng.Uint32())
				}
				if _, _, err := t.Insert(rng.Uint64N(p.keys), value); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		c.commits.Add(1)
		c.writes.Add(uint64(p.batch))
	}
	return ctx.Err()
}

func reader(ctx context.Context, db *store.DB, limiter *rate.Limiter, p params, c *counters) error {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	for ctx.Err() == nil {
		if err := limiter.WaitN(ctx, readsPerTxn); err != nil {
			return err
		}
		err := db.View(func(tx *store.ReadTransaction) error {
			t, err := store.OpenReadOnlyTable(tx, kvTable)
			if errors.Is(err, store.ErrTableDoesNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			for i := 0; i < readsPerTxn; i++ {
				_, found, err := t.Get(rng.Uint64N(p.keys))
				if err != nil {
					return err
				}
				c.reads.Add(1)
				if found {
					c.hits.Add(1)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

// registerStats exposes the space report of the latest commit.
func registerStats(reg prometheus.Registerer, db *store.DB) error {
	gauge := func(name, help string, get func(*store.Stats) uint64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "gojostore", Name: name, Help: help}, func() float64 {
			s, err := db.Stats()
			if err != nil {
				return 0
			}
			return float64(get(s))
		})
	}
	for _, c := range []prometheus.Collector{
		gauge("file_bytes", "Size of the database file.", func(s *store.Stats) uint64 { return s.FileBytes }),
		gauge("entries", "Entries across all tables.", func(s *store.Stats) uint64 { return s.Entries }),
		gauge("pending_pages", "Freed pages waiting for readers to finish.", func(s *store.Stats) uint64 { return s.PendingPages }),
		gauge("generation", "Latest committed generation.", func(s *store.Stats) uint64 { return s.Generation }),
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func report(db *store.DB, c *counters, elapsed time.Duration, p params) {
	secs := elapsed.Seconds()
	writes, reads := c.writes.Load(), c.reads.Load()
	fmt.Printf("ran %s: %s commits, %s puts (%s/s), %s gets (%s/s), hit rate %.1f%%\n",
		elapsed.Round(time.Millisecond),
		humanize.Comma(int64(c.commits.Load())),
		humanize.Comma(int64(writes)), humanize.CommafWithDigits(float64(writes)/secs, 0),
		humanize.Comma(int64(reads)), humanize.CommafWithDigits(float64(reads)/secs, 0),
		100*float64(c.hits.Load())/max(float64(reads), 1))
	fmt.Printf("wrote %s of values\n", humanize.IBytes(writes*uint64(p.valueSize)))
	if s, err := db.Stats(); err == nil {
		fmt.Printf("file %s, %s entries, tree height %d, %s fragmented\n",
			humanize.IBytes(s.FileBytes), humanize.Comma(int64(s.Entries)), s.TreeHeight, humanize.IBytes(s.FragmentedBytes))
	}
}
