package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// EngineMetrics holds the metric instruments of one open database.
type EngineMetrics struct {
	CommitsCounter         metric.Int64Counter
	AbortsCounter          metric.Int64Counter
	CommitLatencyHistogram metric.Int64Histogram
	ActiveReadersUpDown    metric.Int64UpDownCounter
	PagesAllocatedCounter  metric.Int64Counter
	PagesReclaimedCounter  metric.Int64Counter
	FileGrowthCounter      metric.Int64Counter
	RecoveriesCounter      metric.Int64Counter
}

// NewEngineMetrics creates and registers the engine instruments on meter. A
// nil meter yields no-op instruments.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}

	commitsCounter, err := meter.Int64Counter(
		"gojostore.txn.commits_total",
		metric.WithDescription("Total number of committed write transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	abortsCounter, err := meter.Int64Counter(
		"gojostore.txn.aborts_total",
		metric.WithDescription("Total number of aborted write transactions, failed commits included."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitLatencyHistogram, err := meter.Int64Histogram(
		"gojostore.txn.commit.duration",
		metric.WithDescription("The latency of write transaction commits."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeReaders, err := meter.Int64UpDownCounter(
		"gojostore.txn.active_readers",
		metric.WithDescription("Number of open read transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesAllocated, err := meter.Int64Counter(
		"gojostore.pages.allocated_total",
		metric.WithDescription("Total number of page blocks handed out to write transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesReclaimed, err := meter.Int64Counter(
		"gojostore.pages.reclaimed_total",
		metric.WithDescription("Total number of pending pages made reusable."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	fileGrowth, err := meter.Int64Counter(
		"gojostore.file.growth_bytes_total",
		metric.WithDescription("Total number of bytes the database file grew by."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	recoveries, err := meter.Int64Counter(
		"gojostore.recoveries_total",
		metric.WithDescription("Number of opens that fell back past a rejected metapage slot."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		CommitsCounter:         commitsCounter,
		AbortsCounter:          abortsCounter,
		CommitLatencyHistogram: commitLatencyHistogram,
		ActiveReadersUpDown:    activeReaders,
		PagesAllocatedCounter:  pagesAllocated,
		PagesReclaimedCounter:  pagesReclaimed,
		FileGrowthCounter:      fileGrowth,
		RecoveriesCounter:      recoveries,
	}, nil
}
