package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds the metric instruments of one session.
type StorageMetrics struct {
	CommitsCounter         metric.Int64Counter
	FailedCommitsCounter   metric.Int64Counter
	PagesWrittenCounter    metric.Int64Counter
	CacheEvictionsCounter  metric.Int64Counter
	CommitLatencyHistogram metric.Float64Histogram
	ActiveReadersCounter   metric.Int64UpDownCounter
}

// NewStorageMetrics creates and registers all storage metrics on meter.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	commits, err := meter.Int64Counter(
		"treetank.commit",
		metric.WithDescription("Total number of committed revisions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	failed, err := meter.Int64Counter(
		"treetank.commit.failed",
		metric.WithDescription("Total number of commits that aborted with an error."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pages, err := meter.Int64Counter(
		"treetank.pages.written",
		metric.WithDescription("Total number of pages handed to a storage writer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"treetank.cache.evictions",
		metric.WithDescription("Pages spilled from a write transaction's primary cache."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"treetank.commit.duration",
		metric.WithDescription("Commit latency."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	readers, err := meter.Int64UpDownCounter(
		"treetank.trx.active_readers",
		metric.WithDescription("Number of open read transactions."),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, err
	}

	return &StorageMetrics{
		CommitsCounter:         commits,
		FailedCommitsCounter:   failed,
		PagesWrittenCounter:    pages,
		CacheEvictionsCounter:  evictions,
		CommitLatencyHistogram: latency,
		ActiveReadersCounter:   readers,
	}, nil
}

// NoopStorageMetrics returns instruments that record nothing.
func NoopStorageMetrics() *StorageMetrics {
	m, _ := NewStorageMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// RecordCommit records the outcome of one commit attempt.
func (m *StorageMetrics) RecordCommit(ctx context.Context, store string, started time.Time, pages int, err error) {
	attrs := metric.WithAttributes(attribute.String("store", store))
	m.CommitLatencyHistogram.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	if err != nil {
		m.FailedCommitsCounter.Add(ctx, 1, attrs)
		return
	}
	m.CommitsCounter.Add(ctx, 1, attrs)
	m.PagesWrittenCounter.Add(ctx, int64(pages), attrs)
}
