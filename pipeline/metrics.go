// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/molecula/keyshard/errors"
)

const (
	MetricRecordsRead     = "records_read_total"
	MetricRecordsRejected = "records_rejected_total"
	MetricShardsWritten   = "shards_written_total"
	MetricShardsFailed    = "shards_failed_total"
	MetricRowsWritten     = "rows_written_total"
	MetricKeys            = "keys"
	MetricShardWriteTime  = "shard_write_duration_seconds"
)

// Metrics are the counters of one run. Each run registers them in its own
// registry so that runs in one process don't add up.
type Metrics struct {
	Registry *prometheus.Registry

	RecordsRead     prometheus.Counter
	RecordsRejected prometheus.Counter
	ShardsWritten   prometheus.Counter
	ShardsFailed    prometheus.Counter
	RowsWritten     prometheus.Counter
	Keys            prometheus.Gauge
	ShardWriteTime  prometheus.Histogram
}

func newMetrics(runID string) *Metrics {
	labels := prometheus.Labels{"run_id": runID}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "keyshard",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	m := &Metrics{
		Registry:        prometheus.NewRegistry(),
		RecordsRead:     counter(MetricRecordsRead, "Input records read."),
		RecordsRejected: counter(MetricRecordsRejected, "Input records dropped because they couldn't be decoded or had no key."),
		ShardsWritten:   counter(MetricShardsWritten, "Shards written successfully."),
		ShardsFailed:    counter(MetricShardsFailed, "Shards which couldn't be written."),
		RowsWritten:     counter(MetricRowsWritten, "Rows written to shards."),
		Keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "keyshard",
			Name:        MetricKeys,
			Help:        "Distinct keys of the run.",
			ConstLabels: labels,
		}),
		ShardWriteTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "keyshard",
			Name:        MetricShardWriteTime,
			Help:        "Time taken to write one shard.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	m.Registry.MustRegister(
		m.RecordsRead,
		m.RecordsRejected,
		m.ShardsWritten,
		m.ShardsFailed,
		m.RowsWritten,
		m.Keys,
		m.ShardWriteTime,
	)
	return m
}

// WriteTextfile writes the metrics in the Prometheus text format, for
// pickup by a node exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return errors.Wrapf(prometheus.WriteToTextfile(path, m.Registry), "writing metrics to %s", path)
}
