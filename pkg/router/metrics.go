package router

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacktea/blobrouter/pkg/xerrors"
)

const resultSuccess = "success"

// Metrics exposes per-router counters. It implements prometheus.Collector.
type Metrics struct {
	operations *prometheus.CounterVec
	blobs      prometheus.Gauge
	deleted    prometheus.Gauge
	queueDepth prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blobrouter",
			Subsystem: "router",
			Name:      "operations_total",
			Help:      "Completed router operations by outcome",
		}, []string{"op", "result"}),
		blobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blobrouter",
			Subsystem: "router",
			Name:      "blobs",
			Help:      "Stored blob records, deleted ones included",
		}),
		deleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blobrouter",
			Subsystem: "router",
			Name:      "deleted_blobs",
			Help:      "Blob ids carrying a deletion marker",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blobrouter",
			Subsystem: "router",
			Name:      "write_queue_depth",
			Help:      "Writes accepted but not yet picked up by the writer",
		}),
	}
}

func (m *Metrics) observe(op string, err error) {
	result := resultSuccess
	if err != nil {
		result = xerrors.CodeOf(err).String()
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.operations.Describe(ch)
	m.blobs.Describe(ch)
	m.deleted.Describe(ch)
	m.queueDepth.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.operations.Collect(ch)
	m.blobs.Collect(ch)
	m.deleted.Collect(ch)
	m.queueDepth.Collect(ch)
}
