// Package adapter connects shmstore storages to external monitoring systems.
package adapter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmstore/pkg/shm"
)

var _ shm.Observer = (*PrometheusObserver)(nil)

// PrometheusObserver exports storage events as Prometheus metrics. Pass it
// as shm.Config.Observer and register it on a prometheus.Registerer.
type PrometheusObserver struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	lockWait   *prometheus.HistogramVec
	used       *prometheus.GaugeVec
	size       *prometheus.GaugeVec
	entries    *prometheus.GaugeVec
}

// NewPrometheusObserver builds the collectors under namespace. An empty
// namespace selects "shmstore".
func NewPrometheusObserver(namespace string) *PrometheusObserver {
	if namespace == "" {
		namespace = "shmstore"
	}
	return &PrometheusObserver{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Storage operations by storage, operation and result.",
		}, []string{"storage", "op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Storage operation latency, including time spent on the operation lock.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"storage", "op"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the advisory lock.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 8, 9),
		}, []string{"storage"}),
		used: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "arena_used_bytes",
			Help:      "Bytes of the arena held by entries.",
		}, []string{"storage"}),
		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "arena_size_bytes",
			Help:      "Total size of the arena.",
		}, []string{"storage"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Number of entries in the storage.",
		}, []string{"storage"}),
	}
}

func (o *PrometheusObserver) collectors() []prometheus.Collector {
	return []prometheus.Collector{o.operations, o.duration, o.lockWait, o.used, o.size, o.entries}
}

// Describe implements prometheus.Collector.
func (o *PrometheusObserver) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range o.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (o *PrometheusObserver) Collect(ch chan<- prometheus.Metric) {
	for _, c := range o.collectors() {
		c.Collect(ch)
	}
}

// OnOperation implements shm.Observer.
func (o *PrometheusObserver) OnOperation(storage, op string, err error, took time.Duration) {
	o.operations.WithLabelValues(storage, op, shm.Result(err)).Inc()
	o.duration.WithLabelValues(storage, op).Observe(took.Seconds())
}

// OnLockWait implements shm.Observer.
func (o *PrometheusObserver) OnLockWait(storage string, waited time.Duration) {
	o.lockWait.WithLabelValues(storage).Observe(waited.Seconds())
}

// OnUsage implements shm.Observer.
func (o *PrometheusObserver) OnUsage(storage string, used, size, entries uint64) {
	o.used.WithLabelValues(storage).Set(float64(used))
	o.size.WithLabelValues(storage).Set(float64(size))
	o.entries.WithLabelValues(storage).Set(float64(entries))
}

// Forget drops every series of storage, typically after it was destroyed.
func (o *PrometheusObserver) Forget(storage string) {
	labels := prometheus.Labels{"storage": storage}
	o.operations.DeletePartialMatch(labels)
	o.duration.DeletePartialMatch(labels)
	o.lockWait.DeletePartialMatch(labels)
	o.used.DeletePartialMatch(labels)
	o.size.DeletePartialMatch(labels)
	o.entries.DeletePartialMatch(labels)
}
