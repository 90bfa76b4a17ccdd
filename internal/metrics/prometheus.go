package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/devrev/buckets/internal/errors"
)

const namespace = "buckets"

// Metrics holds all Prometheus metrics for the object store.
// All helper methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Quorum metadata operations
	QuorumOpsTotal   *prometheus.CounterVec
	QuorumOpDuration *prometheus.HistogramVec
	DiskErrorsTotal  *prometheus.CounterVec
	OnlineDisks      *prometheus.GaugeVec

	// Consistency
	InconsistentCopiesTotal prometheus.Counter
	HealedCopiesTotal       prometheus.Counter
	ChecksumMismatchesTotal prometheus.Counter

	// Erasure coding
	EncodeDuration           prometheus.Histogram
	DecodeDuration           prometheus.Histogram
	ChunksReconstructedTotal prometheus.Counter

	// Objects
	ObjectOpsTotal *prometheus.CounterVec
	ObjectBytes    *prometheus.HistogramVec

	// Heal service
	HealQueueDepth prometheus.Gauge
	HealJobsTotal  *prometheus.CounterVec

	// System metrics
	DiskUsageBytes     *prometheus.GaugeVec
	DiskAvailableBytes *prometheus.GaugeVec
	DiskUsagePercent   *prometheus.GaugeVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		QuorumOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "quorum",
			Name:        "operations_total",
			Help:        "Total number of quorum operations by operation and result",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		QuorumOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "quorum",
			Name:        "operation_duration_seconds",
			Help:        "Histogram of quorum operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		DiskErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "quorum",
			Name:        "disk_errors_total",
			Help:        "Total number of per-disk I/O failures tolerated by quorum operations",
			ConstLabels: labels,
		}, []string{"op"}),
		OnlineDisks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "quorum",
			Name:        "online_disks",
			Help:        "Number of online disks per erasure set",
			ConstLabels: labels,
		}, []string{"set"}),

		InconsistentCopiesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "heal",
			Name:        "inconsistent_copies_total",
			Help:        "Total number of metadata copies found to differ from the reference",
			ConstLabels: labels,
		}),
		HealedCopiesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "heal",
			Name:        "healed_copies_total",
			Help:        "Total number of metadata copies rewritten by heal",
			ConstLabels: labels,
		}),
		ChecksumMismatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "erasure",
			Name:        "checksum_mismatches_total",
			Help:        "Total number of chunks that failed digest verification",
			ConstLabels: labels,
		}),

		EncodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "erasure",
			Name:        "encode_duration_seconds",
			Help:        "Histogram of erasure encode durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		DecodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "erasure",
			Name:        "decode_duration_seconds",
			Help:        "Histogram of erasure decode durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ChunksReconstructedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "erasure",
			Name:        "chunks_reconstructed_total",
			Help:        "Total number of chunks rebuilt from parity",
			ConstLabels: labels,
		}),

		ObjectOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "object",
			Name:        "operations_total",
			Help:        "Total number of object operations by operation and result",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		ObjectBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "object",
			Name:        "bytes",
			Help:        "Histogram of object sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(256, 4, 10), // 256B to 64MB
		}, []string{"op"}),

		HealQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "heal",
			Name:        "queue_depth",
			Help:        "Number of objects waiting to be healed",
			ConstLabels: labels,
		}),
		HealJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "heal",
			Name:        "jobs_total",
			Help:        "Total number of heal jobs by result",
			ConstLabels: labels,
		}, []string{"result"}),

		DiskUsageBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Current disk usage in bytes",
			ConstLabels: labels,
		}, []string{"disk"}),
		DiskAvailableBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}, []string{"disk"}),
		DiskUsagePercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}, []string{"disk"}),
	}
}

// Result returns the label value for an operation outcome
func Result(err error) string {
	return errors.GetCode(err).String()
}

func (m *Metrics) ObserveQuorumOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.QuorumOpsTotal.WithLabelValues(op, Result(err)).Inc()
	m.QuorumOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) DiskError(op string) {
	if m == nil {
		return
	}
	m.DiskErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) SetOnlineDisks(set string, online int) {
	if m == nil {
		return
	}
	m.OnlineDisks.WithLabelValues(set).Set(float64(online))
}

func (m *Metrics) InconsistentCopies(n int) {
	if m == nil {
		return
	}
	m.InconsistentCopiesTotal.Add(float64(n))
}

func (m *Metrics) HealedCopies(n int) {
	if m == nil {
		return
	}
	m.HealedCopiesTotal.Add(float64(n))
}

func (m *Metrics) ChecksumMismatch() {
	if m == nil {
		return
	}
	m.ChecksumMismatchesTotal.Inc()
}

func (m *Metrics) ObserveEncode(start time.Time) {
	if m == nil {
		return
	}
	m.EncodeDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveDecode(start time.Time, reconstructed int) {
	if m == nil {
		return
	}
	m.DecodeDuration.Observe(time.Since(start).Seconds())
	m.ChunksReconstructedTotal.Add(float64(reconstructed))
}

func (m *Metrics) ChunksReconstructed(n int) {
	if m == nil {
		return
	}
	m.ChunksReconstructedTotal.Add(float64(n))
}

func (m *Metrics) ObjectOp(op string, size int, err error) {
	if m == nil {
		return
	}
	m.ObjectOpsTotal.WithLabelValues(op, Result(err)).Inc()
	if err == nil && size >= 0 {
		m.ObjectBytes.WithLabelValues(op).Observe(float64(size))
	}
}

func (m *Metrics) SetHealQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.HealQueueDepth.Set(float64(depth))
}

func (m *Metrics) HealJob(err error) {
	if m == nil {
		return
	}
	m.HealJobsTotal.WithLabelValues(Result(err)).Inc()
}

func (m *Metrics) SetDiskUsage(disk string, used, available uint64, percent float64) {
	if m == nil {
		return
	}
	m.DiskUsageBytes.WithLabelValues(disk).Set(float64(used))
	m.DiskAvailableBytes.WithLabelValues(disk).Set(float64(available))
	m.DiskUsagePercent.WithLabelValues(disk).Set(percent)
}
