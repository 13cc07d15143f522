package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "compactiond"

// Metrics holds all Prometheus metrics of the compaction daemon
type Metrics struct {
	// Per-table state
	CompactionBacklog  *prometheus.GaugeVec
	PendingCompactions *prometheus.GaugeVec
	LiveSSTables       *prometheus.GaugeVec
	LiveBytes          *prometheus.GaugeVec
	LiveRuns           *prometheus.GaugeVec

	// Compaction jobs
	CompactionJobsTotal        *prometheus.CounterVec
	CompactionJobDuration      *prometheus.HistogramVec
	CompactionBytesRead        *prometheus.CounterVec
	CompactionBytesWritten     *prometheus.CounterVec
	CompactionTombstonesPurged *prometheus.CounterVec
	CompactionTablesInput      prometheus.Histogram
	CompactionTablesOutput     prometheus.Histogram
	CompactionsRunning         prometheus.Gauge

	// Memtables
	MemTableSizeBytes     *prometheus.GaugeVec
	MemTableFlushesTotal  *prometheus.CounterVec
	MemTableFlushDuration prometheus.Histogram

	// Worker pool
	PoolActiveWorkers prometheus.Gauge
	PoolQueuedTasks   prometheus.Gauge

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		CompactionBacklog: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "compaction_backlog",
			Help:        "Estimated compaction debt in byte-tiers",
			ConstLabels: labels,
		}, []string{"table"}),
		PendingCompactions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "pending_compactions",
			Help:        "Estimated compaction rounds needed to drain the table",
			ConstLabels: labels,
		}, []string{"table"}),
		LiveSSTables: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "live_sstables",
			Help:        "Number of live sstable fragments",
			ConstLabels: labels,
		}, []string{"table"}),
		LiveBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "live_bytes",
			Help:        "Data bytes of live sstable fragments",
			ConstLabels: labels,
		}, []string{"table"}),
		LiveRuns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "live_runs",
			Help:        "Number of live sstable runs",
			ConstLabels: labels,
		}, []string{"table"}),

		CompactionJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "compaction",
			Name:        "jobs_total",
			Help:        "Total number of compaction jobs by type and outcome",
			ConstLabels: labels,
		}, []string{"table", "type", "status"}),
		CompactionJobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "compaction",
			Name:        "job_duration_seconds",
			Help:        "Histogram of compaction job durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~45min
		}, []string{"type"}),
		CompactionBytesRead: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "compaction",
			Name:        "bytes_read_total",
			Help:        "Bytes read from compaction inputs",
			ConstLabels: labels,
		}, []string{"table"}),
		CompactionBytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "compaction",
			Name:        "bytes_written_total",
			Help:        "Bytes written to compaction outputs",
			ConstLabels: labels,
		}, []string{"table"}),
		CompactionTombstonesPurged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "compaction",
			Name:        "tombstones_purged_total",
			Help:        "Expired tombstones dropped by compactions",
			ConstLabels: labels,
		}, []string{"table"}),
		CompactionTablesInput: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "compaction",
			Name:        "input_sstables",
			Help:        "Histogram of input fragments per job",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 8),
		}),
		CompactionTablesOutput: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "compaction",
			Name:        "output_sstables",
			Help:        "Histogram of output fragments per job",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 8),
		}),
		CompactionsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "compaction",
			Name:        "running",
			Help:        "Number of compaction jobs in flight",
			ConstLabels: labels,
		}),

		MemTableSizeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "memtable",
			Name:        "size_bytes",
			Help:        "Current memtable size in bytes",
			ConstLabels: labels,
		}, []string{"table"}),
		MemTableFlushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "memtable",
			Name:        "flushes_total",
			Help:        "Total number of memtable flushes",
			ConstLabels: labels,
		}, []string{"table"}),
		MemTableFlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "memtable",
			Name:        "flush_duration_seconds",
			Help:        "Histogram of memtable flush durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		PoolActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "active_workers",
			Help:        "Workers currently running a compaction",
			ConstLabels: labels,
		}),
		PoolQueuedTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "queued_tasks",
			Help:        "Compaction jobs waiting for a worker",
			ConstLabels: labels,
		}),

		DiskUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Current disk usage in bytes",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// TableStats is a point-in-time view of one table
type TableStats struct {
	Backlog  float64
	Pending  int64
	SSTables int
	Bytes    int64
	Runs     int
}

// UpdateTableStats updates the per-table gauges
func (m *Metrics) UpdateTableStats(table string, s TableStats) {
	m.CompactionBacklog.WithLabelValues(table).Set(s.Backlog)
	m.PendingCompactions.WithLabelValues(table).Set(float64(s.Pending))
	m.LiveSSTables.WithLabelValues(table).Set(float64(s.SSTables))
	m.LiveBytes.WithLabelValues(table).Set(float64(s.Bytes))
	m.LiveRuns.WithLabelValues(table).Set(float64(s.Runs))
}

// JobStats describes a finished compaction job
type JobStats struct {
	Table            string
	Type             string
	Status           string
	Duration         float64
	InputSSTables    int
	OutputSSTables   int
	BytesRead        int64
	BytesWritten     int64
	TombstonesPurged int64
}

// RecordCompactionJob records a compaction job
func (m *Metrics) RecordCompactionJob(j JobStats) {
	m.CompactionJobsTotal.WithLabelValues(j.Table, j.Type, j.Status).Inc()
	m.CompactionJobDuration.WithLabelValues(j.Type).Observe(j.Duration)
	m.CompactionTablesInput.Observe(float64(j.InputSSTables))
	if j.OutputSSTables > 0 {
		m.CompactionTablesOutput.Observe(float64(j.OutputSSTables))
	}
	m.CompactionBytesRead.WithLabelValues(j.Table).Add(float64(j.BytesRead))
	m.CompactionBytesWritten.WithLabelValues(j.Table).Add(float64(j.BytesWritten))
	m.CompactionTombstonesPurged.WithLabelValues(j.Table).Add(float64(j.TombstonesPurged))
}

// UpdateMemTableSize updates memtable size metrics
func (m *Metrics) UpdateMemTableSize(table string, bytes int64) {
	m.MemTableSizeBytes.WithLabelValues(table).Set(float64(bytes))
}

// RecordMemTableFlush records a memtable flush
func (m *Metrics) RecordMemTableFlush(table string, duration float64) {
	m.MemTableFlushesTotal.WithLabelValues(table).Inc()
	m.MemTableFlushDuration.Observe(duration)
}

// UpdatePoolStats updates worker pool gauges
func (m *Metrics) UpdatePoolStats(running, active, queued int) {
	m.CompactionsRunning.Set(float64(running))
	m.PoolActiveWorkers.Set(float64(active))
	m.PoolQueuedTasks.Set(float64(queued))
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if diskUsage+diskAvailable > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(diskUsage+diskAvailable) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
