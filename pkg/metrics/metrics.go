package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Master metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shuttle_workers_total",
			Help: "Registered shuffle workers by status",
		},
		[]string{"status"},
	)

	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttle_allocations_total",
			Help: "GetShuffleWorkers requests by outcome",
		},
		[]string{"outcome"},
	)

	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shuttle_allocation_duration_seconds",
			Help:    "Time taken to allocate workers for a shuffle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shuttle_master_is_leader",
			Help: "Whether this master is the leader (1 = leader, 0 = standby)",
		},
	)

	// Worker data-path metrics
	BlocksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttle_worker_blocks_received_total",
			Help: "Blocks accepted on the data channel by result",
		},
		[]string{"result"},
	)

	BytesBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shuttle_worker_buffered_bytes",
			Help: "Resident partition-buffer bytes on this worker",
		},
	)

	BackpressureEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttle_worker_backpressure_total",
			Help: "SendBlock refusals due to the memory governor",
		},
	)

	TokensInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shuttle_worker_tokens_in_use",
			Help: "Connection tokens currently held by clients",
		},
	)

	DumperQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shuttle_worker_dumper_queue_depth",
			Help: "Pending flush jobs per dumper thread",
		},
		[]string{"dumper"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shuttle_worker_flush_duration_seconds",
			Help:    "DFS flush duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttle_worker_flush_bytes_total",
			Help: "Bytes flushed to the DFS",
		},
	)

	FlushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttle_worker_flush_failures_total",
			Help: "DFS flush attempts that failed after retry",
		},
	)

	StagesFinalized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttle_worker_stages_finalized_total",
			Help: "FinalizeStage requests completed",
		},
	)

	PartitionsAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttle_worker_partitions_aborted_total",
			Help: "Partitions marked aborted after persistent DFS failure",
		},
	)

	RetentionSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttle_worker_retention_sweeps_total",
			Help: "Retention sweeper cycles completed",
		},
	)

	// Client metrics
	WriterBlocksSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttle_writer_blocks_sent_total",
			Help: "Blocks sent by the client writer by result",
		},
		[]string{"result"},
	)

	WriterSpills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttle_writer_spills_total",
			Help: "Sort-writer in-memory spills",
		},
	)

	ReaderBlocksMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttle_reader_blocks_merged_total",
			Help: "Blocks merged into reader output",
		},
	)

	ReaderBlocksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttle_reader_blocks_dropped_total",
			Help: "Blocks dropped by the reader by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(AllocationDuration)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(BlocksReceived)
	prometheus.MustRegister(BytesBuffered)
	prometheus.MustRegister(BackpressureEvents)
	prometheus.MustRegister(TokensInUse)
	prometheus.MustRegister(DumperQueueDepth)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(FlushBytes)
	prometheus.MustRegister(FlushFailures)
	prometheus.MustRegister(StagesFinalized)
	prometheus.MustRegister(PartitionsAborted)
	prometheus.MustRegister(RetentionSweeps)
	prometheus.MustRegister(WriterBlocksSent)
	prometheus.MustRegister(WriterSpills)
	prometheus.MustRegister(ReaderBlocksMerged)
	prometheus.MustRegister(ReaderBlocksDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
