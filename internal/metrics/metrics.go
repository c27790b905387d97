package metrics

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const namespace = "ptp"

// Metrics holds the streamer's delivery and spool counters. Counters are
// plain atomics so Snapshot can read them cheaply; they are exported to
// Prometheus through CounterFunc/GaugeFunc collectors on a private registry.
type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry

	// Ingestion
	recordsReceived atomic.Int64
	decodeErrors    atomic.Int64

	// Live path
	liveDelivered    atomic.Int64
	liveFailed       atomic.Int64
	liveShortCircuit atomic.Int64

	// Spool
	spoolAppended        atomic.Int64
	spoolAppendedBytes   atomic.Int64
	spoolDropped         atomic.Int64
	spoolEvictedSegments atomic.Int64
	spoolEvictedBytes    atomic.Int64
	spoolRotations       atomic.Int64
	spoolBytes           atomic.Int64
	spoolSegments        atomic.Int64

	// Replay
	replayCycles   atomic.Int64
	replayFailures atomic.Int64
	replayBatches  atomic.Int64
	replayRecords  atomic.Int64
	replaySegments atomic.Int64
	replayCorrupt  atomic.Int64

	// Sink
	sinkSuccess atomic.Int64
	sinkFailure atomic.Int64

	decodeErrorsBySource *prometheus.CounterVec
	sinkRequests         *prometheus.CounterVec
	sinkLatency          *prometheus.HistogramVec

	logger zerolog.Logger
}

// New creates a Metrics instance with its own Prometheus registry
func New(logger zerolog.Logger) *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		logger:    logger.With().Str("component", "metrics").Logger(),
	}
	factory := promauto.With(m.registry)

	counter := func(name, help string, v *atomic.Int64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, v *atomic.Int64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	counter("records_received_total", "Records produced by all sources.", &m.recordsReceived)
	counter("live_delivered_total", "Records delivered on the live path.", &m.liveDelivered)
	counter("live_failed_total", "Live delivery attempts that failed and were spooled.", &m.liveFailed)
	counter("live_short_circuit_total", "Live attempts skipped because the sink breaker was open.", &m.liveShortCircuit)
	counter("spool_appended_records_total", "Records appended to the spool.", &m.spoolAppended)
	counter("spool_appended_bytes_total", "Bytes appended to the spool.", &m.spoolAppendedBytes)
	counter("spool_dropped_records_total", "Records lost because the spool could not write them.", &m.spoolDropped)
	counter("spool_evicted_segments_total", "Sealed segments deleted by retention.", &m.spoolEvictedSegments)
	counter("spool_evicted_bytes_total", "Bytes deleted by retention.", &m.spoolEvictedBytes)
	counter("spool_rotations_total", "Active segment rotations.", &m.spoolRotations)
	gauge("spool_bytes", "Bytes currently held in the spool.", &m.spoolBytes)
	gauge("spool_segments", "Segments currently held in the spool.", &m.spoolSegments)
	counter("replay_cycles_total", "Replay drain cycles started.", &m.replayCycles)
	counter("replay_failures_total", "Replay cycles aborted by a sink failure.", &m.replayFailures)
	counter("replay_batches_total", "Batches delivered from the spool.", &m.replayBatches)
	counter("replay_records_total", "Records delivered from the spool.", &m.replayRecords)
	counter("replay_segments_total", "Segments fully drained and deleted.", &m.replaySegments)
	counter("replay_corrupt_lines_total", "Unparseable spool lines skipped during replay.", &m.replayCorrupt)

	m.decodeErrorsBySource = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Upstream messages discarded because they could not be decoded.",
	}, []string{"source"})
	m.sinkRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_requests_total",
		Help:      "Sink delivery calls by sink and result.",
	}, []string{"sink", "result"})
	m.sinkLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sink_request_duration_seconds",
		Help:      "Sink delivery latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"sink"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// Registry returns the Prometheus registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) AddRecordsReceived(n int) { m.recordsReceived.Add(int64(n)) }

// IncDecodeErrors counts a discarded upstream message for source
func (m *Metrics) IncDecodeErrors(source string) {
	m.decodeErrors.Add(1)
	m.decodeErrorsBySource.WithLabelValues(source).Inc()
}

// Live path
func (m *Metrics) AddLiveDelivered(n int) { m.liveDelivered.Add(int64(n)) }
func (m *Metrics) AddLiveFailed(n int) { m.liveFailed.Add(int64(n)) }
func (m *Metrics) AddLiveShortCircuit(n int) { m.liveShortCircuit.Add(int64(n)) }

// Spool
func (m *Metrics) IncSpoolAppended(bytes int64) {
	m.spoolAppended.Add(1)
	m.spoolAppendedBytes.Add(bytes)
}
func (m *Metrics) IncSpoolDropped() { m.spoolDropped.Add(1) }
func (m *Metrics) IncSpoolRotations() { m.spoolRotations.Add(1) }
func (m *Metrics) IncSpoolEvicted(bytes int64) {
	m.spoolEvictedSegments.Add(1)
	m.spoolEvictedBytes.Add(bytes)
}

// SetSpoolUsage publishes the spool's current size and segment count
func (m *Metrics) SetSpoolUsage(bytes int64, segments int) {
	m.spoolBytes.Store(bytes)
	m.spoolSegments.Store(int64(segments))
}

// Replay
func (m *Metrics) IncReplayCycles() { m.replayCycles.Add(1) }
func (m *Metrics) IncReplayFailures() { m.replayFailures.Add(1) }
func (m *Metrics) IncReplayBatch(records int) {
	m.replayBatches.Add(1)
	m.replayRecords.Add(int64(records))
}
func (m *Metrics) IncReplaySegments() { m.replaySegments.Add(1) }
func (m *Metrics) IncReplayCorrupt(lines int) { m.replayCorrupt.Add(int64(lines)) }

// ObserveSinkRequest records the outcome and latency of one sink call
func (m *Metrics) ObserveSinkRequest(sink string, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
		m.sinkFailure.Add(1)
	} else {
		m.sinkSuccess.Add(1)
	}
	m.sinkRequests.WithLabelValues(sink, result).Inc()
	m.sinkLatency.WithLabelValues(sink).Observe(d.Seconds())
}

// Snapshot returns the current counter values for JSON endpoints
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"uptime_seconds":  time.Since(m.startTime).Seconds(),
		"goroutines":      runtime.NumGoroutine(),
		"memory_alloc_mb": float64(memStats.Alloc) / 1024 / 1024,

		"records_received_total": m.recordsReceived.Load(),
		"decode_errors_total":    m.decodeErrors.Load(),

		"live_delivered_total":     m.liveDelivered.Load(),
		"live_failed_total":        m.liveFailed.Load(),
		"live_short_circuit_total": m.liveShortCircuit.Load(),

		"spool_appended_records_total": m.spoolAppended.Load(),
		"spool_appended_bytes_total":   m.spoolAppendedBytes.Load(),
		"spool_dropped_records_total":  m.spoolDropped.Load(),
		"spool_evicted_segments_total": m.spoolEvictedSegments.Load(),
		"spool_evicted_bytes_total":    m.spoolEvictedBytes.Load(),
		"spool_rotations_total":        m.spoolRotations.Load(),
		"spool_bytes":                  m.spoolBytes.Load(),
		"spool_segments":               m.spoolSegments.Load(),

		"replay_cycles_total":        m.replayCycles.Load(),
		"replay_failures_total":      m.replayFailures.Load(),
		"replay_batches_total":       m.replayBatches.Load(),
		"replay_records_total":       m.replayRecords.Load(),
		"replay_segments_total":      m.replaySegments.Load(),
		"replay_corrupt_lines_total": m.replayCorrupt.Load(),

		"sink_success_total": m.sinkSuccess.Load(),
		"sink_failure_total": m.sinkFailure.Load(),
	}
}
