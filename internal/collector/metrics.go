package collector

import "github.com/prometheus/client_golang/prometheus"

// Metrics are registered against the default registry at package init,
// the way the ingestion-tools pack repo registers its RPC/ingestion
// gauges, so a single promhttp.Handler() in router.go serves all of
// them without per-collector wiring.
var (
	logsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_logs_ingested_total",
			Help: "Total log records read from configured sources.",
		},
		[]string{"source_id"},
	)

	batchesEmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_batches_emitted_total",
			Help: "Total epoch batches closed by the epoch batcher.",
		},
	)

	bufferOccupancy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_buffer_occupancy",
			Help: "Number of batches currently retained in the batch buffer.",
		},
	)

	bufferDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_buffer_dropped_total",
			Help: "Total batches dropped by the drop_oldest overflow strategy.",
		},
	)

	watermarkLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_watermark_lag_seconds",
			Help: "Seconds between the collector's global watermark and wall-clock time.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		logsIngestedTotal,
		batchesEmittedTotal,
		bufferOccupancy,
		bufferDroppedTotal,
		watermarkLagSeconds,
	)
}
