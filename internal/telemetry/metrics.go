// Package telemetry exposes prometheus metrics for the learning pipeline.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueuedTotal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ambient_sessions_enqueued_total", Help: "Chat sessions submitted for learning"})
	ExtractionsDone    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ambient_extractions_done_total", Help: "Queue items completed successfully"})
	ExtractionsFailed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ambient_extractions_failed_total", Help: "Queue items marked failed"})
	MemoriesStored     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ambient_memories_stored_total", Help: "Memory entries committed"})
	SchedulerPauses    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ambient_scheduler_pauses_total", Help: "Runs paused by foreground activity"})
	ContentionAnomaly  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ambient_contention_anomalies_total", Help: "Extraction attempted while foreground active (scheduler bug)"})
	PendingGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ambient_queue_pending", Help: "Items awaiting extraction"})
	RunningGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ambient_extraction_running", Help: "1 while an extraction job is in flight"})
)

// Handler exposes the /metrics endpoint with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueuedTotal,
			ExtractionsDone,
			ExtractionsFailed,
			MemoriesStored,
			SchedulerPauses,
			ContentionAnomaly,
			PendingGauge,
			RunningGauge,
		)
	})
	return promhttp.Handler()
}
