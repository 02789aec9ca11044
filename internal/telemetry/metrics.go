package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ImportsStarted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "imports_started_total", Help: "Imports started by operators"})
	DaysImported       = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_days_completed_total", Help: "Days imported by workers"})
	ImportsFinished    = prometheus.NewCounter(prometheus.CounterOpts{Name: "imports_finished_total", Help: "Imports that reached the end of their range"})
	ImportsErrored     = prometheus.NewCounter(prometheus.CounterOpts{Name: "imports_errored_total", Help: "Import runs that stopped on an error"})
	RateLimitHits      = prometheus.NewCounter(prometheus.CounterOpts{Name: "imports_rate_limited_total", Help: "Import runs paused by the provider quota"})
	LockLost           = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_lock_lost_total", Help: "Runs aborted because the site lock could not be refreshed"})
	KilledImportsGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "imports_killed", Help: "Running imports with no live worker at last listing"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "import_queue_depth", Help: "Sites waiting for a worker run"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "imports_inflight", Help: "Site runs currently held by this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ImportsStarted,
			DaysImported,
			ImportsFinished,
			ImportsErrored,
			RateLimitHits,
			LockLost,
			KilledImportsGauge,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
