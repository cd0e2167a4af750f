package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mastery-signals/internal/models"
)

var (
	once sync.Once

	SignalsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "signals_enqueued_total", Help: "Signals accepted into the queue"})
	SignalsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{Name: "signals_deduplicated_total", Help: "Enqueue calls folded into an unresolved signal"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "signals_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	SignalsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "signals_claimed_total", Help: "Signals leased by workers"})
	SignalsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "signals_completed_total", Help: "Signals completed by outcome"}, []string{"outcome"})
	SignalsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "signals_reclaimed_total", Help: "Expired leases returned to the queue or failed"})
	SignalsExpired      = prometheus.NewCounter(prometheus.CounterOpts{Name: "signals_expired_total", Help: "Pending signals abandoned past their TTL"})
	SignalsArchived     = prometheus.NewCounter(prometheus.CounterOpts{Name: "signals_archived_total", Help: "Terminal signals written to the archive and deleted"})
	QueueDepthGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "signals_queue_depth", Help: "Signals per status"}, []string{"status"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "signals_inflight", Help: "Signals leased by this worker"})
	BatchDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signals_batch_duration_seconds",
		Help:    "Processing cycle duration per batch",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"tier"})
)

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			SignalsEnqueued,
			SignalsDeduplicated,
			RateLimitRejects,
			SignalsClaimed,
			SignalsCompleted,
			SignalsReclaimed,
			SignalsExpired,
			SignalsArchived,
			QueueDepthGauge,
			InFlightGauge,
			BatchDuration,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// ObserveDepth publishes a Stats snapshot.
func ObserveDepth(stats map[models.Status]int64) {
	for _, st := range models.AllStatuses {
		QueueDepthGauge.WithLabelValues(string(st)).Set(float64(stats[st]))
	}
}
