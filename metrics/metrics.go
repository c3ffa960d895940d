package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchesTotal counts processed batches by channel and status
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbsync_batches_total",
			Help: "Total number of batches processed",
		},
		[]string{"channel", "status"},
	)

	// BatchLatency tracks the time to apply a batch by channel
	BatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tqdbsync_batch_latency_seconds",
			Help:    "Batch load latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// StatementsTotal counts applied row events by event type
	StatementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbsync_statements_total",
			Help: "Total number of row events applied",
		},
		[]string{"event_type"},
	)

	// FallbackInserts counts updates that fell back to an insert, by table
	FallbackInserts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbsync_fallback_inserts_total",
			Help: "Total number of updates applied as inserts",
		},
		[]string{"table"},
	)

	// FallbackUpdates counts inserts that fell back to an update, by table
	FallbackUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbsync_fallback_updates_total",
			Help: "Total number of inserts applied as updates",
		},
		[]string{"table"},
	)

	// MissingDeletes counts deletes that found no row, by table
	MissingDeletes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbsync_missing_deletes_total",
			Help: "Total number of deletes that affected no rows",
		},
		[]string{"table"},
	)

	// ConflictsTotal counts unresolved conflicts by table and operation
	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbsync_conflicts_total",
			Help: "Total number of conflicts left unresolved by fallback or conflict settings",
		},
		[]string{"table", "operation"},
	)

	// AdmissionTotal counts connection admission transitions by pool and event
	AdmissionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbsync_admission_total",
			Help: "Connection admission events (requested, reserved, rejected_too_busy, reservation_timed_out)",
		},
		[]string{"pool", "event"},
	)

	// ConnectedDuration tracks how long reservations were held by pool
	ConnectedDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tqdbsync_connected_duration_seconds",
			Help:    "Time between reserving and releasing a connection",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"pool"},
	)

	// ConfigChangesTotal counts actions triggered by configuration changes
	ConfigChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqdbsync_config_changes_total",
			Help: "Actions run after a batch changed configuration tables",
		},
		[]string{"action"},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(BatchesTotal)
		prometheus.MustRegister(BatchLatency)
		prometheus.MustRegister(StatementsTotal)
		prometheus.MustRegister(FallbackInserts)
		prometheus.MustRegister(FallbackUpdates)
		prometheus.MustRegister(MissingDeletes)
		prometheus.MustRegister(ConflictsTotal)
		prometheus.MustRegister(AdmissionTotal)
		prometheus.MustRegister(ConnectedDuration)
		prometheus.MustRegister(ConfigChangesTotal)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
