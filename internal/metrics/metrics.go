// Package metrics defines the Prometheus collectors shared by the load,
// persistence, watch and broadcast layers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ofmlsync"

var (
	// TablesLoaded counts table reads by part kind and status (ok, failed).
	TablesLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tables_loaded_total",
		Help:      "Data files read, by part kind and status.",
	}, []string{"part", "status"})

	// ProgramsLoaded counts registry loads by status.
	ProgramsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "programs_loaded_total",
		Help:      "Programs whose registry was read, by status.",
	}, []string{"status"})

	// TablesPersisted counts mirror writes by status (ok, failed).
	TablesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tables_persisted_total",
		Help:      "Tables written to the mirror, by status.",
	}, []string{"status"})

	// RowsPersisted counts inserted rows.
	RowsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_persisted_total",
		Help:      "Rows inserted into the mirror.",
	})

	// PersistDuration observes per-table persistence latency.
	PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "persist_duration_seconds",
		Help:      "Time to delete and insert one table.",
		Buckets:   prometheus.DefBuckets,
	})

	// SchemaHeals counts columns and tables added to repair drift.
	SchemaHeals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schema_heals_total",
		Help:      "DDL statements issued to repair schema drift, by kind (column, table).",
	}, []string{"kind"})

	// WatchEvents counts filesystem events by outcome
	// (duplicate, self, unknown, reloaded, denied, removed, failed).
	WatchEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watch_events_total",
		Help:      "Filesystem events seen by part watchers, by outcome.",
	}, []string{"outcome"})

	// BroadcastMessages counts fan-out sends by status (ok, failed).
	BroadcastMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_messages_total",
		Help:      "Messages sent to subscribers, by status.",
	}, []string{"status"})

	// Subscribers is the current number of non-producer connections.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Connected broadcast subscribers.",
	})
)

// Status maps a success flag to the label value used above.
func Status(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
