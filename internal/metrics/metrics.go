package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RecordsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openbmp_records_consumed_total",
			Help: "Kafka records consumed.",
		},
		[]string{"pipeline"},
	)

	RecordsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openbmp_records_dropped_total",
			Help: "Records dropped after the flush backlog overflowed.",
		},
		[]string{"pipeline"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openbmp_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	NLRIDecodedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openbmp_nlri_decoded_total",
			Help: "NLRI entries decoded from UPDATE messages.",
		},
		[]string{"pipeline", "afi", "safi", "kind"},
	)

	RoutesUpsertedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openbmp_routes_upserted_total",
			Help: "Route rows written to the routes table.",
		},
	)

	RoutesDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openbmp_routes_deleted_total",
			Help: "Route rows deleted from the routes table.",
		},
	)

	RoutesPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openbmp_routes_purged_total",
			Help: "Routes purged (eor_stale, peer_down, termination).",
		},
		[]string{"reason"},
	)

	EventsInsertedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openbmp_events_inserted_total",
			Help: "Rows inserted into route_events.",
		},
	)

	EventsDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "openbmp_events_deduped_total",
			Help: "route_events inserts skipped by ON CONFLICT (cross-collector duplicates).",
		},
	)

	FlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openbmp_flush_duration_seconds",
			Help:    "DB flush latency per pipeline.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"pipeline"},
	)

	BatchSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openbmp_batch_size",
			Help: "Size of the most recent flushed batch.",
		},
		[]string{"pipeline"},
	)
)

var registerOnce sync.Once

// Register installs the collectors on the default registry. Safe to
// call more than once; only the first call registers.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RecordsConsumedTotal,
			RecordsDroppedTotal,
			ParseErrorsTotal,
			NLRIDecodedTotal,
			RoutesUpsertedTotal,
			RoutesDeletedTotal,
			RoutesPurgedTotal,
			EventsInsertedTotal,
			EventsDedupedTotal,
			FlushDuration,
			BatchSize,
		)
	})
}
