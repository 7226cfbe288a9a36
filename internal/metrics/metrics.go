package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BiometrySamplesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfre_biometry_samples_recorded_total",
			Help: "Biometry samples accepted by measurement ingest",
		},
		[]string{"cycle"},
	)

	HarvestsConfirmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfre_harvests_confirmed_total",
			Help: "Harvest lines confirmed with derived quantities",
		},
		[]string{"cycle"},
	)

	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfre_reconcile_runs_total",
			Help: "Reconciliation engine runs by outcome",
		},
		[]string{"cycle", "outcome"},
	)

	ReconcileLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cfre_reconcile_latency_seconds",
			Help:    "Wall time of a reconciliation run",
			Buckets: prometheus.DefBuckets,
		},
	)

	PublishConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cfre_publish_conflicts_total",
			Help: "Forecast publishes rejected because another writer won",
		},
	)

	BaselineConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cfre_baseline_conflicts_total",
			Help: "Survival baseline compare-and-swap failures",
		},
	)
)
