package segmentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Materializations by trigger and outcome
	materializationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segment_materializations_total",
			Help: "Segment materializations partitioned by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	materializationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segment_materialization_duration_seconds",
			Help:    "Time spent scanning the corpus for one segment",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity_type"},
	)

	evaluationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segment_evaluation_errors_total",
			Help: "Criterion/record pairs excluded because evaluation failed",
		},
		[]string{"entity_type"},
	)

	refreshConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "segment_refresh_conflicts_total",
			Help: "Refresh requests dropped because one was already in flight",
		},
	)

	refreshesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "segment_refreshes_inflight",
			Help: "Segments currently being materialized",
		},
	)
)

func observeMaterialization(trigger string, entityType EntityType, res *MaterializeResult, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	materializationsTotal.WithLabelValues(trigger, outcome).Inc()
	if res != nil {
		materializationDuration.WithLabelValues(string(entityType)).Observe(res.Duration.Seconds())
		if res.EvaluationErrors > 0 {
			evaluationErrorsTotal.WithLabelValues(string(entityType)).Add(float64(res.EvaluationErrors))
		}
	}
}
