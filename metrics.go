package sentinel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplesIngestedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_samples_ingested_total",
		Help: "Traffic samples accepted into the store, by interval.",
	}, []string{"interval"})

	anomaliesDetectedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_anomalies_detected_total",
		Help: "Samples whose anomaly score crossed the detection threshold.",
	})

	attacksDetectedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_attacks_detected_total",
		Help: "New attack records created, by attack type.",
	}, []string{"type"})

	attackTransitionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_attack_transitions_total",
		Help: "Attack lifecycle transitions, by from and to status.",
	}, []string{"from", "to"})

	mitigationActionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_mitigation_actions_total",
		Help: "Mitigation actions recorded, by action type and result.",
	}, []string{"action", "result"})

	dispatchFailuresMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_dispatch_failures_total",
		Help: "Event deliveries that failed, by sink.",
	}, []string{"sink"})

	dispatchDroppedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_dispatch_dropped_total",
		Help: "Events dropped because the dispatch queue was full.",
	})

	openAttacksGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_open_attacks",
		Help: "Attacks currently in a non-resolved status.",
	})

	anomalyScoreHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_anomaly_score",
		Help:    "Distribution of computed anomaly scores.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})
)
