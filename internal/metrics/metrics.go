package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	completionsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handoff",
		Subsystem: "completion",
		Name:      "deliveries_total",
		Help:      "Completion calls accepted by the engine, by outcome kind.",
	}, []string{"outcome"})

	completionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "handoff",
		Subsystem: "completion",
		Name:      "rejections_total",
		Help:      "Completion calls rejected by the engine, by reason.",
	}, []string{"reason"})

	duplicateCompletions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "handoff",
		Subsystem: "completion",
		Name:      "duplicates_total",
		Help:      "Completion attempts for a token that was already consumed.",
	})

	lateCompletions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "handoff",
		Subsystem: "completion",
		Name:      "late_total",
		Help:      "Completion attempts arriving after the paused activity timed out.",
	})

	deliveryRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "handoff",
		Subsystem: "completion",
		Name:      "delivery_retries_total",
		Help:      "Re-attempts of completion deliveries that previously failed.",
	})

	parkedActivities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "handoff",
		Subsystem: "engine",
		Name:      "parked_activities",
		Help:      "Activity invocations currently parked awaiting out-of-band completion.",
	})
)

func init() {
	prometheus.MustRegister(
		completionsDelivered,
		completionsRejected,
		duplicateCompletions,
		lateCompletions,
		deliveryRetries,
		parkedActivities,
	)
}

// RecordDelivery counts an accepted completion call; outcome is "success" or "failure".
func RecordDelivery(outcome string) {
	completionsDelivered.WithLabelValues(outcome).Inc()
}

// RecordRejection counts a rejected completion call by reason.
func RecordRejection(reason string) {
	completionsRejected.WithLabelValues(reason).Inc()
}

// RecordDuplicateCompletion counts a second completion attempt for a consumed token.
func RecordDuplicateCompletion() {
	duplicateCompletions.Inc()
}

// RecordLateCompletion counts a completion attempt for a timed-out invocation.
func RecordLateCompletion() {
	lateCompletions.Inc()
}

// RecordDeliveryRetry counts a redelivery attempt.
func RecordDeliveryRetry() {
	deliveryRetries.Inc()
}

// ParkedInc increments the parked-activity gauge.
func ParkedInc() { parkedActivities.Inc() }

// ParkedDec decrements the parked-activity gauge.
func ParkedDec() { parkedActivities.Dec() }
