// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package ledger

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics
var (
	promAdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventum_metering_admission_decisions_total",
			Help: "Reservation admission decisions by result",
		},
		[]string{"result"},
	)
	promStepRecordFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inventum_metering_step_record_failures_total",
			Help: "Step usage writes that failed after retries (billing audit signal)",
		},
	)
	promFinalizes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventum_metering_finalize_total",
			Help: "Report billing finalizations by outcome",
		},
		[]string{"outcome"},
	)
	promBilledTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventum_metering_billed_tokens_total",
			Help: "Tokens committed to account ledgers by outcome",
		},
		[]string{"outcome"},
	)
	promReservationsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inventum_metering_reservations_expired_total",
			Help: "Reservations released by the background sweeper",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promAdmissionDecisions)
	prometheus.MustRegister(promStepRecordFailures)
	prometheus.MustRegister(promFinalizes)
	prometheus.MustRegister(promBilledTokens)
	prometheus.MustRegister(promReservationsExpired)
}
