// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package webhook

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics
var (
	promEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventum_metering_webhook_events_total",
			Help: "Billing webhook events by type and result",
		},
		[]string{"type", "result"},
	)
	promSignatureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inventum_metering_webhook_signature_failures_total",
			Help: "Webhook deliveries rejected for bad signatures",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promEvents)
	prometheus.MustRegister(promSignatureFailures)
}
