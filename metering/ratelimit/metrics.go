// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics
var (
	promDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventum_metering_ratelimit_denials_total",
			Help: "Requests denied by rate limiting, by window",
		},
		[]string{"window"},
	)
	promFailOpen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventum_metering_ratelimit_fail_open_total",
			Help: "Rate limit checks allowed through on Redis failure, by window",
		},
		[]string{"window"},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promDenials)
	prometheus.MustRegister(promFailOpen)
}
