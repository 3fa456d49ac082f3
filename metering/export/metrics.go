// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package export

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics
var (
	promExports = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inventum_metering_snapshot_exports_total",
			Help: "Usage snapshots uploaded to object storage",
		},
	)
	promExportFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inventum_metering_snapshot_export_failures_total",
			Help: "Usage snapshot uploads that failed",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promExports)
	prometheus.MustRegister(promExportFailures)
}
