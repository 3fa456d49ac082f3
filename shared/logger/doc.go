// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging for Inventum metering
components.

# Overview

The logger outputs single-line JSON to stdout, making logs consumable by
CloudWatch, ELK, or any other log aggregation system.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (meterd, webhook, sweeper, ...)
  - Instance ID and container name (for multi-instance deployments)
  - Account ID (for billing audit trails)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("meterd")

Log messages with account and request context:

	log.Info("acct-123", "req-456", "Reservation granted", map[string]interface{}{
	    "reserved_tokens": 140000,
	})

Log errors with the underlying error attached:

	log.ErrorWithErr("acct-123", "req-456", "Step usage persist failed", err, nil)

# Environment Variables

  - INSTANCE_ID: deployment instance identifier

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
