// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the Inventum usage metering service.
//
// meterd owns the billing-side view of report generation: it admits report
// runs against the account's token budget, records per-step token usage as
// the workflow progresses, and settles each report's bill exactly once,
// including partial bills for failed or cancelled runs. It also receives
// billing provider webhooks to roll usage periods and rate limits the chat
// endpoints.
//
// Usage:
//
//	./meterd
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8084)
//	DATABASE_URL - PostgreSQL connection string (required)
//	BILLING_WEBHOOK_SECRET - HMAC secret for webhook verification (required)
//	JWT_SECRET - HMAC secret for service tokens
//	REDIS_URL - Redis URL for cross-instance rate limiting (optional)
//	PLAN_CONFIG_PATH - YAML plan catalog path (optional, built-in default)
//	CHAT_RATE_LIMIT_HOURLY - chat requests per account per hour (default: 100)
//	CHAT_RATE_LIMIT_DAILY - chat requests per account per day (default: 500)
//	EXPORT_BUCKET - S3 bucket for usage snapshots (optional, disables export when unset)
//	EXPORT_REGION - S3 region (default: us-east-1)
//	EXPORT_ENDPOINT - custom S3 endpoint for compatible stores (optional)
package main

import (
	"inventum/platform/metering"
)

func main() {
	metering.Run()
}
