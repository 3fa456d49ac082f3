// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package ledger

import "errors"

var (
	// ErrNoActivePeriod is returned when an account has no active usage period
	ErrNoActivePeriod = errors.New("no active usage period")

	// ErrAccountNotFound is returned when an account does not exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientBudget is returned by the reservation attempt when the
	// remaining token budget cannot cover the request
	ErrInsufficientBudget = errors.New("insufficient token budget")

	// ErrReportNotFound is returned when a report does not exist
	ErrReportNotFound = errors.New("report not found")

	// ErrInvalidInput is returned for general invalid input
	ErrInvalidInput = errors.New("invalid input")
)
