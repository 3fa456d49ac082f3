// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package plan

import "errors"

var (
	// ErrUnknownPrice is returned when a price id is not in the registry.
	// Callers must treat this as a deploy/config mismatch, never default.
	ErrUnknownPrice = errors.New("unknown price id")

	// ErrEmptyRegistry is returned when a registry is built with no prices
	ErrEmptyRegistry = errors.New("no prices configured")

	// ErrEmptyPriceID is returned for an empty price id key
	ErrEmptyPriceID = errors.New("empty price id")

	// ErrMissingPlanID is returned when a price entry has no plan id
	ErrMissingPlanID = errors.New("missing plan id")

	// ErrInvalidAllowance is returned for non-positive allowances
	ErrInvalidAllowance = errors.New("invalid allowance")
)
