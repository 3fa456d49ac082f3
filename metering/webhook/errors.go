// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package webhook

import "errors"

var (
	// ErrMissingField indicates a required field was absent from a provider payload
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidField indicates a field was present but of the wrong type or value
	ErrInvalidField = errors.New("invalid field value")
)
