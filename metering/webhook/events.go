// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

// Package webhook applies billing-provider events to the usage ledger
// exactly once. Deliveries are at-least-once, so every handler is built
// around an atomic event-id claim plus a period-level dedupe as defense in
// depth.
package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event types consumed from the billing provider
const (
	EventInvoicePaid         = "invoice.paid"
	EventSubscriptionUpdated = "customer.subscription.updated"
)

// Envelope is the outer shape of a provider webhook delivery
type Envelope struct {
	EventID   string
	EventType string
	Raw       json.RawMessage
}

// InvoicePaidEvent carries the fields needed to (re)set a usage period
type InvoicePaidEvent struct {
	EventID        string
	CustomerID     string
	SubscriptionID string
	PriceID        string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// SubscriptionUpdatedEvent carries the fields needed to adjust an active
// period's limit mid-cycle
type SubscriptionUpdatedEvent struct {
	EventID    string
	CustomerID string
	PriceID    string
}

// ParseEnvelope validates the outer event shape. The provider payload
// crosses a dynamically-typed JSON boundary, so every field is checked for
// presence and type before any business logic touches it.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}

	id, err := requiredString(raw, "id")
	if err != nil {
		return nil, err
	}
	eventType, err := requiredString(raw, "type")
	if err != nil {
		return nil, err
	}

	data, ok := raw["data"]
	if !ok {
		return nil, fmt.Errorf("webhook event %s: %w", id, ErrMissingField)
	}

	return &Envelope{EventID: id, EventType: eventType, Raw: data}, nil
}

// ParseInvoicePaid extracts a typed invoice.paid event from the envelope
func ParseInvoicePaid(env *Envelope) (*InvoicePaidEvent, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(env.Raw, &raw); err != nil {
		return nil, fmt.Errorf("invalid invoice.paid data: %w", err)
	}

	customerID, err := requiredString(raw, "customer")
	if err != nil {
		return nil, err
	}
	subscriptionID, err := requiredString(raw, "subscription")
	if err != nil {
		return nil, err
	}
	priceID, err := requiredString(raw, "price")
	if err != nil {
		return nil, err
	}
	periodStart, err := requiredUnixTime(raw, "period_start")
	if err != nil {
		return nil, err
	}
	periodEnd, err := requiredUnixTime(raw, "period_end")
	if err != nil {
		return nil, err
	}
	if !periodEnd.After(periodStart) {
		return nil, fmt.Errorf("invoice.paid %s: period_end not after period_start: %w", env.EventID, ErrInvalidField)
	}

	return &InvoicePaidEvent{
		EventID:        env.EventID,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		PriceID:        priceID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
	}, nil
}

// ParseSubscriptionUpdated extracts a typed subscription update. The price
// is read from the first line item, matching the provider's shape.
func ParseSubscriptionUpdated(env *Envelope) (*SubscriptionUpdatedEvent, error) {
	var raw struct {
		Customer string `json:"customer"`
		Items    struct {
			Data []struct {
				Price struct {
					ID string `json:"id"`
				} `json:"price"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(env.Raw, &raw); err != nil {
		return nil, fmt.Errorf("invalid subscription update data: %w", err)
	}

	if raw.Customer == "" {
		return nil, fmt.Errorf("subscription update %s: missing customer: %w", env.EventID, ErrMissingField)
	}
	if len(raw.Items.Data) == 0 || raw.Items.Data[0].Price.ID == "" {
		return nil, fmt.Errorf("subscription update %s: missing price item: %w", env.EventID, ErrMissingField)
	}

	return &SubscriptionUpdatedEvent{
		EventID:    env.EventID,
		CustomerID: raw.Customer,
		PriceID:    raw.Items.Data[0].Price.ID,
	}, nil
}

func requiredString(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", fmt.Errorf("missing %q: %w", key, ErrMissingField)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil || s == "" {
		return "", fmt.Errorf("field %q: %w", key, ErrInvalidField)
	}
	return s, nil
}

// requiredUnixTime accepts unix seconds as a number or numeric string
func requiredUnixTime(raw map[string]json.RawMessage, key string) (time.Time, error) {
	v, ok := raw[key]
	if !ok {
		return time.Time{}, fmt.Errorf("missing %q: %w", key, ErrMissingField)
	}

	var secs int64
	if err := json.Unmarshal(v, &secs); err != nil {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return time.Time{}, fmt.Errorf("field %q: %w", key, ErrInvalidField)
		}
		secs, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %q: %w", key, ErrInvalidField)
		}
	}
	if secs <= 0 {
		return time.Time{}, fmt.Errorf("field %q: %w", key, ErrInvalidField)
	}
	return time.Unix(secs, 0).UTC(), nil
}
