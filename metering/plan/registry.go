// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

// Package plan maps billing price identifiers to token and report
// allowances. The registry is built once from configuration and is
// immutable afterwards; an unknown price id is a configuration error and
// always fails closed, because silently defaulting an allowance mis-bills
// every account on that price.
package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Limits describes the allowances attached to one billing price.
type Limits struct {
	PlanID             string `yaml:"plan_id" json:"plan_id"`
	ProductID          string `yaml:"product_id" json:"product_id"`
	TokenAllowance     int64  `yaml:"token_allowance" json:"token_allowance"`
	ReportAllowance    int    `yaml:"report_allowance" json:"report_allowance"`
	ChatTokenAllowance int64  `yaml:"chat_token_allowance" json:"chat_token_allowance"`
}

// Registry is a static price_id -> Limits lookup table.
type Registry struct {
	prices map[string]Limits
}

// File is the on-disk shape of the plan configuration.
type File struct {
	Prices map[string]Limits `yaml:"prices"`
}

// DefaultPlans contains the built-in plan table used when no config file is
// provided. Allowances are tokens per billing period.
var DefaultPlans = map[string]Limits{
	"price_starter_monthly": {
		PlanID:             "starter",
		ProductID:          "prod_starter",
		TokenAllowance:     180_000,
		ReportAllowance:    1,
		ChatTokenAllowance: 50_000,
	},
	"price_pro_monthly": {
		PlanID:             "pro",
		ProductID:          "prod_pro",
		TokenAllowance:     10_000_000,
		ReportAllowance:    50,
		ChatTokenAllowance: 1_000_000,
	},
	"price_team_monthly": {
		PlanID:             "team",
		ProductID:          "prod_team",
		TokenAllowance:     40_000_000,
		ReportAllowance:    250,
		ChatTokenAllowance: 5_000_000,
	},
}

// NewRegistry creates a registry from an explicit price table.
func NewRegistry(prices map[string]Limits) (*Registry, error) {
	r := &Registry{prices: make(map[string]Limits, len(prices))}
	for priceID, limits := range prices {
		if err := validateEntry(priceID, limits); err != nil {
			return nil, err
		}
		r.prices[priceID] = limits
	}
	if len(r.prices) == 0 {
		return nil, fmt.Errorf("plan registry: %w", ErrEmptyRegistry)
	}
	return r, nil
}

// Default returns a registry built from the built-in plan table.
func Default() *Registry {
	r, err := NewRegistry(DefaultPlans)
	if err != nil {
		// The built-in table is validated by tests; this is unreachable.
		panic(err)
	}
	return r
}

// LoadFile reads a YAML plan configuration and builds a registry from it.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan config: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plan config: %w", err)
	}

	r, err := NewRegistry(f.Prices)
	if err != nil {
		return nil, fmt.Errorf("invalid plan config %s: %w", path, err)
	}
	return r, nil
}

func validateEntry(priceID string, limits Limits) error {
	if priceID == "" {
		return fmt.Errorf("plan registry: %w", ErrEmptyPriceID)
	}
	if limits.PlanID == "" {
		return fmt.Errorf("plan registry: price %q: %w", priceID, ErrMissingPlanID)
	}
	if limits.TokenAllowance <= 0 {
		return fmt.Errorf("plan registry: price %q: %w", priceID, ErrInvalidAllowance)
	}
	if limits.ReportAllowance <= 0 {
		return fmt.Errorf("plan registry: price %q: %w", priceID, ErrInvalidAllowance)
	}
	if limits.ChatTokenAllowance < 0 {
		return fmt.Errorf("plan registry: price %q: %w", priceID, ErrInvalidAllowance)
	}
	return nil
}

// TokenLimitForPrice returns the token allowance for a price id. Unknown
// price ids fail closed with ErrUnknownPrice.
func (r *Registry) TokenLimitForPrice(priceID string) (int64, error) {
	limits, ok := r.prices[priceID]
	if !ok {
		return 0, fmt.Errorf("price %q: %w", priceID, ErrUnknownPrice)
	}
	return limits.TokenAllowance, nil
}

// LimitsForPrice returns the full allowance set for a price id.
func (r *Registry) LimitsForPrice(priceID string) (Limits, error) {
	limits, ok := r.prices[priceID]
	if !ok {
		return Limits{}, fmt.Errorf("price %q: %w", priceID, ErrUnknownPrice)
	}
	return limits, nil
}

// PlanForPrice resolves the human-facing plan id for a price id.
func (r *Registry) PlanForPrice(priceID string) (string, error) {
	limits, ok := r.prices[priceID]
	if !ok {
		return "", fmt.Errorf("price %q: %w", priceID, ErrUnknownPrice)
	}
	return limits.PlanID, nil
}

// ProductForPrice resolves the billing product id for a price id.
func (r *Registry) ProductForPrice(priceID string) (string, error) {
	limits, ok := r.prices[priceID]
	if !ok {
		return "", fmt.Errorf("price %q: %w", priceID, ErrUnknownPrice)
	}
	return limits.ProductID, nil
}

// Prices returns the known price ids. The returned slice is a copy.
func (r *Registry) Prices() []string {
	out := make([]string, 0, len(r.prices))
	for id := range r.prices {
		out = append(out, id)
	}
	return out
}
