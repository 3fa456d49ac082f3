// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

// Package pricing estimates the provider-side cost of LLM usage. Customers
// are billed in tokens against their plan allowance; this package tracks
// what those tokens cost us, for margin monitoring and the billing audit
// trail. It never feeds customer-facing amounts.
package pricing

import "fmt"

// Prices stored in hundredths of a cent per 1K tokens to avoid floating
// point issues. All prices are USD.

// ModelPricing contains provider pricing for one model
type ModelPricing struct {
	InputCostPer1K  int64 // hundredths of a cent per 1K input tokens
	OutputCostPer1K int64 // hundredths of a cent per 1K output tokens
}

// modelPricing maps model identifiers to provider pricing
var modelPricing = map[string]ModelPricing{
	// Anthropic pricing (as of June 2025)
	"claude-opus-4":     {1500, 7500}, // $0.015/$0.075 per 1K tokens
	"claude-sonnet-4":   {300, 1500},  // $0.003/$0.015 per 1K tokens
	"claude-3-5-haiku":  {80, 400},    // $0.0008/$0.004 per 1K tokens
	"claude-3-5-sonnet": {300, 1500},  // $0.003/$0.015 per 1K tokens

	// OpenAI pricing (as of June 2025)
	"gpt-4o":      {250, 1000}, // $0.0025/$0.010 per 1K tokens
	"gpt-4o-mini": {15, 60},    // $0.00015/$0.0006 per 1K tokens

	// Conservative fallback for unrecognized models
	"default": {300, 1500},
}

// CostCentiCents returns the provider cost of one LLM call in hundredths
// of a cent. Unrecognized models use the conservative default rather than
// pricing at zero.
func CostCentiCents(model string, inputTokens, outputTokens int64) int64 {
	p, ok := modelPricing[model]
	if !ok {
		p = modelPricing["default"]
	}
	return (inputTokens*p.InputCostPer1K)/1000 + (outputTokens*p.OutputCostPer1K)/1000
}

// PricingFor returns the price table entry for a model, for display
func PricingFor(model string) (ModelPricing, bool) {
	p, ok := modelPricing[model]
	return p, ok
}

// FormatDollars converts hundredths of a cent to a dollar string
// (e.g. 13500 -> "$1.3500")
func FormatDollars(centiCents int64) string {
	return fmt.Sprintf("$%.4f", float64(centiCents)/10000.0)
}
