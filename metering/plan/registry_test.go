// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package plan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := Default()

	limit, err := r.TokenLimitForPrice("price_pro_monthly")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), limit)

	planID, err := r.PlanForPrice("price_starter_monthly")
	require.NoError(t, err)
	assert.Equal(t, "starter", planID)

	productID, err := r.ProductForPrice("price_team_monthly")
	require.NoError(t, err)
	assert.Equal(t, "prod_team", productID)
}

// Unknown price ids must raise, never return a guessed default.
func TestUnknownPriceFailsClosed(t *testing.T) {
	r := Default()

	_, err := r.TokenLimitForPrice("nonexistent-price")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownPrice))

	_, err = r.LimitsForPrice("")
	assert.True(t, errors.Is(err, ErrUnknownPrice))

	_, err = r.PlanForPrice("price_enterprise_yearly")
	assert.True(t, errors.Is(err, ErrUnknownPrice))
}

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name    string
		prices  map[string]Limits
		wantErr error
	}{
		{
			name:    "empty table",
			prices:  map[string]Limits{},
			wantErr: ErrEmptyRegistry,
		},
		{
			name: "empty price id",
			prices: map[string]Limits{
				"": {PlanID: "pro", TokenAllowance: 1000, ReportAllowance: 1},
			},
			wantErr: ErrEmptyPriceID,
		},
		{
			name: "missing plan id",
			prices: map[string]Limits{
				"price_x": {TokenAllowance: 1000, ReportAllowance: 1},
			},
			wantErr: ErrMissingPlanID,
		},
		{
			name: "zero token allowance",
			prices: map[string]Limits{
				"price_x": {PlanID: "pro", TokenAllowance: 0, ReportAllowance: 1},
			},
			wantErr: ErrInvalidAllowance,
		},
		{
			name: "negative chat allowance",
			prices: map[string]Limits{
				"price_x": {PlanID: "pro", TokenAllowance: 1000, ReportAllowance: 1, ChatTokenAllowance: -1},
			},
			wantErr: ErrInvalidAllowance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.prices)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "err = %v, want %v", err, tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yaml")

	config := `
prices:
  price_pro_monthly:
    plan_id: pro
    product_id: prod_pro
    token_allowance: 10000000
    report_allowance: 50
    chat_token_allowance: 1000000
  price_starter_monthly:
    plan_id: starter
    product_id: prod_starter
    token_allowance: 180000
    report_allowance: 1
`
	require.NoError(t, os.WriteFile(path, []byte(config), 0o644))

	r, err := LoadFile(path)
	require.NoError(t, err)

	limit, err := r.TokenLimitForPrice("price_pro_monthly")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), limit)

	limits, err := r.LimitsForPrice("price_starter_monthly")
	require.NoError(t, err)
	assert.Equal(t, int64(180_000), limits.TokenAllowance)
	assert.Equal(t, 1, limits.ReportAllowance)
	assert.Equal(t, int64(0), limits.ChatTokenAllowance)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile("/nonexistent/plans.yaml")
	require.Error(t, err)

	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("prices: [not, a, map]"), 0o644))
	_, err = LoadFile(bad)
	require.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("prices:\n  price_x:\n    plan_id: pro\n    token_allowance: 0\n    report_allowance: 1\n"), 0o644))
	_, err = LoadFile(invalid)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidAllowance))
}

func TestPrices(t *testing.T) {
	r := Default()
	assert.ElementsMatch(t, []string{
		"price_starter_monthly", "price_pro_monthly", "price_team_monthly",
	}, r.Prices())
}
