// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package webhook

import (
	"testing"
	"time"
)

func TestParseInvoicePaidStringTimestamps(t *testing.T) {
	// Some provider SDK versions send unix seconds as strings
	body := []byte(`{
		"id": "evt_1",
		"type": "invoice.paid",
		"data": {
			"customer": "cus_1",
			"subscription": "sub_1",
			"price": "price_pro_monthly",
			"period_start": "1748736000",
			"period_end": "1751328000"
		}
	}`)

	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	ev, err := ParseInvoicePaid(env)
	if err != nil {
		t.Fatalf("ParseInvoicePaid: %v", err)
	}
	want := time.Unix(1748736000, 0).UTC()
	if !ev.PeriodStart.Equal(want) {
		t.Errorf("PeriodStart = %v, want %v", ev.PeriodStart, want)
	}
}

func TestParseInvoicePaidRejectsMalformedTimestamp(t *testing.T) {
	// A numeric prefix with trailing garbage must not parse as the prefix
	for _, ts := range []string{`"1748736000abc"`, `"12.5"`, `""`, `"-1"`} {
		body := []byte(`{
			"id": "evt_1",
			"type": "invoice.paid",
			"data": {
				"customer": "cus_1",
				"subscription": "sub_1",
				"price": "price_pro_monthly",
				"period_start": ` + ts + `,
				"period_end": "1751328000"
			}
		}`)

		env, err := ParseEnvelope(body)
		if err != nil {
			t.Fatalf("ParseEnvelope: %v", err)
		}
		if _, err := ParseInvoicePaid(env); err == nil {
			t.Errorf("period_start %s should be rejected", ts)
		}
	}
}

func TestParseSubscriptionUpdatedFirstItemPrice(t *testing.T) {
	body := []byte(`{
		"id": "evt_2",
		"type": "customer.subscription.updated",
		"data": {
			"customer": "cus_1",
			"items": {"data": [
				{"price": {"id": "price_team_monthly"}},
				{"price": {"id": "price_addon_seats"}}
			]}
		}
	}`)

	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	ev, err := ParseSubscriptionUpdated(env)
	if err != nil {
		t.Fatalf("ParseSubscriptionUpdated: %v", err)
	}
	if ev.PriceID != "price_team_monthly" {
		t.Errorf("PriceID = %q, want first line item", ev.PriceID)
	}
}
