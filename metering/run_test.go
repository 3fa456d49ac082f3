// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		DatabaseURL:   "postgres://localhost/metering",
		JWTSecret:     "test-signing-key",
		WebhookSecret: "whsec_test",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"missing jwt secret", func(c *Config) { c.JWTSecret = "" }, "JWT_SECRET"},
		{"missing webhook secret", func(c *Config) { c.WebhookSecret = "" }, "BILLING_WEBHOOK_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mut(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should name %s", err, tt.want)
			}
		})
	}
}
