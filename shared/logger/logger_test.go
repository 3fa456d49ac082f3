// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
)

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "meterd",
			instanceID:     "instance-123",
			expectedComp:   "meterd",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "webhook",
			instanceID:     "",
			expectedComp:   "webhook",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				t.Setenv("INSTANCE_ID", tt.instanceID)
			} else {
				if err := os.Unsetenv("INSTANCE_ID"); err != nil {
					t.Fatalf("Failed to unset INSTANCE_ID: %v", err)
				}
			}

			l := New(tt.component)

			if l.Component != tt.expectedComp {
				t.Errorf("Expected component %s, got %s", tt.expectedComp, l.Component)
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("Expected instance ID %s, got %s", tt.expectedInstID, l.InstanceID)
			}
			if l.Container == "" {
				t.Error("Expected container to be set from hostname")
			}
		})
	}
}

// captureOutput captures log output during a test
func captureOutput(fn func()) string {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	fn()
	return buf.String()
}

// TestLogEntryFormat verifies log entries are valid single-line JSON with the
// required billing-audit fields
func TestLogEntryFormat(t *testing.T) {
	l := &Logger{Component: "meterd", InstanceID: "i-1", Container: "c-1"}

	out := captureOutput(func() {
		l.Info("acct-42", "req-7", "Reservation granted", map[string]interface{}{
			"reserved_tokens": 140000,
		})
	})

	jsonStart := strings.Index(out, "{")
	if jsonStart < 0 {
		t.Fatalf("no JSON found in log output: %q", out)
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out[jsonStart:])), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}

	if entry.Level != INFO {
		t.Errorf("Level = %s, want INFO", entry.Level)
	}
	if entry.AccountID != "acct-42" {
		t.Errorf("AccountID = %s, want acct-42", entry.AccountID)
	}
	if entry.RequestID != "req-7" {
		t.Errorf("RequestID = %s, want req-7", entry.RequestID)
	}
	if entry.Message != "Reservation granted" {
		t.Errorf("Message = %s, want 'Reservation granted'", entry.Message)
	}
	if entry.Fields["reserved_tokens"] != float64(140000) {
		t.Errorf("Fields[reserved_tokens] = %v, want 140000", entry.Fields["reserved_tokens"])
	}
	if entry.Timestamp == "" {
		t.Error("Timestamp should be set")
	}
}

// TestErrorWithErr verifies the error field is attached
func TestErrorWithErr(t *testing.T) {
	l := &Logger{Component: "meterd", InstanceID: "i-1", Container: "c-1"}

	out := captureOutput(func() {
		l.ErrorWithErr("acct-42", "", "Step usage persist failed", os.ErrDeadlineExceeded, nil)
	})

	if !strings.Contains(out, "Step usage persist failed") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, os.ErrDeadlineExceeded.Error()) {
		t.Errorf("expected error detail in output, got %q", out)
	}
}

// TestLogLevels verifies each level helper emits the right level
func TestLogLevels(t *testing.T) {
	l := &Logger{Component: "meterd", InstanceID: "i-1", Container: "c-1"}

	tests := []struct {
		name  string
		logFn func()
		level string
	}{
		{"debug", func() { l.Debug("a", "r", "msg", nil) }, `"level":"DEBUG"`},
		{"info", func() { l.Info("a", "r", "msg", nil) }, `"level":"INFO"`},
		{"warn", func() { l.Warn("a", "r", "msg", nil) }, `"level":"WARN"`},
		{"error", func() { l.Error("a", "r", "msg", nil) }, `"level":"ERROR"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := captureOutput(tt.logFn)
			if !strings.Contains(out, tt.level) {
				t.Errorf("expected %s in output, got %q", tt.level, out)
			}
		})
	}
}
