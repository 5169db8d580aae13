// Package logging tests for structured logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// decodeLines parses each JSON line written to buf.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

// TestInit verifies logger initialization and JSON output shape.
func TestInit(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelInfo)

	Info("queue restored", map[string]interface{}{"pending": 2})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry["message"] != "queue restored" {
		t.Errorf("message = %v, want %q", entry["message"], "queue restored")
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["pending"] != float64(2) {
		t.Errorf("pending = %v, want 2", entry["pending"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

// TestMinLevel verifies entries below the minimum level are dropped.
func TestMinLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelWarn)

	Debug("debug")
	Info("info")
	Warn("warn")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0]["message"] != "warn" {
		t.Errorf("message = %v, want warn", entries[0]["message"])
	}
}

// TestErrorWithCode verifies error and code fields.
func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelDebug)

	ErrorWithCode("drain failed", "TRANSPORT_ERROR", errors.New("timeout"),
		map[string]interface{}{"entry_id": "e1"}, map[string]interface{}{"attempt": 2})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry["error"] != "timeout" {
		t.Errorf("error = %v, want timeout", entry["error"])
	}
	if entry["code"] != "TRANSPORT_ERROR" {
		t.Errorf("code = %v, want TRANSPORT_ERROR", entry["code"])
	}
	if entry["entry_id"] != "e1" || entry["attempt"] != float64(2) {
		t.Errorf("context not merged: %v", entry)
	}
}

// TestWith verifies bound fields appear on every entry.
func TestWith(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelInfo)

	l := Get().With(map[string]interface{}{"component": "queue"})
	l.Info("one")
	l.Warn("two")

	for _, entry := range decodeLines(t, &buf) {
		if entry["component"] != "queue" {
			t.Errorf("component = %v, want queue", entry["component"])
		}
	}
}

// TestParseLevel verifies configuration string parsing.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
