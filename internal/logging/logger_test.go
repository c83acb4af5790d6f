// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
)

func resetGlobal() {
	mu.Lock()
	global = nil
	mu.Unlock()
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Output is not valid JSON: %v (%q)", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

// =====================================================
// Initialization Tests
// =====================================================

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if first.out != &buf1 {
		t.Error("Second Init() should be ignored, output writer changed")
	}
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	logger := Get()
	if logger.out != os.Stdout {
		t.Error("Get() should default to os.Stdout")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

// TestParseLevel verifies config strings map to levels.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// =====================================================
// Logging Tests
// =====================================================

// TestLogger_Info verifies message and context fields.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("location reported", map[string]interface{}{"latitude": 1.5})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Level != "info" {
		t.Errorf("Level = %q, want 'info'", entry.Level)
	}
	if entry.Message != "location reported" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Context["latitude"] != 1.5 {
		t.Errorf("Context['latitude'] = %v, want 1.5", entry.Context["latitude"])
	}
	if entry.Timestamp == "" {
		t.Error("Timestamp should be set")
	}
}

// TestLogger_Error verifies the error lands in the context.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Error("post failed", io.ErrUnexpectedEOF)

	entry := decodeLines(t, &buf)[0]
	if entry.Level != "error" {
		t.Errorf("Level = %q, want 'error'", entry.Level)
	}
	if entry.Context["error"] != io.ErrUnexpectedEOF.Error() {
		t.Errorf("Context['error'] = %v", entry.Context["error"])
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("update failed", "UPDATE_FAILED", io.ErrUnexpectedEOF, map[string]interface{}{"phase": "fetch"})

	entry := decodeLines(t, &buf)[0]
	if entry.Context["error_code"] != "UPDATE_FAILED" {
		t.Errorf("error_code = %v, want 'UPDATE_FAILED'", entry.Context["error_code"])
	}
	if entry.Context["phase"] != "fetch" {
		t.Errorf("phase = %v, want 'fetch'", entry.Context["phase"])
	}
}

// TestLogger_filtering verifies minimum level filtering.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(entries))
	}
	if entries[0].Level != "warning" || entries[1].Level != "error" {
		t.Errorf("levels = %q, %q", entries[0].Level, entries[1].Level)
	}
}

// TestMergeContext verifies multiple context maps are merged.
func TestMergeContext(t *testing.T) {
	if got := mergeContext(); got != nil {
		t.Errorf("mergeContext() = %v, want nil", got)
	}
	got := mergeContext(map[string]interface{}{"a": 1}, nil, map[string]interface{}{"b": 2, "a": 3})
	if got["a"] != 3 || got["b"] != 2 {
		t.Errorf("mergeContext() = %v", got)
	}
}
