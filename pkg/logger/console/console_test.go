package console

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestConsoleLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{JSON: true, Output: &buf})
	l.Info("[Graph] Build finished", "documents", 2)
	l.Debug("[Graph] hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid json line: %v", err)
	}
	if entry["msg"] != "[Graph] Build finished" {
		t.Fatalf("msg = %v", entry["msg"])
	}
	if entry["documents"] != float64(2) {
		t.Fatalf("documents = %v", entry["documents"])
	}
}

func TestConsoleLogger_DebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Debug: true, Output: &buf})
	l.Debug("[Matcher] cluster", "size", 3)
	if !strings.Contains(buf.String(), "[Matcher] cluster") {
		t.Fatalf("debug line missing: %q", buf.String())
	}
}
