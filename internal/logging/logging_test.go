package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetLevelFromString(t *testing.T) {
	defer SetLevel(slog.LevelInfo)

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
	}
	for _, tt := range tests {
		SetLevelFromString(tt.in)
		if got := logLevel.Level(); got != tt.want {
			t.Errorf("SetLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	SetLevelFromString("bogus")
	if got := logLevel.Level(); got != slog.LevelInfo {
		t.Errorf("unknown level should be ignored, got %v", got)
	}
}

func TestForCall(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer InitStructured("text", "info")

	ForCall("", "", "").Info("plain")
	ForCall("req-1", "", "orphan").Info("request only")
	ForCall("req-2", "abc", "def").Info("traced")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", lines)
	}
	if strings.Contains(lines[0], "request_id") || strings.Contains(lines[0], "trace_id") {
		t.Fatalf("plain line should carry no ids: %s", lines[0])
	}
	if !strings.Contains(lines[1], "request_id=req-1") || strings.Contains(lines[1], "span_id") {
		t.Fatalf("span id without a trace should be dropped: %s", lines[1])
	}
	for _, want := range []string{"request_id=req-2", "trace_id=abc", "span_id=def"} {
		if !strings.Contains(lines[2], want) {
			t.Fatalf("traced line missing %s: %s", want, lines[2])
		}
	}
}

func TestConfigureJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Format: "json", Level: "warn", Output: &buf, Component: "invoke"})
	defer InitStructured("text", "info")

	Op().Info("dropped")
	Op().Warn("kept", "service", "demo.Greeter")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one json line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "invoke" || line["service"] != "demo.Greeter" || line["msg"] != "kept" {
		t.Fatalf("unexpected line %v", line)
	}
}
