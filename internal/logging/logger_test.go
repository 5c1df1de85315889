package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"TRACE":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("info", "json", &buf)
	logger.Debug("hidden")
	logger.Info("DHCPOFFER", "ip", "10.0.0.2")

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "hidden") {
		t.Error("debug record written at info level")
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, line)
	}
	if rec["ip"] != "10.0.0.2" {
		t.Errorf("ip = %v, want 10.0.0.2", rec["ip"])
	}
}

func TestSetupText(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("debug", "text", &buf)
	logger.Debug("scan", "subnet", 1)
	if !strings.Contains(buf.String(), "subnet=1") {
		t.Errorf("text output = %q, want subnet=1", buf.String())
	}
}
