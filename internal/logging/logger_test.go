package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown", "mac", "aa:bb:cc:dd:ee:ff")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "shown" || rec["mac"] != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("record = %v", rec)
	}
}

func TestOutputStdoutOnly(t *testing.T) {
	w, c := Output(FileOptions{})
	if w != os.Stdout {
		t.Error("Output without path should be stdout")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close error: %v", err)
	}
}

func TestOutputRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	w, c := Output(FileOptions{Path: path, MaxSizeMB: 1, MaxBackups: 1})

	logger := slog.New(slog.NewJSONHandler(w, nil))
	logger.Info("written to file")
	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file = %q", data)
	}
}
