package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		expect slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.expect {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.expect)
		}
	}
}

func TestFanout(t *testing.T) {
	var info, debug bytes.Buffer
	logger := slog.New(Fanout(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)).With("component", "test")

	logger.Debug("Only verbose")
	logger.Info("Both")

	if strings.Contains(info.String(), "Only verbose") {
		t.Errorf("info handler received a debug record: %s", info.String())
	}
	if !strings.Contains(debug.String(), "Only verbose") || !strings.Contains(debug.String(), "Both") {
		t.Errorf("debug handler missed records: %s", debug.String())
	}
	if !strings.Contains(info.String(), "component=test") {
		t.Errorf("expected attrs to propagate, got %s", info.String())
	}
}
