package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=\"poll failed\"", "backend=lsf"}},
		{"json", []string{`"msg":"poll failed"`, `"backend":"lsf"`}},
		{"JSON", []string{`"msg":"poll failed"`}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			NewLoggerWithWriter(slog.LevelInfo, tt.format, &buf).Info("poll failed", "backend", "lsf")
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output %q missing %q", buf.String(), w)
				}
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)
	logger.Info("hidden")
	logger.Warn("Unknown state FOO")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("INFO leaked at WARN level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "Unknown state FOO") {
		t.Errorf("WARN missing: %s", buf.String())
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerWithWriter(slog.LevelDebug, "text", &buf), "scheduler")
	logger.Debug("tick", "iens", 3)

	if !strings.Contains(buf.String(), "component=scheduler") || !strings.Contains(buf.String(), "iens=3") {
		t.Errorf("unexpected output: %s", buf.String())
	}
	if Component(nil, "x") == nil {
		t.Error("Component(nil) returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
