package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"firestige.xyz/ctsync/internal/config"
)

func TestParseLevelValid(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if err != nil {
				t.Errorf("parseLevel(%q) returned error: %v", tt.input, err)
			}
			if level != tt.expected {
				t.Errorf("parseLevel(%q) = %v, expected %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestParseLevelInvalid(t *testing.T) {
	for _, input := range []string{"invalid", "trace", "fatal", ""} {
		t.Run(input, func(t *testing.T) {
			if _, err := parseLevel(input); err == nil {
				t.Errorf("parseLevel(%q) should return error, got nil", input)
			}
		})
	}
}

func TestInitWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctsyncd.log")

	cfg := config.LogConfig{
		Level:  "debug",
		Format: "json",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled: true,
				Path:    logPath,
				Rotation: config.RotationConfig{
					MaxSizeMB:  10,
					MaxBackups: 3,
					MaxAgeDays: 7,
				},
			},
		},
	}

	if err := Init(cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	slog.Info("file output test", "peer", "192.0.2.2")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Log file was not created at %s: %v", logPath, err)
	}
	if !strings.Contains(string(data), `"peer":"192.0.2.2"`) {
		t.Errorf("Expected JSON record in log file, got: %s", data)
	}

	// re-init closes the previous file
	if err := Init(config.LogConfig{Level: "info", Format: "text"}); err != nil {
		t.Fatalf("re-Init failed: %v", err)
	}
}

func TestInitErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		wantErr string
	}{
		{"level", config.LogConfig{Level: "invalid", Format: "json"}, "invalid log level"},
		{"format", config.LogConfig{Level: "info", Format: "xml"}, "unsupported log format"},
		{"file path", config.LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}},
		}, "path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Init(tt.cfg)
			if err == nil {
				t.Fatalf("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error about %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestPatternHandler(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrusLevel(slog.LevelInfo))
	l.SetFormatter(newFormatter("%time [%level] %msg %field%n", "15:04:05"))

	logger := slog.New(newLogrusHandler(l)).With("node", "fw-a").WithGroup("ct")
	logger.Debug("hidden")
	logger.Warn("commit failed", "seq", 42, "type", "update")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("Debug message should be filtered out")
	}
	if !strings.Contains(out, "[WARNING] commit failed ct.seq=42 ct.type=update node=fw-a\n") {
		t.Errorf("Unexpected pattern output: %q", out)
	}
}

func TestFormatterDefaults(t *testing.T) {
	f := newFormatter("", "")
	entry := &logrus.Entry{
		Time:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "listening",
		Data:    logrus.Fields{"b": 2, "a": "x"},
	}

	b, err := f.Format(entry)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if got := string(b); got != "2024-05-01 12:00:00.000 [INFO] listening a=x b=2\n" {
		t.Errorf("Unexpected format: %q", got)
	}
}

func TestLogrusLevel(t *testing.T) {
	tests := []struct {
		in   slog.Level
		want logrus.Level
	}{
		{slog.LevelDebug, logrus.DebugLevel},
		{slog.LevelInfo, logrus.InfoLevel},
		{slog.LevelWarn, logrus.WarnLevel},
		{slog.LevelError, logrus.ErrorLevel},
		{slog.LevelError + 4, logrus.ErrorLevel},
	}
	for _, tt := range tests {
		if got := logrusLevel(tt.in); got != tt.want {
			t.Errorf("logrusLevel(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
