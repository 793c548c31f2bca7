package log

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"firestige.xyz/dcamera/internal/config"
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
	for _, input := range []string{"invalid", "trace", ""} {
		t.Run(input, func(t *testing.T) {
			if _, err := parseLevel(input); err == nil {
				t.Errorf("parseLevel(%q) should return error, got nil", input)
			}
		})
	}
}

func TestInitConsoleLevelFiltering(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	var buf bytes.Buffer

	closeFn, err := Init(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer closeFn()

	slog.Info("info message")
	slog.Warn("warn message", "node", "decode", "wait", 3)

	output := buf.String()
	if strings.Contains(output, "info message") {
		t.Error("Info message should be filtered out")
	}
	if !strings.Contains(output, `"msg":"warn message"`) || !strings.Contains(output, `"wait":3`) {
		t.Errorf("JSON output missing warn record: %s", output)
	}
}

func TestInitWithFileOutput(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	logPath := filepath.Join(t.TempDir(), "dcamera.log")
	var console bytes.Buffer

	cfg := config.LogConfig{
		Level:  "debug",
		Format: "text",
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

	closeFn, err := Init(cfg, &console)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	slog.Debug("test message", "key", "value")
	if err := closeFn(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Log file was not created at %s: %v", logPath, err)
	}
	if !strings.Contains(string(data), "key=value") {
		t.Errorf("Log file should contain key=value, got %s", data)
	}
	if !strings.Contains(console.String(), "test message") {
		t.Error("Console should receive the record too")
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
		{"file path", config.LogConfig{Level: "info", Format: "json",
			Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}}}, "path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Init(tt.cfg, &bytes.Buffer{})
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error about %s, got: %v", tt.wantErr, err)
			}
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestMultiWriterContinuesPastFailure(t *testing.T) {
	var buf bytes.Buffer
	w := NewMultiWriter().Add(failingWriter{}).Add(&buf)

	n, err := w.Write([]byte("record"))
	if err == nil {
		t.Error("Expected the failing writer's error")
	}
	if n != len("record") {
		t.Errorf("Expected %d bytes reported, got %d", len("record"), n)
	}
	if buf.String() != "record" {
		t.Errorf("Second writer should still receive the record, got %q", buf.String())
	}
}
