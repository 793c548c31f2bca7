package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"firestige.xyz/dcamera/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return configPath
}

func TestLoadValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
dcamera:
  log:
    level: "debug"
    format: "text"
  metrics:
    listen: "127.0.0.1:9100"
  codec:
    compression: "zstd"
    stride_alignment: 32
  decoder:
    queue_max: 200
    retry_backoff: "10ms"
  encoder:
    bitrate_mode: "cbr"
  loopback:
    width: 1280
    height: 720
    format: "rgba"
    codec: "mpeg4"
    frames: 10
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9100" {
		t.Errorf("Expected metrics listen 127.0.0.1:9100, got %s", cfg.Metrics.Listen)
	}
	if cfg.Codec.Compression != "zstd" || cfg.Codec.StrideAlignment != 32 {
		t.Errorf("Unexpected codec config %+v", cfg.Codec)
	}
	if cfg.Decoder.QueueMax != 200 {
		t.Errorf("Expected queue_max 200, got %d", cfg.Decoder.QueueMax)
	}
	if cfg.Decoder.RetryBackoffDuration() != 10*time.Millisecond {
		t.Errorf("Expected retry backoff 10ms, got %s", cfg.Decoder.RetryBackoffDuration())
	}
	want := core.NewVideoConfigParams(core.CodecMPEG4, core.FormatRGBA8888, 30, 1280, 720)
	if cfg.Loopback.StreamParams() != want {
		t.Errorf("Expected loopback stream %s, got %s", want, cfg.Loopback.StreamParams())
	}
	if cfg.Loopback.RawParams().CodecType() != core.CodecNone {
		t.Errorf("Expected raw loopback frames, got %s", cfg.Loopback.RawParams())
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Expected default log format json, got %s", cfg.Log.Format)
	}
	if cfg.Decoder.QueueMax != 1000 || cfg.Decoder.FirstFrameInputNum != 2 {
		t.Errorf("Unexpected decoder defaults %+v", cfg.Decoder)
	}
	if cfg.Decoder.MetadataTTLDuration() != 2*time.Second {
		t.Errorf("Expected metadata ttl 2s, got %s", cfg.Decoder.MetadataTTLDuration())
	}
	if cfg.Encoder.IFrameIntervalMs != 300 || cfg.Encoder.FirstFrameOutputNum != 2 {
		t.Errorf("Unexpected encoder defaults %+v", cfg.Encoder)
	}
	if cfg.Loopback.StreamParams().CodecType() != core.CodecH264 {
		t.Errorf("Expected default loopback codec H264, got %s", cfg.Loopback.StreamParams())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DCAMERA_LOG_LEVEL", "warn")
	t.Setenv("DCAMERA_DECODER_QUEUE_MAX", "64")

	cfg, err := Load(writeConfig(t, "dcamera:\n  log:\n    level: debug\n"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Expected env log level warn, got %s", cfg.Log.Level)
	}
	if cfg.Decoder.QueueMax != 64 {
		t.Errorf("Expected env queue_max 64, got %d", cfg.Decoder.QueueMax)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"log level", "dcamera:\n  log:\n    level: loud\n", "invalid log level"},
		{"log format", "dcamera:\n  log:\n    format: xml\n", "invalid log format"},
		{"compression", "dcamera:\n  codec:\n    compression: brotli\n", "codec.compression"},
		{"stride", "dcamera:\n  codec:\n    stride_alignment: 48\n", "stride_alignment"},
		{"backoff", "dcamera:\n  decoder:\n    retry_backoff: soon\n", "decoder.retry_backoff"},
		{"ttl", "dcamera:\n  decoder:\n    metadata_ttl: 0s\n", "metadata_ttl must be positive"},
		{"bitrate mode", "dcamera:\n  encoder:\n    bitrate_mode: abr\n", "encoder.bitrate_mode"},
		{"partitions", "dcamera:\n  eventbus:\n    partitions: 0\n", "eventbus.partitions"},
		{"rgba over h264", "dcamera:\n  loopback:\n    format: rgba\n", "cannot travel as"},
		{"raw loopback", "dcamera:\n  loopback:\n    codec: none\n", "encoded format"},
		{"frame rate", "dcamera:\n  loopback:\n    frame_rate: 0\n", "out of supported range"},
		{"resolution", "dcamera:\n  loopback:\n    width: 8000\n", "out of supported range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Error("Expected error for missing config file, got nil")
	}
}
