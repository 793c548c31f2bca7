// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/dcamera/internal/codec"
	"firestige.xyz/dcamera/internal/core"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `dcamera:` root key in YAML.
type GlobalConfig struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Codec    CodecConfig    `mapstructure:"codec" yaml:"codec"`
	Decoder  DecoderConfig  `mapstructure:"decoder" yaml:"decoder"`
	Encoder  EncoderConfig  `mapstructure:"encoder" yaml:"encoder"`
	EventBus EventBusConfig `mapstructure:"eventbus" yaml:"eventbus"`
	Loopback LoopbackConfig `mapstructure:"loopback" yaml:"loopback"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Codec ───

// CodecConfig tunes the software codecs.
type CodecConfig struct {
	Compression     string `mapstructure:"compression" yaml:"compression"` // none / gzip / snappy / lz4 / zstd
	InputSlots      int    `mapstructure:"input_slots" yaml:"input_slots"`
	OutputSlots     int    `mapstructure:"output_slots" yaml:"output_slots"`
	StrideAlignment int    `mapstructure:"stride_alignment" yaml:"stride_alignment"`
}

// ─── Nodes ───

// DecoderConfig configures decode nodes.
type DecoderConfig struct {
	QueueMax           int    `mapstructure:"queue_max" yaml:"queue_max"`
	FirstFrameInputNum int    `mapstructure:"first_frame_input_num" yaml:"first_frame_input_num"`
	RetryBackoff       string `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MetadataTTL        string `mapstructure:"metadata_ttl" yaml:"metadata_ttl"`

	retryBackoff time.Duration
	metadataTTL  time.Duration
}

// RetryBackoffDuration returns the parsed retry_backoff. Valid after ValidateAndApplyDefaults.
func (c DecoderConfig) RetryBackoffDuration() time.Duration { return c.retryBackoff }

// MetadataTTLDuration returns the parsed metadata_ttl. Valid after ValidateAndApplyDefaults.
func (c DecoderConfig) MetadataTTLDuration() time.Duration { return c.metadataTTL }

// EncoderConfig configures encode nodes.
type EncoderConfig struct {
	FirstFrameOutputNum int    `mapstructure:"first_frame_output_num" yaml:"first_frame_output_num"`
	IFrameIntervalMs    int    `mapstructure:"i_frame_interval_ms" yaml:"i_frame_interval_ms"`
	BitrateMode         string `mapstructure:"bitrate_mode" yaml:"bitrate_mode"` // cbr / vbr / cq
}

// EventBusConfig sizes pipeline event buses.
type EventBusConfig struct {
	Partitions int `mapstructure:"partitions" yaml:"partitions"`
	QueueSize  int `mapstructure:"queue_size" yaml:"queue_size"`
}

// ─── Loopback ───

// LoopbackConfig describes the stream `dcamera run` pushes through a sink and back through a source.
type LoopbackConfig struct {
	Width     int    `mapstructure:"width" yaml:"width"`
	Height    int    `mapstructure:"height" yaml:"height"`
	FrameRate int    `mapstructure:"frame_rate" yaml:"frame_rate"`
	Format    string `mapstructure:"format" yaml:"format"` // nv12 / rgba
	Codec     string `mapstructure:"codec" yaml:"codec"`   // h264 / h265 / mpeg4
	Frames    int    `mapstructure:"frames" yaml:"frames"` // 0 = until interrupted

	raw    core.VideoConfigParams
	stream core.VideoConfigParams
}

// RawParams describes the frames fed to the sink. Valid after ValidateAndApplyDefaults.
func (c LoopbackConfig) RawParams() core.VideoConfigParams { return c.raw }

// StreamParams describes the encoded stream between sink and source.
func (c LoopbackConfig) StreamParams() core.VideoConfigParams { return c.stream }

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `dcamera: ...`.
type configRoot struct {
	DCamera GlobalConfig `mapstructure:"dcamera"`
}

// Load loads configuration from file. An empty path yields the defaults.
// The YAML file uses `dcamera:` as root key; env vars use the DCAMERA_ prefix (e.g., DCAMERA_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `dcamera.` key prefix maps to `DCAMERA_` through the key replacer
	// (e.g., key "dcamera.log.level" → env "DCAMERA_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.DCamera

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "dcamera." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("dcamera.log.level", "info")
	v.SetDefault("dcamera.log.format", "json")
	v.SetDefault("dcamera.log.outputs.file.enabled", false)
	v.SetDefault("dcamera.log.outputs.file.path", "/var/log/dcamera/dcamera.log")
	v.SetDefault("dcamera.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("dcamera.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("dcamera.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("dcamera.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("dcamera.metrics.enabled", true)
	v.SetDefault("dcamera.metrics.listen", ":9092")
	v.SetDefault("dcamera.metrics.path", "/metrics")

	// Codec defaults
	v.SetDefault("dcamera.codec.compression", "snappy")
	v.SetDefault("dcamera.codec.input_slots", 4)
	v.SetDefault("dcamera.codec.output_slots", 4)
	v.SetDefault("dcamera.codec.stride_alignment", 64)

	// Node defaults
	v.SetDefault("dcamera.decoder.queue_max", 1000)
	v.SetDefault("dcamera.decoder.first_frame_input_num", 2)
	v.SetDefault("dcamera.decoder.retry_backoff", "5ms")
	v.SetDefault("dcamera.decoder.metadata_ttl", "2s")
	v.SetDefault("dcamera.encoder.first_frame_output_num", 2)
	v.SetDefault("dcamera.encoder.i_frame_interval_ms", 300)
	v.SetDefault("dcamera.encoder.bitrate_mode", "vbr")

	// Event bus defaults
	v.SetDefault("dcamera.eventbus.partitions", 4)
	v.SetDefault("dcamera.eventbus.queue_size", 1024)

	// Loopback defaults
	v.SetDefault("dcamera.loopback.width", 640)
	v.SetDefault("dcamera.loopback.height", 480)
	v.SetDefault("dcamera.loopback.frame_rate", 30)
	v.SetDefault("dcamera.loopback.format", "nv12")
	v.SetDefault("dcamera.loopback.codec", "h264")
	v.SetDefault("dcamera.loopback.frames", 90)
}

// ValidateAndApplyDefaults validates configuration and resolves derived values.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled")
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// ── Codec ──
	if _, err := codec.ParseCompression(cfg.Codec.Compression); err != nil {
		return fmt.Errorf("codec.compression: %w", err)
	}
	if cfg.Codec.InputSlots <= 0 || cfg.Codec.OutputSlots <= 0 {
		return fmt.Errorf("codec.input_slots and codec.output_slots must be positive")
	}
	if a := cfg.Codec.StrideAlignment; a <= 0 || a&(a-1) != 0 {
		return fmt.Errorf("invalid codec.stride_alignment: %d (must be a power of two)", a)
	}

	// ── Nodes ──
	if cfg.Decoder.QueueMax <= 0 {
		return fmt.Errorf("decoder.queue_max must be positive, got %d", cfg.Decoder.QueueMax)
	}
	if cfg.Decoder.FirstFrameInputNum <= 0 || cfg.Encoder.FirstFrameOutputNum <= 0 {
		return fmt.Errorf("decoder.first_frame_input_num and encoder.first_frame_output_num must be positive")
	}
	var err error
	if cfg.Decoder.retryBackoff, err = positiveDuration("decoder.retry_backoff", cfg.Decoder.RetryBackoff); err != nil {
		return err
	}
	if cfg.Decoder.metadataTTL, err = positiveDuration("decoder.metadata_ttl", cfg.Decoder.MetadataTTL); err != nil {
		return err
	}
	if cfg.Encoder.IFrameIntervalMs <= 0 {
		return fmt.Errorf("encoder.i_frame_interval_ms must be positive, got %d", cfg.Encoder.IFrameIntervalMs)
	}
	if _, err := codec.ParseBitrateMode(cfg.Encoder.BitrateMode); err != nil {
		return fmt.Errorf("encoder.bitrate_mode: %w", err)
	}

	// ── Event bus ──
	if cfg.EventBus.Partitions <= 0 || cfg.EventBus.QueueSize <= 0 {
		return fmt.Errorf("eventbus.partitions and eventbus.queue_size must be positive")
	}

	return cfg.Loopback.resolve()
}

func positiveDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, value)
	}
	return d, nil
}

// resolve checks the loopback stream. RGBA frames travel as MPEG-4, YUV frames as H.264 or H.265.
func (c *LoopbackConfig) resolve() error {
	format, err := core.ParseVideoFormat(c.Format)
	if err != nil {
		return fmt.Errorf("loopback.format: %w", err)
	}
	if format != core.FormatNV12 && format != core.FormatRGBA8888 {
		return fmt.Errorf("unsupported loopback.format: %s (must be nv12/rgba)", c.Format)
	}
	codecType, err := core.ParseVideoCodecType(c.Codec)
	if err != nil {
		return fmt.Errorf("loopback.codec: %w", err)
	}
	if codecType == core.CodecNone {
		return fmt.Errorf("loopback.codec must name an encoded format")
	}
	if (format == core.FormatRGBA8888) != (codecType == core.CodecMPEG4) {
		return fmt.Errorf("loopback %s frames cannot travel as %s", format, codecType)
	}
	if c.Frames < 0 {
		return fmt.Errorf("loopback.frames must not be negative, got %d", c.Frames)
	}

	c.raw = core.NewVideoConfigParams(core.CodecNone, format, c.FrameRate, c.Width, c.Height)
	if !c.raw.InRange() || c.FrameRate <= 0 {
		return fmt.Errorf("loopback stream %s out of supported range", c.raw)
	}
	c.stream = c.raw.WithCodecType(codecType)
	return nil
}
