package config

import (
	"fmt"

	"github.com/allaspectsdev/reel/internal/canon"
	"github.com/allaspectsdev/reel/internal/redact"
	"github.com/allaspectsdev/reel/internal/replay"
)

// validate checks every enumerated and bounded field of the config.
func validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: invalid logging.format %q", cfg.Logging.Format)
	}

	if cfg.Recording.OutputDir == "" {
		return fmt.Errorf("config: recording.output_dir must not be empty")
	}
	if cfg.Recording.MaxFileSizeMB <= 0 {
		return fmt.Errorf("config: recording.max_file_size_mb must be positive, got %d",
			cfg.Recording.MaxFileSizeMB)
	}
	if cfg.Recording.QueueSize <= 0 {
		return fmt.Errorf("config: recording.queue_size must be positive, got %d",
			cfg.Recording.QueueSize)
	}
	if !canon.Algorithm(cfg.Recording.HashAlgorithm).Valid() {
		return fmt.Errorf("config: invalid recording.hash_algorithm %q (supported: blake3, blake2b, sha256, sha3_256)",
			cfg.Recording.HashAlgorithm)
	}
	if !redact.Level(cfg.Recording.RedactionLevel).Valid() {
		return fmt.Errorf("config: invalid recording.redaction_level %q (supported: none, basic, standard, strict)",
			cfg.Recording.RedactionLevel)
	}

	if !replay.Mode(cfg.Replay.Mode).Valid() {
		return fmt.Errorf("config: invalid replay.mode %q (supported: strict, warn, hybrid)",
			cfg.Replay.Mode)
	}

	if !redact.RetentionClass(cfg.Retention.Class).Valid() {
		return fmt.Errorf("config: invalid retention.class %q (supported: development, ci, production, audit)",
			cfg.Retention.Class)
	}

	if cfg.Telemetry.BufferSize <= 0 {
		return fmt.Errorf("config: telemetry.buffer_size must be positive, got %d",
			cfg.Telemetry.BufferSize)
	}
	if cfg.Telemetry.FlushIntervalSeconds <= 0 {
		return fmt.Errorf("config: telemetry.flush_interval_seconds must be positive, got %d",
			cfg.Telemetry.FlushIntervalSeconds)
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Exporter {
		case "stdout", "otlp-grpc", "otlp-http":
		default:
			return fmt.Errorf("config: invalid tracing.exporter %q", cfg.Tracing.Exporter)
		}
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			return fmt.Errorf("config: tracing.sample_rate must be in [0, 1], got %v",
				cfg.Tracing.SampleRate)
		}
	}

	return nil
}
