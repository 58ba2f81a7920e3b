package config

// DefaultConfigFilename is the name of the config file inside ~/.reel.
const DefaultConfigFilename = "reel.toml"

// DefaultConfig returns the built-in defaults. Every recognised key has a
// default so the engine runs with no config file at all.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Recording: RecordingConfig{
			OutputDir:          "~/.reel/artifacts",
			CompressionEnabled: true,
			MaxFileSizeMB:      100,
			HashAlgorithm:      "blake3",
			RedactionLevel:     "standard",
			QueueSize:          1024,
		},
		Replay: ReplayConfig{
			Mode:                "strict",
			PreserveTiming:      false,
			RequireManifestHash: false,
		},
		Retention: RetentionConfig{
			Class: "development",
		},
		Storage: StorageConfig{
			CatalogPath: "~/.reel/catalog.db",
		},
		Telemetry: TelemetryConfig{
			BufferSize:           100,
			FlushIntervalSeconds: 5,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			Endpoint:    "",
			ServiceName: "reel",
			SampleRate:  1.0,
			Insecure:    false,
		},
	}
}
