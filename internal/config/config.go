package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration recognised by the engine.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"   toml:"logging"`
	Recording RecordingConfig `mapstructure:"recording" toml:"recording"`
	Replay    ReplayConfig    `mapstructure:"replay"    toml:"replay"`
	Retention RetentionConfig `mapstructure:"retention" toml:"retention"`
	Storage   StorageConfig   `mapstructure:"storage"   toml:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" toml:"telemetry"`
	Tracing   TracingConfig   `mapstructure:"tracing"   toml:"tracing"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  toml:"level"`  // trace|debug|info|warn|error
	Format string `mapstructure:"format" toml:"format"` // "json" or "console"
}

// RecordingConfig controls the recorder.
type RecordingConfig struct {
	OutputDir          string `mapstructure:"output_dir"          toml:"output_dir"`
	CompressionEnabled bool   `mapstructure:"compression_enabled" toml:"compression_enabled"`
	MaxFileSizeMB      int    `mapstructure:"max_file_size_mb"    toml:"max_file_size_mb"`
	HashAlgorithm      string `mapstructure:"hash_algorithm"      toml:"hash_algorithm"`
	RedactionLevel     string `mapstructure:"redaction_level"     toml:"redaction_level"`
	QueueSize          int    `mapstructure:"queue_size"          toml:"queue_size"`
}

// ReplayConfig controls the player.
type ReplayConfig struct {
	Mode                string `mapstructure:"mode"                  toml:"mode"` // strict|warn|hybrid
	PreserveTiming      bool   `mapstructure:"preserve_timing"       toml:"preserve_timing"`
	RequireManifestHash bool   `mapstructure:"require_manifest_hash" toml:"require_manifest_hash"`
}

// RetentionConfig selects the artifact cleanup policy.
type RetentionConfig struct {
	Class string `mapstructure:"class" toml:"class"` // development|ci|production|audit
}

// StorageConfig controls the recordings catalog.
type StorageConfig struct {
	CatalogPath string `mapstructure:"catalog_path" toml:"catalog_path"`
}

// TelemetryConfig controls the event buffer of the logging collaborator.
type TelemetryConfig struct {
	BufferSize           int `mapstructure:"buffer_size"            toml:"buffer_size"`
	FlushIntervalSeconds int `mapstructure:"flush_interval_seconds" toml:"flush_interval_seconds"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "reel"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (REEL_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.reel/reel.toml
//  4. ./reel.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: REEL_RECORDING_OUTPUT_DIR etc.
	v.SetEnvPrefix("REEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Determine which file(s) to read.
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".reel"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("reel")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Store the resolved config file path.
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Expand ~ in paths.
	cfg.Recording.OutputDir = expandHome(cfg.Recording.OutputDir)
	cfg.Storage.CatalogPath = expandHome(cfg.Storage.CatalogPath)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.reel/reel.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".reel")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file and merges it into the current config.
// The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	// Persist to the active config file so changes survive restart.
	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// Digest returns a short stable digest of the config for manifest
// provenance. Provenance only; artifact integrity uses the manifest
// hashes.
func Digest(cfg *Config) (string, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshalling config for digest: %w", err)
	}
	return fmt.Sprintf("%016x", fnv1a(data)), nil
}

// fnv1a computes the 64-bit FNV-1a digest of data.
func fnv1a(data []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Logging
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	// Recording
	v.SetDefault("recording.output_dir", d.Recording.OutputDir)
	v.SetDefault("recording.compression_enabled", d.Recording.CompressionEnabled)
	v.SetDefault("recording.max_file_size_mb", d.Recording.MaxFileSizeMB)
	v.SetDefault("recording.hash_algorithm", d.Recording.HashAlgorithm)
	v.SetDefault("recording.redaction_level", d.Recording.RedactionLevel)
	v.SetDefault("recording.queue_size", d.Recording.QueueSize)

	// Replay
	v.SetDefault("replay.mode", d.Replay.Mode)
	v.SetDefault("replay.preserve_timing", d.Replay.PreserveTiming)
	v.SetDefault("replay.require_manifest_hash", d.Replay.RequireManifestHash)

	// Retention
	v.SetDefault("retention.class", d.Retention.Class)

	// Storage
	v.SetDefault("storage.catalog_path", d.Storage.CatalogPath)

	// Telemetry
	v.SetDefault("telemetry.buffer_size", d.Telemetry.BufferSize)
	v.SetDefault("telemetry.flush_interval_seconds", d.Telemetry.FlushIntervalSeconds)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
