// Package config loads archdrop's runtime configuration from a YAML file
// with environment-variable overrides, and the CLI flag layer that sits on
// top of it for the operator-facing entrypoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects which side of a transfer a process runs.
type Mode string

const (
	ModeSend    Mode = "send"
	ModeReceive Mode = "receive"
)

// HardwareConfig controls whether CPU AES acceleration is trusted when
// available. Detection itself always runs; these flags only gate whether
// the detected capability is treated as usable.
type HardwareConfig struct {
	EnableAESNI    bool `yaml:"enable_aes_ni"`
	EnableARMv8AES bool `yaml:"enable_armv8_aes"`
}

// BackendConfig describes an S3-compatible remote storage destination that
// receive mode can mirror finalized files into instead of local disk.
type BackendConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Provider  string `yaml:"provider"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// TracingConfig controls the OpenTelemetry exporter used by internal/tracing.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Exporter     string `yaml:"exporter"` // "stdout" (default), "otlp", "jaeger"
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	JaegerURL    string `yaml:"jaeger_url"`
	ServiceName  string `yaml:"service_name"`
}

// SinkConfig describes where audit events are written.
type SinkConfig struct {
	Type          string            `yaml:"type"` // "stdout" (default), "file", "http"
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"file_path"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
}

// AuditConfig controls the session-lifecycle and chunk-crypto audit trail
// (claim attempts, chunk encrypt/decrypt, finalize, complete).
type AuditConfig struct {
	Enabled             bool       `yaml:"enabled"`
	MaxEvents           int        `yaml:"max_events"`
	RedactMetadataKeys  []string   `yaml:"redact_metadata_keys"`
	Sink                SinkConfig `yaml:"sink"`
}

// Config is the full configuration surface for both archdrop-send and
// archdrop-receive. A single struct is shared by both binaries; each reads
// only the fields relevant to its mode.
type Config struct {
	ListenAddr       string        `yaml:"listen_addr"`
	Mode             Mode          `yaml:"mode"`
	Root             string        `yaml:"root"`
	ChunkSize        int           `yaml:"chunk_size"`
	MemoryThreshold  int64         `yaml:"memory_threshold"`
	HandleCacheSize  int           `yaml:"handle_cache_size"`
	ReorderBufferCap int           `yaml:"reorder_buffer_cap"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	ExcludePatterns  []string      `yaml:"exclude_patterns"`
	LogLevel         string        `yaml:"log_level"`

	Hardware HardwareConfig `yaml:"hardware"`
	Backend  BackendConfig  `yaml:"backend"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Audit    AuditConfig    `yaml:"audit"`
}

// Defaults returns a Config populated with archdrop's baseline values,
// matching the sizes spec.md fixes for chunking and memory thresholds.
func Defaults() Config {
	return Config{
		ListenAddr:       ":8443",
		ChunkSize:        1 << 20,        // 1 MiB
		MemoryThreshold:  100 << 20,      // 100 MiB
		HandleCacheSize:  256,
		ReorderBufferCap: 64,
		RequestTimeout:   30 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		LogLevel:         "info",
		Hardware: HardwareConfig{
			EnableAESNI:    true,
			EnableARMv8AES: true,
		},
	}
}

// Load reads a YAML config file, falling back to Defaults() for any field
// the file omits, then applies environment-variable overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARCHDROP_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ARCHDROP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARCHDROP_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("ARCHDROP_MEMORY_THRESHOLD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MemoryThreshold = n
		}
	}
	if v := os.Getenv("ARCHDROP_S3_BUCKET"); v != "" {
		cfg.Backend.Enabled = true
		cfg.Backend.Bucket = v
	}
	if v := os.Getenv("ARCHDROP_S3_ENDPOINT"); v != "" {
		cfg.Backend.Endpoint = v
	}
	if v := os.Getenv("ARCHDROP_S3_ACCESS_KEY"); v != "" {
		cfg.Backend.AccessKey = v
	}
	if v := os.Getenv("ARCHDROP_S3_SECRET_KEY"); v != "" {
		cfg.Backend.SecretKey = v
	}
}

// Validate checks that required fields are consistent for the configured
// Mode, returning the first problem found.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeSend, ModeReceive:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeSend, ModeReceive, c.Mode)
	}
	if c.Root == "" {
		return fmt.Errorf("root path is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.Backend.Enabled && c.Backend.Bucket == "" {
		return fmt.Errorf("backend.bucket is required when backend.enabled is true")
	}
	return nil
}
