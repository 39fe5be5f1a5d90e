// Package config holds the service configuration, loaded from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration, shared by the HTTP front-end
// and the worker process.
type Config struct {
	Listen    string `yaml:"listen"`
	DBPath    string `yaml:"db_path"`
	DataRoot  string `yaml:"data_root"`
	LogLevel  string `yaml:"log_level"`

	// ProcessSecret keys the HMAC used to fingerprint raw API keys. It must
	// be identical across every process that authenticates requests.
	ProcessSecret string `yaml:"process_secret"`

	// InternalToken guards /healthz, /readyz and /metrics. Empty means the
	// internal endpoints always answer 403.
	InternalToken string `yaml:"internal_token"`

	Upload    UploadConfig    `yaml:"upload"`
	ClamAV    ClamAVConfig    `yaml:"clamav"`
	Engine    EngineConfig    `yaml:"engine"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retention RetentionConfig `yaml:"retention"`
}

// UploadConfig bounds upload admission.
type UploadConfig struct {
	MaxFileMB        int      `yaml:"max_file_mb"`
	MaxPages         int      `yaml:"max_pages"`
	AllowedMimeTypes []string `yaml:"allowed_mime_types"`
	// XAccelPrefix, when set, makes artifact downloads answer with an
	// X-Accel-Redirect header instead of streaming the file.
	XAccelPrefix string `yaml:"x_accel_prefix"`
}

// ClamAVConfig configures the clamd TCP client.
type ClamAVConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// EngineConfig configures the document-analysis engine HTTP client.
type EngineConfig struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// WebhookConfig tunes outbound delivery.
type WebhookConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	InitialBackoffSec int      `yaml:"initial_backoff_sec"`
	TimeoutSec        int      `yaml:"timeout_sec"`
	AllowedHosts      []string `yaml:"allowed_hosts"`
}

// RateLimitConfig bounds authenticated request rates per API key.
type RateLimitConfig struct {
	MaxRequests int `yaml:"max_requests"`
	WindowSec   int `yaml:"window_sec"`
}

// WorkerConfig tunes the pipeline worker process.
type WorkerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	PollMs      int    `yaml:"poll_ms"`
	MaxRetries  int    `yaml:"max_retries"`
	Hostname    string `yaml:"hostname"`
}

// RetentionConfig drives the TTL reaper.
type RetentionConfig struct {
	DocumentTTLDays  int `yaml:"document_ttl_days"`
	ArtifactTTLDays  int `yaml:"artifact_ttl_days"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	host, _ := os.Hostname()
	return &Config{
		Listen:   ":8080",
		DBPath:   "refinery.db",
		DataRoot: "data",
		LogLevel: "info",
		Upload: UploadConfig{
			MaxFileMB:        100,
			MaxPages:         500,
			AllowedMimeTypes: []string{"application/pdf", "application/x-pdf"},
		},
		ClamAV: ClamAVConfig{
			Host:       "127.0.0.1",
			Port:       3310,
			TimeoutSec: 30,
		},
		Engine: EngineConfig{
			URL:        "http://127.0.0.1:5001",
			TimeoutSec: 300,
		},
		Webhooks: WebhookConfig{
			MaxAttempts:       5,
			InitialBackoffSec: 30,
			TimeoutSec:        10,
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 120,
			WindowSec:   60,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			PollMs:      500,
			MaxRetries:  3,
			Hostname:    host,
		},
		Retention: RetentionConfig{
			DocumentTTLDays:  30,
			ArtifactTTLDays:  30,
			SweepIntervalSec: 300,
		},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig
// merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.DataRoot == "" {
		return fmt.Errorf("data_root is required")
	}
	if c.ProcessSecret == "" {
		return fmt.Errorf("process_secret is required")
	}
	if c.Upload.MaxFileMB <= 0 {
		return fmt.Errorf("upload.max_file_mb must be > 0")
	}
	if c.Upload.MaxPages <= 0 {
		return fmt.Errorf("upload.max_pages must be > 0")
	}
	if len(c.Upload.AllowedMimeTypes) == 0 {
		return fmt.Errorf("upload.allowed_mime_types must not be empty")
	}
	if c.ClamAV.Host == "" || c.ClamAV.Port <= 0 {
		return fmt.Errorf("clamav.host and clamav.port are required")
	}
	if c.Engine.URL == "" {
		return fmt.Errorf("engine.url is required")
	}
	if c.Webhooks.MaxAttempts <= 0 {
		return fmt.Errorf("webhooks.max_attempts must be > 0")
	}
	if c.Webhooks.InitialBackoffSec <= 0 {
		return fmt.Errorf("webhooks.initial_backoff_sec must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	return nil
}

// MaxFileBytes returns the upload size cap in bytes.
func (c *Config) MaxFileBytes() int64 { return int64(c.Upload.MaxFileMB) * 1024 * 1024 }

// ClamAVTimeout returns the scanner dial/read timeout.
func (c *Config) ClamAVTimeout() time.Duration {
	return time.Duration(c.ClamAV.TimeoutSec) * time.Second
}

// EngineTimeout returns the conversion request timeout.
func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSec) * time.Second
}

// WebhookTimeout returns the per-delivery HTTP timeout.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhooks.TimeoutSec) * time.Second
}

// WebhookInitialBackoff returns the base retry delay.
func (c *Config) WebhookInitialBackoff() time.Duration {
	return time.Duration(c.Webhooks.InitialBackoffSec) * time.Second
}

// RateLimitWindow returns the per-caller rate window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSec) * time.Second
}

// PollInterval returns the broker poll cadence for idle workers.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollMs) * time.Millisecond
}

// SweepInterval returns the reaper cadence.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Retention.SweepIntervalSec) * time.Second
}
