// Package config loads server configuration from a YAML file with
// environment-variable overrides for deployment knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Build metadata, injected via -ldflags at release time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const defaultFilePath = "restream-server.yaml"

// Config is the full server configuration.
type Config struct {
	// ListenAddr is the bind address for the HTTP API.
	ListenAddr string `yaml:"listen_address"`
	Port       string `yaml:"port"`

	// RedisAddr is the host:port of the Redis instance backing the stream
	// registry and log store. Empty means in-memory storage.
	RedisAddr string `yaml:"redis_address"`

	// OutputRoot is the shared directory the media server writes HLS
	// artifacts into. The health monitor watches it; it must be writable.
	OutputRoot string `yaml:"output_root"`

	// IngestHost/IngestPort locate the media server's RTMP ingest.
	IngestHost string `yaml:"ingest_host"`
	IngestPort int    `yaml:"ingest_port"`

	// ConfirmDeadline bounds how long a started transcoder has to produce a
	// playlist artifact before the start is declared failed.
	ConfirmDeadline time.Duration `yaml:"confirm_deadline"`

	// PollInterval is the artifact-check cadence during confirmation.
	PollInterval time.Duration `yaml:"poll_interval"`

	// StopGrace is the SIGTERM→SIGKILL escalation window on stop.
	StopGrace time.Duration `yaml:"stop_grace"`

	// SweepInterval is the cadence of the process liveness sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// LogCapacity caps retained log entries per stream.
	LogCapacity int `yaml:"log_capacity"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:      "0.0.0.0",
		Port:            "8080",
		OutputRoot:      "/var/lib/restream/hls",
		IngestHost:      "127.0.0.1",
		IngestPort:      1935,
		ConfirmDeadline: 30 * time.Second,
		PollInterval:    3 * time.Second,
		StopGrace:       3 * time.Second,
		SweepInterval:   10 * time.Second,
		LogCapacity:     500,
	}
}

// Load reads path (or restream-server.yaml when empty), applies environment
// overrides, and validates. A missing file is fine; defaults plus environment
// cover the common container deployment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = defaultFilePath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RESTREAM_LISTEN_ADDRESS"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("RESTREAM_PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("RESTREAM_REDIS_ADDRESS"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("RESTREAM_OUTPUT_ROOT"); v != "" {
		c.OutputRoot = v
	}
	if v := os.Getenv("RESTREAM_INGEST_HOST"); v != "" {
		c.IngestHost = v
	}
	if v := os.Getenv("RESTREAM_INGEST_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.IngestPort = n
		}
	}
	if v := os.Getenv("RESTREAM_CONFIRM_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ConfirmDeadline = d
		}
	}
	if v := os.Getenv("RESTREAM_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = d
		}
	}
	if v := os.Getenv("RESTREAM_STOP_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.StopGrace = d
		}
	}
	if v := os.Getenv("RESTREAM_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SweepInterval = d
		}
	}
	if v := os.Getenv("RESTREAM_LOG_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LogCapacity = n
		}
	}
}

func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must be set")
	}
	if c.OutputRoot == "" {
		return fmt.Errorf("output_root must be set")
	}
	if c.IngestPort <= 0 || c.IngestPort > 65535 {
		return fmt.Errorf("ingest_port out of range: %d", c.IngestPort)
	}
	if c.ConfirmDeadline <= 0 {
		return fmt.Errorf("confirm_deadline must be positive")
	}
	if c.LogCapacity <= 0 {
		return fmt.Errorf("log_capacity must be positive")
	}
	return nil
}
