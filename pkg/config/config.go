package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Health    HealthConfig    `yaml:"health"`
	Security  SecurityConfig  `yaml:"security"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig covers the robot listener and the admin endpoint.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	AdminAddr  string `yaml:"admin_addr"` // metrics and status HTTP endpoint
}

// QueueConfig tunes job admission and timeout tracking.
type QueueConfig struct {
	DedupWindow          Duration `yaml:"dedup_window"`
	DefaultJobTimeout    Duration `yaml:"default_job_timeout"`
	TimeoutCheckInterval Duration `yaml:"timeout_check_interval"`
}

// DispatchConfig tunes the distributor.
type DispatchConfig struct {
	Interval            Duration `yaml:"interval"`
	DistributionTimeout Duration `yaml:"distribution_timeout"`
	MaxRetries          int      `yaml:"max_retries"`
	RetryDelay          Duration `yaml:"retry_delay"`
}

// RecoveryConfig tunes reconnect and job-retry backoff.
type RecoveryConfig struct {
	MaxRetries   int      `yaml:"max_retries"`
	InitialDelay Duration `yaml:"initial_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	MaxDelay     Duration `yaml:"max_delay"`
	Jitter       bool     `yaml:"jitter"`
}

// HealthConfig tunes heartbeat monitoring and its thresholds.
type HealthConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`
	CheckInterval     Duration `yaml:"check_interval"`

	CPUWarning        float64 `yaml:"cpu_warning"`
	CPUCritical       float64 `yaml:"cpu_critical"`
	MemoryWarning     float64 `yaml:"memory_warning"`
	MemoryCritical    float64 `yaml:"memory_critical"`
	DiskWarning       float64 `yaml:"disk_warning"`
	DiskCritical      float64 `yaml:"disk_critical"`
	ErrorRateWarning  float64 `yaml:"error_rate_warning"`
	ErrorRateCritical float64 `yaml:"error_rate_critical"`
}

// SecurityConfig covers tokens, signing and rate limiting.
type SecurityConfig struct {
	SigningSecret     string   `yaml:"signing_secret"`
	SignMessages      bool     `yaml:"sign_messages"`
	RequireToken      bool     `yaml:"require_token"`
	TokenTTL          Duration `yaml:"token_ttl"`
	RateLimitWindow   Duration `yaml:"rate_limit_window"`
	RateLimitRequests int      `yaml:"rate_limit_requests"`
}

// SchedulerConfig tunes the schedule loop.
type SchedulerConfig struct {
	TickInterval Duration `yaml:"tick_interval"`
	MisfireGrace Duration `yaml:"misfire_grace"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "bolt" or "file"
	DataDir string `yaml:"data_dir"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":9090",
			AdminAddr:  ":9091",
		},
		Queue: QueueConfig{
			DedupWindow:          Duration(5 * time.Minute),
			DefaultJobTimeout:    Duration(30 * time.Minute),
			TimeoutCheckInterval: Duration(30 * time.Second),
		},
		Dispatch: DispatchConfig{
			Interval:            Duration(time.Second),
			DistributionTimeout: Duration(10 * time.Second),
			MaxRetries:          3,
			RetryDelay:          Duration(time.Second),
		},
		Recovery: RecoveryConfig{
			MaxRetries:   3,
			InitialDelay: Duration(time.Second),
			Multiplier:   2,
			MaxDelay:     Duration(60 * time.Second),
			Jitter:       true,
		},
		Health: HealthConfig{
			HeartbeatInterval: Duration(30 * time.Second),
			HeartbeatTimeout:  Duration(90 * time.Second),
			CheckInterval:     Duration(30 * time.Second),
			CPUWarning:        80,
			CPUCritical:       95,
			MemoryWarning:     80,
			MemoryCritical:    95,
			DiskWarning:       85,
			DiskCritical:      95,
			ErrorRateWarning:  0.1,
			ErrorRateCritical: 0.5,
		},
		Security: SecurityConfig{
			TokenTTL:          Duration(24 * time.Hour),
			RateLimitWindow:   Duration(60 * time.Second),
			RateLimitRequests: 100,
		},
		Scheduler: SchedulerConfig{
			TickInterval: Duration(time.Second),
			MisfireGrace: Duration(time.Minute),
		},
		Storage: StorageConfig{
			Backend: "bolt",
			DataDir: "/var/lib/drover",
		},
		Log: LogConfig{
			Level:      "info",
			JSONOutput: true,
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	if c.Storage.Backend != "bolt" && c.Storage.Backend != "file" {
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}
	if c.Security.SignMessages && c.Security.SigningSecret == "" {
		return fmt.Errorf("security.signing_secret required when sign_messages is enabled")
	}
	if c.Health.CPUWarning > c.Health.CPUCritical ||
		c.Health.MemoryWarning > c.Health.MemoryCritical ||
		c.Health.DiskWarning > c.Health.DiskCritical ||
		c.Health.ErrorRateWarning > c.Health.ErrorRateCritical {
		return fmt.Errorf("health warning thresholds must not exceed critical thresholds")
	}
	return nil
}
