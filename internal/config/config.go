// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BackendConfig describes one GPU-resident inference backend.
type BackendConfig struct {
	Name          string  `mapstructure:"name"`
	Port          int     `mapstructure:"port"`
	GPUMemoryFrac float64 `mapstructure:"gpu_memory"`
	MaxModelLen   int     `mapstructure:"max_model_len"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	Enabled       bool    `mapstructure:"enabled"`
	// ResolutionMode only applies to the OCR backend; member of a closed set.
	ResolutionMode string `mapstructure:"resolution_mode"`
	// EnvActivation is a venv/activation path sourced before Command runs.
	EnvActivation string   `mapstructure:"env_activation"`
	Command       []string `mapstructure:"command"`
	LogDir        string   `mapstructure:"log_dir"`
}

// QueueConfig configures every per-backend crash-proof queue.
type QueueConfig struct {
	MaxWaiting             int           `mapstructure:"max_waiting"`
	TimeoutS               int           `mapstructure:"timeout_s"`
	PriorityEnabled        bool          `mapstructure:"priority_enabled"`
	PersistenceEnabled     bool          `mapstructure:"persistence_enabled"`
	RecoveryCheckInterval  time.Duration `mapstructure:"recovery_check_interval_s"`
	MaxRetries             int           `mapstructure:"max_retries"`
	RetentionAfterTerminal time.Duration `mapstructure:"retention_after_terminal"`
}

// AutoSwitchConfig configures the usage-pattern-driven backend switcher.
type AutoSwitchConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	PatternWindowDays    int           `mapstructure:"pattern_window_days"`
	MinRequestsForSwitch int           `mapstructure:"min_requests_for_switch"`
	SwitchCooldown       time.Duration `mapstructure:"switch_cooldown_minutes"`
}

// MongoConfig configures the persistent document store (the Persistent Store).
type MongoConfig struct {
	URI                      string        `mapstructure:"uri"`
	Database                 string        `mapstructure:"database"`
	QueueStateCollection     string        `mapstructure:"queue_state_collection"`
	RequestHistoryCollection string        `mapstructure:"request_history_collection"`
	ConnectTimeout           time.Duration `mapstructure:"connect_timeout"`
}

// CircuitBreaker guards the health-poll loop a starting backend is put
// through: repeated non-200 answers trip it (probes that cannot connect yet
// are not counted) so a failing child fails fast instead of being polled for
// the full timeout.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type ObservabilityConfig struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type Config struct {
	Backends       map[string]BackendConfig `mapstructure:"backends"`
	Queue          QueueConfig              `mapstructure:"queue"`
	AutoSwitch     AutoSwitchConfig         `mapstructure:"auto_switch"`
	Mongo          MongoConfig              `mapstructure:"mongo"`
	CircuitBreaker CircuitBreaker           `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig      `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Backends: map[string]BackendConfig{},
		Queue: QueueConfig{
			MaxWaiting:             100,
			TimeoutS:               300,
			PriorityEnabled:        true,
			PersistenceEnabled:     true,
			RecoveryCheckInterval:  60 * time.Second,
			MaxRetries:             3,
			RetentionAfterTerminal: 24 * time.Hour,
		},
		AutoSwitch: AutoSwitchConfig{
			Enabled:              true,
			PatternWindowDays:    7,
			MinRequestsForSwitch: 10,
			SwitchCooldown:       5 * time.Minute,
		},
		Mongo: MongoConfig{
			URI:                      "mongodb://localhost:27017",
			Database:                 "gateway",
			QueueStateCollection:     "queue_state",
			RequestHistoryCollection: "request_history",
			ConnectTimeout:           10 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           30 * time.Second,
			CooldownPeriod:   15 * time.Second,
			MinSamples:       3,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from a YAML file and environment overrides.
// ${VAR} placeholders in the raw file are expanded against the process
// environment before the YAML is parsed.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("queue.max_waiting", def.Queue.MaxWaiting)
	v.SetDefault("queue.timeout_s", def.Queue.TimeoutS)
	v.SetDefault("queue.priority_enabled", def.Queue.PriorityEnabled)
	v.SetDefault("queue.persistence_enabled", def.Queue.PersistenceEnabled)
	v.SetDefault("queue.recovery_check_interval_s", def.Queue.RecoveryCheckInterval)
	v.SetDefault("queue.max_retries", def.Queue.MaxRetries)
	v.SetDefault("queue.retention_after_terminal", def.Queue.RetentionAfterTerminal)

	v.SetDefault("auto_switch.enabled", def.AutoSwitch.Enabled)
	v.SetDefault("auto_switch.pattern_window_days", def.AutoSwitch.PatternWindowDays)
	v.SetDefault("auto_switch.min_requests_for_switch", def.AutoSwitch.MinRequestsForSwitch)
	v.SetDefault("auto_switch.switch_cooldown_minutes", def.AutoSwitch.SwitchCooldown)

	v.SetDefault("mongo.uri", def.Mongo.URI)
	v.SetDefault("mongo.database", def.Mongo.Database)
	v.SetDefault("mongo.queue_state_collection", def.Mongo.QueueStateCollection)
	v.SetDefault("mongo.request_history_collection", def.Mongo.RequestHistoryCollection)
	v.SetDefault("mongo.connect_timeout", def.Mongo.ConnectTimeout)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	if raw, err := os.ReadFile(path); err == nil {
		expanded := os.ExpandEnv(string(raw))
		if err := v.ReadConfig(strings.NewReader(expanded)); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Backends == nil {
		cfg.Backends = map[string]BackendConfig{}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Queue.MaxWaiting < 1 {
		return fmt.Errorf("queue.max_waiting must be >= 1")
	}
	if cfg.Queue.TimeoutS <= 0 {
		return fmt.Errorf("queue.timeout_s must be > 0")
	}
	if cfg.Queue.RecoveryCheckInterval <= 0 {
		return fmt.Errorf("queue.recovery_check_interval_s must be > 0")
	}
	if cfg.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	if cfg.AutoSwitch.PatternWindowDays < 1 {
		return fmt.Errorf("auto_switch.pattern_window_days must be >= 1")
	}
	if cfg.AutoSwitch.MinRequestsForSwitch < 1 {
		return fmt.Errorf("auto_switch.min_requests_for_switch must be >= 1")
	}
	if cfg.AutoSwitch.SwitchCooldown <= 0 {
		return fmt.Errorf("auto_switch.switch_cooldown_minutes must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	for name, b := range cfg.Backends {
		if b.Port <= 0 || b.Port > 65535 {
			return fmt.Errorf("backends.%s.port must be 1..65535", name)
		}
		if b.GPUMemoryFrac <= 0 || b.GPUMemoryFrac > 1 {
			return fmt.Errorf("backends.%s.gpu_memory must be in (0,1]", name)
		}
		if b.MaxModelLen <= 0 {
			return fmt.Errorf("backends.%s.max_model_len must be > 0", name)
		}
		if b.MaxConcurrent <= 0 {
			return fmt.Errorf("backends.%s.max_concurrent must be > 0", name)
		}
		if b.ResolutionMode != "" && !ValidResolution(b.ResolutionMode) {
			return fmt.Errorf("backends.%s.resolution_mode %q is not a recognized resolution", name, b.ResolutionMode)
		}
	}
	return nil
}

// ValidResolutions is the closed set of OCR resolution labels (spec.md §6).
// Exported so runtime callers outside this package (the BLM, the admin
// surface) can reject an unrecognized resolution the same way config
// validation does, rather than only catching it at load time.
var ValidResolutions = map[string]struct{}{
	"tiny": {}, "small": {}, "base": {}, "large": {}, "gundam": {},
}

// ValidResolution reports whether r is one of ValidResolutions.
func ValidResolution(r string) bool {
	_, ok := ValidResolutions[r]
	return ok
}
