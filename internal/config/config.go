package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the root configuration for the codetaskd service.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api"`
	Workers WorkersConfig `yaml:"workers"`
	Notify  NotifyConfig  `yaml:"notify"`
	Zombie  ZombieConfig  `yaml:"zombie"`
	Limits  LimitsConfig  `yaml:"limits"`
}

type ServiceConfig struct {
	LogLevel string `yaml:"log_level"`
	// CancelNonceTTL is how long an issued cancellation token stays valid.
	CancelNonceTTL time.Duration `yaml:"cancel_nonce_ttl"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type APIConfig struct {
	Listen string        `yaml:"listen"`
	Auth   APIAuthConfig `yaml:"auth"`
}

type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// WorkersConfig describes the fleet of execution workers. Specs entries use
// the form "location:url:priority", e.g. "mac:https://mac-worker.example:1".
type WorkersConfig struct {
	Specs               []string      `yaml:"specs"`
	HealthTimeout       time.Duration `yaml:"health_timeout"`
	HealthCacheTTL      time.Duration `yaml:"health_cache_ttl"`
	DispatchTimeout     time.Duration `yaml:"dispatch_timeout"`
	DispatchSecret      string        `yaml:"dispatch_secret"`
	GatewayClientID     string        `yaml:"gateway_client_id"`
	GatewayClientSecret string        `yaml:"gateway_client_secret"`
}

type NotifyConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ZombieConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	Interval   time.Duration `yaml:"interval"`
}

// LimitsConfig carries the per-user rate and cost limits. Zero values are
// replaced by defaults in applyDefaults.
type LimitsConfig struct {
	MaxPromptLength      int     `yaml:"max_prompt_length"`
	MaxConcurrentTasks   int     `yaml:"max_concurrent_tasks"`
	MaxTasksPerHour      int     `yaml:"max_tasks_per_hour"`
	EstimatedCostPerTask float64 `yaml:"estimated_cost_per_task"`
	DailyCostCap         float64 `yaml:"daily_cost_cap"`
	MonthlyCostCap       float64 `yaml:"monthly_cost_cap"`
}

// Load reads and parses configuration from a file, expanding ${ENV_VAR}
// references before unmarshalling.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	expanded := expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "INFO"
	}
	if cfg.Service.CancelNonceTTL <= 0 {
		cfg.Service.CancelNonceTTL = 15 * time.Minute
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8080"
	}
	if cfg.Workers.HealthTimeout <= 0 {
		cfg.Workers.HealthTimeout = 3 * time.Second
	}
	if cfg.Workers.HealthCacheTTL <= 0 {
		cfg.Workers.HealthCacheTTL = 5 * time.Second
	}
	if cfg.Workers.DispatchTimeout <= 0 {
		cfg.Workers.DispatchTimeout = 30 * time.Second
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = 5 * time.Second
	}
	if cfg.Zombie.StaleAfter <= 0 {
		cfg.Zombie.StaleAfter = 10 * time.Minute
	}
	if cfg.Zombie.Interval <= 0 {
		cfg.Zombie.Interval = 2 * time.Minute
	}
	if cfg.Limits.MaxPromptLength <= 0 {
		cfg.Limits.MaxPromptLength = 10000
	}
	if cfg.Limits.MaxConcurrentTasks <= 0 {
		cfg.Limits.MaxConcurrentTasks = 3
	}
	if cfg.Limits.MaxTasksPerHour <= 0 {
		cfg.Limits.MaxTasksPerHour = 10
	}
	if cfg.Limits.EstimatedCostPerTask <= 0 {
		cfg.Limits.EstimatedCostPerTask = 1.17
	}
	if cfg.Limits.DailyCostCap <= 0 {
		cfg.Limits.DailyCostCap = 20
	}
	if cfg.Limits.MonthlyCostCap <= 0 {
		cfg.Limits.MonthlyCostCap = 200
	}
}

func validate(cfg *Config) error {
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if len(cfg.Workers.Specs) == 0 {
		return fmt.Errorf("workers.specs is required (no workers configured)")
	}
	if cfg.Workers.DispatchSecret == "" {
		return fmt.Errorf("workers.dispatch_secret is required")
	}
	return nil
}
