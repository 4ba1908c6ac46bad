package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level switchboard configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Registry  RegistryConfig  `yaml:"registry"`
	Routing   RoutingConfig   `yaml:"routing"`
	Spawn     SpawnConfig     `yaml:"spawn"`
	Ops       OpsConfig       `yaml:"ops"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// RegistryConfig controls discovery and health probing.
type RegistryConfig struct {
	SelfID              string        `yaml:"self_id"`
	CoordinatorURL      string        `yaml:"coordinator_url"`
	HealthInterval      time.Duration `yaml:"health_interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	MaxConcurrentProbes int           `yaml:"max_concurrent_probes"`
	MDNS                bool          `yaml:"mdns"`
	Agents              []AgentConfig `yaml:"agents,omitempty"` // registered at boot
}

// AgentConfig is a statically configured agent.
type AgentConfig struct {
	ID           string             `yaml:"id"`
	Name         string             `yaml:"name"`
	Description  string             `yaml:"description,omitempty"`
	URL          string             `yaml:"url,omitempty"`
	Hosting      string             `yaml:"hosting"`
	Capabilities []CapabilityConfig `yaml:"capabilities"`
}

// CapabilityConfig is one advertised capability of a static agent.
type CapabilityConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Weight      float64  `yaml:"weight"`
	Tags        []string `yaml:"tags,omitempty"`
}

// RoutingConfig controls classification and delegation.
type RoutingConfig struct {
	GatewayURL           string               `yaml:"gateway_url"` // shared entry for in-process and container agents
	DelegationTimeout    time.Duration        `yaml:"delegation_timeout"`
	MaxAttempts          int                  `yaml:"max_attempts"`
	CategoryCapabilities map[string]string    `yaml:"category_capabilities,omitempty"`
	ConnTimeout          time.Duration        `yaml:"conn_timeout"`
	CircuitBreaker       CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pool                 PoolConfig           `yaml:"pool"`
}

// CircuitBreakerConfig holds per-agent delegation breaker settings.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for outbound calls.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// SpawnConfig controls role cards and the authorization gates.
type SpawnConfig struct {
	RoleCardDir string `yaml:"role_card_dir"`
	// ChainOfCommand maps a requester role to the spawn types it may create.
	// When empty the built-in matrix applies.
	ChainOfCommand map[string][]string `yaml:"chain_of_command,omitempty"`
	// AuditFile, when set, mirrors every audit entry to a JSONL file.
	AuditFile string `yaml:"audit_file,omitempty"`
}

// OpsConfig selects where lifecycle registrations are announced.
type OpsConfig struct {
	Sink    string         `yaml:"sink"` // "", "noop", "redis" or "kafka"
	Timeout time.Duration  `yaml:"timeout"`
	Redis   RedisOpsConfig `yaml:"redis"`
	Kafka   KafkaOpsConfig `yaml:"kafka"`
}

// RedisOpsConfig configures the Redis ops sink.
type RedisOpsConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Channel   string `yaml:"channel"`
	RosterKey string `yaml:"roster_key"`
}

// KafkaOpsConfig configures the Kafka ops sink.
type KafkaOpsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// GatewayConfig holds HTTP/WebSocket gateway settings.
type GatewayConfig struct {
	Enabled      bool            `yaml:"enabled"`
	Addr         string          `yaml:"addr"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-client gateway rate limits.
type RateLimitConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// SchedulerConfig holds recurring maintenance jobs.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled job.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`   // refresh_directory, discover, health_check
}

// Defaults returns a Config with the documented defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			ServiceName: "switchboard",
		},
		Registry: RegistryConfig{
			SelfID:         "router-ang",
			HealthInterval: 60 * time.Second,
			ProbeTimeout:   5 * time.Second,
		},
		Routing: RoutingConfig{
			DelegationTimeout: 120 * time.Second,
			MaxAttempts:       3,
			ConnTimeout:       10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 3,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Spawn: SpawnConfig{
			RoleCardDir: "./role-cards",
		},
		Ops: OpsConfig{
			Sink:    "noop",
			Timeout: 5 * time.Second,
			Redis: RedisOpsConfig{
				Addr:      "localhost:6379",
				Channel:   "switchboard:ops",
				RosterKey: "switchboard:roster",
			},
			Kafka: KafkaOpsConfig{
				Topic: "switchboard.ops",
			},
		},
		Gateway: GatewayConfig{
			Enabled:      true,
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: 600,
				Burst:          50,
			},
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Tasks: []ScheduledTaskConfig{
				{Name: "directory-refresh", Schedule: "5m", Action: ActionRefreshDirectory},
			},
		},
	}
}

// Scheduled job actions.
const (
	ActionRefreshDirectory = "refresh_directory"
	ActionDiscover         = "discover"
	ActionHealthCheck      = "health_check"
)

// Load reads a YAML config file, applies env overrides and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		inc := &includer{visited: map[string]bool{absPath: true}}
		if err := inc.apply(cfg, filepath.Dir(absPath), 0); err != nil {
			return nil, err
		}
		// Re-apply the main file so it wins over anything it included.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("SWITCHBOARD_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
