// ABOUTME: Configuration loading and parsing for pairroom-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete pairroom-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Rooms     RoomsConfig     `yaml:"rooms" toml:"rooms"`
	Execution ExecutionConfig `yaml:"execution" toml:"execution"`
	Mirror    MirrorConfig    `yaml:"mirror" toml:"mirror"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // health service only; empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"`
}

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// DatabaseConfig selects the history store backing the persistence bridge
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"` // sqlite
	URL    string `yaml:"url" toml:"url"`   // postgres
}

// AuthConfig holds identity token verification configuration.
// An empty secret means identify payloads are trusted as-is.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// RoomsConfig holds room registry tuning
type RoomsConfig struct {
	TypingTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`
	ChatCapacity  int           `yaml:"chat_capacity" toml:"chat_capacity"`

	TypingTimeoutRaw string `yaml:"typing_timeout" toml:"typing_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// ExecutionConfig holds the execution collaborator endpoint and dispatcher policy
type ExecutionConfig struct {
	Endpoint           string  `yaml:"endpoint" toml:"endpoint"`
	MaxAttempts        int     `yaml:"max_attempts" toml:"max_attempts"`
	Jitter             float64 `yaml:"jitter" toml:"jitter"`
	CompileMemoryLimit int64   `yaml:"compile_memory_limit" toml:"compile_memory_limit"`
	RunMemoryLimit     int64   `yaml:"run_memory_limit" toml:"run_memory_limit"`
	QueueSize          int     `yaml:"queue_size" toml:"queue_size"`

	MinInterval    time.Duration `yaml:"-" toml:"-"`
	BaseDelay      time.Duration `yaml:"-" toml:"-"`
	MaxDelay       time.Duration `yaml:"-" toml:"-"`
	CompileTimeout time.Duration `yaml:"-" toml:"-"`
	RunTimeout     time.Duration `yaml:"-" toml:"-"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	MinIntervalRaw    string `yaml:"min_interval" toml:"min_interval"`
	BaseDelayRaw      string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw       string `yaml:"max_delay" toml:"max_delay"`
	CompileTimeoutRaw string `yaml:"compile_timeout" toml:"compile_timeout"`
	RunTimeoutRaw     string `yaml:"run_timeout" toml:"run_timeout"`
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// MirrorConfig holds the optional Redis event mirror configuration
type MirrorConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	ChannelPrefix string `yaml:"channel_prefix" toml:"channel_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults
const (
	DefaultHTTPAddr       = "0.0.0.0:8080"
	DefaultTypingTimeout  = 3 * time.Second
	DefaultSweepInterval  = time.Second
	DefaultChatCapacity   = 100
	DefaultEndpoint       = "https://emkc.org/api/v2/piston"
	DefaultMinInterval    = 300 * time.Millisecond
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 8 * time.Second
	DefaultJitter         = 0.2
	DefaultCompileTimeout = 10 * time.Second
	DefaultRunTimeout     = 5 * time.Second
	DefaultRequestTimeout = 20 * time.Second
	DefaultQueueSize      = 256
	DefaultChannelPrefix  = "pairroom:room:"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := seed()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// running without a config file.
func Default() *Config {
	cfg := seed()
	cfg.ApplyDefaults()
	return &cfg
}

// seed holds defaults whose zero value is meaningful, so they are set
// before decoding instead of in ApplyDefaults. An explicit jitter of 0
// disables jitter.
func seed() Config {
	var cfg Config
	cfg.Execution.Jitter = DefaultJitter
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}

	r := &c.Rooms
	if r.TypingTimeout == 0 {
		r.TypingTimeout = DefaultTypingTimeout
	}
	if r.SweepInterval == 0 {
		r.SweepInterval = DefaultSweepInterval
	}
	if r.ChatCapacity == 0 {
		r.ChatCapacity = DefaultChatCapacity
	}

	e := &c.Execution
	if e.Endpoint == "" {
		e.Endpoint = DefaultEndpoint
	}
	if e.MinInterval == 0 && e.MinIntervalRaw == "" {
		e.MinInterval = DefaultMinInterval
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	if e.BaseDelay == 0 {
		e.BaseDelay = DefaultBaseDelay
	}
	if e.MaxDelay == 0 {
		e.MaxDelay = DefaultMaxDelay
	}
	if e.CompileTimeout == 0 {
		e.CompileTimeout = DefaultCompileTimeout
	}
	if e.RunTimeout == 0 {
		e.RunTimeout = DefaultRunTimeout
	}
	if e.RequestTimeout == 0 {
		e.RequestTimeout = DefaultRequestTimeout
	}
	if e.QueueSize == 0 {
		e.QueueSize = DefaultQueueSize
	}

	if c.Mirror.ChannelPrefix == "" {
		c.Mirror.ChannelPrefix = DefaultChannelPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	case DriverNone:
	default:
		return fmt.Errorf("database.driver must be one of sqlite, postgres, none (got %q)", c.Database.Driver)
	}

	if c.Rooms.ChatCapacity < 1 {
		return fmt.Errorf("rooms.chat_capacity must be positive")
	}
	if c.Rooms.TypingTimeout < 0 || c.Rooms.SweepInterval < 0 {
		return fmt.Errorf("rooms durations must not be negative")
	}

	e := c.Execution
	if e.MaxAttempts < 1 {
		return fmt.Errorf("execution.max_attempts must be at least 1")
	}
	if e.MinInterval < 0 {
		return fmt.Errorf("execution.min_interval must not be negative")
	}
	if e.Jitter < 0 || e.Jitter >= 1 {
		return fmt.Errorf("execution.jitter must be in [0, 1)")
	}
	if e.MaxDelay < e.BaseDelay {
		return fmt.Errorf("execution.max_delay must be >= execution.base_delay")
	}

	if c.Mirror.Enabled && c.Mirror.RedisAddr == "" {
		return fmt.Errorf("mirror.redis_addr is required when mirror is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"rooms.typing_timeout", cfg.Rooms.TypingTimeoutRaw, &cfg.Rooms.TypingTimeout},
		{"rooms.sweep_interval", cfg.Rooms.SweepIntervalRaw, &cfg.Rooms.SweepInterval},
		{"execution.min_interval", cfg.Execution.MinIntervalRaw, &cfg.Execution.MinInterval},
		{"execution.base_delay", cfg.Execution.BaseDelayRaw, &cfg.Execution.BaseDelay},
		{"execution.max_delay", cfg.Execution.MaxDelayRaw, &cfg.Execution.MaxDelay},
		{"execution.compile_timeout", cfg.Execution.CompileTimeoutRaw, &cfg.Execution.CompileTimeout},
		{"execution.run_timeout", cfg.Execution.RunTimeoutRaw, &cfg.Execution.RunTimeout},
		{"execution.request_timeout", cfg.Execution.RequestTimeoutRaw, &cfg.Execution.RequestTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
