// Package config loads and validates the service configuration from a
// YAML file. Environment variables referenced as ${VAR} in the file are
// expanded before parsing, so secrets such as API keys stay out of the
// file itself. Duration fields are written as Go duration strings
// ("30s", "10m") and parsed after unmarshaling.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the service.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Locks   LocksConfig   `yaml:"locks"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ReadTimeout     time.Duration `yaml:"-"`
	WriteTimeout    time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling.
	ReadTimeoutRaw     string `yaml:"read_timeout"`
	WriteTimeoutRaw    string `yaml:"write_timeout"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// Addr returns the host:port pair the gateway listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig selects and configures the inference backend.
type LLMConfig struct {
	// Provider is "anthropic" or "openai". Empty defaults to "anthropic".
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider. Usually set via
	// ${ANTHROPIC_API_KEY} or ${OPENAI_API_KEY} in the config file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint, mainly for proxies and
	// tests.
	BaseURL string `yaml:"base_url"`

	Model        string `yaml:"model"`
	MaxTokens    int    `yaml:"max_tokens"`
	MaxRetries   int    `yaml:"max_retries"`
	SystemPrompt string `yaml:"system_prompt"`

	RetryDelay time.Duration `yaml:"-"`

	RetryDelayRaw string `yaml:"retry_delay"`
}

// LocksConfig tunes the per-conversation lock machinery.
type LocksConfig struct {
	// AcquireTimeout bounds waiting acquires on the queued path.
	AcquireTimeout time.Duration `yaml:"-"`

	// CallDeadline bounds each inference call made under a lock.
	CallDeadline time.Duration `yaml:"-"`

	// WatchdogInterval is how often held locks are inspected.
	WatchdogInterval time.Duration `yaml:"-"`

	// WatchdogThreshold is the hold duration above which a lock is
	// reported as long-held.
	WatchdogThreshold time.Duration `yaml:"-"`

	// ReaperInterval is how often idle lock entries are swept.
	ReaperInterval time.Duration `yaml:"-"`

	// ReaperTTL is how long an unlocked entry may sit idle before it
	// is evicted.
	ReaperTTL time.Duration `yaml:"-"`

	AcquireTimeoutRaw    string `yaml:"acquire_timeout"`
	CallDeadlineRaw      string `yaml:"call_deadline"`
	WatchdogIntervalRaw  string `yaml:"watchdog_interval"`
	WatchdogThresholdRaw string `yaml:"watchdog_threshold"`
	ReaperIntervalRaw    string `yaml:"reaper_interval"`
	ReaperTTLRaw         string `yaml:"reaper_ttl"`
}

// StorageConfig configures transcript persistence.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Ignored for the memory driver.
	Path string `yaml:"path"`

	// HistoryLimit caps how many prior exchanges are replayed into
	// each prompt.
	HistoryLimit int `yaml:"history_limit"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Load reads the configuration file at path, expands ${VAR} references
// from the environment, parses it, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes. Load is the usual entry
// point; Parse exists for tests and embedded configs.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// parseDurations converts the raw duration strings into time.Duration
// values. Empty strings stay zero and pick up defaults later.
func (c *Config) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_timeout", c.Server.ReadTimeoutRaw, &c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeoutRaw, &c.Server.WriteTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeoutRaw, &c.Server.ShutdownTimeout},
		{"llm.retry_delay", c.LLM.RetryDelayRaw, &c.LLM.RetryDelay},
		{"locks.acquire_timeout", c.Locks.AcquireTimeoutRaw, &c.Locks.AcquireTimeout},
		{"locks.call_deadline", c.Locks.CallDeadlineRaw, &c.Locks.CallDeadline},
		{"locks.watchdog_interval", c.Locks.WatchdogIntervalRaw, &c.Locks.WatchdogInterval},
		{"locks.watchdog_threshold", c.Locks.WatchdogThresholdRaw, &c.Locks.WatchdogThreshold},
		{"locks.reaper_interval", c.Locks.ReaperIntervalRaw, &c.Locks.ReaperInterval},
		{"locks.reaper_ttl", c.Locks.ReaperTTLRaw, &c.Locks.ReaperTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 2
	}
	if c.LLM.RetryDelay == 0 {
		c.LLM.RetryDelay = time.Second
	}

	if c.Locks.AcquireTimeout == 0 {
		c.Locks.AcquireTimeout = 5 * time.Second
	}
	if c.Locks.CallDeadline == 0 {
		c.Locks.CallDeadline = 60 * time.Second
	}
	if c.Locks.WatchdogInterval == 0 {
		c.Locks.WatchdogInterval = 10 * time.Second
	}
	if c.Locks.WatchdogThreshold == 0 {
		c.Locks.WatchdogThreshold = 30 * time.Second
	}
	if c.Locks.ReaperInterval == 0 {
		c.Locks.ReaperInterval = 30 * time.Second
	}
	if c.Locks.ReaperTTL == 0 {
		c.Locks.ReaperTTL = 10 * time.Minute
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "convolock.db"
	}
	if c.Storage.HistoryLimit == 0 {
		c.Storage.HistoryLimit = 50
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be \"anthropic\" or \"openai\", got %q", c.LLM.Provider)
	}

	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver must be \"sqlite\" or \"memory\", got %q", c.Storage.Driver)
	}

	if c.Locks.AcquireTimeout < 0 {
		return fmt.Errorf("locks.acquire_timeout must not be negative")
	}
	if c.Locks.CallDeadline <= 0 {
		return fmt.Errorf("locks.call_deadline must be positive")
	}
	if c.Locks.WatchdogThreshold <= 0 {
		return fmt.Errorf("locks.watchdog_threshold must be positive")
	}
	if c.Locks.ReaperTTL <= 0 {
		return fmt.Errorf("locks.reaper_ttl must be positive")
	}

	return nil
}
