package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"learnsync/internal/logging"
	dbconfig "learnsync/pkg/database"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LEARNSYNC_"

// ConfigFileEnv names the YAML file loaded by LoadConfigWithPrecedence.
const ConfigFileEnv = EnvPrefix + "CONFIG_FILE"

// Session store kinds.
const (
	SessionStoreSQLite = "sqlite"
	SessionStoreRedis  = "redis"
)

// Config is the agent's complete runtime configuration.
type Config struct {
	Database  dbconfig.Config `yaml:"database"`
	HTTP      HTTPConfig      `yaml:"http"`
	Backend   BackendConfig   `yaml:"backend"`
	Sync      SyncConfig      `yaml:"sync"`
	Session   SessionConfig   `yaml:"session"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   logging.Config  `yaml:"logging"`
}

// HTTPConfig is the local listen surface.
type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// SyncPerMinute caps manual sync requests per client address.
	SyncPerMinute int `yaml:"sync_per_minute"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// BackendConfig points the request pipeline at the platform API.
type BackendConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	ExemptPaths []string      `yaml:"exempt_paths"`
}

type SyncConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	SyncOnEnqueue bool          `yaml:"sync_on_enqueue"`
}

// SessionConfig selects where the session snapshot lives.
type SessionConfig struct {
	Store       string        `yaml:"store"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisDB     int           `yaml:"redis_db"`
	RedisPrefix string        `yaml:"redis_prefix"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`
}

// DefaultConfig returns settings for a single learner's agent talking to a
// backend on localhost.
func DefaultConfig() *Config {
	return &Config{
		Database: *dbconfig.DefaultConfig(),
		HTTP: HTTPConfig{
			Host:          "127.0.0.1",
			Port:          8787,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			SyncPerMinute: 30,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 15 * time.Second,
		},
		Sync: SyncConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Session: SessionConfig{
			Store:       SessionStoreSQLite,
			RedisPrefix: "learnsync:session:",
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.SyncPerMinute <= 0 {
		return errors.New("HTTP sync rate limit must be positive")
	}

	if c.Backend.BaseURL == "" {
		return errors.New("backend base URL cannot be empty")
	}
	if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		return fmt.Errorf("backend base URL %q must be http or https", c.Backend.BaseURL)
	}
	if c.Backend.Timeout <= 0 {
		return errors.New("backend timeout must be positive")
	}
	for _, p := range c.Backend.ExemptPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("exempt path %q must start with /", p)
		}
	}

	if c.Sync.ProbeInterval <= 0 {
		return errors.New("sync probe interval must be positive")
	}
	if c.Sync.ProbeTimeout <= 0 || c.Sync.ProbeTimeout > c.Sync.ProbeInterval {
		return errors.New("sync probe timeout must be positive and no longer than the interval")
	}

	switch c.Session.Store {
	case SessionStoreSQLite:
	case SessionStoreRedis:
		if c.Session.RedisAddr == "" {
			return errors.New("redis session store requires redis_addr")
		}
		if c.Session.RedisTTL < 0 {
			return errors.New("redis session TTL cannot be negative")
		}
	default:
		return fmt.Errorf("unknown session store %q", c.Session.Store)
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket intervals must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadFromEnv applies LEARNSYNC_* overrides on top of the defaults.
// Malformed values are ignored and the default kept.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envString("DATABASE_PATH", &c.Database.DatabasePath)
	envDuration("DATABASE_BUSY_TIMEOUT", &c.Database.BusyTimeout)

	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	envInt("HTTP_SYNC_PER_MINUTE", &c.HTTP.SyncPerMinute)

	envString("BACKEND_URL", &c.Backend.BaseURL)
	envDuration("BACKEND_TIMEOUT", &c.Backend.Timeout)
	if v := os.Getenv(EnvPrefix + "BACKEND_EXEMPT_PATHS"); v != "" {
		c.Backend.ExemptPaths = splitList(v)
	}

	envDuration("SYNC_PROBE_INTERVAL", &c.Sync.ProbeInterval)
	envDuration("SYNC_PROBE_TIMEOUT", &c.Sync.ProbeTimeout)
	envBool("SYNC_ON_ENQUEUE", &c.Sync.SyncOnEnqueue)

	envString("SESSION_STORE", &c.Session.Store)
	envString("REDIS_ADDR", &c.Session.RedisAddr)
	envInt("REDIS_DB", &c.Session.RedisDB)
	envString("REDIS_PREFIX", &c.Session.RedisPrefix)
	envDuration("REDIS_TTL", &c.Session.RedisTTL)

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)

	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadFromFile reads a YAML file over the defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := overlayFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func overlayFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence builds the configuration as
// file > environment > defaults. An empty path falls back to
// LEARNSYNC_CONFIG_FILE. Unlike LoadFromEnv, a broken file is an error.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}

	config := LoadFromEnv()
	if path != "" {
		if err := overlayFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
