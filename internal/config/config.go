package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Gateway      GatewayConfig       `json:"gateway" yaml:"gateway"`
	LLM          LLMConfig           `json:"llm" yaml:"llm"`
	Server       ServerConfig        `json:"server" yaml:"server"`
	RateLimit    RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Cache        CacheConfig         `json:"cache" yaml:"cache"`
	Store        StoreConfig         `json:"store" yaml:"store"`
	Schema       SchemaConfig        `json:"schema" yaml:"schema"`
	QueryHistory []QueryHistoryEntry `json:"query_history" yaml:"query_history"`
	Settings     Settings            `json:"settings" yaml:"settings"`

	path string
}

// GatewayConfig describes the Hasura-compatible GraphQL gateway
type GatewayConfig struct {
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	AdminSecret string `json:"admin_secret,omitempty" yaml:"admin_secret,omitempty"`
	TimeoutSec  int    `json:"timeout_sec" yaml:"timeout_sec"`
}

// LLMConfig describes the chat-completion provider
type LLMConfig struct {
	Provider    string  `json:"provider" yaml:"provider"` // openai or gemini
	APIKey      string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSec  int     `json:"timeout_sec" yaml:"timeout_sec"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	ListenAddr      string `json:"listen_addr" yaml:"listen_addr"`
	DashboardAPIKey string `json:"dashboard_api_key,omitempty" yaml:"dashboard_api_key,omitempty"`
	JWTSecret       string `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`
	TokenTTLMin     int    `json:"token_ttl_min" yaml:"token_ttl_min"`
	URL             string `json:"url" yaml:"url"` // used by the chat client
	AppAPIKey       string `json:"app_api_key,omitempty" yaml:"app_api_key,omitempty"`
}

// RateLimitConfig is the token bucket applied per application
type RateLimitConfig struct {
	Rate   int `json:"rate" yaml:"rate"`
	PerSec int `json:"per_sec" yaml:"per_sec"`
}

// CacheConfig selects the introspection cache backend
type CacheConfig struct {
	Backend   string `json:"backend" yaml:"backend"` // memory or redis
	TTLSec    int    `json:"ttl_sec" yaml:"ttl_sec"`
	MaxSize   int    `json:"max_size" yaml:"max_size"`
	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`
	RedisDB   int    `json:"redis_db" yaml:"redis_db"`
}

// StoreConfig selects where application records are persisted
type StoreConfig struct {
	Backend          string `json:"backend" yaml:"backend"` // file or postgres
	Path             string `json:"path" yaml:"path"`
	PGService        string `json:"pg_service" yaml:"pg_service"`
	DSN              string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	FlushIntervalSec int    `json:"flush_interval_sec" yaml:"flush_interval_sec"`
}

// SchemaConfig tunes schema extraction and query validation
type SchemaConfig struct {
	MaxColumns    int `json:"max_columns" yaml:"max_columns"`
	MaxQueryDepth int `json:"max_query_depth" yaml:"max_query_depth"`
}

// Settings contains user preferences for the CLI and chat client
type Settings struct {
	MaxHistorySize  int  `json:"max_history_size" yaml:"max_history_size"`
	DefaultMaxLimit int  `json:"default_max_limit" yaml:"default_max_limit"`
	VimModeEnabled  bool `json:"vim_mode_enabled" yaml:"vim_mode_enabled"`
}

// QueryHistoryEntry represents a prompt asked from the CLI
type QueryHistoryEntry struct {
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
	Prompt        string    `json:"prompt" yaml:"prompt"`
	GeneratedQL   string    `json:"generated_query" yaml:"generated_query"`
	AppID         string    `json:"app_id" yaml:"app_id"`
	Pipeline      string    `json:"pipeline" yaml:"pipeline"`
	ExecutionTime float64   `json:"execution_time_ms" yaml:"execution_time_ms"`
	Success       bool      `json:"success" yaml:"success"`
	ErrorMessage  string    `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// DefaultConfig returns a new config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			TimeoutSec: 30,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-3.5-turbo",
			Temperature: 0.7,
			MaxTokens:   4096,
			TimeoutSec:  120,
		},
		Server: ServerConfig{
			ListenAddr:  ":8765",
			TokenTTLMin: 60,
			URL:         "http://localhost:8765",
		},
		RateLimit: RateLimitConfig{
			Rate:   30,
			PerSec: 60,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTLSec:  300,
			MaxSize: 100,
		},
		Store: StoreConfig{
			Backend:          "file",
			FlushIntervalSec: 30,
		},
		Schema: SchemaConfig{
			MaxColumns:    20,
			MaxQueryDepth: 4,
		},
		QueryHistory: []QueryHistoryEntry{},
		Settings: Settings{
			MaxHistorySize:  100,
			DefaultMaxLimit: 100,
			VimModeEnabled:  false,
		},
	}
}

var configDir = func() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "kartoza-pgql"), nil
}

// ConfigDir returns the configuration directory path
func ConfigDir() (string, error) {
	return configDir()
}

// ConfigPath returns the configuration file path
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// AppsPath returns the default location of the application store file
func AppsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "apps.json"), nil
}

// Load loads the configuration from the default path
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads the configuration from path, applying environment overrides.
// A missing file yields the defaults.
func LoadFrom(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = ConfigPath(); err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if cfg.QueryHistory == nil {
		cfg.QueryHistory = []QueryHistoryEntry{}
	}
	cfg.path = path
	cfg.ApplyEnv()
	cfg.ResolveSecrets()
	return cfg, nil
}

// Save writes the configuration back to the file it was loaded from, or the
// default path
func (c *Config) Save() error {
	return c.SaveTo(c.path)
}

// SaveTo writes the configuration to path
func (c *Config) SaveTo(path string) error {
	if path == "" {
		var err error
		if path, err = ConfigPath(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := encode(path, c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func encode(path string, cfg *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return json.MarshalIndent(cfg, "", "  ")
}

// ApplyEnv overrides non-secret settings from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PROMPTQL_HASURA_GRAPHQL_ENDPOINT"); v != "" {
		c.Gateway.Endpoint = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.LLM.Temperature = f
		}
	}
	if v := os.Getenv("LLM_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LLM.MaxTokens = n
		}
	}
	if v := os.Getenv("PGQL_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("PGQL_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("PGQL_REDIS_ADDR"); v != "" {
		c.Cache.Backend = "redis"
		c.Cache.RedisAddr = v
	}
}

// AddQueryToHistory adds a query to the history
func (c *Config) AddQueryToHistory(entry QueryHistoryEntry) {
	c.QueryHistory = append([]QueryHistoryEntry{entry}, c.QueryHistory...)

	// Trim to max size
	if len(c.QueryHistory) > c.Settings.MaxHistorySize {
		c.QueryHistory = c.QueryHistory[:c.Settings.MaxHistorySize]
	}
}

// GatewayTimeout returns the gateway request timeout
func (c *Config) GatewayTimeout() time.Duration {
	return seconds(c.Gateway.TimeoutSec, 30)
}

// LLMTimeout returns the model request timeout
func (c *Config) LLMTimeout() time.Duration {
	return seconds(c.LLM.TimeoutSec, 120)
}

// CacheTTL returns how long introspection results stay cached
func (c *Config) CacheTTL() time.Duration {
	return seconds(c.Cache.TTLSec, 300)
}

// RateLimitPer returns the rate limit window
func (c *Config) RateLimitPer() time.Duration {
	return seconds(c.RateLimit.PerSec, 60)
}

// FlushInterval returns how often a dirty application store is re-persisted
func (c *Config) FlushInterval() time.Duration {
	return seconds(c.Store.FlushIntervalSec, 30)
}

// TokenTTL returns the lifetime of admin bearer tokens
func (c *Config) TokenTTL() time.Duration {
	if c.Server.TokenTTLMin <= 0 {
		return time.Hour
	}
	return time.Duration(c.Server.TokenTTLMin) * time.Minute
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
