// Package config loads the relay's configuration: defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Addr string `envconfig:"ASKRELAY_ADDR" yaml:"addr"`

	Store    StoreConfig    `yaml:"store"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Persona  PersonaConfig  `yaml:"persona"`
	CORS     CORSConfig     `yaml:"cors"`

	// TrustedProxies may set X-Forwarded-For; the requester is the socket
	// address otherwise.
	TrustedProxies []string `envconfig:"ASKRELAY_TRUSTED_PROXIES" yaml:"trusted_proxies"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

// StoreConfig selects the request log backend.
type StoreConfig struct {
	Driver string `envconfig:"ASKRELAY_STORE_DRIVER" yaml:"driver"` // sqlite | memory
	Path   string `envconfig:"ASKRELAY_DB_PATH" yaml:"path"`
}

// UpstreamConfig describes the chat-completion API.
type UpstreamConfig struct {
	Backend     string        `envconfig:"ASKRELAY_UPSTREAM_BACKEND" yaml:"backend"` // openrouter | static
	BaseURL     string        `envconfig:"ASKRELAY_UPSTREAM_URL" yaml:"base_url"`
	APIKey      string        `envconfig:"OPENROUTER_API_KEY" yaml:"api_key"`
	Timeout     time.Duration `envconfig:"ASKRELAY_UPSTREAM_TIMEOUT" yaml:"timeout"`
	Referer     string        `envconfig:"ASKRELAY_UPSTREAM_REFERER" yaml:"referer"`
	Title       string        `envconfig:"ASKRELAY_UPSTREAM_TITLE" yaml:"title"`
	StaticReply string        `envconfig:"ASKRELAY_STATIC_REPLY" yaml:"static_reply"`
}

// PersonaConfig is the fixed conversation setup injected into every call.
type PersonaConfig struct {
	Model            string `envconfig:"ASKRELAY_MODEL" yaml:"model"`
	SystemPrompt     string `envconfig:"ASKRELAY_SYSTEM_PROMPT" yaml:"system_prompt"`
	SystemPromptFile string `envconfig:"ASKRELAY_SYSTEM_PROMPT_FILE" yaml:"system_prompt_file"`
}

// CORSConfig is the browser origin allow-list.
type CORSConfig struct {
	Origins          []string `envconfig:"ASKRELAY_CORS_ORIGINS" yaml:"origins"`
	AllowCredentials bool     `envconfig:"ASKRELAY_CORS_CREDENTIALS" yaml:"allow_credentials"`
}

// RateLimitConfig enables per-client limiting when RPS > 0.
type RateLimitConfig struct {
	RPS   float64 `envconfig:"ASKRELAY_RATE_LIMIT_RPS" yaml:"rps"`
	Burst int     `envconfig:"ASKRELAY_RATE_LIMIT_BURST" yaml:"burst"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `envconfig:"ASKRELAY_LOG_LEVEL" yaml:"level"`
	Mode  string `envconfig:"ASKRELAY_LOG_MODE" yaml:"mode"`
}

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"

	BackendOpenRouter = "openrouter"
	BackendStatic     = "static"

	defaultModel        = "meta-llama/llama-3.3-8b-instruct:free"
	defaultSystemPrompt = "You are a concise, helpful assistant. Answer in the language of the question."
	dbFileName          = "prompts.db"
)

// Load loads configuration from the optional YAML file at configPath and the
// environment, in that order of precedence (environment wins).
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	setDefaults(cfg)

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.resolvePrompt(configPath); err != nil {
		return nil, err
	}
	cfg.resolveStorePath(configPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Addr = ":8000"
	cfg.Store = StoreConfig{
		Driver: DriverSQLite,
		Path:   DefaultDBPath(),
	}
	cfg.Upstream = UpstreamConfig{
		Backend:     BackendOpenRouter,
		BaseURL:     "https://openrouter.ai/api/v1",
		Timeout:     60 * time.Second,
		StaticReply: "static reply",
	}
	cfg.Persona = PersonaConfig{
		Model:        defaultModel,
		SystemPrompt: defaultSystemPrompt,
	}
	cfg.CORS = CORSConfig{
		Origins:          []string{"http://localhost:3000"},
		AllowCredentials: true,
	}
	cfg.RateLimit = RateLimitConfig{RPS: 0, Burst: 10}
	cfg.Log = LogConfig{Level: "info", Mode: "dev"}
}

// DefaultDBPath places the database next to the running executable so the
// location does not depend on the working directory.
func DefaultDBPath() string {
	return filepath.Join(executableDir(), dbFileName)
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

// resolveStorePath anchors a relative store.path to the config file's
// directory, or to the executable's directory when no file was given, so the
// log location never depends on the working directory.
func (c *Config) resolveStorePath(configPath string) {
	path := strings.TrimSpace(c.Store.Path)
	if path == "" || filepath.IsAbs(path) {
		return
	}
	base := executableDir()
	if configPath != "" {
		if abs, err := filepath.Abs(filepath.Dir(configPath)); err == nil {
			base = abs
		}
	}
	c.Store.Path = filepath.Join(base, path)
}

// resolvePrompt replaces the inline prompt with the prompt file's contents.
// Relative prompt files are resolved against the config file's directory.
func (c *Config) resolvePrompt(configPath string) error {
	path := strings.TrimSpace(c.Persona.SystemPromptFile)
	if path == "" {
		return nil
	}
	if !filepath.IsAbs(path) && configPath != "" {
		path = filepath.Join(filepath.Dir(configPath), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading system prompt file: %w", err)
	}
	c.Persona.SystemPrompt = strings.TrimSpace(string(data))
	return nil
}

// Validate checks the configuration. The upstream API key is
// not required: a missing key surfaces on the first upstream call.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr must not be empty")
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Upstream.Backend {
	case BackendOpenRouter:
		if strings.TrimSpace(c.Upstream.BaseURL) == "" {
			return fmt.Errorf("upstream.base_url must not be empty")
		}
	case BackendStatic:
	default:
		return fmt.Errorf("unknown upstream.backend %q", c.Upstream.Backend)
	}
	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout must not be negative")
	}
	if strings.TrimSpace(c.Persona.Model) == "" {
		return fmt.Errorf("persona.model must not be empty")
	}
	if strings.TrimSpace(c.Persona.SystemPrompt) == "" {
		return fmt.Errorf("persona.system_prompt must not be empty")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit.rps must not be negative")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1 when rate limiting is enabled")
	}
	return nil
}
