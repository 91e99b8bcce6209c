// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Engine      EngineConfig      `mapstructure:"engine" yaml:"engine"`
	Decision    DecisionConfig    `mapstructure:"decision" yaml:"decision"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instance that hosts the page.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	StartURL          string         `mapstructure:"start_url" yaml:"start_url"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// Highlight outlines each target element for this long before it is
	// touched. Zero disables it.
	Highlight time.Duration `mapstructure:"highlight" yaml:"highlight"`
}

// EngineConfig tunes the page-bound execution loop.
type EngineConfig struct {
	MaxSteps           int           `mapstructure:"max_steps" yaml:"max_steps"`
	ReadyTimeout       time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	ReadyPollInterval  time.Duration `mapstructure:"ready_poll_interval" yaml:"ready_poll_interval"`
	UserReplyTimeout   time.Duration `mapstructure:"user_reply_timeout" yaml:"user_reply_timeout"`
	CancelPollInterval time.Duration `mapstructure:"cancel_poll_interval" yaml:"cancel_poll_interval"`
	Screenshots        bool          `mapstructure:"screenshots" yaml:"screenshots"`
	MaxMarkupLength    int           `mapstructure:"max_markup_length" yaml:"max_markup_length"`
	MaxElements        int           `mapstructure:"max_elements" yaml:"max_elements"`
}

// DecisionConfig points the engine at the remote decision service.
type DecisionConfig struct {
	Endpoint      string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey        string        `mapstructure:"api_key" yaml:"-"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
	RateLimit     float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst         int           `mapstructure:"burst" yaml:"burst"`
	ScriptFile    string        `mapstructure:"script_file" yaml:"script_file"`
}

// SessionConfig controls how contexts look up a session another context may be creating.
type SessionConfig struct {
	Key            string        `mapstructure:"key" yaml:"key"`
	LookupAttempts int           `mapstructure:"lookup_attempts" yaml:"lookup_attempts"`
	LookupInterval time.Duration `mapstructure:"lookup_interval" yaml:"lookup_interval"`
}

// CoordinatorConfig tunes the privileged context.
type CoordinatorConfig struct {
	SettleDelay        time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	DeliveryRetryDelay time.Duration `mapstructure:"delivery_retry_delay" yaml:"delivery_retry_delay"`
	MailboxSize        int           `mapstructure:"mailbox_size" yaml:"mailbox_size"`
}

// StoreConfig selects the durable key-value backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
	DSN    string `mapstructure:"dsn" yaml:"-"`
	Table  string `mapstructure:"table" yaml:"table"`
}

// ServerConfig holds settings for the HTTP and websocket surface.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagepilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.start_url", "about:blank")
	v.SetDefault("browser.viewport", map[string]int{"width": 1366, "height": 900})
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.highlight", "0s")

	// -- Engine --
	v.SetDefault("engine.max_steps", 50)
	v.SetDefault("engine.ready_timeout", "10s")
	v.SetDefault("engine.ready_poll_interval", "200ms")
	v.SetDefault("engine.user_reply_timeout", "5m")
	v.SetDefault("engine.cancel_poll_interval", "250ms")
	v.SetDefault("engine.screenshots", true)
	v.SetDefault("engine.max_markup_length", 300)
	v.SetDefault("engine.max_elements", 250)

	// -- Decision service --
	v.SetDefault("decision.endpoint", "http://localhost:8000/api")
	v.SetDefault("decision.timeout", "30s")
	v.SetDefault("decision.max_attempts", 3)
	v.SetDefault("decision.retry_delay", "1s")
	v.SetDefault("decision.max_retry_delay", "5s")
	v.SetDefault("decision.rate_limit", 2.0)
	v.SetDefault("decision.burst", 1)

	// -- Session --
	v.SetDefault("session.key", "pagepilot/session/current")
	v.SetDefault("session.lookup_attempts", 3)
	v.SetDefault("session.lookup_interval", "200ms")

	// -- Coordinator --
	v.SetDefault("coordinator.settle_delay", "500ms")
	v.SetDefault("coordinator.delivery_retry_delay", "250ms")
	v.SetDefault("coordinator.mailbox_size", 64)

	// -- Store --
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "~/.pagepilot/state.db")
	v.SetDefault("store.table", "pagepilot_kv")

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8000")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are only ever taken from the environment.
	_ = v.BindEnv("decision.api_key", "PAGEPILOT_DECISION_API_KEY")
	_ = v.BindEnv("store.dsn", "PAGEPILOT_STORE_DSN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if strings.HasPrefix(cfg.Store.Path, "~") {
		expanded, err := homedir.Expand(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand store.path: %w", err)
		}
		cfg.Store.Path = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration invalid: %w", err)
	}
	if err := c.Decision.Validate(); err != nil {
		return fmt.Errorf("decision configuration invalid: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session configuration invalid: %w", err)
	}
	if err := c.Coordinator.Validate(); err != nil {
		return fmt.Errorf("coordinator configuration invalid: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the EngineConfig settings.
func (e *EngineConfig) Validate() error {
	if e.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be greater than 0")
	}
	if e.ReadyTimeout <= 0 || e.ReadyPollInterval <= 0 {
		return fmt.Errorf("ready_timeout and ready_poll_interval must be positive durations")
	}
	if e.UserReplyTimeout <= 0 {
		return fmt.Errorf("user_reply_timeout must be a positive duration")
	}
	if e.CancelPollInterval <= 0 {
		return fmt.Errorf("cancel_poll_interval must be a positive duration")
	}
	return nil
}

// Validate checks the DecisionConfig settings.
func (d *DecisionConfig) Validate() error {
	if d.ScriptFile == "" && d.Endpoint == "" {
		return fmt.Errorf("either endpoint or script_file is required")
	}
	if d.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be greater than 0")
	}
	if d.RetryDelay < 0 || d.MaxRetryDelay < 0 {
		return fmt.Errorf("retry delays cannot be negative")
	}
	if d.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative")
	}
	return nil
}

// Validate checks the SessionConfig settings.
func (s *SessionConfig) Validate() error {
	if s.Key == "" {
		return fmt.Errorf("key is required")
	}
	if s.LookupAttempts <= 0 {
		return fmt.Errorf("lookup_attempts must be greater than 0")
	}
	return nil
}

// Validate checks the CoordinatorConfig settings.
func (c *CoordinatorConfig) Validate() error {
	if c.SettleDelay < 0 || c.DeliveryRetryDelay < 0 {
		return fmt.Errorf("delays cannot be negative")
	}
	if c.MailboxSize <= 0 {
		return fmt.Errorf("mailbox_size must be greater than 0")
	}
	return nil
}

// Validate checks the StoreConfig settings.
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case DriverMemory:
	case DriverSQLite:
		if s.Path == "" {
			return fmt.Errorf("path is required for the sqlite driver")
		}
	case DriverPostgres:
		if s.DSN == "" {
			return fmt.Errorf("dsn is required for the postgres driver. Ensure PAGEPILOT_STORE_DSN is set")
		}
	default:
		return fmt.Errorf("unknown driver %q", s.Driver)
	}
	if s.Table == "" {
		return fmt.Errorf("table is required")
	}
	return nil
}
