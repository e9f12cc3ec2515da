// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on it rather than the concrete struct so tests can hand
// in a trimmed-down config.
type Interface interface {
	Logger() LoggerConfig
	Agent() AgentConfig
	Model() ModelConfig
	Remote() RemoteConfig
	Audit() AuditConfig
	Control() ControlConfig

	SetModelAPIKey(string)
	SetRemoteHeadless(bool)
	SetAgentMaxTurns(int)
}

// Config is the root configuration. Section fields are exported so viper can
// decode into them; callers should go through the getters.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	AgentCfg   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	ModelCfg   ModelConfig   `mapstructure:"model" yaml:"model"`
	RemoteCfg  RemoteConfig  `mapstructure:"remote" yaml:"remote"`
	AuditCfg   AuditConfig   `mapstructure:"audit" yaml:"audit"`
	ControlCfg ControlConfig `mapstructure:"control" yaml:"control"`
}

// --- Getters ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Agent() AgentConfig     { return c.AgentCfg }
func (c *Config) Model() ModelConfig     { return c.ModelCfg }
func (c *Config) Remote() RemoteConfig   { return c.RemoteCfg }
func (c *Config) Audit() AuditConfig     { return c.AuditCfg }
func (c *Config) Control() ControlConfig { return c.ControlCfg }

// --- Setters (CLI flag overrides) ---

func (c *Config) SetModelAPIKey(k string)  { c.ModelCfg.APIKey = k }
func (c *Config) SetRemoteHeadless(b bool) { c.RemoteCfg.Headless = b }
func (c *Config) SetAgentMaxTurns(n int)   { c.AgentCfg.MaxTurns = n }

var _ Interface = (*Config)(nil)

// LoggerConfig configures the global zap logger.
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

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// AgentConfig tunes the task runner, approval gate and executor.
type AgentConfig struct {
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout" yaml:"approval_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	WaitDuration    time.Duration `mapstructure:"wait_duration" yaml:"wait_duration"`
	// MaxTurns bounds observe/propose/act rounds per task.
	MaxTurns      int `mapstructure:"max_turns" yaml:"max_turns"`
	TaskQueueSize int `mapstructure:"task_queue_size" yaml:"task_queue_size"`
}

// ModelConfig selects and throttles the action-proposing model.
type ModelConfig struct {
	Provider          string        `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
}

// RemoteConfig describes the remote graphical surface.
type RemoteConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password"`
	Width    int    `mapstructure:"width" yaml:"width"`
	Height   int    `mapstructure:"height" yaml:"height"`
	Headless bool   `mapstructure:"headless" yaml:"headless"`
	// ExecPath overrides the browser binary when no Host is given.
	ExecPath  string `mapstructure:"exec_path" yaml:"exec_path"`
	HomePage  string `mapstructure:"home_page" yaml:"home_page"`
	SearchURL string `mapstructure:"search_url" yaml:"search_url"`
}

// AuditConfig enables persistence of tasks and activity to PostgreSQL.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// ControlConfig configures the WebSocket control surface used by `pilot serve`.
type ControlConfig struct {
	ListenAddr string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	AuthSecret string        `mapstructure:"auth_secret" yaml:"auth_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// DefaultConfigPath returns ~/.config/pilot/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("could not resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "pilot", "config.yaml"), nil
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pilot")
	v.SetDefault("logger.log_file", "pilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Agent --
	v.SetDefault("agent.approval_timeout", "30s")
	v.SetDefault("agent.settle_delay", "500ms")
	v.SetDefault("agent.wait_duration", "5s")
	v.SetDefault("agent.max_turns", 1)
	v.SetDefault("agent.task_queue_size", 32)

	// -- Model --
	v.SetDefault("model.provider", "gemini")
	v.SetDefault("model.model", "gemini-2.5-computer-use-preview-10-2025")
	v.SetDefault("model.api_timeout", "60s")
	v.SetDefault("model.requests_per_minute", 30)
	v.SetDefault("model.temperature", 0.2)

	// -- Remote --
	v.SetDefault("remote.port", 9222)
	v.SetDefault("remote.width", 1440)
	v.SetDefault("remote.height", 900)
	v.SetDefault("remote.headless", true)
	v.SetDefault("remote.home_page", "about:blank")
	v.SetDefault("remote.search_url", "https://www.google.com/search?q=")

	// -- Audit --
	v.SetDefault("audit.enabled", false)

	// -- Control --
	v.SetDefault("control.listen_addr", "127.0.0.1:8787")
	v.SetDefault("control.token_ttl", "12h")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets come from the environment more often than from the file.
	_ = v.BindEnv("model.api_key", "PILOT_MODEL_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("remote.password", "PILOT_REMOTE_PASSWORD")
	_ = v.BindEnv("audit.dsn", "PILOT_AUDIT_DSN")
	_ = v.BindEnv("control.auth_secret", "PILOT_CONTROL_AUTH_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.AgentCfg.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if err := c.ModelCfg.Validate(); err != nil {
		return fmt.Errorf("model configuration invalid: %w", err)
	}
	if c.RemoteCfg.Width <= 0 || c.RemoteCfg.Height <= 0 {
		return fmt.Errorf("remote.width and remote.height must be positive integers")
	}
	if c.AuditCfg.Enabled && c.AuditCfg.DSN == "" {
		return fmt.Errorf("audit.dsn is required when audit is enabled")
	}
	return nil
}

// Validate checks the agent timing and queue settings.
func (a *AgentConfig) Validate() error {
	if a.ApprovalTimeout < time.Second {
		return fmt.Errorf("approval_timeout must be at least 1s")
	}
	if a.SettleDelay < 0 || a.WaitDuration < 0 {
		return fmt.Errorf("settle_delay and wait_duration must not be negative")
	}
	if a.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be greater than 0")
	}
	if a.TaskQueueSize <= 0 {
		return fmt.Errorf("task_queue_size must be a positive integer")
	}
	return nil
}

// Validate checks the model settings. The API key is checked later, by the
// client constructor, so that `pilot version` works without one.
func (m *ModelConfig) Validate() error {
	if m.Provider != "gemini" {
		return fmt.Errorf("unsupported model provider %q", m.Provider)
	}
	if m.Model == "" {
		return fmt.Errorf("model.model is required")
	}
	if m.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must not be negative")
	}
	if m.Temperature < 0 || m.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}
