// Package config loads muxfleet configuration from defaults, an optional
// muxfleet.yaml under the base path, and MUXFLEET_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/muxfleet/muxfleet/internal/logging"
)

// Config is the single source of truth for every tunable.
type Config struct {
	BasePath string         `mapstructure:"base_path"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Submit   SubmitConfig   `mapstructure:"submit"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  logging.Config `mapstructure:"logging"`
}

// MonitorConfig drives the cycle loop.
type MonitorConfig struct {
	BaseIntervalSeconds  int  `mapstructure:"base_interval_seconds"`
	MaxInFlight          int  `mapstructure:"max_in_flight"`
	IdleThresholdCycles  int  `mapstructure:"idle_threshold_cycles"`
	AsyncEnabled         bool `mapstructure:"async_enabled"`
	ShutdownGraceSeconds int  `mapstructure:"shutdown_grace_seconds"`
}

// PoolConfig bounds the terminal driver pool.
type PoolConfig struct {
	MinSize              int `mapstructure:"min_size"`
	MaxSize              int `mapstructure:"max_size"`
	MaxAgeSeconds        int `mapstructure:"max_age_seconds"`
	AcquisitionTimeoutMS int `mapstructure:"acquisition_timeout_ms"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// CacheConfig carries one entry per namespace.
type CacheConfig struct {
	PaneContent NamespaceConfig `mapstructure:"pane_content"`
	AgentStatus NamespaceConfig `mapstructure:"agent_status"`
	SessionInfo NamespaceConfig `mapstructure:"session_info"`
	ConfigNS    NamespaceConfig `mapstructure:"config"`
}

// NamespaceConfig is the TTL and size cap for one cache namespace.
type NamespaceConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
	MaxEntries int `mapstructure:"max_entries"`
}

// RecoveryConfig drives crash recovery.
type RecoveryConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	GracePeriodSeconds int  `mapstructure:"grace_period_seconds"`
	InitTimeoutSeconds int  `mapstructure:"init_timeout_seconds"`
}

// NotifyConfig drives the notification router. The external channels
// stay off until their endpoint is set.
type NotifyConfig struct {
	CrashCooldownSeconds int                 `mapstructure:"crash_cooldown_seconds"`
	IdleCooldownSeconds  int                 `mapstructure:"idle_cooldown_seconds"`
	Recipient            string              `mapstructure:"recipient"`
	WebhookURL           string              `mapstructure:"webhook_url"`
	Slack                SlackNotifyConfig   `mapstructure:"slack"`
	Discord              DiscordNotifyConfig `mapstructure:"discord"`
	Email                EmailNotifyConfig   `mapstructure:"email"`
}

// SlackNotifyConfig addresses a Slack incoming webhook.
type SlackNotifyConfig struct {
	WebhookURL  string `mapstructure:"webhook_url"`
	Channel     string `mapstructure:"channel"`
	Username    string `mapstructure:"username"`
	MinPriority int    `mapstructure:"min_priority"`
}

// DiscordNotifyConfig addresses a Discord webhook.
type DiscordNotifyConfig struct {
	WebhookURL  string `mapstructure:"webhook_url"`
	Username    string `mapstructure:"username"`
	MinPriority int    `mapstructure:"min_priority"`
}

// EmailNotifyConfig addresses an SMTP relay.
type EmailNotifyConfig struct {
	SMTPHost    string   `mapstructure:"smtp_host"`
	SMTPPort    int      `mapstructure:"smtp_port"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	From        string   `mapstructure:"from"`
	To          []string `mapstructure:"to"`
	MinPriority int      `mapstructure:"min_priority"`
}

// SubmitConfig drives the message submitter.
type SubmitConfig struct {
	BaseDelaySeconds int `mapstructure:"base_delay_seconds"`
}

// AgentConfig describes the managed REPL process.
type AgentConfig struct {
	Command string `mapstructure:"command"`
}

// DaemonConfig drives the background daemon.
type DaemonConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

// NATSConfig drives the embedded message broker.
type NATSConfig struct {
	Port int `mapstructure:"port"`
}

// Duration helpers keep call sites free of unit conversions.

func (m MonitorConfig) BaseInterval() time.Duration {
	return time.Duration(m.BaseIntervalSeconds) * time.Second
}

func (m MonitorConfig) ShutdownGrace() time.Duration {
	return time.Duration(m.ShutdownGraceSeconds) * time.Second
}

func (p PoolConfig) MaxAge() time.Duration {
	return time.Duration(p.MaxAgeSeconds) * time.Second
}

func (p PoolConfig) AcquisitionTimeout() time.Duration {
	return time.Duration(p.AcquisitionTimeoutMS) * time.Millisecond
}

func (p PoolConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSeconds) * time.Second
}

func (n NamespaceConfig) TTL() time.Duration {
	return time.Duration(n.TTLSeconds) * time.Second
}

func (r RecoveryConfig) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodSeconds) * time.Second
}

func (r RecoveryConfig) InitTimeout() time.Duration {
	return time.Duration(r.InitTimeoutSeconds) * time.Second
}

func (n NotifyConfig) CrashCooldown() time.Duration {
	return time.Duration(n.CrashCooldownSeconds) * time.Second
}

func (n NotifyConfig) IdleCooldown() time.Duration {
	return time.Duration(n.IdleCooldownSeconds) * time.Second
}

func (s SubmitConfig) BaseDelay() time.Duration {
	return time.Duration(s.BaseDelaySeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_path", defaultBasePath())

	v.SetDefault("monitor.base_interval_seconds", 15)
	v.SetDefault("monitor.max_in_flight", 20)
	v.SetDefault("monitor.idle_threshold_cycles", 3)
	v.SetDefault("monitor.async_enabled", true)
	v.SetDefault("monitor.shutdown_grace_seconds", 10)

	v.SetDefault("pool.min_size", 2)
	v.SetDefault("pool.max_size", 10)
	v.SetDefault("pool.max_age_seconds", 1800)
	v.SetDefault("pool.acquisition_timeout_ms", 5000)
	v.SetDefault("pool.sweep_interval_seconds", 30)

	v.SetDefault("cache.pane_content.ttl_seconds", 10)
	v.SetDefault("cache.pane_content.max_entries", 500)
	v.SetDefault("cache.agent_status.ttl_seconds", 30)
	v.SetDefault("cache.agent_status.max_entries", 500)
	v.SetDefault("cache.session_info.ttl_seconds", 60)
	v.SetDefault("cache.session_info.max_entries", 100)
	v.SetDefault("cache.config.ttl_seconds", 300)
	v.SetDefault("cache.config.max_entries", 100)

	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.grace_period_seconds", 180)
	v.SetDefault("recovery.init_timeout_seconds", 15)

	v.SetDefault("notify.crash_cooldown_seconds", 300)
	v.SetDefault("notify.idle_cooldown_seconds", 600)
	v.SetDefault("notify.recipient", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.slack.webhook_url", "")
	v.SetDefault("notify.discord.webhook_url", "")
	v.SetDefault("notify.email.smtp_host", "")
	v.SetDefault("notify.email.smtp_port", 587)

	v.SetDefault("submit.base_delay_seconds", 3)

	v.SetDefault("agent.command", "claude")

	v.SetDefault("daemon.http_addr", "127.0.0.1:7433")

	v.SetDefault("nats.port", 4222)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
}

// Load reads configuration from defaults, muxfleet.yaml, and MUXFLEET_* env
// variables. Dots in keys become underscores in the environment, so
// monitor.base_interval_seconds is MUXFLEET_MONITOR_BASE_INTERVAL_SECONDS.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an explicit config file directory.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MUXFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("muxfleet")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(defaultBasePath())
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the components cannot run with.
func Validate(cfg *Config) error {
	if cfg.Monitor.BaseIntervalSeconds < 1 {
		return fmt.Errorf("monitor.base_interval_seconds must be >= 1, got %d", cfg.Monitor.BaseIntervalSeconds)
	}
	if cfg.Monitor.MaxInFlight < 1 {
		return fmt.Errorf("monitor.max_in_flight must be >= 1, got %d", cfg.Monitor.MaxInFlight)
	}
	if cfg.Pool.MinSize < 0 || cfg.Pool.MaxSize < 1 {
		return fmt.Errorf("pool sizes out of range: min=%d max=%d", cfg.Pool.MinSize, cfg.Pool.MaxSize)
	}
	if cfg.Pool.MinSize > cfg.Pool.MaxSize {
		return fmt.Errorf("pool.min_size %d exceeds pool.max_size %d", cfg.Pool.MinSize, cfg.Pool.MaxSize)
	}
	if cfg.Recovery.GracePeriodSeconds < 0 {
		return fmt.Errorf("recovery.grace_period_seconds must be >= 0, got %d", cfg.Recovery.GracePeriodSeconds)
	}
	if cfg.Notify.Recipient != "" && !validTarget(cfg.Notify.Recipient) {
		return fmt.Errorf("notify.recipient %q is not a session:window target", cfg.Notify.Recipient)
	}
	for _, ns := range []struct {
		name string
		cfg  NamespaceConfig
	}{
		{"pane_content", cfg.Cache.PaneContent},
		{"agent_status", cfg.Cache.AgentStatus},
		{"session_info", cfg.Cache.SessionInfo},
		{"config", cfg.Cache.ConfigNS},
	} {
		if ns.cfg.TTLSeconds < 1 || ns.cfg.MaxEntries < 1 {
			return fmt.Errorf("cache.%s: ttl and max_entries must be >= 1", ns.name)
		}
	}
	return nil
}

// validTarget mirrors target.Valid without importing it; config sits below
// every other package.
func validTarget(s string) bool {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return false
	}
	for _, r := range s[:idx] {
		if !(r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	for _, r := range s[idx+1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func defaultBasePath() string {
	if p := os.Getenv("MUXFLEET_BASE_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".muxfleet"
	}
	return filepath.Join(home, ".muxfleet")
}

// EnsureDirs creates the state, pid, logs, data, and roles directories under
// the base path.
func (c *Config) EnsureDirs() error {
	for _, sub := range []string{"state", "pid", "logs", "data", "roles"} {
		if err := os.MkdirAll(filepath.Join(c.BasePath, sub), 0o755); err != nil {
			return fmt.Errorf("creating %s dir: %w", sub, err)
		}
	}
	return nil
}

// StatePath returns the registry snapshot location.
func (c *Config) StatePath() string { return filepath.Join(c.BasePath, "state", "monitor_state.json") }

// PIDPath returns the daemon PID file location.
func (c *Config) PIDPath() string { return filepath.Join(c.BasePath, "pid", "monitor.pid") }

// LogPath returns the rotating log file location.
func (c *Config) LogPath() string { return filepath.Join(c.BasePath, "logs", "muxfleet.log") }

// DaemonOutPath returns the capture file for the detached daemon's raw
// stdout and stderr. Structured logs go to LogPath; this catches panics.
func (c *Config) DaemonOutPath() string { return filepath.Join(c.BasePath, "logs", "daemon.out") }

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string { return filepath.Join(c.BasePath, "data", "muxfleet.db") }

// NATSStorePath returns the JetStream store directory.
func (c *Config) NATSStorePath() string { return filepath.Join(c.BasePath, "data", "nats") }

// RolesPath returns the briefing override directory.
func (c *Config) RolesPath() string { return filepath.Join(c.BasePath, "roles") }
