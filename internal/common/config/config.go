// Package config provides configuration management for the Agendo worker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agendo/agendo/internal/common/logger"
)

// Config holds all configuration sections for the worker.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Database DatabaseConfig       `mapstructure:"database"`
	NATS     NATSConfig           `mapstructure:"nats"`
	Session  SessionConfig        `mapstructure:"session"`
	Teams    TeamsConfig          `mapstructure:"teams"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds session store configuration.
// Driver selects the backing store: "memory", "sqlite", or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// When Embedded is true the worker uses the in-memory bus instead.
type NATSConfig struct {
	Embedded      bool   `mapstructure:"embedded"`
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SessionConfig holds session supervision configuration.
type SessionConfig struct {
	// Slots bounds the number of concurrently running supervisors.
	Slots int `mapstructure:"slots"`
	// QueueSize bounds the pending run-request queue.
	QueueSize int `mapstructure:"queueSize"`
	// LogDir is the root directory for per-session log files.
	LogDir string `mapstructure:"logDir"`
	// IdleTimeoutSec is the default idle timeout for non-team sessions.
	IdleTimeoutSec int `mapstructure:"idleTimeoutSec"`
	// HeartbeatSec is the heartbeat ticker interval.
	HeartbeatSec int `mapstructure:"heartbeatSec"`
	// KillGraceSec is the delay before SIGKILL escalation.
	KillGraceSec int `mapstructure:"killGraceSec"`
	// RecoveryLimit bounds automatic re-enqueues of crashed sessions per boot cycle.
	RecoveryLimit int `mapstructure:"recoveryLimit"`
	// DeltaFlushMS is the coalescing window for text/thinking deltas.
	DeltaFlushMS int `mapstructure:"deltaFlushMs"`
}

// TeamsConfig holds team inbox monitoring configuration.
type TeamsConfig struct {
	// ConfigDir is scanned for team configs claiming a session as leader.
	ConfigDir string `mapstructure:"configDir"`
	// PollIntervalSec is the inbox poll cadence.
	PollIntervalSec int `mapstructure:"pollIntervalSec"`
	// IdleTimeoutSec is the idle timeout applied to team sessions.
	IdleTimeoutSec int `mapstructure:"idleTimeoutSec"`
}

// Load reads configuration from file and environment variables.
// Environment variables use the AGENDO_ prefix with underscores,
// e.g. AGENDO_SESSION_SLOTS=8.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("agendo")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.agendo")
		v.AddConfigPath("/etc/agendo")
	}

	v.SetEnvPrefix("AGENDO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; env vars and defaults apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", defaultDataPath("agendo.db"))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)

	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.clientId", "agendo-worker")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("session.slots", 4)
	v.SetDefault("session.queueSize", 256)
	v.SetDefault("session.logDir", defaultDataPath("logs"))
	v.SetDefault("session.idleTimeoutSec", 1800)
	v.SetDefault("session.heartbeatSec", 30)
	v.SetDefault("session.killGraceSec", 5)
	v.SetDefault("session.recoveryLimit", 3)
	v.SetDefault("session.deltaFlushMs", 75)

	v.SetDefault("teams.configDir", defaultDataPath("teams"))
	v.SetDefault("teams.pollIntervalSec", 2)
	v.SetDefault("teams.idleTimeoutSec", 3600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

// Validate checks that required configuration values are sane.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid database.driver %q (want memory, sqlite or postgres)", c.Database.Driver)
	}
	if c.Session.Slots <= 0 {
		return fmt.Errorf("session.slots must be positive, got %d", c.Session.Slots)
	}
	if c.Session.RecoveryLimit < 0 {
		return fmt.Errorf("session.recoveryLimit must not be negative, got %d", c.Session.RecoveryLimit)
	}
	if c.Session.LogDir == "" {
		return fmt.Errorf("session.logDir must be set")
	}
	return nil
}

// PostgresDSN builds a pgx connection string from the database section.
func (c *DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c *SessionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// KillGrace returns the SIGKILL escalation delay as a duration.
func (c *SessionConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceSec) * time.Second
}

// DeltaFlush returns the delta coalescing window as a duration.
func (c *SessionConfig) DeltaFlush() time.Duration {
	return time.Duration(c.DeltaFlushMS) * time.Millisecond
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return home + "/.agendo/" + name
}
