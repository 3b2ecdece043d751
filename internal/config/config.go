// Package config loads the client and server binaries' configuration via
// viper, following the teacher's internal/config/config.go pattern: one
// struct per binary, defaults set before a config file and environment
// overlay, a MCP_-style env prefix replaced with this module's own.
//
// Grounded on internal/config/config.go (viper.New + setDefaults +
// SetEnvPrefix/AutomaticEnv + ReadInConfig-is-optional pattern), pruned of
// the teacher's unrelated API/cache/database/storage sections and
// replaced with this module's own client/server settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ClientConfig is the local client binary's configuration: actor identity,
// storage location, and sync-server connection settings.
type ClientConfig struct {
	ActorID      string        `mapstructure:"actor_id"`
	DatabasePath string        `mapstructure:"database_path"`
	Sync         SyncConfig    `mapstructure:"sync"`
	Metrics      MetricsConfig `mapstructure:"metrics"`
}

// SyncConfig configures the sync client's transport and retry behaviour
// (spec §4.8/§4.9).
type SyncConfig struct {
	ServerURL         string        `mapstructure:"server_url"`
	PullInterval      time.Duration `mapstructure:"pull_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	BreakerMaxFailures uint32       `mapstructure:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

// MetricsConfig toggles and namespaces Prometheus metrics collection.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// ServerConfig is the sync server binary's configuration.
type ServerConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	DatabaseDSN   string        `mapstructure:"database_dsn"`
	DatabaseDriver string       `mapstructure:"database_driver"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	Metrics       MetricsConfig `mapstructure:"metrics"`
}

// LoadClientConfig loads ClientConfig from TASKLISTSYNC_CONFIG_FILE (or
// ./configs/client.yaml) overlaid with TASKLISTSYNC_-prefixed env vars.
func LoadClientConfig() (*ClientConfig, error) {
	v := viper.New()
	setClientDefaults(v)
	if err := readConfig(v, "TASKLISTSYNC_CONFIG_FILE", "configs/client.yaml"); err != nil {
		return nil, err
	}
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling client config: %w", err)
	}
	return &cfg, nil
}

// LoadServerConfig loads ServerConfig from TASKLISTSYNC_SERVER_CONFIG_FILE
// (or ./configs/server.yaml) overlaid with TASKLISTSYNC_-prefixed env vars.
func LoadServerConfig() (*ServerConfig, error) {
	v := viper.New()
	setServerDefaults(v)
	if err := readConfig(v, "TASKLISTSYNC_SERVER_CONFIG_FILE", "configs/server.yaml"); err != nil {
		return nil, err
	}
	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling server config: %w", err)
	}
	return &cfg, nil
}

func readConfig(v *viper.Viper, envVar, defaultPath string) error {
	configFile := os.Getenv(envVar)
	if configFile == "" {
		configFile = defaultPath
	}
	v.SetConfigFile(configFile)
	v.SetEnvPrefix("TASKLISTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("actor_id", "")
	v.SetDefault("database_path", "tasklist-sync.db")

	v.SetDefault("sync.server_url", "http://localhost:8080")
	v.SetDefault("sync.pull_interval", 10*time.Second)
	v.SetDefault("sync.request_timeout", 10*time.Second)
	v.SetDefault("sync.initial_backoff", 500*time.Millisecond)
	v.SetDefault("sync.max_backoff", 10*time.Second)
	v.SetDefault("sync.breaker_max_failures", uint32(5))
	v.SetDefault("sync.breaker_open_timeout", 30*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "tasklistsync")
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", ":8080")
	v.SetDefault("database_driver", "postgres")
	v.SetDefault("database_dsn", "postgres://localhost:5432/tasklistsync?sslmode=disable")
	v.SetDefault("read_timeout", 30*time.Second)
	v.SetDefault("write_timeout", 30*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "tasklistsyncserver")
}
