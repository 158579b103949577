package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "COMMENTRELAY"
	defaultHTTPAddress        = "0.0.0.0:8765"
	defaultDatabasePath       = "comments.db"
	defaultLogLevel           = "info"
	defaultAllowLocalhost     = true
	defaultRegistryShards     = 64
	defaultSendBuffer         = 64
	defaultWriteTimeout       = 10 * time.Second
	defaultPingInterval       = 30 * time.Second
	defaultMaxMessageBytes    = 64 * 1024
	defaultShutdownTimeout    = 10 * time.Second
	maxRegistryShards         = 4096
	minWebsocketMessageBuffer = 1
)

// AppConfig captures runtime configuration for the relay.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	AllowedOrigins  []string
	AllowLocalhost  bool
	RegistryShards  int
	SendBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	ShutdownTimeout time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("origins.allowed", []string{})
	configViper.SetDefault("origins.allow_localhost", defaultAllowLocalhost)
	configViper.SetDefault("registry.shards", defaultRegistryShards)
	configViper.SetDefault("websocket.send_buffer", defaultSendBuffer)
	configViper.SetDefault("websocket.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("websocket.ping_interval", defaultPingInterval)
	configViper.SetDefault("websocket.max_message_bytes", defaultMaxMessageBytes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		AllowedOrigins:  normalizeOrigins(configViper.GetStringSlice("origins.allowed")),
		AllowLocalhost:  configViper.GetBool("origins.allow_localhost"),
		RegistryShards:  configViper.GetInt("registry.shards"),
		SendBuffer:      configViper.GetInt("websocket.send_buffer"),
		WriteTimeout:    configViper.GetDuration("websocket.write_timeout"),
		PingInterval:    configViper.GetDuration("websocket.ping_interval"),
		MaxMessageBytes: configViper.GetInt64("websocket.max_message_bytes"),
		ShutdownTimeout: configViper.GetDuration("http.shutdown_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RegistryShards <= 0 || c.RegistryShards > maxRegistryShards {
		return fmt.Errorf("registry.shards must be between 1 and %d", maxRegistryShards)
	}
	if c.SendBuffer < minWebsocketMessageBuffer {
		return fmt.Errorf("websocket.send_buffer must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("websocket.write_timeout must be positive")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("websocket.ping_interval must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("websocket.max_message_bytes must be positive")
	}
	return nil
}

// normalizeOrigins accepts both repeated values and a single comma separated
// value, which is how the list arrives from the environment.
func normalizeOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimRight(strings.TrimSpace(part), "/")
			if trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
