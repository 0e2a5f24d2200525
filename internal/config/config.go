package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "COSCRIBE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "coscribe.db"
	defaultLogLevel           = "info"
	defaultPersistIntervalS   = 5
	defaultSessionIdleS       = 300
	defaultMaxRooms           = 1024
	defaultMaxSessionsPerRoom = 64
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SigningSecret      string
	PersistInterval    time.Duration
	SessionIdleTimeout time.Duration
	MaxRooms           int
	MaxSessionsPerRoom int
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("collab.persist_interval_s", defaultPersistIntervalS)
	configViper.SetDefault("collab.session_idle_timeout_s", defaultSessionIdleS)
	configViper.SetDefault("collab.max_rooms", defaultMaxRooms)
	configViper.SetDefault("collab.max_sessions_per_room", defaultMaxSessionsPerRoom)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		PersistInterval:    time.Duration(configViper.GetInt("collab.persist_interval_s")) * time.Second,
		SessionIdleTimeout: time.Duration(configViper.GetInt("collab.session_idle_timeout_s")) * time.Second,
		MaxRooms:           configViper.GetInt("collab.max_rooms"),
		MaxSessionsPerRoom: configViper.GetInt("collab.max_sessions_per_room"),
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
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.PersistInterval <= 0 {
		return fmt.Errorf("collab.persist_interval_s must be positive")
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("collab.session_idle_timeout_s must be positive")
	}
	if c.MaxRooms <= 0 {
		return fmt.Errorf("collab.max_rooms must be positive")
	}
	if c.MaxSessionsPerRoom <= 0 {
		return fmt.Errorf("collab.max_sessions_per_room must be positive")
	}
	return nil
}
