package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "MODELROOM"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "modelroom.db"
	defaultLogLevel     = "info"

	defaultHeartbeatInterval = 30 * time.Second
	defaultInactivityTimeout = 5 * time.Minute
	defaultPresenceTTL       = 30 * time.Second
	defaultCursorThrottle    = 100 * time.Millisecond
	defaultSelectionThrottle = 200 * time.Millisecond

	defaultMaxReconnectAttempts = 5
	defaultReconnectBaseDelay   = time.Second
	defaultOfflineQueueMaxAge   = 30 * time.Second
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	AuthSigningSecret string

	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	PresenceTTL       time.Duration
	CursorThrottle    time.Duration
	SelectionThrottle time.Duration

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	OfflineQueueMaxAge   time.Duration
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

	configViper.SetDefault("collab.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("collab.inactivity_timeout", defaultInactivityTimeout)
	configViper.SetDefault("collab.presence_ttl", defaultPresenceTTL)
	configViper.SetDefault("collab.cursor_throttle", defaultCursorThrottle)
	configViper.SetDefault("collab.selection_throttle", defaultSelectionThrottle)

	configViper.SetDefault("transport.max_reconnect_attempts", defaultMaxReconnectAttempts)
	configViper.SetDefault("transport.reconnect_base_delay", defaultReconnectBaseDelay)
	configViper.SetDefault("transport.offline_queue_max_age", defaultOfflineQueueMaxAge)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),

		HeartbeatInterval: configViper.GetDuration("collab.heartbeat_interval"),
		InactivityTimeout: configViper.GetDuration("collab.inactivity_timeout"),
		PresenceTTL:       configViper.GetDuration("collab.presence_ttl"),
		CursorThrottle:    configViper.GetDuration("collab.cursor_throttle"),
		SelectionThrottle: configViper.GetDuration("collab.selection_throttle"),

		MaxReconnectAttempts: configViper.GetInt("transport.max_reconnect_attempts"),
		ReconnectBaseDelay:   configViper.GetDuration("transport.reconnect_base_delay"),
		OfflineQueueMaxAge:   configViper.GetDuration("transport.offline_queue_max_age"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("collab.heartbeat_interval must be positive")
	}
	if c.InactivityTimeout <= 0 {
		return fmt.Errorf("collab.inactivity_timeout must be positive")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("collab.presence_ttl must be positive")
	}
	if c.CursorThrottle <= 0 || c.SelectionThrottle <= 0 {
		return fmt.Errorf("collab throttle windows must be positive")
	}
	if c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("transport.max_reconnect_attempts must be positive")
	}
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("transport.reconnect_base_delay must be positive")
	}
	if c.OfflineQueueMaxAge <= 0 {
		return fmt.Errorf("transport.offline_queue_max_age must be positive")
	}
	return nil
}
