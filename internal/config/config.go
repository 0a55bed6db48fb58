package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "RECORDSTORE"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "recordstore.db"
	defaultLogLevel         = "info"
	defaultAuthIssuer       = "recordstore"
	defaultAuthAudience     = "recordstore-api"
	defaultTokenTTL         = 30 * time.Minute
	defaultFlushInterval    = 16 * time.Millisecond
	defaultHistoryCapacity  = 256
	defaultAutosaveInterval = 5 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	AllowedOrigins   []string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	TokenIssuer      string
	TokenAudience    string
	TokenTTL         time.Duration
	FlushInterval    time.Duration
	HistoryCapacity  int
	AutosaveInterval time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("store.flush_interval", defaultFlushInterval)
	configViper.SetDefault("store.history_capacity", defaultHistoryCapacity)
	configViper.SetDefault("persistence.interval", defaultAutosaveInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		AllowedOrigins:   configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenIssuer:      configViper.GetString("auth.issuer"),
		TokenAudience:    configViper.GetString("auth.audience"),
		TokenTTL:         configViper.GetDuration("auth.token_ttl"),
		FlushInterval:    configViper.GetDuration("store.flush_interval"),
		HistoryCapacity:  configViper.GetInt("store.history_capacity"),
		AutosaveInterval: configViper.GetDuration("persistence.interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" || strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("store.flush_interval must not be negative")
	}
	if c.HistoryCapacity < 0 {
		return fmt.Errorf("store.history_capacity must not be negative")
	}
	if c.AutosaveInterval <= 0 {
		return fmt.Errorf("persistence.interval must be positive")
	}
	return nil
}
