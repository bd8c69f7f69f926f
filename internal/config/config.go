package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "LEASECAL"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "leasecal.db"
	defaultLogLevel     = "info"

	defaultSlotDurationMinutes = 60
	defaultSyncWindowDays      = 31
	defaultPastDaysFirstSync   = 30
	defaultProviderTimeout     = 30 * time.Second
	defaultSyncInterval        = 12 * time.Hour
)

// AppConfig captures runtime configuration for the scheduling API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	WebhookSecret string

	ProviderBaseURL      string
	ProviderTokenURL     string
	ProviderClientID     string
	ProviderClientSecret string
	ProviderTimeout      time.Duration

	SlotDurationMinutes int
	SyncWindowDays      int
	PastDaysFirstSync   int
	SyncInterval        time.Duration
	IntegrationEnabled  bool
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

	configViper.SetDefault("provider.timeout", defaultProviderTimeout)

	configViper.SetDefault("scheduling.slot_duration_minutes", defaultSlotDurationMinutes)
	configViper.SetDefault("sync.window_days", defaultSyncWindowDays)
	configViper.SetDefault("sync.past_days_first_sync", defaultPastDaysFirstSync)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.integration_enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		WebhookSecret: configViper.GetString("webhook.signing_secret"),

		ProviderBaseURL:      configViper.GetString("provider.base_url"),
		ProviderTokenURL:     configViper.GetString("provider.token_url"),
		ProviderClientID:     configViper.GetString("provider.client_id"),
		ProviderClientSecret: configViper.GetString("provider.client_secret"),
		ProviderTimeout:      configViper.GetDuration("provider.timeout"),

		SlotDurationMinutes: configViper.GetInt("scheduling.slot_duration_minutes"),
		SyncWindowDays:      configViper.GetInt("sync.window_days"),
		PastDaysFirstSync:   configViper.GetInt("sync.past_days_first_sync"),
		SyncInterval:        configViper.GetDuration("sync.interval"),
		IntegrationEnabled:  configViper.GetBool("sync.integration_enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("webhook.signing_secret is required")
	}
	if c.SlotDurationMinutes <= 0 {
		return fmt.Errorf("scheduling.slot_duration_minutes must be positive")
	}
	if c.SyncWindowDays <= 0 {
		return fmt.Errorf("sync.window_days must be positive")
	}
	return nil
}
